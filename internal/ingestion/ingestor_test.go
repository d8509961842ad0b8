package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/correlator-io/sentinel/internal/query"
)

var errStoreDown = errors.New("store down")

// fakeStore mirrors the upsert semantics of the PostgreSQL store.
type fakeStore struct {
	mu        sync.Mutex
	records   map[string]*Record
	poison    []*Poison
	nextID    int
	failAfter int
	poisonErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]*Record), failAfter: -1}
}

func (s *fakeStore) UpsertTelemetry(_ context.Context, record *Record) (*UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failAfter == 0 {
		return nil, errStoreDown
	}

	if s.failAfter > 0 {
		s.failAfter--
	}

	key := record.Tenant + "/" + record.ExternalID

	existing, ok := s.records[key]
	if ok {
		existing.DupeCount++
		if record.TimeIngested.After(existing.TimeIngested) {
			existing.TimeIngested = record.TimeIngested
		}

		return &UpsertResult{ID: existing.ID, DupeCount: existing.DupeCount}, nil
	}

	s.nextID++
	stored := *record
	stored.ID = fmt.Sprintf("id-%d", s.nextID)
	s.records[key] = &stored

	return &UpsertResult{Inserted: true, ID: stored.ID, DupeCount: 1}, nil
}

func (s *fakeStore) RecordPoison(_ context.Context, poison *Poison) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.poisonErr != nil {
		return s.poisonErr
	}

	s.poison = append(s.poison, poison)

	return nil
}

func (s *fakeStore) HealthCheck(context.Context) error {
	return nil
}

func (s *fakeStore) get(tenant, externalID string) *Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.records[tenant+"/"+externalID]
}

func newTestIngestor(t *testing.T, store Store, now time.Time) (*Ingestor, *quartz.Mock) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clock := quartz.NewMock(t)
	clock.Set(now).MustWait(ctx)

	ingestor, err := NewIngestor(store, WithClock(clock))
	require.NoError(t, err)

	return ingestor, clock
}

func TestIngest_Idempotent(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store := newFakeStore()
	first := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	ingestor, clock := newTestIngestor(t, store, first)
	def := newTestDefinition(t)

	res, err := ingestor.Ingest(ctx, "skd", def, []Row{validRow("evt-1")}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.New)

	original := *store.get("skd", "evt-1")

	refetched := validRow("evt-1")
	refetched["outerMessage"] = "different body on re-fetch"
	refetched["timestamp"] = "2024-01-01T13:00:00Z"

	second := first.Add(time.Minute)
	clock.Set(second).MustWait(ctx)

	res, err = ingestor.Ingest(ctx, "skd", def, []Row{refetched}, Options{})
	require.NoError(t, err)

	assert.Equal(t, 0, res.New)
	assert.Equal(t, 1, res.Duplicates)
	assert.Empty(t, res.NewRecords)

	stored := store.get("skd", "evt-1")
	assert.Equal(t, 2, stored.DupeCount)
	assert.Equal(t, original.TimeGenerated, stored.TimeGenerated)
	assert.JSONEq(t, string(original.Data), string(stored.Data))
	assert.Equal(t, second, stored.TimeIngested)
}

func TestIngest_PartialBatchTolerance(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newFakeStore()
	ingestor, _ := newTestIngestor(t, store, time.Now())
	def := newTestDefinition(t)

	rows := make([]Row, 0, 10)
	for i := range 10 {
		rows = append(rows, validRow(fmt.Sprintf("evt-%d", i)))
	}

	delete(rows[4], "itemId")

	res, err := ingestor.Ingest(context.Background(), "skd", def, rows, Options{})
	require.NoError(t, err)

	assert.Equal(t, 10, res.Total)
	assert.Equal(t, 9, res.New)
	assert.Equal(t, 1, res.Poisoned)
	assert.Len(t, res.NewRecords, 9)

	require.Len(t, store.poison, 1)
	assert.Equal(t, "Failed X", store.poison[0].QueryName)
	assert.Contains(t, store.poison[0].Reason, "external id")
}

func TestIngest_PoisonStoreFailureDoesNotAbort(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newFakeStore()
	store.poisonErr = errStoreDown
	ingestor, _ := newTestIngestor(t, store, time.Now())

	rows := []Row{{"garbage": true}, validRow("evt-1")}

	res, err := ingestor.Ingest(context.Background(), "skd", newTestDefinition(t), rows, Options{})

	require.NoError(t, err)
	assert.Equal(t, 1, res.New)
	assert.Equal(t, 1, res.Poisoned)
}

func TestIngest_StoreFailureAbortsBatch(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newFakeStore()
	store.failAfter = 1
	ingestor, _ := newTestIngestor(t, store, time.Now())

	rows := []Row{validRow("evt-1"), validRow("evt-2"), validRow("evt-3")}

	res, err := ingestor.Ingest(context.Background(), "skd", newTestDefinition(t), rows, Options{})

	require.ErrorIs(t, err, ErrPersistFailed)
	require.ErrorIs(t, err, errStoreDown)
	assert.Equal(t, 1, res.New)
	assert.Nil(t, store.get("skd", "evt-2"))
}

func TestIngest_Seeded(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newFakeStore()
	ingestor, _ := newTestIngestor(t, store, time.Now())
	def := newTestDefinition(t, query.WithAlert("{app_name} failed"))

	res, err := ingestor.Ingest(context.Background(), "skd", def, []Row{validRow("evt-1")}, Options{Seeded: true})
	require.NoError(t, err)

	require.Len(t, res.NewRecords, 1)
	assert.True(t, res.NewRecords[0].Seeded)
	assert.False(t, res.NewRecords[0].Alertable())
	assert.Equal(t, "id-1", res.NewRecords[0].ID)
}

func TestIngest_TenantScopedIdentity(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newFakeStore()
	ingestor, _ := newTestIngestor(t, store, time.Now())
	def := newTestDefinition(t)

	for _, tenant := range []string{"skd", "acme"} {
		res, err := ingestor.Ingest(context.Background(), tenant, def, []Row{validRow("evt-1")}, Options{})
		require.NoError(t, err)
		assert.Equal(t, 1, res.New, "tenant %s", tenant)
	}
}

func TestIngest_DuplicateWithinBatch(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newFakeStore()
	ingestor, _ := newTestIngestor(t, store, time.Now())

	rows := []Row{validRow("evt-1"), validRow("evt-1")}

	res, err := ingestor.Ingest(context.Background(), "skd", newTestDefinition(t), rows, Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, res.New)
	assert.Equal(t, 1, res.Duplicates)
	assert.Equal(t, 2, store.get("skd", "evt-1").DupeCount)
}

func TestNewIngestor_NilStore(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	_, err := NewIngestor(nil)

	require.ErrorIs(t, err, ErrNoStore)
}
