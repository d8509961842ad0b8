package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/correlator-io/sentinel/internal/alerting"
	"github.com/correlator-io/sentinel/internal/ingestion"
	"github.com/correlator-io/sentinel/internal/window"
)

var (
	_ ingestion.Store = (*MemoryStore)(nil)
	_ alerting.Store  = (*MemoryStore)(nil)
	_ window.Store    = (*MemoryStore)(nil)
)

// MemoryStore is a thread-safe in-memory implementation of the telemetry, alert and
// window stores. It keeps the same uniqueness and monotonicity rules as the PostgreSQL
// stores but nothing survives a restart.
type MemoryStore struct {
	// records maps tenant/ext_id to the stored record
	records map[string]*ingestion.Record
	// recordsByID maps record ids to the same records for alert operations
	recordsByID map[string]*ingestion.Record
	// windows maps tenant/fingerprint to window state
	windows map[string]*window.State
	poison  []*ingestion.Poison
	now     func() time.Time
	mutex   sync.RWMutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:     make(map[string]*ingestion.Record),
		recordsByID: make(map[string]*ingestion.Record),
		windows:     make(map[string]*window.State),
		now:         time.Now,
	}
}

func memoryKey(a, b string) string {
	return a + "\x00" + b
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error {
	return nil
}

// UpsertTelemetry inserts record or increments the dupe count of the existing one.
func (s *MemoryStore) UpsertTelemetry(_ context.Context, record *ingestion.Record) (*ingestion.UpsertResult, error) {
	if record == nil {
		return nil, fmt.Errorf("%w: record is nil", ErrTelemetryStoreFailed)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	key := memoryKey(record.Tenant, record.ExternalID)

	if existing, ok := s.records[key]; ok {
		existing.DupeCount++
		if record.TimeIngested.After(existing.TimeIngested) {
			existing.TimeIngested = record.TimeIngested
		}

		return &ingestion.UpsertResult{ID: existing.ID, DupeCount: existing.DupeCount}, nil
	}

	stored := *record
	stored.ID = uuid.NewString()
	stored.DupeCount = 1

	if stored.AlertState == "" {
		stored.AlertState = ingestion.AlertNone
	}

	s.records[key] = &stored
	s.recordsByID[stored.ID] = &stored

	return &ingestion.UpsertResult{Inserted: true, ID: stored.ID, DupeCount: 1}, nil
}

// RecordPoison keeps a copy of the poison row.
func (s *MemoryStore) RecordPoison(_ context.Context, poison *ingestion.Poison) error {
	if poison == nil {
		return fmt.Errorf("%w: poison is nil", ErrTelemetryStoreFailed)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	p := *poison
	s.poison = append(s.poison, &p)

	return nil
}

// GetTelemetry returns a copy of the record stored for (tenant, externalID).
func (s *MemoryStore) GetTelemetry(_ context.Context, tenant, externalID string) (*ingestion.Record, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	record, ok := s.records[memoryKey(tenant, externalID)]
	if !ok {
		return nil, fmt.Errorf("%w: tenant %s ext_id %s", ErrTelemetryNotFound, tenant, externalID)
	}

	recordCopy := *record

	return &recordCopy, nil
}

// Records returns copies of all records of tenant, oldest first.
func (s *MemoryStore) Records(tenant string) []*ingestion.Record {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var out []*ingestion.Record

	for _, r := range s.records {
		if r.Tenant == tenant {
			recordCopy := *r
			out = append(out, &recordCopy)
		}
	}

	return ingestion.SortRecordsByTime(out)
}

// PoisonCount returns the number of poison rows recorded.
func (s *MemoryStore) PoisonCount() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return len(s.poison)
}

// ClaimAlert moves a pending, non-seeded record to claimed.
func (s *MemoryStore) ClaimAlert(_ context.Context, recordID string) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	record, ok := s.recordsByID[recordID]
	if !ok || record.Seeded || record.AlertState != ingestion.AlertPending {
		return false, nil
	}

	record.AlertState = ingestion.AlertClaimed

	return true, nil
}

// MarkAlert settles a claimed record.
func (s *MemoryStore) MarkAlert(_ context.Context, recordID string, state ingestion.AlertState) error {
	if err := ingestion.ValidateAlertTransition(ingestion.AlertClaimed, state); err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	record, ok := s.recordsByID[recordID]
	if !ok || record.AlertState != ingestion.AlertClaimed {
		return fmt.Errorf("%w: record %s", ErrAlertNotClaimed, recordID)
	}

	record.AlertState = state

	return nil
}

// PendingAlerts returns up to limit pending records, oldest first.
func (s *MemoryStore) PendingAlerts(_ context.Context, limit int) ([]*ingestion.Record, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var pending []*ingestion.Record

	for _, r := range s.recordsByID {
		if r.Alertable() {
			recordCopy := *r
			pending = append(pending, &recordCopy)
		}
	}

	pending = ingestion.SortRecordsByTime(pending)
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}

	return pending, nil
}

// GetWindow returns a copy of the state for (tenant, fingerprint).
func (s *MemoryStore) GetWindow(_ context.Context, tenant, fingerprint string) (*window.State, bool, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	state, ok := s.windows[memoryKey(tenant, fingerprint)]
	if !ok {
		return nil, false, nil
	}

	stateCopy := *state

	return &stateCopy, true, nil
}

// AdvanceWindow raises queried_until to until and never lowers it.
func (s *MemoryStore) AdvanceWindow(
	_ context.Context,
	tenant, queryName, fingerprint string,
	until time.Time,
) (time.Time, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	key := memoryKey(tenant, fingerprint)
	until = until.UTC()

	state, ok := s.windows[key]
	if !ok {
		state = &window.State{Tenant: tenant, Fingerprint: fingerprint, QueriedUntil: until}
		s.windows[key] = state
	}

	if until.After(state.QueriedUntil) {
		state.QueriedUntil = until
	}

	state.QueryName = queryName
	state.UpdatedAt = s.now().UTC()

	return state.QueriedUntil, nil
}

// ListWindows returns copies of the window states, optionally filtered by tenant.
func (s *MemoryStore) ListWindows(_ context.Context, tenant string) ([]*window.State, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	states := make([]*window.State, 0, len(s.windows))

	for _, st := range s.windows {
		if tenant != "" && st.Tenant != tenant {
			continue
		}

		stateCopy := *st
		states = append(states, &stateCopy)
	}

	sort.Slice(states, func(i, j int) bool {
		if states[i].Tenant != states[j].Tenant {
			return states[i].Tenant < states[j].Tenant
		}

		return states[i].QueryName < states[j].QueryName
	})

	return states, nil
}

// ResetWindow deletes the state for (tenant, fingerprint).
func (s *MemoryStore) ResetWindow(_ context.Context, tenant, fingerprint string) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	key := memoryKey(tenant, fingerprint)

	if _, ok := s.windows[key]; !ok {
		return false, nil
	}

	delete(s.windows, key)

	return true, nil
}
