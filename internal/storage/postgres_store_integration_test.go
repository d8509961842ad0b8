package storage

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/correlator-io/sentinel/internal/config"
	"github.com/correlator-io/sentinel/internal/ingestion"
)

// TestPostgresStoresIntegration runs all integration tests for TelemetryStore and WindowStore
// against one container, truncating between subtests.
func TestPostgresStoresIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	testDB := config.SetupTestDatabase(ctx, t)

	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	conn := &Connection{DB: testDB.Connection}

	telemetry, err := NewTelemetryStore(conn)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = telemetry.Close()
	})

	windows, err := NewWindowStore(conn)
	require.NoError(t, err)

	t.Run("Upsert_InsertThenDuplicate", testUpsertInsertThenDuplicate(ctx, telemetry, conn))
	t.Run("Upsert_Concurrent", testUpsertConcurrent(ctx, telemetry, conn))
	t.Run("Upsert_TenantScoped", testUpsertTenantScoped(ctx, telemetry, conn))
	t.Run("Alert_ClaimAndMark", testAlertClaimAndMark(ctx, telemetry, conn))
	t.Run("Alert_SeededNeverPending", testAlertSeededNeverPending(ctx, telemetry, conn))
	t.Run("Poison_RecordAndPurge", testPoisonRecordAndPurge(ctx, telemetry, conn))
	t.Run("Window_AdvanceIsMonotonic", testWindowAdvanceIsMonotonic(ctx, windows, conn))
	t.Run("Window_ListAndReset", testWindowListAndReset(ctx, windows, conn))
	t.Run("HealthCheck", func(t *testing.T) {
		require.NoError(t, telemetry.HealthCheck(ctx))
		require.NoError(t, windows.HealthCheck(ctx))
	})
}

func testUpsertInsertThenDuplicate(ctx context.Context, store *TelemetryStore, conn *Connection) func(*testing.T) {
	return func(t *testing.T) {
		config.TruncateTables(ctx, t, conn.DB)

		first := testRecord("skd", "a1", ingestion.AlertPending)

		res, err := store.UpsertTelemetry(ctx, first)
		require.NoError(t, err)
		assert.True(t, res.Inserted)
		assert.Equal(t, 1, res.DupeCount)

		again := testRecord("skd", "a1", ingestion.AlertNone)
		again.TimeGenerated = first.TimeGenerated.Add(time.Hour)
		again.TimeIngested = first.TimeIngested.Add(time.Hour)
		again.Data = json.RawMessage(`{"changed":true}`)

		res2, err := store.UpsertTelemetry(ctx, again)
		require.NoError(t, err)
		assert.False(t, res2.Inserted)
		assert.Equal(t, 2, res2.DupeCount)
		assert.Equal(t, res.ID, res2.ID)

		stored, err := store.GetTelemetry(ctx, "skd", "a1")
		require.NoError(t, err)
		assert.True(t, first.TimeGenerated.Equal(stored.TimeGenerated))
		assert.True(t, again.TimeIngested.Equal(stored.TimeIngested))
		assert.JSONEq(t, string(first.Data), string(stored.Data))
		assert.Equal(t, ingestion.AlertPending, stored.AlertState)
		assert.Equal(t, "billing-api", stored.AppName)

		_, err = store.GetTelemetry(ctx, "skd", "missing")
		require.ErrorIs(t, err, ErrTelemetryNotFound)
	}
}

func testUpsertConcurrent(ctx context.Context, store *TelemetryStore, conn *Connection) func(*testing.T) {
	return func(t *testing.T) {
		config.TruncateTables(ctx, t, conn.DB)

		const writers = 10

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			inserted int
		)

		for range writers {
			wg.Add(1)

			go func() {
				defer wg.Done()

				res, err := store.UpsertTelemetry(ctx, testRecord("skd", "same", ingestion.AlertNone))
				assert.NoError(t, err)

				if res != nil && res.Inserted {
					mu.Lock()
					inserted++
					mu.Unlock()
				}
			}()
		}

		wg.Wait()

		assert.Equal(t, 1, inserted)

		stored, err := store.GetTelemetry(ctx, "skd", "same")
		require.NoError(t, err)
		assert.Equal(t, writers, stored.DupeCount)
	}
}

func testUpsertTenantScoped(ctx context.Context, store *TelemetryStore, conn *Connection) func(*testing.T) {
	return func(t *testing.T) {
		config.TruncateTables(ctx, t, conn.DB)

		resA, err := store.UpsertTelemetry(ctx, testRecord("skd", "a1", ingestion.AlertNone))
		require.NoError(t, err)

		resB, err := store.UpsertTelemetry(ctx, testRecord("acme", "a1", ingestion.AlertNone))
		require.NoError(t, err)

		assert.True(t, resA.Inserted)
		assert.True(t, resB.Inserted)
		assert.NotEqual(t, resA.ID, resB.ID)
	}
}

func testAlertClaimAndMark(ctx context.Context, store *TelemetryStore, conn *Connection) func(*testing.T) {
	return func(t *testing.T) {
		config.TruncateTables(ctx, t, conn.DB)

		res, err := store.UpsertTelemetry(ctx, testRecord("skd", "a1", ingestion.AlertPending))
		require.NoError(t, err)

		pending, err := store.PendingAlerts(ctx, 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, res.ID, pending[0].ID)

		claimed, err := store.ClaimAlert(ctx, res.ID)
		require.NoError(t, err)
		assert.True(t, claimed)

		claimed, err = store.ClaimAlert(ctx, res.ID)
		require.NoError(t, err)
		assert.False(t, claimed)

		// Release back to pending, then claim and deliver.
		require.NoError(t, store.MarkAlert(ctx, res.ID, ingestion.AlertPending))

		claimed, err = store.ClaimAlert(ctx, res.ID)
		require.NoError(t, err)
		require.True(t, claimed)

		require.NoError(t, store.MarkAlert(ctx, res.ID, ingestion.AlertDelivered))
		require.ErrorIs(t, store.MarkAlert(ctx, res.ID, ingestion.AlertFailed), ErrAlertNotClaimed)

		pending, err = store.PendingAlerts(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, pending)
	}
}

func testAlertSeededNeverPending(ctx context.Context, store *TelemetryStore, conn *Connection) func(*testing.T) {
	return func(t *testing.T) {
		config.TruncateTables(ctx, t, conn.DB)

		seeded := testRecord("skd", "s1", ingestion.AlertPending)
		seeded.Seeded = true

		res, err := store.UpsertTelemetry(ctx, seeded)
		require.NoError(t, err)

		claimed, err := store.ClaimAlert(ctx, res.ID)
		require.NoError(t, err)
		assert.False(t, claimed)

		pending, err := store.PendingAlerts(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, pending)
	}
}

func testPoisonRecordAndPurge(ctx context.Context, store *TelemetryStore, conn *Connection) func(*testing.T) {
	return func(t *testing.T) {
		config.TruncateTables(ctx, t, conn.DB)

		require.NoError(t, store.RecordPoison(ctx, &ingestion.Poison{
			Tenant:    "skd",
			QueryName: "Failed X",
			Reason:    "missing external id",
			Data:      json.RawMessage(`{"timestamp":"2024-03-01T10:00:00Z"}`),
			CreatedAt: time.Now().Add(-30 * 24 * time.Hour),
		}))
		require.NoError(t, store.RecordPoison(ctx, &ingestion.Poison{
			Tenant:    "skd",
			QueryName: "Failed X",
			Reason:    "invalid time",
		}))

		deleted := store.purgeExpiredPoison(ctx)
		assert.Equal(t, int64(1), deleted)

		var remaining int
		require.NoError(t, conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM ingest_poison`).Scan(&remaining))
		assert.Equal(t, 1, remaining)
	}
}

func testWindowAdvanceIsMonotonic(ctx context.Context, store *WindowStore, conn *Connection) func(*testing.T) {
	return func(t *testing.T) {
		config.TruncateTables(ctx, t, conn.DB)

		_, found, err := store.GetWindow(ctx, "skd", "fp1")
		require.NoError(t, err)
		assert.False(t, found)

		t1 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
		t2 := t1.Add(5 * time.Minute)

		effective, err := store.AdvanceWindow(ctx, "skd", "Failed X", "fp1", t2)
		require.NoError(t, err)
		assert.True(t, t2.Equal(effective))

		effective, err = store.AdvanceWindow(ctx, "skd", "Failed X", "fp1", t1)
		require.NoError(t, err)
		assert.True(t, t2.Equal(effective), "queried_until never regresses")

		state, found, err := store.GetWindow(ctx, "skd", "fp1")
		require.NoError(t, err)
		require.True(t, found)
		assert.True(t, t2.Equal(state.QueriedUntil))
		assert.Equal(t, "Failed X", state.QueryName)
	}
}

func testWindowListAndReset(ctx context.Context, store *WindowStore, conn *Connection) func(*testing.T) {
	return func(t *testing.T) {
		config.TruncateTables(ctx, t, conn.DB)

		until := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

		_, err := store.AdvanceWindow(ctx, "skd", "Failed X", "fp1", until)
		require.NoError(t, err)
		_, err = store.AdvanceWindow(ctx, "acme", "Slow Y", "fp2", until)
		require.NoError(t, err)

		all, err := store.ListWindows(ctx, "")
		require.NoError(t, err)
		assert.Len(t, all, 2)

		skd, err := store.ListWindows(ctx, "skd")
		require.NoError(t, err)
		require.Len(t, skd, 1)
		assert.Equal(t, "fp1", skd[0].Fingerprint)

		deleted, err := store.ResetWindow(ctx, "skd", "fp1")
		require.NoError(t, err)
		assert.True(t, deleted)

		deleted, err = store.ResetWindow(ctx, "skd", "fp1")
		require.NoError(t, err)
		assert.False(t, deleted)
	}
}
