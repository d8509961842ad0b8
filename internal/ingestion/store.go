package ingestion

import "context"

// Store defines what ingestion needs for telemetry persistence.
//
// The domain package defines this interface; concrete implementations (PostgreSQL,
// in-memory) live in the internal/storage package.
//
// Implementations must support:
//   - Atomic per-row upsert keyed by (tenant, external id): a single conditional write,
//     so overlapping batches from retried ticks never double-insert
//   - First write wins for content: TimeGenerated and Data are never overwritten
//   - TimeIngested never regresses on re-observation
type Store interface {
	// UpsertTelemetry inserts record with DupeCount = 1, or, when (Tenant, ExternalID)
	// already exists, increments DupeCount and raises TimeIngested.
	//
	// Example:
	//   res, err := store.UpsertTelemetry(ctx, record)
	//   if err != nil {
	//       return fmt.Errorf("upsert failed: %w", err)
	//   }
	//   if !res.Inserted {
	//       // duplicate observation, dupe count now res.DupeCount
	//   }
	UpsertTelemetry(ctx context.Context, record *Record) (*UpsertResult, error)

	// RecordPoison stores a row that could not be mapped, for manual follow-up.
	RecordPoison(ctx context.Context, poison *Poison) error

	// HealthCheck verifies the storage backend is healthy and ready to serve requests.
	HealthCheck(ctx context.Context) error
}
