package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/correlator-io/sentinel/internal/alerting"
	"github.com/correlator-io/sentinel/internal/config"
	"github.com/correlator-io/sentinel/internal/ingestion"
)

var (
	// ErrTelemetryStoreFailed is returned when a telemetry write or read fails.
	ErrTelemetryStoreFailed = errors.New("telemetry storage failed")

	// ErrTelemetryNotFound is returned when no record exists for the lookup key.
	ErrTelemetryNotFound = errors.New("telemetry record not found")

	// ErrAlertNotClaimed is returned when MarkAlert targets a record that is not claimed.
	ErrAlertNotClaimed = errors.New("alert is not claimed")

	_ ingestion.Store = (*TelemetryStore)(nil)
	_ alerting.Store  = (*TelemetryStore)(nil)
)

const (
	cleanupQueryTimeout = 30 * time.Second
	shutdownTimeout     = 5 * time.Second
	cleanupBatchSize    = 10000
	batchSleepDuration  = 100 * time.Millisecond
)

type (
	// TelemetryStore implements ingestion.Store and alerting.Store with PostgreSQL.
	//
	// Every write is a single statement:
	//   - UpsertTelemetry is one INSERT ... ON CONFLICT keyed by (tenant, ext_id)
	//   - ClaimAlert and MarkAlert are conditional UPDATEs on alert_state
	//
	// A background goroutine deletes ingest_poison rows older than the retention.
	TelemetryStore struct {
		conn            *Connection
		logger          *slog.Logger
		retention       time.Duration
		cleanupInterval time.Duration
		cleanupStop     chan struct{}
		cleanupDone     chan struct{}
		closeOnce       sync.Once
	}

	// TelemetryStoreOption configures optional TelemetryStore behavior.
	TelemetryStoreOption func(*TelemetryStore)
)

// WithPoisonCleanup sets how long poison rows are kept and how often they are purged.
func WithPoisonCleanup(retention, interval time.Duration) TelemetryStoreOption {
	return func(s *TelemetryStore) {
		s.retention = retention
		s.cleanupInterval = interval
	}
}

// WithTelemetryLogger sets the store logger.
func WithTelemetryLogger(logger *slog.Logger) TelemetryStoreOption {
	return func(s *TelemetryStore) {
		s.logger = logger
	}
}

// NewTelemetryStore creates a PostgreSQL-backed telemetry store and starts the poison
// cleanup goroutine. Call Close to stop it; the connection itself is owned by the caller.
func NewTelemetryStore(conn *Connection, opts ...TelemetryStoreOption) (*TelemetryStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	store := &TelemetryStore{
		conn:            conn,
		logger:          config.NewLogger("storage"),
		retention:       defaultPoisonRetention,
		cleanupInterval: defaultCleanupInterval,
		cleanupStop:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(store)
	}

	if store.retention <= 0 || store.cleanupInterval <= 0 {
		return nil, ErrInvalidCleanupInterval
	}

	go store.runCleanup()

	store.logger.Info("Started poison cleanup goroutine",
		slog.Duration("interval", store.cleanupInterval),
		slog.Duration("retention", store.retention),
	)

	return store, nil
}

// Close stops the cleanup goroutine. It is safe to call multiple times.
func (s *TelemetryStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.cleanupStop)

		select {
		case <-s.cleanupDone:
			s.logger.Info("Poison cleanup goroutine stopped")
		case <-time.After(shutdownTimeout):
			s.logger.Warn("Poison cleanup goroutine did not stop within timeout")
		}
	})

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (s *TelemetryStore) HealthCheck(ctx context.Context) error {
	if s.conn == nil {
		return ErrNoDatabaseConnection
	}

	return s.conn.HealthCheck(ctx)
}

// UpsertTelemetry inserts record or, when (tenant, ext_id) exists, increments
// dupe_count and raises time_ingested. time_generated, data, seeded and alert_state
// keep their first-write values.
func (s *TelemetryStore) UpsertTelemetry(ctx context.Context, record *ingestion.Record) (*ingestion.UpsertResult, error) {
	if record == nil {
		return nil, fmt.Errorf("%w: record is nil", ErrTelemetryStoreFailed)
	}

	data := record.Data
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}

	query := `
		INSERT INTO telemetry (
			id, ext_id, tenant, query_name, app_name, app_version,
			time_generated, time_ingested, dupe_count, seeded, alert_state, data
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, $9, $10, $11)
		ON CONFLICT (tenant, ext_id) DO UPDATE SET
			dupe_count    = telemetry.dupe_count + 1,
			time_ingested = GREATEST(telemetry.time_ingested, EXCLUDED.time_ingested)
		RETURNING id, dupe_count
	`

	var (
		id         string
		dupeCount  int
		alertState = record.AlertState
	)

	if alertState == "" {
		alertState = ingestion.AlertNone
	}

	err := s.conn.QueryRowContext(ctx, query,
		uuid.NewString(),
		record.ExternalID,
		record.Tenant,
		record.QueryName,
		nullIfEmpty(record.AppName),
		nullIfEmpty(record.AppVersion),
		record.TimeGenerated.UTC(),
		record.TimeIngested.UTC(),
		record.Seeded,
		string(alertState),
		string(data),
	).Scan(&id, &dupeCount)
	if err != nil {
		return nil, s.wrap("upsert telemetry", err)
	}

	return &ingestion.UpsertResult{
		Inserted:  dupeCount == 1,
		ID:        id,
		DupeCount: dupeCount,
	}, nil
}

// RecordPoison stores a row that could not be mapped.
func (s *TelemetryStore) RecordPoison(ctx context.Context, poison *ingestion.Poison) error {
	if poison == nil {
		return fmt.Errorf("%w: poison is nil", ErrTelemetryStoreFailed)
	}

	data := poison.Data
	if len(data) == 0 {
		data = json.RawMessage("null")
	}

	createdAt := poison.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	query := `
		INSERT INTO ingest_poison (id, tenant, query_name, reason, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	if _, err := s.conn.ExecContext(ctx, query,
		uuid.NewString(), poison.Tenant, poison.QueryName, poison.Reason, string(data), createdAt.UTC(),
	); err != nil {
		return s.wrap("record poison", err)
	}

	return nil
}

// GetTelemetry returns the record stored for (tenant, externalID).
func (s *TelemetryStore) GetTelemetry(ctx context.Context, tenant, externalID string) (*ingestion.Record, error) {
	query := `
		SELECT id, ext_id, tenant, query_name, COALESCE(app_name, ''), COALESCE(app_version, ''),
			time_generated, time_ingested, dupe_count, seeded, alert_state, data
		FROM telemetry
		WHERE tenant = $1 AND ext_id = $2
	`

	record, err := scanRecord(s.conn.QueryRowContext(ctx, query, tenant, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: tenant %s ext_id %s", ErrTelemetryNotFound, tenant, externalID)
	}

	if err != nil {
		return nil, s.wrap("get telemetry", err)
	}

	return record, nil
}

// ClaimAlert moves a pending record to claimed. Only one caller can win the claim.
func (s *TelemetryStore) ClaimAlert(ctx context.Context, recordID string) (bool, error) {
	query := `
		UPDATE telemetry
		SET alert_state = $2, alert_updated_at = NOW()
		WHERE id = $1 AND alert_state = $3 AND NOT seeded
	`

	result, err := s.conn.ExecContext(ctx, query, recordID,
		string(ingestion.AlertClaimed), string(ingestion.AlertPending))
	if err != nil {
		return false, s.wrap("claim alert", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, s.wrap("claim alert", err)
	}

	return rows == 1, nil
}

// MarkAlert settles a claimed record as delivered or failed, or releases it to pending.
func (s *TelemetryStore) MarkAlert(ctx context.Context, recordID string, state ingestion.AlertState) error {
	if err := ingestion.ValidateAlertTransition(ingestion.AlertClaimed, state); err != nil {
		return err
	}

	query := `
		UPDATE telemetry
		SET alert_state = $2, alert_updated_at = NOW()
		WHERE id = $1 AND alert_state = $3
	`

	result, err := s.conn.ExecContext(ctx, query, recordID, string(state), string(ingestion.AlertClaimed))
	if err != nil {
		return s.wrap("mark alert", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return s.wrap("mark alert", err)
	}

	if rows == 0 {
		return fmt.Errorf("%w: record %s", ErrAlertNotClaimed, recordID)
	}

	return nil
}

// PendingAlerts returns up to limit pending, non-seeded records, oldest first.
func (s *TelemetryStore) PendingAlerts(ctx context.Context, limit int) ([]*ingestion.Record, error) {
	query := `
		SELECT id, ext_id, tenant, query_name, COALESCE(app_name, ''), COALESCE(app_version, ''),
			time_generated, time_ingested, dupe_count, seeded, alert_state, data
		FROM telemetry
		WHERE alert_state = $1 AND NOT seeded
		ORDER BY time_generated ASC
		LIMIT $2
	`

	rows, err := s.conn.QueryContext(ctx, query, string(ingestion.AlertPending), limit)
	if err != nil {
		return nil, s.wrap("pending alerts", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var records []*ingestion.Record

	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, s.wrap("pending alerts", err)
		}

		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, s.wrap("pending alerts", err)
	}

	return records, nil
}

// wrap classifies err and logs connection failures.
func (s *TelemetryStore) wrap(op string, err error) error {
	if isDatabaseConnectionError(err) {
		s.logger.Error("Database connection error",
			slog.String("operation", op),
			slog.String("error", err.Error()),
		)

		return fmt.Errorf("%w: %s: %w", ErrDatabaseUnavailable, op, err)
	}

	return fmt.Errorf("%w: %s: %w", ErrTelemetryStoreFailed, op, err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*ingestion.Record, error) {
	var (
		r     ingestion.Record
		state string
		data  []byte
	)

	if err := row.Scan(
		&r.ID, &r.ExternalID, &r.Tenant, &r.QueryName, &r.AppName, &r.AppVersion,
		&r.TimeGenerated, &r.TimeIngested, &r.DupeCount, &r.Seeded, &state, &data,
	); err != nil {
		return nil, err
	}

	r.AlertState = ingestion.AlertState(state)
	r.Data = json.RawMessage(data)
	r.TimeGenerated = r.TimeGenerated.UTC()
	r.TimeIngested = r.TimeIngested.UTC()

	return &r, nil
}

func nullIfEmpty(s string) sql.NullString {
	if strings.TrimSpace(s) == "" {
		return sql.NullString{}
	}

	return sql.NullString{String: s, Valid: true}
}

// isDatabaseConnectionError reports whether err is a connection-class failure
// (PostgreSQL class 08, or a dead database/sql connection).
func isDatabaseConnectionError(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return strings.HasPrefix(string(pqErr.Code), "08")
	}

	return errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn)
}

func (s *TelemetryStore) runCleanup() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		select {
		case <-s.cleanupStop:
			cancel()
			s.logger.Info("Stopping poison cleanup goroutine")

			return
		case <-ticker.C:
			cleanupCtx, cleanupCancel := context.WithTimeout(ctx, cleanupQueryTimeout)
			s.purgeExpiredPoison(cleanupCtx)
			cleanupCancel()
		}
	}
}

// purgeExpiredPoison deletes poison rows older than the retention in batches, oldest first.
func (s *TelemetryStore) purgeExpiredPoison(ctx context.Context) int64 {
	startTime := time.Now()
	cutoff := startTime.Add(-s.retention).UTC()
	totalDeleted := int64(0)
	batchCount := 0

	query := `
		DELETE FROM ingest_poison
		WHERE id IN (
			SELECT id
			FROM ingest_poison
			WHERE created_at < $1
			ORDER BY created_at ASC
			LIMIT $2
		)
	`

	for {
		if ctx.Err() != nil {
			s.logger.Info("Poison cleanup cancelled",
				slog.Int64("rows_deleted", totalDeleted),
				slog.Int("batches_completed", batchCount),
			)

			return totalDeleted
		}

		result, err := s.conn.ExecContext(ctx, query, cutoff, cleanupBatchSize)
		if err != nil {
			s.logger.Error("Failed to purge expired poison rows",
				slog.String("error", err.Error()),
				slog.Int64("rows_deleted_before_error", totalDeleted),
			)

			return totalDeleted
		}

		rowsDeleted, err := result.RowsAffected()
		if err != nil {
			s.logger.Warn("Poison cleanup batch completed but row count unavailable",
				slog.String("error", err.Error()))

			return totalDeleted
		}

		totalDeleted += rowsDeleted
		batchCount++

		if rowsDeleted < cleanupBatchSize {
			break
		}

		select {
		case <-ctx.Done():
			return totalDeleted
		case <-time.After(batchSleepDuration):
		}
	}

	if totalDeleted > 0 {
		s.logger.Info("Purged expired poison rows",
			slog.Int64("rows_deleted", totalDeleted),
			slog.Int("batches", batchCount),
			slog.Duration("duration", time.Since(startTime)),
		)
	}

	return totalDeleted
}
