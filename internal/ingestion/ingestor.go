package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/quartz"

	"github.com/correlator-io/sentinel/internal/config"
	"github.com/correlator-io/sentinel/internal/query"
)

var (
	// ErrNoStore is returned when an ingestor is constructed without a store.
	ErrNoStore = errors.New("ingestion store cannot be nil")

	// ErrPersistFailed is returned when the store rejects a write. The batch is aborted
	// and the caller must not advance the query window.
	ErrPersistFailed = errors.New("failed to persist telemetry")
)

type (
	// Options controls one Ingest call.
	Options struct {
		// Seeded marks every record of the batch as backfilled; such records never alert.
		Seeded bool
	}

	// Result summarizes one Ingest call.
	Result struct {
		Total      int
		New        int
		Duplicates int
		Poisoned   int
		// NewRecords holds the records inserted by this call, oldest first.
		NewRecords []*Record
	}

	// Ingestor deduplicates and persists raw rows.
	Ingestor struct {
		store  Store
		clock  quartz.Clock
		logger *slog.Logger
	}

	// IngestorOption configures optional Ingestor behavior.
	IngestorOption func(*Ingestor)
)

// WithClock sets the clock used for TimeIngested.
func WithClock(clock quartz.Clock) IngestorOption {
	return func(i *Ingestor) {
		i.clock = clock
	}
}

// WithLogger sets the ingestor logger.
func WithLogger(logger *slog.Logger) IngestorOption {
	return func(i *Ingestor) {
		i.logger = logger
	}
}

// NewIngestor creates an Ingestor backed by store.
func NewIngestor(store Store, opts ...IngestorOption) (*Ingestor, error) {
	if store == nil {
		return nil, ErrNoStore
	}

	i := &Ingestor{
		store:  store,
		clock:  quartz.NewReal(),
		logger: config.NewLogger("ingestion"),
	}

	for _, opt := range opts {
		opt(i)
	}

	return i, nil
}

// Ingest maps and upserts rows for tenant, one atomic upsert per row.
//
// Rows that cannot be mapped are recorded as poison and skipped; the remainder of the
// batch is still processed. A store failure on upsert aborts the batch with
// ErrPersistFailed: rows written before the failure stay written and are absorbed as
// duplicates when the window is retried.
func (i *Ingestor) Ingest(
	ctx context.Context, tenant string, def *query.Definition, rows []Row, opts Options,
) (*Result, error) {
	now := i.clock.Now("ingestion", "ingest").UTC().Truncate(time.Microsecond)
	result := &Result{Total: len(rows)}

	for idx, row := range rows {
		record, err := MapRow(tenant, def, row, now, opts.Seeded)
		if err != nil {
			result.Poisoned++

			i.poison(ctx, tenant, def, idx, row, err)

			continue
		}

		res, err := i.store.UpsertTelemetry(ctx, record)
		if err != nil {
			return result, fmt.Errorf("%w: tenant %s query %s row %d: %w",
				ErrPersistFailed, tenant, def.Name(), idx, err)
		}

		if !res.Inserted {
			result.Duplicates++

			continue
		}

		record.ID = res.ID
		record.DupeCount = res.DupeCount
		result.New++
		result.NewRecords = append(result.NewRecords, record)
	}

	result.NewRecords = SortRecordsByTime(result.NewRecords)

	i.logger.Info("Batch ingested",
		slog.String("tenant", tenant),
		slog.String("query", def.Name()),
		slog.Int("total", result.Total),
		slog.Int("new", result.New),
		slog.Int("duplicates", result.Duplicates),
		slog.Int("poisoned", result.Poisoned),
		slog.Bool("seeded", opts.Seeded),
	)

	return result, nil
}

// poison records an unmappable row. Failure to record it is logged, not returned.
func (i *Ingestor) poison(ctx context.Context, tenant string, def *query.Definition, idx int, row Row, cause error) {
	i.logger.Warn("Skipping malformed row",
		slog.String("tenant", tenant),
		slog.String("query", def.Name()),
		slog.Int("row", idx),
		slog.String("error", cause.Error()),
	)

	data, err := json.Marshal(row)
	if err != nil {
		data = []byte("null")
	}

	p := &Poison{
		Tenant:    tenant,
		QueryName: def.Name(),
		Reason:    cause.Error(),
		Data:      data,
		CreatedAt: i.clock.Now("ingestion", "poison").UTC(),
	}

	if err := i.store.RecordPoison(ctx, p); err != nil {
		i.logger.Error("Failed to record poison row",
			slog.String("tenant", tenant),
			slog.String("query", def.Name()),
			slog.Int("row", idx),
			slog.String("error", err.Error()),
		)
	}
}
