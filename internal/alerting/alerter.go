package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/quartz"
	"golang.org/x/time/rate"

	"github.com/correlator-io/sentinel/internal/config"
	"github.com/correlator-io/sentinel/internal/ingestion"
	"github.com/correlator-io/sentinel/internal/query"
)

var (
	ErrNoStore        = errors.New("alert store cannot be nil")
	ErrNoNotifier     = errors.New("notifier cannot be nil")
	ErrAlreadyStarted = errors.New("alerter already started")
	ErrNotStarted     = errors.New("alerter not started")

	// ErrDeliveryFailed is returned when a sink reports a failed delivery.
	ErrDeliveryFailed = errors.New("notification delivery failed")
)

type (
	// Store tracks the alert state of telemetry records.
	Store interface {
		// ClaimAlert moves the record from pending to claimed. It returns false when the
		// record was not pending (already claimed, delivered or never alertable).
		ClaimAlert(ctx context.Context, recordID string) (bool, error)

		// MarkAlert moves a claimed record to state (delivered, failed, or back to pending).
		MarkAlert(ctx context.Context, recordID string, state ingestion.AlertState) error

		// PendingAlerts returns up to limit pending records, oldest first.
		PendingAlerts(ctx context.Context, limit int) ([]*ingestion.Record, error)
	}

	// Alerter delivers notifications for newly ingested records, independently of
	// ingestion: a sink outage never blocks or rolls back a window commit.
	//
	// Each record is claimed before delivery, so concurrent enqueues of the same record
	// (ingestion and a sweep) produce at most one notification.
	Alerter struct {
		store    Store
		notifier Notifier
		cfg      Config
		limiter  *rate.Limiter
		clock    quartz.Clock
		logger   *slog.Logger
		metrics  *Metrics
		queue    chan *ingestion.Record

		summaryMu sync.RWMutex
		summaries map[string]string

		mu      sync.Mutex
		started bool
		cancel  context.CancelFunc
		wg      sync.WaitGroup
	}

	// AlerterOption configures optional Alerter behavior.
	AlerterOption func(*Alerter)
)

// WithClock sets the clock driving the pending sweep.
func WithClock(clock quartz.Clock) AlerterOption {
	return func(a *Alerter) {
		a.clock = clock
	}
}

// WithLogger sets the alerter logger.
func WithLogger(logger *slog.Logger) AlerterOption {
	return func(a *Alerter) {
		a.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *Metrics) AlerterOption {
	return func(a *Alerter) {
		a.metrics = metrics
	}
}

// NewAlerter creates an Alerter. Call Start to begin delivering.
func NewAlerter(store Store, notifier Notifier, cfg *Config, opts ...AlerterOption) (*Alerter, error) {
	if store == nil {
		return nil, ErrNoStore
	}

	if notifier == nil {
		return nil, ErrNoNotifier
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &Alerter{
		store:     store,
		notifier:  notifier,
		cfg:       *cfg,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		clock:     quartz.NewReal(),
		logger:    config.NewLogger("alerting"),
		queue:     make(chan *ingestion.Record, cfg.QueueSize),
		summaries: make(map[string]string),
	}

	for _, opt := range opts {
		opt(a)
	}

	if a.metrics == nil {
		metrics, err := NewMetrics(nil)
		if err != nil {
			return nil, err
		}

		a.metrics = metrics
	}

	return a, nil
}

// SetDefinitions installs the summary templates of the current catalog generation.
func (a *Alerter) SetDefinitions(defs []*query.Definition) {
	summaries := make(map[string]string, len(defs))
	for _, def := range defs {
		summaries[def.Name()] = def.Summary()
	}

	a.summaryMu.Lock()
	a.summaries = summaries
	a.summaryMu.Unlock()
}

// Enqueue hands alertable records to the delivery workers without blocking. Records
// that do not fit in the queue stay pending in the store and are picked up by the
// next sweep. It returns the number of records accepted.
func (a *Alerter) Enqueue(records ...*ingestion.Record) int {
	accepted := 0

	for _, record := range records {
		if !record.Alertable() {
			continue
		}

		select {
		case a.queue <- record:
			accepted++
		default:
			a.metrics.record(OutcomeOverflow)
			a.logger.Warn("Alert queue full, leaving record pending",
				slog.String("tenant", record.Tenant),
				slog.String("query", record.QueryName),
				slog.String("record_id", record.ID),
			)
		}
	}

	return accepted
}

// Resume enqueues records left pending by a previous run or a queue overflow.
func (a *Alerter) Resume(ctx context.Context) (int, error) {
	records, err := a.store.PendingAlerts(ctx, a.cfg.SweepBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to load pending alerts: %w", err)
	}

	accepted := a.Enqueue(records...)

	if len(records) > 0 {
		a.logger.Info("Resumed pending alerts",
			slog.Int("pending", len(records)),
			slog.Int("enqueued", accepted),
		)
	}

	return accepted, nil
}

// Start launches the delivery workers and the periodic pending sweep.
func (a *Alerter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.started = true

	for range a.cfg.Workers {
		a.wg.Add(1)

		go a.worker(runCtx)
	}

	if a.cfg.SweepInterval > 0 {
		ticker := a.clock.TickerFunc(runCtx, a.cfg.SweepInterval, func() error {
			if _, err := a.Resume(runCtx); err != nil && runCtx.Err() == nil {
				a.logger.Error("Pending alert sweep failed", slog.String("error", err.Error()))
			}

			return nil
		}, "alerting", "sweep")

		a.wg.Add(1)

		go func() {
			defer a.wg.Done()

			_ = ticker.Wait()
		}()
	}

	a.logger.Info("Alerter started",
		slog.String("sink", a.notifier.Name()),
		slog.Int("workers", a.cfg.Workers),
		slog.Float64("rate_per_second", a.cfg.RatePerSecond),
	)

	return nil
}

// Stop cancels the workers and waits for them until ctx is done. A delivery
// interrupted by Stop releases its claim, leaving the record pending for the next run.
func (a *Alerter) Stop(ctx context.Context) error {
	a.mu.Lock()

	if !a.started {
		a.mu.Unlock()

		return ErrNotStarted
	}

	a.started = false
	a.cancel()
	a.mu.Unlock()

	done := make(chan struct{})

	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.logger.Info("Alerter stopped", slog.Int("queued", len(a.queue)))

		return nil
	case <-ctx.Done():
		return fmt.Errorf("alerter stop: %w", ctx.Err())
	}
}

func (a *Alerter) worker(ctx context.Context) {
	defer a.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case record := <-a.queue:
			a.process(ctx, record)
		}
	}
}

// process claims, delivers and settles one record.
func (a *Alerter) process(ctx context.Context, record *ingestion.Record) {
	logger := a.logger.With(
		slog.String("tenant", record.Tenant),
		slog.String("query", record.QueryName),
		slog.String("record_id", record.ID),
	)

	claimed, err := a.store.ClaimAlert(ctx, record.ID)
	if err != nil {
		a.metrics.record(OutcomeStoreError)
		logger.Error("Failed to claim alert", slog.String("error", err.Error()))

		return
	}

	if !claimed {
		a.metrics.record(OutcomeSkipped)
		logger.Debug("Alert already claimed or settled")

		return
	}

	err = a.deliver(ctx, NewNotification(record, a.summary(record.QueryName)))

	final, outcome := ingestion.AlertDelivered, OutcomeDelivered

	switch {
	case err == nil:
	case ctx.Err() != nil:
		final, outcome = ingestion.AlertPending, OutcomeReleased
	default:
		final, outcome = ingestion.AlertFailed, OutcomeFailed
		logger.Error("Alert dropped after retries", slog.String("error", err.Error()))
	}

	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.StoreTimeout)
	defer cancel()

	if err := a.store.MarkAlert(storeCtx, record.ID, final); err != nil {
		a.metrics.record(OutcomeStoreError)
		logger.Error("Failed to settle alert",
			slog.String("state", final.String()),
			slog.String("error", err.Error()),
		)

		return
	}

	a.metrics.record(outcome)
	logger.Debug("Alert settled", slog.String("state", final.String()))
}

// deliver calls the sink with bounded, rate-limited retries.
func (a *Alerter) deliver(ctx context.Context, n Notification) error {
	operation := func() error {
		if err := a.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, a.cfg.DeliveryTimeout)
		defer cancel()

		a.metrics.attempts.Inc()

		return a.notifier.Notify(attemptCtx, n).err()
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = a.cfg.RetryInitial
	eb.MaxInterval = a.cfg.RetryMax
	eb.MaxElapsedTime = 0

	//nolint:gosec // MaxAttempts is validated to be >= 1
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(a.cfg.MaxAttempts-1)), ctx)

	return backoff.Retry(operation, policy)
}

func (a *Alerter) summary(queryName string) string {
	a.summaryMu.RLock()
	defer a.summaryMu.RUnlock()

	return a.summaries[queryName]
}

// QueueLen reports the number of records waiting for a worker.
func (a *Alerter) QueueLen() int {
	return len(a.queue)
}
