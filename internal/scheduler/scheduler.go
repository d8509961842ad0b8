// Package scheduler drives periodic execution of every (tenant, query) pair.
//
// Each pair moves through Idle, Running and Backoff. A pair never runs concurrently
// with itself, and a weighted semaphore bounds the number of pairs executing at once.
// Pairs that find no free slot wait for one instead of being skipped.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/quartz"
	"golang.org/x/sync/semaphore"

	"github.com/correlator-io/sentinel/internal/config"
	"github.com/correlator-io/sentinel/internal/ingestion"
	"github.com/correlator-io/sentinel/internal/query"
	"github.com/correlator-io/sentinel/internal/window"
)

// PairState is the scheduling state of one (tenant, query) pair.
type PairState string

// Pair states.
const (
	StateIdle    PairState = "idle"
	StateRunning PairState = "running"
	StateBackoff PairState = "backoff"
)

var (
	ErrNoTracker       = errors.New("window tracker cannot be nil")
	ErrNoRunner        = errors.New("query runner cannot be nil")
	ErrNoIngestor      = errors.New("ingestor cannot be nil")
	ErrNoQueries       = errors.New("at least one query definition is required")
	ErrAlreadyStarted  = errors.New("scheduler already started")
	ErrNotStarted      = errors.New("scheduler not started")
	ErrShutdownTimeout = errors.New("scheduler shutdown timed out")
	ErrPairRunning     = errors.New("pair is running")
)

type (
	// WindowTracker opens and commits query windows.
	WindowTracker interface {
		OpenWindow(ctx context.Context, tenant string, def *query.Definition) (window.Window, error)
		Commit(ctx context.Context, tenant string, def *query.Definition, until time.Time) error
	}

	// QueryRunner executes one query over one window.
	QueryRunner interface {
		Run(ctx context.Context, tenant string, def *query.Definition, w window.Window) ([]ingestion.Row, error)
	}

	// Ingestor deduplicates and persists fetched rows.
	Ingestor interface {
		Ingest(
			ctx context.Context, tenant string, def *query.Definition, rows []ingestion.Row, opts ingestion.Options,
		) (*ingestion.Result, error)
	}

	// AlertQueue accepts newly persisted records for notification without blocking.
	AlertQueue interface {
		Enqueue(records ...*ingestion.Record) int
	}

	// Dependencies are the pipeline stages driven by the scheduler. Alerts is optional.
	Dependencies struct {
		Tracker  WindowTracker
		Runner   QueryRunner
		Ingestor Ingestor
		Alerts   AlertQueue
	}

	// PairStatus is a point-in-time view of one pair.
	PairStatus struct {
		Tenant      string    `json:"tenant"`
		Query       string    `json:"query"`
		Fingerprint string    `json:"fingerprint"`
		State       PairState `json:"state"`
		Failures    int       `json:"failures"`
		LastOutcome string    `json:"lastOutcome,omitempty"`
		LastError   string    `json:"lastError,omitempty"`
		LastRun     time.Time `json:"lastRun,omitzero"`
		LastSuccess time.Time `json:"lastSuccess,omitzero"`
		RetryAt     time.Time `json:"retryAt,omitzero"`
		Held        bool      `json:"held,omitempty"`
	}

	pair struct {
		tenant  string
		def     *query.Definition
		backoff *backoff.ExponentialBackOff

		state       PairState
		holds       int
		failures    int
		retryAt     time.Time
		lastRun     time.Time
		lastSuccess time.Time
		lastOutcome string
		lastErr     string
	}

	// Scheduler runs every configured pair on a fixed tick.
	Scheduler struct {
		deps    Dependencies
		cfg     Config
		sem     *semaphore.Weighted
		clock   quartz.Clock
		logger  *slog.Logger
		metrics *Metrics

		mu       sync.Mutex
		pairs    []*pair
		started  bool
		stopping bool
		cancel   context.CancelFunc

		loops    sync.WaitGroup
		inflight sync.WaitGroup
	}

	// Option configures optional Scheduler behavior.
	Option func(*Scheduler)
)

// WithClock sets the clock driving ticks and backoff deadlines.
func WithClock(clock quartz.Clock) Option {
	return func(s *Scheduler) {
		s.clock = clock
	}
}

// WithLogger sets the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = metrics
	}
}

// New creates a Scheduler with one pair per tenant and definition. Call Start to
// begin ticking.
func New(deps Dependencies, defs []*query.Definition, cfg *Config, opts ...Option) (*Scheduler, error) {
	if deps.Tracker == nil {
		return nil, ErrNoTracker
	}

	if deps.Runner == nil {
		return nil, ErrNoRunner
	}

	if deps.Ingestor == nil {
		return nil, ErrNoIngestor
	}

	if len(defs) == 0 {
		return nil, ErrNoQueries
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Scheduler{
		deps:   deps,
		cfg:    *cfg,
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		clock:  quartz.NewReal(),
		logger: config.NewLogger("scheduler"),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.metrics == nil {
		metrics, err := NewMetrics(nil)
		if err != nil {
			return nil, err
		}

		s.metrics = metrics
	}

	for _, tenant := range cfg.Tenants {
		for _, def := range defs {
			s.pairs = append(s.pairs, &pair{
				tenant:  tenant,
				def:     def,
				backoff: s.newBackoff(),
				state:   StateIdle,
			})
		}
	}

	return s, nil
}

func (s *Scheduler) newBackoff() *backoff.ExponentialBackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.cfg.BackoffInitial
	eb.MaxInterval = s.cfg.BackoffMax
	eb.RandomizationFactor = s.cfg.BackoffJitter
	eb.MaxElapsedTime = 0
	eb.Reset()

	return eb
}

// Start runs a first tick immediately and then one every TickInterval until Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true
	s.stopping = false

	ticker := s.clock.TickerFunc(runCtx, s.cfg.TickInterval, func() error {
		s.Tick(runCtx)

		return nil
	}, "scheduler", "tick")

	s.loops.Add(2)

	go func() {
		defer s.loops.Done()

		_ = ticker.Wait()
	}()

	go func() {
		defer s.loops.Done()

		s.Tick(runCtx)
	}()

	s.logger.Info("Scheduler started",
		slog.Int("pairs", len(s.pairs)),
		slog.Int("max_concurrent", s.cfg.MaxConcurrent),
		slog.Duration("tick_interval", s.cfg.TickInterval),
	)

	return nil
}

// Stop stops ticking and waits for in-flight pairs, bounded by ctx and ShutdownTimeout.
// A pair that already fetched its rows finishes persisting and committing.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()

	if !s.started {
		s.mu.Unlock()

		return ErrNotStarted
	}

	s.started = false
	s.stopping = true
	s.cancel()
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	done := make(chan struct{})

	go func() {
		s.loops.Wait()
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Scheduler stopped")

		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrShutdownTimeout, ctx.Err())
	}
}

// Tick dispatches every pair that is idle or whose backoff delay has elapsed. Pairs
// still running from an earlier tick and held pairs are skipped. It returns the number
// dispatched.
func (s *Scheduler) Tick(ctx context.Context) int {
	now := s.clock.Now("scheduler", "dispatch")

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping || ctx.Err() != nil {
		return 0
	}

	dispatched := 0

	for _, p := range s.pairs {
		if p.holds > 0 {
			continue
		}

		switch p.state {
		case StateRunning:
			continue
		case StateBackoff:
			if now.Before(p.retryAt) {
				continue
			}

			s.logger.Debug("Backoff elapsed",
				slog.String("tenant", p.tenant),
				slog.String("query", p.def.Name()),
				slog.Int("failures", p.failures),
			)
		case StateIdle:
		}

		p.state = StateRunning
		dispatched++

		s.inflight.Add(1)

		go s.runPair(ctx, p)
	}

	return dispatched
}

// Snapshot returns the status of every pair in tenant, then catalog order.
func (s *Scheduler) Snapshot() []PairStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]PairStatus, 0, len(s.pairs))
	for _, p := range s.pairs {
		status := PairStatus{
			Tenant:      p.tenant,
			Query:       p.def.Name(),
			Fingerprint: p.def.Fingerprint(),
			State:       p.state,
			Failures:    p.failures,
			LastOutcome: p.lastOutcome,
			LastError:   p.lastErr,
			LastRun:     p.lastRun,
			LastSuccess: p.lastSuccess,
			Held:        p.holds > 0,
		}

		if p.state == StateBackoff {
			status.RetryAt = p.retryAt
		}

		out = append(out, status)
	}

	return out
}

// Hold keeps the pairs of (tenant, fingerprint) from being dispatched until release
// is called. It fails with ErrPairRunning while such a pair is running, so the caller
// can change the pair's stored window without racing a commit. Fingerprints that
// belong to no configured pair hold nothing.
func (s *Scheduler) Hold(tenant, fingerprint string) (release func(), err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var held []*pair

	for _, p := range s.pairs {
		if p.tenant != tenant || p.def.Fingerprint() != fingerprint {
			continue
		}

		if p.state == StateRunning {
			return nil, fmt.Errorf("%w: tenant %s query %s", ErrPairRunning, tenant, p.def.Name())
		}

		held = append(held, p)
	}

	for _, p := range held {
		p.holds++
	}

	var once sync.Once

	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()

			for _, p := range held {
				p.holds--
			}
		})
	}, nil
}

func (s *Scheduler) runPair(ctx context.Context, p *pair) {
	defer s.inflight.Done()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.settle(p, OutcomeCancelled, err)

		return
	}

	s.metrics.running.Inc()
	start := s.clock.Now("scheduler", "run")

	outcome, err := s.execute(ctx, p)

	s.metrics.running.Dec()
	s.sem.Release(1)
	s.metrics.observeRun(outcome, s.clock.Now("scheduler", "run").Sub(start).Seconds())
	s.settle(p, outcome, err)
}

// execute runs one pair: open the window, query it, persist the rows, then advance
// the window. The window only moves after persistence succeeded.
func (s *Scheduler) execute(ctx context.Context, p *pair) (string, error) {
	logger := s.logger.With(slog.String("tenant", p.tenant), slog.String("query", p.def.Name()))

	w, err := s.deps.Tracker.OpenWindow(ctx, p.tenant, p.def)
	if err != nil {
		return classify(ctx, OutcomeOpenFailed), err
	}

	if w.Empty() {
		logger.Debug("Window empty, nothing to query", slog.Time("from", w.From), slog.Time("to", w.To))

		return OutcomeEmpty, nil
	}

	rows, err := s.deps.Runner.Run(ctx, p.tenant, p.def, w)
	if err != nil {
		return classify(ctx, OutcomeQueryFailed), err
	}

	// Rows are in hand: persistence and commit complete even if shutdown begins now.
	detached := context.WithoutCancel(ctx)

	persistCtx, cancelPersist := context.WithTimeout(detached, s.cfg.PersistTimeout)
	defer cancelPersist()

	seeded := w.Backfill && s.cfg.SeedFirstRun

	result, err := s.deps.Ingestor.Ingest(persistCtx, p.tenant, p.def, rows, ingestion.Options{Seeded: seeded})
	if err != nil {
		return OutcomePersistFailed, err
	}

	s.metrics.observeRecords(result.New, result.Duplicates, result.Poisoned)

	commitCtx, cancelCommit := context.WithTimeout(detached, s.cfg.StoreTimeout)
	defer cancelCommit()

	commitErr := s.deps.Tracker.Commit(commitCtx, p.tenant, p.def, w.To)

	// New records are pending in the store whether or not the commit succeeded.
	queued := s.enqueueAlerts(result.NewRecords)

	switch {
	case errors.Is(commitErr, window.ErrWindowRegression):
		logger.Warn("Window already advanced past this run", slog.String("error", commitErr.Error()))
	case commitErr != nil:
		return OutcomeCommitFailed, commitErr
	}

	s.metrics.windowLag.WithLabelValues(p.tenant, p.def.Name()).
		Set(s.clock.Now("scheduler", "lag").Sub(w.To).Seconds())

	logger.Info("Pair run completed",
		slog.Time("from", w.From),
		slog.Time("to", w.To),
		slog.Bool("bootstrap", w.Bootstrap),
		slog.Bool("backfill", w.Backfill),
		slog.Bool("seeded", seeded),
		slog.Int("rows", result.Total),
		slog.Int("new", result.New),
		slog.Int("duplicates", result.Duplicates),
		slog.Int("poisoned", result.Poisoned),
		slog.Int("alerts_queued", queued),
	)

	return OutcomeSuccess, nil
}

func (s *Scheduler) enqueueAlerts(records []*ingestion.Record) int {
	if s.deps.Alerts == nil || len(records) == 0 {
		return 0
	}

	alertable := make([]*ingestion.Record, 0, len(records))
	for _, record := range records {
		if record.Alertable() {
			alertable = append(alertable, record)
		}
	}

	if len(alertable) == 0 {
		return 0
	}

	return s.deps.Alerts.Enqueue(alertable...)
}

// settle moves a finished pair back to Idle, or to Backoff after a failure.
// A run interrupted by shutdown is not counted as a failure.
func (s *Scheduler) settle(p *pair, outcome string, err error) {
	now := s.clock.Now("scheduler", "settle")

	s.mu.Lock()
	defer s.mu.Unlock()

	p.lastOutcome = outcome

	if outcome == OutcomeCancelled {
		p.state = StateIdle

		return
	}

	p.lastRun = now

	if err == nil {
		p.state = StateIdle
		p.failures = 0
		p.lastErr = ""
		p.lastSuccess = now
		p.backoff.Reset()

		return
	}

	p.failures++
	delay := p.backoff.NextBackOff()
	p.retryAt = now.Add(delay)
	p.state = StateBackoff
	p.lastErr = err.Error()

	s.logger.Warn("Pair run failed, backing off",
		slog.String("tenant", p.tenant),
		slog.String("query", p.def.Name()),
		slog.String("outcome", outcome),
		slog.Int("failures", p.failures),
		slog.Duration("delay", delay),
		slog.String("error", err.Error()),
	)
}

func classify(ctx context.Context, outcome string) string {
	if ctx.Err() != nil {
		return OutcomeCancelled
	}

	return outcome
}
