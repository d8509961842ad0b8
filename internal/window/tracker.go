// Package window tracks, per tenant and query fingerprint, how far a query has already
// been executed, and hands out the next [from, to) range to cover.
//
// The tracker is only advanced after the rows of a window have been durably persisted
// (persist-then-advance). A crash between the two steps re-runs an already persisted
// range on the next tick, which ingestion absorbs as duplicates.
package window

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/coder/quartz"

	"github.com/correlator-io/sentinel/internal/config"
	"github.com/correlator-io/sentinel/internal/query"
)

const (
	defaultLag      = 30 * time.Second
	defaultLookback = 24 * time.Hour

	// precision matches PostgreSQL timestamptz so a committed bound reads back unchanged.
	precision = time.Microsecond
)

var (
	// ErrNoStore is returned when a tracker is constructed without a store.
	ErrNoStore = errors.New("window store cannot be nil")

	// ErrInvalidLag is returned for a negative safety lag.
	ErrInvalidLag = errors.New("window lag cannot be negative")

	// ErrInvalidLookback is returned when no floor is set and the lookback is not positive.
	ErrInvalidLookback = errors.New("window lookback must be positive when no floor is configured")

	// ErrInvalidMaxSpan is returned for a negative maximum window span.
	ErrInvalidMaxSpan = errors.New("window max span cannot be negative")

	// ErrEmptyTenant is returned when a window is requested without a tenant.
	ErrEmptyTenant = errors.New("tenant cannot be empty")

	// ErrLoadFailed is returned when the stored window state cannot be read.
	ErrLoadFailed = errors.New("failed to load window state")

	// ErrCommitFailed is returned when the window cannot be advanced in the store.
	ErrCommitFailed = errors.New("failed to commit window")

	// ErrWindowRegression is returned when a commit tries to move queried_until backwards.
	// The stored bound is left unchanged.
	ErrWindowRegression = errors.New("window commit would move queried_until backwards")
)

type (
	// Window is the half-open range [From, To) still to be queried.
	Window struct {
		From time.Time
		To   time.Time
		// Bootstrap is true when no state existed for the (tenant, fingerprint) pair,
		// i.e. this is the first execution of this exact query text.
		Bootstrap bool
		// Backfill is true for the bootstrap window and for every window cut short by
		// MaxSpan, i.e. while the pair is still catching up with a backlog. Only the
		// window that reaches now - Lag is live.
		Backfill bool
	}

	// State is the persisted progress of one query for one tenant.
	State struct {
		Tenant       string    `json:"tenant"`
		QueryName    string    `json:"queryName"`
		Fingerprint  string    `json:"fingerprint"`
		QueriedUntil time.Time `json:"queriedUntil"`
		UpdatedAt    time.Time `json:"updatedAt"`
	}

	// Store persists window state keyed by (tenant, fingerprint).
	Store interface {
		// GetWindow returns the state for (tenant, fingerprint) and whether it exists.
		GetWindow(ctx context.Context, tenant, fingerprint string) (*State, bool, error)

		// AdvanceWindow atomically raises queried_until to until, creating the row if
		// absent. It never lowers the stored value and returns the value in effect after
		// the write.
		AdvanceWindow(ctx context.Context, tenant, queryName, fingerprint string, until time.Time) (time.Time, error)

		// ListWindows returns window states, optionally filtered by tenant.
		ListWindows(ctx context.Context, tenant string) ([]*State, error)

		// ResetWindow deletes the state for (tenant, fingerprint). Administrative use only.
		ResetWindow(ctx context.Context, tenant, fingerprint string) (bool, error)
	}

	// Config holds the window tuning parameters.
	Config struct {
		// Lag is subtracted from the current time to tolerate source ingestion delay.
		Lag time.Duration
		// Floor is the start of the first window. When zero, Lookback is used instead.
		Floor time.Time
		// Lookback positions the first window at now-Lookback when Floor is zero.
		Lookback time.Duration
		// MaxSpan caps the length of one window so backlogs are caught up in chunks.
		// Zero means unbounded.
		MaxSpan time.Duration
	}

	// Tracker opens and commits query windows.
	Tracker struct {
		store  Store
		clock  quartz.Clock
		logger *slog.Logger
		cfg    Config
	}

	// TrackerOption configures optional Tracker behavior.
	TrackerOption func(*Tracker)
)

// Empty reports whether the window covers no time.
func (w Window) Empty() bool {
	return !w.To.After(w.From)
}

// LoadConfig reads window configuration from the environment.
func LoadConfig() *Config {
	return &Config{
		Lag:      config.GetEnvDuration("SENTINEL_WINDOW_LAG", defaultLag),
		Floor:    config.GetEnvTime("SENTINEL_WINDOW_FLOOR", time.Time{}),
		Lookback: config.GetEnvDuration("SENTINEL_WINDOW_LOOKBACK", defaultLookback),
		MaxSpan:  config.GetEnvDuration("SENTINEL_WINDOW_MAX_SPAN", 0),
	}
}

// Validate checks the window configuration.
func (c *Config) Validate() error {
	if c.Lag < 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidLag, c.Lag)
	}

	if c.Floor.IsZero() && c.Lookback <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidLookback, c.Lookback)
	}

	if c.MaxSpan < 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidMaxSpan, c.MaxSpan)
	}

	return nil
}

// WithClock sets the clock used to compute window upper bounds.
func WithClock(clock quartz.Clock) TrackerOption {
	return func(t *Tracker) {
		t.clock = clock
	}
}

// WithLogger sets the tracker logger.
func WithLogger(logger *slog.Logger) TrackerOption {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// NewTracker creates a Tracker backed by store.
func NewTracker(store Store, cfg *Config, opts ...TrackerOption) (*Tracker, error) {
	if store == nil {
		return nil, ErrNoStore
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	t := &Tracker{
		store:  store,
		clock:  quartz.NewReal(),
		logger: config.NewLogger("window"),
		cfg:    *cfg,
	}

	for _, opt := range opts {
		opt(t)
	}

	return t, nil
}

// OpenWindow returns the range not yet covered for (tenant, def). From is the stored
// queried_until, or the configured floor when the fingerprint has never run; To is the
// current time minus the safety lag (capped by MaxSpan). The window may be empty.
func (t *Tracker) OpenWindow(ctx context.Context, tenant string, def *query.Definition) (Window, error) {
	if strings.TrimSpace(tenant) == "" {
		return Window{}, ErrEmptyTenant
	}

	now := t.clock.Now("window", "open")
	to := now.Add(-t.cfg.Lag).UTC().Truncate(precision)

	state, found, err := t.store.GetWindow(ctx, tenant, def.Fingerprint())
	if err != nil {
		return Window{}, fmt.Errorf("%w: tenant %s query %s: %w", ErrLoadFailed, tenant, def.Name(), err)
	}

	w := Window{To: to}

	if found {
		w.From = state.QueriedUntil.UTC()
	} else {
		w.Bootstrap = true
		w.From = t.floor(now)
	}

	w.Backfill = w.Bootstrap

	if t.cfg.MaxSpan > 0 && w.To.Sub(w.From) > t.cfg.MaxSpan {
		w.To = w.From.Add(t.cfg.MaxSpan)
		w.Backfill = true
	}

	return w, nil
}

// Commit durably advances queried_until for (tenant, def) to until. It must only be
// called once the rows for the window have been persisted. A commit that would lower
// the stored bound is rejected with ErrWindowRegression and changes nothing.
func (t *Tracker) Commit(ctx context.Context, tenant string, def *query.Definition, until time.Time) error {
	if strings.TrimSpace(tenant) == "" {
		return ErrEmptyTenant
	}

	until = until.UTC().Truncate(precision)

	effective, err := t.store.AdvanceWindow(ctx, tenant, def.Name(), def.Fingerprint(), until)
	if err != nil {
		return fmt.Errorf("%w: tenant %s query %s: %w", ErrCommitFailed, tenant, def.Name(), err)
	}

	if effective.After(until) {
		t.logger.Warn("Rejected window regression",
			slog.String("tenant", tenant),
			slog.String("query", def.Name()),
			slog.Time("attempted", until),
			slog.Time("queried_until", effective),
		)

		return fmt.Errorf("%w: attempted %s, stored %s", ErrWindowRegression,
			query.FormatTimestamp(until), query.FormatTimestamp(effective))
	}

	t.logger.Debug("Window committed",
		slog.String("tenant", tenant),
		slog.String("query", def.Name()),
		slog.String("fingerprint", def.Fingerprint()),
		slog.Time("queried_until", effective),
	)

	return nil
}

// Lag returns the configured safety lag.
func (t *Tracker) Lag() time.Duration {
	return t.cfg.Lag
}

func (t *Tracker) floor(now time.Time) time.Time {
	if !t.cfg.Floor.IsZero() {
		return t.cfg.Floor.UTC().Truncate(precision)
	}

	return now.Add(-t.cfg.Lookback).UTC().Truncate(precision)
}
