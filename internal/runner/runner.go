// Package runner executes one query definition for one tenant over one window,
// delegating the actual execution to an external collaborator.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/correlator-io/sentinel/internal/config"
	"github.com/correlator-io/sentinel/internal/ingestion"
	"github.com/correlator-io/sentinel/internal/query"
	"github.com/correlator-io/sentinel/internal/window"
)

const (
	defaultTimeout      = 60 * time.Second
	defaultMaxAttempts  = 3
	defaultRetryInitial = 500 * time.Millisecond
	defaultRetryMax     = 10 * time.Second
)

var (
	// ErrExecutionFailed is returned when a query could not be executed within the
	// configured attempts. It is retryable: the window is not advanced and the same
	// range is retried on a later tick.
	ErrExecutionFailed = errors.New("query execution failed")

	// ErrQueryRejected is returned by an Executor when the backend refused the query
	// itself (e.g. syntax error, unauthorized). Retrying within the tick is pointless.
	ErrQueryRejected = errors.New("query rejected by backend")

	// ErrNoExecutor is returned when a runner is constructed without an executor.
	ErrNoExecutor = errors.New("executor cannot be nil")

	// ErrInvalidTimeout is returned for a non-positive execution timeout.
	ErrInvalidTimeout = errors.New("query timeout must be positive")

	// ErrInvalidMaxAttempts is returned when fewer than one attempt is configured.
	ErrInvalidMaxAttempts = errors.New("query max attempts must be at least 1")
)

type (
	// Executor runs concrete query text for a tenant and returns the raw result rows.
	Executor interface {
		Execute(ctx context.Context, tenant string, kind query.Kind, text string) ([]ingestion.Row, error)
	}

	// Config holds runner settings.
	Config struct {
		// Timeout bounds a single execution attempt.
		Timeout time.Duration
		// MaxAttempts bounds the attempts made within one tick.
		MaxAttempts int
		// RetryInitial is the delay before the second attempt.
		RetryInitial time.Duration
		// RetryMax caps the delay between attempts.
		RetryMax time.Duration
	}

	// Runner executes query definitions over windows.
	Runner struct {
		executor Executor
		logger   *slog.Logger
		cfg      Config
	}
)

// LoadConfig reads runner configuration from the environment.
func LoadConfig() *Config {
	return &Config{
		Timeout:      config.GetEnvDuration("SENTINEL_QUERY_TIMEOUT", defaultTimeout),
		MaxAttempts:  config.GetEnvInt("SENTINEL_QUERY_MAX_ATTEMPTS", defaultMaxAttempts),
		RetryInitial: config.GetEnvDuration("SENTINEL_QUERY_RETRY_INITIAL", defaultRetryInitial),
		RetryMax:     config.GetEnvDuration("SENTINEL_QUERY_RETRY_MAX", defaultRetryMax),
	}
}

// Validate checks the runner configuration.
func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidTimeout, c.Timeout)
	}

	if c.MaxAttempts < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidMaxAttempts, c.MaxAttempts)
	}

	return nil
}

// New creates a Runner.
func New(executor Executor, cfg *Config, logger *slog.Logger) (*Runner, error) {
	if executor == nil {
		return nil, ErrNoExecutor
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = config.NewLogger("runner")
	}

	return &Runner{executor: executor, logger: logger, cfg: *cfg}, nil
}

// Run formats def for w and executes it for tenant. Each attempt is bounded by the
// configured timeout; failed attempts are retried with exponential backoff up to
// MaxAttempts. Any failure is returned wrapped in ErrExecutionFailed.
func (r *Runner) Run(ctx context.Context, tenant string, def *query.Definition, w window.Window) ([]ingestion.Row, error) {
	text := def.Format(w.From, w.To)

	var (
		rows    []ingestion.Row
		attempt int
	)

	operation := func() error {
		attempt++

		attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()

		result, err := r.executor.Execute(attemptCtx, tenant, def.Kind(), text)
		if err != nil {
			if errors.Is(err, ErrQueryRejected) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}

			return err
		}

		rows = result

		return nil
	}

	notify := func(err error, next time.Duration) {
		r.logger.Warn("Query attempt failed, retrying",
			slog.String("tenant", tenant),
			slog.String("query", def.Name()),
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", next),
			slog.String("error", err.Error()),
		)
	}

	start := time.Now()

	if err := backoff.RetryNotify(operation, r.retryPolicy(ctx), notify); err != nil {
		return nil, fmt.Errorf("%w: tenant %s query %s after %d attempt(s): %w",
			ErrExecutionFailed, tenant, def.Name(), attempt, err)
	}

	r.logger.Debug("Query executed",
		slog.String("tenant", tenant),
		slog.String("query", def.Name()),
		slog.String("from", query.FormatTimestamp(w.From)),
		slog.String("to", query.FormatTimestamp(w.To)),
		slog.Int("rows", len(rows)),
		slog.Int("attempts", attempt),
		slog.Duration("duration", time.Since(start)),
	)

	return rows, nil
}

func (r *Runner) retryPolicy(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.cfg.RetryInitial
	eb.MaxInterval = r.cfg.RetryMax
	eb.MaxElapsedTime = 0

	//nolint:gosec // MaxAttempts is validated to be >= 1
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(r.cfg.MaxAttempts-1)), ctx)
}
