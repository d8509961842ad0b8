package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/correlator-io/sentinel/internal/config"
)

const (
	defaultTickInterval    = time.Minute
	defaultMaxConcurrent   = 4
	defaultBackoffInitial  = 30 * time.Second
	defaultBackoffMax      = 15 * time.Minute
	defaultBackoffJitter   = 0.2
	defaultPersistTimeout  = 2 * time.Minute
	defaultStoreTimeout    = 10 * time.Second
	defaultShutdownTimeout = 30 * time.Second
)

var (
	ErrNoTenants            = errors.New("at least one tenant must be configured")
	ErrInvalidTickInterval  = errors.New("tick interval must be positive")
	ErrInvalidMaxConcurrent = errors.New("max concurrent pairs must be at least 1")
	ErrInvalidBackoff       = errors.New("backoff initial must be positive and not exceed backoff max")
	ErrInvalidBackoffJitter = errors.New("backoff jitter must be between 0 and 1")
	ErrInvalidTimeout       = errors.New("scheduler timeouts must be positive")
)

// Config holds the scheduler settings.
type Config struct {
	Tenants []string

	TickInterval  time.Duration
	MaxConcurrent int

	// BackoffInitial and BackoffMax bound the per-pair delay after a failed run.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	BackoffJitter  float64

	// SeedFirstRun ingests backfill windows as seeded (no alerts): the first window of a
	// new query and every catch-up chunk capped by the window max span.
	SeedFirstRun bool

	// PersistTimeout bounds ingestion of a fetched batch. StoreTimeout bounds the commit.
	PersistTimeout  time.Duration
	StoreTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// LoadConfig reads scheduler configuration from the environment.
func LoadConfig() *Config {
	return &Config{
		Tenants:         config.ParseCommaSeparatedList(config.GetEnvStr("SENTINEL_TENANTS", "")),
		TickInterval:    config.GetEnvDuration("SENTINEL_TICK_INTERVAL", defaultTickInterval),
		MaxConcurrent:   config.GetEnvInt("SENTINEL_MAX_CONCURRENT", defaultMaxConcurrent),
		BackoffInitial:  config.GetEnvDuration("SENTINEL_BACKOFF_INITIAL", defaultBackoffInitial),
		BackoffMax:      config.GetEnvDuration("SENTINEL_BACKOFF_MAX", defaultBackoffMax),
		BackoffJitter:   config.GetEnvFloat("SENTINEL_BACKOFF_JITTER", defaultBackoffJitter),
		SeedFirstRun:    config.GetEnvBool("SENTINEL_SEED_FIRST_RUN", true),
		PersistTimeout:  config.GetEnvDuration("SENTINEL_PERSIST_TIMEOUT", defaultPersistTimeout),
		StoreTimeout:    config.GetEnvDuration("SENTINEL_STORE_TIMEOUT", defaultStoreTimeout),
		ShutdownTimeout: config.GetEnvDuration("SENTINEL_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if len(c.Tenants) == 0 {
		return ErrNoTenants
	}

	if c.TickInterval <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTickInterval, c.TickInterval)
	}

	if c.MaxConcurrent < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidMaxConcurrent, c.MaxConcurrent)
	}

	if c.BackoffInitial <= 0 || c.BackoffMax < c.BackoffInitial {
		return fmt.Errorf("%w: initial=%s max=%s", ErrInvalidBackoff, c.BackoffInitial, c.BackoffMax)
	}

	if c.BackoffJitter < 0 || c.BackoffJitter >= 1 {
		return fmt.Errorf("%w: %v", ErrInvalidBackoffJitter, c.BackoffJitter)
	}

	if c.PersistTimeout <= 0 || c.StoreTimeout <= 0 || c.ShutdownTimeout <= 0 {
		return ErrInvalidTimeout
	}

	return nil
}
