package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/correlator-io/sentinel/internal/config"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 10 * time.Minute

	defaultPoisonRetention = 7 * 24 * time.Hour
	defaultCleanupInterval = time.Hour
)

// Backend selects the store implementation.
type Backend string

// Supported backends.
const (
	BackendPostgres Backend = "postgres"
	BackendMemory   Backend = "memory"
)

var (
	// ErrDatabaseURLEmpty is returned when the database url is an empty string.
	ErrDatabaseURLEmpty = errors.New("database URL cannot be empty")

	// ErrUnknownBackend is returned for an unsupported SENTINEL_STORE value.
	ErrUnknownBackend = errors.New("unknown store backend")

	// ErrInvalidCleanupInterval is returned when poison cleanup is configured with a
	// non-positive interval or retention.
	ErrInvalidCleanupInterval = errors.New("poison cleanup interval and retention must be positive")
)

// Config holds PostgreSQL connection configuration with production-ready defaults.
type Config struct {
	Backend         Backend
	databaseURL     string
	MaxOpenConns    int           // Maximum number of open connections
	MaxIdleConns    int           // Maximum number of idle connections
	ConnMaxLifetime time.Duration // Maximum lifetime of connections
	ConnMaxIdleTime time.Duration // Maximum idle time for connections

	PoisonRetention time.Duration // How long unmappable rows are kept in ingest_poison
	CleanupInterval time.Duration // How often expired poison rows are deleted
}

// LoadConfig loads PostgreSQL configuration from environment variables with fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		Backend:         Backend(strings.ToLower(config.GetEnvStr("SENTINEL_STORE", string(BackendPostgres)))),
		databaseURL:     config.GetEnvStr("DATABASE_URL", ""), // DatabaseURL is private for obvious reasons.
		MaxOpenConns:    config.GetEnvInt("DATABASE_MAX_OPEN_CONNS", defaultMaxOpenConns),
		MaxIdleConns:    config.GetEnvInt("DATABASE_MAX_IDLE_CONNS", defaultMaxIdleConns),
		ConnMaxLifetime: config.GetEnvDuration("DATABASE_CONN_MAX_LIFETIME", defaultConnMaxLifetime),
		ConnMaxIdleTime: config.GetEnvDuration("DATABASE_CONN_MAX_IDLE_TIME", defaultConnMaxIdleTime),
		PoisonRetention: config.GetEnvDuration("SENTINEL_POISON_RETENTION", defaultPoisonRetention),
		CleanupInterval: config.GetEnvDuration("SENTINEL_POISON_CLEANUP_INTERVAL", defaultCleanupInterval),
	}
}

// Validate checks if the PostgreSQL configuration is valid.
// The memory backend needs no database URL.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMemory:
		return nil
	case BackendPostgres, "":
	default:
		return fmt.Errorf("%w: %q (valid: postgres, memory)", ErrUnknownBackend, c.Backend)
	}

	if strings.TrimSpace(c.databaseURL) == "" {
		return ErrDatabaseURLEmpty
	}

	if c.PoisonRetention <= 0 || c.CleanupInterval <= 0 {
		return ErrInvalidCleanupInterval
	}

	return nil
}

// MaskDatabaseURL returns a masked databaseURL safe for logging.
func (c *Config) MaskDatabaseURL() string {
	if c.databaseURL == "" {
		return ""
	}

	// Find the scheme separator
	schemeEnd := strings.Index(c.databaseURL, "://")
	if schemeEnd == -1 {
		return c.databaseURL
	}

	// Find the last @ which separates userinfo from host
	afterScheme := c.databaseURL[schemeEnd+3:]

	lastAtIndex := strings.LastIndex(afterScheme, "@")
	if lastAtIndex == -1 {
		// No @ found, no userinfo
		return c.databaseURL
	}

	// Extract userinfo
	userInfo := afterScheme[:lastAtIndex]

	colonIndex := strings.Index(userInfo, ":")
	if colonIndex == -1 {
		// No password
		return c.databaseURL
	}

	// Found username:password
	username := userInfo[:colonIndex]
	password := userInfo[colonIndex+1:]

	if password == "" {
		// Empty password, don't mask
		return c.databaseURL
	}

	// Build masked URL
	scheme := c.databaseURL[:schemeEnd]
	hostAndRest := afterScheme[lastAtIndex:]

	return scheme + "://" + username + ":***" + hostAndRest
}
