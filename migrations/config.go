package main

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/correlator-io/sentinel/internal/config"
)

const (
	defaultMigrationTable = "sentinel_schema_migrations"
	defaultConnectTimeout = 10 * time.Second
)

var (
	ErrDatabaseURLEmpty    = errors.New("DATABASE_URL cannot be empty")
	ErrMigrationTableEmpty = errors.New("SENTINEL_MIGRATION_TABLE cannot be empty")
	ErrInvalidTimeout      = errors.New("SENTINEL_MIGRATION_CONNECT_TIMEOUT must be positive")
)

// Config holds the migration tool settings.
type Config struct {
	DatabaseURL    string
	MigrationTable string
	ConnectTimeout time.Duration
}

// LoadConfig reads the migration settings from the environment and validates them.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DatabaseURL:    config.GetEnvStr("DATABASE_URL", ""),
		MigrationTable: config.GetEnvStr("SENTINEL_MIGRATION_TABLE", defaultMigrationTable),
		ConnectTimeout: config.GetEnvDuration("SENTINEL_MIGRATION_CONNECT_TIMEOUT", defaultConnectTimeout),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return ErrDatabaseURLEmpty
	}

	if strings.TrimSpace(c.MigrationTable) == "" {
		return ErrMigrationTableEmpty
	}

	if c.ConnectTimeout <= 0 {
		return ErrInvalidTimeout
	}

	return nil
}

// String renders the configuration with the database password masked.
func (c *Config) String() string {
	return fmt.Sprintf("Config{DatabaseURL: %s, MigrationTable: %s, ConnectTimeout: %s}",
		maskDatabaseURL(c.DatabaseURL), c.MigrationTable, c.ConnectTimeout)
}

// maskDatabaseURL replaces the password of a URL-form DSN with ***. Strings that do not
// parse as URLs, or carry no password, are returned unchanged.
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}

	if password, ok := u.User.Password(); !ok || password == "" {
		return raw
	}

	masked := *u
	masked.User = url.UserPassword(u.User.Username(), "***")

	// url.URL.String escapes the * characters in userinfo.
	return strings.Replace(masked.String(), "%2A%2A%2A", "***", 1)
}
