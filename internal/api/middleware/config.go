package middleware

import (
	"time"

	"github.com/correlator-io/sentinel/internal/config"
)

// Config holds rate limiter configuration for the ops API.
//
// Burst fields left at 0 are computed as twice the rate.
type Config struct {
	Enabled bool

	GlobalRPS int
	ClientRPS int

	GlobalBurst int
	ClientBurst int

	CleanupInterval time.Duration
	IdleTimeout     time.Duration
	MaxClients      int
}

// LoadConfig loads the rate limiter configuration from the environment.
func LoadConfig() *Config {
	return &Config{
		Enabled:     config.GetEnvBool("SENTINEL_API_RATE_LIMIT", true),
		GlobalRPS:   config.GetEnvInt("SENTINEL_API_GLOBAL_RPS", defaultGlobalRPS),
		ClientRPS:   config.GetEnvInt("SENTINEL_API_CLIENT_RPS", defaultClientRPS),
		GlobalBurst: config.GetEnvInt("SENTINEL_API_GLOBAL_BURST", 0),
		ClientBurst: config.GetEnvInt("SENTINEL_API_CLIENT_BURST", 0),
		CleanupInterval: config.GetEnvDuration(
			"SENTINEL_API_RATE_LIMIT_CLEANUP_INTERVAL", rateLimiterCleanupInterval,
		),
		IdleTimeout: config.GetEnvDuration("SENTINEL_API_RATE_LIMIT_IDLE_TIMEOUT", rateLimiterIdleTimeout),
		MaxClients:  config.GetEnvInt("SENTINEL_API_RATE_LIMIT_MAX_CLIENTS", defaultMaxClients),
	}
}
