package middleware

import (
	"time"

	"github.com/granary-io/granary/internal/config"
)

// RateLimitConfig holds rate limiter configuration.
//
// Rate limits specify requests per second (RPS) for three tiers:
//   - Global: applied to all requests
//   - Per-client: applied to authenticated requests
//   - Unauthenticated: applied to requests without a client identity
//
// Burst fields left at 0 are computed automatically as twice the rate.
type RateLimitConfig struct {
	GlobalRPS int // Default: 100
	ClientRPS int // Default: 50
	UnAuthRPS int // Default: 10

	GlobalBurst int // Default: 0 (computed as 2 x GlobalRPS)
	ClientBurst int // Default: 0 (computed as 2 x ClientRPS)
	UnAuthBurst int // Default: 0 (computed as 2 x UnAuthRPS)

	CleanupInterval time.Duration // Default: 5 minutes
	IdleTimeout     time.Duration // Default: 1 hour
	MaxClients      int           // Default: 1,000
}

// LoadRateLimitConfig loads rate limiter config from environment variables
// with fallback to defaults.
func LoadRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		GlobalRPS: config.GetEnvInt("GRANARY_GLOBAL_RPS", defaultGlobalRPS),
		ClientRPS: config.GetEnvInt("GRANARY_CLIENT_RPS", defaultClientRPS),
		UnAuthRPS: config.GetEnvInt("GRANARY_UNAUTH_RPS", defaultUnAuthRPS),

		GlobalBurst: config.GetEnvInt("GRANARY_GLOBAL_BURST", 0),
		ClientBurst: config.GetEnvInt("GRANARY_CLIENT_BURST", 0),
		UnAuthBurst: config.GetEnvInt("GRANARY_UNAUTH_BURST", 0),

		CleanupInterval: config.GetEnvDuration("GRANARY_RATE_LIMIT_CLEANUP_INTERVAL", rateLimiterCleanupInterval),
		IdleTimeout:     config.GetEnvDuration("GRANARY_RATE_LIMIT_IDLE_TIMEOUT", rateLimiterIdleTimeout),
		MaxClients:      config.GetEnvInt("GRANARY_RATE_LIMIT_MAX_CLIENTS", defaultMaxClients),
	}
}
