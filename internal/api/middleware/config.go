package middleware

import (
	"time"

	"github.com/ingestrelay/ingestrelay/internal/config"
)

// Config holds the rate limiter settings. Rates are requests per second for three tiers:
// every request, each authenticated API key, and unauthenticated requests as a whole.
// Zero bursts default to twice the rate.
type Config struct {
	GlobalRPS int
	ClientRPS int
	UnAuthRPS int

	GlobalBurst int
	ClientBurst int
	UnAuthBurst int

	// CleanupInterval and IdleTimeout bound the memory held by per-key limiters.
	CleanupInterval time.Duration
	IdleTimeout     time.Duration
	MaxClients      int
}

// LoadConfig reads INGESTRELAY_RATE_LIMIT_* variables.
func LoadConfig() *Config {
	return &Config{
		GlobalRPS: config.GetEnvInt("INGESTRELAY_RATE_LIMIT_GLOBAL_RPS", defaultGlobalRPS),
		ClientRPS: config.GetEnvInt("INGESTRELAY_RATE_LIMIT_CLIENT_RPS", defaultClientRPS),
		UnAuthRPS: config.GetEnvInt("INGESTRELAY_RATE_LIMIT_UNAUTH_RPS", defaultUnAuthRPS),

		GlobalBurst: config.GetEnvInt("INGESTRELAY_RATE_LIMIT_GLOBAL_BURST", 0),
		ClientBurst: config.GetEnvInt("INGESTRELAY_RATE_LIMIT_CLIENT_BURST", 0),
		UnAuthBurst: config.GetEnvInt("INGESTRELAY_RATE_LIMIT_UNAUTH_BURST", 0),

		CleanupInterval: config.GetEnvDuration("INGESTRELAY_RATE_LIMIT_CLEANUP_INTERVAL", rateLimiterCleanupInterval),
		IdleTimeout:     config.GetEnvDuration("INGESTRELAY_RATE_LIMIT_IDLE_TIMEOUT", rateLimiterIdleTimeout),
		MaxClients:      config.GetEnvInt("INGESTRELAY_RATE_LIMIT_MAX_CLIENTS", defaultMaxClients),
	}
}
