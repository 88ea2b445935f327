package middleware

import (
	"log/slog"
	"net/http"

	"github.com/ingestrelay/ingestrelay/internal/storage"
)

// Option wraps a handler with one middleware.
type Option func(http.Handler) http.Handler

// Apply wraps handler with options. The first option becomes the outermost middleware.
//
// Example:
//
//	handler := middleware.Apply(mux,
//	    middleware.WithCorrelationID(),
//	    middleware.WithRecovery(logger),
//	    middleware.WithAuthentication(store, logger, "/ping"),
//	    middleware.WithRateLimit(limiter, logger),
//	    middleware.WithRequestLogger(logger),
//	)
func Apply(handler http.Handler, options ...Option) http.Handler {
	for i := len(options) - 1; i >= 0; i-- {
		handler = options[i](handler)
	}

	return handler
}

// WithCorrelationID returns an option that adds correlation ID middleware.
func WithCorrelationID() Option {
	return Option(CorrelationID())
}

// WithRecovery returns an option that adds panic recovery middleware.
func WithRecovery(logger *slog.Logger) Option {
	return Option(Recovery(logger))
}

// WithAuthentication returns an option that adds API key authentication. A nil store
// disables it.
func WithAuthentication(store storage.APIKeyStore, logger *slog.Logger, publicPaths ...string) Option {
	if store == nil {
		return passThrough
	}

	return Option(Authenticate(store, logger, publicPaths...))
}

// WithRateLimit returns an option that adds rate limiting. A nil limiter disables it.
func WithRateLimit(limiter RateLimiter, logger *slog.Logger) Option {
	if limiter == nil {
		return passThrough
	}

	return Option(RateLimit(limiter, logger))
}

// WithRequestLogger returns an option that adds request logging middleware.
func WithRequestLogger(logger *slog.Logger) Option {
	return Option(RequestLogger(logger))
}

func passThrough(next http.Handler) http.Handler {
	return next
}
