// Package middleware provides HTTP middleware for the granary mutation
// boundary: request identification, panic recovery, client authentication,
// rate limiting, and request logging.
package middleware

import (
	"log/slog"
	"net/http"
)

type (
	// Option is a function that applies middleware to a handler.
	Option func(http.Handler) http.Handler
)

// Apply applies a chain of middleware options to a base handler.
// Middleware is applied in the order provided (first option wraps handler first).
//
// Example:
//
//	handler := middleware.Apply(mux,
//	    middleware.WithRequestID(),
//	    middleware.WithRecovery(logger),
//	    middleware.WithClientAuth(keyring, logger),
//	    middleware.WithRateLimit(limiter, logger),
//	    middleware.WithRequestLogger(logger),
//	)
func Apply(handler http.Handler, options ...Option) http.Handler {
	// Apply middleware in reverse order so that the first option
	// becomes the outermost middleware in the chain
	for i := len(options) - 1; i >= 0; i-- {
		handler = options[i](handler)
	}

	return handler
}

// WithRequestID returns an option that adds request ID middleware.
func WithRequestID() Option {
	return func(next http.Handler) http.Handler {
		return RequestID()(next)
	}
}

// WithRecovery returns an option that adds panic recovery middleware.
func WithRecovery(logger *slog.Logger) Option {
	return func(next http.Handler) http.Handler {
		return Recovery(logger)(next)
	}
}

// WithClientAuth returns an option that adds client authentication
// middleware. If keyring is nil, this option is skipped (no middleware
// applied).
func WithClientAuth(keyring *Keyring, logger *slog.Logger) Option {
	if keyring == nil {
		return func(next http.Handler) http.Handler {
			return next // No-op if keyring not configured
		}
	}

	return func(next http.Handler) http.Handler {
		return ClientAuth(keyring, logger)(next)
	}
}

// WithRateLimit returns an option that adds rate limiting middleware.
// If limiter is nil, this option is skipped (no middleware applied).
func WithRateLimit(limiter RateLimiter, logger *slog.Logger) Option {
	if limiter == nil {
		return func(next http.Handler) http.Handler {
			return next // No-op if limiter not configured
		}
	}

	return func(next http.Handler) http.Handler {
		return RateLimit(limiter, logger)(next)
	}
}

// WithRequestLogger returns an option that adds request logging middleware.
func WithRequestLogger(logger *slog.Logger) Option {
	return func(next http.Handler) http.Handler {
		return RequestLogger(logger)(next)
	}
}
