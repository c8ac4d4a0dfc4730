package middleware

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"

	"github.com/google/uuid"
)

const requestIDSize = 8

// requestIDKey is the context key for the request ID.
type requestIDKey struct{}

// RequestID creates a middleware that tags each request with an ID.
// If the request already carries an X-Request-ID header, that value is
// kept; otherwise a new ID is generated.
func RequestID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")

			if requestID == "" {
				requestID = generateRequestID()
			}

			w.Header().Set("X-Request-ID", requestID)

			ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetRequestID extracts the request ID from the request context.
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(requestIDKey{}).(string); ok {
		return requestID
	}

	return "unknown"
}

// generateRequestID generates a new request ID, falling back to a UUID if
// the system entropy source fails.
func generateRequestID() string {
	bytes := make([]byte, requestIDSize)
	if _, err := rand.Read(bytes); err != nil {
		return uuid.NewString()
	}

	return hex.EncodeToString(bytes)
}
