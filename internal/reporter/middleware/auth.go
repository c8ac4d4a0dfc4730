package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/granary-io/granary/internal/config"
)

// Authentication error types for granular error handling.
var (
	// ErrMissingAPIKey is returned when no API key is provided in headers.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidAPIKey is returned for invalid API key format or unknown
	// clients. The error is generic to prevent enumeration attacks.
	ErrInvalidAPIKey = errors.New("invalid API key")

	// ErrMalformedKeyring is returned when the keyring configuration cannot
	// be parsed.
	ErrMalformedKeyring = errors.New("malformed API keyring entry")
)

type (
	// Keyring maps ingest client names to bcrypt hashes of their API key
	// secrets. Clients present keys as "<client>.<secret>".
	Keyring struct {
		hashes map[string]string
	}

	// ClientContext identifies the authenticated ingest client on a request.
	ClientContext struct {
		Client   string
		AuthTime time.Time
	}

	// clientContextKey is the context key for ClientContext.
	clientContextKey struct{}
)

// NewKeyring builds a keyring from client-name to bcrypt-hash pairs.
func NewKeyring(hashes map[string]string) *Keyring {
	return &Keyring{hashes: hashes}
}

// LoadKeyring parses the GRANARY_API_KEYS environment variable, a
// comma-separated list of "<client>:<bcrypt-hash>" entries. An empty
// variable yields a nil keyring, which disables authentication.
func LoadKeyring() (*Keyring, error) {
	entries := config.ParseCommaSeparatedList(config.GetEnvStr("GRANARY_API_KEYS", ""))
	if len(entries) == 0 {
		return nil, nil
	}

	hashes := make(map[string]string, len(entries))

	for _, entry := range entries {
		client, hash, ok := strings.Cut(entry, ":")
		if !ok || client == "" || hash == "" {
			return nil, fmt.Errorf("%w: %q", ErrMalformedKeyring, entry)
		}

		hashes[client] = hash
	}

	return &Keyring{hashes: hashes}, nil
}

// Verify checks a presented API key of the form "<client>.<secret>" and
// returns the client name on success. Verification runs a bcrypt comparison
// even for unknown clients so response timing does not reveal which client
// names exist.
func (k *Keyring) Verify(apiKey string) (string, error) {
	client, secret, ok := strings.Cut(apiKey, ".")
	if !ok || client == "" || secret == "" {
		performDummyBcryptComparison()

		return "", ErrInvalidAPIKey
	}

	hash, exists := k.hashes[client]
	if !exists {
		performDummyBcryptComparison()

		return "", ErrInvalidAPIKey
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		return "", ErrInvalidAPIKey
	}

	return client, nil
}

// Timing attack prevention: perform a dummy bcrypt comparison so the
// unknown-client path costs the same as the known-client path.
func performDummyBcryptComparison() {
	_ = bcrypt.CompareHashAndPassword([]byte("dummy"), []byte("dummy"))
}

// extractAPIKey extracts the API key from request headers. It checks the
// X-Api-Key header first (primary), then falls back to
// Authorization: Bearer (secondary).
//
// Keys containing newlines are rejected (header injection prevention).
func extractAPIKey(r *http.Request) (string, bool) {
	if apiKey := r.Header.Get("X-Api-Key"); apiKey != "" {
		return validateAPIKey(apiKey)
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		if strings.HasPrefix(authHeader, "Bearer ") {
			token := strings.TrimPrefix(authHeader, "Bearer ")

			return validateAPIKey(token)
		}
	}

	return "", false
}

// validateAPIKey validates and cleans an API key value.
func validateAPIKey(key string) (string, bool) {
	if strings.ContainsAny(key, "\r\n") {
		return "", false
	}

	key = strings.TrimSpace(key)
	if key == "" {
		return "", false
	}

	return key, true
}

// SetClientContext stores the authenticated client on the context.
func SetClientContext(ctx context.Context, cc ClientContext) context.Context {
	return context.WithValue(ctx, clientContextKey{}, cc)
}

// GetClientContext extracts the authenticated client from the context.
func GetClientContext(ctx context.Context) (ClientContext, bool) {
	cc, ok := ctx.Value(clientContextKey{}).(ClientContext)

	return cc, ok
}

// ClientAuth creates an authentication middleware that validates API keys
// against the keyring and enriches the request context with the client
// identity. Failures are reported as RFC 7807 responses.
func ClientAuth(keyring *Keyring, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authStart := time.Now()

			apiKey, found := extractAPIKey(r)
			if !found {
				writeAuthError(w, r, logger, ErrMissingAPIKey)

				return
			}

			client, err := keyring.Verify(apiKey)
			if err != nil {
				writeAuthError(w, r, logger, err)

				return
			}

			ctx := SetClientContext(r.Context(), ClientContext{
				Client:   client,
				AuthTime: time.Now(),
			})

			logger.Info("API key authenticated",
				slog.String("client", client),
				slog.Duration("auth_latency", time.Since(authStart)),
				slog.String("request_id", GetRequestID(r.Context())),
				slog.String("endpoint", r.URL.Path),
			)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// writeAuthError writes an RFC 7807 response for an authentication failure
// and logs it without any sensitive data.
func writeAuthError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	requestID := GetRequestID(r.Context())

	logger.Warn("Authentication failed",
		slog.String("reason", err.Error()),
		slog.String("request_id", requestID),
		slog.String("endpoint", r.URL.Path),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("user_agent", r.UserAgent()),
	)

	if err := writeProblem(w, r, http.StatusUnauthorized, err.Error(), requestID); err != nil {
		logger.Error("Failed to encode authentication error response",
			slog.String("request_id", requestID),
			slog.String("path", r.URL.Path),
			slog.Any("encode_error", err),
		)
	}
}
