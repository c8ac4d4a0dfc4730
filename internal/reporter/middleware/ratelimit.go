package middleware

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	burstCapacityMultiplier    int = 2
	defaultMaxClients          int = 1000
	defaultGlobalRPS           int = 100
	defaultClientRPS           int = 50
	defaultUnAuthRPS           int = 10
	rateLimiterCleanupInterval     = 5 * time.Minute
	rateLimiterIdleTimeout         = 1 * time.Hour
)

type (
	// RateLimiter decides whether an incoming request is allowed. The
	// in-memory implementation suits single-node deployments; distributed
	// deployments can substitute a shared-store implementation.
	RateLimiter interface {
		// Allow reports whether a request should proceed. client is empty
		// for unauthenticated requests.
		Allow(client string) bool
	}

	// InMemoryRateLimiter implements RateLimiter with token buckets in
	// three tiers: a global limit over all requests, a per-client limit
	// for authenticated requests, and a separate limit for
	// unauthenticated traffic. Idle client buckets are reaped
	// periodically so the map does not grow without bound.
	InMemoryRateLimiter struct {
		global          *rate.Limiter
		perClient       map[string]*clientLimiter
		unauthenticated *rate.Limiter
		mu              sync.RWMutex
		cleanupTicker   *time.Ticker
		done            chan struct{}

		clientRPS       int
		clientBurst     int
		cleanupInterval time.Duration
		idleTimeout     time.Duration
		maxClients      int
	}

	// clientLimiter tracks rate limit state for a single client.
	clientLimiter struct {
		limiter    *rate.Limiter
		lastAccess time.Time
		mu         sync.Mutex
	}
)

// NewInMemoryRateLimiter creates a rate limiter from the given config.
// Burst capacity defaults to twice the sustained rate unless overridden.
func NewInMemoryRateLimiter(config *RateLimitConfig) *InMemoryRateLimiter {
	globalBurst := computeBurstCapacity(config.GlobalRPS, config.GlobalBurst)
	clientBurst := computeBurstCapacity(config.ClientRPS, config.ClientBurst)
	unauthBurst := computeBurstCapacity(config.UnAuthRPS, config.UnAuthBurst)

	rl := &InMemoryRateLimiter{
		global:          rate.NewLimiter(rate.Limit(config.GlobalRPS), globalBurst),
		perClient:       make(map[string]*clientLimiter),
		unauthenticated: rate.NewLimiter(rate.Limit(config.UnAuthRPS), unauthBurst),
		done:            make(chan struct{}),
		clientRPS:       config.ClientRPS,
		clientBurst:     clientBurst,
		cleanupInterval: config.CleanupInterval,
		idleTimeout:     config.IdleTimeout,
		maxClients:      config.MaxClients,
	}

	rl.startCleanup()

	return rl
}

// computeBurstCapacity returns the override when set, otherwise twice the
// sustained rate.
func computeBurstCapacity(rate, burstOverride int) int {
	if burstOverride > 0 {
		return burstOverride
	}

	return rate * burstCapacityMultiplier
}

// Allow implements the RateLimiter interface.
func (rl *InMemoryRateLimiter) Allow(client string) bool {
	// Global limit applies to everything, checked first to fail fast.
	if !rl.global.Allow() {
		return false
	}

	if client == "" {
		return rl.unauthenticated.Allow()
	}

	rl.mu.RLock()
	cl, ok := rl.perClient[client]
	rl.mu.RUnlock()

	if !ok {
		rl.mu.Lock()
		// Re-check after acquiring the write lock
		if cl, ok = rl.perClient[client]; !ok {
			cl = &clientLimiter{
				limiter:    rate.NewLimiter(rate.Limit(rl.clientRPS), rl.clientBurst),
				lastAccess: time.Now(),
			}

			rl.perClient[client] = cl

			if len(rl.perClient) >= rl.maxClients {
				slog.Warn("rate limiter reached max tracked clients",
					"current_clients", len(rl.perClient),
					"max_clients", rl.maxClients,
				)
			}
		}

		rl.mu.Unlock()
	}

	cl.mu.Lock()
	cl.lastAccess = time.Now()
	cl.mu.Unlock()

	return cl.limiter.Allow()
}

// Close stops the cleanup goroutine.
func (rl *InMemoryRateLimiter) Close() {
	if rl.cleanupTicker != nil {
		rl.cleanupTicker.Stop()
	}

	close(rl.done)
}

// startCleanup starts the background reaper for idle client buckets.
func (rl *InMemoryRateLimiter) startCleanup() {
	cleanupInterval := rl.cleanupInterval
	if cleanupInterval == 0 {
		cleanupInterval = rateLimiterCleanupInterval
	}

	rl.cleanupTicker = time.NewTicker(cleanupInterval)

	go func() {
		for {
			select {
			case <-rl.cleanupTicker.C:
				rl.cleanup()
			case <-rl.done:
				return
			}
		}
	}()
}

// cleanup removes client buckets that have been idle past the timeout.
func (rl *InMemoryRateLimiter) cleanup() {
	idleTimeout := rl.idleTimeout
	if idleTimeout == 0 {
		idleTimeout = rateLimiterIdleTimeout
	}

	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for client, cl := range rl.perClient {
		cl.mu.Lock()
		lastAccess := cl.lastAccess
		cl.mu.Unlock()

		if now.Sub(lastAccess) > idleTimeout {
			delete(rl.perClient, client)
		}
	}
}

// RateLimit returns a middleware that enforces rate limits on incoming
// requests. It must sit after the authentication middleware in the chain so
// per-client limits can see the client identity; requests without one fall
// into the unauthenticated tier. Limited requests get a 429 with an RFC
// 7807 body.
func RateLimit(limiter RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := ""
			if cc, ok := GetClientContext(r.Context()); ok {
				client = cc.Client
			}

			if !limiter.Allow(client) {
				requestID := GetRequestID(r.Context())

				detail := "Rate limit exceeded. Please retry after some time."
				if err := writeProblem(w, r, http.StatusTooManyRequests, detail, requestID); err != nil {
					logger.Error("failed to write rate limit response",
						slog.String("request_id", requestID),
						slog.String("path", r.URL.Path),
						slog.String("error", err.Error()),
					)

					http.Error(w, detail, http.StatusTooManyRequests)
				}

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
