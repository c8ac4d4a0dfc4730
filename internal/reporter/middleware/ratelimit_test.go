package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, cfg *RateLimitConfig) *InMemoryRateLimiter {
	t.Helper()

	rl := NewInMemoryRateLimiter(cfg)
	t.Cleanup(rl.Close)

	return rl
}

func TestInMemoryRateLimiterAllow(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Run("unauthenticated tier is limited independently", func(t *testing.T) {
		rl := newTestLimiter(t, &RateLimitConfig{
			GlobalRPS:   1000,
			ClientRPS:   1000,
			UnAuthRPS:   1,
			UnAuthBurst: 2,
		})

		assert.True(t, rl.Allow(""))
		assert.True(t, rl.Allow(""))
		assert.False(t, rl.Allow(""), "third unauthenticated request should exceed the burst")

		// Authenticated traffic is unaffected by the unauthenticated tier.
		assert.True(t, rl.Allow("ingest-daemon"))
	})

	t.Run("clients are limited independently", func(t *testing.T) {
		rl := newTestLimiter(t, &RateLimitConfig{
			GlobalRPS:   1000,
			ClientRPS:   1,
			ClientBurst: 1,
			UnAuthRPS:   1000,
		})

		assert.True(t, rl.Allow("client-a"))
		assert.False(t, rl.Allow("client-a"))
		assert.True(t, rl.Allow("client-b"), "a limited client must not starve others")
	})

	t.Run("global tier caps everything", func(t *testing.T) {
		rl := newTestLimiter(t, &RateLimitConfig{
			GlobalRPS:   1,
			GlobalBurst: 1,
			ClientRPS:   1000,
			UnAuthRPS:   1000,
		})

		assert.True(t, rl.Allow("client-a"))
		assert.False(t, rl.Allow("client-b"))
	})
}

func TestInMemoryRateLimiterCleanup(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := newTestLimiter(t, &RateLimitConfig{
		GlobalRPS:       1000,
		ClientRPS:       1000,
		UnAuthRPS:       1000,
		CleanupInterval: time.Hour,
		IdleTimeout:     time.Nanosecond,
	})

	require.True(t, rl.Allow("client-a"))

	time.Sleep(time.Millisecond)
	rl.cleanup()

	rl.mu.RLock()
	_, ok := rl.perClient["client-a"]
	rl.mu.RUnlock()

	assert.False(t, ok, "idle client bucket should be reaped")
}

func TestRateLimitMiddleware(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rl := newTestLimiter(t, &RateLimitConfig{
		GlobalRPS:   1000,
		ClientRPS:   1000,
		UnAuthRPS:   1,
		UnAuthBurst: 1,
	})

	handler := RateLimit(rl, slog.Default())(next)

	req := httptest.NewRequest(http.MethodPost, "/mutations", nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	var problem struct {
		Status int    `json:"status"`
		Title  string `json:"title"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, http.StatusTooManyRequests, problem.Status)
	assert.Equal(t, "Too Many Requests", problem.Title)
}

func TestRateLimitMiddlewareUsesClientIdentity(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rl := newTestLimiter(t, &RateLimitConfig{
		GlobalRPS:   1000,
		ClientRPS:   1,
		ClientBurst: 1,
		UnAuthRPS:   1000,
	})

	handler := RateLimit(rl, slog.Default())(next)

	authed := func(client string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/mutations", nil)
		req = req.WithContext(SetClientContext(req.Context(), ClientContext{Client: client}))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		return rec
	}

	assert.Equal(t, http.StatusOK, authed("client-a").Code)
	assert.Equal(t, http.StatusTooManyRequests, authed("client-a").Code)
	assert.Equal(t, http.StatusOK, authed("client-b").Code)
}
