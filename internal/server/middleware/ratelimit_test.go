package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"

	"github.com/iudanet/fieldsync/internal/server/handlers"
	"github.com/iudanet/fieldsync/internal/server/jwt"
)

func TestRateLimiter_Allow(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

	limiter := NewRateLimiter(3, time.Minute, setupTestLogger())
	defer limiter.Stop()
	limiter.now = func() time.Time { return now }

	for i := range 3 {
		allowed, _ := limiter.Allow("device-1")
		assert.True(t, allowed, "request %d should be allowed", i+1)
	}

	allowed, wait := limiter.Allow("device-1")
	assert.False(t, allowed)
	assert.Equal(t, 20*time.Second, wait)

	// другие ключи независимы
	allowed, _ = limiter.Allow("device-2")
	assert.True(t, allowed)

	// токен восстанавливается за window/rate
	now = now.Add(20 * time.Second)
	allowed, _ = limiter.Allow("device-1")
	assert.True(t, allowed)
	allowed, _ = limiter.Allow("device-1")
	assert.False(t, allowed)
}

func TestRateLimiter_Cleanup(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

	limiter := NewRateLimiter(1, time.Minute, setupTestLogger())
	defer limiter.Stop()
	limiter.now = func() time.Time { return now }

	limiter.Allow("device-1")
	now = now.Add(3 * time.Minute)
	limiter.cleanupOldBuckets()

	limiter.mu.Lock()
	assert.Empty(t, limiter.buckets)
	limiter.mu.Unlock()

	// повторный Stop безопасен
	limiter.Stop()
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := NewRateLimiter(1, time.Minute, setupTestLogger())
	defer limiter.Stop()

	handler := RateLimitMiddleware(limiter, setupTestLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	device := func(id string) *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/push", nil)
		claims := &jwt.Claims{RegisteredClaims: gojwt.RegisteredClaims{Subject: id}}
		return req.WithContext(handlers.WithClaims(req.Context(), claims))
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, device("device-1"))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, device("device-1"))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate_limited")

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, device("device-2"))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		headers    map[string]string
		name       string
		remoteAddr string
		want       string
	}{
		{
			name:       "X-Forwarded-For single IP",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.1"},
			remoteAddr: "10.0.0.1:1234",
			want:       "203.0.113.1",
		},
		{
			name:       "X-Forwarded-For chain",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.1, 10.0.0.2"},
			remoteAddr: "10.0.0.1:1234",
			want:       "203.0.113.1",
		},
		{
			name:       "X-Real-IP",
			headers:    map[string]string{"X-Real-IP": "203.0.113.5"},
			remoteAddr: "10.0.0.1:1234",
			want:       "203.0.113.5",
		},
		{
			name:       "RemoteAddr without port",
			remoteAddr: "10.0.0.1:1234",
			want:       "10.0.0.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, getClientIP(req))
		})
	}
}
