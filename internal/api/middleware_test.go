package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/redis"
)

func TestRateLimitMiddleware(t *testing.T) {
	client, cleanup := setupRedisClient(t)
	defer cleanup()

	limiter := redis.NewRateLimiter(client, zap.NewNop(), redis.RateLimitConfig{
		Limit:  2,
		Window: time.Minute,
	})

	handler := RateLimitMiddleware(limiter, zap.NewNop(), MerchantKeyFunc)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	)

	do := func(merchantID string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/v1/campaigns", nil)
		req.Header.Set("X-Merchant-ID", merchantID)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		if rec := do("merchant-1"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}

	rec := do("merchant-1")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after limit, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 response should carry Retry-After")
	}

	// A different merchant is unaffected.
	if rec := do("merchant-2"); rec.Code != http.StatusOK {
		t.Fatalf("other merchant: expected 200, got %d", rec.Code)
	}
}

func TestRateLimitMiddlewareHeaders(t *testing.T) {
	client, cleanup := setupRedisClient(t)
	defer cleanup()

	limiter := redis.NewRateLimiter(client, zap.NewNop(), redis.RateLimitConfig{
		Limit:  5,
		Window: time.Minute,
	})

	handler := RateLimitMiddleware(limiter, zap.NewNop(), MerchantKeyFunc)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	)

	req := httptest.NewRequest(http.MethodGet, "/v1/campaigns", nil)
	req.Header.Set("X-Merchant-ID", "merchant-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Header().Get("X-RateLimit-Remaining") == "" {
		t.Error("missing X-RateLimit-Remaining header")
	}
	if rec.Header().Get("X-RateLimit-Reset") == "" {
		t.Error("missing X-RateLimit-Reset header")
	}
}

func TestRateLimitMiddlewareNilLimiter(t *testing.T) {
	handler := RateLimitMiddleware(nil, zap.NewNop(), MerchantKeyFunc)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	)

	req := httptest.NewRequest(http.MethodGet, "/v1/campaigns", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("nil limiter must pass through, got %d", rec.Code)
	}
}

func TestRateLimitMiddlewareSkipsAnonymous(t *testing.T) {
	client, cleanup := setupRedisClient(t)
	defer cleanup()

	limiter := redis.NewRateLimiter(client, zap.NewNop(), redis.RateLimitConfig{
		Limit:  1,
		Window: time.Minute,
	})

	handler := RateLimitMiddleware(limiter, zap.NewNop(), MerchantKeyFunc)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	)

	// No merchant header: key func returns "" and the limiter is skipped.
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/campaigns", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200 without merchant header, got %d", i, rec.Code)
		}
	}
}

func TestMerchantKeyFunc(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if key := MerchantKeyFunc(req); key != "" {
		t.Errorf("key = %q, want empty without header", key)
	}

	req.Header.Set("X-Merchant-ID", "m-123")
	if key := MerchantKeyFunc(req); key != "m-123" {
		t.Errorf("key = %q, want m-123", key)
	}
}

func TestIPKeyFunc(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	if key := IPKeyFunc(req); key != "ip:203.0.113.9" {
		t.Errorf("key = %q, want ip:203.0.113.9", key)
	}
}
