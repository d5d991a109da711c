package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"positions": {RatePerSecond: 1, Burst: 1},
	})
	handler := limiter.Middleware("positions")(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/v1/positions", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be rate limited, got %d", res.Code)
	}
}

func TestRateLimiterSeparatesClients(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"positions": {RatePerSecond: 1, Burst: 1},
	})
	handler := limiter.Middleware("positions")(okHandler())

	reqA := httptest.NewRequest(http.MethodPost, "/v1/positions", nil)
	reqA.Header.Set("X-API-Key", "tenant-A")
	resA := httptest.NewRecorder()
	handler.ServeHTTP(resA, reqA)
	if resA.Code != http.StatusOK {
		t.Fatalf("expected tenant A to succeed, got %d", resA.Code)
	}

	reqB := httptest.NewRequest(http.MethodPost, "/v1/positions", nil)
	reqB.Header.Set("X-API-Key", "tenant-B")
	resB := httptest.NewRecorder()
	handler.ServeHTTP(resB, reqB)
	if resB.Code != http.StatusOK {
		t.Fatalf("expected tenant B to succeed independently, got %d", resB.Code)
	}
}

func TestRateLimiterUnconfiguredGroupPassesThrough(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{})
	handler := limiter.Middleware("offers")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/offers/1", nil)
	for i := 0; i < 5; i++ {
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		if res.Code != http.StatusOK {
			t.Fatalf("request %d blocked on unlimited group: %d", i, res.Code)
		}
	}
}
