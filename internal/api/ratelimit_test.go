package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiter_BudgetExhausts(t *testing.T) {
	// Burst of 4 with negligible refill.
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerMinute: 1, BurstSize: 4})

	for i := 0; i < 4; i++ {
		if !rl.Allow("10.0.0.1") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if rl.Allow("10.0.0.1") {
		t.Error("request past the burst should be denied")
	}
}

func TestRateLimiter_Refill(t *testing.T) {
	// 6000 per minute refills 100 tokens per second.
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerMinute: 6000, BurstSize: 4})

	for i := 0; i < 4; i++ {
		rl.Allow("10.0.0.1")
	}
	if rl.Allow("10.0.0.1") {
		t.Fatal("budget should be empty")
	}
	time.Sleep(50 * time.Millisecond)
	if !rl.Allow("10.0.0.1") {
		t.Error("budget should have refilled")
	}
}

func TestRateLimiter_PerClient(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerMinute: 1, BurstSize: 4})

	for i := 0; i < 4; i++ {
		rl.Allow("10.0.0.1")
	}
	if rl.Allow("10.0.0.1") {
		t.Error("first client should be exhausted")
	}
	// A different client draws from its own budget.
	if !rl.Allow("10.0.0.2") {
		t.Error("second client should pass")
	}
}

func TestRateLimiter_TransferWeighsHeavier(t *testing.T) {
	// Budget of 5: one transfer (4) plus one metadata call (1).
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerMinute: 1, BurstSize: 5})
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(method, path string) int {
		req := httptest.NewRequest(method, path, nil)
		req.RemoteAddr = "10.2.2.2:9999"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := do(http.MethodPut, "/pools/main/files/a.db"); code != http.StatusOK {
		t.Fatalf("first import status = %d; want 200", code)
	}
	// A second transfer does not fit in the remaining budget.
	if code := do(http.MethodGet, "/pools/main/files/a.db"); code != http.StatusTooManyRequests {
		t.Errorf("second transfer status = %d; want 429", code)
	}
	// A metadata call still does.
	if code := do(http.MethodGet, "/pools/main"); code != http.StatusOK {
		t.Errorf("stat status = %d; want 200", code)
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerMinute: 1, BurstSize: 4})
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/pools/main", nil)
	req.RemoteAddr = "10.1.1.1:12345"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d; want 200", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Limit") == "" {
		t.Error("expected rate limit headers")
	}

	for i := 0; i < 4; i++ {
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, req)
	}
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("exhausted budget status = %d; want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header on limited response")
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{
			name:       "remote addr only",
			remoteAddr: "192.168.1.10:4567",
			want:       "192.168.1.10",
		},
		{
			name:       "x-forwarded-for",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.5, 10.0.0.1"},
			want:       "203.0.113.5",
		},
		{
			name:       "invalid forwarded falls through",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": "not-an-ip"},
			want:       "10.0.0.1",
		},
		{
			name:       "x-real-ip",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Real-IP": "198.51.100.7"},
			want:       "198.51.100.7",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := getClientIP(req); got != tt.want {
				t.Errorf("getClientIP() = %q; want %q", got, tt.want)
			}
		})
	}
}
