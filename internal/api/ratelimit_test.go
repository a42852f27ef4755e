package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func newTestLimiter(rps float64, burst int) *visitorLimiter {
	return &visitorLimiter{
		visitors: map[string]*visitor{},
		rps:      rate.Limit(rps),
		burst:    burst,
		ttl:      time.Minute,
	}
}

func TestVisitorLimiterBurst(t *testing.T) {
	t.Parallel()
	l := newTestLimiter(1, 2)

	if !l.admit("10.0.0.1") || !l.admit("10.0.0.1") {
		t.Fatal("requests within the burst were rejected")
	}
	if l.admit("10.0.0.1") {
		t.Error("third request in the same instant should exceed the burst")
	}
	if !l.admit("10.0.0.2") {
		t.Error("a different client must not share the exhausted bucket")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	t.Parallel()
	s := &Server{limiter: newTestLimiter(1, 1)}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := s.rateLimit(next)

	do := func(path string) int {
		req := httptest.NewRequest("GET", path, nil)
		req.RemoteAddr = "192.0.2.1:4567"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := do("/leaderboard"); code != http.StatusOK {
		t.Fatalf("first request: got %d", code)
	}
	if code := do("/leaderboard"); code != http.StatusTooManyRequests {
		t.Errorf("second request: got %d, want 429", code)
	}
	// Health and metrics bypass the limiter even with the bucket drained.
	if code := do("/health"); code != http.StatusOK {
		t.Errorf("/health was limited: got %d", code)
	}
	if code := do("/metrics"); code != http.StatusOK {
		t.Errorf("/metrics was limited: got %d", code)
	}
}

func TestRateLimitDisabled(t *testing.T) {
	t.Parallel()
	s := &Server{limiter: &visitorLimiter{visitors: map[string]*visitor{}}}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := s.rateLimit(next)

	for i := 0; i < 50; i++ {
		req := httptest.NewRequest("GET", "/leaderboard", nil)
		req.RemoteAddr = "192.0.2.1:4567"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d rejected with rps=0: got %d", i, rec.Code)
		}
	}
}

func TestClientIP(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		xff    string
		realIP string
		remote string
		want   string
	}{
		{"forwarded chain takes the first hop", "203.0.113.9, 10.0.0.1", "", "10.0.0.2:80", "203.0.113.9"},
		{"x-real-ip fallback", "", "198.51.100.4", "10.0.0.2:80", "198.51.100.4"},
		{"remote addr fallback", "", "", "192.0.2.7:51234", "192.0.2.7"},
		{"remote addr without port", "", "", "192.0.2.7", "192.0.2.7"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tc.remote
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			if tc.realIP != "" {
				req.Header.Set("X-Real-IP", tc.realIP)
			}
			if got := clientIP(req); got != tc.want {
				t.Errorf("clientIP() = %q, want %q", got, tc.want)
			}
		})
	}
}
