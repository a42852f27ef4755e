package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"dropletindex/internal/config"
)

// Per-client limiting for the public read endpoints. Health probes and
// metric scrapes bypass it; admin routes sit behind it like everything
// else.

type visitor struct {
	lim  *rate.Limiter
	seen time.Time
}

type visitorLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	sweepAt  time.Time

	rps   rate.Limit
	burst int
	ttl   time.Duration
}

func newVisitorLimiter() *visitorLimiter {
	return &visitorLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(config.GetEnvInt("API_RATE_LIMIT_RPS", 10)),
		burst:    config.GetEnvInt("API_RATE_LIMIT_BURST", 20),
		ttl:      config.GetEnvDuration("API_RATE_LIMIT_TTL", 15*time.Minute),
	}
}

// admit charges one request against ip's bucket. Idle visitors are swept
// at most once a minute so the map stays bounded.
func (l *visitorLimiter) admit(ip string) bool {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.After(l.sweepAt) {
		for k, v := range l.visitors {
			if now.Sub(v.seen) > l.ttl {
				delete(l.visitors, k)
			}
		}
		l.sweepAt = now.Add(time.Minute)
	}

	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{lim: rate.NewLimiter(l.rps, l.burst)}
		l.visitors[ip] = v
	}
	v.seen = now
	return v.lim.Allow()
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	if s.limiter == nil || s.limiter.rps <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		ip := clientIP(r)
		if ip == "" {
			ip = "unknown"
		}
		if !s.limiter.admit(ip) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"too many requests"}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// clientIP resolves the caller behind the fronting proxy.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0]); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr)); err == nil && host != "" {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}
