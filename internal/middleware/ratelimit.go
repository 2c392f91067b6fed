package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/darkden-lab/notifyd/internal/httputil"
)

const (
	limiterSweepInterval = time.Minute
	limiterIdleTTL       = 3 * time.Minute
)

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiterStore manages per-IP rate limiters with periodic eviction.
type rateLimiterStore struct {
	mu       sync.Mutex
	limiters map[string]*ipLimiter
	rps      float64
	burst    int
}

func newRateLimiterStore(ctx context.Context, rps float64, burst int) *rateLimiterStore {
	s := &rateLimiterStore{
		limiters: make(map[string]*ipLimiter),
		rps:      rps,
		burst:    burst,
	}
	go s.cleanup(ctx)
	return s
}

func (s *rateLimiterStore) allow(ip string, now time.Time) bool {
	s.mu.Lock()
	entry, ok := s.limiters[ip]
	if !ok {
		entry = &ipLimiter{limiter: rate.NewLimiter(rate.Limit(s.rps), s.burst)}
		s.limiters[ip] = entry
	}
	entry.lastSeen = now
	s.mu.Unlock()
	return entry.limiter.AllowN(now, 1)
}

func (s *rateLimiterStore) evict(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ip, entry := range s.limiters {
		if now.Sub(entry.lastSeen) > limiterIdleTTL {
			delete(s.limiters, ip)
		}
	}
}

func (s *rateLimiterStore) cleanup(ctx context.Context) {
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			s.evict(now)
		case <-ctx.Done():
			return
		}
	}
}

// clientIP extracts the client IP address from the request, checking
// X-Forwarded-For first, then falling back to RemoteAddr.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.IndexByte(xff, ','); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// RateLimitMiddleware enforces a per-IP token bucket. The eviction goroutine
// stops when ctx is cancelled.
func RateLimitMiddleware(ctx context.Context, rps float64, burst int) mux.MiddlewareFunc {
	store := newRateLimiterStore(ctx, rps, burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !store.allow(clientIP(r), time.Now()) {
				httputil.WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
