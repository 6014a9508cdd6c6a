package server

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"htlcswap/observability"
)

// RateLimit bounds requests per caller.
type RateLimit struct {
	RequestsPerSecond float64
	Burst             int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per authenticated caller, or per client
// address before authentication.
type RateLimiter struct {
	limit    RateLimit
	mu       sync.Mutex
	visitors map[string]*visitor
	now      func() time.Time
	idleTTL  time.Duration
}

// NewRateLimiter returns nil, disabling limiting, when limit is not positive.
func NewRateLimiter(limit RateLimit) *RateLimiter {
	if limit.RequestsPerSecond <= 0 {
		return nil
	}
	if limit.Burst <= 0 {
		limit.Burst = 1
	}
	return &RateLimiter{
		limit:    limit,
		visitors: make(map[string]*visitor),
		now:      time.Now,
		idleTTL:  5 * time.Minute,
	}
}

// Middleware rejects requests above the caller's rate with 429.
func (l *RateLimiter) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if l == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.allow(clientKey(r)) {
				observability.Server().RecordThrottle(route)
				writeJSONError(w, http.StatusTooManyRequests, http.StatusText(http.StatusTooManyRequests), "RateLimited", "retry")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (l *RateLimiter) allow(key string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, v := range l.visitors {
		if now.Sub(v.lastSeen) > l.idleTTL {
			delete(l.visitors, k)
		}
	}
	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(l.limit.RequestsPerSecond), l.limit.Burst)}
		l.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

func clientKey(r *http.Request) string {
	if p, ok := PrincipalFromContext(r.Context()); ok && p.Subject != "" {
		return "sub:" + p.Subject
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return "ip:" + ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}
