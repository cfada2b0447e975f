// Package middleware contains HTTP middleware for the controller API.
package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"shotplane/pkg/api"

	"golang.org/x/time/rate"
)

// RateLimiter limits requests per client address.
type RateLimiter struct {
	limit limitFunc
	ttl   time.Duration
	now   func() time.Time

	limiters sync.Map // client key -> *cachedLimiter
}

type limitFunc func(r *http.Request) (rate.Limit, int)

// Option configures a RateLimiter.
type Option func(*RateLimiter)

// WithTTL sets how long an idle client limiter is kept.
func WithTTL(ttl time.Duration) Option {
	return func(l *RateLimiter) { l.ttl = ttl }
}

// WithLimit sets requests per second and burst for every client.
// A zero rate disables limiting.
func WithLimit(perSecond float64, burst int) Option {
	return func(l *RateLimiter) {
		l.limit = func(*http.Request) (rate.Limit, int) { return rate.Limit(perSecond), burst }
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *RateLimiter) { l.now = now }
}

// NewRateLimiter creates a limiter. Without WithLimit every request passes.
func NewRateLimiter(opts ...Option) *RateLimiter {
	l := &RateLimiter{
		limit: func(*http.Request) (rate.Limit, int) { return 0, 0 },
		ttl:   5 * time.Minute,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Middleware returns the HTTP middleware.
func (l *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			limit, burst := l.limit(r)
			// 0 means unlimited
			if limit > 0 {
				limiter := l.get(ClientKey(r), limit, burst)
				if !limiter.AllowN(l.now(), 1) {
					w.Header().Set("Content-Type", "application/json")
					w.Header().Set("Retry-After", "1")
					w.WriteHeader(http.StatusTooManyRequests)
					json.NewEncoder(w).Encode(api.ErrorResponse{
						Error: "Too Many Requests",
						Code:  strconv.Itoa(http.StatusTooManyRequests),
					})
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

type cachedLimiter struct {
	limiter   *rate.Limiter
	expiresAt time.Time
}

func (l *RateLimiter) get(key string, limit rate.Limit, burst int) *rate.Limiter {
	now := l.now()
	if v, ok := l.limiters.Load(key); ok {
		cached := v.(*cachedLimiter)
		if now.Before(cached.expiresAt) {
			return cached.limiter
		}
		// expired, need to create new
	}

	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(limit, burst)
	l.limiters.Store(key, &cachedLimiter{
		limiter:   limiter,
		expiresAt: now.Add(l.ttl),
	})
	return limiter
}

// ClientKey identifies the caller: the first X-Forwarded-For hop when set,
// otherwise the remote host.
func ClientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
