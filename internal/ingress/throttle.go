// Package ingress protects the HTTP submission endpoint with a per-client
// token bucket, adapted from the TokenBucketLimiter in
// control_plane/scheduler/limiter.go. It is deliberately separate from the
// coordinator's own per-service sliding-window admission: this layer
// throttles the HTTP surface before a request ever becomes a work unit.
package ingress

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// Throttle rate-limits incoming requests by an arbitrary key (typically the
// client IP or an API key header).
type Throttle struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	burst    int
}

// NewThrottle builds a throttle allowing r requests/second per key, with
// burst allowed above that steady rate.
func NewThrottle(r float64, burst int) *Throttle {
	return &Throttle{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(r),
		burst:    burst,
	}
}

func (t *Throttle) limiterFor(key string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limiters[key]
	if !ok {
		l = rate.NewLimiter(t.r, t.burst)
		t.limiters[key] = l
	}
	return l
}

// Allow reports whether a request keyed by key may proceed right now.
func (t *Throttle) Allow(key string) bool {
	return t.limiterFor(key).Allow()
}

// Middleware wraps an http.Handler, rejecting requests over the limit with
// 429 Too Many Requests. keyFunc extracts the rate-limit key from the
// request (e.g. r.RemoteAddr or an API key header).
func (t *Throttle) Middleware(keyFunc func(*http.Request) string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !t.Allow(keyFunc(r)) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
