package server

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/skinvault-gg/skinvault/internal/metrics"
)

// rateLimiter throttles the public storefront endpoints per caller IP. It
// protects this service's own surface; the shared limiter in
// internal/ratelimit guards the external platform quota. Same fixed-window
// scheme as that limiter, but counters are per-IP and process-local since
// storefront traffic for one caller lands on one instance.
type rateLimiter struct {
	mu      sync.Mutex
	callers map[string]*callerWindow
	max     int
	window  time.Duration
}

// callerWindow is one IP's request count within its current window.
type callerWindow struct {
	count   int
	started time.Time
}

// newRateLimiter creates a limiter admitting max requests per window for
// each caller IP. Stale windows are swept every minute.
func newRateLimiter(max int, window time.Duration) *rateLimiter {
	rl := &rateLimiter{
		callers: make(map[string]*callerWindow),
		max:     max,
		window:  window,
	}
	go func() {
		for {
			time.Sleep(time.Minute)
			rl.sweep()
		}
	}()
	return rl
}

// limit wraps a handler, rejecting callers over their per-IP budget.
func (rl *rateLimiter) limit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(clientIP(r)) {
			metrics.PublicThrottled.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

// allow admits the request unless the IP exhausted its current window.
func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	c, ok := rl.callers[ip]
	if !ok || now.Sub(c.started) > rl.window {
		rl.callers[ip] = &callerWindow{count: 1, started: now}
		return true
	}
	c.count++
	return c.count <= rl.max
}

// sweep removes callers whose window has expired.
func (rl *rateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := time.Now()
	for ip, c := range rl.callers {
		if now.Sub(c.started) > rl.window {
			delete(rl.callers, ip)
		}
	}
}

// clientIP extracts the caller address, honoring X-Forwarded-For for
// proxied deployments.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}
