// Package ratelimit gates outbound calls to the external trade API against
// its per-key quota. The admitted-request count lives in a shared store so
// every process instance draws from one global window.
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/skinvault-gg/skinvault/internal/metrics"
)

// Store is the shared counter backend. Incr must be atomic
// increment-and-read: concurrent callers across processes may never
// under-count a bucket.
type Store interface {
	// Incr adds one to the bucket key and returns the new count. The key
	// should expire after ttl so stale buckets age out on their own.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Ready reports whether the store is reachable.
	Ready(ctx context.Context) bool
}

// SharedLimiter is a fixed-window limiter over a Store.
type SharedLimiter struct {
	store  Store
	max    int64
	window time.Duration
	prefix string

	now func() time.Time // stubbed in tests
}

// New creates a limiter admitting max requests per window.
func New(store Store, max int, window time.Duration) *SharedLimiter {
	return &SharedLimiter{
		store:  store,
		max:    int64(max),
		window: window,
		prefix: "ratelimit:steam",
		now:    time.Now,
	}
}

// WaitForSlot blocks until the caller may make one request against the
// external API. Within the current window's budget it returns immediately;
// over budget it sleeps until the next window boundary and then proceeds.
// It does not re-check after the sleep: the dispatch queue serializes
// callers, so the fresh window is ours by construction.
//
// If the store is unreachable the limiter fails open: it logs a warning and
// admits the request rather than stalling dispatches on a store outage.
func (l *SharedLimiter) WaitForSlot(ctx context.Context) error {
	now := l.now()
	bucket := now.UnixMilli() / l.window.Milliseconds()

	if !l.store.Ready(ctx) {
		log.Printf("[ratelimit] store not ready, failing open")
		return nil
	}

	key := fmt.Sprintf("%s:%d", l.prefix, bucket)
	count, err := l.store.Incr(ctx, key, 2*l.window)
	if err != nil {
		log.Printf("[ratelimit] increment failed, failing open: %v", err)
		return nil
	}
	if count <= l.max {
		return nil
	}

	boundary := time.UnixMilli((bucket + 1) * l.window.Milliseconds())
	wait := boundary.Sub(now)
	metrics.RateLimitWaits.Inc()
	log.Printf("[ratelimit] window exhausted (%d/%d), sleeping %s", count, l.max, wait)

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
