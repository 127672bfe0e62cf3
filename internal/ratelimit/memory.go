package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for single-instance deployments and
// tests. Counters expire lazily on access.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*memoryBucket
}

type memoryBucket struct {
	count   int64
	expires time.Time
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]*memoryBucket)}
}

// Incr implements Store.
func (s *MemoryStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	if !ok || now.After(b.expires) {
		b = &memoryBucket{expires: now.Add(ttl)}
		s.buckets[key] = b
	}
	b.count++

	// Drop aged-out buckets while we hold the lock.
	for k, old := range s.buckets {
		if now.After(old.expires) {
			delete(s.buckets, k)
		}
	}
	return b.count, nil
}

// Ready implements Store. The in-process store is always reachable.
func (s *MemoryStore) Ready(context.Context) bool { return true }
