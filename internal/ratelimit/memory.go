package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local Store. Counters expire lazily on access;
// EvictExpired exists for deployments with very large key cardinality.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	consumed int
	resetAt  time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*window)}
}

// Consume implements Store.
func (s *MemoryStore) Consume(_ context.Context, key string, points int, dur time.Duration) (int, time.Duration, bool, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || !w.resetAt.After(now) {
		w = &window{resetAt: now.Add(dur)}
		s.windows[key] = w
		w.consumed = points
		return w.consumed, dur, true, nil
	}
	w.consumed += points
	return w.consumed, w.resetAt.Sub(now), false, nil
}

// Reset implements Store.
func (s *MemoryStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.windows, key)
	s.mu.Unlock()
	return nil
}

// EvictExpired removes windows that have already reset and returns how many
// were dropped.
func (s *MemoryStore) EvictExpired() int {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for k, w := range s.windows {
		if !w.resetAt.After(now) {
			delete(s.windows, k)
			evicted++
		}
	}
	return evicted
}
