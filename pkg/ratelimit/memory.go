package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	start time.Time
	count int
	size  time.Duration
}

func (w *window) expired(now time.Time) bool {
	return !now.Before(w.start.Add(w.size))
}

// MemoryStore keeps windows in process memory. Suitable for a single instance.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*window
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*window)}
}

func (s *MemoryStore) Take(_ context.Context, key string, limit Limit, now time.Time) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || w.expired(now) {
		w = &window{start: now, size: limit.Window}
		s.windows[key] = w
	}
	if w.count < limit.Max {
		w.count++
		return Decision{Allowed: true, Remaining: limit.Max - w.count}, nil
	}
	return Decision{Allowed: false, RetryAfter: w.start.Add(w.size).Sub(now)}, nil
}

func (s *MemoryStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.windows, key)
	return nil
}

func (s *MemoryStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows = make(map[string]*window)
	return nil
}

func (s *MemoryStore) Cleanup(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for k, w := range s.windows {
		if w.expired(now) {
			delete(s.windows, k)
			purged++
		}
	}
	return purged, nil
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}
