package cache

import (
	"context"
	"sync"
	"time"
)

// memorySampleStore is the in-process SampleStore used by tests and as a
// fallback when Redis is unavailable. Not shared across instances.
type memorySampleStore struct {
	mu      sync.Mutex
	windows map[string][]bool
}

// NewMemorySampleStore creates a process-local sample store.
func NewMemorySampleStore() SampleStore {
	return &memorySampleStore{windows: make(map[string][]bool)}
}

func (s *memorySampleStore) Push(_ context.Context, providerID string, success bool, size int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	window := append([]bool{success}, s.windows[providerID]...)
	if len(window) > size {
		window = window[:size]
	}
	s.windows[providerID] = window
	return nil
}

func (s *memorySampleStore) Window(_ context.Context, providerID string, size int) ([]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	window := s.windows[providerID]
	if len(window) > size {
		window = window[:size]
	}
	out := make([]bool, len(window))
	copy(out, window)
	return out, nil
}

func (s *memorySampleStore) Reset(_ context.Context, providerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.windows, providerID)
	return nil
}

// memorySlidingWindow is the in-process SlidingWindow counterpart.
type memorySlidingWindow struct {
	mu     sync.Mutex
	events map[string][]time.Time
}

// NewMemorySlidingWindow creates a process-local sliding window counter.
func NewMemorySlidingWindow() SlidingWindow {
	return &memorySlidingWindow{events: make(map[string][]time.Time)}
}

func (w *memorySlidingWindow) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	kept := w.prune(key, now.Add(-window))
	if len(kept) >= limit {
		return false, nil
	}

	w.events[key] = append(kept, now)
	return true, nil
}

func (w *memorySlidingWindow) Count(_ context.Context, key string, window time.Duration) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.prune(key, time.Now().Add(-window))), nil
}

func (w *memorySlidingWindow) Reset(_ context.Context, key string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.events, key)
	return nil
}

func (w *memorySlidingWindow) prune(key string, cutoff time.Time) []time.Time {
	kept := w.events[key][:0:0]
	for _, t := range w.events[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.events[key] = kept
	return kept
}
