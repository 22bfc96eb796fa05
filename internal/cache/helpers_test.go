package cache

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

type evictionEvent struct {
	key    string
	value  any
	reason EvictionReason
	state  any
}

type recorder struct {
	mu     sync.Mutex
	events []evictionEvent
}

func (r *recorder) fn(key string, value any, reason EvictionReason, state any) error {
	r.mu.Lock()
	r.events = append(r.events, evictionEvent{key: key, value: value, reason: reason, state: state})
	r.mu.Unlock()
	return nil
}

func (r *recorder) snapshot() []evictionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]evictionEvent(nil), r.events...)
}

// waitFor polls until at least n callbacks were recorded. Dispatch is
// asynchronous, so use a deadline to avoid flakes.
func (r *recorder) waitFor(t *testing.T, n int) []evictionEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ev := r.snapshot(); len(ev) >= n {
			return ev
		}
		time.Sleep(2 * time.Millisecond)
	}
	ev := r.snapshot()
	t.Fatalf("expected %d eviction callbacks, got %d: %+v", n, len(ev), ev)
	return nil
}

func newTestCache[V any](t *testing.T, clock *fakeClock, cfg Config) *Cache[V] {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = t.Name()
	}
	if clock != nil {
		cfg.Now = clock.Now
	}
	c := New[V](cfg)
	t.Cleanup(func() { _ = c.Close() })
	return c
}
