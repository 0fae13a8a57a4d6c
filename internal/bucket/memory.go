package bucket

import (
	"context"
	"sync"
	"time"
)

// window holds one fixed-window counter.
type window struct {
	consumed  int64
	startedAt time.Time
}

// MemoryStore is an in-process Store. Expired windows are reset lazily on
// access; a background goroutine additionally sweeps the map so identities
// that go quiet do not leak entries.
type MemoryStore struct {
	capacity       int64
	windowDuration time.Duration
	sweepInterval  time.Duration

	mu      sync.Mutex
	windows map[Key]*window
	done    chan struct{}
	closed  bool

	// now allows tests to control the clock.
	now func() time.Time
}

// NewMemoryStore creates a store enforcing capacity points per windowDuration.
// It starts a background goroutine that evicts expired windows every
// sweepInterval.
func NewMemoryStore(capacity int64, windowDuration, sweepInterval time.Duration) *MemoryStore {
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	m := &MemoryStore{
		capacity:       capacity,
		windowDuration: windowDuration,
		sweepInterval:  sweepInterval,
		windows:        make(map[Key]*window),
		done:           make(chan struct{}),
		now:            time.Now,
	}
	go m.sweep()
	return m
}

// SetClock overrides the store's time source. Used by tests that need to
// advance windows without sleeping.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryStore) Consume(ctx context.Context, key Key, points int64) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	w, exists := m.windows[key]
	if !exists || !now.Before(w.startedAt.Add(m.windowDuration)) {
		w = &window{startedAt: now}
		m.windows[key] = w
	}

	// The charge is recorded before the capacity check so that rejected
	// attempts still count against the window.
	w.consumed += points
	result := m.resultLocked(w, now)

	if w.consumed > m.capacity {
		return result, &LimitExceededError{Result: result}
	}
	return result, nil
}

func (m *MemoryStore) Peek(ctx context.Context, key Key) (Result, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	w, exists := m.windows[key]
	if !exists || !now.Before(w.startedAt.Add(m.windowDuration)) {
		return Result{}, false, nil
	}
	return m.resultLocked(w, now), true, nil
}

func (m *MemoryStore) Delete(ctx context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.windows, key)
	return nil
}

// Close stops the background sweeper. Safe to call more than once.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	return nil
}

func (m *MemoryStore) resultLocked(w *window, now time.Time) Result {
	resetAt := w.startedAt.Add(m.windowDuration)
	remaining := m.capacity - w.consumed
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		ConsumedPoints:  w.consumed,
		RemainingPoints: remaining,
		RetryAfter:      resetAt.Sub(now),
		ResetAt:         resetAt,
	}
}

func (m *MemoryStore) sweep() {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictExpired()
		}
	}
}

func (m *MemoryStore) evictExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for key, w := range m.windows {
		if !now.Before(w.startedAt.Add(m.windowDuration)) {
			delete(m.windows, key)
		}
	}
}
