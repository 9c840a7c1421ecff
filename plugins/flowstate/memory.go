package flowstate

import (
	"context"
	"sync"
	"time"
)

// MemoryOption configures a MemoryBackend.
type MemoryOption func(*MemoryBackend)

// WithJanitorInterval sets how often expired entries are swept. Zero disables
// the janitor; expired entries are still never returned.
func WithJanitorInterval(d time.Duration) MemoryOption {
	return func(m *MemoryBackend) {
		m.interval = d
	}
}

// WithMemoryClock replaces time.Now.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *MemoryBackend) {
		m.now = now
	}
}

// NewMemoryBackend returns a process-local backend and starts its janitor.
func NewMemoryBackend(opts ...MemoryOption) *MemoryBackend {
	m := &MemoryBackend{
		entries:  map[string]memEntry{},
		now:      time.Now,
		interval: time.Minute,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.interval > 0 {
		go m.janitor()
	}
	return m
}

type memEntry struct {
	state     FlowState
	expiresAt time.Time
}

// MemoryBackend keeps flow states in a map guarded by a RWMutex.
type MemoryBackend struct {
	mu       sync.RWMutex
	entries  map[string]memEntry
	now      func() time.Time
	interval time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

func (m *MemoryBackend) Put(_ context.Context, fs FlowState, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[fs.StateToken] = memEntry{state: fs, expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *MemoryBackend) Get(_ context.Context, token string) (FlowState, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[token]
	if !ok || !m.now().Before(e.expiresAt) {
		return FlowState{}, false, nil
	}
	return e.state, true, nil
}

func (m *MemoryBackend) Delete(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, token)
	return nil
}

// Len returns the number of stored entries, including expired ones the
// janitor has not swept yet.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Sweep removes expired entries and returns how many were removed.
func (m *MemoryBackend) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for token, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, token)
			n++
		}
	}
	return n
}

// Close stops the janitor.
func (m *MemoryBackend) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryBackend) janitor() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-m.done:
			return
		}
	}
}
