package cache

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	value   string
	count   int
	expires time.Time
}

// Memory is an in-process Store for single-instance deployments and tests.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memEntry
	Now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{entries: map[string]memEntry{}, Now: time.Now}
}

func (m *Memory) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// live returns the entry for key, dropping it when expired. Callers hold mu.
func (m *Memory) live(key string) (memEntry, bool) {
	e, ok := m.entries[key]
	if ok && !m.now().Before(e.expires) {
		delete(m.entries, key)
		return memEntry{}, false
	}
	return e, ok
}

func (m *Memory) Allow(_ context.Context, key string, max int, window time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok {
		e = memEntry{expires: m.now().Add(window)}
	}
	e.count++
	m.entries[key] = e
	return e.count <= max, nil
}

func (m *Memory) Put(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memEntry{value: value, expires: m.now().Add(ttl)}
	return nil
}

func (m *Memory) Take(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok {
		return "", ErrStateNotFound
	}
	delete(m.entries, key)
	return e.value, nil
}

func (m *Memory) Close() error { return nil }
