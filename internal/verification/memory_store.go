package verification

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	session  Session
	deadline time.Time
}

// MemoryStore is a single-process Store for tests and local runs.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[Key]memoryEntry
	now     func() time.Time
}

// NewMemoryStore returns an empty store using the wall clock for TTLs.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[Key]memoryEntry{}, now: time.Now}
}

// WithClock replaces the clock used to evict entries.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

func (m *MemoryStore) Put(_ context.Context, s Session, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[s.Key()] = memoryEntry{session: s, deadline: m.now().Add(ttl)}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key Key) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookupLocked(key)
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return e.session, nil
}

func (m *MemoryStore) Consume(_ context.Context, key Key) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lookupLocked(key); !ok {
		return false, nil
	}
	delete(m.entries, key)
	return true, nil
}

func (m *MemoryStore) Replace(_ context.Context, s Session, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookupLocked(s.Key())
	if !ok || !e.session.CreatedAt.Equal(s.CreatedAt) {
		return false, nil
	}
	m.entries[s.Key()] = memoryEntry{session: s, deadline: m.now().Add(ttl)}
	return true, nil
}

func (m *MemoryStore) Restore(_ context.Context, s Session, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lookupLocked(s.Key()); ok {
		return false, nil
	}
	m.entries[s.Key()] = memoryEntry{session: s, deadline: m.now().Add(ttl)}
	return true, nil
}

// Len counts live entries.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.entries {
		if _, ok := m.lookupLocked(k); ok {
			n++
		}
	}
	return n
}

func (m *MemoryStore) lookupLocked(key Key) (memoryEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if m.now().After(e.deadline) {
		delete(m.entries, key)
		return memoryEntry{}, false
	}
	return e, true
}
