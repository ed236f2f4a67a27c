package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// StatusStore keeps the last reported status per client identifier.
// Implementations must make Put and Get atomic per key.
type StatusStore interface {
	Put(ctx context.Context, id string, status json.RawMessage) error
	Get(ctx context.Context, id string) (json.RawMessage, bool, error)
}

type statusEntry struct {
	status    json.RawMessage
	updatedAt time.Time
}

// MemoryStore is the default in-process StatusStore. A zero ttl keeps
// entries until overwritten.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]statusEntry
	ttl     time.Duration
	now     func() time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{entries: make(map[string]statusEntry), ttl: ttl, now: time.Now}
}

func (m *MemoryStore) Put(_ context.Context, id string, status json.RawMessage) error {
	cp := append(json.RawMessage(nil), status...)
	m.mu.Lock()
	m.entries[id] = statusEntry{status: cp, updatedAt: m.now()}
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (json.RawMessage, bool, error) {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok || m.expired(e, m.now()) {
		return nil, false, nil
	}
	return e.status, true, nil
}

// Sweep drops expired entries and returns how many were removed.
func (m *MemoryStore) Sweep(now time.Time) int {
	if m.ttl <= 0 {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, e := range m.entries {
		if m.expired(e, now) {
			delete(m.entries, id)
			n++
		}
	}
	return n
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *MemoryStore) expired(e statusEntry, now time.Time) bool {
	return m.ttl > 0 && now.Sub(e.updatedAt) > m.ttl
}
