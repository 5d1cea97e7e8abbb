package feedback

import (
	"strings"
	"sync"
)

// Store is the small key-value contract behind the learning tables.
// Updates are append/merge operations safe under concurrent incident
// processing; bounded-window eviction happens inside the stored values.
// The interface exists so the tables can be backed by memory or a real
// store without changing the learning algorithms.
type Store interface {
	// Get returns the value for key, if present.
	Get(key string) (any, bool)

	// Upsert inserts or replaces the value for key.
	Upsert(key string, value any)

	// List returns a snapshot of all entries whose key has the prefix.
	List(prefix string) map[string]any

	// Delete removes a key.
	Delete(key string)
}

// MemoryStore is the default in-memory Store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]any
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]any)}
}

func (m *MemoryStore) Get(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.entries[key]
	return v, ok
}

func (m *MemoryStore) Upsert(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = value
}

func (m *MemoryStore) List(prefix string) map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]any)
	for k, v := range m.entries {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out
}

func (m *MemoryStore) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

var _ Store = (*MemoryStore)(nil)
