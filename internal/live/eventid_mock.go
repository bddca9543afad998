package live

import (
	"context"
	"sync"
)

// MemoryEventIDStore is an in-memory EventIDStore.
type MemoryEventIDStore struct {
	mu  sync.Mutex
	ids map[string]string
}

func NewMemoryEventIDStore() *MemoryEventIDStore {
	return &MemoryEventIDStore{ids: make(map[string]string)}
}

func (m *MemoryEventIDStore) LoadEventID(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ids[key], nil
}

func (m *MemoryEventIDStore) SaveEventID(_ context.Context, key, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids[key] = id
	return nil
}

func (m *MemoryEventIDStore) DeleteEventID(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.ids, key)
	return nil
}
