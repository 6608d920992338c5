package entitystore

import (
	"context"
	"sync"

	"gbfs-go/internal/gbfs"
)

// MemoryStore is an in-memory implementation of gbfs.EntityStore.
// It is useful for testing. TTLs are accepted but never enforced.
// This implementation is safe for concurrent use.
type MemoryStore struct {
	mu       sync.RWMutex
	entities map[string]gbfs.Entity
}

var _ gbfs.EntityStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entities: make(map[string]gbfs.Entity)}
}

func (m *MemoryStore) CreateEntities(ctx context.Context, creates []gbfs.EntityCreate) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateCreates(creates); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, len(creates))
	for i, c := range creates {
		key := newKey()
		m.entities[key] = gbfs.CloneEntity(gbfs.Entity{Key: key, Payload: c.Payload, Tags: c.Tags})
		keys[i] = key
	}
	return keys, nil
}

func (m *MemoryStore) QueryEntities(ctx context.Context, filter gbfs.Filter) ([]gbfs.Entity, error) {
	if err := beginQuery(ctx, filter); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []gbfs.Entity
	for _, e := range m.entities {
		if filter.Matches(e.Tags) {
			out = append(out, gbfs.CloneEntity(e))
		}
	}
	return out, nil
}

func (m *MemoryStore) DeleteEntities(ctx context.Context, keys []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, k := range keys {
		delete(m.entities, k)
	}
	return nil
}

// Len returns the number of stored records.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entities)
}

// Put stores e under its own key, replacing any record with that key.
// Tests use it to plant records the service would never write.
func (m *MemoryStore) Put(e gbfs.Entity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entities[e.Key] = gbfs.CloneEntity(e)
}

func (m *MemoryStore) Close() error { return nil }
