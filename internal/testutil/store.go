package testutil

import (
	"context"
	"errors"
	"slices"
	"sync"

	"gbfs-go/internal/entitystore"
	"gbfs-go/internal/gbfs"
)

// ErrInjected is returned by FaultyStore hooks that want a generic failure.
var ErrInjected = errors.New("injected store failure")

// NewTestStore creates an empty in-memory entity store.
func NewTestStore() *entitystore.MemoryStore {
	return entitystore.NewMemoryStore()
}

// FaultyStore wraps an EntityStore and lets tests fail individual calls.
// Hooks run before the call is delegated; a non-nil error is returned
// without touching the wrapped store. Safe for concurrent use.
type FaultyStore struct {
	gbfs.EntityStore

	// CreateHook sees the 1-based number of the CreateEntities call.
	CreateHook func(call int, creates []gbfs.EntityCreate) error
	QueryHook  func(filter gbfs.Filter) error
	DeleteHook func(keys []string) error

	mu      sync.Mutex
	creates int
	deleted [][]string
}

// NewFaultyStore wraps store with no hooks set.
func NewFaultyStore(store gbfs.EntityStore) *FaultyStore {
	return &FaultyStore{EntityStore: store}
}

// FailCreateAt makes the n-th CreateEntities call fail.
func FailCreateAt(n int) func(int, []gbfs.EntityCreate) error {
	return func(call int, _ []gbfs.EntityCreate) error {
		if call == n {
			return ErrInjected
		}
		return nil
	}
}

// FailCreateOfType makes every CreateEntities call fail whose first record
// has the given type tag.
func FailCreateOfType(recordType string) func(int, []gbfs.EntityCreate) error {
	return func(_ int, creates []gbfs.EntityCreate) error {
		if len(creates) > 0 && creates[0].Tags[gbfs.TagType] == recordType {
			return ErrInjected
		}
		return nil
	}
}

func (f *FaultyStore) CreateEntities(ctx context.Context, creates []gbfs.EntityCreate) ([]string, error) {
	f.mu.Lock()
	f.creates++
	call := f.creates
	hook := f.CreateHook
	f.mu.Unlock()

	if hook != nil {
		if err := hook(call, creates); err != nil {
			return nil, err
		}
	}
	return f.EntityStore.CreateEntities(ctx, creates)
}

func (f *FaultyStore) QueryEntities(ctx context.Context, filter gbfs.Filter) ([]gbfs.Entity, error) {
	if f.QueryHook != nil {
		if err := f.QueryHook(filter); err != nil {
			return nil, err
		}
	}
	return f.EntityStore.QueryEntities(ctx, filter)
}

func (f *FaultyStore) DeleteEntities(ctx context.Context, keys []string) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, slices.Clone(keys))
	f.mu.Unlock()

	if f.DeleteHook != nil {
		if err := f.DeleteHook(keys); err != nil {
			return err
		}
	}
	return f.EntityStore.DeleteEntities(ctx, keys)
}

// CreateCalls returns how many CreateEntities calls were made.
func (f *FaultyStore) CreateCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

// DeleteCalls returns the keys passed to each DeleteEntities call.
func (f *FaultyStore) DeleteCalls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.deleted)
}
