// Package storeclient holds the process-wide entity store handle. The
// handle is created once, on first Init, and shared until Close.
package storeclient

import (
	"context"
	"fmt"
	"sync"

	"gbfs-go/internal/gbfs"
)

// Factory opens an entity store.
type Factory func(ctx context.Context) (gbfs.EntityStore, error)

// Client is an initialized store handle.
type Client struct {
	store gbfs.EntityStore
}

// Store returns the underlying entity store.
func (c *Client) Store() gbfs.EntityStore {
	return c.store
}

// Registry guards one lazily created Client. Concurrent Init calls create
// at most one store; a failed Init leaves the registry empty so a later
// call may retry.
type Registry struct {
	mu     sync.Mutex
	client *Client
}

// Init returns the existing client, or creates one with factory. The
// factory runs under the registry lock.
func (r *Registry) Init(ctx context.Context, factory Factory) (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client != nil {
		return r.client, nil
	}
	if factory == nil {
		return nil, fmt.Errorf("%w: no store factory", gbfs.ErrNotInitialized)
	}

	store, err := factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("initializing store client: %w", err)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: store factory returned no store", gbfs.ErrNotInitialized)
	}
	r.client = &Client{store: store}
	return r.client, nil
}

// Get returns the client, or gbfs.ErrNotInitialized before Init.
func (r *Registry) Get() (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client == nil {
		return nil, fmt.Errorf("%w: store client used before Init", gbfs.ErrNotInitialized)
	}
	return r.client, nil
}

// Close releases the client's store. The registry may be initialized
// again afterwards. Closing an uninitialized registry is a no-op.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client == nil {
		return nil
	}
	err := r.client.store.Close()
	r.client = nil
	return err
}

var defaultRegistry Registry

// Init initializes the process-wide client.
func Init(ctx context.Context, factory Factory) (*Client, error) {
	return defaultRegistry.Init(ctx, factory)
}

// Get returns the process-wide client.
func Get() (*Client, error) {
	return defaultRegistry.Get()
}

// Close tears down the process-wide client.
func Close() error {
	return defaultRegistry.Close()
}
