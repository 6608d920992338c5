package testutil

import (
	"testing"

	"gbfs-go/internal/encryption"
	"gbfs-go/internal/gbfs"
)

// NewTestService creates a Service over store with AES-256-GCM, a stub
// clock and sequential upload ids, and returns the clock so tests can
// order uploads. Zero-valued opts select the defaults.
func NewTestService(t *testing.T, store gbfs.EntityStore, opts gbfs.Options) (*gbfs.Service, *StubClock) {
	t.Helper()

	if opts.Ciphers == nil {
		opts.Ciphers = encryption.LookupCipher
	}
	clock := FixedClock()
	svc, err := gbfs.NewService(store, encryption.NewAESGCM(), opts, nil, clock, NewStubIDGenerator())
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	return svc, clock
}
