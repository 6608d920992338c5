package encryption

import (
	"encoding/hex"
	"fmt"
	"strings"

	"gbfs-go/internal/gbfs"
)

// TestScheme is the key wrap scheme recorded by TestKeyWrapper.
const TestScheme = "test"

// testPrefix marks keys wrapped by TestKeyWrapper so wrapped output is
// clearly different from the plain hex form.
const testPrefix = "GBFSWRAP:"

// TestKeyWrapper is a simple, deterministic key wrapper for testing. It
// hex-encodes the key behind a fixed prefix and requires no key files.
// Locked wrappers fail Unwrap the way a locked age identity does.
type TestKeyWrapper struct {
	locked bool
}

var _ gbfs.KeyWrapper = (*TestKeyWrapper)(nil)

// NewTestKeyWrapper creates a new, unlocked TestKeyWrapper.
func NewTestKeyWrapper() *TestKeyWrapper {
	return &TestKeyWrapper{}
}

// Lock makes subsequent Unwrap calls fail with gbfs.ErrNotInitialized.
func (w *TestKeyWrapper) Lock() { w.locked = true }

func (w *TestKeyWrapper) Scheme() string { return TestScheme }

func (w *TestKeyWrapper) Wrap(raw []byte) (string, error) {
	return testPrefix + hex.EncodeToString(raw), nil
}

func (w *TestKeyWrapper) Unwrap(wrapped string) ([]byte, error) {
	if w.locked {
		return nil, fmt.Errorf("%w: test wrapper is locked", gbfs.ErrNotInitialized)
	}
	rest, ok := strings.CutPrefix(wrapped, testPrefix)
	if !ok {
		return nil, fmt.Errorf("%w: invalid test wrap header", gbfs.ErrAuthentication)
	}
	raw, err := hex.DecodeString(rest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gbfs.ErrAuthentication, err)
	}
	return raw, nil
}
