package gbfs

import "fmt"

// Sizes of the per-chunk encryption envelope.
const (
	KeySize       = 32
	IVSize        = 12
	TagSize       = 16
	ChunkOverhead = IVSize + TagSize
)

// Key is an imported symmetric key. It is only usable with the Cipher
// that produced it.
type Key interface {
	CipherName() string
}

// Cipher is the crypto engine: per-file key management and per-chunk
// authenticated encryption.
type Cipher interface {
	// Name identifies the algorithm; it is recorded in manifests.
	Name() string

	// GenerateKey draws a fresh 256-bit key from a secure source.
	GenerateKey() (Key, error)

	// ExportKey returns the raw 32 key bytes.
	ExportKey(k Key) ([]byte, error)

	// ImportKey rebuilds a key from raw bytes.
	ImportKey(raw []byte) (Key, error)

	// Encrypt seals plaintext under a fresh random 12-byte IV.
	// The ciphertext carries a 16-byte tag.
	Encrypt(k Key, plaintext []byte) (iv, ciphertext []byte, err error)

	// Decrypt opens ciphertext. Any tag mismatch or malformed input fails
	// with ErrAuthentication and returns no plaintext.
	Decrypt(k Key, iv, ciphertext []byte) ([]byte, error)
}

// CipherLookup resolves the cipher named in a manifest.
type CipherLookup func(name string) (Cipher, error)

// KeyWrapper protects exported per-file keys before they are stored in a
// manifest. Without a wrapper, keys are stored as plain hex.
type KeyWrapper interface {
	// Scheme names the wrapping; it is recorded in manifests.
	Scheme() string

	// Wrap protects raw key bytes.
	Wrap(raw []byte) (string, error)

	// Unwrap recovers raw key bytes. Wrappers that hold their secret
	// behind a passphrase fail with ErrNotInitialized until unlocked.
	Unwrap(wrapped string) ([]byte, error)
}

// packChunk builds a chunk payload: iv ‖ ciphertext+tag.
func packChunk(iv, ciphertext []byte) []byte {
	out := make([]byte, 0, len(iv)+len(ciphertext))
	out = append(out, iv...)
	return append(out, ciphertext...)
}

// unpackChunk splits a chunk payload into iv and ciphertext.
func unpackChunk(payload []byte) (iv, ciphertext []byte, err error) {
	if len(payload) < ChunkOverhead {
		return nil, nil, fmt.Errorf("%w: chunk payload of %d bytes is shorter than iv and tag", ErrAuthentication, len(payload))
	}
	return payload[:IVSize:IVSize], payload[IVSize:], nil
}
