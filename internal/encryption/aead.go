package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"gbfs-go/internal/gbfs"
)

// Cipher names recorded in manifests.
const (
	AES256GCM        = "aes-256-gcm"
	ChaCha20Poly1305 = "chacha20-poly1305"
)

// symmetricKey is a raw 256-bit key bound to the cipher that created it.
type symmetricKey struct {
	cipher string
	raw    []byte
}

func (k *symmetricKey) CipherName() string { return k.cipher }

// AEADCipher implements gbfs.Cipher over a 256-bit AEAD with a 12-byte
// nonce and a 16-byte tag. A fresh AEAD is built from the raw key on every
// call, so one key may be used from many goroutines at once.
type AEADCipher struct {
	name    string
	newAEAD func(key []byte) (cipher.AEAD, error)
}

var _ gbfs.Cipher = (*AEADCipher)(nil)

// NewAESGCM returns the AES-256-GCM cipher.
func NewAESGCM() *AEADCipher {
	return &AEADCipher{name: AES256GCM, newAEAD: newGCM}
}

// NewChaCha20Poly1305 returns the ChaCha20-Poly1305 cipher.
func NewChaCha20Poly1305() *AEADCipher {
	return &AEADCipher{name: ChaCha20Poly1305, newAEAD: chacha20poly1305.New}
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (c *AEADCipher) Name() string { return c.name }

// GenerateKey draws a fresh key from crypto/rand.
func (c *AEADCipher) GenerateKey() (gbfs.Key, error) {
	raw := make([]byte, gbfs.KeySize)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("reading random key: %w", err)
	}
	return &symmetricKey{cipher: c.name, raw: raw}, nil
}

func (c *AEADCipher) ExportKey(k gbfs.Key) ([]byte, error) {
	sk, err := c.key(k)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(sk.raw))
	copy(out, sk.raw)
	return out, nil
}

func (c *AEADCipher) ImportKey(raw []byte) (gbfs.Key, error) {
	if len(raw) != gbfs.KeySize {
		return nil, fmt.Errorf("%w: key is %d bytes, want %d", gbfs.ErrValidation, len(raw), gbfs.KeySize)
	}
	k := &symmetricKey{cipher: c.name, raw: make([]byte, gbfs.KeySize)}
	copy(k.raw, raw)
	return k, nil
}

// Encrypt seals plaintext under a new random IV.
func (c *AEADCipher) Encrypt(k gbfs.Key, plaintext []byte) ([]byte, []byte, error) {
	aead, err := c.aead(k)
	if err != nil {
		return nil, nil, err
	}
	iv := make([]byte, gbfs.IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, fmt.Errorf("reading random iv: %w", err)
	}
	return iv, aead.Seal(nil, iv, plaintext, nil), nil
}

// Decrypt opens ciphertext. Every failure wraps gbfs.ErrAuthentication.
func (c *AEADCipher) Decrypt(k gbfs.Key, iv, ciphertext []byte) ([]byte, error) {
	aead, err := c.aead(k)
	if err != nil {
		return nil, err
	}
	if len(iv) != gbfs.IVSize {
		return nil, fmt.Errorf("%w: iv is %d bytes, want %d", gbfs.ErrAuthentication, len(iv), gbfs.IVSize)
	}
	if len(ciphertext) < gbfs.TagSize {
		return nil, fmt.Errorf("%w: ciphertext of %d bytes is shorter than the tag", gbfs.ErrAuthentication, len(ciphertext))
	}
	pt, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gbfs.ErrAuthentication, err)
	}
	return pt, nil
}

func (c *AEADCipher) key(k gbfs.Key) (*symmetricKey, error) {
	sk, ok := k.(*symmetricKey)
	if !ok || sk == nil {
		return nil, fmt.Errorf("%w: key of type %T is not usable with %s", gbfs.ErrValidation, k, c.name)
	}
	if sk.cipher != c.name {
		return nil, fmt.Errorf("%w: %s key used with %s", gbfs.ErrValidation, sk.cipher, c.name)
	}
	return sk, nil
}

func (c *AEADCipher) aead(k gbfs.Key) (cipher.AEAD, error) {
	sk, err := c.key(k)
	if err != nil {
		return nil, err
	}
	aead, err := c.newAEAD(sk.raw)
	if err != nil {
		return nil, fmt.Errorf("initializing %s: %w", c.name, err)
	}
	return aead, nil
}
