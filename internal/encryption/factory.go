package encryption

import (
	"fmt"

	"gbfs-go/internal/config"
	"gbfs-go/internal/gbfs"
)

// NewCipherFromConfig returns the cipher used for new uploads.
func NewCipherFromConfig(cfg config.EncryptionConfig) (gbfs.Cipher, error) {
	return LookupCipher(cfg.Cipher)
}

// LookupCipher resolves a cipher by the name recorded in a manifest.
// An empty name selects AES-256-GCM.
func LookupCipher(name string) (gbfs.Cipher, error) {
	switch name {
	case AES256GCM, "":
		return NewAESGCM(), nil
	case ChaCha20Poly1305:
		return NewChaCha20Poly1305(), nil
	default:
		return nil, fmt.Errorf("unknown cipher: %q", name)
	}
}

// NewKeyWrapperFromConfig creates the KeyWrapper named by cfg.KeyWrap.
// "none" returns nil: file keys are stored as plain hex.
func NewKeyWrapperFromConfig(cfg config.EncryptionConfig) (gbfs.KeyWrapper, error) {
	switch cfg.KeyWrap {
	case "none", "":
		return nil, nil
	case AgeScheme:
		return NewAgeKeyWrapper(cfg), nil
	case TestScheme:
		return NewTestKeyWrapper(), nil
	default:
		return nil, fmt.Errorf("unknown key wrap: %q", cfg.KeyWrap)
	}
}
