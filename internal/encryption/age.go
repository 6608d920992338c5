package encryption

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"filippo.io/age"
	"filippo.io/age/armor"

	"gbfs-go/internal/config"
	"gbfs-go/internal/gbfs"
)

// AgeScheme is the key wrap scheme recorded in manifests by AgeKeyWrapper.
const AgeScheme = "age"

// AgeKeyWrapper implements gbfs.KeyWrapper using filippo.io/age with X25519
// keys. File keys are wrapped to the public key, which is stored in
// plaintext. The private key is encrypted with the user's passphrase using
// age's scrypt-based passphrase encryption and must be unlocked before
// files can be read.
type AgeKeyWrapper struct {
	publicKeyPath  string
	privateKeyPath string

	mu        sync.RWMutex
	recipient age.Recipient
	identity  age.Identity
}

var _ gbfs.KeyWrapper = (*AgeKeyWrapper)(nil)

// NewAgeKeyWrapper creates a new AgeKeyWrapper from configuration.
func NewAgeKeyWrapper(cfg config.EncryptionConfig) *AgeKeyWrapper {
	return &AgeKeyWrapper{
		publicKeyPath:  cfg.PublicKeyPath,
		privateKeyPath: cfg.PrivateKeyPath,
	}
}

// Setup generates a new X25519 key pair, stores the public key in plaintext,
// and encrypts the private key with the passphrase.
func (w *AgeKeyWrapper) Setup(passphrase string) error {
	if passphrase == "" {
		return fmt.Errorf("%w: passphrase is required", gbfs.ErrValidation)
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("generating key pair: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(w.publicKeyPath), 0700); err != nil {
		return fmt.Errorf("creating public key directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(w.privateKeyPath), 0700); err != nil {
		return fmt.Errorf("creating private key directory: %w", err)
	}

	if err := os.WriteFile(w.publicKeyPath, []byte(identity.Recipient().String()+"\n"), 0644); err != nil {
		return fmt.Errorf("writing public key: %w", err)
	}

	privFile, err := os.OpenFile(w.privateKeyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating private key file: %w", err)
	}
	defer privFile.Close()

	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return fmt.Errorf("creating scrypt recipient: %w", err)
	}

	enc, err := age.Encrypt(privFile, recipient)
	if err != nil {
		return fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := io.WriteString(enc, identity.String()+"\n"); err != nil {
		return fmt.Errorf("writing encrypted private key: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finalizing encrypted private key: %w", err)
	}

	w.mu.Lock()
	w.recipient = identity.Recipient()
	w.identity = nil
	w.mu.Unlock()
	return nil
}

// Unlock decrypts the private key with the passphrase and keeps the
// identity in memory for Unwrap.
func (w *AgeKeyWrapper) Unlock(passphrase string) error {
	privData, err := os.ReadFile(w.privateKeyPath)
	if err != nil {
		return fmt.Errorf("reading private key file: %w", err)
	}

	scrypt, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return fmt.Errorf("creating scrypt identity: %w", err)
	}

	dec, err := age.Decrypt(bytes.NewReader(privData), scrypt)
	if err != nil {
		return fmt.Errorf("decrypting private key: %w", err)
	}
	keyData, err := io.ReadAll(dec)
	if err != nil {
		return fmt.Errorf("reading decrypted private key: %w", err)
	}

	identities, err := age.ParseIdentities(bytes.NewReader(keyData))
	if err != nil {
		return fmt.Errorf("parsing private key: %w", err)
	}
	if len(identities) == 0 {
		return fmt.Errorf("no identities found in private key")
	}

	w.mu.Lock()
	w.identity = identities[0]
	w.mu.Unlock()
	return nil
}

// IsConfigured returns true if both key files exist.
func (w *AgeKeyWrapper) IsConfigured() bool {
	if _, err := os.Stat(w.publicKeyPath); err != nil {
		return false
	}
	if _, err := os.Stat(w.privateKeyPath); err != nil {
		return false
	}
	return true
}

// IsUnlocked reports whether Unwrap can be used.
func (w *AgeKeyWrapper) IsUnlocked() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.identity != nil
}

func (w *AgeKeyWrapper) Scheme() string { return AgeScheme }

// Wrap encrypts raw to the public key and returns it ASCII-armored.
func (w *AgeKeyWrapper) Wrap(raw []byte) (string, error) {
	recipient, err := w.loadRecipient()
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	aw := armor.NewWriter(&buf)
	enc, err := age.Encrypt(aw, recipient)
	if err != nil {
		return "", fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := enc.Write(raw); err != nil {
		return "", fmt.Errorf("encrypting key: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("finalizing encryption: %w", err)
	}
	if err := aw.Close(); err != nil {
		return "", fmt.Errorf("finalizing armor: %w", err)
	}
	return buf.String(), nil
}

// Unwrap decrypts a key produced by Wrap. It fails with
// gbfs.ErrNotInitialized until Unlock has succeeded.
func (w *AgeKeyWrapper) Unwrap(wrapped string) ([]byte, error) {
	w.mu.RLock()
	identity := w.identity
	w.mu.RUnlock()
	if identity == nil {
		return nil, fmt.Errorf("%w: age identity is locked", gbfs.ErrNotInitialized)
	}

	dec, err := age.Decrypt(armor.NewReader(strings.NewReader(wrapped)), identity)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypting wrapped key: %v", gbfs.ErrAuthentication, err)
	}
	raw, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("%w: reading wrapped key: %v", gbfs.ErrAuthentication, err)
	}
	return raw, nil
}

// loadRecipient returns the cached public key, reading it from disk on
// first use.
func (w *AgeKeyWrapper) loadRecipient() (age.Recipient, error) {
	w.mu.RLock()
	r := w.recipient
	w.mu.RUnlock()
	if r != nil {
		return r, nil
	}

	pubData, err := os.ReadFile(w.publicKeyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: no public key at %s, run key setup", gbfs.ErrNotInitialized, w.publicKeyPath)
		}
		return nil, fmt.Errorf("reading public key: %w", err)
	}

	recipients, err := age.ParseRecipients(bytes.NewReader(pubData))
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("no recipients found in public key file")
	}

	w.mu.Lock()
	w.recipient = recipients[0]
	w.mu.Unlock()
	return recipients[0], nil
}
