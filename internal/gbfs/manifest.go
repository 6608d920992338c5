package gbfs

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ManifestVersion is the manifest format written by this package.
const ManifestVersion = 1

// DefaultCipherName is assumed for manifests that do not name a cipher.
const DefaultCipherName = "aes-256-gcm"

// Manifest is the per-file record holding key material, size, digest and
// chunk layout. It is written only after every chunk of the file is stored.
type Manifest struct {
	Version     int    `json:"version"`
	BucketID    string `json:"bucketId"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	ExportedKey string `json:"exportedKey,omitempty"`
	WrappedKey  string `json:"wrappedKey,omitempty"`
	KeyWrap     string `json:"keyWrap,omitempty"`
	Cipher      string `json:"cipher,omitempty"`
	ChunkSize   int    `json:"chunkSize"`
	ChunkCount  int    `json:"chunkCount,omitempty"`
	CreatedAt   int64  `json:"createdAt"`
	Digest      string `json:"digest,omitempty"`
	UploadID    string `json:"uploadId,omitempty"`
}

// UnmarshalJSON accepts the legacy "v" and "keyHex" field names written by
// older clients alongside the current ones.
func (m *Manifest) UnmarshalJSON(data []byte) error {
	type plain Manifest
	aux := struct {
		*plain
		V      int    `json:"v"`
		KeyHex string `json:"keyHex"`
	}{plain: (*plain)(m)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if m.Version == 0 {
		m.Version = aux.V
	}
	if m.ExportedKey == "" {
		m.ExportedKey = aux.KeyHex
	}
	return nil
}

// CipherName returns the cipher the file was encrypted with.
func (m *Manifest) CipherName() string {
	if m.Cipher == "" {
		return DefaultCipherName
	}
	return m.Cipher
}

// ExpectedChunks returns the number of chunk records the file must have.
func (m *Manifest) ExpectedChunks() int {
	return ChunkCount(m.Size, m.ChunkSize)
}

// Validate checks the manifest's internal consistency.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("manifest has no name")
	}
	if m.Size < 0 {
		return fmt.Errorf("manifest has negative size %d", m.Size)
	}
	if m.ChunkSize <= 0 {
		return fmt.Errorf("manifest has invalid chunk size %d", m.ChunkSize)
	}
	if m.ChunkCount != 0 && m.ChunkCount != m.ExpectedChunks() {
		return fmt.Errorf("manifest chunk count %d does not match size %d at chunk size %d", m.ChunkCount, m.Size, m.ChunkSize)
	}
	switch {
	case m.KeyWrap != "":
		if m.WrappedKey == "" {
			return fmt.Errorf("manifest declares key wrap %q but has no wrapped key", m.KeyWrap)
		}
	case len(m.ExportedKey) != 2*KeySize:
		return fmt.Errorf("manifest key has %d hex chars, want %d", len(m.ExportedKey), 2*KeySize)
	}
	if m.Digest != "" && len(m.Digest) != 2*32 {
		return fmt.Errorf("manifest digest has %d hex chars, want 64", len(m.Digest))
	}
	return nil
}

// FileMeta derives the caller-facing view from the manifest stored under key.
func (m *Manifest) FileMeta(key string) *FileMeta {
	return &FileMeta{
		ID:        key,
		BucketID:  m.BucketID,
		Name:      m.Name,
		Size:      m.Size,
		CreatedAt: time.UnixMilli(m.CreatedAt),
	}
}

func encodeManifest(m *Manifest) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}
	return data, nil
}

// decodeManifest parses and validates a manifest record. Failures wrap
// ErrCorruptFile.
func decodeManifest(e Entity) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(e.Payload, &m); err != nil {
		return nil, fmt.Errorf("%w: decoding manifest %s: %v", ErrCorruptFile, e.Key, err)
	}
	if m.BucketID == "" {
		m.BucketID = e.Tags[TagBucketID]
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%w: manifest %s: %v", ErrCorruptFile, e.Key, err)
	}
	return &m, nil
}

// manifestRecord is a decoded manifest together with its store key.
type manifestRecord struct {
	key      string
	manifest *Manifest
}

// latestManifest picks the manifest a lookup resolves to when a name has
// more than one: the latest CreatedAt wins, ties broken by the greater key.
// Malformed manifests are skipped; if none decode, the first decode error
// is returned.
func latestManifest(entities []Entity) (*manifestRecord, int, error) {
	var (
		best     *manifestRecord
		firstErr error
		valid    int
	)
	for _, e := range entities {
		m, err := decodeManifest(e)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		valid++
		if best == nil ||
			m.CreatedAt > best.manifest.CreatedAt ||
			(m.CreatedAt == best.manifest.CreatedAt && strings.Compare(e.Key, best.key) > 0) {
			best = &manifestRecord{key: e.Key, manifest: m}
		}
	}
	if best == nil {
		return nil, 0, firstErr
	}
	return best, valid, nil
}

func decodeHexKey(s string) ([]byte, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: manifest key is not hex: %v", ErrCorruptFile, err)
	}
	if len(raw) != KeySize {
		return nil, fmt.Errorf("%w: manifest key is %d bytes, want %d", ErrCorruptFile, len(raw), KeySize)
	}
	return raw, nil
}

// bucketRecord is the persisted bucket payload.
type bucketRecord struct {
	Name      string `json:"name"`
	CreatedAt int64  `json:"createdAt"`
}
