package gbfs

import (
	"fmt"
	"time"
)

const (
	// DefaultChunkSize keeps an encrypted chunk well under MaxPayloadSize.
	DefaultChunkSize = 60 * 1024

	// DefaultConcurrency bounds parallel chunk writes and decrypts.
	DefaultConcurrency = 4

	// cleanupTimeout bounds best-effort removal of staged chunks after a
	// failed upload. Cleanup runs even when the caller's context is done.
	cleanupTimeout = 30 * time.Second
)

// Options tunes a Service. Zero values select the defaults.
type Options struct {
	// ChunkSize is the plaintext bytes per chunk record.
	ChunkSize int

	// MaxRecordSize is the store's payload ceiling. ChunkSize plus the
	// IV and tag must fit under it.
	MaxRecordSize int

	// Concurrency bounds parallel chunk writes and decrypts.
	Concurrency int

	// TTL is passed through to every record written, in seconds.
	TTL int64

	// KeyWrapper protects per-file keys in manifests. Nil stores keys as
	// plain hex.
	KeyWrapper KeyWrapper

	// Ciphers resolves the cipher named by a manifest on download. Nil
	// only accepts manifests written with the upload cipher.
	Ciphers CipherLookup

	// AllowMissingDigest accepts manifests without a plaintext digest on
	// download. Size and chunk layout are still verified.
	AllowMissingDigest bool
}

// Service is the file store: it composes the chunker, crypto engine and
// entity store to upload, list, download and delete files, and manages
// the bucket records files are grouped under.
type Service struct {
	store              EntityStore
	cipher             Cipher
	ciphers            CipherLookup
	keyWrapper         KeyWrapper
	chunkSize          int
	concurrency        int
	ttl                int64
	allowMissingDigest bool
	logger             Logger
	clock              Clock
	idgen              IDGenerator
}

// NewService creates a Service with the provided dependencies.
// cipher encrypts new uploads; opts.Ciphers decrypts existing files.
func NewService(store EntityStore, cipher Cipher, opts Options, logger Logger, clock Clock, idgen IDGenerator) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: entity store is required", ErrNotInitialized)
	}
	if cipher == nil {
		return nil, fmt.Errorf("%w: cipher is required", ErrNotInitialized)
	}

	chunkSize := opts.ChunkSize
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	maxRecord := opts.MaxRecordSize
	if maxRecord == 0 {
		maxRecord = MaxPayloadSize
	}
	if chunkSize < 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive, got %d", ErrValidation, chunkSize)
	}
	if chunkSize+ChunkOverhead > maxRecord {
		return nil, fmt.Errorf("%w: chunk size %d plus %d bytes of iv and tag exceeds record ceiling %d",
			ErrValidation, chunkSize, ChunkOverhead, maxRecord)
	}

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if opts.TTL < 0 {
		return nil, fmt.Errorf("%w: negative ttl %d", ErrValidation, opts.TTL)
	}

	ciphers := opts.Ciphers
	if ciphers == nil {
		ciphers = func(name string) (Cipher, error) {
			if name == cipher.Name() {
				return cipher, nil
			}
			return nil, fmt.Errorf("unsupported cipher %q", name)
		}
	}

	if logger == nil {
		logger = NewNopLogger()
	}
	if clock == nil {
		clock = RealClock{}
	}
	if idgen == nil {
		idgen = UUIDGenerator{}
	}

	return &Service{
		store:              store,
		cipher:             cipher,
		ciphers:            ciphers,
		keyWrapper:         opts.KeyWrapper,
		chunkSize:          chunkSize,
		concurrency:        concurrency,
		ttl:                opts.TTL,
		allowMissingDigest: opts.AllowMissingDigest,
		logger:             logger,
		clock:              clock,
		idgen:              idgen,
	}, nil
}

// ChunkSize returns the plaintext chunk size used for new uploads.
func (s *Service) ChunkSize() int {
	return s.chunkSize
}
