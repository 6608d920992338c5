package gbfs

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"
)

// UploadOptions controls a single upload.
type UploadOptions struct {
	// Overwrite replaces an existing file of the same name. The previous
	// generation is removed only after the new manifest is committed.
	Overwrite bool
}

// Upload encrypts data under a fresh per-file key, writes it as chunk
// records and commits a manifest once every chunk is stored.
//
// A name that already exists in the bucket is rejected with
// ErrAlreadyExists unless opts.Overwrite is set. If any record write
// fails, the chunks staged so far are removed on a best-effort basis and
// a *PartialUploadError is returned. A failure before the first record
// lands is returned as is.
func (s *Service) Upload(ctx context.Context, bucketID, name string, data []byte, opts UploadOptions) (*FileMeta, error) {
	if bucketID == "" {
		return nil, fmt.Errorf("%w: bucket id is required", ErrValidation)
	}
	if name == "" {
		return nil, fmt.Errorf("%w: file name is required", ErrValidation)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	previous, err := s.store.QueryEntities(ctx, manifestFilter(bucketID, name))
	if err != nil {
		return nil, storeErr("query manifests", err)
	}
	if len(previous) > 0 && !opts.Overwrite {
		return nil, fmt.Errorf("%w: %s in bucket %s", ErrAlreadyExists, name, bucketID)
	}

	key, err := s.cipher.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generating file key: %w", err)
	}
	chunks, digest, err := Chunk(data, s.chunkSize)
	if err != nil {
		return nil, err
	}

	uploadID := s.idgen.New()
	m := &Manifest{
		Version:    ManifestVersion,
		BucketID:   bucketID,
		Name:       name,
		Size:       int64(len(data)),
		Cipher:     s.cipher.Name(),
		ChunkSize:  s.chunkSize,
		ChunkCount: len(chunks),
		CreatedAt:  s.clock.Now().UnixMilli(),
		Digest:     digest,
		UploadID:   uploadID,
	}
	// Seal the key before staging anything so a wrapper failure leaves
	// nothing behind.
	if err := s.sealKey(key, m); err != nil {
		return nil, err
	}
	payload, err := encodeManifest(m)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("staging upload", "bucket", bucketID, "name", name, "upload", uploadID,
		"size", m.Size, "chunks", len(chunks))

	staged, err := s.writeChunks(ctx, bucketID, name, uploadID, key, chunks)
	if err != nil {
		return nil, s.abortUpload(ctx, bucketID, name, uploadID, staged, err)
	}

	keys, err := s.store.CreateEntities(ctx, []EntityCreate{{
		Payload: payload,
		TTL:     s.ttl,
		Tags: map[string]string{
			TagType:     TypeManifest,
			TagBucketID: bucketID,
			TagName:     name,
			TagUpload:   uploadID,
		},
	}})
	if err == nil && len(keys) != 1 {
		err = fmt.Errorf("store returned %d keys for 1 record", len(keys))
	}
	if err != nil {
		return nil, s.abortUpload(ctx, bucketID, name, uploadID, staged, storeErr("create manifest", err))
	}

	meta := m.FileMeta(keys[0])
	s.logger.Info("file uploaded", "bucket", bucketID, "name", name, "id", meta.ID,
		"size", meta.Size, "chunks", len(chunks))

	if len(previous) > 0 {
		if err := s.deleteGenerations(ctx, bucketID, name, uploadID, previous); err != nil {
			return meta, err
		}
	}
	return meta, nil
}

// writeChunks encrypts and stores every chunk, at most s.concurrency at a
// time. It returns the keys of the records that were written, in no
// particular order, even when it fails.
func (s *Service) writeChunks(ctx context.Context, bucketID, name, uploadID string, key Key, chunks [][]byte) ([]string, error) {
	written := make([]string, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, chunk := range chunks {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			// Every chunk gets its own Encrypt call and therefore its own IV.
			iv, ct, err := s.cipher.Encrypt(key, chunk)
			if err != nil {
				return fmt.Errorf("encrypting chunk %d: %w", i, err)
			}
			keys, err := s.store.CreateEntities(gctx, []EntityCreate{{
				Payload: packChunk(iv, ct),
				TTL:     s.ttl,
				Tags: map[string]string{
					TagType:     TypeChunk,
					TagBucketID: bucketID,
					TagFile:     name,
					TagIndex:    strconv.Itoa(i),
					TagUpload:   uploadID,
				},
			}})
			if err != nil {
				return storeErr(fmt.Sprintf("create chunk %d", i), err)
			}
			if len(keys) != 1 {
				return storeErr(fmt.Sprintf("create chunk %d", i), fmt.Errorf("store returned %d keys for 1 record", len(keys)))
			}
			written[i] = keys[0]
			return nil
		})
	}
	err := g.Wait()

	staged := make([]string, 0, len(written))
	for _, k := range written {
		if k != "" {
			staged = append(staged, k)
		}
	}
	return staged, err
}

// abortUpload removes whatever an interrupted upload managed to write and
// returns the PartialUploadError describing it. Records are found both by
// the keys the store returned and by the upload tag, which also catches
// writes whose response was lost. Cleanup runs on a detached context so a
// cancelled upload still cleans up after itself.
// When nothing was written the cause is returned unwrapped.
func (s *Service) abortUpload(ctx context.Context, bucketID, name, uploadID string, staged []string, cause error) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	keys := slices.Clone(staged)
	found, qerr := s.store.QueryEntities(cctx, Where(TagUpload, uploadID).And(TagBucketID, bucketID))
	if qerr != nil {
		s.logger.Warn("querying staged records failed", "bucket", bucketID, "name", name, "upload", uploadID, "error", qerr)
	}
	for _, e := range found {
		if !slices.Contains(keys, e.Key) {
			keys = append(keys, e.Key)
		}
	}

	if len(keys) == 0 && qerr == nil {
		s.logger.Warn("upload failed before any record was written", "bucket", bucketID, "name", name,
			"upload", uploadID, "error", cause)
		return cause
	}

	perr := &PartialUploadError{BucketID: bucketID, Name: name, Staged: len(staged), Err: cause}
	if len(keys) > 0 {
		if err := s.store.DeleteEntities(cctx, keys); err != nil {
			perr.CleanupErr = storeErr("delete staged records", err)
		}
	}

	if perr.CleanupErr != nil {
		s.logger.Error("upload failed and staged records were left behind", "bucket", bucketID, "name", name,
			"upload", uploadID, "staged", len(keys), "error", cause, "cleanup_error", perr.CleanupErr)
	} else {
		s.logger.Warn("upload failed, staged records removed", "bucket", bucketID, "name", name,
			"upload", uploadID, "staged", len(keys), "error", cause)
	}
	return perr
}

// deleteGenerations removes the manifests and chunks of every generation of
// a file except the one written by keepUpload.
func (s *Service) deleteGenerations(ctx context.Context, bucketID, name, keepUpload string, manifests []Entity) error {
	keys := make([]string, 0, len(manifests))
	for _, e := range manifests {
		keys = append(keys, e.Key)
	}

	chunks, err := s.store.QueryEntities(ctx, chunkFilter(bucketID, name))
	if err != nil {
		return fmt.Errorf("%w: removing previous versions of %s: %w", ErrPartialDelete, name, storeErr("query chunks", err))
	}
	for _, e := range chunks {
		if e.Tags[TagUpload] != keepUpload {
			keys = append(keys, e.Key)
		}
	}

	if err := s.store.DeleteEntities(ctx, keys); err != nil {
		return fmt.Errorf("%w: removing previous versions of %s: %w", ErrPartialDelete, name, storeErr("delete records", err))
	}
	s.logger.Info("previous versions removed", "bucket", bucketID, "name", name, "records", len(keys))
	return nil
}

// ListFiles returns one entry per manifest in the bucket. Manifests that
// fail to decode are returned as malformed entries. The order is the
// store's; use SortFiles for a stable order.
func (s *Service) ListFiles(ctx context.Context, bucketID string) ([]Entry[FileMeta], error) {
	if bucketID == "" {
		return nil, fmt.Errorf("%w: bucket id is required", ErrValidation)
	}

	entities, err := s.store.QueryEntities(ctx, Where(TagType, TypeManifest).And(TagBucketID, bucketID))
	if err != nil {
		return nil, storeErr("query manifests", err)
	}

	entries := make([]Entry[FileMeta], len(entities))
	for i, e := range entities {
		m, err := decodeManifest(e)
		if err != nil {
			s.logger.Warn("malformed manifest", "bucket", bucketID, "key", e.Key, "error", err)
			entries[i] = Entry[FileMeta]{Key: e.Key, Err: err}
			continue
		}
		entries[i] = Entry[FileMeta]{Key: e.Key, Value: m.FileMeta(e.Key)}
	}
	return entries, nil
}

// Stat returns the metadata of the file a download of name would resolve to.
func (s *Service) Stat(ctx context.Context, bucketID, name string) (*FileMeta, error) {
	rec, err := s.resolveManifest(ctx, bucketID, name)
	if err != nil {
		return nil, err
	}
	return rec.manifest.FileMeta(rec.key), nil
}

// Download reassembles and verifies a file. When a name has more than one
// manifest, the most recently created one is used.
//
// Nothing is returned unless every chunk authenticates, the chunk indices
// are exactly 0..n-1, and the size and digest match the manifest.
func (s *Service) Download(ctx context.Context, bucketID, name string) ([]byte, error) {
	rec, err := s.resolveManifest(ctx, bucketID, name)
	if err != nil {
		return nil, err
	}
	m := rec.manifest

	cipher, key, err := s.openKey(m)
	if err != nil {
		return nil, err
	}

	filter := chunkFilter(bucketID, name)
	if m.UploadID != "" {
		filter = Where(TagType, TypeChunk).And(TagBucketID, bucketID).And(TagUpload, m.UploadID)
	}
	entities, err := s.store.QueryEntities(ctx, filter)
	if err != nil {
		return nil, storeErr("query chunks", err)
	}

	data, err := s.reassemble(ctx, m, cipher, key, entities)
	if err != nil {
		s.logger.Warn("download failed", "bucket", bucketID, "name", name, "id", rec.key, "error", err)
		return nil, err
	}

	s.logger.Debug("file downloaded", "bucket", bucketID, "name", name, "id", rec.key, "size", len(data))
	return data, nil
}

// DownloadTo downloads a file and writes it to w. Nothing is written
// unless the file verified.
func (s *Service) DownloadTo(ctx context.Context, bucketID, name string, w io.Writer) (int64, error) {
	data, err := s.Download(ctx, bucketID, name)
	if err != nil {
		return 0, err
	}
	return io.Copy(w, bytes.NewReader(data))
}

func (s *Service) resolveManifest(ctx context.Context, bucketID, name string) (*manifestRecord, error) {
	if bucketID == "" {
		return nil, fmt.Errorf("%w: bucket id is required", ErrValidation)
	}
	if name == "" {
		return nil, fmt.Errorf("%w: file name is required", ErrValidation)
	}

	entities, err := s.store.QueryEntities(ctx, manifestFilter(bucketID, name))
	if err != nil {
		return nil, storeErr("query manifests", err)
	}
	if len(entities) == 0 {
		return nil, fmt.Errorf("%w: %s in bucket %s", ErrNotFound, name, bucketID)
	}

	rec, valid, err := latestManifest(entities)
	if err != nil {
		return nil, err
	}
	if len(entities) > 1 {
		s.logger.Debug("multiple manifests for name, using latest", "bucket", bucketID, "name", name,
			"manifests", len(entities), "valid", valid, "id", rec.key)
	}
	return rec, nil
}

// reassemble checks the chunk layout, decrypts the chunks in parallel and
// verifies the result against the manifest.
func (s *Service) reassemble(ctx context.Context, m *Manifest, cipher Cipher, key Key, entities []Entity) ([]byte, error) {
	type indexed struct {
		index  int
		entity Entity
	}

	parts := make([]indexed, 0, len(entities))
	for _, e := range entities {
		idx, err := strconv.Atoi(e.Tags[TagIndex])
		if err != nil || idx < 0 {
			return nil, fmt.Errorf("%w: chunk %s has invalid index %q", ErrCorruptFile, e.Key, e.Tags[TagIndex])
		}
		parts = append(parts, indexed{index: idx, entity: e})
	}
	slices.SortFunc(parts, func(a, b indexed) int { return a.index - b.index })

	for i, p := range parts {
		if p.index != i {
			if p.index < i {
				return nil, fmt.Errorf("%w: duplicate chunk index %d", ErrCorruptFile, p.index)
			}
			return nil, fmt.Errorf("%w: missing chunk index %d", ErrCorruptFile, i)
		}
	}
	if want := m.ExpectedChunks(); len(parts) != want {
		return nil, fmt.Errorf("%w: found %d chunks, manifest expects %d", ErrCorruptFile, len(parts), want)
	}

	plain := make([][]byte, len(parts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, p := range parts {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			iv, ct, err := unpackChunk(p.entity.Payload)
			if err != nil {
				return fmt.Errorf("chunk %d: %w", p.index, err)
			}
			pt, err := cipher.Decrypt(key, iv, ct)
			if err != nil {
				return fmt.Errorf("chunk %d: %w", p.index, err)
			}
			plain[p.index] = pt
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	last := len(plain) - 1
	for i, pt := range plain {
		switch {
		case i < last && len(pt) != m.ChunkSize:
			return nil, fmt.Errorf("%w: chunk %d is %d bytes, want %d", ErrCorruptFile, i, len(pt), m.ChunkSize)
		case i == last && (len(pt) == 0 || len(pt) > m.ChunkSize):
			return nil, fmt.Errorf("%w: final chunk %d is %d bytes, want 1..%d", ErrCorruptFile, i, len(pt), m.ChunkSize)
		}
	}

	data := Join(plain)
	if int64(len(data)) != m.Size {
		return nil, fmt.Errorf("%w: reassembled %d bytes, manifest size is %d", ErrIntegrityCheckFailed, len(data), m.Size)
	}
	switch {
	case m.Digest != "":
		if got := Digest(data); !strings.EqualFold(got, m.Digest) {
			return nil, fmt.Errorf("%w: digest %s does not match manifest digest %s", ErrIntegrityCheckFailed, got, m.Digest)
		}
	case !s.allowMissingDigest:
		return nil, fmt.Errorf("%w: manifest has no digest", ErrIntegrityCheckFailed)
	}
	return data, nil
}

// DeleteFile removes every manifest and chunk record stored under name in
// one batch and returns how many records were matched. Deleting a file
// that does not exist succeeds and returns 0.
//
// The store reports no detail on a failed batch, so a failure wraps
// ErrPartialDelete: any subset of the records may already be gone.
func (s *Service) DeleteFile(ctx context.Context, bucketID, name string) (int, error) {
	if bucketID == "" {
		return 0, fmt.Errorf("%w: bucket id is required", ErrValidation)
	}
	if name == "" {
		return 0, fmt.Errorf("%w: file name is required", ErrValidation)
	}

	var manifests, chunks []Entity
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		manifests, err = s.store.QueryEntities(gctx, manifestFilter(bucketID, name))
		return storeErr("query manifests", err)
	})
	g.Go(func() error {
		var err error
		chunks, err = s.store.QueryEntities(gctx, chunkFilter(bucketID, name))
		return storeErr("query chunks", err)
	})
	if err := g.Wait(); err != nil {
		return 0, err
	}

	keys := make([]string, 0, len(manifests)+len(chunks))
	for _, e := range manifests {
		keys = append(keys, e.Key)
	}
	for _, e := range chunks {
		keys = append(keys, e.Key)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	if err := s.store.DeleteEntities(ctx, keys); err != nil {
		return 0, fmt.Errorf("%w: %s in bucket %s: %w", ErrPartialDelete, name, bucketID, storeErr("delete records", err))
	}

	s.logger.Info("file deleted", "bucket", bucketID, "name", name,
		"manifests", len(manifests), "chunks", len(chunks))
	return len(keys), nil
}

// sealKey records the per-file key in m, wrapped if a KeyWrapper is set.
func (s *Service) sealKey(key Key, m *Manifest) error {
	raw, err := s.cipher.ExportKey(key)
	if err != nil {
		return fmt.Errorf("exporting file key: %w", err)
	}
	if s.keyWrapper == nil {
		m.ExportedKey = hex.EncodeToString(raw)
		return nil
	}
	wrapped, err := s.keyWrapper.Wrap(raw)
	if err != nil {
		return fmt.Errorf("wrapping file key: %w", err)
	}
	m.WrappedKey = wrapped
	m.KeyWrap = s.keyWrapper.Scheme()
	return nil
}

// openKey recovers the per-file key and the cipher it belongs to.
func (s *Service) openKey(m *Manifest) (Cipher, Key, error) {
	cipher, err := s.ciphers(m.CipherName())
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCorruptFile, err)
	}

	var raw []byte
	if m.KeyWrap != "" {
		switch {
		case s.keyWrapper == nil:
			return nil, nil, fmt.Errorf("%w: file key is wrapped with %q but no key wrapper is configured", ErrNotInitialized, m.KeyWrap)
		case s.keyWrapper.Scheme() != m.KeyWrap:
			return nil, nil, fmt.Errorf("%w: file key is wrapped with %q, configured wrapper is %q", ErrNotInitialized, m.KeyWrap, s.keyWrapper.Scheme())
		}
		raw, err = s.keyWrapper.Unwrap(m.WrappedKey)
		if err != nil {
			return nil, nil, fmt.Errorf("unwrapping file key: %w", err)
		}
		if len(raw) != KeySize {
			return nil, nil, fmt.Errorf("%w: unwrapped key is %d bytes, want %d", ErrCorruptFile, len(raw), KeySize)
		}
	} else {
		raw, err = decodeHexKey(m.ExportedKey)
		if err != nil {
			return nil, nil, err
		}
	}

	key, err := cipher.ImportKey(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: importing file key: %v", ErrCorruptFile, err)
	}
	return cipher, key, nil
}

func manifestFilter(bucketID, name string) Filter {
	return Where(TagType, TypeManifest).And(TagBucketID, bucketID).And(TagName, name)
}

func chunkFilter(bucketID, name string) Filter {
	return Where(TagType, TypeChunk).And(TagBucketID, bucketID).And(TagFile, name)
}

// IsPartial reports whether err left the store in a partially written or
// partially deleted state.
func IsPartial(err error) bool {
	return errors.Is(err, ErrPartialUpload) || errors.Is(err, ErrPartialDelete)
}
