package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gbfs-go/internal/config"
	"gbfs-go/internal/encryption"
	"gbfs-go/internal/entitystore"
	"gbfs-go/internal/gbfs"
	"gbfs-go/internal/storeclient"
	"gbfs-go/internal/tracing"
)

const shutdownTimeout = 5 * time.Second

// Unlocker is implemented by key wrappers whose secret is protected by a
// passphrase.
type Unlocker interface {
	Unlock(passphrase string) error
	IsUnlocked() bool
}

// expirer is implemented by stores that can drop expired records on demand.
type expirer interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// GBFSApp is the application layer between the CLI and gbfs.Service.
// It constructs all dependencies from config, resolves bucket names to ids,
// moves file contents between the local filesystem and the store, and
// releases the store client on Close.
type GBFSApp struct {
	cfg            *config.Config
	store          gbfs.EntityStore
	keyWrapper     gbfs.KeyWrapper
	service        *gbfs.Service
	logger         *slogAdapter
	op             *Operation
	logFile        *os.File
	shutdownTracer func(context.Context) error
}

// NewGBFSApp creates a fully wired GBFSApp from the given config.
// operation identifies the CLI command being run (e.g. "PutFile", "ListBuckets").
// The caller must call Close when done.
func NewGBFSApp(ctx context.Context, cfg *config.Config, operation, parameters string) (*GBFSApp, error) {
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	level, err := LogLevel()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	opID := now.UTC().Format("20060102T150405Z")
	logger, logFile, err := newLogger(cfg.LogDir, opID, level)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	a := &GBFSApp{
		cfg:     cfg,
		logger:  &slogAdapter{l: logger},
		op:      NewOperation(opID, operation, parameters, now),
		logFile: logFile,
	}

	if err := a.init(ctx); err != nil {
		a.release()
		return nil, err
	}

	a.logger.Debug("operation started", "operation", operation, "parameters", parameters, "store", cfg.Store.Type)
	return a, nil
}

func (a *GBFSApp) init(ctx context.Context) error {
	cfg := a.cfg

	if cfg.Tracing.Enabled {
		shutdown, err := tracing.InitTracer(ctx, cfg.Tracing.ServiceName, cfg.Tracing.Endpoint)
		if err != nil {
			return fmt.Errorf("initializing tracing: %w", err)
		}
		a.shutdownTracer = shutdown
	}

	client, err := storeclient.Init(ctx, storeFactory(cfg))
	if err != nil {
		return err
	}
	a.store = client.Store()

	cipher, err := encryption.NewCipherFromConfig(cfg.Encryption)
	if err != nil {
		return fmt.Errorf("creating cipher: %w", err)
	}
	wrapper, err := encryption.NewKeyWrapperFromConfig(cfg.Encryption)
	if err != nil {
		return fmt.Errorf("creating key wrapper: %w", err)
	}
	a.keyWrapper = wrapper

	svc, err := gbfs.NewService(a.store, cipher, gbfs.Options{
		ChunkSize:          cfg.Files.ChunkSize,
		MaxRecordSize:      cfg.Files.MaxRecordSize,
		Concurrency:        cfg.Files.UploadConcurrency,
		TTL:                cfg.Files.TTL,
		KeyWrapper:         wrapper,
		Ciphers:            encryption.LookupCipher,
		AllowMissingDigest: cfg.Files.AllowMissingDigest,
	}, a.logger, gbfs.RealClock{}, gbfs.UUIDGenerator{})
	if err != nil {
		return fmt.Errorf("creating file service: %w", err)
	}
	a.service = svc
	return nil
}

// storeFactory opens the configured entity store, wrapped with tracing when
// tracing is enabled.
func storeFactory(cfg *config.Config) storeclient.Factory {
	return func(ctx context.Context) (gbfs.EntityStore, error) {
		store, err := entitystore.NewStoreFromConfig(ctx, cfg.Store)
		if err != nil {
			return nil, fmt.Errorf("creating entity store: %w", err)
		}
		if cfg.Tracing.Enabled {
			return entitystore.Traced(store, cfg.Store.Type), nil
		}
		return store, nil
	}
}

// track records err against the operation and returns it unchanged.
func (a *GBFSApp) track(err error) error {
	a.op.Fail(err)
	return err
}

// NeedsPassphrase reports whether reading files requires unlocking the key
// wrapper first.
func (a *GBFSApp) NeedsPassphrase() bool {
	u, ok := a.keyWrapper.(Unlocker)
	return ok && !u.IsUnlocked()
}

// Unlock unlocks a passphrase-protected key wrapper. It is a no-op for
// wrappers without a passphrase.
func (a *GBFSApp) Unlock(passphrase string) error {
	u, ok := a.keyWrapper.(Unlocker)
	if !ok {
		return nil
	}
	return a.track(u.Unlock(passphrase))
}

// CreateBucket creates a bucket with the given name.
func (a *GBFSApp) CreateBucket(ctx context.Context, name string) (*gbfs.Bucket, error) {
	b, err := a.service.CreateBucket(ctx, name)
	return b, a.track(err)
}

// ListBuckets returns all buckets sorted by name.
func (a *GBFSApp) ListBuckets(ctx context.Context) ([]gbfs.Entry[gbfs.Bucket], error) {
	entries, err := a.service.ListBuckets(ctx)
	if err != nil {
		return nil, a.track(err)
	}
	gbfs.SortBuckets(entries)
	return entries, nil
}

// DeleteBucket deletes the bucket named by ref, a bucket name or id.
// Files in the bucket are not deleted.
func (a *GBFSApp) DeleteBucket(ctx context.Context, ref string) (string, error) {
	id, err := a.resolveBucket(ctx, ref)
	if err != nil {
		return "", a.track(err)
	}
	return id, a.track(a.service.DeleteBucket(ctx, id))
}

// resolveBucket maps a bucket name or id to the bucket id. A name shared by
// more than one bucket must be given as an id.
func (a *GBFSApp) resolveBucket(ctx context.Context, ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("%w: bucket is required", gbfs.ErrValidation)
	}

	named, err := a.service.FindBucket(ctx, ref)
	if err != nil {
		return "", err
	}
	switch buckets := gbfs.Values(named); len(buckets) {
	case 0:
	case 1:
		return buckets[0].ID, nil
	default:
		return "", fmt.Errorf("%w: %d buckets are named %q, use the bucket id", gbfs.ErrValidation, len(buckets), ref)
	}

	all, err := a.service.ListBuckets(ctx)
	if err != nil {
		return "", err
	}
	for _, e := range all {
		if e.Key == ref {
			return ref, nil
		}
	}
	return "", fmt.Errorf("%w: bucket %q", gbfs.ErrNotFound, ref)
}

// PutFile uploads the file at localPath into the bucket named by bucketRef.
// name defaults to the base name of localPath.
func (a *GBFSApp) PutFile(ctx context.Context, bucketRef, localPath, name string, overwrite bool) (*gbfs.FileMeta, error) {
	bucketID, err := a.resolveBucket(ctx, bucketRef)
	if err != nil {
		return nil, a.track(err)
	}
	if name == "" {
		name = filepath.Base(localPath)
	}

	data, err := os.ReadFile(localPath)
	if err != nil {
		return nil, a.track(fmt.Errorf("reading %s: %w", localPath, err))
	}

	meta, err := a.service.Upload(ctx, bucketID, name, data, gbfs.UploadOptions{Overwrite: overwrite})
	return meta, a.track(err)
}

// ListFiles returns the files in the bucket named by bucketRef, sorted by
// name.
func (a *GBFSApp) ListFiles(ctx context.Context, bucketRef string) ([]gbfs.Entry[gbfs.FileMeta], error) {
	bucketID, err := a.resolveBucket(ctx, bucketRef)
	if err != nil {
		return nil, a.track(err)
	}
	entries, err := a.service.ListFiles(ctx, bucketID)
	if err != nil {
		return nil, a.track(err)
	}
	gbfs.SortFiles(entries)
	return entries, nil
}

// StatFile returns the metadata of a file without downloading it.
func (a *GBFSApp) StatFile(ctx context.Context, bucketRef, name string) (*gbfs.FileMeta, error) {
	bucketID, err := a.resolveBucket(ctx, bucketRef)
	if err != nil {
		return nil, a.track(err)
	}
	meta, err := a.service.Stat(ctx, bucketID, name)
	return meta, a.track(err)
}

// WriteFile downloads a file and writes it to w once it has verified.
func (a *GBFSApp) WriteFile(ctx context.Context, bucketRef, name string, w io.Writer) (int64, error) {
	bucketID, err := a.resolveBucket(ctx, bucketRef)
	if err != nil {
		return 0, a.track(err)
	}
	n, err := a.service.DownloadTo(ctx, bucketID, name, w)
	return n, a.track(err)
}

// SaveFile downloads a file to outPath. The file is written to a temporary
// file in the same directory and renamed into place, so outPath is never
// left holding partial or unverified content.
func (a *GBFSApp) SaveFile(ctx context.Context, bucketRef, name, outPath string) (int64, error) {
	bucketID, err := a.resolveBucket(ctx, bucketRef)
	if err != nil {
		return 0, a.track(err)
	}
	data, err := a.service.Download(ctx, bucketID, name)
	if err != nil {
		return 0, a.track(err)
	}
	if err := writeFileAtomic(outPath, data); err != nil {
		return 0, a.track(err)
	}
	return int64(len(data)), nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".gbfs-download-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}

// DeleteFile deletes every version of a file and returns how many records
// were removed.
func (a *GBFSApp) DeleteFile(ctx context.Context, bucketRef, name string) (int, error) {
	bucketID, err := a.resolveBucket(ctx, bucketRef)
	if err != nil {
		return 0, a.track(err)
	}
	n, err := a.service.DeleteFile(ctx, bucketID, name)
	return n, a.track(err)
}

// PurgeExpired drops records whose TTL has passed, for stores that keep
// expired records until purged.
func (a *GBFSApp) PurgeExpired(ctx context.Context) (int64, error) {
	store := a.store
	for {
		if e, ok := store.(expirer); ok {
			n, err := e.PurgeExpired(ctx)
			return n, a.track(err)
		}
		u, ok := store.(interface{ Unwrap() gbfs.EntityStore })
		if !ok {
			return 0, a.track(fmt.Errorf("store type %q does not support purging expired records", a.cfg.Store.Type))
		}
		store = u.Unwrap()
	}
}

// Close logs the outcome of the operation and releases the store client,
// the tracer and the log file.
func (a *GBFSApp) Close() error {
	if a.op.Failed() {
		a.logger.Error("operation failed", "operation", a.op.Name, "parameters", a.op.Parameters,
			"duration", a.op.Duration(time.Now()), "error", a.op.Err)
	} else {
		a.logger.Info("operation finished", "operation", a.op.Name, "parameters", a.op.Parameters,
			"duration", a.op.Duration(time.Now()))
	}
	return a.release()
}

func (a *GBFSApp) release() error {
	var errs []error

	if a.store != nil {
		if err := storeclient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing store: %w", err))
		}
		a.store = nil
	}

	if a.shutdownTracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := a.shutdownTracer(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutting down tracer: %w", err))
		}
		cancel()
		a.shutdownTracer = nil
	}

	if a.logFile != nil {
		a.logFile.Close()
		a.logFile = nil
	}

	return errors.Join(errs...)
}
