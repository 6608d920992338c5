package entitystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"gbfs-go/internal/gbfs"
)

// FileSystemStore is a filesystem-based implementation of gbfs.EntityStore.
// Each record is one JSON file:
//
//	<root>/
//	  entities/
//	    <key>.json    (payload, tags and expiry)
//
// Queries scan every record, so this backend suits small local stores.
// A record file that cannot be decoded is logged and left out of query
// results; it can still be removed by key.
type FileSystemStore struct {
	root        string
	entitiesDir string
	now         func() time.Time
	logger      *slog.Logger
}

var errMalformedRecord = errors.New("malformed record")

var _ gbfs.EntityStore = (*FileSystemStore)(nil)

// envelope is the on-disk form of a record.
type envelope struct {
	Key       string            `json:"key"`
	Payload   []byte            `json:"payload"`
	Tags      map[string]string `json:"tags"`
	ExpiresAt int64             `json:"expiresAt,omitempty"` // epoch ms; 0 never expires
}

// NewFileSystemStore creates a filesystem store rooted at the given path.
func NewFileSystemStore(root string) (*FileSystemStore, error) {
	entitiesDir := filepath.Join(root, "entities")
	if err := os.MkdirAll(entitiesDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create entities directory: %w", err)
	}
	return &FileSystemStore{root: root, entitiesDir: entitiesDir, now: time.Now, logger: slog.Default()}, nil
}

func (s *FileSystemStore) CreateEntities(ctx context.Context, creates []gbfs.EntityCreate) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateCreates(creates); err != nil {
		return nil, err
	}

	now := s.now()
	keys := make([]string, 0, len(creates))
	for _, c := range creates {
		if err := ctx.Err(); err != nil {
			return keys, err
		}
		env := envelope{Key: newKey(), Payload: c.Payload, Tags: c.Tags}
		if exp := expiresAt(now, c.TTL); !exp.IsZero() {
			env.ExpiresAt = exp.UnixMilli()
		}
		data, err := json.Marshal(env)
		if err != nil {
			return keys, fmt.Errorf("encoding record: %w", err)
		}
		if err := s.writeFile(s.path(env.Key), data); err != nil {
			return keys, err
		}
		keys = append(keys, env.Key)
	}
	return keys, nil
}

func (s *FileSystemStore) QueryEntities(ctx context.Context, filter gbfs.Filter) ([]gbfs.Entity, error) {
	if err := beginQuery(ctx, filter); err != nil {
		return nil, err
	}

	dirEntries, err := os.ReadDir(s.entitiesDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read entities directory: %w", err)
	}

	now := s.now()
	var out []gbfs.Entity
	for _, de := range dirEntries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		env, err := s.readFile(filepath.Join(s.entitiesDir, de.Name()))
		if err != nil {
			if os.IsNotExist(err) {
				// Deleted since ReadDir.
				continue
			}
			if errors.Is(err, errMalformedRecord) {
				s.logger.Warn("skipping malformed record", "path", filepath.Join(s.entitiesDir, de.Name()), "error", err)
				continue
			}
			return nil, err
		}
		if env.ExpiresAt != 0 && expired(time.UnixMilli(env.ExpiresAt), now) {
			continue
		}
		if filter.Matches(env.Tags) {
			out = append(out, gbfs.Entity{Key: env.Key, Payload: env.Payload, Tags: env.Tags})
		}
	}
	return out, nil
}

// DeleteEntities removes the records with the given keys. Keys that are
// not valid record keys are ignored like unknown ones.
func (s *FileSystemStore) DeleteEntities(ctx context.Context, keys []string) error {
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := uuid.Parse(k); err != nil {
			continue
		}
		if err := os.Remove(s.path(k)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove record %s: %w", k, err)
		}
	}
	return nil
}

func (s *FileSystemStore) Close() error { return nil }

func (s *FileSystemStore) path(key string) string {
	return filepath.Join(s.entitiesDir, key+".json")
}

// writeFile writes data to the specified path using atomic write (temp file + rename).
func (s *FileSystemStore) writeFile(destPath string, data []byte) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

func (s *FileSystemStore) readFile(path string) (*envelope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w %s: %v", errMalformedRecord, filepath.Base(path), err)
	}
	return &env, nil
}
