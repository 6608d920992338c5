package gbfs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// CreateBucket writes a bucket record and returns the bucket with its
// store-assigned id.
func (s *Service) CreateBucket(ctx context.Context, name string) (*Bucket, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: bucket name is required", ErrValidation)
	}

	now := s.clock.Now()
	payload, err := json.Marshal(bucketRecord{Name: name, CreatedAt: now.UnixMilli()})
	if err != nil {
		return nil, fmt.Errorf("encoding bucket: %w", err)
	}

	keys, err := s.store.CreateEntities(ctx, []EntityCreate{{
		Payload: payload,
		TTL:     s.ttl,
		Tags: map[string]string{
			TagType: TypeBucket,
			TagName: name,
		},
	}})
	if err != nil {
		return nil, storeErr("create bucket", err)
	}
	if len(keys) != 1 {
		return nil, storeErr("create bucket", fmt.Errorf("store returned %d keys for 1 record", len(keys)))
	}

	s.logger.Info("bucket created", "bucket", keys[0], "name", name)
	return &Bucket{ID: keys[0], Name: name, CreatedAt: time.UnixMilli(now.UnixMilli())}, nil
}

// ListBuckets returns every bucket record. A record that fails to decode
// is returned as a malformed entry carrying its key; it does not abort the
// listing.
func (s *Service) ListBuckets(ctx context.Context) ([]Entry[Bucket], error) {
	return s.queryBuckets(ctx, Where(TagType, TypeBucket))
}

// FindBucket returns the bucket records with the given name.
func (s *Service) FindBucket(ctx context.Context, name string) ([]Entry[Bucket], error) {
	if name == "" {
		return nil, fmt.Errorf("%w: bucket name is required", ErrValidation)
	}
	return s.queryBuckets(ctx, Where(TagType, TypeBucket).And(TagName, name))
}

func (s *Service) queryBuckets(ctx context.Context, filter Filter) ([]Entry[Bucket], error) {
	entities, err := s.store.QueryEntities(ctx, filter)
	if err != nil {
		return nil, storeErr("query buckets", err)
	}

	entries := make([]Entry[Bucket], len(entities))
	for i, e := range entities {
		b, err := decodeBucket(e)
		if err != nil {
			s.logger.Warn("malformed bucket record", "key", e.Key, "error", err)
			entries[i] = Entry[Bucket]{Key: e.Key, Err: err}
			continue
		}
		entries[i] = Entry[Bucket]{Key: e.Key, Value: b}
	}
	return entries, nil
}

func decodeBucket(e Entity) (*Bucket, error) {
	var rec bucketRecord
	if err := json.Unmarshal(e.Payload, &rec); err != nil {
		return nil, fmt.Errorf("%w: decoding bucket %s: %v", ErrCorruptFile, e.Key, err)
	}
	if rec.Name == "" {
		return nil, fmt.Errorf("%w: bucket %s has no name", ErrCorruptFile, e.Key)
	}
	return &Bucket{ID: e.Key, Name: rec.Name, CreatedAt: time.UnixMilli(rec.CreatedAt)}, nil
}

// DeleteBucket removes the bucket record with the given id. The files
// grouped under the bucket are left in place: deletion does not cascade,
// and callers that want the files gone must delete them first.
// Returns ErrNotFound if id is not a bucket record.
func (s *Service) DeleteBucket(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: bucket id is required", ErrValidation)
	}

	// The store deletes by key alone; make sure the key names a bucket so
	// a stray id cannot remove a chunk or manifest.
	entities, err := s.store.QueryEntities(ctx, Where(TagType, TypeBucket))
	if err != nil {
		return storeErr("query buckets", err)
	}
	found := false
	for _, e := range entities {
		if e.Key == id {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: bucket %s", ErrNotFound, id)
	}

	if err := s.store.DeleteEntities(ctx, []string{id}); err != nil {
		return storeErr("delete bucket", err)
	}

	s.logger.Info("bucket deleted", "bucket", id)
	return nil
}
