package gbfs

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// MaxPayloadSize is the per-record payload ceiling enforced by entity
// stores. Chunk sizes are chosen so that a chunk plus its IV and tag fits.
const MaxPayloadSize = 120 * 1024

// Tag vocabulary shared by every record this package writes.
const (
	TagType     = "type"
	TagBucketID = "bucketId"
	TagName     = "name"
	TagFile     = "file"
	TagIndex    = "index"
	TagUpload   = "upload"

	TypeBucket   = "bucket"
	TypeManifest = "manifest"
	TypeChunk    = "chunk"
)

// EntityStore is the external tagged key-value store files are persisted in.
// It has no transactions, no ordering, and a per-record payload ceiling.
// Implementations must be safe for concurrent use and must honour ctx
// cancellation on every call.
type EntityStore interface {
	// CreateEntities writes each record and returns the store-assigned keys
	// in the same order as the input.
	CreateEntities(ctx context.Context, creates []EntityCreate) ([]string, error)

	// QueryEntities returns every live record whose tags satisfy all
	// predicates of the filter. The result order is unspecified.
	QueryEntities(ctx context.Context, filter Filter) ([]Entity, error)

	// DeleteEntities removes the records with the given keys. Unknown keys
	// are ignored. A failure gives no detail about which keys were removed.
	DeleteEntities(ctx context.Context, keys []string) error

	// Close releases any resources held by the store.
	Close() error
}

// EntityCreate describes one record to write.
// TTL is the record lifetime in seconds; zero means no expiry.
type EntityCreate struct {
	Payload []byte
	TTL     int64
	Tags    map[string]string
}

// Entity is a stored record as returned by a query.
type Entity struct {
	Key     string
	Payload []byte
	Tags    map[string]string
}

// Predicate is a single tag equality test.
type Predicate struct {
	Tag   string
	Value string
}

// Filter is a conjunction of tag equality predicates. The zero Filter
// matches nothing and is rejected by stores; build one with Where.
// Filters are immutable: And returns a new Filter.
type Filter struct {
	preds []Predicate
}

// Where starts a filter with a single predicate.
func Where(tag, value string) Filter {
	return Filter{preds: []Predicate{{Tag: tag, Value: value}}}
}

// And returns a copy of f with one more predicate.
func (f Filter) And(tag, value string) Filter {
	preds := slices.Clone(f.preds)
	return Filter{preds: append(preds, Predicate{Tag: tag, Value: value})}
}

// Predicates returns a copy of the filter's predicates in insertion order.
func (f Filter) Predicates() []Predicate {
	return slices.Clone(f.preds)
}

// IsEmpty reports whether the filter has no predicates.
func (f Filter) IsEmpty() bool {
	return len(f.preds) == 0
}

// Matches reports whether tags satisfy every predicate.
func (f Filter) Matches(tags map[string]string) bool {
	if f.IsEmpty() {
		return false
	}
	for _, p := range f.preds {
		v, ok := tags[p.Tag]
		if !ok || v != p.Value {
			return false
		}
	}
	return true
}

// Validate returns an error if the filter cannot be evaluated.
func (f Filter) Validate() error {
	if f.IsEmpty() {
		return fmt.Errorf("%w: empty filter", ErrValidation)
	}
	for _, p := range f.preds {
		if p.Tag == "" {
			return fmt.Errorf("%w: filter predicate with empty tag", ErrValidation)
		}
	}
	return nil
}

// String renders the filter in the store query language, e.g.
//
//	type = "chunk" && bucketId = "0xab" && file = "a \"b\".txt"
//
// Values are quoted and escaped so user-supplied names cannot change the
// structure of the query.
func (f Filter) String() string {
	parts := make([]string, len(f.preds))
	for i, p := range f.preds {
		parts[i] = p.Tag + " = " + strconv.Quote(p.Value)
	}
	return strings.Join(parts, " && ")
}

func cloneTags(tags map[string]string) map[string]string {
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}

// CloneEntity returns a deep copy of e. Stores use it so callers never
// share payload or tag memory with the store's internal state.
func CloneEntity(e Entity) Entity {
	return Entity{
		Key:     e.Key,
		Payload: slices.Clone(e.Payload),
		Tags:    cloneTags(e.Tags),
	}
}

// ValidateCreate checks a record against the store contract.
func ValidateCreate(c EntityCreate) error {
	if len(c.Payload) > MaxPayloadSize {
		return fmt.Errorf("%w: payload of %d bytes exceeds record ceiling of %d", ErrValidation, len(c.Payload), MaxPayloadSize)
	}
	if c.TTL < 0 {
		return fmt.Errorf("%w: negative ttl %d", ErrValidation, c.TTL)
	}
	return nil
}
