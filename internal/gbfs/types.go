package gbfs

import (
	"cmp"
	"slices"
	"time"
)

// Bucket is a namespace that files are grouped under.
// ID is the key the store assigned to the bucket record.
type Bucket struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// FileMeta is the caller-facing view of a stored file, derived from its
// manifest. ID is the manifest's store key.
type FileMeta struct {
	ID        string
	BucketID  string
	Name      string
	Size      int64
	CreatedAt time.Time
}

// Entry is one record of a list operation: either a decoded value, or a
// record that exists but could not be decoded. Exactly one of Value and
// Err is set.
type Entry[T any] struct {
	Key   string
	Value *T
	Err   error
}

// OK reports whether the record decoded.
func (e Entry[T]) OK() bool {
	return e.Err == nil && e.Value != nil
}

// Values returns the decoded values of entries, skipping malformed ones.
func Values[T any](entries []Entry[T]) []*T {
	out := make([]*T, 0, len(entries))
	for _, e := range entries {
		if e.OK() {
			out = append(out, e.Value)
		}
	}
	return out
}

// Malformed returns the entries that failed to decode.
func Malformed[T any](entries []Entry[T]) []Entry[T] {
	var out []Entry[T]
	for _, e := range entries {
		if !e.OK() {
			out = append(out, e)
		}
	}
	return out
}

// SortFiles orders file entries by name, then creation time, then key.
// Malformed entries sort last, by key.
func SortFiles(entries []Entry[FileMeta]) {
	slices.SortStableFunc(entries, func(a, b Entry[FileMeta]) int {
		switch {
		case a.OK() && !b.OK():
			return -1
		case !a.OK() && b.OK():
			return 1
		case !a.OK() && !b.OK():
			return cmp.Compare(a.Key, b.Key)
		}
		if c := cmp.Compare(a.Value.Name, b.Value.Name); c != 0 {
			return c
		}
		if c := a.Value.CreatedAt.Compare(b.Value.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Key, b.Key)
	})
}

// SortBuckets orders bucket entries by name, then key. Malformed entries
// sort last.
func SortBuckets(entries []Entry[Bucket]) {
	slices.SortStableFunc(entries, func(a, b Entry[Bucket]) int {
		switch {
		case a.OK() && !b.OK():
			return -1
		case !a.OK() && b.OK():
			return 1
		case !a.OK() && !b.OK():
			return cmp.Compare(a.Key, b.Key)
		}
		if c := cmp.Compare(a.Value.Name, b.Value.Name); c != 0 {
			return c
		}
		return cmp.Compare(a.Key, b.Key)
	})
}
