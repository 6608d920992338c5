// Package entitystore provides gbfs.EntityStore backends: in-memory,
// filesystem, SQLite, Redis and S3, plus a tracing decorator.
package entitystore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"gbfs-go/internal/gbfs"
)

// validateCreates checks a batch before anything is written so a bad
// record never leaves the earlier ones behind.
func validateCreates(creates []gbfs.EntityCreate) error {
	for i, c := range creates {
		if err := gbfs.ValidateCreate(c); err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
	}
	return nil
}

// beginQuery checks the context and filter shared by every query.
func beginQuery(ctx context.Context, filter gbfs.Filter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return filter.Validate()
}

func newKey() string {
	return uuid.New().String()
}

// expiresAt returns the absolute expiry for a ttl in seconds, or the zero
// time for records that never expire.
func expiresAt(now time.Time, ttl int64) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(time.Duration(ttl) * time.Second)
}

func expired(exp time.Time, now time.Time) bool {
	return !exp.IsZero() && !now.Before(exp)
}

// dedupe drops repeated identical predicates. Conflicting predicates on the
// same tag are kept so the conjunction matches nothing.
func dedupe(preds []gbfs.Predicate) []gbfs.Predicate {
	seen := make(map[gbfs.Predicate]bool, len(preds))
	out := preds[:0:0]
	for _, p := range preds {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}
