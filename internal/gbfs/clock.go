package gbfs

import (
	"time"

	"github.com/google/uuid"
)

// Clock supplies the createdAt stamps written into bucket and manifest
// records. Which generation of a file wins a lookup depends on them.
type Clock interface {
	Now() time.Time
}

// RealClock stamps records with the wall clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// IDGenerator names upload generations. Every chunk and the manifest of
// one upload carry the same id in their upload tag.
type IDGenerator interface {
	New() string
}

// UUIDGenerator names uploads with random v4 UUIDs.
type UUIDGenerator struct{}

func (UUIDGenerator) New() string { return uuid.New().String() }
