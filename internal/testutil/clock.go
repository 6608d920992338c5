package testutil

import (
	"fmt"
	"sync"
	"time"
)

// StubClock is a gbfs.Clock whose time only moves when a test says so, so
// manifest createdAt values are predictable. Safe for concurrent use.
type StubClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewStubClock(t time.Time) *StubClock {
	return &StubClock{now: t}
}

// FixedClock starts at 2024-01-15 10:30:00 UTC, which every service built
// by NewTestService uses.
func FixedClock() *StubClock {
	return NewStubClock(time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC))
}

func (c *StubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d. Manifests stamp milliseconds, so
// a second upload of a name needs at least a millisecond to sort as newer.
func (c *StubClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// UploadIDs hands out "upload-1", "upload-2", ... in call order so tests
// can predict the upload tag of each generation.
type UploadIDs struct {
	mu   sync.Mutex
	next int
}

func NewStubIDGenerator() *UploadIDs {
	return &UploadIDs{}
}

func (g *UploadIDs) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("upload-%d", g.next)
}
