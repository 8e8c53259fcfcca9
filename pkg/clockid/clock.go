// Package clockid provides the monotonic time source and ID generator used
// throughout the AMAS core, kept behind a small seam so tests can run with
// deterministic time instead of the wall clock.
package clockid

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts the current time so decision-pipeline and queue logic can
// be driven deterministically in tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock, backed by time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock always returns the same instant. Useful for golden-value tests.
type FixedClock struct {
	At time.Time
}

func (c FixedClock) Now() time.Time { return c.At }

// OffsetClock advances an internal instant only when Advance is called,
// letting a test control the passage of time precisely.
type OffsetClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewOffsetClock returns an OffsetClock starting at start.
func NewOffsetClock(start time.Time) *OffsetClock {
	return &OffsetClock{now: start}
}

func (c *OffsetClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new instant.
func (c *OffsetClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// NewID returns a new random identifier suitable for decision/task/trace IDs.
func NewID() string {
	return uuid.New().String()
}

// NewIdempotencyKey builds the canonical idempotency key for a delayed
// reward scheduled from a given user, word, and event timestamp: repeated
// scheduling attempts for the same (user, word, event) collapse onto one
// logical task.
func NewIdempotencyKey(userID, wordID string, eventTs time.Time) string {
	return fmt.Sprintf("%s:%s:%d", userID, wordID, eventTs.Unix())
}
