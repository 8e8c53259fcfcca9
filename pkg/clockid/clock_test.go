package clockid

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedClock(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := FixedClock{At: at}
	assert.Equal(t, at, c.Now())
	assert.Equal(t, at, c.Now())
}

func TestOffsetClockAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewOffsetClock(start)
	require.Equal(t, start, c.Now())
	next := c.Advance(time.Hour)
	assert.Equal(t, start.Add(time.Hour), next)
	assert.Equal(t, next, c.Now())
}

func TestNewIDUnique(t *testing.T) {
	a, b := NewID(), NewID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}

func TestNewIdempotencyKeyDeterministic(t *testing.T) {
	ts := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	k1 := NewIdempotencyKey("user-1", "word-1", ts)
	k2 := NewIdempotencyKey("user-1", "word-1", ts)
	assert.Equal(t, k1, k2)

	k3 := NewIdempotencyKey("user-2", "word-1", ts)
	assert.NotEqual(t, k1, k3)
}
