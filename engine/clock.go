package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// CLOCK - Injectable time source
// =============================================================================

// Clock supplies the current time. Every timestamp the engine writes comes
// from a Clock so tests can pin it.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock returns a settable instant.
type FixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func NewFixedClock(t time.Time) *FixedClock { return &FixedClock{t: t} }

func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *FixedClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// =============================================================================
// TIME UTILITIES
// =============================================================================

// Day is 24 hours. Forfeiture arithmetic counts whole elapsed days.
const Day = 24 * time.Hour

// DaysBetween counts whole days elapsed from -> to, truncating toward zero.
func DaysBetween(from, to time.Time) int { return int(to.Sub(from) / Day) }

// AddMonths keeps the calendar day where possible.
func AddMonths(t time.Time, n int) time.Time { return t.AddDate(0, n, 0) }

// NewID returns a random identifier for new records.
func NewID() string { return uuid.NewString() }
