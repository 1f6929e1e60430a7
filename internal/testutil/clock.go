package testutil

import (
	"sync"
	"time"
)

// ManualClock is a wall clock that only moves when told to.
//
// It satisfies engine.Clock, and its Now method can be passed to
// store.WithNow so row timestamps follow the same time line.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// DefaultStart is the time a ManualClock created with a zero start begins at.
var DefaultStart = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// NewManualClock creates a clock frozen at start (UTC). A zero start
// means DefaultStart.
func NewManualClock(start time.Time) *ManualClock {
	if start.IsZero() {
		start = DefaultStart
	}
	return &ManualClock{now: start.UTC()}
}

// Now returns the current frozen time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new time.
func (c *ManualClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// Set moves the clock to t. Moving backwards is allowed; tests that do so
// own the consequences.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}
