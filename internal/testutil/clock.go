// Package testutil holds helpers shared by livequery tests and the scenario
// harness: a logical clock and a consumer that records deliveries in the
// order they happen.
package testutil

import "sync"

// Clock is a resettable logical clock. Each call to Next returns the next
// integer, starting at 1, so that events recorded from several
// subscriptions can be put in one global order.
type Clock struct {
	mu  sync.Mutex
	seq int64
}

// NewClock returns a clock whose first Next is 1.
func NewClock() *Clock {
	return &Clock{}
}

// Next advances the clock and returns the new value.
func (c *Clock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

// Current returns the last value handed out, or 0.
func (c *Clock) Current() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// Reset rewinds the clock to 0.
func (c *Clock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq = 0
}
