package engine

import "sync/atomic"

// Sequencer hands out client sequence numbers. The sequence is the sole
// total order for the operation log, replay and rollback; wall clocks are
// never used for ordering.
type Sequencer interface {
	Next() int64
	Current() int64
	// Advance moves the sequence to at least n. Used after restoring queued
	// operations so new ones sort after them.
	Advance(n int64)
}

// Clock is the default Sequencer: a monotonic logical clock.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations),
// although the engine only calls it from the Run loop.
type Clock struct {
	seq atomic.Int64
}

var _ Sequencer = (*Clock)(nil)

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a new clock starting at a specific sequence number.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number and increments the clock.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current sequence number without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}

// Advance implements Sequencer. It never moves the clock backwards.
func (c *Clock) Advance(n int64) {
	for {
		cur := c.seq.Load()
		if cur >= n || c.seq.CompareAndSwap(cur, n) {
			return
		}
	}
}
