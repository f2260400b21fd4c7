package conversation

import "sync/atomic"

// Counter tracks completed turns against a cap fixed at construction.
// A max of 0 means uncapped.
type Counter struct {
	count atomic.Int64
	max   int
}

// NewCounter creates a counter starting at zero.
func NewCounter(max int) *Counter {
	if max < 0 {
		max = 0
	}
	return &Counter{max: max}
}

// Increment advances the count by one and returns the new value.
func (c *Counter) Increment() int {
	return int(c.count.Add(1))
}

// Reset sets the count back to zero.
func (c *Counter) Reset() {
	c.count.Store(0)
}

// HasReachedLimit reports count >= max. Always false when uncapped.
func (c *Counter) HasReachedLimit() bool {
	return c.max > 0 && c.Count() >= c.max
}

// Count returns the current value.
func (c *Counter) Count() int {
	return int(c.count.Load())
}

// Max returns the cap, 0 when uncapped.
func (c *Counter) Max() int {
	return c.max
}

// restore 仅在从快照恢复时使用。
func (c *Counter) restore(n int) {
	if n < 0 {
		n = 0
	}
	c.count.Store(int64(n))
}
