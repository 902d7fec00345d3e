package store

import (
	"sync"
	"time"
)

// Clock issues strictly increasing timestamps within a process. Wall-clock
// microseconds are the base; ties (and clock regressions) are broken by
// bumping past the last value handed out. Changelog entries persist the
// composite, so ordering never depends on the raw wall clock.
type Clock struct {
	mu   sync.Mutex
	last int64
}

// NewClock returns a monotonic clock.
func NewClock() *Clock {
	return &Clock{}
}

// NowMicros returns the next monotonic timestamp in microseconds.
func (c *Clock) NowMicros() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UnixMicro()
	if now <= c.last {
		now = c.last + 1
	}
	c.last = now
	return now
}

// Now returns the next monotonic timestamp as a UTC time.
func (c *Clock) Now() time.Time {
	return time.UnixMicro(c.NowMicros()).UTC()
}
