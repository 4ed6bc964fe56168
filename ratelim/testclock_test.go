package ratelim

import "sync"

// fakeClock is a manually advanced Clock for deterministic tests.
type fakeClock struct {
	mu        sync.Mutex
	sec, usec int64
}

func newFakeClock() *fakeClock { return &fakeClock{} }

func (c *fakeClock) Now() (int64, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sec, c.usec
}

func (c *fakeClock) advance(sec int64) {
	c.mu.Lock()
	c.sec += sec
	c.mu.Unlock()
}
