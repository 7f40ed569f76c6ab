package acquisition

import (
	"sync"
	"time"
)

// Cell holds the latest value produced by one sensor task together with the
// error of its most recent attempt. It has a single writer.
type Cell[T any] struct {
	mu      sync.RWMutex
	value   T
	valid   bool
	updated time.Time
	err     error
}

// Store replaces the value and clears the error
func (c *Cell[T]) Store(v T, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.value = v
	c.valid = true
	c.updated = at
	c.err = nil
}

// Fail records the error of the latest attempt. The last good value is kept.
func (c *Cell[T]) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.err = err
}

// Load returns the latest value, whether one was ever stored, the time it was
// stored and the error of the latest attempt
func (c *Cell[T]) Load() (v T, ok bool, updated time.Time, err error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.value, c.valid, c.updated, c.err
}
