// Package cache stores per-step vectors until they are flushed.
package cache

import (
	"fmt"

	smc "github.com/milosgajdos/go-smc"
)

// Cache is a step indexed vector cache
type Cache[T any] struct {
	// vals stores cached vectors indexed by step
	vals [][]T
	// valid tracks written steps
	valid []bool
}

// New creates new empty Cache and returns it
func New[T any]() *Cache[T] {
	return &Cache[T]{}
}

// Put stores a copy of v at step k.
// It returns error if k is negative.
func (c *Cache[T]) Put(k int, v []T) error {
	if k < 0 {
		return fmt.Errorf("%w: invalid step: %d", smc.ErrContract, k)
	}

	if k >= len(c.vals) {
		c.vals = append(c.vals, make([][]T, k+1-len(c.vals))...)
		c.valid = append(c.valid, make([]bool, k+1-len(c.valid))...)
	}

	val := make([]T, len(v))
	copy(val, v)
	c.vals[k] = val
	c.valid[k] = true

	return nil
}

// Get returns a copy of the vector stored at step k.
// It returns error if nothing has been written at step k.
func (c *Cache[T]) Get(k int) ([]T, error) {
	if k < 0 || k >= len(c.vals) || !c.valid[k] {
		return nil, fmt.Errorf("%w: step %d not cached", smc.ErrContract, k)
	}

	val := make([]T, len(c.vals[k]))
	copy(val, c.vals[k])

	return val, nil
}

// Size returns the number of steps spanned by the cache
func (c *Cache[T]) Size() int {
	return len(c.vals)
}

// IsValid returns true if every step in [0, Size) has been written
func (c *Cache[T]) IsValid() bool {
	for _, ok := range c.valid {
		if !ok {
			return false
		}
	}
	return true
}

// Clean releases all cached vectors
func (c *Cache[T]) Clean() {
	c.vals = nil
	c.valid = nil
}
