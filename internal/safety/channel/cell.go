// Package channel provides the single-slot, last-write-wins cells used to hand
// state between asynchronous producers (sensor callbacks, trajectory
// producers, the robot driver) and the fixed-rate supervisor tick.
//
// A Cell never blocks either side. Writes replace the whole value through an
// atomic pointer swap, so a Load racing a Store observes either the old or
// the new value and never a partially written one. Intermediate writes
// between two loads are lost; the reader only ever needs the latest value.
package channel

import "sync/atomic"

// Cell holds the latest value of a changing quantity.
//
// Values must be treated as immutable once stored: a writer hands ownership
// of the value to the cell and must not mutate it afterwards.
type Cell[T any] struct {
	p atomic.Pointer[T]
}

// New returns a cell initialised with v.
func New[T any](v T) *Cell[T] {
	c := &Cell[T]{}
	c.Store(v)
	return c
}

// Store publishes v. Safe to call from any goroutine.
func (c *Cell[T]) Store(v T) {
	c.p.Store(&v)
}

// Load returns the latest stored value, or the zero value if nothing has
// been stored yet. It performs no allocation.
func (c *Cell[T]) Load() T {
	if p := c.p.Load(); p != nil {
		return *p
	}
	var zero T
	return zero
}

// Take empties the cell and returns its value. Combined with Store it
// gives consume-once hand-off semantics for values such as a pending
// trajectory.
func (c *Cell[T]) Take() (T, bool) {
	if old := c.p.Swap(nil); old != nil {
		return *old, true
	}
	var zero T
	return zero, false
}
