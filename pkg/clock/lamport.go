// Package clock implements the Lamport logical clock used to order registry
// events across processes whose wall clocks are not synchronized.
package clock

import (
	"math"
	"sync"
)

// Lamport is a monotonically increasing logical counter.
// The zero value is ready to use and starts at 0. At math.MaxInt64 the
// clock stops advancing instead of wrapping.
type Lamport struct {
	mu  sync.Mutex
	now int64
}

// NewLamport creates a clock starting at start.
func NewLamport(start int64) *Lamport {
	return &Lamport{now: start}
}

// Tick increments the clock and returns the new value.
func (l *Lamport) Tick() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = next(l.now)
	return l.now
}

// Merge folds a clock value received from another process into this one:
// the clock becomes max(current, received) + 1.
func (l *Lamport) Merge(received int64) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = next(max(l.now, received))
	return l.now
}

// Value returns the current value without advancing the clock.
func (l *Lamport) Value() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.now
}

func next(v int64) int64 {
	if v == math.MaxInt64 {
		return v
	}
	return v + 1
}
