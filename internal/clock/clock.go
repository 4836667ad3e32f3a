// Package clock provides the node's millisecond time source.
//
// Timestamps are uint32 milliseconds that wrap after ~49.7 days, the same
// width as a microcontroller millis() counter. Callers must only compare
// timestamps through Since, which relies on unsigned wrap-around.
package clock

import (
	"sync/atomic"
	"time"
)

// Clock returns a monotonic millisecond counter
type Clock interface {
	NowMillis() uint32
}

// Since returns the elapsed milliseconds from then to now, tolerating a
// single wrap of the counter.
func Since(now, then uint32) uint32 {
	return now - then
}

// Monotonic derives millis from Go's monotonic clock reading
type Monotonic struct {
	start time.Time
}

// NewMonotonic starts a clock at zero
func NewMonotonic() *Monotonic {
	return &Monotonic{start: time.Now()}
}

// NowMillis returns millis since the clock was created, truncated to 32 bits
func (m *Monotonic) NowMillis() uint32 {
	return uint32(time.Since(m.start).Milliseconds())
}

// Manual is a clock moved explicitly, for tests and offline replay
type Manual struct {
	now atomic.Uint32
}

// NewManual returns a manual clock set to start
func NewManual(start uint32) *Manual {
	m := &Manual{}
	m.now.Store(start)
	return m
}

// NowMillis returns the current manual time
func (m *Manual) NowMillis() uint32 {
	return m.now.Load()
}

// Set moves the clock to ms
func (m *Manual) Set(ms uint32) {
	m.now.Store(ms)
}

// Advance moves the clock forward by d, wrapping like a hardware counter
func (m *Manual) Advance(d time.Duration) uint32 {
	return m.now.Add(uint32(d.Milliseconds()))
}
