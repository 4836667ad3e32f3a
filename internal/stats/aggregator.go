// Package stats keeps the node's rolling vehicle counters.
//
// Minute and hour windows are reset-on-read: a window is only checked, and
// rolled over, when Snapshot is called. Window edges therefore drift to the
// snapshot times rather than following wall-clock minutes and hours.
package stats

import (
	"sync"

	"github.com/dj-oyu/roadside-counter/internal/clock"
	"github.com/dj-oyu/roadside-counter/pkg/types"
)

const (
	MinuteWindowMs uint32 = 60_000
	HourWindowMs   uint32 = 3_600_000
)

// Totals is a read-only view of the counters that does not roll windows
type Totals struct {
	Total         uint32
	Hour          uint32
	Minute        uint32
	AvgConfidence float64
	Samples       uint64
}

// Aggregator owns the counter state. The sampling loop is the only writer;
// the mutex lets status readers take Totals from other goroutines.
type Aggregator struct {
	mu sync.Mutex

	site types.Site

	total  uint32
	hour   uint32
	minute uint32

	hourStart   uint32
	minuteStart uint32

	confidenceSum float64
	samples       uint64
}

// New starts both windows at now
func New(site types.Site, now uint32) *Aggregator {
	return &Aggregator{
		site:        site,
		hourStart:   now,
		minuteStart: now,
	}
}

// RecordDetection adds one confidence sample to the running mean
func (a *Aggregator) RecordDetection(confidence float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.confidenceSum += confidence
	a.samples++
}

// RecordCount adds one vehicle to every counter
func (a *Aggregator) RecordCount() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.total++
	a.hour++
	a.minute++
}

// Snapshot rolls expired windows over and returns the current counters
func (a *Aggregator) Snapshot(now uint32) types.StatsSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	if clock.Since(now, a.minuteStart) >= MinuteWindowMs {
		a.minute = 0
		a.minuteStart = now
	}
	if clock.Since(now, a.hourStart) >= HourWindowMs {
		a.hour = 0
		a.hourStart = now
	}

	return types.StatsSnapshot{
		TotalCount:    a.total,
		HourCount:     a.hour,
		MinuteCount:   a.minute,
		AvgConfidence: a.meanLocked(),
		Uptime:        now / 1000,
		TakenAt:       now,
		Site:          a.site,
	}
}

// ResetHourly commits the hourly counter after a confirmed upload and
// restarts its window. Total and minute counters are left alone.
func (a *Aggregator) ResetHourly(now uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hour = 0
	a.hourStart = now
}

// Totals returns the counters as they stand, without rolling windows
func (a *Aggregator) Totals() Totals {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Totals{
		Total:         a.total,
		Hour:          a.hour,
		Minute:        a.minute,
		AvgConfidence: a.meanLocked(),
		Samples:       a.samples,
	}
}

func (a *Aggregator) meanLocked() float64 {
	if a.samples == 0 {
		return 0
	}
	return a.confidenceSum / float64(a.samples)
}
