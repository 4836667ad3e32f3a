// Package tracker follows detections across sampling cycles using a fixed
// array of track slots.
//
// Association is nearest neighbour on the pixel Y axis only. The counting
// line is horizontal so vertical motion is all that separates tracks, and a
// 1D scan keeps each association O(capacity) with no allocation.
package tracker

import (
	"math"

	"github.com/dj-oyu/roadside-counter/internal/clock"
	"github.com/dj-oyu/roadside-counter/pkg/types"
)

const (
	// DefaultCapacity matches the maximum detections handled per frame
	DefaultCapacity = 10
	// DefaultMaxDistance is the association radius as a fraction of frame height
	DefaultMaxDistance = 0.1
	// DefaultStaleAfterMs frees a slot not seen for this long
	DefaultStaleAfterMs = 2000
)

// Config sizes the table and its association rules
type Config struct {
	Capacity     int
	FrameHeight  float64 // Pixels, used to scale normalized Y
	MaxDistance  float64 // Normalized, fraction of FrameHeight
	StaleAfterMs uint32
}

// Track is one slot of the table. A slot with LastSeen == 0 is free.
type Track struct {
	LastY    float64 // Last pixel Y position
	Counted  bool    // Set once the track has contributed a count
	LastSeen uint32  // Node clock millis, 0 marks a free slot
}

// Active reports whether the slot currently holds a track
func (t Track) Active() bool {
	return t.LastSeen != 0
}

// Association describes where a detection landed
type Association struct {
	ID        int     // Slot index
	PreviousY float64 // Track Y before this detection
	CurrentY  float64 // Detection Y in pixels
	Created   bool    // True if the detection opened a new track
}

// Table is a bounded set of short-lived tracks. It is owned by the sampling
// loop and is not safe for concurrent use.
type Table struct {
	cfg     Config
	slots   []Track
	dropped uint64
	expired uint64
}

// New allocates every slot up front; the table never grows.
func New(cfg Config) *Table {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.MaxDistance <= 0 {
		cfg.MaxDistance = DefaultMaxDistance
	}
	if cfg.StaleAfterMs == 0 {
		cfg.StaleAfterMs = DefaultStaleAfterMs
	}
	if cfg.FrameHeight <= 0 {
		cfg.FrameHeight = 240
	}
	return &Table{
		cfg:   cfg,
		slots: make([]Track, cfg.Capacity),
	}
}

// stamp maps now onto a non-zero value so an active slot can never look free
// when the clock reads exactly zero.
func stamp(now uint32) uint32 {
	if now == 0 {
		return 1
	}
	return now
}

// Associate matches d to the nearest active track within MaxDistance, or
// opens the first free slot. When the table is full and nothing matches the
// detection is dropped and ok is false.
//
// The matched slot's Y and LastSeen are updated; Counted is never touched.
func (t *Table) Associate(d types.Detection, now uint32) (assoc Association, ok bool) {
	y := d.Y * t.cfg.FrameHeight
	limit := t.cfg.MaxDistance * t.cfg.FrameHeight

	best := -1
	bestDist := limit
	for i := range t.slots {
		if !t.slots[i].Active() {
			continue
		}
		dist := math.Abs(y - t.slots[i].LastY)
		if dist < bestDist {
			bestDist = dist
			best = i
		}
	}

	if best >= 0 {
		slot := &t.slots[best]
		assoc = Association{ID: best, PreviousY: slot.LastY, CurrentY: y}
		slot.LastY = y
		slot.LastSeen = stamp(now)
		return assoc, true
	}

	for i := range t.slots {
		if t.slots[i].Active() {
			continue
		}
		t.slots[i] = Track{LastY: y, Counted: false, LastSeen: stamp(now)}
		return Association{ID: i, PreviousY: y, CurrentY: y, Created: true}, true
	}

	t.dropped++
	return Association{ID: -1}, false
}

// ExpireStale frees every active slot unseen for longer than StaleAfterMs and
// returns how many were freed.
func (t *Table) ExpireStale(now uint32) int {
	freed := 0
	for i := range t.slots {
		slot := &t.slots[i]
		if !slot.Active() {
			continue
		}
		if clock.Since(now, slot.LastSeen) > t.cfg.StaleAfterMs {
			*slot = Track{}
			freed++
		}
	}
	t.expired += uint64(freed)
	return freed
}

// Counted reports whether track id has already produced a count
func (t *Table) Counted(id int) bool {
	if id < 0 || id >= len(t.slots) {
		return false
	}
	return t.slots[id].Counted
}

// MarkCounted latches the counted flag for the remaining life of the slot
func (t *Table) MarkCounted(id int) {
	if id < 0 || id >= len(t.slots) || !t.slots[id].Active() {
		return
	}
	t.slots[id].Counted = true
}

// Get returns a copy of slot id
func (t *Table) Get(id int) (Track, bool) {
	if id < 0 || id >= len(t.slots) {
		return Track{}, false
	}
	return t.slots[id], true
}

// ActiveCount returns the number of occupied slots
func (t *Table) ActiveCount() int {
	n := 0
	for _, s := range t.slots {
		if s.Active() {
			n++
		}
	}
	return n
}

// Capacity returns the fixed number of slots
func (t *Table) Capacity() int {
	return len(t.slots)
}

// Dropped returns the number of detections rejected because no slot was free
func (t *Table) Dropped() uint64 {
	return t.dropped
}

// Expired returns the number of tracks freed by staleness
func (t *Table) Expired() uint64 {
	return t.expired
}
