// Package counter decides when a track has crossed the counting line.
package counter

// Direction of travel across the line in image coordinates
type Direction int

const (
	// Down is top-to-bottom (increasing Y), the counted direction
	Down Direction = iota
	// Up is bottom-to-top, counted only when reverse counting is enabled
	Up
)

func (d Direction) String() string {
	if d == Up {
		return "up"
	}
	return "down"
}

// Flags is the per-track counted latch, implemented by the track table
type Flags interface {
	Counted(id int) bool
	MarkCounted(id int)
}

// Config places the line and its jitter band, in pixel rows
type Config struct {
	LineY        float64
	Margin       float64
	CountReverse bool
}

// Line evaluates crossings for one counting line
type Line struct {
	cfg   Config
	flags Flags
}

// New returns a line counter that latches counts into flags
func New(cfg Config, flags Flags) *Line {
	return &Line{cfg: cfg, flags: flags}
}

// Upper is the top edge of the margin band
func (l *Line) Upper() float64 { return l.cfg.LineY - l.cfg.Margin }

// Lower is the bottom edge of the margin band
func (l *Line) Lower() float64 { return l.cfg.LineY + l.cfg.Margin }

// Crossing reports whether a move from previousY to currentY jumps the whole
// margin band. The band edges count as outside the band; anything strictly
// inside it is jitter.
func (l *Line) Crossing(previousY, currentY float64) (Direction, bool) {
	if previousY <= l.Upper() && currentY > l.Lower() {
		return Down, true
	}
	if l.cfg.CountReverse && previousY >= l.Lower() && currentY < l.Upper() {
		return Up, true
	}
	return Down, false
}

// Evaluate returns true at most once per track lifetime: the first time the
// track crosses, its counted flag is set before returning.
func (l *Line) Evaluate(id int, previousY, currentY float64) bool {
	if l.flags.Counted(id) {
		return false
	}
	if _, crossed := l.Crossing(previousY, currentY); !crossed {
		return false
	}
	l.flags.MarkCounted(id)
	return true
}
