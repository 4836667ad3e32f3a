package detect

import (
	"context"
	"fmt"
	"math"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/dj-oyu/roadside-counter/pkg/types"
)

// FixtureBox is one scripted detection in normalized coordinates
type FixtureBox struct {
	X          float64 `yaml:"x"`
	Y          float64 `yaml:"y"`
	Width      float64 `yaml:"w"`
	Height     float64 `yaml:"h"`
	Confidence float64 `yaml:"confidence"`
}

// FixtureFile is the YAML layout of a scripted detection sequence
type FixtureFile struct {
	Loop   bool           `yaml:"loop"`
	Frames [][]FixtureBox `yaml:"frames"`
}

// Fixture replays a fixed detection sequence, one entry per Poll. When the
// sequence is exhausted it returns nothing unless Loop is set.
type Fixture struct {
	mu     sync.Mutex
	frames [][]types.Detection
	loop   bool
	next   int
}

// NewFixture builds a fixture from in-memory frames
func NewFixture(loop bool, frames ...[]types.Detection) *Fixture {
	return &Fixture{frames: frames, loop: loop}
}

// LoadFixture reads a YAML fixture file
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture: %w", err)
	}
	return ParseFixture(data)
}

// ParseFixture decodes fixture YAML
func ParseFixture(data []byte) (*Fixture, error) {
	var file FixtureFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse fixture: %w", err)
	}

	frames := make([][]types.Detection, len(file.Frames))
	for i, boxes := range file.Frames {
		for _, b := range boxes {
			if !(b.Confidence >= 0 && b.Confidence <= 1) {
				return nil, fmt.Errorf("frame %d: confidence %.2f outside [0,1]", i, b.Confidence)
			}
			if !finite(b.X, b.Y, b.Width, b.Height) {
				return nil, fmt.Errorf("frame %d: box coordinates must be finite", i)
			}
			frames[i] = append(frames[i], types.Detection{
				X:          b.X,
				Y:          b.Y,
				Width:      b.Width,
				Height:     b.Height,
				Confidence: b.Confidence,
			})
		}
	}
	return &Fixture{frames: frames, loop: file.Loop}, nil
}

// Poll implements Source
func (f *Fixture) Poll(ctx context.Context, frame *types.Frame) ([]types.Detection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.next >= len(f.frames) {
		if !f.loop || len(f.frames) == 0 {
			return nil, nil
		}
		f.next = 0
	}
	out := make([]types.Detection, len(f.frames[f.next]))
	copy(out, f.frames[f.next])
	f.next++
	return out, nil
}

// Len returns the number of scripted frames
func (f *Fixture) Len() int {
	return len(f.frames)
}

// Remaining reports how many scripted frames are left before the end
func (f *Fixture) Remaining() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames) - f.next
}

func finite(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
