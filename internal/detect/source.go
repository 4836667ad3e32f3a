// Package detect defines the detection source seam between the counting
// core and whatever model produces bounding boxes.
package detect

import (
	"context"
	"math"

	"github.com/dj-oyu/roadside-counter/internal/clock"
	"github.com/dj-oyu/roadside-counter/pkg/types"
)

// Source produces the detections for one frame. An empty result is a
// sensing gap, not an error.
type Source interface {
	Poll(ctx context.Context, frame *types.Frame) ([]types.Detection, error)
}

// SourceFunc adapts a function to Source
type SourceFunc func(ctx context.Context, frame *types.Frame) ([]types.Detection, error)

func (f SourceFunc) Poll(ctx context.Context, frame *types.Frame) ([]types.Detection, error) {
	return f(ctx, frame)
}

// Filter applies the node's acceptance rules on top of any Source: drop
// malformed detections and those below Threshold, keep at most Max per
// frame, and stamp each one with the node clock.
type Filter struct {
	Source    Source
	Threshold float64
	Max       int
	Clock     clock.Clock

	discarded uint64
}

// Poll returns the accepted detections for frame
func (f *Filter) Poll(ctx context.Context, frame *types.Frame) ([]types.Detection, error) {
	raw, err := f.Source.Poll(ctx, frame)
	if err != nil {
		return nil, err
	}

	now := f.Clock.NowMillis()
	out := make([]types.Detection, 0, len(raw))
	for _, d := range raw {
		if !valid(d) || d.Confidence < f.Threshold {
			f.discarded++
			continue
		}
		if f.Max > 0 && len(out) >= f.Max {
			f.discarded++
			continue
		}
		d.X = clamp01(d.X)
		d.Y = clamp01(d.Y)
		d.Timestamp = now
		out = append(out, d)
	}
	return out, nil
}

// Discarded returns how many detections the filter has rejected
func (f *Filter) Discarded() uint64 {
	return f.discarded
}

// valid rejects detections that would poison the running statistics: a
// non-finite coordinate or a confidence outside [0,1].
func valid(d types.Detection) bool {
	for _, v := range []float64{d.X, d.Y, d.Width, d.Height, d.Confidence} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return d.Confidence >= 0 && d.Confidence <= 1
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
