package node

import (
	"context"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/dj-oyu/roadside-counter/internal/clock"
)

// ReplaySummary describes an offline run over scripted detections
type ReplaySummary struct {
	Cycles           int     `json:"cycles"`
	Detections       int     `json:"detections"`
	Dropped          int     `json:"dropped"`
	Counted          int     `json:"counted"`
	Expired          int     `json:"expired"`
	Uploads          int     `json:"uploads"`
	Delivered        int     `json:"delivered"`
	ConfidenceMean   float64 `json:"confidence_mean"`
	ConfidenceStdDev float64 `json:"confidence_stddev"`
	Final            Status  `json:"final"`
}

// Replay drives n for the given number of detection cycles on a manual
// clock, advancing it by the sampling interval each cycle and running an
// upload cycle whenever the upload interval has elapsed. It stops early if
// ctx is cancelled.
func Replay(ctx context.Context, n *Node, clk *clock.Manual, cycles int) ReplaySummary {
	var sum ReplaySummary
	var confidences []float64

	step := n.cfg.Sampling.Interval
	uploadEvery := uint32(n.cfg.Upload.Interval.Milliseconds())
	lastUpload := clk.NowMillis()

	for i := 0; i < cycles; i++ {
		if ctx.Err() != nil {
			break
		}
		now := clk.Advance(step)

		res := n.Sample(ctx)
		sum.Cycles++
		sum.Detections += res.Detections
		sum.Dropped += res.Dropped
		sum.Counted += res.Counted
		sum.Expired += res.Expired
		confidences = append(confidences, res.Confidences...)

		if clock.Since(now, lastUpload) >= uploadEvery {
			lastUpload = now
			up := n.Upload(ctx)
			if up.Attempted {
				sum.Uploads++
			}
			if up.Delivered {
				sum.Delivered++
			}
		}
	}

	if len(confidences) > 0 {
		mean, std := stat.MeanStdDev(confidences, nil)
		sum.ConfidenceMean = mean
		if !math.IsNaN(std) {
			sum.ConfidenceStdDev = std
		}
	}
	sum.Final = n.Status()
	return sum
}
