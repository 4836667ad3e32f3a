// Package node runs the sampling loop that drives the counting pipeline.
//
// A single goroutine owns the track table, the line counter, the
// aggregator and the upload coordinator. Readers outside the loop only see
// the Status copy published at the end of each cycle.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dj-oyu/roadside-counter/internal/camera"
	"github.com/dj-oyu/roadside-counter/internal/clock"
	"github.com/dj-oyu/roadside-counter/internal/config"
	"github.com/dj-oyu/roadside-counter/internal/counter"
	"github.com/dj-oyu/roadside-counter/internal/detect"
	"github.com/dj-oyu/roadside-counter/internal/evidence"
	"github.com/dj-oyu/roadside-counter/internal/logger"
	"github.com/dj-oyu/roadside-counter/internal/metrics"
	"github.com/dj-oyu/roadside-counter/internal/stats"
	"github.com/dj-oyu/roadside-counter/internal/tracker"
	"github.com/dj-oyu/roadside-counter/internal/upload"
	"github.com/dj-oyu/roadside-counter/pkg/types"
)

// Options wires a node together. Camera, Source and Transport are required.
type Options struct {
	Config    config.Config
	Clock     clock.Clock
	Camera    camera.Camera
	Source    detect.Source
	Transport upload.Transport
	Evidence  *evidence.Sink // nil disables evidence images
	Metrics   *metrics.Metrics
	Logger    *logger.Logger
	BootID    string
}

// CycleResult summarizes one detection cycle
type CycleResult struct {
	Frame       uint64
	Detections  int
	Confidences []float64 // One per accepted detection
	Dropped     int
	Counted     int
	Expired     int
	Evidence    string // Path of the evidence image, if one was written
	Err         error
}

// UploadStatus is the public view of the last upload cycle
type UploadStatus struct {
	Attempted bool   `json:"attempted"`
	Delivered bool   `json:"delivered"`
	Status    int    `json:"status"`
	RequestID string `json:"request_id,omitempty"`
	Error     string `json:"error,omitempty"`
	At        uint32 `json:"at_ms"`
}

// Status is a point-in-time copy of the node state
type Status struct {
	Site          types.Site       `json:"site"`
	BootID        string           `json:"boot_id"`
	UptimeSeconds uint32           `json:"uptime"`
	TotalCount    uint32           `json:"total_count"`
	HourCount     uint32           `json:"hour_count"`
	MinuteCount   uint32           `json:"minute_count"`
	AvgConfidence float64          `json:"avg_confidence"`
	ActiveTracks  int              `json:"active_tracks"`
	Dropped       uint64           `json:"dropped_detections"`
	FramesSampled uint64           `json:"frames_sampled"`
	LinkState     string           `json:"link_state"`
	LastUpload    *UploadStatus    `json:"last_upload,omitempty"`
	Evidence      *evidence.Status `json:"evidence,omitempty"`
}

// Node owns every stage of the pipeline
type Node struct {
	cfg      config.Config
	clock    clock.Clock
	camera   camera.Camera
	filter   *detect.Filter
	table    *tracker.Table
	line     *counter.Line
	agg      *stats.Aggregator
	uploader *upload.Coordinator
	evidence *evidence.Sink
	metrics  *metrics.Metrics
	log      logger.Module
	bootID   string

	frames    uint64
	discarded uint64

	mu     sync.RWMutex
	status Status
}

// New validates the configuration and builds the pipeline
func New(opts Options) (*Node, error) {
	if opts.Camera == nil || opts.Source == nil || opts.Transport == nil {
		return nil, errors.New("node requires a camera, a detection source and a transport")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	cfg := opts.Config

	endpoint, err := upload.ParseEndpoint(cfg.Upload.URL)
	if err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewMonotonic()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}

	table := tracker.New(tracker.Config{
		Capacity:     cfg.Tracking.Capacity,
		FrameHeight:  float64(cfg.Sampling.FrameHeight),
		MaxDistance:  cfg.Tracking.MaxDistance,
		StaleAfterMs: uint32(cfg.Tracking.StaleAfter.Milliseconds()),
	})
	agg := stats.New(cfg.Site, opts.Clock.NowMillis())

	n := &Node{
		cfg:    cfg,
		clock:  opts.Clock,
		camera: opts.Camera,
		filter: &detect.Filter{
			Source:    opts.Source,
			Threshold: cfg.Sampling.ConfidenceThreshold,
			Max:       cfg.Sampling.MaxDetections,
			Clock:     opts.Clock,
		},
		table: table,
		line: counter.New(counter.Config{
			LineY:        cfg.Line.Y,
			Margin:       cfg.Line.Margin,
			CountReverse: cfg.Line.CountReverse,
		}, table),
		agg: agg,
		uploader: upload.NewCoordinator(upload.Config{
			Endpoint:        endpoint,
			APIKey:          cfg.Upload.APIKey,
			Encoding:        upload.Encoding(cfg.Upload.Encoding),
			RetryDelay:      cfg.Upload.RetryDelay,
			ResponseTimeout: cfg.Upload.ResponseTimeout,
			BootID:          opts.BootID,
		}, opts.Transport, agg, opts.Clock, opts.Metrics, opts.Logger),
		evidence: opts.Evidence,
		metrics:  opts.Metrics,
		log:      logger.For("Node", opts.Logger),
		bootID:   opts.BootID,
	}
	if band, radius, wide := BandExceedsRadius(cfg); wide {
		n.log.Warn("Line band %.0fpx is wider than the association radius %.0fpx, a vehicle must be tracked across it in one step to count",
			band, radius)
	}
	n.publish(nil)
	return n, nil
}

// BandExceedsRadius reports whether the margin band is at least as wide as
// the association radius. With such a config a track can only count if a
// single association step spans the whole band.
func BandExceedsRadius(cfg config.Config) (band, radius float64, wide bool) {
	band = 2 * cfg.Line.Margin
	radius = cfg.Tracking.MaxDistance * float64(cfg.Sampling.FrameHeight)
	return band, radius, band >= radius
}

// Sample runs one detection cycle. Failures are reported in the result and
// never stop the loop.
func (n *Node) Sample(ctx context.Context) CycleResult {
	started := time.Now()
	defer func() { n.metrics.ObserveCycle(time.Since(started)) }()

	var res CycleResult
	frame, err := n.camera.Capture(ctx)
	if err != nil {
		n.metrics.CaptureErrors.Add(1)
		res.Err = fmt.Errorf("capture: %w", err)
		n.log.Warn("Capture failed: %v", err)
	} else {
		n.frames++
		n.metrics.FramesSampled.Add(1)
		res.Frame = frame.FrameNum

		detections, err := n.filter.Poll(ctx, frame)
		if err != nil {
			n.metrics.DetectorErrors.Add(1)
			res.Err = fmt.Errorf("detect: %w", err)
			n.log.Warn("Detection source failed: %v", err)
		}
		if d := n.filter.Discarded(); d > n.discarded {
			n.metrics.DetectionsFiltered.Add(d - n.discarded)
			n.discarded = d
		}
		n.track(frame, detections, &res)
	}

	now := n.clock.NowMillis()
	res.Expired = n.table.ExpireStale(now)
	if res.Expired > 0 {
		n.metrics.TracksExpired.Add(uint64(res.Expired))
		n.log.Debug("Expired %d stale tracks", res.Expired)
	}
	n.metrics.ActiveTracks.Store(uint64(n.table.ActiveCount()))

	n.publish(nil)
	return res
}

func (n *Node) track(frame *types.Frame, detections []types.Detection, res *CycleResult) {
	now := n.clock.NowMillis()
	var last *evidence.Event

	for _, d := range detections {
		res.Detections++
		res.Confidences = append(res.Confidences, d.Confidence)
		n.metrics.DetectionsSeen.Add(1)
		n.agg.RecordDetection(d.Confidence)

		assoc, ok := n.table.Associate(d, now)
		if !ok {
			res.Dropped++
			n.metrics.DetectionsDropped.Add(1)
			n.log.Debug("Track table full, dropped detection at y=%.3f", d.Y)
			continue
		}
		if !n.line.Evaluate(assoc.ID, assoc.PreviousY, assoc.CurrentY) {
			continue
		}

		n.agg.RecordCount()
		n.metrics.VehiclesCounted.Add(1)
		res.Counted++

		dir, _ := n.line.Crossing(assoc.PreviousY, assoc.CurrentY)
		total := n.agg.Totals().Total
		n.log.Info("Vehicle counted: track %d %s (%.0f -> %.0f), total %d",
			assoc.ID, dir, assoc.PreviousY, assoc.CurrentY, total)
		last = &evidence.Event{
			Millis:      now,
			TrackID:     assoc.ID,
			Direction:   dir.String(),
			LineY:       n.cfg.Line.Y,
			Margin:      n.cfg.Line.Margin,
			FrameHeight: float64(n.cfg.Sampling.FrameHeight),
			X:           d.X,
			Y:           d.Y,
			Confidence:  d.Confidence,
			Total:       total,
		}
	}

	// One image per frame, annotated with the last crossing in it.
	if last == nil || n.evidence == nil {
		return
	}
	path, err := n.evidence.Save(frame, *last)
	if err != nil {
		n.metrics.EvidenceErrors.Add(1)
		return
	}
	n.metrics.EvidenceSaved.Add(1)
	res.Evidence = path
}

// Upload runs one upload cycle through the coordinator
func (n *Node) Upload(ctx context.Context) upload.Result {
	res := n.uploader.Cycle(ctx)
	n.publish(&res)
	return res
}

// Run drives both timers until ctx is cancelled. Sampling and uploading
// share this goroutine, so they never overlap.
func (n *Node) Run(ctx context.Context) error {
	sample := time.NewTicker(n.cfg.Sampling.Interval)
	defer sample.Stop()
	uploads := time.NewTicker(n.cfg.Upload.Interval)
	defer uploads.Stop()

	n.log.Info("Sampling every %v, uploading every %v to %s",
		n.cfg.Sampling.Interval, n.cfg.Upload.Interval, n.cfg.Upload.URL)

	for {
		select {
		case <-ctx.Done():
			n.log.Info("Stopping")
			return ctx.Err()
		case <-sample.C:
			n.Sample(ctx)
		case <-uploads.C:
			n.Upload(ctx)
		}
	}
}

// Status returns the most recently published state
func (n *Node) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	st := n.status
	if st.LastUpload != nil {
		u := *st.LastUpload
		st.LastUpload = &u
	}
	if st.Evidence != nil {
		e := *st.Evidence
		st.Evidence = &e
	}
	return st
}

func (n *Node) publish(res *upload.Result) {
	totals := n.agg.Totals()
	st := Status{
		Site:          n.cfg.Site,
		BootID:        n.bootID,
		UptimeSeconds: n.clock.NowMillis() / 1000,
		TotalCount:    totals.Total,
		HourCount:     totals.Hour,
		MinuteCount:   totals.Minute,
		AvgConfidence: totals.AvgConfidence,
		ActiveTracks:  n.table.ActiveCount(),
		Dropped:       n.table.Dropped(),
		FramesSampled: n.frames,
		LinkState:     n.uploader.State().String(),
	}
	if n.evidence != nil {
		es := n.evidence.GetStatus()
		st.Evidence = &es
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if res != nil {
		u := &UploadStatus{
			Attempted: res.Attempted,
			Delivered: res.Delivered,
			Status:    res.Status,
			RequestID: res.RequestID,
			At:        n.clock.NowMillis(),
		}
		if res.Err != nil {
			u.Error = res.Err.Error()
		}
		st.LastUpload = u
	} else {
		st.LastUpload = n.status.LastUpload
	}
	n.status = st
}
