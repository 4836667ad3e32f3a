package node

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/roadside-counter/internal/camera"
	"github.com/dj-oyu/roadside-counter/internal/clock"
	"github.com/dj-oyu/roadside-counter/internal/config"
	"github.com/dj-oyu/roadside-counter/internal/detect"
	"github.com/dj-oyu/roadside-counter/internal/evidence"
	"github.com/dj-oyu/roadside-counter/internal/logger"
	"github.com/dj-oyu/roadside-counter/internal/metrics"
	"github.com/dj-oyu/roadside-counter/internal/transport"
	"github.com/dj-oyu/roadside-counter/pkg/types"
)

func quietLogger() *logger.Logger {
	return logger.New(logger.SILENT, io.Discard, false)
}

// testConfig widens the association radius so a vehicle can be followed
// across the 40px band in a single one-second step.
func testConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.Upload.URL = "http://collector.test/api/data"
	cfg.Upload.APIKey = "secret"
	cfg.Tracking.MaxDistance = 0.25
	return cfg
}

type harness struct {
	node      *Node
	clock     *clock.Manual
	transport *transport.DryRun
	metrics   *metrics.Metrics
}

func newHarness(t *testing.T, cfg config.Config, src detect.Source, sink *evidence.Sink) *harness {
	t.Helper()
	h := &harness{
		clock:     clock.NewManual(1000),
		transport: transport.NewDryRun(nil),
		metrics:   metrics.New(),
	}
	n, err := New(Options{
		Config:    cfg,
		Clock:     h.clock,
		Camera:    camera.NewSynthetic(cfg.Sampling.FrameWidth, cfg.Sampling.FrameHeight),
		Source:    src,
		Transport: h.transport,
		Evidence:  sink,
		Metrics:   h.metrics,
		Logger:    quietLogger(),
		BootID:    "boot-1",
	})
	require.NoError(t, err)
	h.node = n
	return h
}

func (h *harness) step(ctx context.Context) CycleResult {
	h.clock.Advance(time.Second)
	return h.node.Sample(ctx)
}

func det(y, conf float64) types.Detection {
	return types.Detection{X: 0.5, Y: y, Width: 0.1, Height: 0.1, Confidence: conf}
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{Config: testConfig()})
	assert.Error(t, err)

	bad := testConfig()
	bad.Sampling.Interval = 0
	_, err = New(Options{
		Config:    bad,
		Camera:    camera.NewSynthetic(32, 24),
		Source:    detect.NewFixture(false),
		Transport: transport.NewDryRun(nil),
		Logger:    quietLogger(),
	})
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestSampleCountsEachTrackOnce(t *testing.T) {
	fx := detect.NewFixture(false,
		[]types.Detection{det(0.375, 0.9)}, // 90px, above the band
		[]types.Detection{det(0.6, 0.8)},   // 144px, below it
		[]types.Detection{det(0.7, 0.7)},   // 168px, same track
		[]types.Detection{det(0.1, 0.3)},   // under threshold
	)
	h := newHarness(t, testConfig(), fx, nil)
	ctx := context.Background()

	r1 := h.step(ctx)
	assert.Equal(t, 1, r1.Detections)
	assert.Zero(t, r1.Counted)

	r2 := h.step(ctx)
	assert.Equal(t, 1, r2.Counted)

	r3 := h.step(ctx)
	assert.Zero(t, r3.Counted)

	r4 := h.step(ctx)
	assert.Zero(t, r4.Detections)
	assert.Equal(t, uint64(1), h.metrics.DetectionsFiltered.Load())

	st := h.node.Status()
	assert.Equal(t, uint32(1), st.TotalCount)
	assert.Equal(t, uint32(1), st.HourCount)
	assert.Equal(t, 1, st.ActiveTracks)
	assert.InDelta(t, 0.8, st.AvgConfidence, 1e-9)
	assert.Equal(t, "Mounts Bay Road - Test Site 1", st.Site.Name)
	assert.Equal(t, "boot-1", st.BootID)
	assert.Equal(t, uint64(4), st.FramesSampled)

	// Last seen at 4000ms; freed once more than 2000ms have passed.
	h.clock.Advance(2 * time.Second)
	r5 := h.node.Sample(ctx)
	assert.Equal(t, 1, r5.Expired)
	assert.Zero(t, h.node.Status().ActiveTracks)
	assert.Equal(t, uint64(1), h.metrics.VehiclesCounted.Load())
	assert.Equal(t, uint64(1), h.metrics.TracksExpired.Load())
}

func TestStartingBelowBandNeverCounts(t *testing.T) {
	fx := detect.NewFixture(false,
		[]types.Detection{det(0.625, 0.9)},
		[]types.Detection{det(0.75, 0.9)},
	)
	h := newHarness(t, testConfig(), fx, nil)
	h.step(context.Background())
	res := h.step(context.Background())
	assert.Zero(t, res.Counted)
	assert.Zero(t, h.node.Status().TotalCount)
}

func TestFullTableDropsDetections(t *testing.T) {
	cfg := testConfig()
	cfg.Tracking.Capacity = 2
	fx := detect.NewFixture(false, []types.Detection{
		det(0.1, 0.9), det(0.5, 0.9), det(0.9, 0.9),
	})
	h := newHarness(t, cfg, fx, nil)

	res := h.step(context.Background())
	assert.Equal(t, 3, res.Detections)
	assert.Equal(t, 1, res.Dropped)
	assert.Equal(t, uint64(1), h.node.Status().Dropped)
	assert.Equal(t, uint64(1), h.metrics.DetectionsDropped.Load())
}

type failingCamera struct{}

func (failingCamera) Capture(ctx context.Context) (*types.Frame, error) {
	return nil, errors.New("sensor timeout")
}

func TestCaptureAndSourceErrorsDoNotStopTheCycle(t *testing.T) {
	clk := clock.NewManual(1000)
	m := metrics.New()
	n, err := New(Options{
		Config:    testConfig(),
		Clock:     clk,
		Camera:    failingCamera{},
		Source:    detect.NewFixture(false),
		Transport: transport.NewDryRun(nil),
		Metrics:   m,
		Logger:    quietLogger(),
	})
	require.NoError(t, err)
	res := n.Sample(context.Background())
	assert.Error(t, res.Err)
	assert.Equal(t, uint64(1), m.CaptureErrors.Load())

	src := detect.SourceFunc(func(ctx context.Context, f *types.Frame) ([]types.Detection, error) {
		return nil, errors.New("model offline")
	})
	h := newHarness(t, testConfig(), src, nil)
	res = h.step(context.Background())
	assert.Error(t, res.Err)
	assert.Equal(t, uint64(1), h.metrics.DetectorErrors.Load())
	assert.Equal(t, uint64(1), h.metrics.FramesSampled.Load())
}

func TestUploadCommitsHourlyCounter(t *testing.T) {
	fx := detect.NewFixture(false,
		[]types.Detection{det(0.375, 0.9)},
		[]types.Detection{det(0.6, 0.8)},
	)
	h := newHarness(t, testConfig(), fx, nil)
	ctx := context.Background()
	h.step(ctx)
	h.step(ctx)

	h.transport.Status = "HTTP/1.1 503 Service Unavailable"
	res := h.node.Upload(ctx)
	assert.True(t, res.Attempted)
	assert.False(t, res.Delivered)
	st := h.node.Status()
	assert.Equal(t, uint32(1), st.HourCount)
	require.NotNil(t, st.LastUpload)
	assert.Equal(t, 503, st.LastUpload.Status)
	assert.NotEmpty(t, st.LastUpload.Error)

	h.transport.Status = "HTTP/1.1 201 Created"
	res = h.node.Upload(ctx)
	require.True(t, res.Delivered)
	st = h.node.Status()
	assert.Equal(t, uint32(1), st.TotalCount)
	assert.Zero(t, st.HourCount)
	assert.Equal(t, "connected", st.LinkState)
	assert.True(t, st.LastUpload.Delivered)

	reqs := h.transport.Requests()
	require.Len(t, reqs, 2)
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(reqs[1])))
	require.NoError(t, err)
	assert.Equal(t, "/api/data", req.URL.Path)
	assert.Equal(t, "Bearer secret", req.Header.Get("Authorization"))
	assert.Equal(t, "boot-1", req.Header.Get("X-Node-Boot"))

	var payload map[string]any
	require.NoError(t, json.NewDecoder(req.Body).Decode(&payload))
	assert.Equal(t, float64(1), payload["total_count"])
	assert.Equal(t, float64(1), payload["hour_count"])
}

func TestEvidenceWrittenOnCount(t *testing.T) {
	sink, err := evidence.NewSink(t.TempDir(), quietLogger())
	require.NoError(t, err)

	fx := detect.NewFixture(false,
		[]types.Detection{det(0.375, 0.9)},
		[]types.Detection{det(0.6, 0.8)},
	)
	h := newHarness(t, testConfig(), fx, sink)
	ctx := context.Background()

	assert.Empty(t, h.step(ctx).Evidence)
	res := h.step(ctx)
	require.NotEmpty(t, res.Evidence)

	_, err = os.Stat(res.Evidence)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), h.metrics.EvidenceSaved.Load())

	st := h.node.Status()
	require.NotNil(t, st.Evidence)
	assert.Equal(t, uint64(1), st.Evidence.Saved)
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := testConfig()
	cfg.Sampling.Interval = 5 * time.Millisecond
	cfg.Upload.Interval = 20 * time.Millisecond
	h := newHarness(t, cfg, detect.NewFixture(true, []types.Detection{det(0.5, 0.9)}), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := h.node.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	st := h.node.Status()
	assert.Greater(t, st.FramesSampled, uint64(0))
	assert.NotEmpty(t, h.transport.Requests())
}

func TestReplaySummary(t *testing.T) {
	fx := detect.NewFixture(false,
		[]types.Detection{det(0.375, 0.9)},
		[]types.Detection{det(0.6, 0.7)},
		nil, nil, nil,
		[]types.Detection{det(0.375, 0.8)},
		[]types.Detection{det(0.6, 0.8)},
	)
	cfg := testConfig()
	cfg.Upload.Interval = 3 * time.Second
	h := newHarness(t, cfg, fx, nil)

	sum := Replay(context.Background(), h.node, h.clock, 7)
	assert.Equal(t, 7, sum.Cycles)
	assert.Equal(t, 4, sum.Detections)
	assert.Equal(t, 2, sum.Counted)
	assert.Equal(t, 1, sum.Expired)
	assert.Equal(t, 2, sum.Uploads)
	assert.Equal(t, 2, sum.Delivered)
	assert.InDelta(t, 0.8, sum.ConfidenceMean, 1e-9)
	assert.Greater(t, sum.ConfidenceStdDev, 0.0)
	assert.Equal(t, uint32(2), sum.Final.TotalCount)
}

func TestReplayReferenceFixture(t *testing.T) {
	cfg, err := config.Load("../../configs/node.yaml")
	require.NoError(t, err)
	fx, err := detect.LoadFixture("../../testdata/northbound.yaml")
	require.NoError(t, err)

	h := newHarness(t, cfg, fx, nil)
	sum := Replay(context.Background(), h.node, h.clock, fx.Len()+3)

	assert.Equal(t, 11, sum.Cycles)
	assert.Equal(t, 6, sum.Detections)
	assert.Equal(t, 2, sum.Counted)
	assert.Equal(t, 2, sum.Expired)
	assert.Zero(t, sum.Uploads)
	assert.Equal(t, uint32(2), sum.Final.HourCount)
	assert.InDelta(t, 5.02/6, sum.ConfidenceMean, 1e-9)
}

func TestMalformedDetectionsDoNotBlockUploads(t *testing.T) {
	src := detect.SourceFunc(func(ctx context.Context, f *types.Frame) ([]types.Detection, error) {
		return []types.Detection{
			{Y: 0.5, Confidence: math.NaN()},
			{Y: 0.9, Confidence: 7.5},
			det(0.2, 0.7),
		}, nil
	})
	h := newHarness(t, testConfig(), src, nil)
	ctx := context.Background()

	res := h.step(ctx)
	assert.Equal(t, 1, res.Detections)
	assert.Equal(t, uint64(2), h.metrics.DetectionsFiltered.Load())

	for i := 0; i < 3; i++ {
		up := h.node.Upload(ctx)
		require.NoError(t, up.Err)
		assert.True(t, up.Delivered)
	}

	st := h.node.Status()
	assert.InDelta(t, 0.7, st.AvgConfidence, 1e-9)
	_, err := json.Marshal(st)
	assert.NoError(t, err)
}

func TestPayloadUptimeMatchesStatus(t *testing.T) {
	h := newHarness(t, testConfig(), detect.NewFixture(false), nil)
	ctx := context.Background()
	h.clock.Set(125_400)

	up := h.node.Upload(ctx)
	require.True(t, up.Delivered)
	assert.Equal(t, uint32(125), up.Snapshot.Uptime)
	assert.Equal(t, up.Snapshot.Uptime, h.node.Status().UptimeSeconds)
}

func TestBandExceedsRadius(t *testing.T) {
	band, radius, wide := BandExceedsRadius(config.DefaultConfig())
	assert.True(t, wide)
	assert.Equal(t, 40.0, band)
	assert.InDelta(t, 24.0, radius, 1e-9)

	ref, err := config.Load("../../configs/node.yaml")
	require.NoError(t, err)
	_, _, wide = BandExceedsRadius(ref)
	assert.False(t, wide)

	// The reference fixture needs the wider radius to count anything.
	fx, err := detect.LoadFixture("../../testdata/northbound.yaml")
	require.NoError(t, err)
	cfg := config.DefaultConfig()
	cfg.Upload.URL = "http://collector.test/api/data"
	h := newHarness(t, cfg, fx, nil)
	sum := Replay(context.Background(), h.node, h.clock, fx.Len()+3)
	assert.Zero(t, sum.Counted)
}
