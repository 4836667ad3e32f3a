package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all node metrics
type Metrics struct {
	// Sampling counters
	FramesSampled      atomic.Uint64
	CaptureErrors      atomic.Uint64
	DetectorErrors     atomic.Uint64
	DetectionsSeen     atomic.Uint64
	DetectionsFiltered atomic.Uint64 // Below threshold or over the per-frame cap

	// Tracking
	DetectionsDropped atomic.Uint64 // No free track slot
	TracksExpired     atomic.Uint64
	ActiveTracks      atomic.Uint64
	VehiclesCounted   atomic.Uint64

	// Upload
	UploadsDelivered   atomic.Uint64
	UploadsFailed      atomic.Uint64
	ConnectAttempts    atomic.Uint64
	ConnectFailures    atomic.Uint64
	ConnectsSuppressed atomic.Uint64 // Refused by the retry delay
	LinkUp             atomic.Uint64 // 0 = down, 1 = up

	// Evidence images
	EvidenceSaved  atomic.Uint64
	EvidenceErrors atomic.Uint64

	// Latency tracking
	CycleLatencyMs  atomic.Uint64 // Last detection cycle duration
	UploadLatencyMs atomic.Uint64 // Last upload exchange duration

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.registerPrometheusMetrics()

	return m
}

type gaugeSpec struct {
	name  string
	help  string
	value *atomic.Uint64
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	specs := []gaugeSpec{
		{"counter_frames_sampled_total", "Total frames captured for detection", &m.FramesSampled},
		{"counter_capture_errors_total", "Total camera capture failures", &m.CaptureErrors},
		{"counter_detector_errors_total", "Total detection source failures", &m.DetectorErrors},
		{"counter_detections_seen_total", "Total detections accepted from the source", &m.DetectionsSeen},
		{"counter_detections_filtered_total", "Total detections discarded by threshold or per-frame cap", &m.DetectionsFiltered},
		{"counter_detections_dropped_total", "Total detections dropped because the track table was full", &m.DetectionsDropped},
		{"counter_tracks_expired_total", "Total tracks freed after going stale", &m.TracksExpired},
		{"counter_active_tracks", "Tracks currently held in the table", &m.ActiveTracks},
		{"counter_vehicles_total", "Total vehicles counted since boot", &m.VehiclesCounted},
		{"counter_uploads_delivered_total", "Total uploads confirmed by the collector", &m.UploadsDelivered},
		{"counter_uploads_failed_total", "Total uploads that failed or were rejected", &m.UploadsFailed},
		{"counter_connect_attempts_total", "Total transport connect attempts", &m.ConnectAttempts},
		{"counter_connect_failures_total", "Total transport connect failures", &m.ConnectFailures},
		{"counter_connects_suppressed_total", "Total reconnects refused by the retry delay", &m.ConnectsSuppressed},
		{"counter_link_up", "Collector link state (0=down, 1=up)", &m.LinkUp},
		{"counter_evidence_saved_total", "Total evidence images written", &m.EvidenceSaved},
		{"counter_evidence_errors_total", "Total evidence images that failed to write", &m.EvidenceErrors},
		{"counter_cycle_latency_ms", "Duration of the last detection cycle in milliseconds", &m.CycleLatencyMs},
		{"counter_upload_latency_ms", "Duration of the last upload exchange in milliseconds", &m.UploadLatencyMs},
	}

	for _, spec := range specs {
		value := spec.value
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: spec.name,
				Help: spec.help,
			},
			func() float64 { return float64(value.Load()) },
		))
	}
}

// ObserveCycle records how long a detection cycle took
func (m *Metrics) ObserveCycle(d time.Duration) {
	m.CycleLatencyMs.Store(uint64(d.Milliseconds()))
}

// ObserveUpload records how long an upload exchange took
func (m *Metrics) ObserveUpload(d time.Duration) {
	m.UploadLatencyMs.Store(uint64(d.Milliseconds()))
}

// SetLinkUp updates the link gauge
func (m *Metrics) SetLinkUp(up bool) {
	if up {
		m.LinkUp.Store(1)
		return
	}
	m.LinkUp.Store(0)
}

// Registry exposes the private registry, mainly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// NewServer returns an HTTP server exposing /metrics on addr
func (m *Metrics) NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
