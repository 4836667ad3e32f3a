package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dj-oyu/roadside-counter/internal/logger"
	"github.com/dj-oyu/roadside-counter/pkg/types"
)

// Config defines the runtime configuration for the counter node.
type Config struct {
	Site     types.Site     `yaml:"site"`
	Sampling SamplingConfig `yaml:"sampling"`
	Tracking TrackingConfig `yaml:"tracking"`
	Line     LineConfig     `yaml:"line"`
	Upload   UploadConfig   `yaml:"upload"`
	Camera   CameraConfig   `yaml:"camera"`
	Detector DetectorConfig `yaml:"detector"`
	Evidence EvidenceConfig `yaml:"evidence"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Log      LogConfig      `yaml:"log"`
}

// SamplingConfig controls the detection cycle.
type SamplingConfig struct {
	Interval            time.Duration `yaml:"interval"`
	FrameWidth          int           `yaml:"frame_width"`
	FrameHeight         int           `yaml:"frame_height"`
	ConfidenceThreshold float64       `yaml:"confidence_threshold"`
	MaxDetections       int           `yaml:"max_detections"`
}

// TrackingConfig controls the track table.
type TrackingConfig struct {
	Capacity    int           `yaml:"capacity"`
	MaxDistance float64       `yaml:"max_distance"` // Fraction of frame height
	StaleAfter  time.Duration `yaml:"stale_after"`
}

// LineConfig places the counting line in pixel rows.
type LineConfig struct {
	Y            float64 `yaml:"y"`
	Margin       float64 `yaml:"margin"`
	CountReverse bool    `yaml:"count_reverse"`
}

// UploadConfig describes the collector and delivery policy.
type UploadConfig struct {
	URL             string        `yaml:"url"`
	APIKey          string        `yaml:"api_key"`
	Interval        time.Duration `yaml:"interval"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	ResponseTimeout time.Duration `yaml:"response_timeout"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	Encoding        string        `yaml:"encoding"` // json or protobuf
}

// CameraConfig selects the frame source. An empty SnapshotURL uses
// synthetic frames.
type CameraConfig struct {
	SnapshotURL string        `yaml:"snapshot_url"`
	Timeout     time.Duration `yaml:"timeout"`
}

// DetectorConfig selects the detection source. URL wins over FixturePath.
type DetectorConfig struct {
	URL         string        `yaml:"url"`
	FixturePath string        `yaml:"fixture"`
	Timeout     time.Duration `yaml:"timeout"`
}

// EvidenceConfig controls saving annotated frames when a count fires.
type EvidenceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// MonitorConfig holds local HTTP listener addresses.
type MonitorConfig struct {
	Addr           string        `yaml:"addr"`
	MetricsAddr    string        `yaml:"metrics_addr"`
	StatusInterval time.Duration `yaml:"status_interval"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level logger.LogLevel `yaml:"level"`
	Color bool            `yaml:"color"`
}

// DefaultConfig returns the settings of the reference QVGA deployment.
func DefaultConfig() Config {
	return Config{
		Site: types.Site{
			Name:      "Mounts Bay Road - Test Site 1",
			Latitude:  -31.9614,
			Longitude: 115.8417,
			Direction: "Northbound",
		},
		Sampling: SamplingConfig{
			Interval:            time.Second,
			FrameWidth:          320,
			FrameHeight:         240,
			ConfidenceThreshold: 0.6,
			MaxDetections:       10,
		},
		Tracking: TrackingConfig{
			Capacity:    10,
			MaxDistance: 0.1,
			StaleAfter:  2 * time.Second,
		},
		Line: LineConfig{
			Y:      120,
			Margin: 20,
		},
		Upload: UploadConfig{
			URL:             "https://your-backend.com/api/data",
			Interval:        60 * time.Second,
			RetryDelay:      5 * time.Second,
			ResponseTimeout: 10 * time.Second,
			ConnectTimeout:  30 * time.Second,
			Encoding:        "json",
		},
		Camera: CameraConfig{
			Timeout: 5 * time.Second,
		},
		Detector: DetectorConfig{
			Timeout: 5 * time.Second,
		},
		Evidence: EvidenceConfig{
			Dir: "./sdcard",
		},
		Monitor: MonitorConfig{
			Addr:           ":8080",
			MetricsAddr:    ":9090",
			StatusInterval: 2 * time.Second,
		},
		Log: LogConfig{
			Level: logger.INFO,
			Color: true,
		},
	}
}

// Load reads a YAML file on top of DefaultConfig. An empty path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid config")

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Validate rejects settings the pipeline cannot run with.
func (c Config) Validate() error {
	s := c.Sampling
	if s.Interval <= 0 {
		return invalid("sampling.interval must be positive")
	}
	if s.FrameWidth <= 0 || s.FrameHeight <= 0 {
		return invalid("frame size %dx%d", s.FrameWidth, s.FrameHeight)
	}
	if s.ConfidenceThreshold < 0 || s.ConfidenceThreshold > 1 {
		return invalid("confidence_threshold %.2f outside [0,1]", s.ConfidenceThreshold)
	}
	if s.MaxDetections < 1 {
		return invalid("max_detections must be at least 1")
	}

	t := c.Tracking
	if t.Capacity < 1 {
		return invalid("tracking.capacity must be at least 1")
	}
	if t.MaxDistance <= 0 || t.MaxDistance > 1 {
		return invalid("tracking.max_distance %.2f outside (0,1]", t.MaxDistance)
	}
	if t.StaleAfter <= 0 {
		return invalid("tracking.stale_after must be positive")
	}

	l := c.Line
	if l.Margin < 0 {
		return invalid("line.margin must not be negative")
	}
	if l.Y-l.Margin <= 0 || l.Y+l.Margin >= float64(s.FrameHeight) {
		return invalid("line band %.0f±%.0f does not fit a frame of height %d", l.Y, l.Margin, s.FrameHeight)
	}

	u := c.Upload
	if u.Interval <= 0 || u.RetryDelay < 0 || u.ResponseTimeout <= 0 {
		return invalid("upload intervals must be positive")
	}
	parsed, err := url.Parse(u.URL)
	if err != nil || parsed.Host == "" {
		return invalid("upload.url %q", u.URL)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return invalid("upload.url scheme %q", parsed.Scheme)
	}
	if u.Encoding != "json" && u.Encoding != "protobuf" {
		return invalid("upload.encoding %q", u.Encoding)
	}

	if c.Evidence.Enabled && c.Evidence.Dir == "" {
		return invalid("evidence.dir required when evidence is enabled")
	}
	return nil
}
