package types

import "time"

// Frame represents one captured camera image with metadata
type Frame struct {
	Data      []byte    // JPEG encoded image
	Timestamp time.Time // Capture timestamp
	FrameNum  uint64    // Sequential frame number
	Width     int       // Frame width in pixels
	Height    int       // Frame height in pixels
}

// Detection is a single normalized bounding box reported for a frame.
// It is not retained after the sampling cycle that produced it.
type Detection struct {
	X          float64 // Box center X (normalized 0-1)
	Y          float64 // Box center Y (normalized 0-1)
	Width      float64 // Box width (normalized 0-1)
	Height     float64 // Box height (normalized 0-1)
	Confidence float64 // Detection confidence (0-1)
	Timestamp  uint32  // Node clock millis at detection time
}

// Site holds the static metadata describing where the node is mounted
type Site struct {
	Name      string  `yaml:"name" json:"name"`
	Latitude  float64 `yaml:"lat" json:"lat"`
	Longitude float64 `yaml:"lon" json:"lon"`
	Direction string  `yaml:"direction" json:"direction"` // Traffic direction monitored
}

// StatsSnapshot is an immutable view of the counters taken at upload time
type StatsSnapshot struct {
	TotalCount    uint32  // Vehicles counted since boot
	HourCount     uint32  // Vehicles in the current hour window
	MinuteCount   uint32  // Vehicles in the current minute window
	AvgConfidence float64 // Mean detection confidence, 0 when no samples
	Uptime        uint32  // Seconds since boot
	TakenAt       uint32  // Node clock millis when the snapshot was taken
	Site          Site
}
