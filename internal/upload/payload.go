package upload

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/roadside-counter/pkg/types"
)

// Encoding selects the request body format
type Encoding string

const (
	EncodingJSON     Encoding = "json"
	EncodingProtobuf Encoding = "protobuf"
)

// ContentType returns the MIME type sent with the body
func (e Encoding) ContentType() string {
	if e == EncodingProtobuf {
		return "application/x-protobuf"
	}
	return "application/json"
}

// Payload is the wire shape the collector expects for one upload
type Payload struct {
	Site          string  `json:"site"`
	Lat           float64 `json:"lat"`
	Lon           float64 `json:"lon"`
	Timestamp     uint32  `json:"timestamp"` // Node clock millis at upload
	Uptime        uint32  `json:"uptime"`    // Seconds
	TotalCount    uint32  `json:"total_count"`
	HourCount     uint32  `json:"hour_count"`
	MinuteCount   uint32  `json:"minute_count"`
	AvgConfidence float64 `json:"avg_confidence"`
}

// NewPayload maps a snapshot onto the wire payload
func NewPayload(snap types.StatsSnapshot, timestamp uint32) Payload {
	return Payload{
		Site:          snap.Site.Name,
		Lat:           snap.Site.Latitude,
		Lon:           snap.Site.Longitude,
		Timestamp:     timestamp,
		Uptime:        snap.Uptime,
		TotalCount:    snap.TotalCount,
		HourCount:     snap.HourCount,
		MinuteCount:   snap.MinuteCount,
		AvgConfidence: snap.AvgConfidence,
	}
}

func (p Payload) fields() map[string]interface{} {
	return map[string]interface{}{
		"site":           p.Site,
		"lat":            p.Lat,
		"lon":            p.Lon,
		"timestamp":      float64(p.Timestamp),
		"uptime":         float64(p.Uptime),
		"total_count":    float64(p.TotalCount),
		"hour_count":     float64(p.HourCount),
		"minute_count":   float64(p.MinuteCount),
		"avg_confidence": p.AvgConfidence,
	}
}

// Encode serializes the payload. Every field is a bounded scalar so the
// error path is only reachable through a broken encoder.
func (p Payload) Encode(enc Encoding) ([]byte, error) {
	switch enc {
	case EncodingProtobuf:
		msg, err := structpb.NewStruct(p.fields())
		if err != nil {
			return nil, fmt.Errorf("build protobuf payload: %w", err)
		}
		return proto.Marshal(msg)
	case EncodingJSON, "":
		return json.Marshal(p)
	default:
		return nil, fmt.Errorf("unknown encoding %q", enc)
	}
}

// DecodeProtobuf reverses Encode(EncodingProtobuf); collectors and tests use it.
func DecodeProtobuf(data []byte) (Payload, error) {
	msg := &structpb.Struct{}
	if err := proto.Unmarshal(data, msg); err != nil {
		return Payload{}, fmt.Errorf("decode protobuf payload: %w", err)
	}
	f := msg.GetFields()
	num := func(key string) float64 { return f[key].GetNumberValue() }
	return Payload{
		Site:          f["site"].GetStringValue(),
		Lat:           num("lat"),
		Lon:           num("lon"),
		Timestamp:     uint32(num("timestamp")),
		Uptime:        uint32(num("uptime")),
		TotalCount:    uint32(num("total_count")),
		HourCount:     uint32(num("hour_count")),
		MinuteCount:   uint32(num("minute_count")),
		AvgConfidence: num("avg_confidence"),
	}, nil
}
