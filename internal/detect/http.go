package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dj-oyu/roadside-counter/pkg/types"
)

// BoundingBox is a pixel box as reported by the inference sidecar
type BoundingBox struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// RemoteDetection is one entry of the sidecar response
type RemoteDetection struct {
	ClassName  string      `json:"class_name"`
	Confidence float64     `json:"confidence"`
	BBox       BoundingBox `json:"bbox"`
}

// RemoteResult is the sidecar response body
type RemoteResult struct {
	FrameNumber uint64            `json:"frame_number"`
	Detections  []RemoteDetection `json:"detections"`
}

// HTTPSource posts each JPEG frame to an inference service and converts the
// pixel boxes it returns into normalized detections.
type HTTPSource struct {
	URL     string
	Classes []string // Accepted class names; empty accepts all
	Client  *http.Client
}

// NewHTTPSource returns a source calling url with the given timeout
func NewHTTPSource(url string, timeout time.Duration, classes []string) *HTTPSource {
	return &HTTPSource{
		URL:     url,
		Classes: classes,
		Client:  &http.Client{Timeout: timeout},
	}
}

// Poll implements Source
func (s *HTTPSource) Poll(ctx context.Context, frame *types.Frame) ([]types.Detection, error) {
	if frame == nil || len(frame.Data) == 0 {
		return nil, nil
	}
	if frame.Width <= 0 || frame.Height <= 0 {
		return nil, fmt.Errorf("frame %d has no size", frame.FrameNum)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(frame.Data))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")
	req.Header.Set("X-Frame-Number", fmt.Sprint(frame.FrameNum))

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("inference request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("inference service returned %d", resp.StatusCode)
	}

	var result RemoteResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode inference result: %w", err)
	}

	w := float64(frame.Width)
	h := float64(frame.Height)
	out := make([]types.Detection, 0, len(result.Detections))
	for _, d := range result.Detections {
		if !s.accepts(d.ClassName) {
			continue
		}
		out = append(out, types.Detection{
			X:          (float64(d.BBox.X) + float64(d.BBox.W)/2) / w,
			Y:          (float64(d.BBox.Y) + float64(d.BBox.H)/2) / h,
			Width:      float64(d.BBox.W) / w,
			Height:     float64(d.BBox.H) / h,
			Confidence: d.Confidence,
		})
	}
	return out, nil
}

func (s *HTTPSource) accepts(class string) bool {
	if len(s.Classes) == 0 {
		return true
	}
	for _, c := range s.Classes {
		if strings.EqualFold(c, class) {
			return true
		}
	}
	return false
}
