// Package camera supplies JPEG frames to the detection cycle.
package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/dj-oyu/roadside-counter/pkg/types"
)

// Camera captures one frame per call
type Camera interface {
	Capture(ctx context.Context) (*types.Frame, error)
}

// maxSnapshotBytes guards against a misbehaving camera endpoint
const maxSnapshotBytes = 4 << 20

// HTTPSnapshot fetches a still JPEG from a camera's snapshot URL
type HTTPSnapshot struct {
	URL    string
	Client *http.Client

	mu  sync.Mutex
	seq uint64
}

// NewHTTPSnapshot returns a camera reading url with the given timeout
func NewHTTPSnapshot(url string, timeout time.Duration) *HTTPSnapshot {
	return &HTTPSnapshot{URL: url, Client: &http.Client{Timeout: timeout}}
}

// Capture implements Camera
func (c *HTTPSnapshot) Capture(ctx context.Context) (*types.Frame, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build snapshot request: %w", err)
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("snapshot request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot returned %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSnapshotBytes))
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("snapshot is not a JPEG: %w", err)
	}

	c.mu.Lock()
	c.seq++
	seq := c.seq
	c.mu.Unlock()

	return &types.Frame{
		Data:      data,
		Timestamp: time.Now(),
		FrameNum:  seq,
		Width:     cfg.Width,
		Height:    cfg.Height,
	}, nil
}

// Synthetic produces colour-bar frames so the node can run on a bench with
// no camera attached.
type Synthetic struct {
	Width  int
	Height int

	once sync.Once
	data []byte
	err  error
	seq  uint64
}

// NewSynthetic returns a synthetic camera of the given size
func NewSynthetic(width, height int) *Synthetic {
	return &Synthetic{Width: width, Height: height}
}

// Capture implements Camera
func (s *Synthetic) Capture(ctx context.Context) (*types.Frame, error) {
	s.once.Do(func() {
		s.data, s.err = colorBars(s.Width, s.Height)
	})
	if s.err != nil {
		return nil, s.err
	}
	s.seq++
	return &types.Frame{
		Data:      s.data,
		Timestamp: time.Now(),
		FrameNum:  s.seq,
		Width:     s.Width,
		Height:    s.Height,
	}, nil
}

func colorBars(width, height int) ([]byte, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", width, height)
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))

	// White, Yellow, Cyan, Green, Magenta, Red, Blue, Black
	colors := []color.RGBA{
		{R: 255, G: 255, B: 255, A: 255},
		{R: 255, G: 255, B: 0, A: 255},
		{R: 0, G: 255, B: 255, A: 255},
		{R: 0, G: 255, B: 0, A: 255},
		{R: 255, G: 0, B: 255, A: 255},
		{R: 255, G: 0, B: 0, A: 255},
		{R: 0, G: 0, B: 255, A: 255},
		{R: 0, G: 0, B: 0, A: 255},
	}

	barWidth := max(width/len(colors), 1)
	for y := range height {
		for x := range width {
			img.Set(x, y, colors[min(x/barWidth, len(colors)-1)])
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 75}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
