// Package evidence writes an annotated JPEG for every counted vehicle.
package evidence

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/dj-oyu/roadside-counter/internal/logger"
	"github.com/dj-oyu/roadside-counter/pkg/types"
)

// SubDir is where images land below the evidence root
const SubDir = "detections"

var (
	lineColor   = color.RGBA{R: 255, G: 0, B: 0, A: 255}
	bandColor   = color.RGBA{R: 255, G: 200, B: 0, A: 255}
	markerColor = color.RGBA{R: 0, G: 255, B: 0, A: 255}
	labelColor  = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	shadowColor = color.RGBA{A: 255}
)

// Event describes a single counted crossing
type Event struct {
	Millis    uint32 // Node clock at the moment of the count
	TrackID   int
	Direction string
	// Counting line geometry in pixel rows of a FrameHeight-tall frame.
	// Annotate rescales it to the height of the image it draws on.
	LineY       float64
	Margin      float64
	FrameHeight float64
	// Normalized center of the detection that crossed
	X, Y       float64
	Confidence float64
	Total      uint32
}

// Status mirrors the running totals of the sink
type Status struct {
	Saved        uint64 `json:"saved"`
	Failed       uint64 `json:"failed"`
	BytesWritten uint64 `json:"bytes_written"`
	LastFile     string `json:"last_file"`
}

// Sink stores evidence images under <dir>/detections/<millis>.jpg
type Sink struct {
	mu     sync.RWMutex
	dir    string
	log    logger.Module
	status Status
}

// NewSink creates the detections directory and returns a sink writing into it
func NewSink(dir string, log *logger.Logger) (*Sink, error) {
	target := filepath.Join(dir, SubDir)
	if err := os.MkdirAll(target, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create evidence dir: %w", err)
	}
	return &Sink{dir: target, log: logger.For("Evidence", log)}, nil
}

// Dir returns the directory images are written to
func (s *Sink) Dir() string {
	return s.dir
}

// Save annotates frame with the counting line and the event, then writes it.
// The returned path is the file that was written.
func (s *Sink) Save(frame *types.Frame, ev Event) (string, error) {
	path, n, err := s.write(frame, ev)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.status.Failed++
		s.log.Warn("Failed to save %d.jpg: %v", ev.Millis, err)
		return "", err
	}
	s.status.Saved++
	s.status.BytesWritten += uint64(n)
	s.status.LastFile = path
	s.log.Debug("Saved %s (%d bytes)", path, n)
	return path, nil
}

func (s *Sink) write(frame *types.Frame, ev Event) (string, int, error) {
	if frame == nil || len(frame.Data) == 0 {
		return "", 0, fmt.Errorf("no frame data")
	}
	src, err := jpeg.Decode(bytes.NewReader(frame.Data))
	if err != nil {
		return "", 0, fmt.Errorf("decode frame: %w", err)
	}

	img := image.NewRGBA(src.Bounds())
	draw.Copy(img, image.Point{}, src, src.Bounds(), draw.Src, nil)
	Annotate(img, ev)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
		return "", 0, fmt.Errorf("encode evidence: %w", err)
	}

	path := filepath.Join(s.dir, fmt.Sprintf("%d.jpg", ev.Millis))
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", 0, fmt.Errorf("failed to write file: %w", err)
	}
	return path, buf.Len(), nil
}

// GetStatus returns a copy of the sink counters
func (s *Sink) GetStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Annotate draws the margin band, the counting line, a marker on the
// detection and a caption onto img.
func Annotate(img draw.Image, ev Event) {
	b := img.Bounds()

	scale := 1.0
	if ev.FrameHeight > 0 {
		scale = float64(b.Dy()) / ev.FrameHeight
	}
	row := func(y float64) int { return b.Min.Y + int(y*scale) }

	line := row(ev.LineY)
	hline(img, row(ev.LineY-ev.Margin), bandColor)
	hline(img, row(ev.LineY+ev.Margin), bandColor)
	hline(img, line, lineColor)
	hline(img, line+1, lineColor)

	cx := b.Min.X + int(ev.X*float64(b.Dx()))
	cy := b.Min.Y + int(ev.Y*float64(b.Dy()))
	marker := image.Rect(cx-3, cy-3, cx+4, cy+4).Intersect(b)
	draw.Draw(img, marker, image.NewUniform(markerColor), image.Point{}, draw.Src)

	caption := fmt.Sprintf("#%d %s conf %.2f total %d", ev.TrackID, ev.Direction, ev.Confidence, ev.Total)
	drawLabel(img, b.Min.X+4, b.Min.Y+14, caption)
	drawLabel(img, b.Min.X+4, b.Max.Y-4, fmt.Sprintf("t=%dms", ev.Millis))
}

func hline(img draw.Image, y int, c color.Color) {
	b := img.Bounds()
	if y < b.Min.Y || y >= b.Max.Y {
		return
	}
	for x := b.Min.X; x < b.Max.X; x++ {
		img.Set(x, y, c)
	}
}

func drawLabel(img draw.Image, x, y int, text string) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(shadowColor),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x+1, y+1),
	}
	d.DrawString(text)

	d.Src = image.NewUniform(labelColor)
	d.Dot = fixed.P(x, y)
	d.DrawString(text)
}
