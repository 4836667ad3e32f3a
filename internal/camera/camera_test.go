package camera

import (
	"bytes"
	"context"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyntheticFrames(t *testing.T) {
	cam := NewSynthetic(320, 240)
	a, err := cam.Capture(context.Background())
	require.NoError(t, err)
	b, err := cam.Capture(context.Background())
	require.NoError(t, err)

	assert.Equal(t, uint64(1), a.FrameNum)
	assert.Equal(t, uint64(2), b.FrameNum)
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(a.Data))
	require.NoError(t, err)
	assert.Equal(t, 320, cfg.Width)
	assert.Equal(t, 240, cfg.Height)

	_, err = NewSynthetic(0, 10).Capture(context.Background())
	assert.Error(t, err)
}

func TestHTTPSnapshot(t *testing.T) {
	jpg, err := colorBars(160, 120)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/capture" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(jpg)
	}))
	defer srv.Close()

	cam := NewHTTPSnapshot(srv.URL+"/capture", time.Second)
	frame, err := cam.Capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 160, frame.Width)
	assert.Equal(t, 120, frame.Height)
	assert.Equal(t, uint64(1), frame.FrameNum)

	bad := NewHTTPSnapshot(srv.URL+"/missing", time.Second)
	_, err = bad.Capture(context.Background())
	assert.Error(t, err)
}
