package monitor

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/roadside-counter/internal/logger"
	"github.com/dj-oyu/roadside-counter/internal/node"
	"github.com/dj-oyu/roadside-counter/pkg/types"
)

type staticSource struct {
	status node.Status
}

func (s staticSource) Status() node.Status { return s.status }

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	src := staticSource{status: node.Status{
		Site:          types.Site{Name: "Test Site", Latitude: -31.9614, Longitude: 115.8417, Direction: "Northbound"},
		BootID:        "boot-1",
		TotalCount:    12,
		HourCount:     3,
		MinuteCount:   1,
		AvgConfidence: 0.75,
		ActiveTracks:  2,
		LinkState:     "connected",
		LastUpload:    &node.UploadStatus{Attempted: true, Delivered: true, Status: 201},
	}}
	srv := NewServer(Config{StatusInterval: 10 * time.Millisecond}, src, logger.New(logger.SILENT, io.Discard, false))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func requireNumber(t *testing.T, payload map[string]any, key string) float64 {
	t.Helper()
	value, ok := payload[key]
	require.Truef(t, ok, "missing key %q", key)
	number, ok := value.(float64)
	require.Truef(t, ok, "key %q is %T, want number", key, value)
	return number
}

func requireObject(t *testing.T, payload map[string]any, key string) map[string]any {
	t.Helper()
	value, ok := payload[key]
	require.Truef(t, ok, "missing key %q", key)
	obj, ok := value.(map[string]any)
	require.Truef(t, ok, "key %q is %T, want object", key, value)
	return obj
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, "ok", payload["status"])
}

func TestStatusJSON(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))

	requireNumber(t, payload, "timestamp")
	n := requireObject(t, payload, "node")
	assert.Equal(t, float64(12), requireNumber(t, n, "total_count"))
	assert.Equal(t, float64(3), requireNumber(t, n, "hour_count"))
	assert.Equal(t, float64(2), requireNumber(t, n, "active_tracks"))
	assert.Equal(t, "connected", n["link_state"])

	site := requireObject(t, n, "site")
	assert.Equal(t, "Northbound", site["direction"])
	upload := requireObject(t, n, "last_upload")
	assert.Equal(t, float64(201), requireNumber(t, upload, "status"))
}

func TestStatusRejectsPost(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Post(ts.URL+"/api/status", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestStatusProtobuf(t *testing.T) {
	ts := newTestServer(t)
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/status", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "application/x-protobuf")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, contentTypeProtobuf, resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var st structpb.Struct
	require.NoError(t, proto.Unmarshal(body, &st))
	n := st.GetFields()["node"].GetStructValue()
	require.NotNil(t, n)
	assert.Equal(t, float64(12), n.GetFields()["total_count"].GetNumberValue())
}

func TestStatusStream(t *testing.T) {
	ts := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/status/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	events := 0
	for events < 2 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var payload map[string]any
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &payload))
		n := requireObject(t, payload, "node")
		assert.Equal(t, float64(12), requireNumber(t, n, "total_count"))
		events++
	}
}
