package upload

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/roadside-counter/internal/clock"
	"github.com/dj-oyu/roadside-counter/internal/metrics"
	"github.com/dj-oyu/roadside-counter/internal/stats"
	"github.com/dj-oyu/roadside-counter/internal/transport"
	"github.com/dj-oyu/roadside-counter/pkg/types"
)

// collector mimics the backend's POST /api/data: 400 on missing fields,
// 201 on success, and a switchable outage.
func collector(t *testing.T, down *atomic.Bool, got chan<- Payload) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/data" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		if down.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var p Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.Site == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		got <- p
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
}

func TestUploadAgainstCollector(t *testing.T) {
	var down atomic.Bool
	got := make(chan Payload, 4)
	srv := collector(t, &down, got)
	defer srv.Close()

	addr := srv.Listener.Addr().(*net.TCPAddr)
	ep, err := ParseEndpoint("http://" + addr.IP.String() + ":" + strconv.Itoa(addr.Port) + "/api/data")
	require.NoError(t, err)

	clk := clock.NewManual(500)
	agg := stats.New(types.Site{Name: "Stirling Hwy", Latitude: -31.98, Longitude: 115.77}, clk.NowMillis())
	tr := transport.NewTCP(false, time.Second, nil)
	coord := NewCoordinator(Config{
		Endpoint:        ep,
		APIKey:          "test-key",
		RetryDelay:      5 * time.Second,
		ResponseTimeout: 2 * time.Second,
	}, tr, agg, clk, metrics.New(), nil)

	agg.RecordCount()
	agg.RecordCount()
	agg.RecordDetection(0.9)

	down.Store(true)
	res := coord.Cycle(context.Background())
	assert.ErrorIs(t, res.Err, ErrRejected)
	assert.Equal(t, http.StatusServiceUnavailable, res.Status)
	assert.Equal(t, uint32(2), agg.Totals().Hour)

	down.Store(false)
	clk.Advance(60 * time.Second)
	agg.RecordCount()
	res = coord.Cycle(context.Background())
	require.NoError(t, res.Err)
	assert.True(t, res.Delivered)

	select {
	case p := <-got:
		assert.Equal(t, "Stirling Hwy", p.Site)
		assert.Equal(t, uint32(3), p.TotalCount)
		assert.Equal(t, uint32(3), p.HourCount)
		assert.Equal(t, 0.9, p.AvgConfidence)
	case <-time.After(time.Second):
		t.Fatal("collector never received the payload")
	}

	tot := agg.Totals()
	assert.Equal(t, uint32(3), tot.Total)
	assert.Zero(t, tot.Hour)
	require.NoError(t, tr.Disconnect())
}
