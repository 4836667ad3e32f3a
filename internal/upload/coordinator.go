// Package upload ships statistics snapshots to the collector.
//
// Delivery is at-least-once from the counters' point of view: the hourly
// counter is cleared only after the collector confirms an upload, so a
// failed attempt is retried from the uncommitted state on the next cycle.
package upload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dj-oyu/roadside-counter/internal/clock"
	"github.com/dj-oyu/roadside-counter/internal/logger"
	"github.com/dj-oyu/roadside-counter/internal/metrics"
	"github.com/dj-oyu/roadside-counter/pkg/types"
)

const (
	DefaultRetryDelay      = 5 * time.Second
	DefaultResponseTimeout = 10 * time.Second
)

var (
	// ErrRateLimited is returned when a reconnect comes too soon after the last one
	ErrRateLimited = errors.New("reconnect suppressed by retry delay")
	// ErrRejected is returned when the collector answers without a 2xx status
	ErrRejected = errors.New("collector rejected upload")
	// ErrBadResponse is returned when the reply has no parseable status line
	ErrBadResponse = errors.New("malformed collector response")
)

// Transport is a connection-oriented stream to the collector
type Transport interface {
	Connect(ctx context.Context, host string, port int) error
	Connected() bool
	// Send writes one request and returns the status line of the reply
	Send(ctx context.Context, request []byte) (string, error)
	Disconnect() error
}

// Stats is the counter side the coordinator reads and commits
type Stats interface {
	Snapshot(now uint32) types.StatsSnapshot
	ResetHourly(now uint32)
}

// State of the upload session
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Uploading
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Uploading:
		return "uploading"
	default:
		return "disconnected"
	}
}

// Config holds the collector address and delivery policy
type Config struct {
	Endpoint        Endpoint
	APIKey          string
	Encoding        Encoding
	RetryDelay      time.Duration
	ResponseTimeout time.Duration
	BootID          string
}

// Result describes one upload cycle
type Result struct {
	Attempted bool // A request was sent
	Delivered bool // The collector confirmed it and the hour was committed
	Status    int  // HTTP status code, 0 if none was read
	RequestID string
	Snapshot  types.StatsSnapshot
	Err       error
}

// Coordinator drives connect, upload and commit. It is owned by the
// sampling loop and is not safe for concurrent use.
type Coordinator struct {
	cfg       Config
	transport Transport
	stats     Stats
	clock     clock.Clock
	metrics   *metrics.Metrics
	log       logger.Module

	state         State
	lastAttempt   uint32
	everAttempted bool
	last          Result
}

// NewCoordinator returns a coordinator in the Disconnected state
func NewCoordinator(cfg Config, transport Transport, stats Stats, clk clock.Clock, m *metrics.Metrics, log *logger.Logger) *Coordinator {
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = DefaultResponseTimeout
	}
	if cfg.Encoding == "" {
		cfg.Encoding = EncodingJSON
	}
	if m == nil {
		m = metrics.New()
	}
	return &Coordinator{
		cfg:       cfg,
		transport: transport,
		stats:     stats,
		clock:     clk,
		metrics:   m,
		log:       logger.For("Upload", log),
	}
}

// State returns the current session state
func (c *Coordinator) State() State {
	return c.state
}

// LastResult returns the outcome of the most recent Cycle
func (c *Coordinator) LastResult() Result {
	return c.last
}

// Reconnect tears down and re-establishes the transport, unless the previous
// attempt was less than RetryDelay ago.
func (c *Coordinator) Reconnect(ctx context.Context) error {
	now := c.clock.NowMillis()
	retry := uint32(c.cfg.RetryDelay.Milliseconds())
	if c.everAttempted && clock.Since(now, c.lastAttempt) < retry {
		c.metrics.ConnectsSuppressed.Add(1)
		c.log.Debug("Reconnect suppressed (%d ms since last attempt)", clock.Since(now, c.lastAttempt))
		return ErrRateLimited
	}
	c.everAttempted = true
	c.lastAttempt = now

	c.state = Connecting
	c.metrics.ConnectAttempts.Add(1)
	c.log.Info("Connecting to %s:%d", c.cfg.Endpoint.Host, c.cfg.Endpoint.Port)

	if err := c.transport.Disconnect(); err != nil {
		c.log.Debug("Disconnect before reconnect: %v", err)
	}
	if err := c.transport.Connect(ctx, c.cfg.Endpoint.Host, c.cfg.Endpoint.Port); err != nil {
		c.state = Disconnected
		c.metrics.ConnectFailures.Add(1)
		c.metrics.SetLinkUp(false)
		return fmt.Errorf("connect %s:%d: %w", c.cfg.Endpoint.Host, c.cfg.Endpoint.Port, err)
	}

	c.state = Connected
	c.metrics.SetLinkUp(true)
	c.log.Info("Link up")
	return nil
}

// Cycle runs one scheduled upload: reconnect if the link is down, then
// snapshot, send and commit on confirmation. Failures leave every counter
// untouched and are reported through the Result.
func (c *Coordinator) Cycle(ctx context.Context) Result {
	res := c.cycle(ctx)
	c.last = res
	return res
}

func (c *Coordinator) cycle(ctx context.Context) Result {
	if !c.transport.Connected() {
		if c.state != Disconnected {
			c.log.Warn("Link lost")
		}
		c.state = Disconnected
		c.metrics.SetLinkUp(false)

		if err := c.Reconnect(ctx); err != nil {
			if !errors.Is(err, ErrRateLimited) {
				c.log.Warn("Reconnect failed: %v", err)
			}
			return Result{Err: err}
		}
	}

	return c.upload(ctx)
}

func (c *Coordinator) upload(ctx context.Context) Result {
	now := c.clock.NowMillis()
	snap := c.stats.Snapshot(now)
	res := Result{Snapshot: snap, RequestID: uuid.NewString()}

	body, err := NewPayload(snap, now).Encode(c.cfg.Encoding)
	if err != nil {
		res.Err = err
		c.metrics.UploadsFailed.Add(1)
		return res
	}
	request := BuildRequest(c.cfg.Endpoint, RequestMeta{
		APIKey:      c.cfg.APIKey,
		ContentType: c.cfg.Encoding.ContentType(),
		RequestID:   res.RequestID,
		BootID:      c.cfg.BootID,
	}, body)

	c.state = Uploading
	c.log.Debug("POST %s (%d bytes, total=%d hour=%d minute=%d)",
		c.cfg.Endpoint.Path, len(body), snap.TotalCount, snap.HourCount, snap.MinuteCount)

	sendCtx, cancel := context.WithTimeout(ctx, c.cfg.ResponseTimeout)
	started := time.Now()
	statusLine, err := c.transport.Send(sendCtx, request)
	cancel()
	c.metrics.ObserveUpload(time.Since(started))
	res.Attempted = true

	if c.transport.Connected() {
		c.state = Connected
	} else {
		c.state = Disconnected
		c.metrics.SetLinkUp(false)
	}

	if err != nil {
		res.Err = fmt.Errorf("send upload: %w", err)
		return c.fail(res)
	}

	code, ok := ParseStatus(statusLine)
	if !ok {
		res.Err = fmt.Errorf("%w: %q", ErrBadResponse, statusLine)
		return c.fail(res)
	}
	res.Status = code
	if !Delivered(code) {
		res.Err = fmt.Errorf("%w: status %d", ErrRejected, code)
		return c.fail(res)
	}

	c.stats.ResetHourly(c.clock.NowMillis())
	res.Delivered = true
	c.metrics.UploadsDelivered.Add(1)
	c.log.Info("Upload confirmed (status %d, total=%d, hour=%d committed)", code, snap.TotalCount, snap.HourCount)
	return res
}

func (c *Coordinator) fail(res Result) Result {
	c.metrics.UploadsFailed.Add(1)
	c.log.Warn("Upload failed, will retry next cycle: %v", res.Err)
	return res
}
