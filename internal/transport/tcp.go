// Package transport provides stream transports to the collector.
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/dj-oyu/roadside-counter/internal/logger"
)

// ErrNotConnected is returned by Send before a successful Connect
var ErrNotConnected = errors.New("transport not connected")

// maxDrain bounds how much of a response body is read to keep the stream
// framed for the next request.
const maxDrain = 64 << 10

// TCP is a keep-alive stream to the collector, optionally wrapped in TLS
type TCP struct {
	UseTLS      bool
	TLSConfig   *tls.Config
	DialTimeout time.Duration

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	log    logger.Module
}

// NewTCP returns a disconnected transport
func NewTCP(useTLS bool, dialTimeout time.Duration, log *logger.Logger) *TCP {
	return &TCP{
		UseTLS:      useTLS,
		DialTimeout: dialTimeout,
		log:         logger.For("Transport", log),
	}
}

// Connect dials host:port. Any previous stream is closed first.
func (t *TCP) Connect(ctx context.Context, host string, port int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeLocked()

	dialer := net.Dialer{Timeout: t.DialTimeout}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	if t.UseTLS {
		cfg := &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
		if t.TLSConfig != nil {
			cfg = t.TLSConfig.Clone()
			if cfg.ServerName == "" {
				cfg.ServerName = host
			}
		}
		tlsConn := tls.Client(conn, cfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return fmt.Errorf("tls handshake with %s: %w", addr, err)
		}
		conn = tlsConn
	}

	t.conn = conn
	t.reader = bufio.NewReader(conn)
	t.log.Debug("Connected to %s", addr)
	return nil
}

// Connected reports whether a stream is open
func (t *TCP) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Send writes request and reads the response head. The exchange is bounded by
// ctx; on any error the stream is closed so the next cycle reconnects.
func (t *TCP) Send(ctx context.Context, request []byte) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return "", ErrNotConnected
	}
	conn := t.conn

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if _, err := conn.Write(request); err != nil {
		t.closeLocked()
		return "", fmt.Errorf("write request: %w", err)
	}

	resp, err := http.ReadResponse(t.reader, nil)
	if err != nil {
		t.closeLocked()
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		} else if errors.Is(err, os.ErrDeadlineExceeded) {
			err = context.DeadlineExceeded
		}
		return "", fmt.Errorf("read response: %w", err)
	}
	_, drainErr := io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrain))
	_ = resp.Body.Close()

	status := resp.Proto + " " + resp.Status
	if drainErr != nil || resp.Close {
		t.closeLocked()
	} else {
		_ = conn.SetDeadline(time.Time{})
	}
	return status, nil
}

// Disconnect closes the stream if one is open
func (t *TCP) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeLocked()
}

func (t *TCP) closeLocked() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	t.reader = nil
	return err
}
