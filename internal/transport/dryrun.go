package transport

import (
	"context"
	"sync"
)

// DryRun accepts every request without touching the network and answers
// with a fixed status line. Useful for bench setups and offline replay.
type DryRun struct {
	Status string

	mu        sync.Mutex
	connected bool
	requests  [][]byte
	onSend    func([]byte)
}

// NewDryRun returns a transport that confirms every upload with 201
func NewDryRun(onSend func(request []byte)) *DryRun {
	return &DryRun{Status: "HTTP/1.1 201 Created", onSend: onSend}
}

func (d *DryRun) Connect(ctx context.Context, host string, port int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = true
	return nil
}

func (d *DryRun) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *DryRun) Send(ctx context.Context, request []byte) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return "", ErrNotConnected
	}
	d.requests = append(d.requests, append([]byte(nil), request...))
	if d.onSend != nil {
		d.onSend(request)
	}
	return d.Status, nil
}

func (d *DryRun) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
	return nil
}

// Requests returns copies of every request sent so far
func (d *DryRun) Requests() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, len(d.requests))
	copy(out, d.requests)
	return out
}
