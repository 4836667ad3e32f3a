// Package monitor serves the node's local status API.
package monitor

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/roadside-counter/internal/logger"
	"github.com/dj-oyu/roadside-counter/internal/node"
)

const contentTypeProtobuf = "application/x-protobuf"

// StatusSource is satisfied by *node.Node
type StatusSource interface {
	Status() node.Status
}

// Config holds the monitor settings
type Config struct {
	Addr           string
	StatusInterval time.Duration
}

// DefaultConfig returns the monitor defaults
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		StatusInterval: 2 * time.Second,
	}
}

// Server exposes node status over HTTP
type Server struct {
	cfg     Config
	source  StatusSource
	log     logger.Module
	started time.Time
}

// NewServer returns a monitor server reading from source
func NewServer(cfg Config, source StatusSource, log *logger.Logger) *Server {
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = DefaultConfig().StatusInterval
	}
	return &Server{
		cfg:     cfg,
		source:  source,
		log:     logger.For("Monitor", log),
		started: time.Now(),
	}
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/status/stream", s.handleStatusStream)
	return mux
}

// HTTPServer wraps Handler in a server bound to the configured address
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.started).Seconds(),
	})
}

func (s *Server) payload() map[string]any {
	return map[string]any{
		"node":      s.source.Status(),
		"timestamp": float64(time.Now().Unix()),
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONWithStatus(w, map[string]any{"error": "method not allowed"}, http.StatusMethodNotAllowed)
		return
	}

	accept := r.Header.Get("Accept")
	if strings.Contains(accept, "application/protobuf") || strings.Contains(accept, contentTypeProtobuf) {
		data, err := encodeProtobuf(s.payload())
		if err != nil {
			s.log.Warn("Protobuf status encoding failed: %v", err)
			writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", contentTypeProtobuf)
		_, _ = w.Write(data)
		return
	}
	writeJSON(w, s.payload())
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(s.cfg.StatusInterval)
	defer ticker.Stop()

	s.log.Debug("Status stream opened by %s", r.RemoteAddr)
	defer s.log.Debug("Status stream closed by %s", r.RemoteAddr)

	for {
		if err := writeSSE(w, s.payload()); err != nil {
			return
		}
		flusher.Flush()

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

// encodeProtobuf round-trips payload through JSON so struct tags decide the
// field names, then packs it as a google.protobuf.Struct.
func encodeProtobuf(payload map[string]any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	st, err := structpb.NewStruct(generic)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(st)
}

func writeSSE(w http.ResponseWriter, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}
