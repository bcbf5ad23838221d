// SPDX-License-Identifier: MIT

// Package health exposes the agent's local status endpoint.
//
// /healthz returns JSON with the SSE subscription state and every
// supervised stream; /metrics serves the same data in Prometheus text
// format for scrape-based monitoring. The server is disabled unless an
// address is configured.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// StreamInfo describes one supervised stream.
type StreamInfo struct {
	CourtID  string    `json:"courtId"`
	RecordID string    `json:"recordId"`
	State    string    `json:"state"`
	PID      int       `json:"pid,omitempty"`
	HasAudio bool      `json:"hasAudio"`
	Updated  time.Time `json:"updatedAt"`
}

// ProcessInfo describes one live driver-owned transcoder.
type ProcessInfo struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`
}

// StatusProvider supplies live agent state. The daemon wires an adapter
// over the record store, the transcoder driver and the SSE client.
type StatusProvider interface {
	Streams() []StreamInfo
	Processes() []ProcessInfo
	SSEConnected() bool
}

// Response is the /healthz JSON body.
type Response struct {
	Status       string        `json:"status"`
	Timestamp    time.Time     `json:"timestamp"`
	SSEConnected bool          `json:"sseConnected"`
	Streams      []StreamInfo  `json:"streams"`
	Processes    []ProcessInfo `json:"processes"`
}

// Handler routes /healthz and /metrics.
type Handler struct {
	provider StatusProvider
}

// NewHandler creates the status HTTP handler.
func NewHandler(provider StatusProvider) *Handler {
	return &Handler{provider: provider}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	switch r.URL.Path {
	case "/metrics":
		h.serveMetrics(w)
	default:
		h.serveHealth(w)
	}
}

func (h *Handler) serveHealth(w http.ResponseWriter) {
	resp := Response{
		Timestamp:    time.Now().UTC(),
		SSEConnected: h.provider.SSEConnected(),
		Streams:      h.provider.Streams(),
		Processes:    h.provider.Processes(),
	}

	// A disconnected control plane degrades the agent; dead streams are
	// the supervisor's business and do not flip the status, the health
	// tick recovers them.
	if resp.SSEConnected {
		resp.Status = "healthy"
	} else {
		resp.Status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	if resp.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// serveMetrics writes a minimal Prometheus exposition without pulling
// in a client library.
func (h *Handler) serveMetrics(w http.ResponseWriter) {
	var sb strings.Builder

	connected := 0
	if h.provider.SSEConnected() {
		connected = 1
	}
	fmt.Fprintln(&sb, "# HELP edge_sse_connected 1 when the control-plane subscription is live.")
	fmt.Fprintln(&sb, "# TYPE edge_sse_connected gauge")
	fmt.Fprintf(&sb, "edge_sse_connected %d\n", connected)

	streams := h.provider.Streams()
	fmt.Fprintln(&sb, "# HELP edge_stream_state Stream state by court (1 = in this state).")
	fmt.Fprintln(&sb, "# TYPE edge_stream_state gauge")
	for _, s := range streams {
		fmt.Fprintf(&sb, "edge_stream_state{court=%q,state=%q} 1\n", s.CourtID, s.State)
	}

	running := 0
	for _, s := range streams {
		if s.State == "RUNNING" {
			running++
		}
	}
	fmt.Fprintln(&sb, "# HELP edge_streams_running Number of streams currently running.")
	fmt.Fprintln(&sb, "# TYPE edge_streams_running gauge")
	fmt.Fprintf(&sb, "edge_streams_running %d\n", running)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	_, _ = w.Write([]byte(sb.String()))
}

// Server runs the status endpoint as a suture service. A zero Addr
// disables it.
type Server struct {
	Addr    string
	Handler http.Handler
}

// Serve binds synchronously so a port-in-use error surfaces immediately,
// then serves until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	if s.Addr == "" {
		<-ctx.Done()
		return ctx.Err()
	}

	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           s.Handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil {
		return err
	}
	return ctx.Err()
}
