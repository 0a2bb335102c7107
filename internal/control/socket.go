// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plexus Contributors

// Package control serves the daemon's control API over a unix socket:
// health, status, reload, one-shot dispatch, and shutdown. The socket is
// owner-only; anything that can write it already owns the process.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/plexushq/plexus/internal/plugin"
	"github.com/plexushq/plexus/internal/xdg"
)

// socketName is the socket file name under the runtime directory.
const socketName = "plexus.sock"

// HealthResponse is returned by the /health endpoint.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// HostStatus is the domain half of a status response, supplied by the
// daemon.
type HostStatus struct {
	Version    string        `json:"version"`
	CycleState string        `json:"cycle_state"`
	Generation uint64        `json:"generation"`
	Plugins    []string      `json:"plugins,omitempty"`
	LastCycle  *CycleSummary `json:"last_cycle,omitempty"`
}

// StatusResponse is returned by the /status endpoint.
type StatusResponse struct {
	Running       bool  `json:"running"`
	PID           int   `json:"pid"`
	UptimeSeconds int64 `json:"uptime_seconds"`
	HostStatus
}

// CycleSummary is the wire form of a reinitialization cycle report.
type CycleSummary struct {
	ID         string   `json:"id"`
	Trigger    string   `json:"trigger"`
	Detail     string   `json:"detail,omitempty"`
	State      string   `json:"state"`
	Error      string   `json:"error,omitempty"`
	Generation uint64   `json:"generation,omitempty"`
	Plugins    []string `json:"plugins,omitempty"`
	DurationMS int64    `json:"duration_ms"`
}

// SummarizeCycle converts a cycle report to its wire form.
func SummarizeCycle(report *plugin.CycleReport) CycleSummary {
	sum := CycleSummary{
		ID:         report.ID.String(),
		Trigger:    report.Trigger.Kind,
		Detail:     report.Trigger.Detail,
		State:      report.State.String(),
		Generation: report.Generation,
		Plugins:    report.Plugins,
		DurationMS: report.Finished.Sub(report.Started).Milliseconds(),
	}
	if report.Err != nil {
		sum.Error = report.Err.Error()
	}
	return sum
}

// DispatchRequest is the body of a /dispatch request.
type DispatchRequest struct {
	Event string `json:"event"`
}

// InvocationSummary is the wire form of one invocation result.
type InvocationSummary struct {
	Plugin    string  `json:"plugin"`
	Status    string  `json:"status"`
	Output    any     `json:"output,omitempty"`
	Error     string  `json:"error,omitempty"`
	ElapsedMS float64 `json:"elapsed_ms"`
}

// DispatchResponse is returned by the /dispatch endpoint.
type DispatchResponse struct {
	Event   string              `json:"event"`
	Results []InvocationSummary `json:"results"`
}

// SummarizeInvocations converts dispatch results to their wire form.
func SummarizeInvocations(results []plugin.InvocationResult) []InvocationSummary {
	out := make([]InvocationSummary, 0, len(results))
	for _, r := range results {
		sum := InvocationSummary{
			Plugin:    r.Plugin,
			Status:    plugin.StatusSuccess,
			Output:    r.Output,
			ElapsedMS: float64(r.Elapsed.Microseconds()) / 1000,
		}
		if r.Err != nil {
			sum.Status = plugin.StatusError
			sum.Error = r.Err.Error()
		}
		out = append(out, sum)
	}
	return out
}

// ShutdownResponse is returned by the /shutdown endpoint.
type ShutdownResponse struct {
	Message string `json:"message"`
}

// ErrorResponse is returned when an endpoint fails.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ServerConfig wires the control server into the daemon. Nil callbacks
// disable their endpoint with 503.
type ServerConfig struct {
	// Status supplies the domain half of /status responses.
	Status func() HostStatus
	// Reload runs one reinitialization cycle synchronously.
	Reload func(ctx context.Context) (*plugin.CycleReport, error)
	// Dispatch fires one event and returns the per-entry results.
	Dispatch func(ctx context.Context, event string) []plugin.InvocationResult
	// Shutdown initiates graceful daemon shutdown. Called asynchronously.
	Shutdown func()
	Log      *slog.Logger
}

// Server runs HTTP over a unix socket for daemon management.
type Server struct {
	cfg        ServerConfig
	log        *slog.Logger
	startTime  time.Time
	listener   net.Listener
	httpServer *http.Server
	socketPath string
	running    atomic.Bool
}

// NewServer creates a control socket server.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		log:       cfg.Log,
		startTime: time.Now(),
	}
	s.running.Store(true)
	return s
}

// SocketPath returns the path of the daemon's control socket.
func SocketPath() (string, error) {
	runtimeDir, err := xdg.RuntimeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get runtime directory: %w", err)
	}
	return filepath.Join(runtimeDir, socketName), nil
}

// Start begins listening on the unix socket. A stale socket file from a
// previous run is removed first.
func (s *Server) Start() error {
	socketPath, err := SocketPath()
	if err != nil {
		return err
	}
	return s.StartAt(socketPath)
}

// StartAt begins listening on the unix socket at socketPath.
func (s *Server) StartAt(socketPath string) error {
	s.socketPath = socketPath

	if err := xdg.EnsureDir(filepath.Dir(socketPath)); err != nil {
		return fmt.Errorf("failed to create runtime directory: %w", err)
	}
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on socket: %w", err)
	}
	s.listener = listener

	// Owner-only: the control API can stop the daemon.
	if err := os.Chmod(socketPath, 0o600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /reload", s.handleReload)
	mux.HandleFunc("POST /dispatch", s.handleDispatch)
	mux.HandleFunc("POST /shutdown", s.handleShutdown)

	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("control socket server error", "error", err)
		}
	}()

	s.log.Debug("control socket listening", "path", socketPath)
	return nil
}

// Path returns the socket path the server is listening on.
func (s *Server) Path() string { return s.socketPath }

// Stop gracefully shuts down the control server and removes the socket file.
func (s *Server) Stop(ctx context.Context) error {
	s.running.Store(false)

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown http server: %w", err)
		}
	}
	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.log.Warn("failed to close control socket listener", "error", err)
		}
	}
	if s.socketPath != "" {
		if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
			s.log.Warn("failed to remove control socket file",
				"path", s.socketPath,
				"error", err)
		}
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{
		Running:       s.running.Load(),
		PID:           os.Getpid(),
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	}
	if s.cfg.Status != nil {
		resp.HostStatus = s.cfg.Status()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Reload == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "reload unavailable"})
		return
	}
	report, err := s.cfg.Reload(r.Context())
	if report == nil {
		msg := "reload failed"
		if err != nil {
			msg = err.Error()
		}
		s.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: msg})
		return
	}
	// A failed cycle is still a successful reload request: the report says
	// what went wrong and the previous registry remains active.
	s.writeJSON(w, http.StatusOK, SummarizeCycle(report))
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Dispatch == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "dispatch unavailable"})
		return
	}
	var req DispatchRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid dispatch request: " + err.Error()})
		return
	}
	if req.Event == "" {
		s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "event is required"})
		return
	}
	results := s.cfg.Dispatch(r.Context(), req.Event)
	s.writeJSON(w, http.StatusOK, DispatchResponse{
		Event:   req.Event,
		Results: SummarizeInvocations(results),
	})
}

func (s *Server) handleShutdown(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, ShutdownResponse{Message: "shutdown initiated"})
	if s.cfg.Shutdown != nil {
		go s.cfg.Shutdown()
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to encode control response", "error", err)
	}
}
