// Package control provides a Unix socket control interface for OpenDQ.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"

	"github.com/postalsys/opendq/internal/engine"
	"github.com/postalsys/opendq/internal/link"
	"github.com/postalsys/opendq/internal/logging"
	"github.com/postalsys/opendq/internal/mac"
	"github.com/postalsys/opendq/internal/stats"
	"github.com/postalsys/opendq/internal/sysinfo"
	"github.com/postalsys/opendq/internal/transport"
)

// Controller is the agent surface driven by the control socket.
type Controller interface {
	// IsRunning returns true if the agent is running.
	IsRunning() bool

	// Configure sets the parameters of the next experiment.
	Configure(variant mac.Variant, nodes, durationMs int) error

	// StartRun starts an experiment with the configured parameters.
	StartRun() (engine.RunInfo, error)

	// StopRun stops the running experiment.
	StopRun() (engine.RunInfo, error)

	// ResetStats clears the statistics of the current run.
	ResetStats()

	// EngineStatus returns the engine state.
	EngineStatus() engine.Status

	// Snapshot returns the statistics of the current or last run.
	Snapshot() (stats.Snapshot, bool)

	// LinkStats returns the counters of every link.
	LinkStats() []link.Stats

	// OpenLink opens another port while the agent runs.
	OpenLink(ctx context.Context, spec transport.Spec) (link.Stats, error)
}

// StatusResponse is the response for the status endpoint.
type StatusResponse struct {
	Running      bool          `json:"running"`
	Engine       engine.Status `json:"engine"`
	LinkCount    int           `json:"link_count"`
	LinksRunning int           `json:"links_running"`
	System       sysinfo.Info  `json:"system"`
}

// StatsResponse is the response for the stats endpoint.
type StatsResponse struct {
	Snapshot   stats.Snapshot `json:"snapshot"`
	Totals     stats.Totals   `json:"totals"`
	Throughput float64        `json:"throughput"`
}

// LinksResponse is the response for the links endpoint.
type LinksResponse struct {
	Links []link.Stats `json:"links"`
}

// ConfigureRequest is the body of POST /configure.
type ConfigureRequest struct {
	MAC        string `json:"mac"`
	Nodes      int    `json:"nodes"`
	DurationMs int    `json:"duration_ms"`
}

// OpenLinkRequest is the body of POST /links.
type OpenLinkRequest struct {
	Port string `json:"port"`
	Baud int    `json:"baud,omitempty"`
}

// RunResponse is returned by the start and stop endpoints.
type RunResponse struct {
	Run engine.RunInfo `json:"run"`
}

// ErrorResponse carries a failed request's reason.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ServerConfig contains control server configuration.
type ServerConfig struct {
	// SocketPath is the path to the Unix socket file.
	SocketPath string

	// ReadTimeout for HTTP reads.
	ReadTimeout time.Duration

	// WriteTimeout for HTTP writes.
	WriteTimeout time.Duration

	Logger *slog.Logger
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		SocketPath:   "./data/control.sock",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is a Unix socket HTTP server for control commands.
type Server struct {
	cfg      ServerConfig
	ctrl     Controller
	logger   *slog.Logger
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer creates a new control server.
func NewServer(cfg ServerConfig, ctrl Controller) *Server {
	s := &Server{
		cfg:    cfg,
		ctrl:   ctrl,
		logger: logging.OrNop(cfg.Logger).With(logging.KeyComponent, "control"),
	}

	s.server = &http.Server{
		Handler:      s.routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/links", s.handleLinks).Methods(http.MethodGet)
	r.HandleFunc("/links", s.handleOpenLink).Methods(http.MethodPost)
	r.HandleFunc("/configure", s.handleConfigure).Methods(http.MethodPost)
	r.HandleFunc("/start", s.handleStart).Methods(http.MethodPost)
	r.HandleFunc("/stop", s.handleStop).Methods(http.MethodPost)
	r.HandleFunc("/reset", s.handleReset).Methods(http.MethodPost)
	return r
}

// Start starts the control server.
func (s *Server) Start() error {
	// Remove existing socket file if it exists
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go s.server.Serve(ln)

	return nil
}

// Stop stops the control server.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}

	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

// Handler returns the HTTP handler for embedding in other servers.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	links := s.ctrl.LinkStats()
	running := 0
	for _, l := range links {
		if l.Status == link.StatusRunning {
			running++
		}
	}

	writeJSON(w, http.StatusOK, StatusResponse{
		Running:      s.ctrl.IsRunning(),
		Engine:       s.ctrl.EngineStatus(),
		LinkCount:    len(links),
		LinksRunning: running,
		System:       sysinfo.Collect(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	snap, ok := s.ctrl.Snapshot()
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("no experiment has run yet"))
		return
	}
	writeJSON(w, http.StatusOK, StatsResponse{
		Snapshot:   snap,
		Totals:     snap.Totals(),
		Throughput: snap.DataThroughput(),
	})
}

func (s *Server) handleLinks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, LinksResponse{Links: s.ctrl.LinkStats()})
}

func (s *Server) handleOpenLink(w http.ResponseWriter, r *http.Request) {
	var req OpenLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Port == "" {
		writeError(w, http.StatusBadRequest, errors.New("port is required"))
		return
	}

	st, err := s.ctrl.OpenLink(r.Context(), transport.Spec{Name: req.Port, Baud: req.Baud})
	if err != nil {
		s.logger.Warn("open link failed", logging.KeyPort, req.Port, logging.KeyError, err)
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (s *Server) handleConfigure(w http.ResponseWriter, r *http.Request) {
	var req ConfigureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	variant, err := mac.ParseVariant(req.MAC)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.ctrl.Configure(variant, req.Nodes, req.DurationMs); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.EngineStatus())
}

func (s *Server) handleStart(w http.ResponseWriter, _ *http.Request) {
	run, err := s.ctrl.StartRun()
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, RunResponse{Run: run})
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	run, err := s.ctrl.StopRun()
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, RunResponse{Run: run})
}

func (s *Server) handleReset(w http.ResponseWriter, _ *http.Request) {
	s.ctrl.ResetStats()
	w.WriteHeader(http.StatusNoContent)
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidSettings),
		errors.Is(err, engine.ErrUnsupportedVariant),
		errors.Is(err, mac.ErrUnknownVariant):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrNotConfigured),
		errors.Is(err, engine.ErrNotRunning),
		errors.Is(err, engine.ErrRunning):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}
