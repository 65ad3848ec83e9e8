// Package control implements the daemon's control channel: a small HTTP API
// served over a unix domain socket, plus the client used by the CLI. Local
// transport only; there is deliberately no network listener.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/flemzord/cronus/internal/events"
	"github.com/flemzord/cronus/internal/metrics"
	"github.com/flemzord/cronus/internal/registry"
)

// StopRequester lets the stop endpoint ask the daemon to begin shutdown
// without the server owning any lifecycle itself.
type StopRequester interface {
	RequestStop()
}

// ServerConfig wires the control server to the rest of the daemon.
type ServerConfig struct {
	Socket   string
	Registry *registry.Registry
	Events   *events.Hub      // optional, /v1/events returns 503 without it
	Metrics  *metrics.Metrics // optional, /metrics not mounted without it
	Stop     StopRequester
	Location *time.Location // timezone for next-fire computation
	Version  string
	Logger   *slog.Logger
}

// Server is the control channel endpoint. It owns the unix socket and the
// HTTP server on top of it.
type Server struct {
	socket    string
	registry  *registry.Registry
	hub       *events.Hub
	metrics   *metrics.Metrics
	stop      StopRequester
	loc       *time.Location
	version   string
	logger    *slog.Logger
	startedAt time.Time
	server    *http.Server
}

// NewServer creates the control server. Start binds the socket.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Server{
		socket:   cfg.Socket,
		registry: cfg.Registry,
		hub:      cfg.Events,
		metrics:  cfg.Metrics,
		stop:     cfg.Stop,
		loc:      cfg.Location,
		version:  cfg.Version,
		logger:   cfg.Logger,
	}
}

// buildRouter constructs the chi mux with all routes wired.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", s.handleAdd())
		r.Delete("/jobs/{id}", s.handleDelete())
		r.Get("/jobs", s.handleList())
		r.Post("/stop", s.handleStop())
		r.Get("/status", s.handleStatus())
		r.Get("/events", s.handleEvents())
	})

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	return r
}

// Start claims the control socket and begins serving.
func (s *Server) Start() error {
	ln, err := claimSocket(s.socket)
	if err != nil {
		return err
	}

	s.startedAt = time.Now()
	s.server = &http.Server{
		Handler: s.buildRouter(),
		// No read/write timeouts: /v1/events holds its connection open for
		// the lifetime of the subscriber.
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		s.logger.Info("control: listening", "socket", s.socket)
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("control: serve error", "error", err)
		}
	}()

	return nil
}

// Stop shuts the server down gracefully. Event stream connections are
// hijacked and close separately when the event hub closes.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("control: shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("control: shutdown: %w", err)
	}
	return nil
}

// claimSocket binds the unix socket, recovering it when a previous daemon
// crashed without unlinking. A socket another process still answers on is an
// error: two daemons must not share a registry.
func claimSocket(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("control: creating socket directory: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		conn, err := net.DialTimeout("unix", path, time.Second)
		if err == nil {
			conn.Close()
			return nil, fmt.Errorf("control: socket %s is in use by a running daemon", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("control: removing stale socket: %w", err)
		}
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("control: listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("control: restricting socket permissions: %w", err)
	}
	return ln, nil
}
