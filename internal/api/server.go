package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/failover-agent/internal/connectivity"
	"github.com/nerrad567/failover-agent/internal/infrastructure/config"
	"github.com/nerrad567/failover-agent/internal/infrastructure/logging"
	"github.com/nerrad567/failover-agent/internal/journal"
)

const gracefulShutdownTimeout = 10 * time.Second

// StatusSource reports the connection manager's counters.
type StatusSource interface {
	Stats() connectivity.Stats
}

// DeviceSource reports application state for /status.
type DeviceSource interface {
	Snapshot() map[string]any
}

// HealthChecker is a dependency checked by /health. *database.DB and
// *influxdb.Client implement it.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds what the server reads from. Journal, Device, Checks and
// Metrics are optional.
type Deps struct {
	Config   config.APIConfig
	Features config.FeaturesConfig
	Logger   *logging.Logger
	Status   StatusSource
	Device   DeviceSource
	Journal  journal.Repository
	Checks   map[string]HealthChecker
	Metrics  *prometheus.Registry
	Version  string
}

// Server is the local status HTTP server.
type Server struct {
	deps   Deps
	logger *logging.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	started  time.Time
}

// New validates deps and creates a server. It does not listen until Start.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Status == nil {
		return nil, fmt.Errorf("status source is required")
	}
	return &Server{deps: deps, logger: deps.Logger}, nil
}

// Start binds the listener and serves in the background. Binding errors
// are returned; serving errors are logged.
func (s *Server) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return fmt.Errorf("api server already started")
	}

	cfg := s.deps.Config
	addr := net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	s.listener = ln
	s.started = time.Now()
	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(cfg.Timeouts.Idle) * time.Second,
	}

	srv := s.server
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	s.logger.Info("API server listening", "address", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close shuts the server down, waiting for in-flight requests.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}
