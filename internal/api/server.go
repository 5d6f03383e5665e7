// Package api provides the HTTP REST API and WebSocket server.
//
// The server follows the same lifecycle pattern as other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aquafeed/aquafeed-core/internal/audit"
	"github.com/aquafeed/aquafeed-core/internal/auth"
	"github.com/aquafeed/aquafeed-core/internal/command"
	"github.com/aquafeed/aquafeed-core/internal/infrastructure/config"
	"github.com/aquafeed/aquafeed-core/internal/infrastructure/logging"
	"github.com/aquafeed/aquafeed-core/internal/infrastructure/mqtt"
	"github.com/aquafeed/aquafeed-core/internal/ingest"
	"github.com/aquafeed/aquafeed-core/internal/query"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// BrokerStatus reports the transport connection. *mqtt.Client satisfies it.
type BrokerStatus interface {
	State() mqtt.ConnState
}

// IngestStats reports pipeline counters. *ingest.Pipeline satisfies it.
type IngestStats interface {
	Stats() ingest.Stats
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config  config.APIConfig
	WS      config.WebSocketConfig
	Metrics config.MetricsConfig
	Logger  *logging.Logger

	Query      *query.Service
	Dispatcher *command.Dispatcher
	Auth       *auth.Authenticator
	Users      auth.UserRepository
	Audit      audit.Repository
	Recorder   *audit.Recorder

	// Optional status sources for /health.
	Broker BrokerStatus
	Ingest IngestStats

	// MetricsHandler serves Prometheus exposition on Metrics.Path when set.
	MetricsHandler http.Handler

	// Hub is shared with the ingestion pipeline, which feeds it readings.
	// New creates one when nil.
	Hub *Hub

	Version string
}

// Server is the HTTP API server.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg        config.APIConfig
	wsCfg      config.WebSocketConfig
	metricsCfg config.MetricsConfig
	logger     *logging.Logger

	query      *query.Service
	dispatcher *command.Dispatcher
	auth       *auth.Authenticator
	users      auth.UserRepository
	auditRepo  audit.Repository
	recorder   *audit.Recorder

	broker         BrokerStatus
	ingest         IngestStats
	metricsHandler http.Handler

	hub     *Hub
	tickets *ticketStore
	version string

	server *http.Server
	cancel context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Logger, Query, Dispatcher and Auth are required
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	switch {
	case deps.Logger == nil:
		return nil, errors.New("logger is required")
	case deps.Query == nil:
		return nil, errors.New("query service is required")
	case deps.Dispatcher == nil:
		return nil, errors.New("command dispatcher is required")
	case deps.Auth == nil:
		return nil, errors.New("authenticator is required")
	}

	hub := deps.Hub
	if hub == nil {
		hub = NewHub(deps.WS, deps.Logger)
	}

	return &Server{
		cfg:            deps.Config,
		wsCfg:          deps.WS,
		metricsCfg:     deps.Metrics,
		logger:         deps.Logger,
		query:          deps.Query,
		dispatcher:     deps.Dispatcher,
		auth:           deps.Auth,
		users:          deps.Users,
		auditRepo:      deps.Audit,
		recorder:       deps.Recorder,
		broker:         deps.Broker,
		ingest:         deps.Ingest,
		metricsHandler: deps.MetricsHandler,
		hub:            hub,
		tickets:        newTicketStore(),
		version:        deps.Version,
	}, nil
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub and ticket cleanup, then launches the HTTP
// listener in a background goroutine. The server can be stopped with Close().
//
// Parameters:
//   - ctx: Parent context for background goroutines
//
// Returns:
//   - error: Currently always nil; listener failures are logged
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)
	go s.cleanTicketsLoop(srvCtx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
//
// Returns:
//   - error: If shutdown encounters an error
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return errors.New("api server not started")
	}

	return nil
}
