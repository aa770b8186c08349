package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/qoptics/wavemeterd/internal/driver"
	"github.com/qoptics/wavemeterd/internal/export"
	"github.com/qoptics/wavemeterd/internal/infrastructure/config"
	"github.com/qoptics/wavemeterd/internal/infrastructure/database"
	"github.com/qoptics/wavemeterd/internal/infrastructure/influxdb"
	"github.com/qoptics/wavemeterd/internal/infrastructure/logging"
	"github.com/qoptics/wavemeterd/internal/infrastructure/mqtt"
	"github.com/qoptics/wavemeterd/internal/publish"
	"github.com/qoptics/wavemeterd/internal/stream"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// defaultLongPollTimeout bounds blocking channel reads when no long-poll
// window is configured.
const defaultLongPollTimeout = 60 * time.Second

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config      config.APIConfig
	WS          config.WebSocketConfig
	Logger      *logging.Logger
	Engine      *stream.Engine
	Driver      driver.Driver
	History     export.HistoryRepository
	Exporter    *export.Exporter
	Publisher   *publish.Publisher
	MQTT        *mqtt.Client
	Influx      *influxdb.Client
	DB          *database.DB
	ExternalHub *Hub // If set, the server uses this hub instead of creating its own
	Version     string
}

// Server is the HTTP API server for wavemeterd.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg         config.APIConfig
	wsCfg       config.WebSocketConfig
	logger      *logging.Logger
	engine      *stream.Engine
	driver      driver.Driver
	history     export.HistoryRepository
	exporter    *export.Exporter
	publisher   *publish.Publisher
	mqtt        *mqtt.Client
	influx      *influxdb.Client
	db          *database.DB
	version     string
	startTime   time.Time
	server      *http.Server
	hub         *Hub
	externalHub bool               // true if hub was injected externally
	cancel      context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (config, logger, engine, driver)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Engine == nil {
		return nil, fmt.Errorf("measurement engine is required")
	}
	if deps.Driver == nil {
		return nil, fmt.Errorf("instrument driver is required")
	}
	// History, exporter, publisher, MQTT, Influx and the database are all
	// optional. Their endpoints degrade individually.

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		logger:    deps.Logger,
		engine:    deps.Engine,
		driver:    deps.Driver,
		history:   deps.History,
		exporter:  deps.Exporter,
		publisher: deps.Publisher,
		mqtt:      deps.MQTT,
		influx:    deps.Influx,
		db:        deps.DB,
		version:   deps.Version,
		startTime: time.Now(),
	}

	// Use externally-provided hub if available (needed when the caller also
	// feeds the hub from the engine's sample callback).
	if deps.ExternalHub != nil {
		s.hub = deps.ExternalHub
		s.externalHub = true
	}

	return s, nil
}

// Start begins listening for HTTP connections.
//
// It sets up the router, starts the WebSocket hub, and launches the HTTP
// listener in a background goroutine. The server can be stopped with Close().
//
// Parameters:
//   - ctx: Context for cancellation (not used for listener lifetime)
//
// Returns:
//   - error: If the server fails to start (port in use, etc.)
func (s *Server) Start(ctx context.Context) error {
	// Create internal context so Close() can stop background goroutines
	// independently of the parent context.
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	// Create WebSocket hub (unless one was injected externally, in which
	// case running it is the creator's job)
	if s.hub == nil {
		s.hub = NewHub(s.wsCfg, s.logger)
		go s.hub.Run(srvCtx)
	}

	// Build router
	router := s.buildRouter()

	// Create HTTP server
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           router,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	// Start listening in background
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

	// Cancel background goroutines (hub)
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
		return fmt.Errorf("api server not started")
	}

	return nil
}

// longPollTimeout returns the bound for blocking channel reads.
func (s *Server) longPollTimeout() time.Duration {
	if s.cfg.Timeouts.LongPoll <= 0 {
		return defaultLongPollTimeout
	}
	return time.Duration(s.cfg.Timeouts.LongPoll) * time.Second
}
