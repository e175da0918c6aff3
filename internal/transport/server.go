// Package transport exposes a replica over HTTP: a cell API for local writes,
// the pull/push sync endpoints peers reconcile through, and a websocket
// gateway that streams changes to connected clients.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/example/cellsync/internal/replica"
	"github.com/example/cellsync/internal/store"
	"github.com/example/cellsync/internal/trie"
	"github.com/example/cellsync/internal/types"
)

// Replica is the replica surface the transport serves.
type Replica interface {
	ID() types.ReplicaID
	SetCell(ctx context.Context, table, row, cell string, value any) error
	DeleteCell(ctx context.Context, table, row, cell string) error
	SetRow(ctx context.Context, table, row string, cells map[string]any) error
	GetCell(table, row, cell string) (any, bool)
	Tables() store.Tables
	GetChanges(digest *trie.Node) types.Message
	SetChanges(ctx context.Context, msg types.Message) error
	Digest() *trie.Node
	Status() replica.Status
	Watch(w replica.Watcher) func()
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// MaxBodyBytes caps request bodies on the sync endpoints.
	MaxBodyBytes int64
	// PushRate limits /sync/push requests per second; zero disables limiting.
	PushRate  float64
	PushBurst int
	Gateway   GatewayConfig
}

// Server routes HTTP requests to a replica.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	replica    Replica
	gateway    *Gateway
	state      http.Handler
	health     func(context.Context) error
	logger     zerolog.Logger
	cfg        ServerConfig
}

// ServerOption customizes a Server.
type ServerOption func(*Server)

// WithStateHandler mounts a handler at GET /sync/state.
func WithStateHandler(h http.Handler) ServerOption {
	return func(s *Server) {
		s.state = h
	}
}

// WithHealthCheck makes /readyz report the result of check.
func WithHealthCheck(check func(context.Context) error) ServerOption {
	return func(s *Server) {
		s.health = check
	}
}

// NewServer builds the router and websocket gateway for a replica.
func NewServer(cfg ServerConfig, rep Replica, logger zerolog.Logger, opts ...ServerOption) *Server {
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = 32 << 20
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}

	s := &Server{
		router:  mux.NewRouter(),
		replica: rep,
		logger:  logger.With().Str("component", "transport").Logger(),
		cfg:     cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.gateway = NewGateway(rep, s.logger, cfg.Gateway)
	s.routes()

	// WriteTimeout is left to the caller: websocket sessions outlive any
	// sensible per-request deadline.
	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) routes() {
	s.router.Use(Recovery(s.logger), RequestID, Tracing, Logging(s.logger))

	s.router.HandleFunc("/healthz", s.handleLiveness).Methods(http.MethodGet)
	s.router.HandleFunc("/readyz", s.handleReadiness).Methods(http.MethodGet)

	s.router.HandleFunc("/tables", s.handleTables).Methods(http.MethodGet)
	s.router.HandleFunc("/tables/{table}/rows/{row}", s.handlePutRow).Methods(http.MethodPut)
	const cellPath = "/tables/{table}/rows/{row}/cells/{cell}"
	s.router.HandleFunc(cellPath, s.handleGetCell).Methods(http.MethodGet)
	s.router.HandleFunc(cellPath, s.handlePutCell).Methods(http.MethodPut)
	s.router.HandleFunc(cellPath, s.handleDeleteCell).Methods(http.MethodDelete)

	syncRoutes := s.router.PathPrefix("/sync").Subrouter()
	syncRoutes.HandleFunc("/digest", s.handleDigest).Methods(http.MethodGet)
	syncRoutes.HandleFunc("/pull", s.handlePull).Methods(http.MethodPost)
	syncRoutes.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	if s.state != nil {
		syncRoutes.Handle("/state", s.state).Methods(http.MethodGet)
	}

	var push http.Handler = http.HandlerFunc(s.handlePush)
	if s.cfg.PushRate > 0 {
		burst := s.cfg.PushBurst
		if burst < 1 {
			burst = 1
		}
		push = RateLimit(rate.NewLimiter(rate.Limit(s.cfg.PushRate), burst))(push)
	}
	syncRoutes.Handle("/push", push).Methods(http.MethodPost)

	s.router.Handle("/ws", s.gateway).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "endpoint not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Gateway returns the websocket gateway.
func (s *Server) Gateway() *Gateway {
	return s.gateway
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.cfg.Addr).Msg("http server starting")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown closes websocket sessions and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down http server")
	s.gateway.Close()
	return s.httpServer.Shutdown(ctx)
}
