// Package server provides the HTTP server implementation for a ray node.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/gitlab-az1/ray/internal/config"
	rayerrors "github.com/gitlab-az1/ray/internal/errors"
	"github.com/gitlab-az1/ray/internal/handler"
	"github.com/gitlab-az1/ray/internal/health"
	"github.com/gitlab-az1/ray/internal/metrics"
	"github.com/gitlab-az1/ray/internal/middleware"
	"github.com/gitlab-az1/ray/internal/store"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Options wires a Server.
type Options struct {
	Live *config.Live
	Deps handler.Deps
	// Clients is the live-client registry store.
	Clients *store.Store[middleware.ClientInfo]
	Health  *health.HealthCheck
	Metrics *metrics.Metrics
	// Pepper is HMAC_KEY, mixed into password hashes.
	Pepper []byte
	// Production makes the server listen on every interface by default.
	Production bool
	Logger     *zap.Logger
}

// Server represents the HTTP server.
type Server struct {
	router       *mux.Router
	httpServer   *http.Server
	handlers     *handler.Handlers
	healthCheck  *health.HealthCheck
	errorHandler *rayerrors.Handler
	rateLimiter  *middleware.RateLimiter
	connLimiter  *middleware.ConnectionLimiter
	metrics      *metrics.Metrics
	logger       *zap.Logger
	live         *config.Live
	pepper       []byte
	production   bool
}

// NewServer creates a new HTTP server.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	healthCheck := opts.Health
	if healthCheck == nil {
		healthCheck = health.NewHealthCheck(logger)
	}

	cfg := opts.Live.Load()
	router := mux.NewRouter()
	errorHandler := rayerrors.NewHandler(logger)

	deps := opts.Deps
	var registry middleware.ClientRegistry
	if opts.Clients != nil {
		deps.Clients = opts.Clients
		registry = opts.Clients
	}

	s := &Server{
		router:       router,
		handlers:     handler.NewHandlers(deps, errorHandler, logger),
		healthCheck:  healthCheck,
		errorHandler: errorHandler,
		rateLimiter:  middleware.NewRateLimiter(cfg.RateLimiter.RequestsPerSecond, cfg.RateLimiter.BurstSize, logger),
		connLimiter:  middleware.NewConnectionLimiter(opts.Live, registry, logger, opts.Metrics),
		metrics:      opts.Metrics,
		logger:       logger,
		live:         opts.Live,
		pepper:       opts.Pepper,
		production:   opts.Production,
	}

	// TrailingSlash runs ahead of the router so redirects work for every path.
	s.httpServer = &http.Server{
		Addr:         ListenAddr(cfg.Net, opts.Production),
		Handler:      middleware.TrailingSlash(router),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return s
}

// ListenHost returns the interface to bind. An empty host means every
// interface in production and 127.0.0.1 otherwise.
func ListenHost(cfg config.NetConfig, production bool) string {
	if cfg.Host == "" && !production {
		return "127.0.0.1"
	}
	return cfg.Host
}

// ListenAddr returns host:port for the API listener.
func ListenAddr(cfg config.NetConfig, production bool) string {
	return net.JoinHostPort(ListenHost(cfg, production), strconv.Itoa(cfg.ListeningPort))
}

// SetupRoutes configures all HTTP routes.
func (s *Server) SetupRoutes() {
	// Setup middleware chain
	chain := middleware.Chain(
		middleware.Recovery(s.logger, s.errorHandler),
		middleware.RequestID,
		middleware.Logging(s.logger),
		middleware.Metrics(s.metrics),
		s.connLimiter.Limit,
		s.limitRate,
		middleware.RequireLength(s.live, s.errorHandler),
		middleware.Timeout(s.live),
	)
	s.router.Use(func(next http.Handler) http.Handler {
		return chain(next)
	})

	// Health check endpoints
	s.router.HandleFunc("/health", s.healthCheck.LivenessHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.healthCheck.ReadinessHandler).Methods(http.MethodGet)

	// API v1 routes
	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.Use(middleware.BasicAuth(s.live, s.pepper, s.logger))

	// Keyspace
	v1.HandleFunc("/keys", s.handlers.ListKeys).Methods(http.MethodGet)
	v1.HandleFunc("/keys/{key}", s.handlers.DeleteKey).Methods(http.MethodDelete)

	// Score-ordered lists
	v1.HandleFunc("/zsets/{key}", s.handlers.ZAdd).Methods(http.MethodPost)
	v1.HandleFunc("/zsets/{key}", s.handlers.ZRange).Methods(http.MethodGet)
	v1.HandleFunc("/zsets/{key}/bounds", s.handlers.ZBounds).Methods(http.MethodGet)
	v1.HandleFunc("/zsets/{key}/members/{value}", s.handlers.ZRem).Methods(http.MethodDelete)
	v1.HandleFunc("/zsets/{key}/range", s.handlers.ZRemRange).Methods(http.MethodDelete)

	// Unique-ordered sets
	v1.HandleFunc("/sets/{key}", s.handlers.SAdd).Methods(http.MethodPost)
	v1.HandleFunc("/sets/{key}", s.handlers.SMembers).Methods(http.MethodGet)
	v1.HandleFunc("/sets/{key}/members/{value}", s.handlers.SIsMember).Methods(http.MethodGet)
	v1.HandleFunc("/sets/{key}/members/{value}", s.handlers.SRem).Methods(http.MethodDelete)

	// TTL cache
	v1.HandleFunc("/cache/{key}", s.handlers.CacheSet).Methods(http.MethodPut)
	v1.HandleFunc("/cache/{key}", s.handlers.CacheGet).Methods(http.MethodGet)
	v1.HandleFunc("/cache/{key}", s.handlers.CacheDel).Methods(http.MethodDelete)
	v1.HandleFunc("/cache/{key}/ttl", s.handlers.CacheTTL).Methods(http.MethodGet)
	v1.HandleFunc("/cache/{key}/expire", s.handlers.CacheExpire).Methods(http.MethodPost)

	// Durable application store
	v1.HandleFunc("/store/{key}", s.handlers.StoreSet).Methods(http.MethodPut)
	v1.HandleFunc("/store/{key}", s.handlers.StoreGet).Methods(http.MethodGet)
	v1.HandleFunc("/store/{key}", s.handlers.StoreDelete).Methods(http.MethodDelete)

	// Node
	v1.HandleFunc("/clients", s.handlers.ListClients).Methods(http.MethodGet)
	v1.HandleFunc("/stats", s.handlers.QueueStats).Methods(http.MethodGet)

	// Both routers need the handlers: mux falls back to the subrouter's own
	// handlers for paths under /v1.
	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.errorHandler.WriteErrorResponse(w, http.StatusNotFound, rayerrors.ErrCodeNotFound,
			"endpoint not found", r.Header.Get(middleware.RequestIDHeader))
	})
	methodNotAllowed := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.errorHandler.WriteErrorResponse(w, http.StatusMethodNotAllowed, rayerrors.ErrCodeInvalidArgument,
			"method not allowed", r.Header.Get(middleware.RequestIDHeader))
	})
	s.router.NotFoundHandler = notFound
	s.router.MethodNotAllowedHandler = methodNotAllowed
	v1.NotFoundHandler = notFound
	v1.MethodNotAllowedHandler = methodNotAllowed
}

// limitRate applies the rate limiter while rate_limiter.enabled is set.
func (s *Server) limitRate(next http.Handler) http.Handler {
	limited := s.rateLimiter.Limit(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.live.Load().RateLimiter.Enabled {
			limited.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ApplyConfig switches the server to cfg. Connection limits, auth,
// require_length and client timeouts are read per request; the rate
// limiter is updated in place. Listener address and TLS settings only
// change on restart.
func (s *Server) ApplyConfig(cfg *config.Config) {
	s.live.Store(cfg)
	s.rateLimiter.Update(cfg.RateLimiter.RequestsPerSecond, cfg.RateLimiter.BurstSize)
	s.logger.Info("configuration applied",
		zap.Int("max_connections", cfg.Net.MaxConnections),
		zap.Int("max_connections_per_ip", cfg.Net.MaxConnectionsPerIP),
		zap.Bool("authentication", cfg.Auth.EnableAuthentication))
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown. With net.force_ssl set
// the listener is served over TLS.
func (s *Server) Serve(ln net.Listener) error {
	cfg := s.live.Load().Net
	s.logger.Info("starting HTTP server",
		zap.String("addr", ln.Addr().String()),
		zap.Bool("tls", cfg.ForceSSL))

	var err error
	if cfg.ForceSSL {
		err = s.httpServer.ServeTLS(ln, cfg.TLSCertFile, cfg.TLSKeyFile)
	} else {
		err = s.httpServer.Serve(ln)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// GetHandler returns the http.Handler for the server.
func (s *Server) GetHandler() http.Handler {
	return s.httpServer.Handler
}
