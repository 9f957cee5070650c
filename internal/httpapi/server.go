package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/relaymesh/internal/telemetry"
	"github.com/rmacdonaldsmith/relaymesh/pkg/relaynode"
)

// Server represents the HTTP API server
type Server struct {
	node       relaynode.RelayNode
	jwtAuth    *JWTAuth
	handlers   *Handlers
	middleware *Middleware
	metrics    *telemetry.Metrics
	logger     *zap.Logger
	server     *http.Server
}

// Config holds server configuration
type Config struct {
	// Addr is the host:port to listen on
	Addr      string
	SecretKey string
	// NoAuth lets non-admin endpoints through without a token
	NoAuth   bool
	TokenTTL time.Duration
}

// NewServer creates a new HTTP API server. A nil metrics disables both
// instrumentation and the /metrics endpoint.
func NewServer(node relaynode.RelayNode, config Config, logger *zap.Logger, metrics *telemetry.Metrics) (*Server, error) {
	if node == nil {
		return nil, errors.New("relay node cannot be nil")
	}
	if config.SecretKey == "" {
		return nil, errors.New("a JWT secret is required")
	}
	logger = telemetry.OrNop(logger).Named("httpapi")

	jwtAuth := NewJWTAuth(config.SecretKey, config.TokenTTL)
	s := &Server{
		node:       node,
		jwtAuth:    jwtAuth,
		handlers:   NewHandlers(node, jwtAuth, logger),
		middleware: NewMiddleware(jwtAuth, config.NoAuth, logger),
		metrics:    metrics,
		logger:     logger,
	}
	s.server = &http.Server{
		Addr:           config.Addr,
		Handler:        s.Handler(),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1MB
	}
	return s, nil
}

// Handler returns the routed handler with all middleware applied
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	route := func(pattern, op string, h http.HandlerFunc) {
		mux.Handle(pattern, s.metrics.Instrument(op, s.middleware.ContentType(h)))
	}

	route("POST /api/v1/auth/login", "login", s.handlers.Login)
	route("POST /api/v1/messages", "submit", s.middleware.AuthRequired(s.handlers.SubmitMessage))
	route("GET /api/v1/messages/{id}", "get_message", s.middleware.AuthRequired(s.handlers.GetMessage))
	route("GET /api/v1/cluster/nodes", "cluster_nodes", s.middleware.AuthRequired(s.handlers.ListNodes))
	route("GET /api/v1/admin/cache", "admin_cache", s.middleware.AdminRequired(s.handlers.AdminCache))
	route("GET /api/v1/health", "health", s.handlers.Health)
	route("GET /{$}", "root", s.handleRoot)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	return s.middleware.Recovery(s.middleware.Logging(mux))
}

// ListenAndServe blocks until Shutdown. It returns nil after a clean shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("HTTP API listening", zap.String("address", ln.Addr().String()))
	if err := s.server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// handleRoot provides API information
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"service": "relaymesh HTTP API",
		"node":    s.node.GetNodeID(),
		"endpoints": map[string]string{
			"login":   "POST /api/v1/auth/login",
			"submit":  "POST /api/v1/messages",
			"message": "GET /api/v1/messages/{id}",
			"nodes":   "GET /api/v1/cluster/nodes",
			"cache":   "GET /api/v1/admin/cache",
			"health":  "GET /api/v1/health",
			"metrics": "GET /metrics",
		},
		"authentication": "Bearer JWT token required for all but login, health and metrics",
	}, http.StatusOK)
}
