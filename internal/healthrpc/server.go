package healthrpc

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rmacdonaldsmith/relaymesh/internal/telemetry"
)

// ServiceName is the service reported alongside the overall "" entry.
const ServiceName = "relaymesh.RelayNode"

// Server exposes grpc.health.v1.Health for one relay node.
type Server struct {
	grpc     *grpc.Server
	health   *health.Server
	listener net.Listener
	logger   *zap.Logger

	mu     sync.Mutex
	closed bool
}

// Listen binds address and registers the health service. Both entries start NOT_SERVING.
func Listen(address string, logger *zap.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	return &Server{
		grpc:     gs,
		health:   hs,
		listener: ln,
		logger:   telemetry.OrNop(logger).Named("healthrpc"),
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Serve blocks until Close.
func (s *Server) Serve() error {
	s.logger.Info("gRPC health service listening", zap.String("address", s.listener.Addr().String()))
	err := s.grpc.Serve(s.listener)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// SetServing flips both health entries.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Close marks the service as shutting down and stops the server.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
