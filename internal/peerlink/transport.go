package peerlink

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/relaymesh/internal/telemetry"
)

// Transport owns the cluster listener and dials outbound peer connections.
type Transport struct {
	config   Config
	listener net.Listener
	dialer   net.Dialer
	logger   *zap.Logger
	metrics  *telemetry.Metrics

	mu     sync.Mutex
	closed bool
}

// Listen validates config and binds the cluster listener.
func Listen(config Config, logger *zap.Logger, metrics *telemetry.Metrics) (*Transport, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.SetDefaults()

	ln, err := net.Listen("tcp", config.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", config.ListenAddress, err)
	}
	if config.AdvertiseAddress == "" {
		config.AdvertiseAddress = ln.Addr().String()
	}

	t := &Transport{
		config:   config,
		listener: ln,
		dialer:   net.Dialer{Timeout: config.DialTimeout},
		logger:   telemetry.OrNop(logger).Named("peerlink").With(zap.String("node", config.NodeID)),
		metrics:  metrics,
	}
	t.logger.Info("cluster listener bound",
		zap.String("listen", ln.Addr().String()),
		zap.String("advertise", config.AdvertiseAddress))
	return t, nil
}

// Config returns the effective configuration, with defaults applied.
func (t *Transport) Config() Config { return t.config }

// Addr returns the bound listen address.
func (t *Transport) Addr() net.Addr { return t.listener.Addr() }

// AdvertiseAddress returns the address peers should dial.
func (t *Transport) AdvertiseAddress() string { return t.config.AdvertiseAddress }

// Accept waits for the next inbound peer connection.
func (t *Transport) Accept() (*Conn, error) {
	c, err := t.listener.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}
	t.logger.Debug("accepted peer connection", zap.String("remote", c.RemoteAddr().String()))
	return NewConn(c, t.config, false, t.metrics), nil
}

// Dial opens an outbound peer connection.
func (t *Transport) Dial(ctx context.Context, address string) (*Conn, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	c, err := t.dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", address, err)
	}
	t.logger.Debug("dialed peer", zap.String("address", address))
	return NewConn(c, t.config, true, t.metrics), nil
}

// Close stops accepting connections. Established connections are not affected.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.listener.Close()
}
