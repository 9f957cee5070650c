package peerlink

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rmacdonaldsmith/relaymesh/internal/telemetry"
	"github.com/rmacdonaldsmith/relaymesh/pkg/protocol"
)

var (
	// ErrClosed is returned for operations on a closed connection
	ErrClosed = errors.New("peer connection closed")
	// ErrWriteTimeout is returned when a frame could not be written in time.
	// The connection remains usable when nothing was written.
	ErrWriteTimeout = errors.New("peer write timed out")
	// ErrIdle is returned by ReadFrame when the peer stayed silent past the idle timeout
	ErrIdle = errors.New("peer idle timeout")
)

// Conn is one framed peer connection. ReadFrame must be called from a single
// goroutine; WriteFrame is safe for concurrent use.
type Conn struct {
	conn     net.Conn
	scanner  *bufio.Scanner
	outbound bool
	idle     time.Duration
	write    time.Duration
	metrics  *telemetry.Metrics

	wmu       sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// NewConn wraps an established net.Conn. outbound marks connections this node dialed.
func NewConn(c net.Conn, config Config, outbound bool, metrics *telemetry.Metrics) *Conn {
	config.SetDefaults()
	scanner := bufio.NewScanner(c)
	scanner.Buffer(make([]byte, 0, 4096), config.MaxMessageSize)
	return &Conn{
		conn:     c,
		scanner:  scanner,
		outbound: outbound,
		idle:     config.IdleTimeout,
		write:    config.WriteTimeout,
		metrics:  metrics,
		done:     make(chan struct{}),
	}
}

// Outbound reports whether this side dialed the connection.
func (c *Conn) Outbound() bool { return c.outbound }

// RemoteAddr returns the socket address of the peer.
func (c *Conn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

// Done is closed when the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// WriteFrame writes one frame, bounded by timeout and by the deadline of ctx.
// A timeout <= 0 falls back to the configured WriteTimeout.
func (c *Conn) WriteFrame(ctx context.Context, f protocol.Frame, timeout time.Duration) error {
	line, err := f.Encode()
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if timeout <= 0 {
		timeout = c.write
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return c.writeFailed(err)
	}
	n, err := c.conn.Write(line)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			if n > 0 {
				// A partial line cannot be resumed.
				c.Close()
				return fmt.Errorf("%w after %d of %d bytes: %w", ErrWriteTimeout, n, len(line), ErrClosed)
			}
			return ErrWriteTimeout
		}
		return c.writeFailed(err)
	}
	c.metrics.ObserveFrame("out", f.Type.String())
	return nil
}

func (c *Conn) writeFailed(err error) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.Close()
	return fmt.Errorf("peer write: %w", err)
}

// ReadFrame blocks until the next frame arrives. Errors matching
// protocol.IsProtocolError leave the connection usable; any other error means
// the connection is gone.
func (c *Conn) ReadFrame() (protocol.Frame, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.idle)); err != nil {
		return protocol.Frame{}, c.readFailed(err)
	}
	if !c.scanner.Scan() {
		err := c.scanner.Err()
		if err == nil {
			return protocol.Frame{}, c.readFailed(ErrClosed)
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return protocol.Frame{}, c.readFailed(ErrIdle)
		}
		return protocol.Frame{}, c.readFailed(err)
	}
	f, err := protocol.ParseFrame(c.scanner.Bytes())
	c.metrics.ObserveFrame("in", f.Type.String())
	return f, err
}

func (c *Conn) readFailed(err error) error {
	c.Close()
	return err
}

// Close closes the connection. It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}
