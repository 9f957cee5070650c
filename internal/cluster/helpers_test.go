package cluster

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	tiered "github.com/rmacdonaldsmith/relaymesh/internal/cache"
	"github.com/rmacdonaldsmith/relaymesh/internal/peerlink"
	"github.com/rmacdonaldsmith/relaymesh/pkg/message"
	"github.com/rmacdonaldsmith/relaymesh/pkg/protocol"
)

// stubTransport never accepts and never dials.
type stubTransport struct {
	closed chan struct{}
	once   sync.Once
}

func newStubTransport() *stubTransport {
	return &stubTransport{closed: make(chan struct{})}
}

func (s *stubTransport) Accept() (*peerlink.Conn, error) {
	<-s.closed
	return nil, peerlink.ErrClosed
}

func (s *stubTransport) Dial(ctx context.Context, address string) (*peerlink.Conn, error) {
	return nil, errors.New("dialing disabled")
}

func (s *stubTransport) AdvertiseAddress() string { return "local:7000" }

func (s *stubTransport) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func newTestCache(t *testing.T, loadLimit int) *tiered.TieredCache {
	t.Helper()
	c, err := tiered.NewTieredCache(tiered.Config{LoadLimit: loadLimit}, tiered.NewMemStore(), nil, nil)
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func newTestCoordinator(t *testing.T, id string, mutate func(*Config)) (*Coordinator, *tiered.TieredCache) {
	t.Helper()
	cache := newTestCache(t, 100)
	config := Config{
		NodeID:         id,
		BidReadTimeout: 300 * time.Millisecond,
		BidSource:      SeededBidSource(1, 2),
	}
	if mutate != nil {
		mutate(&config)
	}
	c, err := NewCoordinator(config, newStubTransport(), cache, nil, nil, nil)
	if err != nil {
		t.Fatalf("Failed to create coordinator: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, cache
}

func newTestMessage(contents string) *message.Message {
	return message.New([]byte(contents), "http://example.invalid/deliver", "")
}

// testPeer drives the far side of a handler over net.Pipe.
type testPeer struct {
	t      *testing.T
	id     string
	conn   *peerlink.Conn
	raw    net.Conn
	frames chan protocol.Frame
}

// attach starts a handler on one end of a pipe and returns it with the peer on the other end.
// outbound marks the handler as the dialing side.
func attach(t *testing.T, c *Coordinator, peerID string, outbound bool) (*Handler, *testPeer) {
	t.Helper()
	a, b := net.Pipe()
	h := newHandler(c, peerlink.NewConn(a, peerlink.Config{}, outbound, nil), "")

	c.mu.Lock()
	c.handlers[h] = struct{}{}
	c.mu.Unlock()
	go h.Run(c.runCtx)

	p := &testPeer{
		t:      t,
		id:     peerID,
		conn:   peerlink.NewConn(b, peerlink.Config{}, !outbound, nil),
		raw:    b,
		frames: make(chan protocol.Frame, 64),
	}
	go func() {
		defer close(p.frames)
		for {
			f, err := p.conn.ReadFrame()
			if err != nil {
				if protocol.IsProtocolError(err) {
					continue
				}
				return
			}
			p.frames <- f
		}
	}()
	t.Cleanup(func() { p.conn.Close() })
	return h, p
}

func (p *testPeer) send(t protocol.MessageType, payload any) {
	p.t.Helper()
	f, err := protocol.NewFrame(t, payload)
	if err != nil {
		p.t.Fatal(err)
	}
	if err := p.conn.WriteFrame(context.Background(), f, 2*time.Second); err != nil {
		p.t.Fatalf("Failed to send %s: %v", t, err)
	}
}

func (p *testPeer) expect(t protocol.MessageType) protocol.Frame {
	p.t.Helper()
	select {
	case f, ok := <-p.frames:
		if !ok {
			p.t.Fatalf("Link closed while waiting for %s", t)
		}
		if f.Type != t {
			p.t.Fatalf("Expected %s, got %s %s", t, f.Type, f.Payload)
		}
		return f
	case <-time.After(2 * time.Second):
		p.t.Fatalf("Timed out waiting for %s", t)
	}
	return protocol.Frame{}
}

func (p *testPeer) expectClosed() {
	p.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-p.frames:
			if !ok {
				return
			}
		case <-deadline:
			p.t.Fatal("Expected link to close")
		}
	}
}

// sync returns once every frame sent before it has been dispatched.
func (p *testPeer) sync() {
	p.t.Helper()
	p.send(protocol.TypeGetMessage, protocol.MessageRef{MessageID: uuid.New()})
	p.expect(protocol.TypeMessageNotFound)
}

// admitAsAcceptor runs the admission exchange against a handler that accepted the link.
func (p *testPeer) admitAsAcceptor() protocol.Admission {
	p.t.Helper()
	p.expect(protocol.TypeStart)
	addr := p.id + ":7000"
	p.send(protocol.TypeStart, protocol.Hello{NodeID: p.id, Address: addr})
	p.send(protocol.TypeNewNode, protocol.Admission{NodeID: p.id, Address: addr})

	var confirmed protocol.Admission
	if err := p.expect(protocol.TypeNewNodeConfirmed).Decode(&confirmed); err != nil {
		p.t.Fatal(err)
	}
	p.send(protocol.TypeNewNodeOver, protocol.Admission{NodeID: p.id, Address: addr})
	p.expect(protocol.TypeNewNodeOver)
	p.sync()
	return confirmed
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}
