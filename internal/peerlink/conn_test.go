package peerlink

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/rmacdonaldsmith/relaymesh/pkg/protocol"
)

func pipeConns(t *testing.T, config Config) (*Conn, *Conn) {
	t.Helper()
	a, b := net.Pipe()
	left := NewConn(a, config, true, nil)
	right := NewConn(b, config, false, nil)
	t.Cleanup(func() {
		left.Close()
		right.Close()
	})
	return left, right
}

func TestConn_WriteAndRead(t *testing.T) {
	left, right := pipeConns(t, Config{})

	frame, err := protocol.NewFrame(protocol.TypeStart, protocol.Hello{NodeID: "node-a", Address: "127.0.0.1:7001"})
	if err != nil {
		t.Fatal(err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- left.WriteFrame(context.Background(), frame, time.Second)
	}()

	got, err := right.ReadFrame()
	if err != nil {
		t.Fatalf("Expected frame, got error %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Expected write to succeed, got %v", err)
	}
	if got.Type != protocol.TypeStart {
		t.Errorf("Expected START, got %s", got.Type)
	}
	var hello protocol.Hello
	if err := got.Decode(&hello); err != nil {
		t.Fatal(err)
	}
	if hello.NodeID != "node-a" {
		t.Errorf("Expected node-a, got %s", hello.NodeID)
	}
	if !left.Outbound() || right.Outbound() {
		t.Error("Expected outbound flag to follow the dialing side")
	}
}

func TestConn_UnknownFrameKeepsConnection(t *testing.T) {
	a, b := net.Pipe()
	right := NewConn(b, Config{}, false, nil)
	defer right.Close()
	defer a.Close()

	go func() {
		a.Write([]byte("GOSSIP {\"x\":1}\nHEART BEAT\n"))
	}()

	f, err := right.ReadFrame()
	if !protocol.IsProtocolError(err) {
		t.Fatalf("Expected protocol error, got %v", err)
	}
	if f.Type != protocol.TypeUnknown {
		t.Errorf("Expected UNKNOWN, got %s", f.Type)
	}

	f, err = right.ReadFrame()
	if err != nil {
		t.Fatalf("Expected connection to remain usable, got %v", err)
	}
	if f.Type != protocol.TypeHeartBeat {
		t.Errorf("Expected HEART BEAT, got %s", f.Type)
	}
}

func TestConn_WriteTimeoutWithoutReader(t *testing.T) {
	left, _ := pipeConns(t, Config{})
	frame, _ := protocol.NewFrame(protocol.TypeHeartBeat, nil)

	start := time.Now()
	err := left.WriteFrame(context.Background(), frame, 50*time.Millisecond)
	if !errors.Is(err, ErrWriteTimeout) {
		t.Fatalf("Expected ErrWriteTimeout, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Expected write to give up near its timeout")
	}
	select {
	case <-left.Done():
		t.Error("Expected connection to stay open when nothing was written")
	default:
	}
}

func TestConn_ZeroTimeoutUsesConfiguredWriteTimeout(t *testing.T) {
	left, _ := pipeConns(t, Config{WriteTimeout: 50 * time.Millisecond})
	frame, _ := protocol.NewFrame(protocol.TypeHeartBeat, nil)

	start := time.Now()
	err := left.WriteFrame(context.Background(), frame, 0)
	if !errors.Is(err, ErrWriteTimeout) {
		t.Fatalf("Expected ErrWriteTimeout, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Errorf("Expected write to give up near the configured 50ms, took %v", time.Since(start))
	}
}

func TestConn_IdleTimeout(t *testing.T) {
	_, right := pipeConns(t, Config{IdleTimeout: 50 * time.Millisecond})

	_, err := right.ReadFrame()
	if !errors.Is(err, ErrIdle) {
		t.Fatalf("Expected ErrIdle, got %v", err)
	}
	select {
	case <-right.Done():
	default:
		t.Error("Expected idle connection to be closed")
	}
}

func TestConn_CloseCancelsWrites(t *testing.T) {
	left, _ := pipeConns(t, Config{})
	left.Close()
	left.Close()

	frame, _ := protocol.NewFrame(protocol.TypeHeartBeat, nil)
	if err := left.WriteFrame(context.Background(), frame, time.Second); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestTransport_ListenAndDial(t *testing.T) {
	tr, err := Listen(Config{NodeID: "node-a", ListenAddress: "127.0.0.1:0"}, nil, nil)
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	defer tr.Close()

	if tr.AdvertiseAddress() != tr.Addr().String() {
		t.Errorf("Expected advertise address to default to %s, got %s", tr.Addr(), tr.AdvertiseAddress())
	}

	accepted := make(chan *Conn, 1)
	go func() {
		c, err := tr.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	out, err := tr.Dial(context.Background(), tr.Addr().String())
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer out.Close()

	select {
	case in := <-accepted:
		defer in.Close()
		if in.Outbound() {
			t.Error("Expected accepted connection to be inbound")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for accept")
	}

	tr.Close()
	if _, err := tr.Accept(); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed from Accept after Close, got %v", err)
	}
	if _, err := tr.Dial(context.Background(), "127.0.0.1:1"); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed from Dial after Close, got %v", err)
	}
}
