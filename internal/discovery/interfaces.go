package discovery

import "context"

// Peer is a candidate cluster member. ID may be empty when only the address is known.
type Peer struct {
	ID      string
	Address string
}

// Discovery defines the interface for node discovery mechanisms
type Discovery interface {
	// FindPeers discovers and returns available peer nodes
	FindPeers(ctx context.Context) ([]Peer, error)
}

// Registrar is implemented by discovery backends that nodes announce themselves to.
type Registrar interface {
	// Register publishes self and keeps the registration alive until the
	// returned function is called or ctx ends.
	Register(ctx context.Context, self Peer) (deregister func() error, err error)
}
