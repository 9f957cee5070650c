package discovery

import (
	"context"
	"strings"
)

// StaticDiscovery implements Discovery using a static list of seed nodes
type StaticDiscovery struct {
	seedNodes []string
}

// NewStaticDiscovery creates a new static discovery service with the given seed nodes.
// Blank entries are ignored.
func NewStaticDiscovery(seedNodes []string) *StaticDiscovery {
	seeds := make([]string, 0, len(seedNodes))
	for _, s := range seedNodes {
		if s = strings.TrimSpace(s); s != "" {
			seeds = append(seeds, s)
		}
	}
	return &StaticDiscovery{seedNodes: seeds}
}

// FindPeers returns peer nodes from the static seed node list.
// Node IDs are learned during the handshake, so only addresses are filled in.
func (s *StaticDiscovery) FindPeers(ctx context.Context) ([]Peer, error) {
	peers := make([]Peer, len(s.seedNodes))
	for i, address := range s.seedNodes {
		peers[i] = Peer{Address: address}
	}
	return peers, nil
}
