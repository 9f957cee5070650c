package cluster

import "github.com/rmacdonaldsmith/relaymesh/pkg/protocol"

// BidStrategy orders bids. Better reports whether a beats b.
// Implementations must be a strict total order so every node picks the same winner.
type BidStrategy interface {
	Better(a, b protocol.BidValue) bool
}

// LowestLoad prefers the least loaded node, then the smaller random value,
// then the smaller node ID.
type LowestLoad struct{}

func (LowestLoad) Better(a, b protocol.BidValue) bool {
	if a.Load != b.Load {
		return a.Load < b.Load
	}
	if a.Random != b.Random {
		return a.Random < b.Random
	}
	return a.NodeID < b.NodeID
}

// Winner returns the best bid, or false when bids is empty.
func Winner(s BidStrategy, bids []protocol.BidValue) (protocol.BidValue, bool) {
	if len(bids) == 0 {
		return protocol.BidValue{}, false
	}
	best := bids[0]
	for _, b := range bids[1:] {
		if s.Better(b, best) {
			best = b
		}
	}
	return best, true
}
