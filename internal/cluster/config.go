package cluster

import (
	"errors"
	"math/rand/v2"
	"time"
)

// Config holds configuration for the cluster coordinator
type Config struct {
	NodeID string

	// AdvertiseAddress is sent to peers in START and NEW NODE. Defaults to the transport's address.
	AdvertiseAddress string

	// BidReadTimeout bounds waiting for one peer's BID
	BidReadTimeout time.Duration
	// BidWriteTimeout bounds sending AUCTION, BID, AUCTION OVER and the MESSAGE hand-off
	BidWriteTimeout time.Duration
	// IODTimeout bounds each MESSAGE DELIVERED and DEAD NODE notification
	IODTimeout time.Duration
	// IONMTimeout bounds each MESSAGE CREATED notification
	IONMTimeout time.Duration

	HeartbeatInterval time.Duration
	ReconnectInterval time.Duration

	// MaxConsecutiveFailures is how many timeouts in a row declare a peer dead
	MaxConsecutiveFailures int

	// AuctionAttempts bounds how often a message is re-auctioned when the hand-off fails
	AuctionAttempts int

	// MaxProtocolErrors is how many rejected frames a link tolerates before it is closed
	MaxProtocolErrors int

	// TombstoneCapacity bounds how many delivered IDs are remembered
	TombstoneCapacity int

	// Strategy picks auction winners. Defaults to LowestLoad.
	Strategy BidStrategy

	// BidSource returns the private random source of one bidder.
	// Defaults to a randomly seeded PCG.
	BidSource func() rand.Source
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return errors.New("node ID cannot be empty")
	}
	for _, d := range []time.Duration{c.BidReadTimeout, c.BidWriteTimeout, c.IODTimeout, c.IONMTimeout} {
		if d < 0 {
			return errors.New("timeouts cannot be negative")
		}
	}
	if c.MaxConsecutiveFailures < 0 || c.AuctionAttempts < 0 || c.MaxProtocolErrors < 0 {
		return errors.New("thresholds cannot be negative")
	}
	return nil
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *Config) SetDefaults() {
	if c.BidReadTimeout <= 0 {
		c.BidReadTimeout = time.Second
	}
	if c.BidWriteTimeout <= 0 {
		c.BidWriteTimeout = time.Second
	}
	if c.IODTimeout <= 0 {
		c.IODTimeout = time.Second
	}
	if c.IONMTimeout <= 0 {
		c.IONMTimeout = time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = 10 * time.Second
	}
	if c.MaxConsecutiveFailures == 0 {
		c.MaxConsecutiveFailures = 3
	}
	if c.AuctionAttempts == 0 {
		c.AuctionAttempts = 3
	}
	if c.MaxProtocolErrors == 0 {
		c.MaxProtocolErrors = 3
	}
	if c.TombstoneCapacity <= 0 {
		c.TombstoneCapacity = 10000
	}
	if c.Strategy == nil {
		c.Strategy = LowestLoad{}
	}
	if c.BidSource == nil {
		c.BidSource = func() rand.Source {
			return rand.NewPCG(rand.Uint64(), rand.Uint64())
		}
	}
}

// SeededBidSource returns a BidSource whose sources all start from the same seed.
func SeededBidSource(seed1, seed2 uint64) func() rand.Source {
	return func() rand.Source { return rand.NewPCG(seed1, seed2) }
}
