package peerlink

import (
	"errors"
	"time"
)

// Config holds configuration for the PeerLink transport
type Config struct {
	// NodeID tags the transport's log lines
	NodeID        string
	ListenAddress string

	// AdvertiseAddress is the address peers should dial. Defaults to the bound listen address.
	AdvertiseAddress string

	// MaxMessageSize bounds a single frame line in bytes
	MaxMessageSize int

	// DialTimeout bounds establishing an outbound connection
	DialTimeout time.Duration

	// WriteTimeout is used for writes that do not carry their own bound
	WriteTimeout time.Duration

	// IdleTimeout closes a connection that has received nothing for this long.
	// It must be longer than the heartbeat interval of the peers.
	IdleTimeout time.Duration
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return errors.New("node ID cannot be empty")
	}
	if c.ListenAddress == "" {
		return errors.New("listen address cannot be empty")
	}
	if c.MaxMessageSize < 0 {
		return errors.New("max message size cannot be negative")
	}
	return nil
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *Config) SetDefaults() {
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 1024 * 1024 // 1MB
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 3 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 15 * time.Second
	}
}
