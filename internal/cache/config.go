package cache

import (
	"errors"
	"time"

	cachepkg "github.com/rmacdonaldsmith/relaymesh/pkg/cache"
)

// Config holds configuration for the tiered cache
type Config struct {
	// LoadLimit is the maximum number of online messages. Zero means every
	// insert must be evicted immediately, which always fails with ErrCacheFull.
	LoadLimit int

	// DuplicatePolicy decides how Add and PutMessage treat an existing ID
	DuplicatePolicy cachepkg.DuplicatePolicy

	// StoreTimeout bounds each call into the offline store
	StoreTimeout time.Duration
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.LoadLimit < 0 {
		return errors.New("load limit cannot be negative")
	}
	if c.DuplicatePolicy != cachepkg.DuplicateOverwrite && c.DuplicatePolicy != cachepkg.DuplicateReject {
		return errors.New("unknown duplicate policy")
	}
	return nil
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *Config) SetDefaults() {
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
}
