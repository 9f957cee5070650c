package relaynode

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rmacdonaldsmith/relaymesh/internal/cluster"
	"github.com/rmacdonaldsmith/relaymesh/internal/delivery"
	cachepkg "github.com/rmacdonaldsmith/relaymesh/pkg/cache"
)

var (
	// ErrEmptyNodeID is returned when node ID is empty
	ErrEmptyNodeID = errors.New("node ID cannot be empty")
	// ErrInvalidListenAddress is returned when the cluster listen address is invalid
	ErrInvalidListenAddress = errors.New("cluster listen address cannot be empty")
	// ErrUnknownStore is returned for an offline store kind other than memory, file or etcd
	ErrUnknownStore = errors.New("unknown offline store kind")
)

// Offline store kinds
const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreEtcd   = "etcd"
)

// Config represents configuration for a relay node. It is usually loaded
// from YAML and then overridden by flags.
type Config struct {
	// NodeID uniquely identifies this node in the cluster
	NodeID string `yaml:"nodeId"`

	// ClusterListen is the host:port peers connect to
	ClusterListen string `yaml:"clusterListen"`

	// AdvertiseAddress is sent to peers. Defaults to the bound cluster address.
	AdvertiseAddress string `yaml:"advertiseAddress"`

	// Seeds are cluster addresses dialed at startup and by the reconnect loop
	Seeds []string `yaml:"seeds"`

	HTTPListen string `yaml:"httpListen"`
	GRPCListen string `yaml:"grpcListen"`

	Etcd     EtcdConfig     `yaml:"etcd"`
	Cache    CacheConfig    `yaml:"cache"`
	Timeouts TimeoutConfig  `yaml:"timeouts"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Auth     AuthConfig     `yaml:"auth"`
	Log      LogConfig      `yaml:"log"`

	MaxConsecutiveFailures int `yaml:"maxConsecutiveFailures"`
	AuctionAttempts        int `yaml:"auctionAttempts"`

	// IntakeQueue bounds messages accepted but not yet auctioned
	IntakeQueue int `yaml:"intakeQueue"`

	// Deliverer replaces the HTTP deliverer, mainly in tests
	Deliverer delivery.Deliverer `yaml:"-"`

	// Strategy replaces the default lowest-load bid rule
	Strategy cluster.BidStrategy `yaml:"-"`
}

// EtcdConfig enables etcd discovery and the etcd offline store
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	NodePrefix  string        `yaml:"nodePrefix"`
	StorePrefix string        `yaml:"storePrefix"`
	DialTimeout time.Duration `yaml:"dialTimeout"`
	LeaseTTL    int64         `yaml:"leaseTtl"`
}

// CacheConfig configures the message cache
type CacheConfig struct {
	// LoadLimit is the maximum number of online messages
	LoadLimit int `yaml:"loadLimit"`
	// Store is memory, file or etcd
	Store string `yaml:"store"`
	// Dir holds offline messages for the file store
	Dir string `yaml:"dir"`
	// DuplicatePolicy is overwrite or reject
	DuplicatePolicy string `yaml:"duplicatePolicy"`
}

// TimeoutConfig holds the cluster timeouts
type TimeoutConfig struct {
	BidRead   time.Duration `yaml:"bidRead"`
	BidWrite  time.Duration `yaml:"bidWrite"`
	IOD       time.Duration `yaml:"iod"`
	IONM      time.Duration `yaml:"ionm"`
	Heartbeat time.Duration `yaml:"heartbeat"`
	// DeadPeer closes a link that stayed silent this long
	DeadPeer  time.Duration `yaml:"deadPeer"`
	Reconnect time.Duration `yaml:"reconnect"`
}

// DeliveryConfig configures HTTP delivery
type DeliveryConfig struct {
	Attempts       int           `yaml:"attempts"`
	InitialBackoff time.Duration `yaml:"initialBackoff"`
	MaxBackoff     time.Duration `yaml:"maxBackoff"`
	Timeout        time.Duration `yaml:"timeout"`
	Workers        int           `yaml:"workers"`
}

// AuthConfig configures ingress authentication
type AuthConfig struct {
	Secret string `yaml:"secret"`
	NoAuth bool   `yaml:"noAuth"`
}

// LogConfig configures the process logger
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// NewConfig creates a new relay node configuration with safe defaults
func NewConfig(nodeID, clusterListen string) *Config {
	c := &Config{NodeID: nodeID, ClusterListen: clusterListen}
	c.SetDefaults()
	return c
}

// LoadConfig reads a YAML file and applies defaults to unset fields.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	c.SetDefaults()
	return &c, nil
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *Config) SetDefaults() {
	if c.ClusterListen == "" {
		c.ClusterListen = ":7700"
	}
	if c.HTTPListen == "" {
		c.HTTPListen = ":8080"
	}
	if c.Cache.LoadLimit <= 0 {
		c.Cache.LoadLimit = 10000
	}
	if c.Cache.Store == "" {
		c.Cache.Store = StoreMemory
	}
	if c.Cache.DuplicatePolicy == "" {
		c.Cache.DuplicatePolicy = cachepkg.DuplicateOverwrite.String()
	}
	if c.Timeouts.DeadPeer <= 0 {
		c.Timeouts.DeadPeer = 15 * time.Second
	}
	if c.Timeouts.Heartbeat <= 0 {
		c.Timeouts.Heartbeat = c.Timeouts.DeadPeer / 3
	}
	if c.IntakeQueue <= 0 {
		c.IntakeQueue = 1024
	}
	if c.Delivery.Workers <= 0 {
		c.Delivery.Workers = 4
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return ErrEmptyNodeID
	}
	if c.ClusterListen == "" {
		return ErrInvalidListenAddress
	}
	switch c.Cache.Store {
	case StoreMemory:
	case StoreFile:
		if c.Cache.Dir == "" {
			return errors.New("file store needs cache.dir")
		}
	case StoreEtcd:
		if len(c.Etcd.Endpoints) == 0 {
			return errors.New("etcd store needs etcd.endpoints")
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStore, c.Cache.Store)
	}
	if _, err := cachepkg.ParseDuplicatePolicy(c.Cache.DuplicatePolicy); err != nil {
		return err
	}
	if c.Timeouts.Heartbeat >= c.Timeouts.DeadPeer && c.Timeouts.DeadPeer > 0 {
		return errors.New("heartbeat interval must be shorter than the dead peer timeout")
	}
	return nil
}

// WithSeeds sets the seed peer addresses
func (c *Config) WithSeeds(seeds ...string) *Config {
	c.Seeds = seeds
	return c
}

// WithLoadLimit sets the cache load limit
func (c *Config) WithLoadLimit(limit int) *Config {
	c.Cache.LoadLimit = limit
	return c
}

// WithDeliverer replaces the HTTP deliverer
func (c *Config) WithDeliverer(d delivery.Deliverer) *Config {
	c.Deliverer = d
	return c
}

// WithTimeouts sets the cluster timeouts
func (c *Config) WithTimeouts(t TimeoutConfig) *Config {
	c.Timeouts = t
	c.SetDefaults()
	return c
}

func (c *Config) clusterConfig() cluster.Config {
	return cluster.Config{
		NodeID:                 c.NodeID,
		AdvertiseAddress:       c.AdvertiseAddress,
		BidReadTimeout:         c.Timeouts.BidRead,
		BidWriteTimeout:        c.Timeouts.BidWrite,
		IODTimeout:             c.Timeouts.IOD,
		IONMTimeout:            c.Timeouts.IONM,
		HeartbeatInterval:      c.Timeouts.Heartbeat,
		ReconnectInterval:      c.Timeouts.Reconnect,
		MaxConsecutiveFailures: c.MaxConsecutiveFailures,
		AuctionAttempts:        c.AuctionAttempts,
		Strategy:               c.Strategy,
	}
}

func (c *Config) deliveryConfig() delivery.Config {
	return delivery.Config{
		Attempts:       c.Delivery.Attempts,
		InitialBackoff: c.Delivery.InitialBackoff,
		MaxBackoff:     c.Delivery.MaxBackoff,
		Timeout:        c.Delivery.Timeout,
	}
}
