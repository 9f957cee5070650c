package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/relaymesh/internal/healthrpc"
	"github.com/rmacdonaldsmith/relaymesh/internal/httpapi"
	"github.com/rmacdonaldsmith/relaymesh/internal/relaynode"
	"github.com/rmacdonaldsmith/relaymesh/internal/telemetry"
)

const (
	appName    = "relaymesh"
	appVersion = "0.1.0"
)

type options struct {
	configPath string

	nodeID          string
	clusterListen   string
	advertise       string
	seeds           []string
	etcdEndpoints   []string
	httpListen      string
	grpcListen      string
	loadLimit       int
	store           string
	storeDir        string
	duplicatePolicy string
	bidTimeout      time.Duration
	heartbeat       time.Duration
	deadPeer        time.Duration
	jwtSecret       string
	noAuth          bool
	logLevel        string
	dev             bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:     "relaynode",
		Short:   "Run a relaymesh node",
		Version: appVersion,
		Long: `relaynode runs one member of a relaymesh cluster. Messages submitted over
HTTP are auctioned to the least loaded member, which delivers them to their
destination URL.

Settings come from an optional YAML file (--config); flags override it.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := buildConfig(cmd, opts)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, config)
		},
	}

	opts.bind(cmd.Flags())
	return cmd
}

func (opts *options) bind(f *pflag.FlagSet) {
	f.StringVar(&opts.configPath, "config", "", "Path to a YAML config file")
	f.StringVar(&opts.nodeID, "node-id", "", "Unique node identifier (default: derived from hostname)")
	f.StringVar(&opts.clusterListen, "cluster-listen", ":7700", "Listen address for peer connections")
	f.StringVar(&opts.advertise, "advertise", "", "Cluster address announced to peers (default: bound address)")
	f.StringSliceVar(&opts.seeds, "seed", nil, "Cluster address of a peer to join through (repeatable)")
	f.StringSliceVar(&opts.etcdEndpoints, "etcd", nil, "etcd endpoint for discovery (repeatable)")
	f.StringVar(&opts.httpListen, "http", ":8080", "Listen address for the HTTP API")
	f.StringVar(&opts.grpcListen, "grpc", "", "Listen address for the gRPC health service (disabled when empty)")
	f.IntVar(&opts.loadLimit, "load-limit", 10000, "Maximum number of messages held in memory")
	f.StringVar(&opts.store, "store", relaynode.StoreMemory, "Offline store: memory, file or etcd")
	f.StringVar(&opts.storeDir, "store-dir", "", "Directory of the file offline store")
	f.StringVar(&opts.duplicatePolicy, "duplicate-policy", "overwrite", "How a repeated message ID is treated: overwrite or reject")
	f.DurationVar(&opts.bidTimeout, "bid-timeout", time.Second, "How long an auction waits for each bid")
	f.DurationVar(&opts.heartbeat, "heartbeat", 5*time.Second, "Interval between heartbeats to peers")
	f.DurationVar(&opts.deadPeer, "dead-peer", 15*time.Second, "Silence after which a peer link is dropped")
	f.StringVar(&opts.jwtSecret, "jwt-secret", "", "Secret for signing API tokens (env RELAYMESH_JWT_SECRET)")
	f.BoolVar(&opts.noAuth, "no-auth", false, "Accept API requests without a token (development only)")
	f.StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	f.BoolVar(&opts.dev, "dev", false, "Human readable development logging")
}

// buildConfig loads the config file, if any, and applies the flags the user set.
func buildConfig(cmd *cobra.Command, opts *options) (*relaynode.Config, error) {
	config := &relaynode.Config{}
	if opts.configPath != "" {
		loaded, err := relaynode.LoadConfig(opts.configPath)
		if err != nil {
			return nil, err
		}
		config = loaded
	}

	f := cmd.Flags()
	set := func(name string, apply func()) {
		if f.Changed(name) || opts.configPath == "" {
			apply()
		}
	}
	set("node-id", func() { config.NodeID = opts.nodeID })
	set("cluster-listen", func() { config.ClusterListen = opts.clusterListen })
	set("advertise", func() { config.AdvertiseAddress = opts.advertise })
	set("seed", func() { config.Seeds = opts.seeds })
	set("etcd", func() { config.Etcd.Endpoints = opts.etcdEndpoints })
	set("http", func() { config.HTTPListen = opts.httpListen })
	set("grpc", func() { config.GRPCListen = opts.grpcListen })
	set("load-limit", func() { config.Cache.LoadLimit = opts.loadLimit })
	set("store", func() { config.Cache.Store = opts.store })
	set("store-dir", func() { config.Cache.Dir = opts.storeDir })
	set("duplicate-policy", func() { config.Cache.DuplicatePolicy = opts.duplicatePolicy })
	set("bid-timeout", func() { config.Timeouts.BidRead = opts.bidTimeout })
	set("heartbeat", func() { config.Timeouts.Heartbeat = opts.heartbeat })
	set("dead-peer", func() { config.Timeouts.DeadPeer = opts.deadPeer })
	set("jwt-secret", func() { config.Auth.Secret = opts.jwtSecret })
	set("no-auth", func() { config.Auth.NoAuth = opts.noAuth })
	set("log-level", func() { config.Log.Level = opts.logLevel })
	set("dev", func() { config.Log.Development = opts.dev })

	if config.NodeID == "" {
		config.NodeID = defaultNodeID()
	}
	if config.Auth.Secret == "" {
		config.Auth.Secret = os.Getenv("RELAYMESH_JWT_SECRET")
	}
	if config.Auth.Secret == "" {
		// Tokens from a generated secret only survive until restart.
		config.Auth.Secret = uuid.NewString()
	}
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// defaultNodeID generates a node ID based on hostname
func defaultNodeID() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "relaymesh-" + uuid.NewString()[:8]
	}
	return "relaymesh-" + hostname
}

// run starts the node and its API servers and blocks until ctx is done.
func run(ctx context.Context, config *relaynode.Config) error {
	logger, err := telemetry.NewLogger(config.Log.Level, config.Log.Development)
	if err != nil {
		return err
	}
	defer logger.Sync()

	metrics := telemetry.NewMetrics()
	metrics.SetBuildInfo(appVersion)

	logger.Info("starting "+appName,
		zap.String("version", appVersion),
		zap.String("node", config.NodeID),
		zap.String("cluster", config.ClusterListen),
		zap.Strings("seeds", config.Seeds))

	node, err := relaynode.NewNode(config, logger, metrics)
	if err != nil {
		return fmt.Errorf("failed to create relay node: %w", err)
	}
	defer node.Close()

	if err := node.Start(ctx); err != nil {
		return fmt.Errorf("failed to start relay node: %w", err)
	}

	api, err := httpapi.NewServer(node, httpapi.Config{
		Addr:      config.HTTPListen,
		SecretKey: config.Auth.Secret,
		NoAuth:    config.Auth.NoAuth,
	}, logger, metrics)
	if err != nil {
		return err
	}
	if config.Auth.NoAuth {
		logger.Warn("HTTP API authentication is disabled")
	}

	errs := make(chan error, 2)
	go func() { errs <- api.ListenAndServe() }()

	var health *healthrpc.Server
	if config.GRPCListen != "" {
		health, err = healthrpc.Listen(config.GRPCListen, logger)
		if err != nil {
			return err
		}
		health.SetServing(true)
		go func() { errs <- health.Serve() }()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errs:
		if err != nil {
			logger.Error("server failed", zap.Error(err))
		}
	}

	if health != nil {
		health.SetServing(false)
		health.Close()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if serr := api.Shutdown(shutdownCtx); serr != nil {
		err = errors.Join(err, serr)
	}
	if serr := node.Stop(shutdownCtx); serr != nil {
		err = errors.Join(err, serr)
	}
	logger.Info(appName+" stopped", zap.String("node", config.NodeID))
	return err
}
