package relaynode

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/relaymesh/internal/cache"
	"github.com/rmacdonaldsmith/relaymesh/internal/cluster"
	"github.com/rmacdonaldsmith/relaymesh/internal/delivery"
	"github.com/rmacdonaldsmith/relaymesh/internal/discovery"
	"github.com/rmacdonaldsmith/relaymesh/internal/peerlink"
	"github.com/rmacdonaldsmith/relaymesh/internal/telemetry"
	cachepkg "github.com/rmacdonaldsmith/relaymesh/pkg/cache"
	"github.com/rmacdonaldsmith/relaymesh/pkg/message"
	"github.com/rmacdonaldsmith/relaymesh/pkg/relaynode"
)

// Node implements relaynode.RelayNode. It owns the message cache, the
// cluster coordinator and the delivery workers of one process.
//
// Submitted messages go through a bounded intake queue into the auction.
// Messages this node ends up owning are handed to the delivery workers,
// and once a delivery concludes the cluster is told and the copy dropped.
type Node struct {
	config    *Config
	logger    *zap.Logger
	metrics   *telemetry.Metrics
	cache     *cache.TieredCache
	deliverer delivery.Deliverer
	etcd      *clientv3.Client

	mu         sync.RWMutex
	started    bool
	closed     bool
	transport  *peerlink.Transport
	coord      *cluster.Coordinator
	deregister func() error
	cancel     context.CancelFunc

	intake     chan *message.Message
	deliveries chan *message.Message
	inFlight   atomic.Int64

	wg sync.WaitGroup
}

var _ relaynode.RelayNode = (*Node)(nil)

// NewNode creates a relay node. It builds the cache and its offline store
// but does not bind any listener; call Start for that.
func NewNode(config *Config, logger *zap.Logger, metrics *telemetry.Metrics) (*Node, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger = telemetry.OrNop(logger)

	var etcd *clientv3.Client
	if len(config.Etcd.Endpoints) > 0 {
		client, err := discovery.NewEtcdClient(config.Etcd.Endpoints, config.Etcd.DialTimeout)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to etcd: %w", err)
		}
		etcd = client
	}

	store, err := newStore(config, etcd)
	if err != nil {
		closeEtcd(etcd)
		return nil, err
	}

	policy, _ := cachepkg.ParseDuplicatePolicy(config.Cache.DuplicatePolicy)
	tiered, err := cache.NewTieredCache(cache.Config{
		LoadLimit:       config.Cache.LoadLimit,
		DuplicatePolicy: policy,
	}, store, logger, metrics)
	if err != nil {
		store.Close()
		closeEtcd(etcd)
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}

	deliverer := config.Deliverer
	if deliverer == nil {
		deliverer = delivery.NewHTTPDeliverer(config.deliveryConfig(), nil, logger, metrics)
	}

	return &Node{
		config:     config,
		logger:     logger.Named("relaynode").With(zap.String("node", config.NodeID)),
		metrics:    metrics,
		cache:      tiered,
		deliverer:  deliverer,
		etcd:       etcd,
		intake:     make(chan *message.Message, config.IntakeQueue),
		deliveries: make(chan *message.Message, config.IntakeQueue),
	}, nil
}

func newStore(config *Config, etcd *clientv3.Client) (cachepkg.OfflineStore, error) {
	switch config.Cache.Store {
	case StoreFile:
		store, err := cache.NewFileStore(config.Cache.Dir)
		if err != nil {
			return nil, fmt.Errorf("failed to open file store: %w", err)
		}
		return store, nil
	case StoreEtcd:
		return cache.NewEtcdStore(etcd, cache.NodePrefix(config.Etcd.StorePrefix, config.NodeID)), nil
	default:
		return cache.NewMemStore(), nil
	}
}

func closeEtcd(c *clientv3.Client) {
	if c != nil {
		c.Close()
	}
}

// Start binds the cluster listener, starts the coordinator and the loops,
// registers with etcd when configured, and queues recovered offline
// messages for delivery.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return fmt.Errorf("cannot start closed relay node")
	}
	if n.started {
		return nil
	}

	transport, err := peerlink.Listen(peerlink.Config{
		NodeID:           n.config.NodeID,
		ListenAddress:    n.config.ClusterListen,
		AdvertiseAddress: n.config.AdvertiseAddress,
		IdleTimeout:      n.config.Timeouts.DeadPeer,
	}, n.logger, n.metrics)
	if err != nil {
		return fmt.Errorf("failed to start cluster listener: %w", err)
	}

	disc := discovery.Multi{discovery.NewStaticDiscovery(n.config.Seeds)}
	var registrar discovery.Registrar
	if n.etcd != nil {
		ed := discovery.NewEtcdDiscovery(n.etcd, n.etcd, n.config.Etcd.NodePrefix, n.config.Etcd.LeaseTTL, n.logger)
		disc = append(disc, ed)
		registrar = ed
	}

	clusterConfig := n.config.clusterConfig()
	clusterConfig.AdvertiseAddress = transport.AdvertiseAddress()
	coord, err := cluster.NewCoordinator(clusterConfig, transport, n.cache, disc, n.logger, n.metrics)
	if err != nil {
		transport.Close()
		return fmt.Errorf("failed to create coordinator: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	coord.OnOwned(func(msg *message.Message) { n.enqueueDelivery(runCtx, msg) })

	n.transport = transport
	n.coord = coord
	n.cancel = cancel

	n.wg.Add(1)
	go n.intakeLoop(runCtx)
	for i := 0; i < n.config.Delivery.Workers; i++ {
		n.wg.Add(1)
		go n.deliveryWorker(runCtx)
	}

	if err := coord.Start(ctx); err != nil {
		cancel()
		coord.Close()
		n.wg.Wait()
		return fmt.Errorf("failed to start coordinator: %w", err)
	}

	if registrar != nil {
		deregister, err := registrar.Register(runCtx, discovery.Peer{ID: n.config.NodeID, Address: transport.AdvertiseAddress()})
		if err != nil {
			n.logger.Warn("etcd registration failed", zap.Error(err))
		} else {
			n.deregister = deregister
		}
	}

	n.started = true
	n.recover(ctx, runCtx)

	n.logger.Info("relay node started",
		zap.String("cluster", transport.AdvertiseAddress()),
		zap.Int("loadLimit", n.config.Cache.LoadLimit))
	return nil
}

// recover takes ownership of messages a previous run left in the offline store.
func (n *Node) recover(ctx, runCtx context.Context) {
	count, err := n.cache.Recover(ctx)
	if err != nil {
		n.logger.Warn("offline recovery failed", zap.Error(err))
		return
	}
	if count == 0 {
		return
	}
	msgs, err := n.cache.Messages()
	if err != nil {
		n.logger.Warn("failed to read recovered messages", zap.Error(err))
		return
	}
	for _, msg := range msgs {
		if msg.Status == message.StatusPending {
			n.enqueueDelivery(runCtx, msg)
		}
	}
}

// Stop leaves the cluster and waits for the loops. Messages still queued
// stay in the offline store when it is persistent.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.shutdown()
}

// Close stops the node and releases the cache and etcd client.
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.shutdown()
}

func (n *Node) shutdown() error {
	if n.closed {
		return nil
	}
	n.closed = true
	wasStarted := n.started
	n.started = false

	var errs []error
	if wasStarted {
		if n.deregister != nil {
			if err := n.deregister(); err != nil {
				errs = append(errs, err)
			}
		}
		n.cancel()
		if err := n.coord.Close(); err != nil {
			errs = append(errs, err)
		}
		n.wg.Wait()
	}
	if err := n.cache.Close(); err != nil {
		errs = append(errs, err)
	}
	closeEtcd(n.etcd)

	n.logger.Info("relay node stopped")
	return errors.Join(errs...)
}

// Submit queues msg for auction. It fails fast with ErrQueueFull instead of
// waiting for room.
func (n *Node) Submit(ctx context.Context, msg *message.Message) error {
	if msg == nil {
		return cachepkg.ErrNilMessage
	}
	if err := msg.Validate(); err != nil {
		return err
	}

	n.mu.RLock()
	defer n.mu.RUnlock()
	if !n.started {
		return relaynode.ErrNotStarted
	}

	select {
	case n.intake <- msg.Clone():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return relaynode.ErrQueueFull
	}
}

func (n *Node) intakeLoop(ctx context.Context) {
	defer n.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-n.intake:
			if err := n.coord.Distribute(ctx, msg); err != nil {
				n.logger.Warn("failed to distribute message", zap.Stringer("message", msg.ID), zap.Error(err))
			}
		}
	}
}

// enqueueDelivery never blocks the protocol goroutine that reports ownership.
func (n *Node) enqueueDelivery(ctx context.Context, msg *message.Message) {
	n.inFlight.Add(1)
	select {
	case n.deliveries <- msg:
		return
	default:
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		select {
		case n.deliveries <- msg:
		case <-ctx.Done():
			n.inFlight.Add(-1)
		}
	}()
}

func (n *Node) deliveryWorker(ctx context.Context) {
	defer n.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-n.deliveries:
			n.deliver(ctx, msg)
			n.inFlight.Add(-1)
		}
	}
}

func (n *Node) deliver(ctx context.Context, msg *message.Message) {
	start := time.Now()
	status, err := n.deliverer.Deliver(ctx, msg)
	if ctx.Err() != nil {
		// Shutting down. The copy stays cached so a restart can pick it up.
		return
	}
	if err := msg.SetStatus(status); err != nil {
		n.logger.Error("invalid delivery status", zap.Stringer("message", msg.ID), zap.Error(err))
		return
	}
	fields := []zap.Field{
		zap.Stringer("message", msg.ID),
		zap.Stringer("status", status),
		zap.Duration("took", time.Since(start)),
	}
	if err != nil {
		n.logger.Warn("delivery failed", append(fields, zap.Error(err))...)
	} else {
		n.logger.Info("message delivered", fields...)
	}
	n.coord.InformOfDelivery(ctx, msg)
}

// Lookup returns the message from the local cache or from a peer. Delivered
// messages come back with their final status and no contents.
func (n *Node) Lookup(ctx context.Context, id uuid.UUID) (*message.Message, error) {
	n.mu.RLock()
	coord := n.coord
	started := n.started
	n.mu.RUnlock()

	if !started {
		msg, err := n.cache.Get(id)
		if errors.Is(err, cachepkg.ErrNotFound) {
			return nil, relaynode.ErrMessageNotFound
		}
		return msg, err
	}

	msg, err := coord.FetchMessage(ctx, id)
	if errors.Is(err, cluster.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", relaynode.ErrMessageNotFound, id)
	}
	return msg, err
}

// GetNodeID returns this node's cluster ID.
func (n *Node) GetNodeID() string {
	return n.config.NodeID
}

// ClusterAddress returns the advertised cluster address, or "" before Start.
func (n *Node) ClusterAddress() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.transport == nil {
		return ""
	}
	return n.transport.AdvertiseAddress()
}

// GetConnectedPeers returns the admitted members.
func (n *Node) GetConnectedPeers(ctx context.Context) ([]relaynode.PeerInfo, error) {
	n.mu.RLock()
	coord := n.coord
	n.mu.RUnlock()
	if coord == nil {
		return nil, nil
	}

	nodes := coord.Nodes()
	peers := make([]relaynode.PeerInfo, len(nodes))
	for i, info := range nodes {
		peers[i] = relaynode.PeerInfo{
			ID:         info.ID,
			Address:    info.Address,
			AdmittedAt: info.AdmittedAt,
			Outbound:   info.Outbound,
			State:      info.State,
		}
	}
	return peers, nil
}

// CacheSnapshot lists the cached messages without their contents.
func (n *Node) CacheSnapshot(ctx context.Context) (relaynode.CacheSnapshot, error) {
	msgs, err := n.cache.Messages()
	if err != nil {
		return relaynode.CacheSnapshot{}, fmt.Errorf("failed to read cache: %w", err)
	}
	snap := relaynode.CacheSnapshot{
		Stats:    n.cache.Stats(),
		Messages: make([]relaynode.MessageSummary, len(msgs)),
	}
	for i, msg := range msgs {
		snap.Messages[i] = relaynode.MessageSummary{
			ID:          msg.ID,
			Size:        msg.Size(),
			DeliveryURL: msg.DeliveryURL,
			Status:      msg.Status,
			Location:    n.cache.Location(msg.ID).String(),
		}
	}
	return snap, nil
}

// GetHealth returns the health of the node.
func (n *Node) GetHealth(ctx context.Context) (relaynode.HealthStatus, error) {
	n.mu.RLock()
	started, closed, coord := n.started, n.closed, n.coord
	n.mu.RUnlock()

	stats := n.cache.Stats()
	status := relaynode.HealthStatus{
		ClusterHealthy:    started,
		CacheHealthy:      stats.Online < stats.LoadLimit,
		PendingIntake:     len(n.intake),
		PendingDeliveries: int(n.inFlight.Load()),
		CacheLoad:         stats.Online,
		LoadLimit:         stats.LoadLimit,
	}
	if coord != nil {
		status.ConnectedPeers = coord.NodeSet().Len()
	}
	status.Healthy = status.ClusterHealthy

	switch {
	case closed:
		status.Message = "relay node is closed"
	case !started:
		status.Message = "relay node is not started"
	case !status.CacheHealthy:
		status.Message = "cache is at its load limit; new messages evict to the offline store"
	default:
		status.Message = "ok"
	}
	return status, nil
}
