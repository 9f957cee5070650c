package cluster

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/relaymesh/internal/discovery"
	"github.com/rmacdonaldsmith/relaymesh/internal/peerlink"
	"github.com/rmacdonaldsmith/relaymesh/internal/telemetry"
	cachepkg "github.com/rmacdonaldsmith/relaymesh/pkg/cache"
	"github.com/rmacdonaldsmith/relaymesh/pkg/message"
	"github.com/rmacdonaldsmith/relaymesh/pkg/protocol"
)

// Transport accepts and dials peer links. *peerlink.Transport implements it.
type Transport interface {
	Accept() (*peerlink.Conn, error)
	Dial(ctx context.Context, address string) (*peerlink.Conn, error)
	AdvertiseAddress() string
	Close() error
}

var _ Transport = (*peerlink.Transport)(nil)

// NodeInfo is a read-only view of one member.
type NodeInfo struct {
	ID         string    `json:"id"`
	Address    string    `json:"address"`
	AdmittedAt time.Time `json:"admittedAt"`
	Outbound   bool      `json:"outbound"`
	State      string    `json:"state"`
}

// Coordinator owns the live node set of this node. It runs local auctions,
// answers remote ones through its handlers, and spreads delivery and
// membership notifications.
type Coordinator struct {
	config    Config
	transport Transport
	cache     cachepkg.MessageCache
	discovery discovery.Discovery
	logger    *zap.Logger
	events    *zap.Logger
	metrics   *telemetry.Metrics

	nodes      *NodeSet
	failures   *failureTracker
	tombstones *tombstones

	// auctionMu serializes local rounds and guards rng.
	auctionMu sync.Mutex
	rng       *rand.Rand

	mu         sync.Mutex
	started    bool
	closed     bool
	runCtx     context.Context
	cancel     context.CancelFunc
	handlers   map[*Handler]struct{}
	dialing    map[string]bool
	selfAddrs  map[string]bool
	candidates map[uuid.UUID]string
	awarded    map[uuid.UUID]string
	fetches    map[uuid.UUID][]chan *message.Message
	onOwned    func(*message.Message)

	wg sync.WaitGroup
}

// NewCoordinator creates a coordinator. Call Start to accept and dial peers.
// A nil disc means no peers are dialed; peers can still connect in.
func NewCoordinator(config Config, transport Transport, cache cachepkg.MessageCache, disc discovery.Discovery, logger *zap.Logger, metrics *telemetry.Metrics) (*Coordinator, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cluster config: %w", err)
	}
	if transport == nil {
		return nil, errors.New("transport cannot be nil")
	}
	if cache == nil {
		return nil, errors.New("cache cannot be nil")
	}
	config.SetDefaults()
	if config.AdvertiseAddress == "" {
		config.AdvertiseAddress = transport.AdvertiseAddress()
	}
	if disc == nil {
		disc = discovery.NewStaticDiscovery(nil)
	}
	logger = telemetry.OrNop(logger)

	runCtx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		config:     config,
		transport:  transport,
		cache:      cache,
		discovery:  disc,
		logger:     logger.Named("cluster").With(zap.String("node", config.NodeID)),
		events:     logger.Named("events").With(zap.String("node", config.NodeID)),
		metrics:    metrics,
		nodes:      NewNodeSet(),
		failures:   newFailureTracker(config.MaxConsecutiveFailures),
		tombstones: newTombstones(config.TombstoneCapacity),
		rng:        rand.New(config.BidSource()),
		runCtx:     runCtx,
		cancel:     cancel,
		handlers:   make(map[*Handler]struct{}),
		dialing:    make(map[string]bool),
		selfAddrs:  map[string]bool{config.AdvertiseAddress: true},
		candidates: make(map[uuid.UUID]string),
		awarded:    make(map[uuid.UUID]string),
		fetches:    make(map[uuid.UUID][]chan *message.Message),
	}, nil
}

// ID returns this node's ID.
func (c *Coordinator) ID() string { return c.config.NodeID }

// Config returns the effective configuration.
func (c *Coordinator) Config() Config { return c.config }

// OnOwned registers the callback invoked when this node takes ownership of a
// message. It runs on protocol goroutines and must not block.
func (c *Coordinator) OnOwned(f func(*message.Message)) {
	c.mu.Lock()
	c.onOwned = f
	c.mu.Unlock()
}

// Start begins accepting peers, dials the discovered ones and starts the
// heartbeat and reconnect loops.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.wg.Add(3)
	c.mu.Unlock()

	go c.acceptLoop()
	go c.loop(c.config.HeartbeatInterval, c.heartbeat)
	go c.loop(c.config.ReconnectInterval, func() {
		if err := c.Connect(c.runCtx); err != nil {
			c.logger.Debug("reconnect failed", zap.Error(err))
		}
	})

	if err := c.Connect(ctx); err != nil {
		c.logger.Warn("initial peer discovery failed", zap.Error(err))
	}
	c.logger.Info("cluster coordinator started", zap.String("address", c.config.AdvertiseAddress))
	return nil
}

// Close stops all loops and closes every link. It is safe to call more than once.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.cancel()
	handlers := make([]*Handler, 0, len(c.handlers))
	for h := range c.handlers {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	err := c.transport.Close()
	for _, h := range handlers {
		h.Close()
	}
	c.wg.Wait()
	c.logger.Info("cluster coordinator closed")
	return err
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// spawn runs f on a goroutine that Close waits for. It reports false, without
// running f, once the coordinator is closed.
func (c *Coordinator) spawn(f func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		f()
	}()
	return true
}

func (c *Coordinator) acceptLoop() {
	defer c.wg.Done()
	for {
		conn, err := c.transport.Accept()
		if err != nil {
			if errors.Is(err, peerlink.ErrClosed) || c.runCtx.Err() != nil {
				return
			}
			c.logger.Warn("accept failed", zap.Error(err))
			select {
			case <-time.After(100 * time.Millisecond):
			case <-c.runCtx.Done():
				return
			}
			continue
		}
		c.serve(conn, "")
	}
}

func (c *Coordinator) loop(interval time.Duration, tick func()) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			tick()
		case <-c.runCtx.Done():
			return
		}
	}
}

// serve runs a handler for conn until the link closes.
func (c *Coordinator) serve(conn *peerlink.Conn, dialed string) {
	h := newHandler(c, conn, dialed)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.handlers[h] = struct{}{}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		h.Run(c.runCtx)
		c.mu.Lock()
		delete(c.handlers, h)
		c.mu.Unlock()
	}()
}

// Connect dials every discovered peer that is not already linked.
func (c *Coordinator) Connect(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}
	peers, err := c.discovery.FindPeers(ctx)
	if err != nil {
		return fmt.Errorf("failed to discover peers: %w", err)
	}
	for _, p := range peers {
		if p.ID == c.config.NodeID {
			continue
		}
		if p.ID != "" {
			if _, ok := c.nodes.Get(p.ID); ok {
				continue
			}
		}
		c.connectTo(ctx, p.Address)
	}
	return nil
}

func (c *Coordinator) connectTo(ctx context.Context, address string) {
	if address == "" || c.nodes.HasAddress(address) {
		return
	}
	c.mu.Lock()
	if c.closed || c.selfAddrs[address] || c.dialing[address] || c.linkedTo(address) {
		c.mu.Unlock()
		return
	}
	c.dialing[address] = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.dialing, address)
		c.mu.Unlock()
	}()

	conn, err := c.transport.Dial(ctx, address)
	if err != nil {
		c.logger.Debug("failed to dial peer", zap.String("address", address), zap.Error(err))
		return
	}
	c.serve(conn, address)
}

// linkedTo reports whether a live handler dialed address. c.mu must be held.
func (c *Coordinator) linkedTo(address string) bool {
	for h := range c.handlers {
		if h.dialed == address && h.State() != protocol.StateClosed {
			return true
		}
	}
	return false
}

// otherLink reports whether a live handler other than h is linked to peer id.
func (c *Coordinator) otherLink(id string, h *Handler) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for other := range c.handlers {
		if other != h && other.PeerID() == id && other.State() != protocol.StateClosed {
			return true
		}
	}
	return false
}

func (c *Coordinator) markSelfAddress(address string) {
	if address == "" {
		return
	}
	c.mu.Lock()
	c.selfAddrs[address] = true
	c.mu.Unlock()
}

func (c *Coordinator) selfAdmission(peers []protocol.PeerInfo) protocol.Admission {
	return protocol.Admission{NodeID: c.config.NodeID, Address: c.config.AdvertiseAddress, Peers: peers}
}

// peerInfos lists the members other than exclude.
func (c *Coordinator) peerInfos(exclude string) []protocol.PeerInfo {
	var out []protocol.PeerInfo
	for _, n := range c.nodes.List() {
		if n.ID != exclude {
			out = append(out, protocol.PeerInfo{NodeID: n.ID, Address: n.Address})
		}
	}
	return out
}

// learnPeers dials members announced by a peer during admission.
func (c *Coordinator) learnPeers(peers []protocol.PeerInfo) {
	for _, p := range peers {
		if p.NodeID == c.config.NodeID {
			continue
		}
		if _, ok := c.nodes.Get(p.NodeID); ok {
			continue
		}
		address := p.Address
		c.spawn(func() { c.connectTo(c.runCtx, address) })
	}
}

// admit adds the peer of h to the node set.
func (c *Coordinator) admit(h *Handler) {
	h.mu.Lock()
	n := &Node{ID: h.peerID, Address: h.peerAddress, AdmittedAt: time.Now(), handler: h}
	h.mu.Unlock()

	added, displaced := c.nodes.Add(n, c.keepLink)
	if !added {
		c.logger.Debug("closing duplicate link", zap.String("peer", n.ID))
		h.Close()
		return
	}
	h.mu.Lock()
	h.node = n
	h.mu.Unlock()

	c.failures.succeed(n.ID)
	c.metrics.SetPeers(c.nodes.Len())
	if displaced != nil {
		c.logger.Debug("replacing link", zap.String("peer", n.ID))
		displaced.handler.Close()
	}
	c.events.Info("node admitted", zap.String("peer", n.ID), zap.String("address", n.Address),
		zap.Bool("outbound", n.Outbound()))
}

// keepLink resolves two links to the same peer. The link dialed by the node
// with the smaller ID survives; between links dialed by the same side the
// newer one wins.
func (c *Coordinator) keepLink(present, candidate *Node) bool {
	lower := min(c.config.NodeID, candidate.ID)
	dialer := func(n *Node) string {
		if n.Outbound() {
			return c.config.NodeID
		}
		return n.ID
	}
	p, q := dialer(present) == lower, dialer(candidate) == lower
	if p != q {
		return q
	}
	return true
}

// removeNode drops n from the node set. When the peer is really gone the
// remaining members are told with DEAD NODE and its orphaned messages are
// taken over.
func (c *Coordinator) removeNode(n *Node, cause error) {
	if !c.nodes.RemoveIf(n) {
		return
	}
	n.handler.Close()
	c.failures.succeed(n.ID)
	c.metrics.SetPeers(c.nodes.Len())

	if c.otherLink(n.ID, n.handler) {
		c.logger.Debug("link replaced", zap.String("peer", n.ID), zap.Error(cause))
		return
	}
	if c.isClosed() {
		return
	}

	c.events.Warn("node removed", zap.String("peer", n.ID), zap.Error(cause))
	c.metrics.IncDeadNodes()

	report := protocol.DeadNodeReport{NodeID: n.ID, Reporter: c.config.NodeID}
	remaining := c.nodes.List()
	c.spawn(func() {
		c.broadcast(c.runCtx, remaining, protocol.TypeDeadNode, report, c.config.IODTimeout)
	})
	c.adoptOrphans(n.ID)
}

// RemoveNode removes the member with the given ID and broadcasts DEAD NODE.
func (c *Coordinator) RemoveNode(id string) bool {
	n, ok := c.nodes.Get(id)
	if !ok {
		return false
	}
	c.removeNode(n, errors.New("removed by operator"))
	return true
}

func (c *Coordinator) deadNodeReported(h *Handler, r protocol.DeadNodeReport) {
	if r.NodeID == c.config.NodeID {
		c.logger.Warn("peer reports this node dead", zap.String("peer", h.PeerID()))
		return
	}
	n, ok := c.nodes.Get(r.NodeID)
	if !ok {
		return
	}
	c.removeNode(n, fmt.Errorf("%w: reported by %s", ErrNodeUnreachable, r.Reporter))
}

// peerFailed escalates a failed exchange with n. Timeouts count toward the
// consecutive failure limit; any other error means the link is gone.
// Only answered requests reset the count, see peerOK.
func (c *Coordinator) peerFailed(n *Node, err error) {
	switch {
	case errors.Is(err, context.Canceled):
		return
	case errors.Is(err, ErrTimeout), errors.Is(err, peerlink.ErrWriteTimeout), errors.Is(err, context.DeadlineExceeded):
		count, dead := c.failures.fail(n.ID)
		c.logger.Info("peer timed out", zap.String("peer", n.ID), zap.Int("consecutive", count), zap.Error(err))
		if dead {
			c.removeNode(n, fmt.Errorf("%w %d times in a row", ErrTimeout, count))
		}
	default:
		c.removeNode(n, fmt.Errorf("%w: %v", ErrNodeUnreachable, err))
	}
}

func (c *Coordinator) peerOK(n *Node) {
	c.failures.succeed(n.ID)
}

// broadcast sends one frame to each node concurrently and returns the nodes
// that accepted it within timeout.
func (c *Coordinator) broadcast(ctx context.Context, nodes []*Node, t protocol.MessageType, payload any, timeout time.Duration) []*Node {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		reached = make([]*Node, 0, len(nodes))
	)
	for _, n := range nodes {
		wg.Add(1)
		go func(n *Node) {
			defer wg.Done()
			if err := n.handler.send(ctx, t, payload, timeout); err != nil {
				c.peerFailed(n, err)
				return
			}
			mu.Lock()
			reached = append(reached, n)
			mu.Unlock()
		}(n)
	}
	wg.Wait()
	return reached
}

func (c *Coordinator) heartbeat() {
	c.broadcast(c.runCtx, c.nodes.List(), protocol.TypeHeartBeat, nil, c.config.BidWriteTimeout)
}

// Nodes returns the current members ordered by ID.
func (c *Coordinator) Nodes() []NodeInfo {
	nodes := c.nodes.List()
	out := make([]NodeInfo, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, NodeInfo{
			ID:         n.ID,
			Address:    n.Address,
			AdmittedAt: n.AdmittedAt,
			Outbound:   n.Outbound(),
			State:      n.handler.State().String(),
		})
	}
	return out
}

// NodeSet exposes the live membership.
func (c *Coordinator) NodeSet() *NodeSet { return c.nodes }
