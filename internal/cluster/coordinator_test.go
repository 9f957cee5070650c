package cluster

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tiered "github.com/rmacdonaldsmith/relaymesh/internal/cache"
	"github.com/rmacdonaldsmith/relaymesh/internal/discovery"
	"github.com/rmacdonaldsmith/relaymesh/internal/peerlink"
	cachepkg "github.com/rmacdonaldsmith/relaymesh/pkg/cache"
	"github.com/rmacdonaldsmith/relaymesh/pkg/message"
	"github.com/rmacdonaldsmith/relaymesh/pkg/protocol"
)

type clusterNode struct {
	coord *Coordinator
	cache *tiered.TieredCache

	mu    sync.Mutex
	owned []*message.Message
}

func (n *clusterNode) ownedIDs() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	ids := make([]string, len(n.owned))
	for i, m := range n.owned {
		ids[i] = m.ID.String()
	}
	return ids
}

// startCluster starts one node per entry of loads, preloading each cache with
// that many messages. Nodes join one at a time through the first node.
func startCluster(t *testing.T, loads []int, mutate func(i int, c *Config)) []*clusterNode {
	t.Helper()
	var nodes []*clusterNode
	var seed string
	for i, load := range loads {
		id := fmt.Sprintf("node-%c", 'a'+i)
		transport, err := peerlink.Listen(peerlink.Config{NodeID: id, ListenAddress: "127.0.0.1:0"}, nil, nil)
		require.NoError(t, err)

		cache := newTestCache(t, 100)
		for j := 0; j < load; j++ {
			require.NoError(t, cache.Add(newTestMessage(fmt.Sprintf("%s-preload-%d", id, j))))
		}

		config := Config{
			NodeID:            id,
			BidReadTimeout:    500 * time.Millisecond,
			HeartbeatInterval: 100 * time.Millisecond,
			ReconnectInterval: time.Hour,
			BidSource:         SeededBidSource(uint64(i+1), 7),
		}
		if mutate != nil {
			mutate(i, &config)
		}

		var seeds []string
		if seed != "" {
			seeds = []string{seed}
		}
		coord, err := NewCoordinator(config, transport, cache, discovery.NewStaticDiscovery(seeds), nil, nil)
		require.NoError(t, err)

		n := &clusterNode{coord: coord, cache: cache}
		coord.OnOwned(func(m *message.Message) {
			n.mu.Lock()
			n.owned = append(n.owned, m)
			n.mu.Unlock()
		})
		require.NoError(t, coord.Start(context.Background()))
		t.Cleanup(func() { coord.Close() })

		if seed == "" {
			seed = transport.AdvertiseAddress()
		}
		nodes = append(nodes, n)

		want := len(nodes) - 1
		waitFor(t, id+" to join", func() bool {
			for _, other := range nodes {
				if other.coord.NodeSet().Len() != want {
					return false
				}
			}
			return true
		})
	}
	return nodes
}

func TestCoordinator_MembershipIsComplete(t *testing.T) {
	nodes := startCluster(t, []int{0, 0, 0}, nil)
	for _, n := range nodes {
		infos := n.coord.Nodes()
		require.Len(t, infos, 2)
		for _, info := range infos {
			assert.NotEqual(t, n.coord.ID(), info.ID)
			assert.Equal(t, protocol.StateGeneral.String(), info.State)
		}
	}
}

func TestCoordinator_LeastLoadedNodeWins(t *testing.T) {
	nodes := startCluster(t, []int{5, 1, 3}, nil)
	a, b, c := nodes[0], nodes[1], nodes[2]

	msg := newTestMessage("deliver me")
	require.NoError(t, a.coord.Distribute(context.Background(), msg))

	waitFor(t, "node-b to own the message", func() bool { return len(b.ownedIDs()) == 1 })
	assert.Equal(t, []string{msg.ID.String()}, b.ownedIDs())
	assert.Empty(t, a.ownedIDs())
	assert.Empty(t, c.ownedIDs())

	assert.True(t, b.cache.Contains(msg.ID))
	assert.False(t, a.cache.Contains(msg.ID), "auctioneer drops its copy after the hand-off")
	waitFor(t, "node-c to drop the candidate", func() bool { return !c.cache.Contains(msg.ID) })
}

func TestCoordinator_AuctionIsDeterministic(t *testing.T) {
	var winners []string
	for run := 0; run < 3; run++ {
		nodes := startCluster(t, []int{2, 2, 2}, nil)
		out, err := nodes[1].coord.Bid(context.Background(), newTestMessage("same"))
		require.NoError(t, err)
		require.Len(t, out.Bids, 3)
		winners = append(winners, out.Winner)
		for _, n := range nodes {
			n.coord.Close()
		}
	}
	assert.Equal(t, winners[0], winners[1])
	assert.Equal(t, winners[1], winners[2])
}

func TestCoordinator_LocalWinWithoutPeers(t *testing.T) {
	nodes := startCluster(t, []int{4}, nil)
	msg := newTestMessage("alone")
	require.NoError(t, nodes[0].coord.Distribute(context.Background(), msg))
	assert.Equal(t, []string{msg.ID.String()}, nodes[0].ownedIDs())
	assert.True(t, nodes[0].cache.Contains(msg.ID))
}

// silentPeer joins a coordinator and then ignores everything it receives.
type silentPeer struct {
	conn     *peerlink.Conn
	mu       sync.Mutex
	received []protocol.MessageType
	closed   chan struct{}
}

func joinSilently(t *testing.T, coord *Coordinator, id string) *silentPeer {
	t.Helper()
	raw, err := net.Dial("tcp", coord.Config().AdvertiseAddress)
	require.NoError(t, err)
	conn := peerlink.NewConn(raw, peerlink.Config{}, true, nil)
	t.Cleanup(func() { conn.Close() })

	write := func(mt protocol.MessageType, payload any) {
		f, err := protocol.NewFrame(mt, payload)
		require.NoError(t, err)
		require.NoError(t, conn.WriteFrame(context.Background(), f, time.Second))
	}
	read := func(want protocol.MessageType) {
		f, err := conn.ReadFrame()
		require.NoError(t, err)
		require.Equal(t, want, f.Type)
	}

	read(protocol.TypeStart)
	write(protocol.TypeStart, protocol.Hello{NodeID: id})
	write(protocol.TypeNewNode, protocol.Admission{NodeID: id})
	read(protocol.TypeNewNodeConfirmed)
	write(protocol.TypeNewNodeOver, protocol.Admission{NodeID: id})
	read(protocol.TypeNewNodeOver)

	p := &silentPeer{conn: conn, closed: make(chan struct{})}
	go func() {
		defer close(p.closed)
		for {
			f, err := conn.ReadFrame()
			if err != nil {
				if protocol.IsProtocolError(err) {
					continue
				}
				return
			}
			p.mu.Lock()
			p.received = append(p.received, f.Type)
			p.mu.Unlock()
		}
	}()
	waitFor(t, id+" admission", func() bool {
		_, ok := coord.NodeSet().Get(id)
		return ok
	})
	return p
}

func TestCoordinator_SilentPeerIsExcluded(t *testing.T) {
	nodes := startCluster(t, []int{3, 2}, func(i int, c *Config) {
		c.BidReadTimeout = 200 * time.Millisecond
		c.MaxConsecutiveFailures = 10
	})
	a := nodes[0]
	joinSilently(t, a.coord, "node-0-silent")

	out, err := a.coord.Bid(context.Background(), newTestMessage("partial round"))
	require.NoError(t, err)
	assert.Equal(t, "node-b", out.Winner)
	assert.Equal(t, []string{"node-0-silent"}, out.Excluded)
	assert.Len(t, out.Bids, 2)
	assert.GreaterOrEqual(t, out.Duration, 200*time.Millisecond)

	_, stillMember := a.coord.NodeSet().Get("node-0-silent")
	assert.True(t, stillMember, "one timeout only excludes the peer from the round")
}

func TestCoordinator_RepeatedTimeoutsDeclareNodeDead(t *testing.T) {
	nodes := startCluster(t, []int{0, 0}, func(i int, c *Config) {
		c.BidReadTimeout = 100 * time.Millisecond
		c.MaxConsecutiveFailures = 2
	})
	a := nodes[0]
	silent := joinSilently(t, a.coord, "node-0-silent")

	for i := 0; i < 2; i++ {
		_, err := a.coord.Bid(context.Background(), newTestMessage("probe"))
		require.NoError(t, err)
	}

	select {
	case <-silent.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected the silent peer to be disconnected")
	}
	_, ok := a.coord.NodeSet().Get("node-0-silent")
	assert.False(t, ok)
	assert.Equal(t, 1, a.coord.NodeSet().Len())
}

func TestCoordinator_ClosedNodeIsRemoved(t *testing.T) {
	nodes := startCluster(t, []int{0, 0, 0}, nil)
	require.NoError(t, nodes[2].coord.Close())

	waitFor(t, "node-c removal", func() bool {
		_, onA := nodes[0].coord.NodeSet().Get("node-c")
		_, onB := nodes[1].coord.NodeSet().Get("node-c")
		return !onA && !onB
	})

	msg := newTestMessage("after loss")
	require.NoError(t, nodes[0].coord.Distribute(context.Background(), msg))
	waitFor(t, "ownership with reduced membership", func() bool {
		return len(nodes[0].ownedIDs())+len(nodes[1].ownedIDs()) == 1
	})
}

func TestCoordinator_FetchAndInformOfDelivery(t *testing.T) {
	nodes := startCluster(t, []int{3, 0, 3}, nil)
	a, b, c := nodes[0], nodes[1], nodes[2]

	msg := newTestMessage("fetch me")
	require.NoError(t, a.coord.Distribute(context.Background(), msg))
	waitFor(t, "node-b ownership", func() bool { return len(b.ownedIDs()) == 1 })
	waitFor(t, "node-c to drop the candidate", func() bool { return !c.cache.Contains(msg.ID) })

	got, err := c.coord.FetchMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, msg.Contents, got.Contents)

	delivered := msg.Clone()
	require.NoError(t, delivered.SetStatus(message.StatusDelivered))
	reached := b.coord.InformOfDelivery(context.Background(), delivered)
	assert.ElementsMatch(t, []string{"node-a", "node-c"}, reached)
	assert.False(t, b.cache.Contains(msg.ID))

	waitFor(t, "tombstones", func() bool {
		_, onA := a.coord.Delivered(msg.ID)
		_, onC := c.coord.Delivered(msg.ID)
		return onA && onC && !c.cache.Contains(msg.ID)
	})

	got, err = a.coord.FetchMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, message.StatusDelivered, got.Status)
}

func TestCoordinator_FetchUnknown(t *testing.T) {
	nodes := startCluster(t, []int{0, 0}, nil)
	_, err := nodes[0].coord.FetchMessage(context.Background(), newTestMessage("nobody").ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCoordinator_DistributeSurfacesCacheFull(t *testing.T) {
	cache, err := tiered.NewTieredCache(tiered.Config{LoadLimit: 0}, tiered.NewMemStore(), nil, nil)
	require.NoError(t, err)
	coord, err := NewCoordinator(Config{NodeID: "node-a"}, newStubTransport(), cache, nil, nil, nil)
	require.NoError(t, err)
	defer coord.Close()

	err = coord.Distribute(context.Background(), newTestMessage("no room"))
	assert.ErrorIs(t, err, cachepkg.ErrCacheFull)
	assert.True(t, cache.Empty())
}

func TestCoordinator_ClosedPeerCancelsBidWait(t *testing.T) {
	nodes := startCluster(t, []int{3, 2}, func(i int, c *Config) {
		c.BidReadTimeout = 5 * time.Second
	})
	a := nodes[0]
	silent := joinSilently(t, a.coord, "node-0-silent")

	go func() {
		time.Sleep(200 * time.Millisecond)
		silent.conn.Close()
	}()

	out, err := a.coord.Bid(context.Background(), newTestMessage("peer leaves mid-round"))
	require.NoError(t, err)
	assert.Equal(t, "node-b", out.Winner)
	assert.Contains(t, out.Excluded, "node-0-silent")
	assert.Less(t, out.Duration, 2*time.Second, "closing the peer must end its bid wait")
}

func TestCoordinator_UninformedWinnerIsSkipped(t *testing.T) {
	c, cache := newTestCoordinator(t, "node-local", func(config *Config) {
		config.BidWriteTimeout = 150 * time.Millisecond
	})
	owned := make(chan *message.Message, 1)
	c.OnOwned(func(m *message.Message) { owned <- m })

	// The far side is read by hand so it can stop reading at will.
	a, b := net.Pipe()
	h := newHandler(c, peerlink.NewConn(a, peerlink.Config{}, false, nil), "")
	c.mu.Lock()
	c.handlers[h] = struct{}{}
	c.mu.Unlock()
	go h.Run(c.runCtx)

	peer := peerlink.NewConn(b, peerlink.Config{IdleTimeout: 500 * time.Millisecond}, true, nil)
	defer peer.Close()
	write := func(mt protocol.MessageType, payload any) {
		f, err := protocol.NewFrame(mt, payload)
		require.NoError(t, err)
		require.NoError(t, peer.WriteFrame(context.Background(), f, time.Second))
	}
	read := func(want protocol.MessageType) {
		f, err := peer.ReadFrame()
		require.NoError(t, err)
		require.Equal(t, want, f.Type)
	}

	read(protocol.TypeStart)
	write(protocol.TypeStart, protocol.Hello{NodeID: "node-peer"})
	write(protocol.TypeNewNode, protocol.Admission{NodeID: "node-peer"})
	read(protocol.TypeNewNodeConfirmed)
	write(protocol.TypeNewNodeOver, protocol.Admission{NodeID: "node-peer"})
	read(protocol.TypeNewNodeOver)
	waitFor(t, "admission", func() bool { return c.NodeSet().Len() == 1 })

	msg := newTestMessage("winner goes quiet")
	done := make(chan error, 1)
	go func() { done <- c.Distribute(context.Background(), msg) }()

	read(protocol.TypeNewMessage)
	read(protocol.TypeAuction)
	// Underbid everyone, then stop reading so AUCTION OVER cannot be written.
	write(protocol.TypeBid, protocol.BidValue{NodeID: "node-peer", MessageID: msg.ID, Load: -1})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Distribute did not finish")
	}
	select {
	case got := <-owned:
		assert.Equal(t, msg.ID, got.ID)
	default:
		t.Fatal("Expected the auctioneer to keep the message its winner never heard about")
	}
	assert.True(t, cache.Contains(msg.ID))

	// Nothing, in particular no MESSAGE hand-off, was queued for the quiet winner.
	_, err := peer.ReadFrame()
	assert.ErrorIs(t, err, peerlink.ErrIdle)
}

func TestCoordinator_UncachedHandOffIsNotOwned(t *testing.T) {
	cache, err := tiered.NewTieredCache(tiered.Config{LoadLimit: 0}, tiered.NewMemStore(), nil, nil)
	require.NoError(t, err)
	defer cache.Close()
	c, err := NewCoordinator(Config{NodeID: "node-local", BidSource: SeededBidSource(1, 2)}, newStubTransport(), cache, nil, nil, nil)
	require.NoError(t, err)
	defer c.Close()

	owned := make(chan *message.Message, 1)
	c.OnOwned(func(m *message.Message) { owned <- m })

	_, peer := attach(t, c, "node-peer", false)
	peer.admitAsAcceptor()

	msg := newTestMessage("no room for me")
	peer.send(protocol.TypeAuction, protocol.AuctionAnnounce{MessageID: msg.ID, Auctioneer: "node-peer"})
	peer.expect(protocol.TypeBid)
	peer.send(protocol.TypeAuctionOver, protocol.AuctionResult{MessageID: msg.ID, Winner: "node-local"})
	peer.send(protocol.TypeMessage, msg)
	peer.sync()

	select {
	case <-owned:
		t.Fatal("A message that could not be cached must not be owned")
	default:
	}
	assert.False(t, cache.Contains(msg.ID))
	c.mu.Lock()
	_, awarded := c.awarded[msg.ID]
	c.mu.Unlock()
	assert.False(t, awarded)
}

func TestCoordinator_CloseWaitsForBackgroundWork(t *testing.T) {
	c, _ := newTestCoordinator(t, "node-local", nil)

	var finished bool
	require.True(t, c.spawn(func() {
		<-c.runCtx.Done()
		time.Sleep(50 * time.Millisecond)
		finished = true
	}))
	require.NoError(t, c.Close())
	assert.True(t, finished, "Close must wait for spawned work")

	assert.False(t, c.spawn(func() { t.Error("spawned after Close") }))
}
