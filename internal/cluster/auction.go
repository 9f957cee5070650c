package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/relaymesh/internal/peerlink"
	cachepkg "github.com/rmacdonaldsmith/relaymesh/pkg/cache"
	"github.com/rmacdonaldsmith/relaymesh/pkg/message"
	"github.com/rmacdonaldsmith/relaymesh/pkg/protocol"
)

// Outcome describes one finished auction round.
type Outcome struct {
	MessageID uuid.UUID
	Winner    string
	// Bids holds every bid considered, this node's included.
	Bids []protocol.BidValue
	// Excluded lists the peers that did not bid in time.
	Excluded []string
	// WinnerInformed is false when AUCTION OVER could not be written to a
	// remote winner. Such a winner does not know it owns the message.
	WinnerInformed bool
	Duration       time.Duration
}

// Distribute caches a locally created message, announces it to the cluster
// and auctions its ownership. A failed hand-off to the winner is retried with
// a new round without that node; when every attempt fails this node keeps
// the message.
func (c *Coordinator) Distribute(ctx context.Context, msg *message.Message) error {
	if c.isClosed() {
		return ErrClosed
	}
	if msg == nil {
		return fmt.Errorf("distribute: %w", cachepkg.ErrNilMessage)
	}
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("distribute: %w", err)
	}
	if err := c.cache.Add(msg); err != nil {
		return fmt.Errorf("failed to cache message %s: %w", msg.ID, err)
	}
	c.InformOfNewMessage(ctx, msg)
	return c.distribute(ctx, msg)
}

func (c *Coordinator) distribute(ctx context.Context, msg *message.Message) error {
	c.auctionMu.Lock()
	defer c.auctionMu.Unlock()

	exclude := make(map[string]bool)
	for attempt := 1; attempt <= c.config.AuctionAttempts; attempt++ {
		out, err := c.runAuction(ctx, msg.ID, exclude)
		if err != nil {
			return err
		}
		if out.Winner == c.config.NodeID {
			c.own(msg, "won own auction")
			return nil
		}
		if !out.WinnerInformed {
			c.logger.Warn("winner missed AUCTION OVER", zap.Stringer("message", msg.ID),
				zap.String("winner", out.Winner), zap.Int("attempt", attempt))
			exclude[out.Winner] = true
			continue
		}
		if err := c.handOff(ctx, out.Winner, msg); err != nil {
			c.logger.Warn("hand-off to winner failed", zap.Stringer("message", msg.ID),
				zap.String("winner", out.Winner), zap.Int("attempt", attempt), zap.Error(err))
			exclude[out.Winner] = true
			continue
		}
		if err := c.cache.Remove(msg.ID); err != nil && !errors.Is(err, cachepkg.ErrNotFound) {
			c.logger.Warn("failed to drop handed-off message", zap.Stringer("message", msg.ID), zap.Error(err))
		}
		return nil
	}
	c.own(msg, "hand-off attempts exhausted")
	return nil
}

// Bid runs one auction round for msg across all members and returns the result.
// The message is not handed off.
func (c *Coordinator) Bid(ctx context.Context, msg *message.Message) (Outcome, error) {
	if msg == nil {
		return Outcome{}, cachepkg.ErrNilMessage
	}
	c.auctionMu.Lock()
	defer c.auctionMu.Unlock()
	return c.runAuction(ctx, msg.ID, nil)
}

// runAuction must be called with auctionMu held.
func (c *Coordinator) runAuction(ctx context.Context, id uuid.UUID, exclude map[string]bool) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, fmt.Errorf("auction for %s: %w", id, err)
	}
	start := time.Now()
	own := protocol.BidValue{
		NodeID:    c.config.NodeID,
		MessageID: id,
		Load:      c.cache.CurrentLoad(),
		Random:    c.rng.Uint64(),
	}

	var nodes []*Node
	for _, n := range c.nodes.List() {
		if !exclude[n.ID] {
			nodes = append(nodes, n)
		}
	}

	type bidResult struct {
		bid       protocol.BidValue
		announced bool
		err       error
	}
	results := make([]bidResult, len(nodes))
	var wg sync.WaitGroup
	for i, n := range nodes {
		wg.Add(1)
		go func(i int, n *Node) {
			defer wg.Done()
			bid, announced, err := c.getBid(ctx, n, id)
			results[i] = bidResult{bid, announced, err}
		}(i, n)
	}
	wg.Wait()

	out := Outcome{MessageID: id, Bids: []protocol.BidValue{own}}
	var participants []*Node
	for i, r := range results {
		n := nodes[i]
		if r.announced {
			participants = append(participants, n)
		}
		if r.err != nil {
			c.metrics.ObserveBid(bidFailure(r.err))
			c.logger.Info("peer excluded from round", zap.Stringer("message", id),
				zap.String("peer", n.ID), zap.Error(r.err))
			out.Excluded = append(out.Excluded, n.ID)
			c.peerFailed(n, r.err)
			continue
		}
		c.metrics.ObserveBid("received")
		c.peerOK(n)
		out.Bids = append(out.Bids, r.bid)
	}

	best, ok := Winner(c.config.Strategy, out.Bids)
	if !ok {
		return Outcome{}, ErrNoWinner
	}
	out.Winner = best.NodeID

	over := protocol.AuctionResult{MessageID: id, Winner: out.Winner}
	informed := c.broadcast(ctx, participants, protocol.TypeAuctionOver, over, c.config.BidWriteTimeout)
	out.WinnerInformed = out.Winner == c.config.NodeID
	for _, n := range informed {
		if n.ID == out.Winner {
			out.WinnerInformed = true
		}
	}

	out.Duration = time.Since(start)
	outcome := "remote"
	if out.Winner == c.config.NodeID {
		outcome = "local"
	}
	c.metrics.ObserveAuction(outcome, out.Duration)
	c.events.Info("auction closed", zap.Stringer("message", id), zap.String("winner", out.Winner),
		zap.Int("bids", len(out.Bids)), zap.Strings("excluded", out.Excluded), zap.Duration("took", out.Duration))
	return out, nil
}

func bidFailure(err error) string {
	if errors.Is(err, ErrTimeout) {
		return "timeout"
	}
	return "failed"
}

// getBid announces the auction to n and waits for its bid. announced reports
// whether the AUCTION frame was written.
func (c *Coordinator) getBid(ctx context.Context, n *Node, id uuid.UUID) (bid protocol.BidValue, announced bool, err error) {
	bids, cancel := n.handler.expectBid(id)
	defer cancel()

	announce := protocol.AuctionAnnounce{MessageID: id, Auctioneer: c.config.NodeID}
	if err := n.handler.send(ctx, protocol.TypeAuction, announce, c.config.BidWriteTimeout); err != nil {
		return protocol.BidValue{}, false, err
	}

	timer := time.NewTimer(c.config.BidReadTimeout)
	defer timer.Stop()
	select {
	case b, ok := <-bids:
		if !ok {
			return protocol.BidValue{}, true, ErrNodeClosed
		}
		return b, true, nil
	case <-timer.C:
		return protocol.BidValue{}, true, fmt.Errorf("%w: no bid from %s within %s", ErrTimeout, n.ID, c.config.BidReadTimeout)
	case <-n.handler.conn.Done():
		return protocol.BidValue{}, true, ErrNodeClosed
	case <-ctx.Done():
		return protocol.BidValue{}, true, ctx.Err()
	}
}

// sendBid answers an AUCTION received on h with this node's bid.
func (c *Coordinator) sendBid(ctx context.Context, h *Handler, id uuid.UUID) error {
	bid := protocol.BidValue{
		NodeID:    c.config.NodeID,
		MessageID: id,
		Load:      c.cache.CurrentLoad(),
		Random:    h.rng.Uint64(),
	}
	err := h.send(ctx, protocol.TypeBid, bid, c.config.BidWriteTimeout)
	if err == nil {
		return nil
	}
	if n := h.currentNode(); n != nil {
		c.peerFailed(n, err)
	}
	if errors.Is(err, peerlink.ErrClosed) {
		return err
	}
	return nil
}

func (c *Coordinator) handOff(ctx context.Context, winner string, msg *message.Message) error {
	n, ok := c.nodes.Get(winner)
	if !ok {
		return fmt.Errorf("%w: %s left the cluster", ErrNodeUnreachable, winner)
	}
	if err := n.handler.send(ctx, protocol.TypeMessage, msg, c.config.BidWriteTimeout); err != nil {
		c.peerFailed(n, err)
		return err
	}
	return nil
}

// own hands msg to the delivery callback.
func (c *Coordinator) own(msg *message.Message, reason string) {
	c.mu.Lock()
	delete(c.candidates, msg.ID)
	delete(c.awarded, msg.ID)
	cb := c.onOwned
	c.mu.Unlock()

	c.events.Info("message owned", zap.Stringer("message", msg.ID), zap.String("reason", reason))
	if cb != nil {
		cb(msg.Clone())
	}
}

// storeCandidate keeps a copy of a message announced by the peer of h.
func (c *Coordinator) storeCandidate(h *Handler, msg *message.Message) {
	if err := c.cache.PutMessage(msg); err != nil {
		c.logger.Warn("failed to store candidate", zap.Stringer("message", msg.ID),
			zap.String("peer", h.PeerID()), zap.Error(err))
		return
	}
	c.mu.Lock()
	c.candidates[msg.ID] = h.PeerID()
	c.mu.Unlock()
}

// auctionOver applies the result of a round run by the peer of h.
func (c *Coordinator) auctionOver(h *Handler, r protocol.AuctionResult) {
	if r.Winner == c.config.NodeID {
		c.mu.Lock()
		c.awarded[r.MessageID] = h.PeerID()
		c.mu.Unlock()
		c.events.Info("auction won", zap.Stringer("message", r.MessageID), zap.String("auctioneer", h.PeerID()))
		return
	}

	c.mu.Lock()
	_, wasCandidate := c.candidates[r.MessageID]
	delete(c.candidates, r.MessageID)
	delete(c.awarded, r.MessageID)
	c.mu.Unlock()

	if !wasCandidate {
		return
	}
	if err := c.cache.Remove(r.MessageID); err != nil && !errors.Is(err, cachepkg.ErrNotFound) {
		c.logger.Warn("failed to drop candidate", zap.Stringer("message", r.MessageID), zap.Error(err))
	}
}

// applyMessage stores a MESSAGE payload. A payload for an auction this node
// won completes the hand-off, provided a copy ends up cached.
func (c *Coordinator) applyMessage(h *Handler, msg *message.Message) {
	if err := c.cache.PutMessage(msg); err != nil {
		c.logger.Warn("failed to store message", zap.Stringer("message", msg.ID),
			zap.String("peer", h.PeerID()), zap.Error(err))
		if !c.cache.Contains(msg.ID) {
			c.mu.Lock()
			_, won := c.awarded[msg.ID]
			delete(c.awarded, msg.ID)
			c.mu.Unlock()
			if won {
				c.logger.Error("won message could not be cached; not taking ownership",
					zap.Stringer("message", msg.ID), zap.String("auctioneer", h.PeerID()))
			}
			c.resolveFetch(msg.ID, msg)
			return
		}
	}

	c.mu.Lock()
	_, won := c.awarded[msg.ID]
	c.mu.Unlock()

	c.resolveFetch(msg.ID, msg)
	if won {
		c.own(msg, "handed off by "+h.PeerID())
	}
}

// adoptOrphans takes over messages whose auctioneer died. Awarded messages
// are owned directly; unsettled candidates are re-auctioned by the live node
// with the smallest ID.
func (c *Coordinator) adoptOrphans(dead string) {
	lowest := true
	for _, n := range c.nodes.List() {
		if n.ID < c.config.NodeID {
			lowest = false
			break
		}
	}

	var promote, reauction []uuid.UUID
	c.mu.Lock()
	for id, origin := range c.awarded {
		if origin == dead {
			promote = append(promote, id)
		}
	}
	if lowest {
		for id, origin := range c.candidates {
			if origin == dead && c.awarded[id] == "" {
				reauction = append(reauction, id)
				delete(c.candidates, id)
			}
		}
	}
	c.mu.Unlock()

	for _, id := range promote {
		msg, err := c.cache.Get(id)
		if err != nil {
			c.logger.Warn("awarded message missing", zap.Stringer("message", id), zap.Error(err))
			continue
		}
		c.own(msg, "auctioneer "+dead+" died before hand-off")
	}
	for _, id := range reauction {
		msg, err := c.cache.Get(id)
		if err != nil {
			continue
		}
		c.events.Info("re-auctioning orphan", zap.Stringer("message", id), zap.String("dead", dead))
		c.spawn(func() {
			c.InformOfNewMessage(c.runCtx, msg)
			if err := c.distribute(c.runCtx, msg); err != nil {
				c.logger.Warn("re-auction failed", zap.Stringer("message", msg.ID), zap.Error(err))
			}
		})
	}
}
