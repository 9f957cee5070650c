package cluster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	cachepkg "github.com/rmacdonaldsmith/relaymesh/pkg/cache"
	"github.com/rmacdonaldsmith/relaymesh/pkg/message"
	"github.com/rmacdonaldsmith/relaymesh/pkg/protocol"
)

// InformOfNewMessage sends MESSAGE CREATED to every member, each bounded by
// the IONM timeout, and returns the IDs of the members that received it.
func (c *Coordinator) InformOfNewMessage(ctx context.Context, msg *message.Message) []string {
	reached := c.broadcast(ctx, c.nodes.List(), protocol.TypeNewMessage, msg, c.config.IONMTimeout)
	return nodeIDs(reached)
}

// InformOfDelivery records the final status of msg, drops the local copy and
// tells every member to drop theirs, each bounded by the IOD timeout.
func (c *Coordinator) InformOfDelivery(ctx context.Context, msg *message.Message) []string {
	c.forget(msg.ID, msg.Status)
	ref := protocol.MessageRef{MessageID: msg.ID, Status: msg.Status}
	reached := c.broadcast(ctx, c.nodes.List(), protocol.TypeMessageDelivered, ref, c.config.IODTimeout)
	c.events.Info("delivery announced", zap.Stringer("message", msg.ID),
		zap.Stringer("status", msg.Status), zap.Int("peers", len(reached)))
	return nodeIDs(reached)
}

func nodeIDs(nodes []*Node) []string {
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	return ids
}

// forget removes every trace of id except its tombstone.
func (c *Coordinator) forget(id uuid.UUID, status message.Status) {
	c.tombstones.add(id, status)
	c.mu.Lock()
	delete(c.candidates, id)
	delete(c.awarded, id)
	c.mu.Unlock()
	if err := c.cache.Remove(id); err != nil && !errors.Is(err, cachepkg.ErrNotFound) {
		c.logger.Warn("failed to drop delivered message", zap.Stringer("message", id), zap.Error(err))
	}
}

// Delivered reports the final status of id if this node has seen it delivered.
func (c *Coordinator) Delivered(id uuid.UUID) (message.Status, bool) {
	return c.tombstones.get(id)
}

func (c *Coordinator) delivered(h *Handler, ref protocol.MessageRef) {
	status := ref.Status
	if status == message.StatusPending {
		status = message.StatusDelivered
	}
	c.forget(ref.MessageID, status)
	c.resolveFetch(ref.MessageID, &message.Message{ID: ref.MessageID, Status: status})
}

func (c *Coordinator) notFound(h *Handler, id uuid.UUID) {
	c.resolveFetch(id, nil)
}

// answerGet replies to GET MESSAGE. Offline messages are read without
// touching their reference count.
func (c *Coordinator) answerGet(ctx context.Context, h *Handler, id uuid.UUID) error {
	var (
		msg *message.Message
		err error
	)
	switch {
	case c.cache.IsOnline(id):
		msg, err = c.cache.Get(id)
	case c.cache.Contains(id):
		msg, err = c.cache.ReadOfflineMessage(id)
	default:
		err = cachepkg.ErrNotFound
	}
	if err == nil {
		return h.send(ctx, protocol.TypeMessage, msg, c.config.BidWriteTimeout)
	}
	if !errors.Is(err, cachepkg.ErrNotFound) {
		c.logger.Warn("failed to read requested message", zap.Stringer("message", id), zap.Error(err))
	}
	if status, ok := c.tombstones.get(id); ok {
		ref := protocol.MessageRef{MessageID: id, Status: status}
		return h.send(ctx, protocol.TypeMessageDelivered, ref, c.config.BidWriteTimeout)
	}
	return h.send(ctx, protocol.TypeMessageNotFound, protocol.MessageRef{MessageID: id}, c.config.BidWriteTimeout)
}

// FetchMessage looks id up locally and then asks every member. A message
// known to be delivered comes back with its status and no contents.
func (c *Coordinator) FetchMessage(ctx context.Context, id uuid.UUID) (*message.Message, error) {
	if msg, err := c.cache.Get(id); err == nil {
		return msg, nil
	}
	if status, ok := c.tombstones.get(id); ok {
		return &message.Message{ID: id, Status: status}, nil
	}

	nodes := c.nodes.List()
	if len(nodes) == 0 {
		return nil, ErrNotFound
	}

	answers := make(chan *message.Message, len(nodes))
	c.mu.Lock()
	c.fetches[id] = append(c.fetches[id], answers)
	c.mu.Unlock()
	defer c.dropFetch(id, answers)

	reached := c.broadcast(ctx, nodes, protocol.TypeGetMessage, protocol.MessageRef{MessageID: id}, c.config.BidWriteTimeout)
	if len(reached) == 0 {
		return nil, fmt.Errorf("%w: no member reachable", ErrNotFound)
	}

	timer := time.NewTimer(c.config.BidReadTimeout)
	defer timer.Stop()
	negative := 0
	for {
		select {
		case msg := <-answers:
			if msg != nil {
				return msg, nil
			}
			negative++
			if negative >= len(reached) {
				return nil, ErrNotFound
			}
		case <-timer.C:
			return nil, fmt.Errorf("fetch %s: %w", id, ErrTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Coordinator) dropFetch(id uuid.UUID, answers chan *message.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	waiting := c.fetches[id]
	for i, ch := range waiting {
		if ch == answers {
			waiting = append(waiting[:i], waiting[i+1:]...)
			break
		}
	}
	if len(waiting) == 0 {
		delete(c.fetches, id)
	} else {
		c.fetches[id] = waiting
	}
}

// resolveFetch passes an answer to every waiting FetchMessage. nil means not found.
func (c *Coordinator) resolveFetch(id uuid.UUID, msg *message.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.fetches[id] {
		var answer *message.Message
		if msg != nil {
			answer = msg.Clone()
		}
		select {
		case ch <- answer:
		default:
		}
	}
}
