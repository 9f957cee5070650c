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

	"github.com/rmacdonaldsmith/relaymesh/internal/peerlink"
	"github.com/rmacdonaldsmith/relaymesh/pkg/message"
	"github.com/rmacdonaldsmith/relaymesh/pkg/protocol"
)

// errCloseLink ends the read loop without replying.
var errCloseLink = errors.New("close link")

// Handler runs the protocol state machine of one peer connection.
// Inbound frames are dispatched one at a time in arrival order.
type Handler struct {
	coord  *Coordinator
	conn   *peerlink.Conn
	dialed string
	logger *zap.Logger

	// rng is only touched by the read loop.
	rng *rand.Rand

	mu             sync.Mutex
	state          protocol.State
	peerID         string
	peerAddress    string
	sentOver       bool
	node           *Node
	protocolErrors int
	bids           map[uuid.UUID]chan protocol.BidValue
}

// newHandler wraps conn. dialed is the address this node dialed, empty for accepted links.
func newHandler(c *Coordinator, conn *peerlink.Conn, dialed string) *Handler {
	return &Handler{
		coord:  c,
		conn:   conn,
		dialed: dialed,
		logger: c.logger.With(zap.String("remote", conn.RemoteAddr()), zap.Bool("outbound", conn.Outbound())),
		rng:    rand.New(c.config.BidSource()),
		state:  protocol.StateStart,
		bids:   make(map[uuid.UUID]chan protocol.BidValue),
	}
}

// State returns the current protocol state.
func (h *Handler) State() protocol.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// PeerID returns the peer's node ID once START has been received.
func (h *Handler) PeerID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.peerID
}

// Close tears down the link. Run returns shortly after.
func (h *Handler) Close() error {
	return h.conn.Close()
}

// Run sends START and serves the link until it closes.
func (h *Handler) Run(ctx context.Context) {
	defer h.finish()

	hello := protocol.Hello{NodeID: h.coord.config.NodeID, Address: h.coord.config.AdvertiseAddress}
	if err := h.send(ctx, protocol.TypeStart, hello, h.coord.config.BidWriteTimeout); err != nil {
		h.logger.Warn("failed to send START", zap.Error(err))
		return
	}

	for {
		f, err := h.conn.ReadFrame()
		if err != nil {
			if protocol.IsProtocolError(err) {
				if !h.reject(ctx, err.Error()) {
					return
				}
				continue
			}
			h.logger.Debug("link closed", zap.String("peer", h.PeerID()), zap.Error(err))
			return
		}
		if !h.dispatch(ctx, f) {
			return
		}
	}
}

func (h *Handler) finish() {
	h.conn.Close()
	h.mu.Lock()
	node := h.node
	for id, ch := range h.bids {
		close(ch)
		delete(h.bids, id)
	}
	h.state = protocol.StateClosed
	h.mu.Unlock()

	if node != nil {
		h.coord.removeNode(node, fmt.Errorf("%w: link to %s closed", ErrNodeUnreachable, node.ID))
	}
}

// dispatch applies one inbound frame and reports whether the link stays open.
func (h *Handler) dispatch(ctx context.Context, f protocol.Frame) bool {
	h.mu.Lock()
	from := h.state
	tr := protocol.Next(from, f.Type)
	h.state = tr.To
	h.mu.Unlock()

	if ce := h.logger.Check(zap.DebugLevel, "frame received"); ce != nil {
		ce.Write(zap.Stringer("type", f.Type), zap.Stringer("from", from),
			zap.Stringer("to", tr.To), zap.Stringer("action", tr.Action))
	}

	var err error
	switch tr.Action {
	case protocol.ActionNone:
	case protocol.ActionEstablish:
		err = h.establish(ctx, f)
	case protocol.ActionBeginAdmission:
		err = h.beginAdmission(ctx, f)
	case protocol.ActionAdmissionConfirmed:
		err = h.admissionConfirmed(ctx, f)
	case protocol.ActionAdmit:
		err = h.admit(ctx)
	case protocol.ActionBid:
		var a protocol.AuctionAnnounce
		if err = f.Decode(&a); err == nil {
			err = h.coord.sendBid(ctx, h, a.MessageID)
		}
	case protocol.ActionRecordBid:
		var b protocol.BidValue
		if err = f.Decode(&b); err == nil {
			h.recordBid(b)
		}
	case protocol.ActionAuctionOver:
		var r protocol.AuctionResult
		if err = f.Decode(&r); err == nil {
			h.coord.auctionOver(h, r)
		}
	case protocol.ActionStoreCandidate:
		var msg *message.Message
		if msg, err = decodeMessage(f); err == nil {
			h.coord.storeCandidate(h, msg)
		}
	case protocol.ActionApplyMessage:
		var msg *message.Message
		if msg, err = decodeMessage(f); err == nil {
			h.coord.applyMessage(h, msg)
		}
		h.mu.Lock()
		h.state = protocol.Applied(h.state)
		h.mu.Unlock()
	case protocol.ActionAnswerGet:
		var ref protocol.MessageRef
		if err = f.Decode(&ref); err == nil {
			err = h.coord.answerGet(ctx, h, ref.MessageID)
		}
	case protocol.ActionDelivered:
		var ref protocol.MessageRef
		if err = f.Decode(&ref); err == nil {
			h.coord.delivered(h, ref)
		}
	case protocol.ActionNotFound:
		var ref protocol.MessageRef
		if err = f.Decode(&ref); err == nil {
			h.coord.notFound(h, ref.MessageID)
		}
	case protocol.ActionHeartbeat:
	case protocol.ActionDeadNode:
		var r protocol.DeadNodeReport
		if err = f.Decode(&r); err == nil {
			h.coord.deadNodeReported(h, r)
		}
	case protocol.ActionPeerError:
		var r protocol.ErrorReport
		_ = f.Decode(&r)
		h.logger.Warn("peer reported an error", zap.String("peer", h.PeerID()),
			zap.Stringer("type", f.Type), zap.String("reason", r.Reason))
	case protocol.ActionReject:
		return h.reject(ctx, fmt.Sprintf("%s not expected in state %s", f.Type, from))
	}

	if tr.To == protocol.StateClosed {
		return false
	}
	switch {
	case err == nil:
		return true
	case errors.Is(err, errCloseLink):
		return false
	case protocol.IsProtocolError(err):
		return h.reject(ctx, err.Error())
	default:
		h.logger.Warn("failed to handle frame", zap.String("peer", h.PeerID()),
			zap.Stringer("type", f.Type), zap.Error(err))
		return !errors.Is(err, peerlink.ErrClosed)
	}
}

func decodeMessage(f protocol.Frame) (*message.Message, error) {
	var msg message.Message
	if err := f.Decode(&msg); err != nil {
		return nil, err
	}
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrMalformedFrame, err)
	}
	return &msg, nil
}

func (h *Handler) establish(ctx context.Context, f protocol.Frame) error {
	var hello protocol.Hello
	if err := f.Decode(&hello); err != nil || hello.NodeID == "" {
		h.logger.Warn("invalid START", zap.Error(err))
		return errCloseLink
	}
	if hello.NodeID == h.coord.config.NodeID {
		h.coord.markSelfAddress(h.dialed)
		h.logger.Debug("dropping link to self")
		return errCloseLink
	}

	h.mu.Lock()
	h.peerID = hello.NodeID
	h.peerAddress = hello.Address
	h.mu.Unlock()
	h.logger.Debug("peer identified", zap.String("peer", hello.NodeID), zap.String("address", hello.Address))

	if !h.conn.Outbound() {
		return nil
	}
	return h.send(ctx, protocol.TypeNewNode, h.coord.selfAdmission(nil), h.coord.config.BidWriteTimeout)
}

func (h *Handler) beginAdmission(ctx context.Context, f protocol.Frame) error {
	var adm protocol.Admission
	if err := f.Decode(&adm); err != nil {
		return err
	}
	peers := h.coord.peerInfos(h.PeerID())
	return h.send(ctx, protocol.TypeNewNodeConfirmed, h.coord.selfAdmission(peers), h.coord.config.BidWriteTimeout)
}

func (h *Handler) admissionConfirmed(ctx context.Context, f protocol.Frame) error {
	var adm protocol.Admission
	if err := f.Decode(&adm); err != nil {
		return err
	}
	h.coord.learnPeers(adm.Peers)
	return h.sendOver(ctx)
}

func (h *Handler) admit(ctx context.Context) error {
	if err := h.sendOver(ctx); err != nil {
		return err
	}
	h.coord.admit(h)
	return nil
}

// sendOver sends NEW NODE OVER at most once per link.
func (h *Handler) sendOver(ctx context.Context) error {
	h.mu.Lock()
	if h.sentOver {
		h.mu.Unlock()
		return nil
	}
	h.sentOver = true
	h.mu.Unlock()
	return h.send(ctx, protocol.TypeNewNodeOver, h.coord.selfAdmission(nil), h.coord.config.BidWriteTimeout)
}

// reject answers with ERROR and reports whether the link stays within its error budget.
func (h *Handler) reject(ctx context.Context, reason string) bool {
	h.mu.Lock()
	h.protocolErrors++
	n := h.protocolErrors
	h.mu.Unlock()

	h.logger.Warn("rejected frame", zap.String("reason", reason), zap.Int("errors", n))
	if err := h.send(ctx, protocol.TypeError, protocol.ErrorReport{Reason: reason}, h.coord.config.BidWriteTimeout); err != nil {
		return false
	}
	return n <= h.coord.config.MaxProtocolErrors
}

// send updates the outbound state and writes one frame.
func (h *Handler) send(ctx context.Context, t protocol.MessageType, payload any, timeout time.Duration) error {
	f, err := protocol.NewFrame(t, payload)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.state = protocol.NextOutbound(h.state, t)
	h.mu.Unlock()
	return h.conn.WriteFrame(ctx, f, timeout)
}

// expectBid registers interest in the peer's bid for id.
func (h *Handler) expectBid(id uuid.UUID) (<-chan protocol.BidValue, func()) {
	ch := make(chan protocol.BidValue, 1)
	h.mu.Lock()
	if h.state == protocol.StateClosed {
		close(ch)
	} else {
		h.bids[id] = ch
	}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		if h.bids[id] == ch {
			delete(h.bids, id)
		}
		h.mu.Unlock()
	}
}

func (h *Handler) recordBid(b protocol.BidValue) {
	h.mu.Lock()
	ch, ok := h.bids[b.MessageID]
	if ok {
		delete(h.bids, b.MessageID)
	}
	h.mu.Unlock()

	if !ok {
		h.coord.metrics.ObserveBid("late")
		h.logger.Debug("bid without a running round", zap.Stringer("message", b.MessageID))
		return
	}
	b.NodeID = h.PeerID()
	ch <- b
}

func (h *Handler) currentNode() *Node {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.node
}
