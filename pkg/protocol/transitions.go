package protocol

// Action is the side effect a handler performs after a transition.
type Action int

const (
	ActionNone Action = iota
	// ActionEstablish records the peer identity from START
	ActionEstablish
	// ActionBeginAdmission answers NEW NODE with NEW NODE CONFIRMED
	ActionBeginAdmission
	// ActionAdmissionConfirmed learns the peer list and sends NEW NODE OVER
	ActionAdmissionConfirmed
	// ActionAdmit adds the peer to the node set
	ActionAdmit
	// ActionBid computes and sends this node's bid
	ActionBid
	// ActionRecordBid hands a received bid to the running round
	ActionRecordBid
	// ActionAuctionOver keeps or drops the candidate depending on the winner
	ActionAuctionOver
	// ActionStoreCandidate caches a message announced with MESSAGE CREATED
	ActionStoreCandidate
	// ActionApplyMessage stores a MESSAGE payload with putMessage
	ActionApplyMessage
	// ActionAnswerGet replies to GET MESSAGE from the cache
	ActionAnswerGet
	// ActionDelivered drops a message another node delivered
	ActionDelivered
	// ActionNotFound records a negative GET MESSAGE answer
	ActionNotFound
	// ActionHeartbeat is liveness only
	ActionHeartbeat
	// ActionDeadNode forwards a dead node report to the coordinator
	ActionDeadNode
	// ActionPeerError logs an ERROR or TIMEOUT sent by the peer
	ActionPeerError
	// ActionReject answers with ERROR
	ActionReject
)

var actionNames = map[Action]string{
	ActionNone:               "none",
	ActionEstablish:          "establish",
	ActionBeginAdmission:     "begin-admission",
	ActionAdmissionConfirmed: "admission-confirmed",
	ActionAdmit:              "admit",
	ActionBid:                "bid",
	ActionRecordBid:          "record-bid",
	ActionAuctionOver:        "auction-over",
	ActionStoreCandidate:     "store-candidate",
	ActionApplyMessage:       "apply-message",
	ActionAnswerGet:          "answer-get",
	ActionDelivered:          "delivered",
	ActionNotFound:           "not-found",
	ActionHeartbeat:          "heartbeat",
	ActionDeadNode:           "dead-node",
	ActionPeerError:          "peer-error",
	ActionReject:             "reject",
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return "unknown"
}

// Transition is the result of feeding one inbound frame type to a state.
type Transition struct {
	To     State
	Action Action
}

type key struct {
	from State
	t    MessageType
}

// generalTraffic is accepted in every established state without changing it.
var generalTraffic = map[MessageType]Action{
	TypeNewMessage:       ActionStoreCandidate,
	TypeGetMessage:       ActionAnswerGet,
	TypeMessageDelivered: ActionDelivered,
	TypeMessageNotFound:  ActionNotFound,
	TypeHeartBeat:        ActionHeartbeat,
	TypeDeadNode:         ActionDeadNode,
}

var table = func() map[key]Transition {
	t := map[key]Transition{
		{StateStart, TypeStart}: {StateGeneral, ActionEstablish},

		{StateGeneral, TypeNewNode}:          {StateNewNode, ActionBeginAdmission},
		{StateNewNode, TypeNewNodeConfirmed}: {StateNewNode, ActionAdmissionConfirmed},
		{StateNewNode, TypeNewNodeOver}:      {StateGeneral, ActionAdmit},

		{StateGeneral, TypeAuction}:     {StateAuction, ActionBid},
		{StateAuction, TypeAuction}:     {StateAuction, ActionBid},
		{StateAuction, TypeBid}:         {StateAuction, ActionRecordBid},
		{StateAuction, TypeAuctionOver}: {StateGeneral, ActionAuctionOver},
		{StateGeneral, TypeBid}:         {StateGeneral, ActionRecordBid},
		{StateGeneral, TypeAuctionOver}: {StateGeneral, ActionAuctionOver},

		{StateGeneral, TypeMessage}: {StateMessage, ActionApplyMessage},
		{StateAuction, TypeMessage}: {StateAuction, ActionApplyMessage},
		{StateNewNode, TypeMessage}: {StateNewNode, ActionApplyMessage},
	}
	for _, s := range []State{StateGeneral, StateNewNode, StateAuction} {
		for mt, action := range generalTraffic {
			t[key{s, mt}] = Transition{s, action}
		}
		t[key{s, TypeError}] = Transition{StateGeneral, ActionPeerError}
		t[key{s, TypeTimeout}] = Transition{StateGeneral, ActionPeerError}
	}
	t[key{StateStart, TypeError}] = Transition{StateClosed, ActionPeerError}
	t[key{StateStart, TypeTimeout}] = Transition{StateClosed, ActionPeerError}
	return t
}()

// Next returns the transition for an inbound frame of type t received in state from.
// Combinations outside the table, including TypeUnknown, keep the state and
// yield ActionReject. A closed connection stays closed.
func Next(from State, t MessageType) Transition {
	if from == StateClosed {
		return Transition{StateClosed, ActionNone}
	}
	if tr, ok := table[key{from, t}]; ok {
		return tr
	}
	return Transition{from, ActionReject}
}

// Applied returns the state after a MESSAGE payload has been stored.
func Applied(from State) State {
	if from == StateMessage {
		return StateGeneral
	}
	return from
}

// NextOutbound returns the state after this side sends a frame of type t.
func NextOutbound(from State, t MessageType) State {
	switch {
	case from == StateClosed:
		return StateClosed
	case t == TypeNewNode && from == StateGeneral:
		return StateNewNode
	case t == TypeAuction && from == StateGeneral:
		return StateAuction
	case t == TypeAuctionOver && from == StateAuction:
		return StateGeneral
	}
	return from
}
