package protocol

import "fmt"

// MessageType identifies the kind of a frame by its textual tag.
type MessageType int

const (
	TypeUnknown MessageType = iota
	TypeStart
	TypeNewNode
	TypeNewNodeConfirmed
	TypeNewNodeOver
	TypeAuction
	TypeAuctionOver
	TypeBid
	TypeMessage
	TypeNewMessage
	TypeMessageDelivered
	TypeMessageNotFound
	TypeGetMessage
	TypeHeartBeat
	TypeDeadNode
	TypeError
	TypeTimeout
)

var typeTags = map[MessageType]string{
	TypeStart:            "START",
	TypeNewNode:          "NEW NODE",
	TypeNewNodeConfirmed: "NEW NODE CONFIRMED",
	TypeNewNodeOver:      "NEW NODE OVER",
	TypeAuction:          "AUCTION",
	TypeAuctionOver:      "AUCTION OVER",
	TypeBid:              "BID",
	TypeMessage:          "MESSAGE",
	TypeNewMessage:       "MESSAGE CREATED",
	TypeMessageDelivered: "MESSAGE DELIVERED",
	TypeMessageNotFound:  "MESSAGE NOT FOUND",
	TypeGetMessage:       "GET MESSAGE",
	TypeHeartBeat:        "HEART BEAT",
	TypeDeadNode:         "DEAD NODE",
	TypeError:            "ERROR",
	TypeTimeout:          "TIMEOUT",
}

var tagTypes = func() map[string]MessageType {
	m := make(map[string]MessageType, len(typeTags))
	for t, tag := range typeTags {
		m[tag] = t
	}
	return m
}()

// String returns the wire tag.
func (t MessageType) String() string {
	if tag, ok := typeTags[t]; ok {
		return tag
	}
	return "UNKNOWN"
}

// ParseType maps a wire tag to its MessageType. Unrecognized tags yield TypeUnknown.
func ParseType(tag string) MessageType {
	if t, ok := tagTypes[tag]; ok {
		return t
	}
	return TypeUnknown
}

// Types returns every known message type.
func Types() []MessageType {
	out := make([]MessageType, 0, len(typeTags))
	for t := TypeStart; t <= TypeTimeout; t++ {
		out = append(out, t)
	}
	return out
}

// State is the protocol state of one peer connection.
type State int

const (
	StateStart State = iota
	StateGeneral
	StateNewNode
	StateMessage
	StateAuction
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "START"
	case StateGeneral:
		return "GENERAL"
	case StateNewNode:
		return "NEW_NODE"
	case StateMessage:
		return "MESSAGE"
	case StateAuction:
		return "AUCTION"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}
