package protocol

import (
	"github.com/google/uuid"

	"github.com/rmacdonaldsmith/relaymesh/pkg/message"
)

// Hello is carried by START and identifies the sender.
type Hello struct {
	NodeID  string `json:"nodeId"`
	Address string `json:"address"`
}

// PeerInfo names one cluster member.
type PeerInfo struct {
	NodeID  string `json:"nodeId"`
	Address string `json:"address"`
}

// Admission is carried by NEW NODE, NEW NODE CONFIRMED and NEW NODE OVER.
// Peers is only set on NEW NODE CONFIRMED.
type Admission struct {
	NodeID  string     `json:"nodeId"`
	Address string     `json:"address"`
	Peers   []PeerInfo `json:"peers,omitempty"`
}

// AuctionAnnounce opens a bidding round for one message.
type AuctionAnnounce struct {
	MessageID  uuid.UUID `json:"messageId"`
	Auctioneer string    `json:"auctioneer"`
}

// BidValue is one node's offer in an auction.
type BidValue struct {
	NodeID    string    `json:"nodeId"`
	MessageID uuid.UUID `json:"messageId"`
	Load      int       `json:"load"`
	Random    uint64    `json:"random"`
}

// AuctionResult announces the winner of a round.
type AuctionResult struct {
	MessageID uuid.UUID `json:"messageId"`
	Winner    string    `json:"winner"`
}

// MessageRef names a message in GET MESSAGE, MESSAGE NOT FOUND and MESSAGE DELIVERED.
type MessageRef struct {
	MessageID uuid.UUID      `json:"messageId"`
	Status    message.Status `json:"status,omitempty"`
}

// DeadNodeReport tells a peer that NodeID was removed by Reporter.
type DeadNodeReport struct {
	NodeID   string `json:"nodeId"`
	Reporter string `json:"reporter"`
}

// ErrorReport explains why a frame was rejected.
type ErrorReport struct {
	Reason string `json:"reason"`
}
