package httpapi

import (
	"time"

	"github.com/rmacdonaldsmith/relaymesh/pkg/relaynode"
)

// Request/Response types for the HTTP API

// AuthRequest represents a login request
type AuthRequest struct {
	ClientID string `json:"clientId"`
}

// AuthResponse represents a login response
type AuthResponse struct {
	Token     string    `json:"token"`
	ClientID  string    `json:"clientId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SubmitRequest asks the cluster to relay Contents to DeliveryURL.
// Contents is base64 in JSON.
type SubmitRequest struct {
	Contents    []byte `json:"contents"`
	DeliveryURL string `json:"deliveryUrl"`
	StatusURL   string `json:"statusUrl,omitempty"`
}

// SubmitResponse is returned once a message is queued
type SubmitResponse struct {
	ID         string    `json:"id"`
	AcceptedBy string    `json:"acceptedBy"`
	AcceptedAt time.Time `json:"acceptedAt"`
}

// MessageResponse describes one message as known by the cluster
type MessageResponse struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	DeliveryURL string `json:"deliveryUrl,omitempty"`
	StatusURL   string `json:"statusUrl,omitempty"`
	Size        int    `json:"size"`
	Contents    []byte `json:"contents,omitempty"`
}

// NodesResponse lists this node and its admitted peers
type NodesResponse struct {
	NodeID string               `json:"nodeId"`
	Peers  []relaynode.PeerInfo `json:"peers"`
}

// HealthResponse represents health check response
type HealthResponse struct {
	NodeID string `json:"nodeId"`
	relaynode.HealthStatus
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}
