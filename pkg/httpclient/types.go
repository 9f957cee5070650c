package httpclient

import (
	"fmt"
	"time"

	"github.com/rmacdonaldsmith/relaymesh/pkg/relaynode"
)

// Config holds client configuration
type Config struct {
	// ServerURL is the base URL of a relay node HTTP API (e.g., "http://localhost:8080")
	ServerURL string

	// ClientID is the identifier for this client
	ClientID string

	// Timeout for HTTP requests
	Timeout time.Duration

	// MaxRetries bounds retries of requests answered 503
	MaxRetries int

	// RetryBackoff is the wait between those retries
	RetryBackoff time.Duration
}

// SetDefaults sets reasonable default values for the config
func (c *Config) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
}

// AuthResponse represents the response from authentication
type AuthResponse struct {
	Token     string    `json:"token"`
	ClientID  string    `json:"clientId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SubmitRequest is a message to relay
type SubmitRequest struct {
	Contents    []byte `json:"contents"`
	DeliveryURL string `json:"deliveryUrl"`
	StatusURL   string `json:"statusUrl,omitempty"`
}

// SubmitResponse is returned once the node queued the message
type SubmitResponse struct {
	ID         string    `json:"id"`
	AcceptedBy string    `json:"acceptedBy"`
	AcceptedAt time.Time `json:"acceptedAt"`
}

// MessageResponse describes a message as known by the cluster
type MessageResponse struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	DeliveryURL string `json:"deliveryUrl,omitempty"`
	StatusURL   string `json:"statusUrl,omitempty"`
	Size        int    `json:"size"`
	Contents    []byte `json:"contents,omitempty"`
}

// NodesResponse lists a node and its admitted peers
type NodesResponse struct {
	NodeID string               `json:"nodeId"`
	Peers  []relaynode.PeerInfo `json:"peers"`
}

// HealthResponse represents health check response
type HealthResponse struct {
	NodeID string `json:"nodeId"`
	relaynode.HealthStatus
}

// ErrorResponse represents an error response from the API
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// APIError is returned for any response with a status of 400 or above
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}
