package relaynode

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/rmacdonaldsmith/relaymesh/pkg/cache"
	"github.com/rmacdonaldsmith/relaymesh/pkg/message"
)

var (
	// ErrNotStarted is returned when a node that is not running is asked to accept work
	ErrNotStarted = errors.New("relay node is not started")
	// ErrQueueFull is returned when the intake queue cannot take another message
	ErrQueueFull = errors.New("relay node intake queue is full")
	// ErrMessageNotFound is returned by Lookup when no node knows the message
	ErrMessageNotFound = errors.New("message not found")
)

// RelayNode is one member of the relay cluster.
type RelayNode interface {
	io.Closer

	// Start binds the cluster listener, joins the cluster and starts the
	// intake and delivery loops.
	Start(ctx context.Context) error

	// Stop leaves the cluster and stops the loops. A stopped node can not be restarted.
	Stop(ctx context.Context) error

	// Submit queues a validated message for caching and auction.
	// It does not wait for the auction.
	Submit(ctx context.Context, msg *message.Message) error

	// Lookup finds a message in the local cache or on a peer.
	Lookup(ctx context.Context, id uuid.UUID) (*message.Message, error)

	// GetNodeID returns this node's cluster ID.
	GetNodeID() string

	// GetConnectedPeers returns the admitted cluster members.
	GetConnectedPeers(ctx context.Context) ([]PeerInfo, error)

	// CacheSnapshot returns the local cache contents.
	CacheSnapshot(ctx context.Context) (CacheSnapshot, error)

	// GetHealth returns the overall health status of this node.
	GetHealth(ctx context.Context) (HealthStatus, error)
}

// PeerInfo describes one admitted cluster member
type PeerInfo struct {
	ID         string    `json:"id"`
	Address    string    `json:"address"`
	AdmittedAt time.Time `json:"admittedAt"`
	Outbound   bool      `json:"outbound"`
	State      string    `json:"state"`
}

// MessageSummary describes one cached message without its contents
type MessageSummary struct {
	ID          uuid.UUID      `json:"id"`
	Size        int            `json:"size"`
	DeliveryURL string         `json:"deliveryUrl"`
	Status      message.Status `json:"status"`
	Location    string         `json:"location"`
}

// CacheSnapshot is the admin view of the local cache
type CacheSnapshot struct {
	Stats    cache.Stats      `json:"stats"`
	Messages []MessageSummary `json:"messages"`
}

// HealthStatus represents the overall health of a relay node
type HealthStatus struct {
	// Healthy indicates if the node is functioning properly
	Healthy bool `json:"healthy"`

	// CacheHealthy is false once the cache is at its load limit
	CacheHealthy bool `json:"cacheHealthy"`

	// ClusterHealthy indicates the coordinator is running
	ClusterHealthy bool `json:"clusterHealthy"`

	ConnectedPeers    int `json:"connectedPeers"`
	PendingIntake     int `json:"pendingIntake"`
	PendingDeliveries int `json:"pendingDeliveries"`
	CacheLoad         int `json:"cacheLoad"`
	LoadLimit         int `json:"loadLimit"`

	// Message provides additional health information
	Message string `json:"message,omitempty"`
}
