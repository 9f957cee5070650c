package cache

import (
	"context"
	"io"

	"github.com/google/uuid"

	"github.com/rmacdonaldsmith/relaymesh/pkg/message"
)

// MessageCache is the tiered in-memory/offline store keyed by message ID.
// All mutating operations are atomic with respect to the tier of each ID and
// the online load counter.
type MessageCache interface {
	io.Closer

	// Add inserts a locally created message as online, evicting others if needed.
	Add(msg *message.Message) error

	// PutMessage upserts a message received from a peer.
	PutMessage(msg *message.Message) error

	// Get returns a copy of the message and counts the request.
	// Offline messages are read through without changing tier.
	Get(id uuid.UUID) (*message.Message, error)

	// Contains reports whether the ID is tracked in either tier.
	Contains(id uuid.UUID) bool

	// IsOnline reports whether the ID is held in memory.
	IsOnline(id uuid.UUID) bool

	// Remove deletes the message from whichever tier holds it.
	Remove(id uuid.UUID) error

	// MigrateInCoreMessageToOffline moves an online message to the offline store.
	MigrateInCoreMessageToOffline(id uuid.UUID) error

	// MigrateMessageToOnline loads an offline message back into memory.
	MigrateMessageToOnline(id uuid.UUID) error

	// MigrateLeastReferencedMessage evicts one online message and returns its ID.
	MigrateLeastReferencedMessage() (uuid.UUID, error)

	// ReadOfflineMessage loads an offline message without changing its tier
	// or its reference count.
	ReadOfflineMessage(id uuid.UUID) (*message.Message, error)

	// Empty reports whether no IDs are tracked.
	Empty() bool

	// CurrentLoad returns the number of online messages.
	CurrentLoad() int

	// Stats returns a point-in-time summary of the cache.
	Stats() Stats
}

// OfflineStore is the persistent layer behind the offline tier.
type OfflineStore interface {
	io.Closer

	// Put stores the serialized message under its ID, replacing any previous value.
	Put(ctx context.Context, id uuid.UUID, data []byte) error

	// Get returns the serialized message or ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) ([]byte, error)

	// Delete removes the ID. Deleting a missing ID is not an error.
	Delete(ctx context.Context, id uuid.UUID) error
}

// Lister is implemented by offline stores that can enumerate their contents.
type Lister interface {
	List(ctx context.Context) ([]uuid.UUID, error)
}

// Stats summarizes the cache contents
type Stats struct {
	Online    int    `json:"online"`
	Offline   int    `json:"offline"`
	LoadLimit int    `json:"loadLimit"`
	Evictions uint64 `json:"evictions"`
}
