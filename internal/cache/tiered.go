package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/relaymesh/internal/telemetry"
	cachepkg "github.com/rmacdonaldsmith/relaymesh/pkg/cache"
	"github.com/rmacdonaldsmith/relaymesh/pkg/message"
)

// entry is the bookkeeping for one tracked ID. msg is nil while offline.
type entry struct {
	msg      *message.Message
	location cachepkg.Location
	refs     uint64
}

// TieredCache implements cachepkg.MessageCache with an in-memory tier and an
// OfflineStore. A single mutex guards the entry map and the online counter, so
// callers never see the counter diverge from the number of online entries.
// Offline store calls are made while holding that mutex.
type TieredCache struct {
	mu        sync.Mutex
	config    Config
	store     cachepkg.OfflineStore
	entries   map[uuid.UUID]*entry
	online    int
	evictions uint64
	closed    bool

	logger  *zap.Logger
	metrics *telemetry.Metrics
}

var _ cachepkg.MessageCache = (*TieredCache)(nil)

// NewTieredCache creates a cache backed by store.
func NewTieredCache(config Config, store cachepkg.OfflineStore, logger *zap.Logger, metrics *telemetry.Metrics) (*TieredCache, error) {
	if store == nil {
		return nil, errors.New("offline store cannot be nil")
	}
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cache config: %w", err)
	}
	return &TieredCache{
		config:  config,
		store:   store,
		entries: make(map[uuid.UUID]*entry),
		logger:  telemetry.OrNop(logger).Named("cache"),
		metrics: metrics,
	}, nil
}

// Add inserts msg as online with a reference count of zero.
func (c *TieredCache) Add(msg *message.Message) error {
	return c.insert(msg, "add")
}

// PutMessage upserts msg. It is used for payloads that arrive from peers.
func (c *TieredCache) PutMessage(msg *message.Message) error {
	return c.insert(msg, "put")
}

func (c *TieredCache) insert(msg *message.Message, op string) error {
	if msg == nil {
		return cachepkg.ErrNilMessage
	}
	if msg.ID == uuid.Nil {
		return message.ErrNilID
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return cachepkg.ErrClosed
	}

	prev, exists := c.entries[msg.ID]
	var saved entry
	if exists {
		saved = *prev
		same, err := c.sameContents(prev, msg)
		if err != nil {
			return err
		}
		if !same {
			if c.config.DuplicatePolicy == cachepkg.DuplicateReject {
				return fmt.Errorf("%w: %s", cachepkg.ErrDuplicate, msg.ID)
			}
			c.logger.Info("overwriting cached message",
				zap.String("op", op),
				zap.Stringer("message", msg.ID),
				zap.Stringer("location", prev.location))
		}
		if prev.location == cachepkg.Offline {
			c.online++
		}
		prev.msg = msg.Clone()
		prev.location = cachepkg.Online
	} else {
		c.entries[msg.ID] = &entry{msg: msg.Clone(), location: cachepkg.Online}
		c.online++
	}

	if err := c.rebalance(msg.ID); err != nil {
		if exists {
			*c.entries[msg.ID] = saved
			if saved.location == cachepkg.Offline {
				c.online--
			}
		} else {
			delete(c.entries, msg.ID)
			c.online--
		}
		c.recordLoad()
		return err
	}

	if exists && saved.location == cachepkg.Offline {
		c.deleteOffline(msg.ID)
	}
	c.recordLoad()
	return nil
}

// sameContents compares an existing entry with an incoming message.
func (c *TieredCache) sameContents(e *entry, msg *message.Message) (bool, error) {
	if e.location == cachepkg.Online {
		return sameMessage(e.msg, msg), nil
	}
	stored, err := c.readOffline(msg.ID)
	if err != nil {
		return false, err
	}
	return sameMessage(stored, msg), nil
}

func sameMessage(a, b *message.Message) bool {
	return bytes.Equal(a.Contents, b.Contents) && a.DeliveryURL == b.DeliveryURL && a.StatusURL == b.StatusURL
}

// Get returns a copy of the message and increments its reference count.
// Offline messages are read through the store and stay offline.
func (c *TieredCache) Get(id uuid.UUID) (*message.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return nil, cachepkg.ErrNotFound
	}
	if e.location == cachepkg.Online {
		e.refs++
		return e.msg.Clone(), nil
	}

	msg, err := c.readOffline(id)
	if err != nil {
		return nil, err
	}
	e.refs++
	return msg, nil
}

// Contains reports whether id is tracked in either tier.
func (c *TieredCache) Contains(id uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[id]
	return ok
}

// IsOnline reports whether id is held in memory.
func (c *TieredCache) IsOnline(id uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	return ok && e.location == cachepkg.Online
}

// Location returns the tier holding id.
func (c *TieredCache) Location(id uuid.UUID) cachepkg.Location {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok {
		return e.location
	}
	return cachepkg.Absent
}

// Remove deletes id from whichever tier holds it.
func (c *TieredCache) Remove(id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return cachepkg.ErrNotFound
	}
	if e.location == cachepkg.Offline {
		ctx, cancel := c.storeContext()
		defer cancel()
		if err := c.store.Delete(ctx, id); err != nil {
			return fmt.Errorf("failed to delete offline message %s: %w", id, err)
		}
	} else {
		c.online--
	}
	delete(c.entries, id)
	c.recordLoad()
	return nil
}

// MigrateInCoreMessageToOffline writes an online message to the store and frees its slot.
func (c *TieredCache) MigrateInCoreMessageToOffline(id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok || e.location != cachepkg.Online {
		return fmt.Errorf("%w: %s", cachepkg.ErrNotOnline, id)
	}
	if err := c.migrateOffline(id, e); err != nil {
		return err
	}
	c.recordLoad()
	return nil
}

// MigrateMessageToOnline loads an offline message into memory, evicting other
// messages if the load limit is exceeded. On ErrCacheFull the message stays offline.
func (c *TieredCache) MigrateMessageToOnline(id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok || e.location != cachepkg.Offline {
		return fmt.Errorf("%w: %s", cachepkg.ErrNotOffline, id)
	}
	msg, err := c.readOffline(id)
	if err != nil {
		return err
	}

	e.msg = msg
	e.location = cachepkg.Online
	c.online++
	if err := c.rebalance(id); err != nil {
		e.msg = nil
		e.location = cachepkg.Offline
		c.online--
		c.recordLoad()
		return err
	}

	c.deleteOffline(id)
	c.recordLoad()
	return nil
}

// MigrateLeastReferencedMessage evicts the online message with the lowest
// reference count, breaking ties by the smallest ID.
func (c *TieredCache) MigrateLeastReferencedMessage() (uuid.UUID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id, ok := c.leastReferenced(uuid.Nil)
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: no online messages", cachepkg.ErrNotFound)
	}
	if err := c.migrateOffline(id, c.entries[id]); err != nil {
		return uuid.Nil, err
	}
	c.evictions++
	c.metrics.IncEvictions()
	c.recordLoad()
	return id, nil
}

// ReadOfflineMessage loads an offline message without touching its tier or reference count.
func (c *TieredCache) ReadOfflineMessage(id uuid.UUID) (*message.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok || e.location != cachepkg.Offline {
		return nil, fmt.Errorf("%w: %s", cachepkg.ErrNotOffline, id)
	}
	return c.readOffline(id)
}

// Empty reports whether no IDs are tracked.
func (c *TieredCache) Empty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries) == 0
}

// CurrentLoad returns the number of online messages.
func (c *TieredCache) CurrentLoad() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// Stats returns a point-in-time summary of the cache.
func (c *TieredCache) Stats() cachepkg.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cachepkg.Stats{
		Online:    c.online,
		Offline:   len(c.entries) - c.online,
		LoadLimit: c.config.LoadLimit,
		Evictions: c.evictions,
	}
}

// IDs returns every tracked ID in ascending order.
func (c *TieredCache) IDs() []uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]uuid.UUID, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, compareIDs)
	return ids
}

// Messages returns a copy of every cached message, reading offline ones from
// the store. Reference counts are not changed.
func (c *TieredCache) Messages() ([]*message.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*message.Message, 0, len(c.entries))
	for id, e := range c.entries {
		if e.location == cachepkg.Online {
			out = append(out, e.msg.Clone())
			continue
		}
		msg, err := c.readOffline(id)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	slices.SortFunc(out, func(a, b *message.Message) int { return compareIDs(a.ID, b.ID) })
	return out, nil
}

// Recover indexes messages left in a listable offline store by a previous run.
// They are tracked as offline with a reference count of zero.
func (c *TieredCache) Recover(ctx context.Context) (int, error) {
	lister, ok := c.store.(cachepkg.Lister)
	if !ok {
		return 0, nil
	}
	ids, err := lister.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list offline store: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	recovered := 0
	for _, id := range ids {
		if _, tracked := c.entries[id]; tracked {
			continue
		}
		c.entries[id] = &entry{location: cachepkg.Offline}
		recovered++
	}
	if recovered > 0 {
		c.logger.Info("recovered offline messages", zap.Int("count", recovered))
	}
	c.recordLoad()
	return recovered, nil
}

// Close closes the offline store. Further mutations fail with ErrClosed.
func (c *TieredCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.store.Close()
}

// rebalance evicts online messages other than pinned until the load limit holds.
// Must be called with c.mu held.
func (c *TieredCache) rebalance(pinned uuid.UUID) error {
	for c.online > c.config.LoadLimit {
		victim, ok := c.leastReferenced(pinned)
		if !ok {
			return fmt.Errorf("%w: load %d, limit %d", cachepkg.ErrCacheFull, c.online, c.config.LoadLimit)
		}
		if err := c.migrateOffline(victim, c.entries[victim]); err != nil {
			return err
		}
		c.evictions++
		c.metrics.IncEvictions()
		c.logger.Debug("evicted message",
			zap.Stringer("message", victim),
			zap.Uint64("refs", c.entries[victim].refs))
	}
	return nil
}

// leastReferenced picks the eviction victim among online entries, skipping pinned.
func (c *TieredCache) leastReferenced(pinned uuid.UUID) (uuid.UUID, bool) {
	var (
		best  uuid.UUID
		refs  uint64
		found bool
	)
	for id, e := range c.entries {
		if e.location != cachepkg.Online || id == pinned {
			continue
		}
		if !found || e.refs < refs || (e.refs == refs && compareIDs(id, best) < 0) {
			best, refs, found = id, e.refs, true
		}
	}
	return best, found
}

func (c *TieredCache) migrateOffline(id uuid.UUID, e *entry) error {
	data, err := e.msg.Marshal()
	if err != nil {
		return err
	}
	ctx, cancel := c.storeContext()
	defer cancel()
	if err := c.store.Put(ctx, id, data); err != nil {
		return fmt.Errorf("failed to write offline message %s: %w", id, err)
	}
	e.msg = nil
	e.location = cachepkg.Offline
	c.online--
	return nil
}

func (c *TieredCache) readOffline(id uuid.UUID) (*message.Message, error) {
	ctx, cancel := c.storeContext()
	defer cancel()
	data, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to read offline message %s: %w", id, err)
	}
	return message.Unmarshal(data)
}

// deleteOffline drops a stale offline copy after the entry moved online.
func (c *TieredCache) deleteOffline(id uuid.UUID) {
	ctx, cancel := c.storeContext()
	defer cancel()
	if err := c.store.Delete(ctx, id); err != nil {
		c.logger.Warn("failed to delete stale offline copy", zap.Stringer("message", id), zap.Error(err))
	}
}

func (c *TieredCache) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.config.StoreTimeout)
}

func (c *TieredCache) recordLoad() {
	c.metrics.SetCacheLoad(c.online, len(c.entries)-c.online)
}

func compareIDs(a, b uuid.UUID) int {
	return bytes.Compare(a[:], b[:])
}
