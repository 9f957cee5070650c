package cache

import (
	"context"
	"sync"

	"github.com/google/uuid"

	cachepkg "github.com/rmacdonaldsmith/relaymesh/pkg/cache"
)

// MemStore is an OfflineStore that keeps serialized messages in a map.
// It does not survive a restart and is meant for tests and single-process demos.
type MemStore struct {
	mu   sync.RWMutex
	data map[uuid.UUID][]byte
}

var (
	_ cachepkg.OfflineStore = (*MemStore)(nil)
	_ cachepkg.Lister       = (*MemStore)(nil)
)

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[uuid.UUID][]byte)}
}

func (s *MemStore) Put(ctx context.Context, id uuid.UUID, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[id] = append([]byte(nil), data...)
	return nil
}

func (s *MemStore) Get(ctx context.Context, id uuid.UUID) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[id]
	if !ok {
		return nil, cachepkg.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (s *MemStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, id)
	return nil
}

func (s *MemStore) List(ctx context.Context) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(s.data))
	for id := range s.data {
		ids = append(ids, id)
	}
	return ids, nil
}

// Len returns the number of stored messages.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

func (s *MemStore) Close() error { return nil }
