package cache

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"

	cachepkg "github.com/rmacdonaldsmith/relaymesh/pkg/cache"
)

// DefaultEtcdPrefix is the key prefix used when none is configured.
const DefaultEtcdPrefix = "/relaymesh/messages/"

// EtcdStore is an OfflineStore that keeps serialized messages in etcd under a
// per-node key prefix.
type EtcdStore struct {
	kv     clientv3.KV
	prefix string
}

var (
	_ cachepkg.OfflineStore = (*EtcdStore)(nil)
	_ cachepkg.Lister       = (*EtcdStore)(nil)
)

// NewEtcdStore creates a store on kv. The prefix should be unique per node so
// that offline tiers of different nodes do not overlap.
func NewEtcdStore(kv clientv3.KV, prefix string) *EtcdStore {
	if prefix == "" {
		prefix = DefaultEtcdPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &EtcdStore{kv: kv, prefix: prefix}
}

// NodePrefix returns the offline store prefix of one node under base,
// falling back to DefaultEtcdPrefix when base is empty.
func NodePrefix(base, nodeID string) string {
	if base == "" {
		base = DefaultEtcdPrefix
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + nodeID + "/"
}

func (s *EtcdStore) key(id uuid.UUID) string {
	return s.prefix + id.String()
}

func (s *EtcdStore) Put(ctx context.Context, id uuid.UUID, data []byte) error {
	if _, err := s.kv.Put(ctx, s.key(id), string(data)); err != nil {
		return fmt.Errorf("etcd put: %w", err)
	}
	return nil
}

func (s *EtcdStore) Get(ctx context.Context, id uuid.UUID) ([]byte, error) {
	resp, err := s.kv.Get(ctx, s.key(id))
	if err != nil {
		return nil, fmt.Errorf("etcd get: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, cachepkg.ErrNotFound
	}
	return resp.Kvs[0].Value, nil
}

func (s *EtcdStore) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := s.kv.Delete(ctx, s.key(id)); err != nil {
		return fmt.Errorf("etcd delete: %w", err)
	}
	return nil
}

func (s *EtcdStore) List(ctx context.Context) ([]uuid.UUID, error) {
	resp, err := s.kv.Get(ctx, s.prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, fmt.Errorf("etcd list: %w", err)
	}
	ids := make([]uuid.UUID, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		id, err := uuid.Parse(strings.TrimPrefix(string(kv.Key), s.prefix))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Close does nothing; the etcd client is owned by the caller.
func (s *EtcdStore) Close() error { return nil }
