package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/relaymesh/internal/telemetry"
)

// DefaultEtcdPrefix is where nodes register when no prefix is configured.
const DefaultEtcdPrefix = "/relaymesh/nodes/"

// NewEtcdClient connects to the given etcd endpoints.
func NewEtcdClient(endpoints []string, dialTimeout time.Duration) (*clientv3.Client, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("at least one etcd endpoint is required")
	}
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
}

// EtcdDiscovery finds peers registered under a key prefix, one key per node
// holding its cluster address. Registrations are bound to a lease so that
// crashed nodes disappear after the TTL.
type EtcdDiscovery struct {
	kv     clientv3.KV
	lease  clientv3.Lease
	prefix string
	ttl    int64
	logger *zap.Logger
}

var (
	_ Discovery = (*EtcdDiscovery)(nil)
	_ Registrar = (*EtcdDiscovery)(nil)
)

// NewEtcdDiscovery creates a discovery backend. A *clientv3.Client satisfies
// both kv and lease.
func NewEtcdDiscovery(kv clientv3.KV, lease clientv3.Lease, prefix string, ttlSeconds int64, logger *zap.Logger) *EtcdDiscovery {
	if prefix == "" {
		prefix = DefaultEtcdPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	if ttlSeconds <= 0 {
		ttlSeconds = 10
	}
	return &EtcdDiscovery{
		kv:     kv,
		lease:  lease,
		prefix: prefix,
		ttl:    ttlSeconds,
		logger: telemetry.OrNop(logger).Named("discovery"),
	}
}

// FindPeers lists every registered node.
func (d *EtcdDiscovery) FindPeers(ctx context.Context) ([]Peer, error) {
	resp, err := d.kv.Get(ctx, d.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("etcd list peers: %w", err)
	}
	peers := make([]Peer, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		peers = append(peers, Peer{
			ID:      strings.TrimPrefix(string(kv.Key), d.prefix),
			Address: string(kv.Value),
		})
	}
	return peers, nil
}

// Register writes self under the prefix with a lease and keeps the lease alive.
func (d *EtcdDiscovery) Register(ctx context.Context, self Peer) (func() error, error) {
	if self.ID == "" || self.Address == "" {
		return nil, errors.New("registration needs both ID and address")
	}

	grant, err := d.lease.Grant(ctx, d.ttl)
	if err != nil {
		return nil, fmt.Errorf("etcd grant lease: %w", err)
	}
	key := d.prefix + self.ID
	if _, err := d.kv.Put(ctx, key, self.Address, clientv3.WithLease(grant.ID)); err != nil {
		return nil, fmt.Errorf("etcd register %s: %w", key, err)
	}

	keepCtx, cancel := context.WithCancel(context.Background())
	ch, err := d.lease.KeepAlive(keepCtx, grant.ID)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("etcd keepalive: %w", err)
	}
	go func() {
		for range ch {
		}
		d.logger.Debug("lease keepalive stopped", zap.String("key", key))
	}()
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-keepCtx.Done():
		}
	}()

	d.logger.Info("registered node", zap.String("key", key), zap.String("address", self.Address))
	return func() error {
		cancel()
		revokeCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if _, err := d.lease.Revoke(revokeCtx, grant.ID); err != nil {
			return fmt.Errorf("etcd revoke: %w", err)
		}
		return nil
	}, nil
}
