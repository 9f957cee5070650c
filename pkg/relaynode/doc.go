// Package relaynode provides interfaces for the relay node orchestrator.
//
// A relay node accepts messages from clients, caches them, and takes part in
// the cluster auction that decides which single node delivers each message:
//   - RelayNode: the orchestrator contract used by the HTTP ingress
//   - PeerInfo: read-only view of one cluster member
//   - CacheSnapshot: admin view of the local message cache
//   - HealthStatus: health reporting
//
// Control flow for one message:
//  1. A client submits a message to any node (Submit returns immediately)
//  2. The node caches it and announces it to every peer (MESSAGE CREATED)
//  3. The node auctions it; every peer bids its current cache load
//  4. The least loaded node wins and receives the payload
//  5. The winner delivers it over HTTP and tells the cluster (MESSAGE DELIVERED)
//
// Example usage:
//
//	node, err := relaynode.NewNode(config, logger)
//	if err != nil {
//		return err
//	}
//	if err := node.Start(ctx); err != nil {
//		return err
//	}
//	defer node.Close()
//
//	msg := message.New(payload, "https://example.com/hook", "")
//	if err := node.Submit(ctx, msg); err != nil {
//		return err
//	}
package relaynode
