// Package cache provides interfaces for the tiered message cache.
//
// This package defines the core abstractions for the relay cache component:
//   - MessageCache: the shared store consulted by every peer connection handler
//   - OfflineStore: the persistent key-value layer that holds evicted messages
//   - Lister: optional OfflineStore capability used to recover after a restart
//
// Every tracked message ID lives in exactly one tier at a time:
//
//	online  - held in memory, counted against the load limit
//	offline - serialized in the OfflineStore
//
// When an insert pushes the online count over the load limit the cache
// migrates the least referenced online message offline, repeating until the
// limit holds again. The reference count of a message grows each time it is
// requested. Ties are broken by the smallest message ID.
//
// If nothing can be evicted the operation is rolled back and ErrCacheFull is
// returned to the caller.
//
// Example usage:
//
//	if err := c.Add(msg); err != nil {
//		if errors.Is(err, cache.ErrCacheFull) {
//			return err
//		}
//	}
//	got, err := c.Get(msg.ID)
package cache
