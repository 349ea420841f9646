// Package lockmgr implements an in-memory extent lock table for the demo
// object service. Clients enqueue locks on byte ranges of a named resource
// and get back an opaque lock handle, which the server hands to the RPC
// layer when it saves the lock in a difficult reply.
//
// Core Functionality:
//   - Shared (PR) and exclusive (PW) locks on inclusive extents
//   - Blocking enqueue with context cancellation, or NoWait failing with ErrConflict
//   - Reference counting, so a lock pinned by an unacknowledged reply
//     survives a cancel until the reply retires
//
// Implementation Approach:
//
//	Resources are spread over a fixed number of shards by hashing their
//	name. Each shard has a mutex and a broadcast channel that is closed and
//	replaced whenever a lock goes away; blocked enqueues wait on it and
//	re-check for conflicts. Handles are random cookies kept in an xsync map,
//	so lookups by handle do not take a shard lock.
//
//	Locks of the same owner never conflict with each other.
//
// Usage Example:
//
//	locks := lockmgr.NewLockManager()
//	h, err := locks.Enqueue(ctx, lockmgr.Request{
//	    Owner: clientUUID, Resource: "obj-7", Mode: lockmgr.ModePW,
//	    Start: 0, End: lockmgr.EOF,
//	})
//	if err != nil {
//	    // Handle error
//	}
//
//	// pin the lock until the client acknowledges the reply
//	_ = locks.AddRef(h, lockmgr.ModePW)
//	_ = req.SaveLock(h, uint32(lockmgr.ModePW))
//	svc.SetLockReleaser(locks)
//
// Thread Safety:
//
//	All methods are safe for concurrent use.
package lockmgr
