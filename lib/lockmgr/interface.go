package lockmgr

import (
	"context"

	"github.com/ValentinKolb/dRPC/rpc/wire"
)

// ILockManager defines the interface for an extent lock table.
type ILockManager interface {
	// Enqueue grants a lock on the extent [start, end] of resource for owner.
	// With NoWait set it fails with ErrConflict instead of waiting for
	// conflicting locks to go away.
	Enqueue(ctx context.Context, req Request) (wire.LockHandle, error)

	// AddRef pins a granted lock so that Cancel cannot drop it until the
	// matching ReleaseLock.
	AddRef(h wire.LockHandle, mode Mode) error

	// ReleaseLock drops a reference taken by AddRef.
	ReleaseLock(h wire.LockHandle, mode uint32)

	// Cancel removes a lock. If the lock is still referenced it is dropped
	// once the last reference goes away.
	Cancel(h wire.LockHandle) error

	// CancelOwner cancels every lock held by owner and returns their number.
	CancelOwner(owner string) int

	// Lookup returns a snapshot of a lock.
	Lookup(h wire.LockHandle) (Info, bool)

	// Len returns the number of locks in the table.
	Len() int
}
