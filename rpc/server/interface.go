package server

import (
	"github.com/ValentinKolb/dRPC/rpc/wire"
)

// IHandler processes the requests of a service. Handle runs on a worker
// goroutine and returns the handler status. A handler may pack and send the
// reply itself; otherwise the service replies with the status and whatever
// the handler packed with PackReply.
type IHandler interface {
	Handle(req *Request) int32
}

// HandlerFunc adapts a function to IHandler
type HandlerFunc func(req *Request) int32

func (f HandlerFunc) Handle(req *Request) int32 { return f(req) }

// ILockReleaser releases lock handles that a difficult reply pinned. It is
// called once per saved lock when the reply retires.
type ILockReleaser interface {
	ReleaseLock(h wire.LockHandle, mode uint32)
}

// IReplyCache remembers the replies of completed requests per client, so
// that a resent or replayed duplicate gets the original answer instead of
// being executed twice.
type IReplyCache interface {
	// Begin registers xid of client as in progress. It returns the cached
	// reply if the request already completed, or inProgress if it is still
	// being handled.
	Begin(client string, xid uint64) (cached *CachedReply, inProgress bool, err error)

	// Complete stores the reply of xid and clears the in progress mark
	Complete(client string, xid uint64, reply *CachedReply) error

	// Abort clears the in progress mark without storing a reply
	Abort(client string, xid uint64)

	// Forget drops all entries of client
	Forget(client string) error

	// Len returns the number of cached replies
	Len() int

	Close() error
}

// CachedReply is the part of a reply needed to answer a duplicate
type CachedReply struct {
	Status   int32
	Transno  uint64
	Segments [][]byte
}
