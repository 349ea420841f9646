package client

import (
	"sync/atomic"
	"time"
)

// xid source shared by all clients of the process. Seeding from the wall
// clock keeps xids of a restarted client above the ones a server may still
// remember from the previous incarnation.
var lastXid atomic.Uint64

func init() {
	lastXid.Store(uint64(time.Now().UnixMicro()))
}

// NextXid returns a new transaction id. Ids are strictly increasing for the
// lifetime of the process.
func NextXid() uint64 {
	return lastXid.Add(1)
}

// SampleNextXid returns the id the next call to NextXid will most likely
// return, without consuming it.
func SampleNextXid() uint64 {
	return lastXid.Load() + 1
}
