package conn

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dRPC/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("rpc/conn")

// Connection is a reference counted handle for a (peer, uuid) pair. Imports
// and exports hold one reference each.
type Connection struct {
	peer    atomic.Pointer[transport.ProcessID]
	uuid    string
	key     atomic.Pointer[string]
	refs    atomic.Int32
	created time.Time
}

// Peer returns the current network address of the connection
func (c *Connection) Peer() transport.ProcessID {
	return *c.peer.Load()
}

// UUID returns the identity of the remote side
func (c *Connection) UUID() string {
	return c.uuid
}

// Refs returns the current reference count
func (c *Connection) Refs() int32 {
	return c.refs.Load()
}

func (c *Connection) String() string {
	return fmt.Sprintf("%s@%s refs %d", c.uuid, c.Peer().NID, c.refs.Load())
}

// Registry maps (peer, uuid) pairs to connections
type Registry struct {
	conns *xsync.MapOf[string, *Connection]
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{conns: xsync.NewMapOf[string, *Connection]()}
}

func connKey(peer transport.ProcessID, uuid string) string {
	return peer.String() + "/" + uuid
}

// Get returns the connection for (peer, uuid) with one reference taken,
// creating it on first use.
func (r *Registry) Get(peer transport.ProcessID, uuid string) *Connection {
	key := connKey(peer, uuid)
	c, _ := r.conns.Compute(key, func(old *Connection, loaded bool) (*Connection, bool) {
		if loaded {
			old.refs.Add(1)
			return old, false
		}
		c := &Connection{uuid: uuid, created: time.Now()}
		c.peer.Store(&peer)
		c.key.Store(&key)
		c.refs.Store(1)
		Logger.Debugf("New connection %s", key)
		return c, false
	})
	return c
}

// AddRef takes another reference on c
func (r *Registry) AddRef(c *Connection) *Connection {
	if c.refs.Add(1) <= 1 {
		panic(fmt.Sprintf("AddRef on released connection %s", c))
	}
	return c
}

// Put drops one reference. The connection is removed from the registry when
// the last reference is gone; Put reports whether that happened.
func (r *Registry) Put(c *Connection) bool {
	if c.refs.Load() <= 0 {
		panic(fmt.Sprintf("connection %s released too often", c))
	}
	removed := false
	r.conns.Compute(*c.key.Load(), func(old *Connection, loaded bool) (*Connection, bool) {
		refs := c.refs.Add(-1)
		if !loaded || old != c {
			// not (or no longer) in the registry
			return old, !loaded
		}
		if refs == 0 {
			removed = true
			return nil, true
		}
		return old, false
	})
	if removed {
		Logger.Debugf("Connection %s released", *c.key.Load())
	}
	return removed
}

// Readdress moves c to a new network address of the same peer, e.g. after
// the server failed over to another interface.
func (r *Registry) Readdress(c *Connection, peer transport.ProcessID) {
	oldKey := *c.key.Load()
	newKey := connKey(peer, c.uuid)
	if oldKey == newKey {
		return
	}
	r.conns.Compute(oldKey, func(old *Connection, loaded bool) (*Connection, bool) {
		return old, !loaded || old == c
	})
	c.peer.Store(&peer)
	c.key.Store(&newKey)
	r.conns.Compute(newKey, func(old *Connection, loaded bool) (*Connection, bool) {
		if loaded && old != c {
			Logger.Warningf("Readdress of %s replaces connection %s", oldKey, old)
		}
		return c, false
	})
	Logger.Infof("Connection %s moved to %s", oldKey, peer.NID)
}

// Len returns the number of registered connections
func (r *Registry) Len() int {
	return r.conns.Size()
}

// Dump returns one line per connection, sorted, for diagnostics
func (r *Registry) Dump() []string {
	var lines []string
	r.conns.Range(func(key string, c *Connection) bool {
		lines = append(lines, fmt.Sprintf("%s refs %d age %s", key, c.refs.Load(), time.Since(c.created).Truncate(time.Second)))
		return true
	})
	sort.Strings(lines)
	return lines
}
