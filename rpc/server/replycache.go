package server

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/ValentinKolb/dRPC/lib/util"
)

// cacheEntry is a reply cache slot. A nil reply marks a request in progress.
type cacheEntry struct {
	id    uint64
	reply *CachedReply
}

// MemoryReplyCache keeps replies in memory. Completed entries expire after
// the TTL; in progress entries never expire.
type MemoryReplyCache struct {
	ttl     time.Duration
	entries *xsync.MapOf[string, *cacheEntry]

	mu     sync.Mutex
	expiry *util.DeadlineHeap
	keys   map[uint64]string
	nextID uint64
}

// NewMemoryReplyCache creates a memory reply cache
func NewMemoryReplyCache(ttl time.Duration) *MemoryReplyCache {
	return &MemoryReplyCache{
		ttl:     ttl,
		entries: xsync.NewMapOf[string, *cacheEntry](),
		expiry:  util.NewDeadlineHeap(),
		keys:    make(map[uint64]string),
	}
}

func cacheKey(client string, xid uint64) string {
	return client + "/" + strconv.FormatUint(xid, 16)
}

// Begin implements IReplyCache
func (c *MemoryReplyCache) Begin(client string, xid uint64) (*CachedReply, bool, error) {
	c.expire(time.Now())
	e, loaded := c.entries.LoadOrCompute(cacheKey(client, xid), func() *cacheEntry {
		return &cacheEntry{}
	})
	if !loaded {
		return nil, false, nil
	}
	if e.reply == nil {
		return nil, true, nil
	}
	return e.reply, false, nil
}

// Complete implements IReplyCache
func (c *MemoryReplyCache) Complete(client string, xid uint64, reply *CachedReply) error {
	key := cacheKey(client, xid)
	segs := make([][]byte, len(reply.Segments))
	for i, s := range reply.Segments {
		segs[i] = append([]byte(nil), s...)
	}

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.keys[id] = key
	c.expiry.Schedule(id, time.Now().Add(c.ttl))
	c.mu.Unlock()

	c.entries.Store(key, &cacheEntry{
		id:    id,
		reply: &CachedReply{Status: reply.Status, Transno: reply.Transno, Segments: segs},
	})
	return nil
}

// Abort implements IReplyCache
func (c *MemoryReplyCache) Abort(client string, xid uint64) {
	c.entries.Compute(cacheKey(client, xid), func(old *cacheEntry, loaded bool) (*cacheEntry, bool) {
		return old, !loaded || old.reply == nil
	})
}

// Forget implements IReplyCache
func (c *MemoryReplyCache) Forget(client string) error {
	prefix := client + "/"
	var ids []uint64
	c.entries.Range(func(key string, e *cacheEntry) bool {
		if strings.HasPrefix(key, prefix) {
			c.entries.Delete(key)
			if e.reply != nil {
				ids = append(ids, e.id)
			}
		}
		return true
	})
	c.mu.Lock()
	for _, id := range ids {
		c.expiry.Remove(id)
		delete(c.keys, id)
	}
	c.mu.Unlock()
	return nil
}

// Len implements IReplyCache
func (c *MemoryReplyCache) Len() int {
	c.expire(time.Now())
	n := 0
	c.entries.Range(func(_ string, e *cacheEntry) bool {
		if e.reply != nil {
			n++
		}
		return true
	})
	return n
}

// Close implements IReplyCache
func (c *MemoryReplyCache) Close() error {
	c.entries.Clear()
	c.mu.Lock()
	c.expiry = util.NewDeadlineHeap()
	clear(c.keys)
	c.mu.Unlock()
	return nil
}

// expire drops completed entries whose TTL passed
func (c *MemoryReplyCache) expire(now time.Time) {
	c.mu.Lock()
	ids := c.expiry.PopExpired(now)
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, c.keys[id])
		delete(c.keys, id)
	}
	c.mu.Unlock()

	for i, key := range keys {
		id := ids[i]
		c.entries.Compute(key, func(old *cacheEntry, loaded bool) (*cacheEntry, bool) {
			return old, !loaded || old.id == id
		})
	}
}
