package server

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/puzpuzpuz/xsync/v3"
	xdr "github.com/rasky/go-xdr/xdr2"
)

// BadgerReplyCache keeps completed replies in a badger database, so that
// replays after a server restart are still answered from the cache. Requests
// in progress are only tracked in memory.
type BadgerReplyCache struct {
	db         *badger.DB
	ttl        time.Duration
	inProgress *xsync.MapOf[string, struct{}]
}

// cachedRecord is the XDR encoding of a cached reply
type cachedRecord struct {
	Status   int32
	Transno  uint64
	Segments [][]byte
}

// NewBadgerReplyCache opens (or creates) the reply cache database at path.
// An empty path opens an in-memory database.
func NewBadgerReplyCache(path string, ttl time.Duration) (*BadgerReplyCache, error) {
	opts := badger.DefaultOptions(path).WithLoggingLevel(badger.WARNING)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open reply cache at %q: %w", path, err)
	}
	return &BadgerReplyCache{
		db:         db,
		ttl:        ttl,
		inProgress: xsync.NewMapOf[string, struct{}](),
	}, nil
}

func badgerCacheKey(client string, xid uint64) []byte {
	return []byte("rc/" + client + "/" + strconv.FormatUint(xid, 16))
}

func badgerClientPrefix(client string) []byte {
	return []byte("rc/" + client + "/")
}

func (c *BadgerReplyCache) load(key []byte) (*CachedReply, error) {
	var rec *cachedRecord
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			rec = &cachedRecord{}
			_, err := xdr.Unmarshal(bytes.NewReader(val), rec)
			return err
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &CachedReply{Status: rec.Status, Transno: rec.Transno, Segments: rec.Segments}, nil
}

// Begin implements IReplyCache
func (c *BadgerReplyCache) Begin(client string, xid uint64) (*CachedReply, bool, error) {
	key := badgerCacheKey(client, xid)
	if _, loaded := c.inProgress.LoadOrStore(string(key), struct{}{}); loaded {
		return nil, true, nil
	}
	reply, err := c.load(key)
	if err != nil || reply != nil {
		c.inProgress.Delete(string(key))
	}
	return reply, false, err
}

// Complete implements IReplyCache
func (c *BadgerReplyCache) Complete(client string, xid uint64, reply *CachedReply) error {
	key := badgerCacheKey(client, xid)
	defer c.inProgress.Delete(string(key))

	var buf bytes.Buffer
	rec := cachedRecord{Status: reply.Status, Transno: reply.Transno, Segments: reply.Segments}
	if rec.Segments == nil {
		rec.Segments = [][]byte{}
	}
	if _, err := xdr.Marshal(&buf, &rec); err != nil {
		return fmt.Errorf("failed to encode reply x%d: %w", xid, err)
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(key, buf.Bytes()).WithTTL(c.ttl))
	})
}

// Abort implements IReplyCache
func (c *BadgerReplyCache) Abort(client string, xid uint64) {
	c.inProgress.Delete(string(badgerCacheKey(client, xid)))
}

// Forget implements IReplyCache
func (c *BadgerReplyCache) Forget(client string) error {
	return c.db.DropPrefix(badgerClientPrefix(client))
}

// Len implements IReplyCache
func (c *BadgerReplyCache) Len() int {
	n := 0
	_ = c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("rc/")
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n
}

// Close implements IReplyCache
func (c *BadgerReplyCache) Close() error {
	return c.db.Close()
}
