package objstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// Key layout:
//
//	a/<oid>        object size, 8 bytes big endian
//	p/<oid>/<idx>  page idx of the object, common.PageSize bytes
//
// Ids and indexes are fixed width hex so that keys sort numerically.
const (
	attrPrefix = "a/"
	pagePrefix = "p/"
)

func attrKey(oid uint64) []byte {
	return fmt.Appendf(nil, "%s%016x", attrPrefix, oid)
}

func pageKey(oid, idx uint64) []byte {
	return fmt.Appendf(nil, "%s%016x/%016x", pagePrefix, oid, idx)
}

func objectPagePrefix(oid uint64) []byte {
	return fmt.Appendf(nil, "%s%016x/", pagePrefix, oid)
}

// badgerPages accesses the pages of one object inside a transaction
type badgerPages struct {
	txn *badger.Txn
	oid uint64
}

func (b badgerPages) page(idx uint64) ([]byte, error) {
	item, err := b.txn.Get(pageKey(b.oid, idx))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (b badgerPages) setPage(idx uint64, p []byte) error {
	return b.txn.Set(pageKey(b.oid, idx), p)
}

func (b badgerPages) dropPage(idx uint64) error {
	return b.txn.Delete(pageKey(b.oid, idx))
}

type badgerBackend struct {
	db       *badger.DB
	inMemory bool

	// writers are serialized, so transactions never conflict
	mu sync.Mutex
}

// NewBadgerBackend opens (or creates) an object database at path. An empty
// path opens an in-memory database. Writes are not synced until Sync.
func NewBadgerBackend(path string) (IBackend, error) {
	opts := badger.DefaultOptions(path).WithLoggingLevel(badger.WARNING).WithSyncWrites(false)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open object store at %q: %w", path, err)
	}
	return &badgerBackend{db: db, inMemory: path == ""}, nil
}

func getSize(txn *badger.Txn, oid uint64) (uint64, error) {
	item, err := txn.Get(attrKey(oid))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, ErrNoObject
	}
	if err != nil {
		return 0, err
	}
	var size uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("corrupt attributes of object %d", oid)
		}
		size = binary.BigEndian.Uint64(val)
		return nil
	})
	return size, err
}

func setSize(txn *badger.Txn, oid, size uint64) error {
	return txn.Set(attrKey(oid), binary.BigEndian.AppendUint64(nil, size))
}

// update runs fn in a write transaction on an existing object
func (b *badgerBackend) update(oid uint64, fn func(txn *badger.Txn, size uint64) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.db.Update(func(txn *badger.Txn) error {
		size, err := getSize(txn, oid)
		if err != nil {
			return err
		}
		return fn(txn, size)
	})
}

func (b *badgerBackend) Create(_ context.Context, oid uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.db.Update(func(txn *badger.Txn) error {
		if _, err := getSize(txn, oid); !errors.Is(err, ErrNoObject) {
			if err == nil {
				return ErrExists
			}
			return err
		}
		return setSize(txn, oid, 0)
	})
}

func (b *badgerBackend) Destroy(_ context.Context, oid uint64) error {
	err := b.update(oid, func(txn *badger.Txn, _ uint64) error {
		return txn.Delete(attrKey(oid))
	})
	if err != nil {
		return err
	}
	return b.db.DropPrefix(objectPagePrefix(oid))
}

func (b *badgerBackend) Size(_ context.Context, oid uint64) (uint64, error) {
	var size uint64
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		size, err = getSize(txn, oid)
		return err
	})
	return size, err
}

func (b *badgerBackend) Truncate(_ context.Context, oid uint64, size uint64) error {
	return b.update(oid, func(txn *badger.Txn, old uint64) error {
		if size < old {
			if err := zeroRange(badgerPages{txn, oid}, size, old); err != nil {
				return err
			}
		}
		return setSize(txn, oid, size)
	})
}

func (b *badgerBackend) ReadAt(_ context.Context, oid uint64, buf []byte, off uint64) (int, error) {
	var n int
	err := b.db.View(func(txn *badger.Txn) error {
		size, err := getSize(txn, oid)
		if err != nil {
			return err
		}
		n, err = readPages(badgerPages{txn, oid}, buf, off, size)
		return err
	})
	return n, err
}

func (b *badgerBackend) WriteAt(_ context.Context, oid uint64, data []byte, off uint64) (uint64, error) {
	var size uint64
	err := b.update(oid, func(txn *badger.Txn, old uint64) error {
		if err := writePages(badgerPages{txn, oid}, data, off); err != nil {
			return err
		}
		size = max(old, off+uint64(len(data)))
		return setSize(txn, oid, size)
	})
	return size, err
}

func (b *badgerBackend) Punch(_ context.Context, oid uint64, off, count uint64) error {
	return b.update(oid, func(txn *badger.Txn, size uint64) error {
		return zeroRange(badgerPages{txn, oid}, off, punchEnd(off, count, size))
	})
}

// scanObjects calls fn for every object attribute record
func (b *badgerBackend) scanObjects(fn func(oid, size uint64)) error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(attrPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			oid, err := strconv.ParseUint(strings.TrimPrefix(string(item.Key()), attrPrefix), 16, 64)
			if err != nil {
				return fmt.Errorf("corrupt object key %q: %w", item.Key(), err)
			}
			size, err := getSize(txn, oid)
			if err != nil {
				return err
			}
			fn(oid, size)
		}
		return nil
	})
}

func (b *badgerBackend) Statfs(_ context.Context) (objects, bytes uint64, err error) {
	err = b.scanObjects(func(_, size uint64) {
		objects++
		bytes += size
	})
	return objects, bytes, err
}

func (b *badgerBackend) MaxObjectID(_ context.Context) (uint64, error) {
	var highest uint64
	err := b.scanObjects(func(oid, _ uint64) {
		highest = max(highest, oid)
	})
	return highest, err
}

func (b *badgerBackend) Sync() error {
	if b.inMemory {
		return nil
	}
	return b.db.Sync()
}

func (b *badgerBackend) Close() error { return b.db.Close() }
