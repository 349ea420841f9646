package objstore

import (
	"context"
	"errors"

	"github.com/ValentinKolb/dRPC/rpc/common"
)

var (
	// ErrNoObject is returned for operations on an object that does not exist
	ErrNoObject = errors.New("no such object")
	// ErrExists is returned when creating an object that already exists
	ErrExists = errors.New("object exists")
)

// IBackend stores objects as sparse arrays of common.PageSize pages. Holes
// read as zeros. Changes are durable after Sync returned.
type IBackend interface {
	// Create makes an empty object.
	Create(ctx context.Context, oid uint64) error

	// Destroy removes an object and its data.
	Destroy(ctx context.Context, oid uint64) error

	// Size returns the logical size of an object.
	Size(ctx context.Context, oid uint64) (uint64, error)

	// Truncate sets the logical size, dropping or zero extending the data.
	Truncate(ctx context.Context, oid uint64, size uint64) error

	// ReadAt fills buf from offset off. It returns the number of bytes that
	// lie within the object; the rest of buf is zeroed.
	ReadAt(ctx context.Context, oid uint64, buf []byte, off uint64) (int, error)

	// WriteAt writes data at off, growing the object if needed, and returns
	// the new size.
	WriteAt(ctx context.Context, oid uint64, data []byte, off uint64) (uint64, error)

	// Punch zeroes count bytes from off without changing the size.
	Punch(ctx context.Context, oid uint64, off, count uint64) error

	// Statfs returns the number of objects and the sum of their sizes.
	Statfs(ctx context.Context) (objects, bytes uint64, err error)

	// MaxObjectID returns the highest object id in use, 0 if there is none.
	MaxObjectID(ctx context.Context) (uint64, error)

	// Sync makes all changes so far durable.
	Sync() error

	// Close releases the backend.
	Close() error
}

// --------------------------------------------------------------------------
// Page arithmetic shared by the backends
// --------------------------------------------------------------------------

const pageSize = uint64(common.PageSize)

// pageAccessor gives access to the pages of one object. page returns nil
// for a hole. The returned page may be modified and handed to setPage.
type pageAccessor interface {
	page(idx uint64) ([]byte, error)
	setPage(idx uint64, p []byte) error
	dropPage(idx uint64) error
}

func writePages(pa pageAccessor, data []byte, off uint64) error {
	for len(data) > 0 {
		idx, in := off/pageSize, off%pageSize
		n := min(pageSize-in, uint64(len(data)))
		p, err := pa.page(idx)
		if err != nil {
			return err
		}
		if p == nil {
			p = make([]byte, pageSize)
		}
		copy(p[in:], data[:n])
		if err := pa.setPage(idx, p); err != nil {
			return err
		}
		data = data[n:]
		off += n
	}
	return nil
}

func readPages(pa pageAccessor, buf []byte, off, size uint64) (int, error) {
	avail := 0
	if off < size {
		avail = int(min(uint64(len(buf)), size-off))
	}
	clear(buf[avail:])

	for done := 0; done < avail; {
		pos := off + uint64(done)
		idx, in := pos/pageSize, pos%pageSize
		n := int(min(pageSize-in, uint64(avail-done)))
		p, err := pa.page(idx)
		if err != nil {
			return 0, err
		}
		if p == nil {
			clear(buf[done : done+n])
		} else {
			copy(buf[done:done+n], p[in:])
		}
		done += n
	}
	return avail, nil
}

// zeroRange zeroes [off, end). Fully covered pages become holes.
func zeroRange(pa pageAccessor, off, end uint64) error {
	for off < end {
		idx, in := off/pageSize, off%pageSize
		n := min(pageSize-in, end-off)
		if n == pageSize {
			if err := pa.dropPage(idx); err != nil {
				return err
			}
		} else {
			p, err := pa.page(idx)
			if err != nil {
				return err
			}
			if p != nil {
				clear(p[in : in+n])
				if err := pa.setPage(idx, p); err != nil {
					return err
				}
			}
		}
		off += n
	}
	return nil
}

// punchEnd clamps the end of a punched range to the object size
func punchEnd(off, count, size uint64) uint64 {
	end := off + count
	if end < off || end > size {
		return size
	}
	return end
}
