package objstore

import (
	"context"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// memoryObject is a sparse page array guarded by its own lock
type memoryObject struct {
	mu    sync.RWMutex
	pages map[uint64][]byte
	size  uint64
}

func (o *memoryObject) page(idx uint64) ([]byte, error) { return o.pages[idx], nil }

func (o *memoryObject) setPage(idx uint64, p []byte) error {
	o.pages[idx] = p
	return nil
}

func (o *memoryObject) dropPage(idx uint64) error {
	delete(o.pages, idx)
	return nil
}

type memoryBackend struct {
	objects *xsync.MapOf[uint64, *memoryObject]
}

// NewMemoryBackend creates a backend that keeps all objects in memory.
// Sync is a no-op.
func NewMemoryBackend() IBackend {
	return &memoryBackend{objects: xsync.NewMapOf[uint64, *memoryObject]()}
}

func (m *memoryBackend) object(oid uint64) (*memoryObject, error) {
	o, ok := m.objects.Load(oid)
	if !ok {
		return nil, ErrNoObject
	}
	return o, nil
}

func (m *memoryBackend) Create(_ context.Context, oid uint64) error {
	if _, loaded := m.objects.LoadOrStore(oid, &memoryObject{pages: make(map[uint64][]byte)}); loaded {
		return ErrExists
	}
	return nil
}

func (m *memoryBackend) Destroy(_ context.Context, oid uint64) error {
	if _, ok := m.objects.LoadAndDelete(oid); !ok {
		return ErrNoObject
	}
	return nil
}

func (m *memoryBackend) Size(_ context.Context, oid uint64) (uint64, error) {
	o, err := m.object(oid)
	if err != nil {
		return 0, err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.size, nil
}

func (m *memoryBackend) Truncate(_ context.Context, oid uint64, size uint64) error {
	o, err := m.object(oid)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if size < o.size {
		if err := zeroRange(o, size, o.size); err != nil {
			return err
		}
	}
	o.size = size
	return nil
}

func (m *memoryBackend) ReadAt(_ context.Context, oid uint64, buf []byte, off uint64) (int, error) {
	o, err := m.object(oid)
	if err != nil {
		return 0, err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	return readPages(o, buf, off, o.size)
}

func (m *memoryBackend) WriteAt(_ context.Context, oid uint64, data []byte, off uint64) (uint64, error) {
	o, err := m.object(oid)
	if err != nil {
		return 0, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := writePages(o, data, off); err != nil {
		return 0, err
	}
	o.size = max(o.size, off+uint64(len(data)))
	return o.size, nil
}

func (m *memoryBackend) Punch(_ context.Context, oid uint64, off, count uint64) error {
	o, err := m.object(oid)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return zeroRange(o, off, punchEnd(off, count, o.size))
}

func (m *memoryBackend) Statfs(_ context.Context) (objects, bytes uint64, err error) {
	m.objects.Range(func(_ uint64, o *memoryObject) bool {
		o.mu.RLock()
		bytes += o.size
		o.mu.RUnlock()
		objects++
		return true
	})
	return objects, bytes, nil
}

func (m *memoryBackend) MaxObjectID(_ context.Context) (uint64, error) {
	var highest uint64
	m.objects.Range(func(oid uint64, _ *memoryObject) bool {
		highest = max(highest, oid)
		return true
	})
	return highest, nil
}

func (m *memoryBackend) Sync() error  { return nil }
func (m *memoryBackend) Close() error { return nil }
