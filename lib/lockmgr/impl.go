package lockmgr

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/ValentinKolb/dRPC/lib/util"
	"github.com/ValentinKolb/dRPC/rpc/wire"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("lockmgr")

var (
	// ErrConflict is returned by a NoWait enqueue that would have to wait.
	ErrConflict = errors.New("lock conflict")
	// ErrUnknownLock is returned for a handle that does not name a lock.
	ErrUnknownLock = errors.New("unknown lock handle")
	// ErrInvalidExtent is returned when start > end.
	ErrInvalidExtent = errors.New("invalid extent")
	// ErrInvalidMode is returned for a mode other than PR and PW.
	ErrInvalidMode = errors.New("invalid lock mode")
)

// --------------------------------------------------------------------------
// Modes and requests
// --------------------------------------------------------------------------

// Mode is a lock mode. Only two are needed by the object service.
type Mode uint32

const (
	ModePR Mode = 1 // protected read, shared
	ModePW Mode = 2 // protected write, exclusive
)

func (m Mode) String() string {
	switch m {
	case ModePR:
		return "PR"
	case ModePW:
		return "PW"
	default:
		return fmt.Sprintf("mode%d", uint32(m))
	}
}

func (m Mode) valid() bool { return m == ModePR || m == ModePW }

// compatible reports whether two locks of different owners may overlap.
func compatible(a, b Mode) bool { return a == ModePR && b == ModePR }

// EOF is the end of an extent covering the rest of the resource.
const EOF = math.MaxUint64

// Request describes a lock to enqueue.
type Request struct {
	Owner    string // client uuid
	Resource string
	Mode     Mode
	Start    uint64
	End      uint64 // inclusive
	NoWait   bool
}

// Info is a snapshot of a granted lock.
type Info struct {
	Handle    wire.LockHandle
	Owner     string
	Resource  string
	Mode      Mode
	Start     uint64
	End       uint64
	Refs      int
	Cancelled bool
}

// --------------------------------------------------------------------------
// Table
// --------------------------------------------------------------------------

const shardCount = 16

type lock struct {
	Info
	shard *shard
}

func (l *lock) overlaps(start, end uint64) bool {
	return l.Start <= end && start <= l.End
}

// shard guards a subset of resources. changed is closed and replaced every
// time a lock on one of them goes away, waking all waiters of the shard.
type shard struct {
	mu        sync.Mutex
	resources map[string][]*lock
	changed   chan struct{}
}

type lockTableImpl struct {
	seed   uint64
	shards [shardCount]*shard
	locks  *xsync.MapOf[uint64, *lock]
}

// NewLockManager creates an empty lock table.
func NewLockManager() ILockManager {
	t := &lockTableImpl{
		seed:  util.RandomCookie(),
		locks: xsync.NewMapOf[uint64, *lock](),
	}
	for i := range t.shards {
		t.shards[i] = &shard{
			resources: make(map[string][]*lock),
			changed:   make(chan struct{}),
		}
	}
	return t
}

func (t *lockTableImpl) shardFor(resource string) *shard {
	return t.shards[util.HashString(resource, t.seed)%shardCount]
}

func (t *lockTableImpl) Enqueue(ctx context.Context, req Request) (wire.LockHandle, error) {
	if !req.Mode.valid() {
		return wire.LockHandle{}, fmt.Errorf("%w: %d", ErrInvalidMode, uint32(req.Mode))
	}
	if req.Start > req.End {
		return wire.LockHandle{}, fmt.Errorf("%w: [%d, %d]", ErrInvalidExtent, req.Start, req.End)
	}

	s := t.shardFor(req.Resource)
	s.mu.Lock()
	for {
		conflict := s.conflict(req)
		if conflict == nil {
			break
		}
		if req.NoWait {
			s.mu.Unlock()
			return wire.LockHandle{}, fmt.Errorf("%w: %s %s held by %s", ErrConflict, req.Resource, conflict.Mode, conflict.Owner)
		}
		changed := s.changed
		s.mu.Unlock()
		select {
		case <-changed:
		case <-ctx.Done():
			return wire.LockHandle{}, ctx.Err()
		}
		s.mu.Lock()
	}

	l := &lock{
		Info: Info{
			Owner:    req.Owner,
			Resource: req.Resource,
			Mode:     req.Mode,
			Start:    req.Start,
			End:      req.End,
		},
		shard: s,
	}
	for {
		cookie := util.RandomCookie()
		if _, loaded := t.locks.LoadOrStore(cookie, l); !loaded {
			l.Handle = wire.LockHandle{Cookie: cookie}
			break
		}
	}
	s.resources[req.Resource] = append(s.resources[req.Resource], l)
	s.mu.Unlock()

	Logger.Debugf("granted %s %s [%d, %d] to %s as %#x", req.Mode, req.Resource, req.Start, req.End, req.Owner, l.Handle.Cookie)
	return l.Handle, nil
}

// conflict returns the first granted lock that blocks req. Cancelled locks
// that are still referenced keep blocking until they are dropped.
func (s *shard) conflict(req Request) *lock {
	for _, l := range s.resources[req.Resource] {
		if l.Owner == req.Owner || !l.overlaps(req.Start, req.End) {
			continue
		}
		if !compatible(l.Mode, req.Mode) {
			return l
		}
	}
	return nil
}

func (t *lockTableImpl) AddRef(h wire.LockHandle, mode Mode) error {
	l, ok := t.locks.Load(h.Cookie)
	if !ok {
		return fmt.Errorf("%w: %#x", ErrUnknownLock, h.Cookie)
	}
	l.shard.mu.Lock()
	defer l.shard.mu.Unlock()
	if l.Cancelled {
		return fmt.Errorf("%w: %#x is cancelled", ErrUnknownLock, h.Cookie)
	}
	if mode != l.Mode {
		return fmt.Errorf("lock %#x is %s, not %s", h.Cookie, l.Mode, mode)
	}
	l.Refs++
	return nil
}

func (t *lockTableImpl) ReleaseLock(h wire.LockHandle, mode uint32) {
	l, ok := t.locks.Load(h.Cookie)
	if !ok {
		Logger.Warningf("release of unknown lock %#x (%s)", h.Cookie, Mode(mode))
		return
	}
	s := l.shard
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.Refs == 0 {
		Logger.Warningf("release of unreferenced lock %#x (%s)", h.Cookie, Mode(mode))
		return
	}
	l.Refs--
	if l.Refs == 0 && l.Cancelled {
		t.dropLocked(l)
	}
}

func (t *lockTableImpl) Cancel(h wire.LockHandle) error {
	l, ok := t.locks.Load(h.Cookie)
	if !ok {
		return fmt.Errorf("%w: %#x", ErrUnknownLock, h.Cookie)
	}
	s := l.shard
	s.mu.Lock()
	defer s.mu.Unlock()
	t.cancelLocked(l)
	return nil
}

func (t *lockTableImpl) CancelOwner(owner string) int {
	var owned []*lock
	t.locks.Range(func(_ uint64, l *lock) bool {
		if l.Owner == owner {
			owned = append(owned, l)
		}
		return true
	})
	for _, l := range owned {
		l.shard.mu.Lock()
		t.cancelLocked(l)
		l.shard.mu.Unlock()
	}
	return len(owned)
}

func (t *lockTableImpl) cancelLocked(l *lock) {
	if l.Cancelled {
		return
	}
	l.Cancelled = true
	if l.Refs == 0 {
		t.dropLocked(l)
		return
	}
	Logger.Debugf("lock %#x cancelled with %d references, dropping on release", l.Handle.Cookie, l.Refs)
}

// dropLocked removes l from its resource and wakes the waiters of the shard.
func (t *lockTableImpl) dropLocked(l *lock) {
	s := l.shard
	held := s.resources[l.Resource]
	for i, other := range held {
		if other == l {
			held = append(held[:i], held[i+1:]...)
			break
		}
	}
	if len(held) == 0 {
		delete(s.resources, l.Resource)
	} else {
		s.resources[l.Resource] = held
	}
	t.locks.Delete(l.Handle.Cookie)
	close(s.changed)
	s.changed = make(chan struct{})
}

func (t *lockTableImpl) Lookup(h wire.LockHandle) (Info, bool) {
	l, ok := t.locks.Load(h.Cookie)
	if !ok {
		return Info{}, false
	}
	l.shard.mu.Lock()
	defer l.shard.mu.Unlock()
	return l.Info, true
}

func (t *lockTableImpl) Len() int {
	return t.locks.Size()
}
