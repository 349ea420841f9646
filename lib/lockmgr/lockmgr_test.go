package lockmgr

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ValentinKolb/dRPC/rpc/wire"
)

func enqueue(t *testing.T, m ILockManager, owner string, mode Mode, start, end uint64) wire.LockHandle {
	t.Helper()
	h, err := m.Enqueue(context.Background(), Request{Owner: owner, Resource: "obj", Mode: mode, Start: start, End: end, NoWait: true})
	if err != nil {
		t.Fatalf("Enqueue(%s, %s, [%d, %d]) failed: %v", owner, mode, start, end, err)
	}
	return h
}

func TestCompatibility(t *testing.T) {
	testCases := []struct {
		name     string
		held     Mode
		owner    string
		mode     Mode
		start    uint64
		end      uint64
		conflict bool
	}{
		{"shared readers", ModePR, "b", ModePR, 0, 100, false},
		{"writer after reader", ModePR, "b", ModePW, 50, 60, true},
		{"reader after writer", ModePW, "b", ModePR, 0, 0, true},
		{"disjoint extents", ModePW, "b", ModePW, 101, EOF, false},
		{"same owner", ModePW, "a", ModePW, 0, 100, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m := NewLockManager()
			enqueue(t, m, "a", tc.held, 0, 100)

			_, err := m.Enqueue(context.Background(), Request{Owner: tc.owner, Resource: "obj", Mode: tc.mode, Start: tc.start, End: tc.end, NoWait: true})
			if tc.conflict && !errors.Is(err, ErrConflict) {
				t.Errorf("Expected ErrConflict, got %v", err)
			}
			if !tc.conflict && err != nil {
				t.Errorf("Expected grant, got %v", err)
			}
		})
	}
}

func TestInvalidRequests(t *testing.T) {
	m := NewLockManager()
	if _, err := m.Enqueue(context.Background(), Request{Owner: "a", Resource: "obj", Mode: ModePR, Start: 10, End: 5}); !errors.Is(err, ErrInvalidExtent) {
		t.Errorf("Expected ErrInvalidExtent, got %v", err)
	}
	if _, err := m.Enqueue(context.Background(), Request{Owner: "a", Resource: "obj", Mode: 7}); !errors.Is(err, ErrInvalidMode) {
		t.Errorf("Expected ErrInvalidMode, got %v", err)
	}
	if err := m.Cancel(wire.LockHandle{Cookie: 1}); !errors.Is(err, ErrUnknownLock) {
		t.Errorf("Expected ErrUnknownLock, got %v", err)
	}
}

func TestBlockingEnqueue(t *testing.T) {
	m := NewLockManager()
	h := enqueue(t, m, "a", ModePW, 0, EOF)

	granted := make(chan error, 1)
	go func() {
		_, err := m.Enqueue(context.Background(), Request{Owner: "b", Resource: "obj", Mode: ModePR, Start: 0, End: 10})
		granted <- err
	}()

	select {
	case err := <-granted:
		t.Fatalf("Enqueue returned before the conflicting lock was cancelled: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	if err := m.Cancel(h); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	select {
	case err := <-granted:
		if err != nil {
			t.Fatalf("Blocked enqueue failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Blocked enqueue was not granted after cancel")
	}
}

func TestEnqueueContext(t *testing.T) {
	m := NewLockManager()
	enqueue(t, m, "a", ModePW, 0, EOF)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := m.Enqueue(ctx, Request{Owner: "b", Resource: "obj", Mode: ModePW})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected DeadlineExceeded, got %v", err)
	}
}

func TestReferencedCancel(t *testing.T) {
	m := NewLockManager()
	h := enqueue(t, m, "a", ModePW, 0, EOF)

	if err := m.AddRef(h, ModePR); err == nil {
		t.Errorf("Expected AddRef with the wrong mode to fail")
	}
	if err := m.AddRef(h, ModePW); err != nil {
		t.Fatalf("AddRef failed: %v", err)
	}
	if err := m.Cancel(h); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	info, ok := m.Lookup(h)
	if !ok || !info.Cancelled || info.Refs != 1 {
		t.Fatalf("Expected a cancelled lock with one reference, got %+v (found %v)", info, ok)
	}
	if _, err := m.Enqueue(context.Background(), Request{Owner: "b", Resource: "obj", Mode: ModePR, NoWait: true}); !errors.Is(err, ErrConflict) {
		t.Errorf("Expected the pinned lock to keep blocking, got %v", err)
	}
	if err := m.AddRef(h, ModePW); err == nil {
		t.Errorf("Expected AddRef on a cancelled lock to fail")
	}

	m.ReleaseLock(h, uint32(ModePW))
	if _, ok := m.Lookup(h); ok {
		t.Errorf("Expected the lock to be dropped on the last release")
	}
	if m.Len() != 0 {
		t.Errorf("Expected an empty table, got %d locks", m.Len())
	}
	enqueue(t, m, "b", ModePR, 0, 0)
}

func TestCancelOwner(t *testing.T) {
	m := NewLockManager()
	enqueue(t, m, "a", ModePR, 0, 10)
	enqueue(t, m, "a", ModePR, 20, 30)
	enqueue(t, m, "b", ModePR, 0, 10)

	if n := m.CancelOwner("a"); n != 2 {
		t.Errorf("Expected 2 cancelled locks, got %d", n)
	}
	if m.Len() != 1 {
		t.Errorf("Expected 1 remaining lock, got %d", m.Len())
	}
	enqueue(t, m, "c", ModePW, 11, 19)
}
