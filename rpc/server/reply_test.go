package server

import (
	"testing"
	"time"

	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/ValentinKolb/dRPC/rpc/wire"
)

// lockingHandler saves one lock per request and assigns the xid as transno
func lockingHandler() IHandler {
	return HandlerFunc(func(req *Request) int32 {
		req.SetTransno(req.Xid())
		if err := req.SaveLock(wire.LockHandle{Cookie: 1000 + req.Xid()}, 2); err != nil {
			return common.StatusIO
		}
		return common.StatusOK
	})
}

func TestDifficultReplyAck(t *testing.T) {
	locks := &lockRecorder{}
	env := newDifficultService(t, testServiceConfig(), locks)
	s, peer := env.svc, env.peer

	rep := peer.call(wire.Header{Opc: common.OpLockEnqueue, Xid: 10})
	if rep.Flags&wire.MsgAckReq == 0 {
		t.Fatalf("Expected ACK_REQ on a reply with saved locks, got %s", rep.Header.String())
	}
	if n := s.DifficultReplies(); n != 1 {
		t.Fatalf("Expected 1 difficult reply, got %d", n)
	}
	if locks.count() != 0 {
		t.Fatalf("Locks released before the ack")
	}

	// acks of unknown xids are ignored
	peer.call(wire.Header{Opc: common.OpReplyAck, Xid: 11}, wire.EncodeXids([]uint64{10, 12345}))
	waitFor(t, "reply to retire", func() bool { return s.DifficultReplies() == 0 })
	if released := locks.handles(); len(released) != 1 || released[0].Cookie != 1010 {
		t.Errorf("Expected lock 1010 to be released once, got %v", released)
	}
	if s.metrics.retiredAck.Get() != 1 {
		t.Errorf("Expected 1 acked retirement, got %d", s.metrics.retiredAck.Get())
	}

	// a second ack has no effect
	peer.call(wire.Header{Opc: common.OpReplyAck, Xid: 13}, wire.EncodeXids([]uint64{10}))
	if locks.count() != 1 {
		t.Errorf("Expected locks to be released exactly once, got %d", locks.count())
	}
}

func TestDifficultReplyCommit(t *testing.T) {
	locks := &lockRecorder{}
	env := newDifficultService(t, testServiceConfig(), locks)
	s, peer := env.svc, env.peer

	for xid := uint64(1); xid <= 3; xid++ {
		peer.call(wire.Header{Opc: common.OpLockEnqueue, Xid: xid})
	}
	if n := s.DifficultReplies(); n != 3 {
		t.Fatalf("Expected 3 difficult replies, got %d", n)
	}

	s.Commit(2)
	if n := s.DifficultReplies(); n != 1 {
		t.Errorf("Expected 1 difficult reply after commit of 2, got %d", n)
	}
	if locks.count() != 2 {
		t.Errorf("Expected 2 released locks, got %d", locks.count())
	}
	if s.LastCommitted() != 2 {
		t.Errorf("Expected last committed 2, got %d", s.LastCommitted())
	}

	// commits never go backwards
	s.Commit(1)
	if s.LastCommitted() != 2 {
		t.Errorf("Expected last committed to stay 2, got %d", s.LastCommitted())
	}

	rep := peer.call(wire.Header{Opc: common.OpGetattr, Xid: 4})
	if rep.LastCommitted != 2 {
		t.Errorf("Expected replies to carry last committed 2, got %d", rep.LastCommitted)
	}
}

// TestDifficultReplyAlreadyCommitted sends replies whose transaction was
// committed before the reply went out, as with a synchronous commit.
func TestDifficultReplyAlreadyCommitted(t *testing.T) {
	locks := &lockRecorder{}
	env := newDifficultService(t, testServiceConfig(), locks)
	s, peer := env.svc, env.peer

	s.Commit(5)
	rep := peer.call(wire.Header{Opc: common.OpLockEnqueue, Xid: 3})
	if rep.Status != common.StatusOK {
		t.Fatalf("Enqueue failed with status %d", rep.Status)
	}
	if n := s.DifficultReplies(); n != 0 {
		t.Errorf("Expected the committed reply to be retired, %d outstanding", n)
	}
	if released := locks.handles(); len(released) != 1 || released[0].Cookie != 1003 {
		t.Errorf("Expected lock 1003 to be released, got %v", released)
	}
	if s.metrics.retiredCommit.Get() != 1 {
		t.Errorf("Expected 1 commit retirement, got %d", s.metrics.retiredCommit.Get())
	}

	// transactions above the commit point still wait
	peer.call(wire.Header{Opc: common.OpLockEnqueue, Xid: 6})
	if n := s.DifficultReplies(); n != 1 {
		t.Errorf("Expected 1 outstanding difficult reply, got %d", n)
	}
}

func TestDifficultReplyProbe(t *testing.T) {
	locks := &lockRecorder{}
	cfg := testServiceConfig()
	cfg.DifficultTimeout = 30 * time.Millisecond
	cfg.MaxProbes = 2
	env := newDifficultService(t, cfg, locks)
	s, peer := env.svc, env.peer

	peer.call(wire.Header{Opc: common.OpLockEnqueue, Xid: 77})

	for i := 0; i < cfg.MaxProbes; i++ {
		select {
		case xids := <-peer.probes:
			if len(xids) != 1 || xids[0] != 77 {
				t.Fatalf("Expected probe for x77, got %v", xids)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("Timed out waiting for probe %d", i+1)
		}
	}
	waitFor(t, "unacknowledged reply to be abandoned", func() bool { return s.DifficultReplies() == 0 })
	if locks.count() != 1 {
		t.Errorf("Expected the lock to be released, got %d releases", locks.count())
	}
	if s.metrics.retiredTimeout.Get() != 1 || s.metrics.probes.Get() != 2 {
		t.Errorf("Expected 2 probes and 1 abandoned reply, got %d and %d",
			s.metrics.probes.Get(), s.metrics.retiredTimeout.Get())
	}
}

func TestDifficultReplyProbeAnswered(t *testing.T) {
	locks := &lockRecorder{}
	cfg := testServiceConfig()
	cfg.DifficultTimeout = 30 * time.Millisecond
	cfg.MaxProbes = 5
	env := newDifficultService(t, cfg, locks)
	s, peer := env.svc, env.peer

	peer.call(wire.Header{Opc: common.OpLockEnqueue, Xid: 5})
	select {
	case xids := <-peer.probes:
		peer.call(wire.Header{Opc: common.OpReplyAck, Xid: 6}, wire.EncodeXids(xids))
	case <-time.After(3 * time.Second):
		t.Fatalf("Timed out waiting for a probe")
	}
	waitFor(t, "reply to retire", func() bool { return s.DifficultReplies() == 0 })
	if s.metrics.retiredAck.Get() != 1 || s.metrics.retiredTimeout.Get() != 0 {
		t.Errorf("Expected the probed reply to retire by ack")
	}
}

func TestDifficultRepliesRetiredOnStop(t *testing.T) {
	locks := &lockRecorder{}
	env := newDifficultService(t, testServiceConfig(), locks)

	env.peer.call(wire.Header{Opc: common.OpLockEnqueue, Xid: 1})
	env.peer.call(wire.Header{Opc: common.OpLockEnqueue, Xid: 2})
	env.svc.Stop()
	if locks.count() != 2 {
		t.Errorf("Expected Stop to release 2 locks, got %d", locks.count())
	}
	if n := env.svc.DifficultReplies(); n != 0 {
		t.Errorf("Expected no difficult replies after Stop, got %d", n)
	}
}

type difficultEnv struct {
	svc  *Service
	peer *testPeer
}

func newDifficultService(t *testing.T, cfg common.ServiceConfig, locks ILockReleaser) *difficultEnv {
	t.Helper()
	s, peer, _ := startService(t, cfg, lockingHandler(), func(s *Service) {
		s.SetLockReleaser(locks)
	})
	return &difficultEnv{svc: s, peer: peer}
}
