package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dRPC/rpc/bulk"
	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/ValentinKolb/dRPC/rpc/transport"
	"github.com/ValentinKolb/dRPC/rpc/transport/local"
	"github.com/ValentinKolb/dRPC/rpc/wire"
)

func ping(t *testing.T, imp *Import) *Request {
	t.Helper()
	req, err := Prepare(imp, common.OpPing, nil)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	return req
}

func phasesEqual(a, b []Phase) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestConnectAndPing(t *testing.T) {
	env := newTestEnv(t, testClientConfig())
	imp := env.connect(t)

	if imp.State() != ImportFull {
		t.Fatalf("Expected FULL after connect, got %s", imp.State())
	}
	if imp.Generation() != 1 {
		t.Errorf("Expected generation 1, got %d", imp.Generation())
	}

	req := ping(t, imp)
	if err := QueueWait(testCtx(t), req); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	want := []Phase{PhaseNew, PhaseRPC, PhaseInterpret, PhaseComplete}
	if got := req.PhaseHistory(); !phasesEqual(got, want) {
		t.Errorf("Expected phases %v, got %v", want, got)
	}
	if req.Reply() == nil || req.Generation() != 1 {
		t.Errorf("Expected a reply of generation 1: %s", req)
	}
	req.Finished()

	waitFor(t, "budget release", func() bool { return env.client.Budget().Used() == 0 })
}

func TestXidsStrictlyIncrease(t *testing.T) {
	const workers, perWorker = 8, 1000
	var mu sync.Mutex
	seen := make(map[uint64]bool, workers*perWorker)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			last := uint64(0)
			mine := make([]uint64, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				x := NextXid()
				if x <= last {
					t.Errorf("Xid %d not above previous %d", x, last)
				}
				last = x
				mine = append(mine, x)
			}
			mu.Lock()
			for _, x := range mine {
				if seen[x] {
					t.Errorf("Xid %d handed out twice", x)
				}
				seen[x] = true
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if next := SampleNextXid(); next != NextXid() {
		t.Errorf("SampleNextXid did not predict the next xid")
	}
}

func TestSetInterpreterRunsOnce(t *testing.T) {
	env := newTestEnv(t, testClientConfig())
	imp := env.connect(t)

	s := NewSet()
	interpreted := 0
	s.SetInterpreter(func(_ *Set, err error) error {
		interpreted++
		return err
	})
	completed := make(map[uint64]int)
	added := false
	s.OnComplete(func(req *Request) {
		completed[req.Xid()]++
		if !added {
			// hand over more work while the set is being waited on
			added = true
			for i := 0; i < 2; i++ {
				req := ping(t, imp)
				s.AddNew(req)
				req.Finished()
			}
		}
	})
	for i := 0; i < 3; i++ {
		req := ping(t, imp)
		s.Add(req)
		req.Finished()
	}

	if err := s.Wait(testCtx(t)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if interpreted != 1 {
		t.Errorf("Expected the interpreter to run once, ran %d times", interpreted)
	}
	if len(completed) != 5 {
		t.Errorf("Expected 5 completed members, got %d", len(completed))
	}
	for xid, n := range completed {
		if n != 1 {
			t.Errorf("Member x%d completed %d times", xid, n)
		}
	}
	if s.Remaining() != 0 {
		t.Errorf("Expected empty set, %d remaining", s.Remaining())
	}
}

func TestSetReportsFirstError(t *testing.T) {
	env := newTestEnv(t, testClientConfig())
	imp := env.connect(t)
	env.server.setHandler(func(msg *wire.Message) *reply {
		if msg.Opc == common.OpGetattr {
			return &reply{status: common.StatusNoEnt}
		}
		return &reply{}
	})

	s := NewSet()
	req, err := Prepare(imp, common.OpGetattr, nil)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	s.Add(req)
	p := ping(t, imp)
	s.Add(p)
	p.Finished()

	err = s.Wait(testCtx(t))
	if !errors.Is(err, &common.ServerError{Code: common.StatusNoEnt}) {
		t.Fatalf("Expected StatusNoEnt server error, got %v", err)
	}
	if req.Status() != common.StatusNoEnt {
		t.Errorf("Expected status %d, got %d", common.StatusNoEnt, req.Status())
	}
	req.Finished()
}

func TestTimeoutResendsSameXid(t *testing.T) {
	cfg := testClientConfig()
	cfg.Import.Timeout = 100 * time.Millisecond
	env := newTestEnv(t, cfg)
	imp := env.connect(t)

	var pings atomic.Int32
	env.net.SetFilter(func(m *local.Message) local.Verdict {
		if requestFilter(common.OpPing, m) && pings.Add(1) == 1 {
			return local.Drop
		}
		return local.Deliver
	})

	req := ping(t, imp)
	defer req.Finished()
	if err := QueueWait(testCtx(t), req); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	if !req.TimedOut() || req.Resends() != 1 {
		t.Errorf("Expected one timeout and one resend: %s", req)
	}
	got := env.server.requestsFor(common.OpPing)
	if len(got) != 1 {
		t.Fatalf("Expected the server to see one ping, got %d", len(got))
	}
	if got[0].Xid != req.Xid() || got[0].Flags&wire.MsgResent == 0 {
		t.Errorf("Expected resent x%d, got %s", req.Xid(), got[0].String())
	}
	want := []Phase{PhaseNew, PhaseRPC, PhaseNew, PhaseRPC, PhaseInterpret, PhaseComplete}
	if h := req.PhaseHistory(); !phasesEqual(h, want) {
		t.Errorf("Expected phases %v, got %v", want, h)
	}
	if imp.State() != ImportFull || imp.Generation() != 1 {
		t.Errorf("A timeout must not reconnect: %s", imp)
	}
}

func TestTimeoutNoResend(t *testing.T) {
	cfg := testClientConfig()
	cfg.Import.Timeout = 50 * time.Millisecond
	env := newTestEnv(t, cfg)
	imp := env.connect(t)
	env.server.setHandler(func(*wire.Message) *reply { return nil })

	req := ping(t, imp)
	defer req.Finished()
	req.SetNoResend()
	if err := QueueWait(testCtx(t), req); !errors.Is(err, common.ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}
	if req.Resends() != 0 {
		t.Errorf("Expected no resend, got %d", req.Resends())
	}
}

// TestStaleGenerationReply delivers a reply of generation 1 after the import
// reconnected as generation 2. The reply is discarded and the request resent.
func TestStaleGenerationReply(t *testing.T) {
	env := newTestEnv(t, testClientConfig())
	imp := env.connect(t)

	req := ping(t, imp)
	defer req.Finished()
	var replies atomic.Int32
	env.net.SetFilter(func(m *local.Message) local.Verdict {
		if m.Op != "PUT" || m.Portal != common.PortalClientReply || m.MatchBits != req.Xid() {
			return local.Deliver
		}
		switch replies.Add(1) {
		case 1:
			return local.Hold
		case 2:
			return local.Drop
		}
		return local.Deliver
	})

	errCh := make(chan error, 1)
	go func() { errCh <- QueueWait(testCtx(t), req) }()

	waitFor(t, "first ping", func() bool { return len(env.server.requestsFor(common.OpPing)) == 1 })
	imp.Fail("test")
	waitFor(t, "resend after reconnect", func() bool {
		return len(env.server.requestsFor(common.OpPing)) == 2 && imp.State() == ImportFull
	})
	if imp.Generation() != 2 {
		t.Fatalf("Expected generation 2, got %d", imp.Generation())
	}
	if n := env.net.Release(); n != 1 {
		t.Fatalf("Expected one held reply, released %d", n)
	}

	if err := <-errCh; err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	if req.Generation() != 2 || req.Resends() != 2 {
		t.Errorf("Expected generation 2 after two resends: %s", req)
	}
	pings := env.server.requestsFor(common.OpPing)
	if len(pings) != 3 {
		t.Fatalf("Expected three pings, got %d", len(pings))
	}
	for _, h := range pings {
		if h.Xid != req.Xid() {
			t.Errorf("Resend changed the xid: %d != %d", h.Xid, req.Xid())
		}
	}
	if pings[0].Generation != 1 || pings[2].Generation != 2 {
		t.Errorf("Unexpected generations %d/%d", pings[0].Generation, pings[2].Generation)
	}
}

func TestStaleReplyNoResend(t *testing.T) {
	env := newTestEnv(t, testClientConfig())
	imp := env.connect(t)
	env.server.setHandler(func(*wire.Message) *reply { return &reply{generation: 7} })

	req := ping(t, imp)
	defer req.Finished()
	req.SetNoResend()
	if err := QueueWait(testCtx(t), req); !errors.Is(err, common.ErrStale) {
		t.Fatalf("Expected ErrStale, got %v", err)
	}
}

func TestNetworkErrorRecovers(t *testing.T) {
	env := newTestEnv(t, testClientConfig())
	imp := env.connect(t)

	var pings atomic.Int32
	env.net.SetFilter(func(m *local.Message) local.Verdict {
		if requestFilter(common.OpPing, m) && pings.Add(1) == 1 {
			return local.Fail
		}
		return local.Deliver
	})

	req := ping(t, imp)
	defer req.Finished()
	if err := QueueWait(testCtx(t), req); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	if req.Generation() != 2 || req.Resends() != 1 {
		t.Errorf("Expected a resend under generation 2: %s", req)
	}
	if n := env.server.connectCount(); n != 2 {
		t.Errorf("Expected a reconnect, server saw %d connects", n)
	}
}

// TestFailureDuringAndAfterRecovery loses the first reconnect and then the
// first request sent on the new connection. Each failure leads to another
// reconnect and the request completes under the third generation.
func TestFailureDuringAndAfterRecovery(t *testing.T) {
	env := newTestEnv(t, testClientConfig())
	imp := env.connect(t)

	var connects, pings atomic.Int32
	env.net.SetFilter(func(m *local.Message) local.Verdict {
		switch {
		case requestFilter(common.OpConnect, m) && connects.Add(1) == 1:
			return local.Fail
		case requestFilter(common.OpPing, m) && pings.Add(1) == 1:
			return local.Fail
		}
		return local.Deliver
	})

	imp.Fail("test")
	req := ping(t, imp)
	defer req.Finished()
	if err := QueueWait(testCtx(t), req); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	if err := imp.WaitState(testCtx(t), ImportFull); err != nil {
		t.Fatalf("Import did not recover: %v", err)
	}
	if imp.Generation() != 3 || req.Generation() != 3 {
		t.Errorf("Expected generation 3 for import and request: %s, %s", imp, req)
	}
	if n := env.server.connectCount(); n != 3 {
		t.Errorf("Expected 3 connects to reach the server, got %d", n)
	}
	if n := len(env.server.requestsFor(common.OpPing)); n != 1 {
		t.Errorf("Expected one ping to reach the server, got %d", n)
	}
}

// TestBulkTimeoutAborts answers a read but never moves its pages. The bulk
// is aborted once the request deadline passed and the request fails with
// ErrTimeout instead of waiting for the caller to give up.
func TestBulkTimeoutAborts(t *testing.T) {
	cfg := testClientConfig()
	cfg.Import.Timeout = 100 * time.Millisecond
	env := newTestEnv(t, cfg)
	imp := env.connect(t)
	env.server.setHandler(func(*wire.Message) *reply { return &reply{} })

	req, err := Prepare(imp, common.OpRead, nil)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	defer req.Finished()
	d, err := req.PrepareBulk(1, bulk.PutSink)
	if err != nil {
		t.Fatalf("PrepareBulk failed: %v", err)
	}
	if err := d.AddPage(make([]byte, common.PageSize), 0); err != nil {
		t.Fatalf("AddPage failed: %v", err)
	}

	start := time.Now()
	if err := QueueWait(testCtx(t), req); !errors.Is(err, common.ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Bulk timeout took %s", elapsed)
	}
	if !req.TimedOut() || req.Interrupted() {
		t.Errorf("Expected a timed out, not interrupted request: %s", req)
	}
	if d.NetworkVisible() {
		t.Errorf("Bulk still network visible after the timeout")
	}
	want := []Phase{PhaseNew, PhaseRPC, PhaseBulk, PhaseInterpret, PhaseComplete}
	if h := req.PhaseHistory(); !phasesEqual(h, want) {
		t.Errorf("Expected phases %v, got %v", want, h)
	}
}

// TestShortClientUUID uses a caller supplied UUID shorter than the daemon
// name prefix.
func TestShortClientUUID(t *testing.T) {
	cfg := testClientConfig()
	cfg.UUID = "cli1"
	env := newTestEnv(t, cfg)
	if env.client.UUID() != "cli1" {
		t.Fatalf("Expected UUID cli1, got %q", env.client.UUID())
	}
	imp := env.connect(t)

	req := ping(t, imp)
	defer req.Finished()
	if err := QueueWait(testCtx(t), req); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
}

func TestInterrupt(t *testing.T) {
	env := newTestEnv(t, testClientConfig())
	imp := env.connect(t)
	env.server.setHandler(func(*wire.Message) *reply { return nil })

	req := ping(t, imp)
	defer req.Finished()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := QueueWait(ctx, req); !errors.Is(err, common.ErrInterrupted) {
		t.Fatalf("Expected ErrInterrupted, got %v", err)
	}
	if !req.Interrupted() || req.Phase() != PhaseComplete {
		t.Errorf("Expected an interrupted, completed request: %s", req)
	}
}

func TestDelayedUntilConnected(t *testing.T) {
	env := newTestEnv(t, testClientConfig())
	imp, err := env.client.NewImport(env.server.self(), testTarget)
	if err != nil {
		t.Fatalf("NewImport failed: %v", err)
	}

	nodelay := ping(t, imp)
	nodelay.SetNoDelay()
	if err := QueueWait(testCtx(t), nodelay); !errors.Is(err, common.ErrWouldBlock) {
		t.Errorf("Expected ErrWouldBlock, got %v", err)
	}
	nodelay.Finished()

	req := ping(t, imp)
	defer req.Finished()
	errCh := make(chan error, 1)
	go func() { errCh <- QueueWait(testCtx(t), req) }()
	waitFor(t, "request to wait", func() bool { return req.hasFlag(flagWaiting) })
	if req.Phase() != PhaseNew {
		t.Fatalf("A waiting request must stay NEW: %s", req)
	}

	if err := imp.Connect(testCtx(t)); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Delayed ping failed: %v", err)
	}
}

func TestImportDownAfterRecoveryFails(t *testing.T) {
	cfg := testClientConfig()
	cfg.Import.RecoveryRetries = 1
	env := newTestEnv(t, cfg)
	imp := env.connect(t)
	env.server.setHandler(func(*wire.Message) *reply { return nil })

	pending := ping(t, imp)
	defer pending.Finished()
	errCh := make(chan error, 1)
	go func() { errCh <- QueueWait(testCtx(t), pending) }()
	waitFor(t, "pending ping", func() bool { return len(env.server.requestsFor(common.OpPing)) == 1 })

	env.server.ni.Close()
	imp.Fail("test")
	if err := imp.WaitState(testCtx(t), ImportDisconnected); err != nil {
		t.Fatalf("Import did not give up: %v", err)
	}
	if err := <-errCh; !errors.Is(err, common.ErrImportDown) {
		t.Errorf("Expected the pending request to fail with ErrImportDown, got %v", err)
	}

	req := ping(t, imp)
	defer req.Finished()
	if err := QueueWait(testCtx(t), req); !errors.Is(err, common.ErrImportDown) {
		t.Errorf("Expected ErrImportDown, got %v", err)
	}
}

func TestClosedImport(t *testing.T) {
	env := newTestEnv(t, testClientConfig())
	imp := env.connect(t)
	imp.Close()

	if imp.State() != ImportClosed {
		t.Fatalf("Expected CLOSED, got %s", imp.State())
	}
	if _, ok := env.client.Import(env.server.self(), testTarget); ok {
		t.Errorf("Closed import still registered")
	}
	req := ping(t, imp)
	defer req.Finished()
	if err := QueueWait(testCtx(t), req); !errors.Is(err, common.ErrImportDown) {
		t.Errorf("Expected ErrImportDown, got %v", err)
	}
}

func TestPrepareLimits(t *testing.T) {
	cfg := testClientConfig()
	cfg.MemoryLimit = 4096
	env := newTestEnv(t, cfg)
	imp := env.connect(t)
	waitFor(t, "connect request release", func() bool { return env.client.Budget().Used() == 0 })

	if _, err := Prepare(imp, common.OpPing, [][]byte{make([]byte, 1024)}); !errors.Is(err, common.ErrMessageTooLarge) {
		t.Errorf("Expected ErrMessageTooLarge, got %v", err)
	}
	if _, err := Prepare(imp, common.OpWrite, nil); !errors.Is(err, common.ErrAllocationFailed) {
		t.Errorf("Expected ErrAllocationFailed, got %v", err)
	}
	req := ping(t, imp)
	if used := env.client.Budget().Used(); used != 1024 {
		t.Errorf("Expected 1024 bytes reserved, got %d", used)
	}
	req.Finished()
	if used := env.client.Budget().Used(); used != 0 {
		t.Errorf("Expected the reservation released, got %d", used)
	}
}

func TestReplayAfterRestart(t *testing.T) {
	env := newTestEnv(t, testClientConfig())
	imp := env.connect(t)
	srv := env.server
	srv.setHandler(func(msg *wire.Message) *reply {
		switch {
		case msg.Opc != common.OpSetattr:
			return &reply{}
		case msg.Flags&wire.MsgReplay != 0:
			return &reply{transno: msg.Transno}
		default:
			return &reply{transno: srv.nextTransno()}
		}
	})

	for i := 0; i < 3; i++ {
		req, err := Prepare(imp, common.OpSetattr, [][]byte{{byte(i)}})
		if err != nil {
			t.Fatalf("Prepare failed: %v", err)
		}
		if err := QueueWait(testCtx(t), req); err != nil {
			t.Fatalf("Setattr failed: %v", err)
		}
		if req.Transno() != uint64(i+1) {
			t.Errorf("Expected transno %d, got %d", i+1, req.Transno())
		}
		req.Finished()
	}
	if n := imp.ReplayCount(); n != 3 {
		t.Fatalf("Expected 3 requests kept for replay, got %d", n)
	}

	srv.restart()
	imp.Fail("test")
	if err := imp.WaitState(testCtx(t), ImportFull); err != nil {
		t.Fatalf("Recovery failed: %v", err)
	}

	all := srv.requestsFor(common.OpSetattr)
	if len(all) != 6 {
		t.Fatalf("Expected 3 requests and 3 replays, got %d", len(all))
	}
	for i, h := range all[3:] {
		if h.Flags&wire.MsgReplay == 0 || h.Transno != uint64(i+1) {
			t.Errorf("Replay %d out of order: %s", i, h.String())
		}
		if last := h.Flags&wire.MsgLastReplay != 0; last != (i == 2) {
			t.Errorf("Replay %d has last replay flag %v", i, last)
		}
	}

	// the server commits everything, the next reply frees the replay list
	srv.mu.Lock()
	srv.committed = 3
	srv.mu.Unlock()
	req := ping(t, imp)
	if err := QueueWait(testCtx(t), req); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	req.Finished()
	if n := imp.ReplayCount(); n != 0 {
		t.Errorf("Expected committed requests to be dropped, %d left", n)
	}
	if imp.LastCommitted() != 3 {
		t.Errorf("Expected last committed 3, got %d", imp.LastCommitted())
	}
	waitFor(t, "budget release", func() bool { return env.client.Budget().Used() == 0 })
}

func TestReplyAckAndProbe(t *testing.T) {
	env := newTestEnv(t, testClientConfig())
	imp := env.connect(t)
	srv := env.server
	srv.setHandler(func(msg *wire.Message) *reply {
		if msg.Opc == common.OpLockEnqueue {
			return &reply{flags: wire.MsgAckReq}
		}
		return &reply{}
	})

	req, err := Prepare(imp, common.OpLockEnqueue, nil)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if err := QueueWait(testCtx(t), req); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	xid := req.Xid()
	req.Finished()

	ackCount := func() int {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		n := 0
		for _, x := range srv.acked {
			if x == xid {
				n++
			}
		}
		return n
	}
	imp.flushAcks()
	waitFor(t, "reply ack", func() bool { return ackCount() == 1 })

	// the server did not see the ack and probes; the client acks again
	hdr := wire.Header{Type: wire.TypeRequest, Opc: common.OpAckProbe, Xid: NextXid()}
	buf, err := wire.Pack(&hdr, [][]byte{wire.EncodeXids([]uint64{xid, 12345})}, 0)
	if err != nil {
		t.Fatalf("Pack failed: %v", err)
	}
	if _, err := srv.ni.Put(transport.MD{Buffer: buf}, env.client.Network().Self(), common.PortalClientCallback, 0, 0, nil); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	waitFor(t, "probe answer", func() bool { return ackCount() == 2 })
}

func TestPingerRecoversSilentServer(t *testing.T) {
	cfg := testClientConfig()
	cfg.PingInterval = 50 * time.Millisecond
	env := newTestEnv(t, cfg)
	imp := env.connect(t)

	var dropped atomic.Int32
	env.net.SetFilter(func(m *local.Message) local.Verdict {
		if requestFilter(common.OpPing, m) && dropped.Add(1) == 1 {
			return local.Drop
		}
		return local.Deliver
	})
	waitFor(t, "reconnect after lost ping", func() bool {
		return imp.Generation() >= 2 && imp.State() == ImportFull
	})
}

func TestDaemon(t *testing.T) {
	env := newTestEnv(t, testClientConfig())
	imp := env.connect(t)

	d := NewDaemon("test")
	done := make(chan error, 1)
	req := ping(t, imp)
	SetInterpret(req, func(_ *Request, ch chan error, err error) error {
		ch <- err
		return err
	}, done)
	if err := d.Add(req); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	req.Finished()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Async ping failed: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Daemon did not complete the request")
	}

	d.Stop()
	late := ping(t, imp)
	defer late.Finished()
	if err := d.Add(late); !errors.Is(err, common.ErrShutdown) {
		t.Errorf("Expected ErrShutdown after Stop, got %v", err)
	}
}

func TestPhaseTransitions(t *testing.T) {
	tests := []struct {
		from, to Phase
		flags    reqFlags
		ok       bool
	}{
		{PhaseNew, PhaseRPC, 0, true},
		{PhaseNew, PhaseInterpret, 0, true},
		{PhaseNew, PhaseComplete, 0, false},
		{PhaseRPC, PhaseBulk, 0, true},
		{PhaseRPC, PhaseNew, 0, true},
		{PhaseRPC, PhaseNew, flagNoResend, false},
		{PhaseBulk, PhaseRPC, 0, false},
		{PhaseInterpret, PhaseComplete, 0, true},
		{PhaseComplete, PhaseNew, 0, false},
		{PhaseComplete, PhaseNew, flagReplay, true},
	}
	for _, tt := range tests {
		if got := validTransition(tt.from, tt.to, tt.flags); got != tt.ok {
			t.Errorf("%s -> %s (flags %q): expected %v, got %v", tt.from, tt.to, tt.flags, tt.ok, got)
		}
	}
	if s := (flagInterrupted | flagNoResend | flagReplayable).String(); s != "INp" {
		t.Errorf("Unexpected flag string %q", s)
	}
}
