package server

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dRPC/rpc/client"
	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/ValentinKolb/dRPC/rpc/transport/local"
	"github.com/ValentinKolb/dRPC/rpc/wire"
)

const testTargetUUID = "OST0000_UUID"

// writeApp counts executions per xid and answers with the body it received
type writeApp struct {
	mu       sync.Mutex
	executed map[uint64]int
	transnos []uint64
	gate     chan struct{} // blocks writes while non-nil
	commits  atomic.Uint64
}

func newWriteApp() *writeApp {
	return &writeApp{executed: make(map[uint64]int)}
}

func (a *writeApp) Handle(req *Request) int32 {
	if req.Opcode() != common.OpWrite {
		return common.StatusOK
	}
	a.mu.Lock()
	a.executed[req.Xid()]++
	a.transnos = append(a.transnos, req.Transno())
	gate := a.gate
	a.mu.Unlock()
	if gate != nil {
		<-gate
	}
	body, _ := req.Message().Buf(0, 0)
	if err := req.PackReply(append([]byte("ok:"), body...)); err != nil {
		return common.StatusIO
	}
	return common.StatusOK
}

func (a *writeApp) Commit(transno uint64) error {
	a.commits.Store(transno)
	return nil
}

func (a *writeApp) executions(xid uint64) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.executed[xid]
}

type targetEnv struct {
	target *Target
	app    *writeApp
	peer   *testPeer
	net    *local.Network
}

func newTargetEnv(t *testing.T, tcfg common.TargetConfig, cache IReplyCache) *targetEnv {
	t.Helper()
	net := local.NewNetwork()
	ni, err := net.NewInterface("server")
	if err != nil {
		t.Fatalf("Failed to create server interface: %v", err)
	}
	app := newWriteApp()
	tgt, err := NewTargetService(testServiceConfig(), tcfg, ni, app, cache)
	if err != nil {
		t.Fatalf("NewTargetService failed: %v", err)
	}
	if err := tgt.Start(0); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		tgt.Stop()
		ni.Close()
	})
	return &targetEnv{target: tgt, app: app, peer: newTestPeer(t, net, "peer", ni.Self()), net: net}
}

// connect connects the peer as clientUUID and returns the export handle
func (e *targetEnv) connect(t *testing.T, xid uint64, clientUUID string, flags, handle uint64) *wire.ConnectData {
	t.Helper()
	data := wire.ConnectData{Flags: flags, Handle: handle}
	rep := e.peer.call(wire.Header{Opc: common.OpConnect, Xid: xid},
		data.Encode(), wire.EncodeString(clientUUID), wire.EncodeString(testTargetUUID))
	if rep.Status != common.StatusOK {
		t.Fatalf("Connect failed with status %d", rep.Status)
	}
	cd, err := wire.DecodeConnectData(rep, 0)
	if err != nil {
		t.Fatalf("Malformed connect reply: %v", err)
	}
	return cd
}

func syncTargetConfig() common.TargetConfig {
	cfg := common.DefaultTargetConfig(testTargetUUID)
	cfg.CommitInterval = 0
	return cfg
}

func TestTargetConnect(t *testing.T) {
	env := newTargetEnv(t, syncTargetConfig(), nil)

	cd := env.connect(t, 1, "client-a", wire.ConnectReplayable, 0)
	if cd.Handle == 0 || cd.Instance != env.target.Instance() {
		t.Fatalf("Unexpected connect reply %+v", cd)
	}
	if env.target.Exports() != 1 {
		t.Fatalf("Expected 1 export, got %d", env.target.Exports())
	}

	// a reconnect with the known handle keeps the export
	again := env.connect(t, 2, "client-a", wire.ConnectReconnect, cd.Handle)
	if again.Handle != cd.Handle {
		t.Errorf("Expected reconnect to keep handle %#x, got %#x", cd.Handle, again.Handle)
	}
	// a fresh connect of the same client replaces it
	fresh := env.connect(t, 3, "client-a", 0, 0)
	if fresh.Handle == cd.Handle {
		t.Errorf("Expected a new handle for a new client instance")
	}
	if env.target.Exports() != 1 {
		t.Errorf("Expected 1 export, got %d", env.target.Exports())
	}

	rep := env.peer.call(wire.Header{Opc: common.OpPing, Xid: 4, Handle: cd.Handle})
	if rep.Status != common.StatusNotConnected {
		t.Errorf("Expected the replaced handle to be unknown, got status %d", rep.Status)
	}
	rep = env.peer.call(wire.Header{Opc: common.OpPing, Xid: 5, Handle: fresh.Handle})
	if rep.Status != common.StatusOK {
		t.Errorf("Expected ping to succeed, got status %d", rep.Status)
	}

	data := wire.ConnectData{}
	rep = env.peer.call(wire.Header{Opc: common.OpConnect, Xid: 6},
		data.Encode(), wire.EncodeString("client-b"), wire.EncodeString("OTHER_UUID"))
	if rep.Status != common.StatusNoEnt {
		t.Errorf("Expected connect to an unknown target to fail with %d, got %d", common.StatusNoEnt, rep.Status)
	}

	rep = env.peer.call(wire.Header{Opc: common.OpDisconnect, Xid: 7, Handle: fresh.Handle})
	if rep.Status != common.StatusOK || env.target.Exports() != 0 {
		t.Errorf("Expected disconnect to drop the export (status %d, %d exports)", rep.Status, env.target.Exports())
	}
}

func TestTargetTransnos(t *testing.T) {
	env := newTargetEnv(t, syncTargetConfig(), NewMemoryReplyCache(time.Minute))
	cd := env.connect(t, 1, "client-a", wire.ConnectReplayable, 0)

	rep := env.peer.call(wire.Header{Opc: common.OpGetattr, Xid: 2, Handle: cd.Handle})
	if rep.Transno != 0 {
		t.Errorf("Expected no transno for a read, got %d", rep.Transno)
	}
	for i, xid := range []uint64{3, 4, 5} {
		rep := env.peer.call(wire.Header{Opc: common.OpWrite, Xid: xid, Handle: cd.Handle}, []byte("data"))
		if rep.Transno != uint64(i+1) {
			t.Errorf("Expected transno %d for x%d, got %d", i+1, xid, rep.Transno)
		}
		// commits are synchronous
		if rep.LastCommitted != rep.Transno {
			t.Errorf("Expected last committed %d, got %d", rep.Transno, rep.LastCommitted)
		}
	}
	if env.app.commits.Load() != 3 {
		t.Errorf("Expected the application to commit up to 3, got %d", env.app.commits.Load())
	}

	// a replay keeps its transno and moves the counter forward
	rep = env.peer.call(wire.Header{Opc: common.OpWrite, Xid: 9, Handle: cd.Handle, Flags: wire.MsgReplay, Transno: 10}, []byte("r"))
	if rep.Transno != 10 {
		t.Errorf("Expected replay to keep transno 10, got %d", rep.Transno)
	}
	rep = env.peer.call(wire.Header{Opc: common.OpWrite, Xid: 11, Handle: cd.Handle}, []byte("n"))
	if rep.Transno != 11 {
		t.Errorf("Expected transno 11 after the replay, got %d", rep.Transno)
	}
}

func TestTargetDuplicateCompleted(t *testing.T) {
	env := newTargetEnv(t, syncTargetConfig(), NewMemoryReplyCache(time.Minute))
	cd := env.connect(t, 1, "client-a", wire.ConnectReplayable, 0)

	first := env.peer.call(wire.Header{Opc: common.OpWrite, Xid: 20, Handle: cd.Handle}, []byte("abc"))
	second := env.peer.call(wire.Header{Opc: common.OpWrite, Xid: 20, Handle: cd.Handle, Flags: wire.MsgResent}, []byte("abc"))

	if n := env.app.executions(20); n != 1 {
		t.Fatalf("Expected x20 to execute once, executed %d times", n)
	}
	if first.Transno != second.Transno {
		t.Errorf("Expected the cached transno %d, got %d", first.Transno, second.Transno)
	}
	a, _ := first.Buf(0, 0)
	b, _ := second.Buf(0, 0)
	if !bytes.Equal(a, b) || !bytes.Equal(a, []byte("ok:abc")) {
		t.Errorf("Expected identical replies, got %q and %q", a, b)
	}
	if env.target.Service().metrics.duplicates.Get() != 1 {
		t.Errorf("Expected one duplicate, got %d", env.target.Service().metrics.duplicates.Get())
	}

	// the cache is per client
	other := env.connect(t, 2, "client-b", wire.ConnectReplayable, 0)
	env.peer.call(wire.Header{Opc: common.OpWrite, Xid: 20, Handle: other.Handle}, []byte("abc"))
	if n := env.app.executions(20); n != 2 {
		t.Errorf("Expected x20 of another client to execute, executed %d times", n)
	}
}

func TestTargetDuplicateInProgress(t *testing.T) {
	env := newTargetEnv(t, syncTargetConfig(), NewMemoryReplyCache(time.Minute))
	cd := env.connect(t, 1, "client-a", wire.ConnectReplayable, 0)

	gate := make(chan struct{})
	env.app.mu.Lock()
	env.app.gate = gate
	env.app.mu.Unlock()

	env.peer.send(wire.Header{Opc: common.OpWrite, Xid: 30, Handle: cd.Handle}, []byte("x"))
	waitFor(t, "write to start", func() bool { return env.app.executions(30) == 1 })
	env.peer.send(wire.Header{Opc: common.OpWrite, Xid: 30, Handle: cd.Handle, Flags: wire.MsgResent}, []byte("x"))
	waitFor(t, "duplicate to be dropped", func() bool {
		return env.target.Service().metrics.duplicates.Get() == 1
	})
	close(gate)

	rep := env.peer.recv()
	if rep.Xid != 30 || rep.Status != common.StatusOK {
		t.Fatalf("Unexpected reply %s", rep.Header.String())
	}
	env.peer.expectNoReply(100 * time.Millisecond)
	if n := env.app.executions(30); n != 1 {
		t.Errorf("Expected x30 to execute once, executed %d times", n)
	}
}

func TestTargetDelayedCommit(t *testing.T) {
	tcfg := common.DefaultTargetConfig(testTargetUUID)
	tcfg.CommitInterval = time.Hour
	env := newTargetEnv(t, tcfg, nil)
	cd := env.connect(t, 1, "client-a", wire.ConnectReplayable, 0)

	rep := env.peer.call(wire.Header{Opc: common.OpWrite, Xid: 2, Handle: cd.Handle}, []byte("x"))
	if rep.Transno != 1 || rep.LastCommitted != 0 {
		t.Fatalf("Expected transno 1 uncommitted, got %s", rep.Header.String())
	}
	env.target.Commit()
	rep = env.peer.call(wire.Header{Opc: common.OpPing, Xid: 3, Handle: cd.Handle})
	if rep.LastCommitted != 1 {
		t.Errorf("Expected last committed 1 after Commit, got %d", rep.LastCommitted)
	}
}

func TestTargetCommittableStopsAtInflight(t *testing.T) {
	tgt := &Target{inflight: make(map[uint64]struct{})}
	a := tgt.beginTx(0)
	b := tgt.beginTx(0)
	c := tgt.beginTx(0)
	tgt.endTx(a)
	tgt.endTx(c)
	if got := tgt.committable(); got != a {
		t.Errorf("Expected transactions up to %d to be committable, got %d", a, got)
	}
	tgt.endTx(b)
	if got := tgt.committable(); got != c {
		t.Errorf("Expected transactions up to %d to be committable, got %d", c, got)
	}
}

// TestTargetWithClient runs the RPC client against a target
func TestTargetWithClient(t *testing.T) {
	env := newTargetEnv(t, syncTargetConfig(), NewMemoryReplyCache(time.Minute))

	ni, err := env.net.NewInterface("client")
	if err != nil {
		t.Fatalf("Failed to create client interface: %v", err)
	}
	defer ni.Close()
	cfg := common.DefaultClientConfig()
	cfg.PingInterval = 0
	cfg.Import.Timeout = 2 * time.Second
	cfg.Import.ConnectTimeout = time.Second
	c, err := client.NewClient(cfg, ni)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	imp, err := c.Connect(ctx, env.target.Service().Self(), testTargetUUID)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if _, ok := env.target.Export(c.UUID()); !ok {
		t.Fatalf("Expected an export for client %s", c.UUID())
	}

	req, err := client.Prepare(imp, common.OpWrite, [][]byte{[]byte("payload")})
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	defer req.Finished()
	if err := client.QueueWait(ctx, req); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	body, err := req.Reply().Buf(0, 0)
	if err != nil || !bytes.Equal(body, []byte("ok:payload")) {
		t.Errorf("Unexpected reply body %q (%v)", body, err)
	}
	if req.Transno() != 1 {
		t.Errorf("Expected transno 1, got %d", req.Transno())
	}
	// committed synchronously, so nothing is kept for replay
	waitFor(t, "replay list to drain", func() bool { return imp.ReplayCount() == 0 })

	if err := imp.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	waitFor(t, "export to be dropped", func() bool { return env.target.Exports() == 0 })
}
