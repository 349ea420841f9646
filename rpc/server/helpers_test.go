package server

import (
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/ValentinKolb/dRPC/rpc/transport"
	"github.com/ValentinKolb/dRPC/rpc/transport/local"
	"github.com/ValentinKolb/dRPC/rpc/wire"
)

// testPeer sends raw requests to a service and collects replies and ack
// probes.
type testPeer struct {
	t       *testing.T
	ni      transport.INetwork
	server  transport.ProcessID
	replies chan *wire.Message
	probes  chan []uint64
}

func newTestPeer(t *testing.T, net *local.Network, name string, server transport.ProcessID) *testPeer {
	t.Helper()
	ni, err := net.NewInterface(name)
	if err != nil {
		t.Fatalf("Failed to create peer interface: %v", err)
	}
	p := &testPeer{
		t:       t,
		ni:      ni,
		server:  server,
		replies: make(chan *wire.Message, 128),
		probes:  make(chan []uint64, 16),
	}
	p.listen(common.PortalClientReply, func(msg *wire.Message) {
		p.replies <- msg
	})
	p.listen(common.PortalClientCallback, func(msg *wire.Message) {
		xids, err := wire.DecodeXids(msg, 0)
		if err != nil {
			t.Errorf("Malformed ack probe: %v", err)
			return
		}
		p.probes <- xids
	})
	t.Cleanup(func() { ni.Close() })
	return p
}

func (p *testPeer) listen(portal transport.Portal, fn func(msg *wire.Message)) {
	buf := make([]byte, 1<<20)
	_, err := p.ni.Attach(portal, 0, ^uint64(0), transport.MD{
		Buffer:    buf,
		Threshold: transport.ThresholdInfinite,
		MaxSize:   16 << 10,
		Options:   transport.MDOpPut | transport.MDMaxSize,
	}, func(ev *transport.Event) {
		if ev.Type != transport.EventPut || ev.Status != nil {
			return
		}
		data := append([]byte(nil), buf[ev.Offset:ev.Offset+ev.MLength]...)
		msg, err := wire.Unpack(data, len(data))
		if err != nil {
			p.t.Errorf("Peer received malformed message: %v", err)
			return
		}
		fn(msg)
	})
	if err != nil {
		p.t.Fatalf("Failed to attach peer buffer: %v", err)
	}
}

// sendRaw puts data on the request portal of the server
func (p *testPeer) sendRaw(data []byte) {
	p.t.Helper()
	if _, err := p.ni.Put(transport.MD{Buffer: data}, p.server, common.PortalOSTRequest, 0, 0, nil); err != nil {
		p.t.Fatalf("Put failed: %v", err)
	}
}

// send packs and sends a request
func (p *testPeer) send(hdr wire.Header, segments ...[]byte) {
	p.t.Helper()
	hdr.Type = wire.TypeRequest
	buf, err := wire.Pack(&hdr, segments, 0)
	if err != nil {
		p.t.Fatalf("Pack failed: %v", err)
	}
	p.sendRaw(buf)
}

// recv waits for the next reply
func (p *testPeer) recv() *wire.Message {
	p.t.Helper()
	select {
	case msg := <-p.replies:
		return msg
	case <-time.After(3 * time.Second):
		p.t.Fatalf("Timed out waiting for a reply")
		return nil
	}
}

// call sends a request and waits for its reply
func (p *testPeer) call(hdr wire.Header, segments ...[]byte) *wire.Message {
	p.t.Helper()
	p.send(hdr, segments...)
	msg := p.recv()
	if msg.Xid != hdr.Xid {
		p.t.Fatalf("Expected reply to x%d, got x%d", hdr.Xid, msg.Xid)
	}
	return msg
}

// expectNoReply fails if a reply arrives within d
func (p *testPeer) expectNoReply(d time.Duration) {
	p.t.Helper()
	select {
	case msg := <-p.replies:
		p.t.Fatalf("Unexpected reply %s", msg.Header.String())
	case <-time.After(d):
	}
}

// waitFor polls cond until it holds or the timeout passed
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func testServiceConfig() common.ServiceConfig {
	cfg := common.DefaultServiceConfig(common.PresetOST)
	cfg.NBufsPerGroup = 2
	cfg.MaxBuffers = 8
	cfg.Threads = 2
	cfg.MaxHistory = 16
	cfg.DifficultTimeout = time.Second
	cfg.BulkTimeout = 2 * time.Second
	return cfg
}

// startService starts a service on a fresh local network and returns a peer
// talking to it
func startService(t *testing.T, cfg common.ServiceConfig, h IHandler, setup ...func(s *Service)) (*Service, *testPeer, *local.Network) {
	t.Helper()
	net := local.NewNetwork()
	ni, err := net.NewInterface("server")
	if err != nil {
		t.Fatalf("Failed to create server interface: %v", err)
	}
	s, err := NewService(cfg, ni, h)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	for _, fn := range setup {
		fn(s)
	}
	if err := s.Start(0); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		s.Stop()
		ni.Close()
	})
	return s, newTestPeer(t, net, "peer", ni.Self()), net
}

// lockRecorder records released locks
type lockRecorder struct {
	mu       sync.Mutex
	released []wire.LockHandle
}

func (l *lockRecorder) ReleaseLock(h wire.LockHandle, mode uint32) {
	l.mu.Lock()
	l.released = append(l.released, h)
	l.mu.Unlock()
}

func (l *lockRecorder) handles() []wire.LockHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]wire.LockHandle(nil), l.released...)
}

func (l *lockRecorder) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.released)
}
