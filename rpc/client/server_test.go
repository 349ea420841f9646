package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/ValentinKolb/dRPC/rpc/transport"
	"github.com/ValentinKolb/dRPC/rpc/transport/local"
	"github.com/ValentinKolb/dRPC/rpc/wire"
)

const testTarget = "OST0000_UUID"

// reply is what a test handler answers; a nil reply sends nothing
type reply struct {
	status        int32
	flags         uint32
	transno       uint64
	lastCommitted uint64
	generation    uint32 // overrides the echoed generation when non-zero
	segments      [][]byte
}

// testServer answers requests on the OST request portal. Connects are
// handled internally, everything else goes to handler.
type testServer struct {
	t  *testing.T
	ni transport.INetwork

	mu        sync.Mutex
	instance  uint64
	handle    uint64
	transno   uint64
	committed uint64
	handler   func(msg *wire.Message) *reply
	received  []wire.Header
	connects  int
	acked     []uint64
}

func newTestServer(t *testing.T, net *local.Network, name string) *testServer {
	t.Helper()
	ni, err := net.NewInterface(name)
	if err != nil {
		t.Fatalf("Failed to create server interface: %v", err)
	}
	s := &testServer{t: t, ni: ni, instance: 1, handle: 0x1000}
	s.attach()
	t.Cleanup(func() { s.ni.Close() })
	return s
}

func (s *testServer) attach() {
	buf := make([]byte, 256<<10)
	_, err := s.ni.Attach(common.PortalOSTRequest, 0, ^uint64(0), transport.MD{
		Buffer:    buf,
		Threshold: transport.ThresholdInfinite,
		MaxSize:   8 << 10,
		Options:   transport.MDOpPut | transport.MDMaxSize,
	}, func(ev *transport.Event) {
		if ev.Type == transport.EventPut && ev.Status == nil {
			data := append([]byte(nil), buf[ev.Offset:ev.Offset+ev.MLength]...)
			s.serve(ev.Initiator, data)
		}
		if ev.Unlinked && ev.Type != transport.EventUnlink {
			s.attach()
		}
	})
	if err != nil {
		s.t.Errorf("Failed to attach request buffer: %v", err)
	}
}

func (s *testServer) self() transport.ProcessID { return s.ni.Self() }

func (s *testServer) setHandler(h func(msg *wire.Message) *reply) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// restart simulates a server reboot: new instance, uncommitted state lost
func (s *testServer) restart() {
	s.mu.Lock()
	s.instance++
	s.handle++
	s.transno = s.committed
	s.mu.Unlock()
}

func (s *testServer) connectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

func (s *testServer) nextTransno() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transno++
	return s.transno
}

func (s *testServer) headers() []wire.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]wire.Header(nil), s.received...)
}

// requestsFor returns the received headers with opcode opc
func (s *testServer) requestsFor(opc common.Opcode) []wire.Header {
	var hs []wire.Header
	for _, h := range s.headers() {
		if h.Opc == opc {
			hs = append(hs, h)
		}
	}
	return hs
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

func (s *testServer) serve(from transport.ProcessID, data []byte) {
	msg, err := wire.Unpack(data, len(data))
	if err != nil {
		s.t.Errorf("Server received malformed request: %v", err)
		return
	}
	s.mu.Lock()
	s.received = append(s.received, msg.Header)
	handler := s.handler
	s.mu.Unlock()

	var rep *reply
	switch msg.Opc {
	case common.OpConnect:
		rep = s.connect(msg)
	case common.OpDisconnect:
		rep = &reply{}
	case common.OpReplyAck:
		xids, err := wire.DecodeXids(msg, 0)
		if err != nil {
			s.t.Errorf("Malformed reply ack: %v", err)
			return
		}
		s.mu.Lock()
		s.acked = append(s.acked, xids...)
		s.mu.Unlock()
		rep = &reply{}
	default:
		if handler != nil {
			rep = handler(msg)
		} else {
			rep = &reply{}
		}
	}
	if rep == nil {
		return
	}

	s.mu.Lock()
	hdr := wire.Header{
		Type:          wire.TypeReply,
		Opc:           msg.Opc,
		Flags:         rep.flags,
		Status:        rep.status,
		Xid:           msg.Xid,
		Transno:       rep.transno,
		LastCommitted: max(rep.lastCommitted, s.committed),
		Generation:    msg.Generation,
	}
	s.mu.Unlock()
	if rep.generation != 0 {
		hdr.Generation = rep.generation
	}
	if rep.status != 0 {
		hdr.Type = wire.TypeErr
	}
	buf, err := wire.Pack(&hdr, rep.segments, 0)
	if err != nil {
		s.t.Errorf("Failed to pack reply: %v", err)
		return
	}
	if _, err := s.ni.Put(transport.MD{Buffer: buf}, from, common.PortalClientReply, msg.Xid, 0, nil); err != nil {
		s.t.Errorf("Failed to send reply: %v", err)
	}
}

func (s *testServer) connect(msg *wire.Message) *reply {
	if _, err := wire.DecodeConnectData(msg, 0); err != nil {
		s.t.Errorf("Malformed connect: %v", err)
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects++
	data := wire.ConnectData{Handle: s.handle, Instance: s.instance, LastCommitted: s.committed, LastTransno: s.transno}
	return &reply{segments: [][]byte{data.Encode()}}
}

// --------------------------------------------------------------------------
// Client helpers
// --------------------------------------------------------------------------

func testClientConfig() common.ClientConfig {
	cfg := common.DefaultClientConfig()
	cfg.PingInterval = 0
	cfg.Import.Timeout = 2 * time.Second
	cfg.Import.ConnectTimeout = time.Second
	cfg.Import.MinReconnectInterval = 10 * time.Millisecond
	cfg.Import.MaxReconnectInterval = 50 * time.Millisecond
	cfg.Import.RecoveryRetries = 3
	return cfg
}

type testEnv struct {
	net    *local.Network
	server *testServer
	client *Client
}

func newTestEnv(t *testing.T, cfg common.ClientConfig) *testEnv {
	t.Helper()
	net := local.NewNetwork()
	srv := newTestServer(t, net, "server")
	ni, err := net.NewInterface("client")
	if err != nil {
		t.Fatalf("Failed to create client interface: %v", err)
	}
	c, err := NewClient(cfg, ni)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	t.Cleanup(func() {
		net.SetFilter(nil)
		net.Release()
		c.Close()
		ni.Close()
	})
	return &testEnv{net: net, server: srv, client: c}
}

func (e *testEnv) connect(t *testing.T) *Import {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	imp, err := e.client.Connect(ctx, e.server.self(), testTarget)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	return imp
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// requestFilter matches PUTs to the server's request portal with opcode opc
func requestFilter(opc common.Opcode, m *local.Message) bool {
	if m.Op != "PUT" || m.Portal != common.PortalOSTRequest {
		return false
	}
	msg, err := wire.Unpack(m.Data, len(m.Data))
	return err == nil && msg.Opc == opc
}
