package tcp

import (
	"bytes"
	"testing"
	"time"

	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/ValentinKolb/dRPC/rpc/transport"
)

func newTestNetwork(t *testing.T) transport.INetwork {
	t.Helper()
	cfg := common.DefaultNetworkConfig()
	cfg.Address = "127.0.0.1:0"
	ni, err := NewTCPNetwork(cfg)
	if err != nil {
		t.Fatalf("Failed to create TCP network: %v", err)
	}
	t.Cleanup(func() { ni.Close() })
	return ni
}

func waitEvent(t *testing.T, ch chan *transport.Event) *transport.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("Timeout waiting for event")
		return nil
	}
}

// TestTCPPutAndReply sends a request over TCP and answers it on the reverse path
func TestTCPPutAndReply(t *testing.T) {
	client := newTestNetwork(t)
	server := newTestNetwork(t)

	requests := make(chan *transport.Event, 4)
	reqBuf := make([]byte, 4096)
	_, err := server.Attach(common.PortalOSTRequest, 0, ^uint64(0),
		transport.MD{Buffer: reqBuf, Threshold: transport.ThresholdInfinite, MaxSize: 1024, Options: transport.MDOpPut | transport.MDMaxSize},
		func(ev *transport.Event) { requests <- ev })
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	replies := make(chan *transport.Event, 4)
	repBuf := make([]byte, 256)
	if _, err := client.Attach(common.PortalClientReply, 1001, 0,
		transport.MD{Buffer: repBuf, Threshold: 1, Options: transport.MDOpPut},
		func(ev *transport.Event) { replies <- ev }); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	if _, err := client.Put(transport.MD{Buffer: []byte("ping")}, server.Self(), common.PortalOSTRequest, 1001, 0, nil); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	req := waitEvent(t, requests)
	if req.Initiator.NID != client.Self().NID {
		t.Errorf("Expected initiator %s, got %s", client.Self().NID, req.Initiator.NID)
	}
	if got := reqBuf[req.Offset : req.Offset+req.MLength]; string(got) != "ping" {
		t.Errorf("Unexpected request %q", got)
	}

	if _, err := server.Put(transport.MD{Buffer: []byte("pong")}, req.Initiator, common.PortalClientReply, req.MatchBits, 0, nil); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	rep := waitEvent(t, replies)
	if !rep.Unlinked || string(repBuf[:rep.MLength]) != "pong" {
		t.Errorf("Unexpected reply %+v %q", rep, repBuf[:rep.MLength])
	}
}

// TestTCPBulkGet pulls a multi page buffer from the peer
func TestTCPBulkGet(t *testing.T) {
	client := newTestNetwork(t)
	server := newTestNetwork(t)

	data := bytes.Repeat([]byte("0123456789abcdef"), 8192) // 128 KiB
	srcEvents := make(chan *transport.Event, 2)
	if _, err := client.Attach(common.PortalOSTBulk, 55, 0,
		transport.MD{Iov: [][]byte{data[:65536], data[65536:]}, Threshold: 1, Options: transport.MDOpGet},
		func(ev *transport.Event) { srcEvents <- ev }); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	sink := make([]byte, len(data))
	done := make(chan *transport.Event, 1)
	if _, err := server.Get(transport.MD{Buffer: sink}, client.Self(), common.PortalOSTBulk, 55, func(ev *transport.Event) { done <- ev }); err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	ev := waitEvent(t, done)
	if ev.Status != nil || ev.MLength != len(data) {
		t.Fatalf("Unexpected reply event %+v", ev)
	}
	if !bytes.Equal(sink, data) {
		t.Errorf("Bulk data mismatch")
	}
	if ev := waitEvent(t, srcEvents); ev.Type != transport.EventGet || !ev.Unlinked {
		t.Errorf("Unexpected source event %+v", ev)
	}
}

// TestTCPUnreachable verifies that a send to a closed port fails
func TestTCPUnreachable(t *testing.T) {
	client := newTestNetwork(t)

	events := make(chan *transport.Event, 1)
	client.Put(transport.MD{Buffer: []byte("x")}, transport.ProcessID{NID: "tcp:127.0.0.1:1"}, 1, 1, 0, func(ev *transport.Event) { events <- ev })
	if ev := waitEvent(t, events); ev.Status == nil {
		t.Errorf("Expected send to fail")
	}
}
