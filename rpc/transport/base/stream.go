package base

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/ValentinKolb/dRPC/rpc/transport"
	"github.com/puzpuzpuz/xsync/v3"
)

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IConnector defines the transport-specific socket operations of the stream driver
type IConnector interface {
	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string

	// Listen creates a listener on address
	Listen(address string) (net.Listener, error)

	// Dial establishes a single connection to address
	Dial(address string, timeout time.Duration) (net.Conn, error)

	// UpgradeConnection applies protocol-specific settings to an established connection
	UpgradeConnection(conn net.Conn, config common.NetworkConfig) error
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// peerConn is a single socket to a peer. Outgoing operations use the socket
// dialed by this side; GET replies travel back on the socket the GET came in on.
type peerConn struct {
	conn        net.Conn
	remote      transport.ProcessID
	writeMu     sync.Mutex
	pendingGets *xsync.MapOf[uint64, struct{}]
	closed      atomic.Bool
	outbound    bool
}

// streamDriver implements IDriver over connection oriented sockets
type streamDriver struct {
	connector  IConnector
	config     common.NetworkConfig
	ni         *NI
	listener   net.Listener
	peers      *xsync.MapOf[string, *peerConn]
	inbound    *xsync.MapOf[*peerConn, struct{}]
	dialMu     sync.Mutex
	bufferPool *sync.Pool
	stopping   atomic.Bool
	wg         sync.WaitGroup
}

// -----------------------------------------------------------
// Factory Method (used for tcp, unix)
// -----------------------------------------------------------

// NewStreamNetwork listens on config.Address with connector and returns the
// network interface. The NID of the interface is derived from the address
// actually bound, so port 0 may be used.
func NewStreamNetwork(connector IConnector, config common.NetworkConfig) (*NI, error) {
	listener, err := connector.Listen(config.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to create listener: %w", err)
	}

	bufferSize := 64 * 1024
	d := &streamDriver{
		connector: connector,
		config:    config,
		listener:  listener,
		peers:     xsync.NewMapOf[string, *peerConn](),
		inbound:   xsync.NewMapOf[*peerConn, struct{}](),
		bufferPool: &sync.Pool{
			New: func() interface{} {
				return make([]byte, bufferSize)
			},
		},
	}

	self := transport.ProcessID{NID: connector.GetName() + ":" + listener.Addr().String()}
	ni, err := NewNI(self, d)
	if err != nil {
		listener.Close()
		return nil, err
	}
	return ni, nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see base.IDriver)
// --------------------------------------------------------------------------

func (d *streamDriver) Name() string {
	return d.connector.GetName()
}

func (d *streamDriver) Start(ni *NI) error {
	d.ni = ni
	d.wg.Add(1)
	go d.acceptLoop()
	Logger.Infof("Starting %s driver on %s", d.connector.GetName(), d.listener.Addr())
	return nil
}

func (d *streamDriver) SendPut(target transport.ProcessID, msg *PutMessage) error {
	pc, err := d.getPeer(target)
	if err != nil {
		return err
	}
	hdr := &frameHeader{
		op:        framePut,
		portal:    msg.Portal,
		length:    uint32(msg.Len()),
		matchBits: msg.MatchBits,
		hdrData:   msg.HdrData,
	}
	if err := d.write(pc, hdr, msg.Data); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrUnreachable, err)
	}
	return nil
}

func (d *streamDriver) SendGet(target transport.ProcessID, msg *GetMessage) error {
	pc, err := d.getPeer(target)
	if err != nil {
		return err
	}
	pc.pendingGets.Store(msg.ID, struct{}{})
	hdr := &frameHeader{
		op:        frameGet,
		portal:    msg.Portal,
		length:    uint32(msg.Length),
		matchBits: msg.MatchBits,
		id:        msg.ID,
	}
	if err := d.write(pc, hdr, nil); err != nil {
		if _, ok := pc.pendingGets.LoadAndDelete(msg.ID); !ok {
			// the reader already failed it while closing the socket
			return nil
		}
		return fmt.Errorf("%w: %v", transport.ErrUnreachable, err)
	}
	return nil
}

func (d *streamDriver) Close() error {
	d.stopping.Store(true)
	err := d.listener.Close()
	d.peers.Range(func(_ string, pc *peerConn) bool {
		d.closePeer(pc, transport.ErrClosed)
		return true
	})
	d.inbound.Range(func(pc *peerConn, _ struct{}) bool {
		d.closePeer(pc, transport.ErrClosed)
		return true
	})
	d.wg.Wait()
	return err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// address strips the transport prefix of a NID
func (d *streamDriver) address(nid string) (string, error) {
	prefix := d.connector.GetName() + ":"
	if !strings.HasPrefix(nid, prefix) {
		return "", fmt.Errorf("%w: %s is not a %s nid", transport.ErrUnreachable, nid, d.connector.GetName())
	}
	return strings.TrimPrefix(nid, prefix), nil
}

// getPeer returns the outgoing socket to target, dialing it if necessary
func (d *streamDriver) getPeer(target transport.ProcessID) (*peerConn, error) {
	if d.stopping.Load() {
		return nil, transport.ErrClosed
	}
	if pc, ok := d.peers.Load(target.NID); ok && !pc.closed.Load() {
		return pc, nil
	}

	d.dialMu.Lock()
	defer d.dialMu.Unlock()
	if pc, ok := d.peers.Load(target.NID); ok && !pc.closed.Load() {
		return pc, nil
	}

	addr, err := d.address(target.NID)
	if err != nil {
		return nil, err
	}
	conn, err := d.connector.Dial(addr, d.config.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to %s: %v", transport.ErrUnreachable, target.NID, err)
	}
	if err := d.connector.UpgradeConnection(conn, d.config); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: failed to upgrade connection to %s: %v", transport.ErrUnreachable, target.NID, err)
	}

	pc := &peerConn{
		conn:        conn,
		remote:      target,
		pendingGets: xsync.NewMapOf[uint64, struct{}](),
		outbound:    true,
	}
	self := d.ni.Self()
	hello := &frameHeader{op: frameHello, length: uint32(len(self.NID)), hdrData: uint64(self.PID)}
	if err := d.write(pc, hello, [][]byte{[]byte(self.NID)}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: hello to %s failed: %v", transport.ErrUnreachable, target.NID, err)
	}

	d.peers.Store(target.NID, pc)
	d.wg.Add(1)
	go d.readLoop(pc)
	Logger.Debugf("Connected to %s", target.NID)
	return pc, nil
}

// write sends one frame under the socket's write lock
func (d *streamDriver) write(pc *peerConn, hdr *frameHeader, payload [][]byte) error {
	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()
	if pc.closed.Load() {
		return errors.New("connection closed")
	}
	if d.config.WriteTimeout > 0 {
		if err := pc.conn.SetWriteDeadline(time.Now().Add(d.config.WriteTimeout)); err != nil {
			return err
		}
	}
	if err := writeFrame(pc.conn, hdr, payload); err != nil {
		go d.closePeer(pc, err)
		return err
	}
	return nil
}

// acceptLoop accepts incoming sockets until the listener is closed
func (d *streamDriver) acceptLoop() {
	defer d.wg.Done()
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			if d.stopping.Load() {
				return
			}
			Logger.Errorf("Accept error: %v", err)
			continue
		}
		if err := d.connector.UpgradeConnection(conn, d.config); err != nil {
			Logger.Warningf("Failed to upgrade incoming connection from %s: %v", conn.RemoteAddr(), err)
			conn.Close()
			continue
		}
		pc := &peerConn{conn: conn, pendingGets: xsync.NewMapOf[uint64, struct{}]()}
		d.inbound.Store(pc, struct{}{})
		d.wg.Add(1)
		go d.readLoop(pc)
	}
}

// readLoop reads frames from one socket and hands them to the interface
func (d *streamDriver) readLoop(pc *peerConn) {
	defer d.wg.Done()

	for {
		buf := d.bufferPool.Get().([]byte)
		hdr, payload, err := readFrame(pc.conn, buf, d.config.MaxFrameSize)
		if err != nil {
			d.bufferPool.Put(buf)
			if err != io.EOF && !d.stopping.Load() && !pc.closed.Load() {
				Logger.Warningf("Connection to %s failed: %v", pc.remote.NID, err)
			}
			d.closePeer(pc, err)
			return
		}

		switch hdr.op {
		case frameHello:
			pc.remote = transport.ProcessID{NID: string(payload), PID: uint32(hdr.hdrData)}
			Logger.Debugf("Accepted connection from %s", pc.remote.NID)

		case framePut:
			if pc.remote.NID == "" {
				Logger.Warningf("Dropping PUT on connection without hello from %s", pc.conn.RemoteAddr())
				break
			}
			_ = d.ni.DeliverPut(pc.remote, hdr.portal, hdr.matchBits, hdr.hdrData, payload)

		case frameGet:
			data, gerr := d.ni.ServeGet(pc.remote, hdr.portal, hdr.matchBits, int(hdr.length))
			reply := &frameHeader{op: frameGetReply, id: hdr.id, portal: hdr.portal, matchBits: hdr.matchBits}
			switch {
			case gerr == nil:
				reply.length = uint32(len(data))
			case errors.Is(gerr, transport.ErrNoMatch):
				reply.status = frameStatusNoMatch
				data = nil
			default:
				reply.status = frameStatusError
				data = nil
			}
			if werr := d.write(pc, reply, [][]byte{data}); werr != nil {
				Logger.Warningf("Failed to send GET reply to %s: %v", pc.remote.NID, werr)
			}

		case frameGetReply:
			if _, ok := pc.pendingGets.LoadAndDelete(hdr.id); !ok {
				break
			}
			var status error
			switch hdr.status {
			case frameStatusOK:
			case frameStatusNoMatch:
				status = transport.ErrNoMatch
			default:
				status = fmt.Errorf("%w: remote error", transport.ErrUnreachable)
			}
			d.ni.DeliverGetReply(hdr.id, payload, status)

		default:
			Logger.Warningf("Unknown frame op %d from %s", hdr.op, pc.remote.NID)
		}
		d.bufferPool.Put(buf)
	}
}

// closePeer closes a socket once and fails the GETs waiting on it
func (d *streamDriver) closePeer(pc *peerConn, cause error) {
	if !pc.closed.CompareAndSwap(false, true) {
		return
	}
	pc.conn.Close()
	if pc.outbound {
		d.peers.Compute(pc.remote.NID, func(old *peerConn, loaded bool) (*peerConn, bool) {
			return old, !loaded || old == pc
		})
	} else {
		d.inbound.Delete(pc)
	}
	pc.pendingGets.Range(func(id uint64, _ struct{}) bool {
		if _, ok := pc.pendingGets.LoadAndDelete(id); ok {
			d.ni.DeliverGetReply(id, nil, fmt.Errorf("%w: %v", transport.ErrUnreachable, cause))
		}
		return true
	})
}
