package base

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/dRPC/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("transport")

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// PutMessage is handed to a driver to transmit a PUT. Data must not be
// retained after SendPut returns.
type PutMessage struct {
	Portal    transport.Portal
	MatchBits uint64
	HdrData   uint64
	Data      [][]byte
}

// Len returns the payload length
func (m *PutMessage) Len() int {
	n := 0
	for _, d := range m.Data {
		n += len(d)
	}
	return n
}

// GetMessage is handed to a driver to transmit a GET request. The reply is
// reported back through NI.DeliverGetReply with the same ID.
type GetMessage struct {
	ID        uint64
	Portal    transport.Portal
	MatchBits uint64
	Length    int
}

// IDriver moves operations between interfaces (e.g. over sockets or in memory)
type IDriver interface {
	// Name returns the name of the transport type (e.g., "local", "tcp")
	Name() string

	// Start brings the driver up; incoming operations are delivered to ni
	Start(ni *NI) error

	// SendPut transmits a PUT to target and returns once it left
	SendPut(target transport.ProcessID, msg *PutMessage) error

	// SendGet transmits a GET request to target. It must not block on the reply.
	SendGet(target transport.ProcessID, msg *GetMessage) error

	// Close stops the driver
	Close() error
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// md is a linked memory descriptor
type md struct {
	handle transport.MDHandle
	desc   transport.MD
	cb     transport.Callback

	// passive descriptors
	passive    bool
	portal     transport.Portal
	matchBits  uint64
	ignoreBits uint64
	offset     int
	threshold  int

	// active descriptors
	target transport.ProcessID
	isGet  bool
}

// Stats counts the traffic of an interface
type Stats struct {
	Puts     int64 // PUTs delivered into passive descriptors
	Gets     int64 // GETs served from passive descriptors
	Dropped  int64 // incoming operations without a matching descriptor
	Sent     int64 // PUTs sent
	Linked   int   // descriptors currently linked
	Inflight int   // events not yet delivered
}

// NI is a network interface implementing transport.INetwork on top of a
// driver. It owns the portal table, the match engine and the event queue.
type NI struct {
	self   transport.ProcessID
	driver IDriver
	events *eventQueue

	mu         sync.Mutex
	portals    map[transport.Portal][]*md
	mds        map[transport.MDHandle]*md
	nextHandle uint64
	closed     bool

	puts, gets, dropped, sent atomic.Int64
}

// --------------------------------------------------------------------------
// Factory Method (used for tcp, unix, local)
// --------------------------------------------------------------------------

// NewNI creates an interface named self and starts its driver
func NewNI(self transport.ProcessID, driver IDriver) (*NI, error) {
	ni := &NI{
		self:    self,
		driver:  driver,
		events:  newEventQueue(),
		portals: make(map[transport.Portal][]*md),
		mds:     make(map[transport.MDHandle]*md),
	}
	if err := driver.Start(ni); err != nil {
		ni.events.close()
		return nil, fmt.Errorf("failed to start %s driver: %w", driver.Name(), err)
	}
	Logger.Infof("Network interface %s up (%s driver)", self, driver.Name())
	return ni, nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.INetwork)
// --------------------------------------------------------------------------

func (ni *NI) Self() transport.ProcessID {
	return ni.self
}

func (ni *NI) Attach(portal transport.Portal, matchBits, ignoreBits uint64, desc transport.MD, cb transport.Callback) (transport.MDHandle, error) {
	if desc.Threshold == 0 || desc.Threshold < transport.ThresholdInfinite {
		return transport.InvalidHandle, fmt.Errorf("invalid threshold %d", desc.Threshold)
	}
	if desc.Options&(transport.MDOpPut|transport.MDOpGet) == 0 {
		return transport.InvalidHandle, errors.New("descriptor accepts neither PUT nor GET")
	}
	if desc.Options&transport.MDMaxSize != 0 && (desc.MaxSize <= 0 || desc.MaxSize > desc.Len()) {
		return transport.InvalidHandle, fmt.Errorf("invalid max size %d for %d byte descriptor", desc.MaxSize, desc.Len())
	}

	ni.mu.Lock()
	defer ni.mu.Unlock()
	if ni.closed {
		return transport.InvalidHandle, transport.ErrClosed
	}

	ni.nextHandle++
	m := &md{
		handle:     transport.MDHandle(ni.nextHandle),
		desc:       desc,
		cb:         cb,
		passive:    true,
		portal:     portal,
		matchBits:  matchBits,
		ignoreBits: ignoreBits,
		threshold:  desc.Threshold,
	}
	ni.portals[portal] = append(ni.portals[portal], m)
	ni.mds[m.handle] = m
	return m.handle, nil
}

func (ni *NI) Put(desc transport.MD, target transport.ProcessID, portal transport.Portal, matchBits, hdrData uint64, cb transport.Callback) (transport.MDHandle, error) {
	ni.mu.Lock()
	if ni.closed {
		ni.mu.Unlock()
		return transport.InvalidHandle, transport.ErrClosed
	}
	ni.nextHandle++
	m := &md{handle: transport.MDHandle(ni.nextHandle), desc: desc, cb: cb, target: target}
	ni.mds[m.handle] = m
	ni.mu.Unlock()

	data := desc.Iov
	if data == nil {
		data = [][]byte{desc.Buffer}
	}
	msg := &PutMessage{Portal: portal, MatchBits: matchBits, HdrData: hdrData, Data: data}
	err := ni.driver.SendPut(target, msg)
	if err == nil {
		ni.sent.Add(1)
	} else {
		Logger.Debugf("%s: PUT to %s portal %d bits %d failed: %v", ni.self, target, portal, matchBits, err)
	}

	ni.mu.Lock()
	delete(ni.mds, m.handle)
	ev := &transport.Event{
		Type:      transport.EventSend,
		Handle:    m.handle,
		Initiator: ni.self,
		Portal:    portal,
		MatchBits: matchBits,
		HdrData:   hdrData,
		RLength:   msg.Len(),
		Status:    err,
		Unlinked:  true,
	}
	if err == nil {
		ev.MLength = ev.RLength
	}
	ni.events.push(ev, cb)
	ni.mu.Unlock()
	return m.handle, nil
}

func (ni *NI) Get(desc transport.MD, target transport.ProcessID, portal transport.Portal, matchBits uint64, cb transport.Callback) (transport.MDHandle, error) {
	ni.mu.Lock()
	if ni.closed {
		ni.mu.Unlock()
		return transport.InvalidHandle, transport.ErrClosed
	}
	ni.nextHandle++
	m := &md{handle: transport.MDHandle(ni.nextHandle), desc: desc, cb: cb, target: target, isGet: true, portal: portal, matchBits: matchBits}
	ni.mds[m.handle] = m
	ni.mu.Unlock()

	msg := &GetMessage{ID: uint64(m.handle), Portal: portal, MatchBits: matchBits, Length: desc.Len()}
	if err := ni.driver.SendGet(target, msg); err != nil {
		ni.DeliverGetReply(msg.ID, nil, err)
	}
	return m.handle, nil
}

func (ni *NI) Unlink(h transport.MDHandle) error {
	ni.mu.Lock()
	defer ni.mu.Unlock()

	m, ok := ni.mds[h]
	if !ok {
		return transport.ErrMDNotFound
	}
	if !m.passive && !m.isGet {
		// a PUT in flight completes with its own final event
		return nil
	}
	ni.removeLocked(m)
	ni.events.push(&transport.Event{
		Type:      transport.EventUnlink,
		Handle:    m.handle,
		Initiator: ni.self,
		Portal:    m.portal,
		MatchBits: m.matchBits,
		Unlinked:  true,
	}, m.cb)
	return nil
}

func (ni *NI) Close() error {
	ni.mu.Lock()
	if ni.closed {
		ni.mu.Unlock()
		return nil
	}
	ni.closed = true
	for _, m := range ni.mds {
		if !m.passive && !m.isGet {
			continue
		}
		ni.events.push(&transport.Event{
			Type:      transport.EventUnlink,
			Handle:    m.handle,
			Initiator: ni.self,
			Portal:    m.portal,
			MatchBits: m.matchBits,
			Status:    transport.ErrClosed,
			Unlinked:  true,
		}, m.cb)
	}
	ni.mds = make(map[transport.MDHandle]*md)
	ni.portals = make(map[transport.Portal][]*md)
	ni.mu.Unlock()

	err := ni.driver.Close()
	ni.events.close()
	Logger.Infof("Network interface %s down", ni.self)
	return err
}

// --------------------------------------------------------------------------
// Delivery (called by drivers)
// --------------------------------------------------------------------------

// DeliverPut places an incoming PUT into the first matching passive
// descriptor. ErrNoMatch is returned if the message was dropped.
func (ni *NI) DeliverPut(from transport.ProcessID, portal transport.Portal, matchBits, hdrData uint64, data []byte) error {
	ni.mu.Lock()
	defer ni.mu.Unlock()
	if ni.closed {
		return transport.ErrClosed
	}

	m, offset, mlength := ni.matchLocked(portal, matchBits, transport.MDOpPut, len(data))
	if m == nil {
		ni.dropped.Add(1)
		Logger.Debugf("%s: dropping PUT from %s portal %d bits %d (%d bytes): no match", ni.self, from, portal, matchBits, len(data))
		return transport.ErrNoMatch
	}
	copyInto(&m.desc, offset, data[:mlength])
	if m.desc.Options&transport.MDMaxSize != 0 {
		m.offset += mlength
	}
	ni.puts.Add(1)

	unlinked := ni.consumeLocked(m)
	ni.events.push(&transport.Event{
		Type:      transport.EventPut,
		Handle:    m.handle,
		Initiator: from,
		Portal:    portal,
		MatchBits: matchBits,
		HdrData:   hdrData,
		Offset:    offset,
		RLength:   len(data),
		MLength:   mlength,
		Unlinked:  unlinked,
	}, m.cb)
	return nil
}

// ServeGet reads from the first passive descriptor matching an incoming GET.
func (ni *NI) ServeGet(from transport.ProcessID, portal transport.Portal, matchBits uint64, length int) ([]byte, error) {
	ni.mu.Lock()
	defer ni.mu.Unlock()
	if ni.closed {
		return nil, transport.ErrClosed
	}

	m, offset, mlength := ni.matchLocked(portal, matchBits, transport.MDOpGet, length)
	if m == nil {
		ni.dropped.Add(1)
		Logger.Debugf("%s: rejecting GET from %s portal %d bits %d: no match", ni.self, from, portal, matchBits)
		return nil, transport.ErrNoMatch
	}
	data := copyOut(&m.desc, offset, mlength)
	ni.gets.Add(1)

	unlinked := ni.consumeLocked(m)
	ni.events.push(&transport.Event{
		Type:      transport.EventGet,
		Handle:    m.handle,
		Initiator: from,
		Portal:    portal,
		MatchBits: matchBits,
		Offset:    offset,
		RLength:   length,
		MLength:   mlength,
		Unlinked:  unlinked,
	}, m.cb)
	return data, nil
}

// DeliverGetReply completes a GET started by this interface. Replies for
// descriptors that were unlinked in the meantime are ignored.
func (ni *NI) DeliverGetReply(id uint64, data []byte, status error) {
	ni.mu.Lock()
	defer ni.mu.Unlock()

	m, ok := ni.mds[transport.MDHandle(id)]
	if !ok || !m.isGet {
		Logger.Debugf("%s: ignoring GET reply for unknown descriptor %d", ni.self, id)
		return
	}
	delete(ni.mds, m.handle)

	ev := &transport.Event{
		Type:      transport.EventReply,
		Handle:    m.handle,
		Initiator: m.target,
		Portal:    m.portal,
		MatchBits: m.matchBits,
		RLength:   m.desc.Len(),
		Status:    status,
		Unlinked:  true,
	}
	if status == nil {
		n := len(data)
		if n > m.desc.Len() {
			n = m.desc.Len()
		}
		copyInto(&m.desc, 0, data[:n])
		ev.MLength = n
	}
	ni.events.push(ev, m.cb)
}

// Stats returns a snapshot of the interface counters
func (ni *NI) Stats() Stats {
	ni.mu.Lock()
	linked := len(ni.mds)
	ni.mu.Unlock()
	return Stats{
		Puts:     ni.puts.Load(),
		Gets:     ni.gets.Load(),
		Dropped:  ni.dropped.Load(),
		Sent:     ni.sent.Load(),
		Linked:   linked,
		Inflight: ni.events.len(),
	}
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// matchLocked finds the first passive descriptor on portal accepting an
// operation of rlength bytes and returns the placement.
func (ni *NI) matchLocked(portal transport.Portal, bits uint64, op transport.MDOptions, rlength int) (*md, int, int) {
	for _, m := range ni.portals[portal] {
		if m.desc.Options&op == 0 {
			continue
		}
		if (bits^m.matchBits)&^m.ignoreBits != 0 {
			continue
		}
		total := m.desc.Len()
		if m.desc.Options&transport.MDMaxSize != 0 {
			if rlength > m.desc.MaxSize || rlength > total-m.offset {
				continue
			}
			return m, m.offset, rlength
		}
		if rlength > total {
			if m.desc.Options&transport.MDTruncate == 0 {
				continue
			}
			return m, 0, total
		}
		return m, 0, rlength
	}
	return nil, 0, 0
}

// consumeLocked accounts one operation against m and unlinks it when its
// threshold is used up or less than MaxSize bytes are left.
func (ni *NI) consumeLocked(m *md) bool {
	if m.threshold != transport.ThresholdInfinite {
		m.threshold--
	}
	unlink := m.threshold == 0
	if m.desc.Options&transport.MDMaxSize != 0 && m.desc.Len()-m.offset < m.desc.MaxSize {
		unlink = true
	}
	if unlink {
		ni.removeLocked(m)
	}
	return unlink
}

func (ni *NI) removeLocked(m *md) {
	delete(ni.mds, m.handle)
	if !m.passive {
		return
	}
	list := ni.portals[m.portal]
	for i, other := range list {
		if other == m {
			ni.portals[m.portal] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(ni.portals[m.portal]) == 0 {
		delete(ni.portals, m.portal)
	}
}

// copyInto writes data into the descriptor memory starting at offset
func copyInto(desc *transport.MD, offset int, data []byte) {
	if desc.Iov == nil {
		copy(desc.Buffer[offset:], data)
		return
	}
	for _, v := range desc.Iov {
		if len(data) == 0 {
			return
		}
		if offset >= len(v) {
			offset -= len(v)
			continue
		}
		n := copy(v[offset:], data)
		data = data[n:]
		offset = 0
	}
}

// copyOut reads n bytes of descriptor memory starting at offset
func copyOut(desc *transport.MD, offset, n int) []byte {
	out := make([]byte, 0, n)
	if desc.Iov == nil {
		return append(out, desc.Buffer[offset:offset+n]...)
	}
	for _, v := range desc.Iov {
		if len(out) == n {
			break
		}
		if offset >= len(v) {
			offset -= len(v)
			continue
		}
		take := len(v) - offset
		if rest := n - len(out); take > rest {
			take = rest
		}
		out = append(out, v[offset:offset+take]...)
		offset = 0
	}
	return out
}
