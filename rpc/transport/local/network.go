package local

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dRPC/rpc/transport"
	"github.com/ValentinKolb/dRPC/rpc/transport/base"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("transport/local")

// --------------------------------------------------------------------------
// Fault injection
// --------------------------------------------------------------------------

// Verdict decides the fate of a message crossing the network
type Verdict int

const (
	// Deliver passes the message on
	Deliver Verdict = iota
	// Drop loses the message silently; the sender sees success
	Drop
	// Hold parks the message until Release is called
	Hold
	// Fail reports the target as unreachable to the sender
	Fail
)

// Message describes an operation crossing the network
type Message struct {
	Op        string // "PUT" or "GET"
	From      transport.ProcessID
	To        transport.ProcessID
	Portal    transport.Portal
	MatchBits uint64
	HdrData   uint64
	Length    int
	Data      []byte // PUT payload, read only
}

// Filter inspects every message and returns its verdict
type Filter func(m *Message) Verdict

// Network connects interfaces of the same process. It is used for tests and
// for running clients and services in a single process.
type Network struct {
	mu     sync.RWMutex
	nis    map[string]*base.NI
	filter Filter
	delay  time.Duration

	heldMu sync.Mutex
	held   []func()

	delivered, dropped, failed atomic.Int64
}

// Stats counts the verdicts of a network
type Stats struct {
	Delivered int64
	Dropped   int64
	Failed    int64
	Held      int
}

// NewNetwork creates an empty network
func NewNetwork() *Network {
	return &Network{nis: make(map[string]*base.NI)}
}

// NewInterface creates an interface with NID "local:<name>"
func (n *Network) NewInterface(name string) (transport.INetwork, error) {
	nid := "local:" + name
	n.mu.Lock()
	if _, exists := n.nis[nid]; exists {
		n.mu.Unlock()
		return nil, fmt.Errorf("interface %s already exists", nid)
	}
	n.mu.Unlock()

	d := &driver{net: n, nid: nid}
	ni, err := base.NewNI(transport.ProcessID{NID: nid}, d)
	if err != nil {
		return nil, err
	}
	return ni, nil
}

// SetFilter installs f (nil removes the filter)
func (n *Network) SetFilter(f Filter) {
	n.mu.Lock()
	n.filter = f
	n.mu.Unlock()
}

// SetDelay delays the delivery of every message by d
func (n *Network) SetDelay(d time.Duration) {
	n.mu.Lock()
	n.delay = d
	n.mu.Unlock()
}

// Release delivers all held messages in the order they were held and returns
// how many there were.
func (n *Network) Release() int {
	n.heldMu.Lock()
	held := n.held
	n.held = nil
	n.heldMu.Unlock()

	for _, deliver := range held {
		deliver()
	}
	return len(held)
}

// Discard forgets all held messages
func (n *Network) Discard() int {
	n.heldMu.Lock()
	defer n.heldMu.Unlock()
	count := len(n.held)
	n.held = nil
	return count
}

// Stats returns the verdict counters
func (n *Network) Stats() Stats {
	n.heldMu.Lock()
	held := len(n.held)
	n.heldMu.Unlock()
	return Stats{
		Delivered: n.delivered.Load(),
		Dropped:   n.dropped.Load(),
		Failed:    n.failed.Load(),
		Held:      held,
	}
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (n *Network) lookup(nid string) *base.NI {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.nis[nid]
}

// route applies the filter and delivers, delays or parks deliver
func (n *Network) route(m *Message, deliver func()) error {
	n.mu.RLock()
	filter, delay := n.filter, n.delay
	n.mu.RUnlock()

	verdict := Deliver
	if filter != nil {
		verdict = filter(m)
	}
	switch verdict {
	case Drop:
		n.dropped.Add(1)
		Logger.Debugf("dropping %s %s -> %s portal %d bits %d", m.Op, m.From.NID, m.To.NID, m.Portal, m.MatchBits)
		return nil
	case Fail:
		n.failed.Add(1)
		return fmt.Errorf("%w: %s", transport.ErrUnreachable, m.To.NID)
	case Hold:
		n.heldMu.Lock()
		n.held = append(n.held, deliver)
		n.heldMu.Unlock()
		return nil
	}

	n.delivered.Add(1)
	if delay > 0 {
		time.AfterFunc(delay, deliver)
		return nil
	}
	deliver()
	return nil
}

// --------------------------------------------------------------------------
// Driver (implements base.IDriver)
// --------------------------------------------------------------------------

type driver struct {
	net *Network
	nid string
	ni  *base.NI
}

func (d *driver) Name() string {
	return "local"
}

func (d *driver) Start(ni *base.NI) error {
	d.ni = ni
	d.net.mu.Lock()
	defer d.net.mu.Unlock()
	if _, exists := d.net.nis[d.nid]; exists {
		return fmt.Errorf("interface %s already exists", d.nid)
	}
	d.net.nis[d.nid] = ni
	return nil
}

func (d *driver) SendPut(target transport.ProcessID, msg *base.PutMessage) error {
	tgt := d.net.lookup(target.NID)
	if tgt == nil {
		return fmt.Errorf("%w: %s", transport.ErrUnreachable, target.NID)
	}

	data := make([]byte, 0, msg.Len())
	for _, seg := range msg.Data {
		data = append(data, seg...)
	}
	from := d.ni.Self()
	m := &Message{
		Op:        "PUT",
		From:      from,
		To:        target,
		Portal:    msg.Portal,
		MatchBits: msg.MatchBits,
		HdrData:   msg.HdrData,
		Length:    len(data),
		Data:      data,
	}
	return d.net.route(m, func() {
		if t := d.net.lookup(target.NID); t != nil {
			_ = t.DeliverPut(from, msg.Portal, msg.MatchBits, msg.HdrData, data)
		}
	})
}

func (d *driver) SendGet(target transport.ProcessID, msg *base.GetMessage) error {
	if d.net.lookup(target.NID) == nil {
		return fmt.Errorf("%w: %s", transport.ErrUnreachable, target.NID)
	}

	from := d.ni.Self()
	m := &Message{
		Op:        "GET",
		From:      from,
		To:        target,
		Portal:    msg.Portal,
		MatchBits: msg.MatchBits,
		Length:    msg.Length,
	}
	id, portal, bits, length := msg.ID, msg.Portal, msg.MatchBits, msg.Length
	return d.net.route(m, func() {
		t := d.net.lookup(target.NID)
		if t == nil {
			d.ni.DeliverGetReply(id, nil, fmt.Errorf("%w: %s", transport.ErrUnreachable, target.NID))
			return
		}
		data, err := t.ServeGet(from, portal, bits, length)
		d.ni.DeliverGetReply(id, data, err)
	})
}

func (d *driver) Close() error {
	d.net.mu.Lock()
	delete(d.net.nis, d.nid)
	d.net.mu.Unlock()
	return nil
}
