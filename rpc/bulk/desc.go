package bulk

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/ValentinKolb/dRPC/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("rpc/bulk")

// Direction tells which side moves the data and which way it flows, seen
// from the side owning the descriptor.
type Direction uint8

const (
	// GetSource is a client write: the server GETs the client's pages
	GetSource Direction = iota + 1
	// PutSink is a client read: the server PUTs into the client's pages
	PutSink
	// GetSink is the server side of a client write
	GetSink
	// PutSource is the server side of a client read
	PutSource
)

func (d Direction) String() string {
	switch d {
	case GetSource:
		return "GET_SOURCE"
	case PutSink:
		return "PUT_SINK"
	case GetSink:
		return "GET_SINK"
	case PutSource:
		return "PUT_SOURCE"
	default:
		return fmt.Sprintf("DIR(%d)", uint8(d))
	}
}

// Passive reports whether the descriptor is registered and waits for the
// peer (client side) rather than starting the transfer (server side).
func (d Direction) Passive() bool {
	return d == GetSource || d == PutSink
}

// ErrBulkAborted is recorded when a descriptor was unlinked before the
// transfer completed.
var ErrBulkAborted = errors.New("bulk transfer aborted")

// Page is one entry of the scatter/gather list. Offset is the object offset
// the data belongs to.
type Page struct {
	Data   []byte
	Offset uint64
}

// Desc describes the pages of one bulk transfer. The pages are lent to the
// network while NetworkVisible reports true and must not be touched until it
// reports false again.
type Desc struct {
	dir      Direction
	portal   transport.Portal
	maxPages int
	pages    []Page

	mu        sync.Mutex
	ni        transport.INetwork
	handle    transport.MDHandle
	matchBits uint64
	visible   bool
	done      chan struct{}
	nob       int
	status    error
	notify    func(*Desc)
	freed     bool
}

// Prepare creates an empty descriptor for up to maxPages pages.
func Prepare(maxPages int, dir Direction, portal transport.Portal) (*Desc, error) {
	if maxPages <= 0 || maxPages > common.MaxBRWPages {
		return nil, fmt.Errorf("%w: %d pages (max %d)", common.ErrBulkTooLarge, maxPages, common.MaxBRWPages)
	}
	done := make(chan struct{})
	close(done)
	return &Desc{
		dir:      dir,
		portal:   portal,
		maxPages: maxPages,
		pages:    make([]Page, 0, maxPages),
		done:     done,
	}, nil
}

// AddPage appends a page of at most common.PageSize bytes.
func (d *Desc) AddPage(data []byte, offset uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.visible {
		return errors.New("cannot add pages to a network visible descriptor")
	}
	if len(d.pages) >= d.maxPages {
		return fmt.Errorf("%w: more than %d pages", common.ErrBulkTooLarge, d.maxPages)
	}
	if len(data) == 0 || len(data) > common.PageSize {
		return fmt.Errorf("%w: page of %d bytes", common.ErrBulkTooLarge, len(data))
	}
	d.pages = append(d.pages, Page{Data: data, Offset: offset})
	return nil
}

// SortPagesByOffset orders the pages by ascending object offset. Pages with
// equal offsets keep their order.
func (d *Desc) SortPagesByOffset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	sort.SliceStable(d.pages, func(i, j int) bool { return d.pages[i].Offset < d.pages[j].Offset })
}

// SetNotify installs a function that is called once per registration after
// the final network event, outside of the descriptor's lock.
func (d *Desc) SetNotify(fn func(*Desc)) {
	d.mu.Lock()
	d.notify = fn
	d.mu.Unlock()
}

// --------------------------------------------------------------------------
// Network
// --------------------------------------------------------------------------

// Register makes the pages visible for the peer to GET from or PUT into
// (client side). matchBits must be unique per attempt.
func (d *Desc) Register(ni transport.INetwork, matchBits uint64) error {
	if !d.dir.Passive() {
		return fmt.Errorf("cannot register %s descriptor", d.dir)
	}
	op := transport.MDOpPut
	if d.dir == GetSource {
		op = transport.MDOpGet
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.armLocked(ni, matchBits); err != nil {
		return err
	}
	h, err := ni.Attach(d.portal, matchBits, 0, transport.MD{Iov: d.iovLocked(), Threshold: 1, Options: op}, d.onEvent)
	if err != nil {
		d.disarmLocked(err)
		return fmt.Errorf("%w: %v", common.ErrNetwork, err)
	}
	d.handle = h
	Logger.Debugf("Registered %s bulk of %d pages on portal %d bits %d", d.dir, len(d.pages), d.portal, matchBits)
	return nil
}

// Start moves the data to or from peer (server side).
func (d *Desc) Start(ni transport.INetwork, peer transport.ProcessID, matchBits uint64) error {
	if d.dir.Passive() {
		return fmt.Errorf("cannot start %s descriptor", d.dir)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.armLocked(ni, matchBits); err != nil {
		return err
	}
	md := transport.MD{Iov: d.iovLocked()}
	var h transport.MDHandle
	var err error
	if d.dir == GetSink {
		h, err = ni.Get(md, peer, d.portal, matchBits, d.onEvent)
	} else {
		h, err = ni.Put(md, peer, d.portal, matchBits, 0, d.onEvent)
	}
	if err != nil {
		d.disarmLocked(err)
		return fmt.Errorf("%w: %v", common.ErrNetwork, err)
	}
	d.handle = h
	return nil
}

// Await blocks until the transfer completed. If ctx ends first the transfer
// is aborted and ErrTimeout is returned once the network released the pages.
func (d *Desc) Await(ctx context.Context) error {
	d.mu.Lock()
	done := d.done
	d.mu.Unlock()

	select {
	case <-done:
		return d.Err()
	case <-ctx.Done():
		d.Abort()
		if err := d.Err(); err == nil {
			// completed while aborting
			return nil
		}
		return fmt.Errorf("%w: bulk %s: %v", common.ErrTimeout, d.dir, ctx.Err())
	}
}

// Abort unlinks the descriptor and waits until the network confirmed it.
func (d *Desc) Abort() {
	d.mu.Lock()
	if !d.visible {
		d.mu.Unlock()
		return
	}
	ni, h, done := d.ni, d.handle, d.done
	d.mu.Unlock()

	if err := ni.Unlink(h); err != nil && !errors.Is(err, transport.ErrMDNotFound) {
		Logger.Warningf("Failed to unlink %s bulk: %v", d.dir, err)
	}
	<-done
}

// Free releases the pages. Freeing a network visible descriptor is a bug.
func (d *Desc) Free() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.visible {
		panic(fmt.Sprintf("freeing network visible %s bulk descriptor (bits %d)", d.dir, d.matchBits))
	}
	d.pages = nil
	d.freed = true
}

// --------------------------------------------------------------------------
// State
// --------------------------------------------------------------------------

// NetworkVisible reports whether the network may still access the pages.
func (d *Desc) NetworkVisible() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.visible
}

// Done returns a channel closed after the final event of the current
// registration.
func (d *Desc) Done() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done
}

// Err returns the outcome of the last transfer. A transfer that moved fewer
// bytes than described fails with ErrNetwork.
func (d *Desc) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.visible {
		return nil
	}
	return d.status
}

// Transferred returns the bytes moved by the last transfer.
func (d *Desc) Transferred() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nob
}

// Len returns the total size of the pages.
func (d *Desc) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, p := range d.pages {
		n += len(p.Data)
	}
	return n
}

// Pages returns the scatter/gather list. The pages must not be modified
// while the descriptor is network visible.
func (d *Desc) Pages() []Page {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pages
}

func (d *Desc) Direction() Direction     { return d.dir }
func (d *Desc) Portal() transport.Portal { return d.portal }

// MatchBits returns the match bits of the current registration.
func (d *Desc) MatchBits() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.matchBits
}

func (d *Desc) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fmt.Sprintf("%s %d pages bits %d visible %t nob %d", d.dir, len(d.pages), d.matchBits, d.visible, d.nob)
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (d *Desc) armLocked(ni transport.INetwork, matchBits uint64) error {
	if d.freed {
		return errors.New("bulk descriptor already freed")
	}
	if d.visible {
		return fmt.Errorf("bulk descriptor still network visible (bits %d)", d.matchBits)
	}
	if len(d.pages) == 0 {
		return errors.New("bulk descriptor has no pages")
	}
	d.ni = ni
	d.matchBits = matchBits
	d.visible = true
	d.done = make(chan struct{})
	d.nob = 0
	d.status = nil
	return nil
}

func (d *Desc) disarmLocked(err error) {
	d.visible = false
	d.status = err
	close(d.done)
}

func (d *Desc) iovLocked() [][]byte {
	iov := make([][]byte, len(d.pages))
	for i, p := range d.pages {
		iov[i] = p.Data
	}
	return iov
}

// onEvent is the transport callback of the descriptor
func (d *Desc) onEvent(ev *transport.Event) {
	d.mu.Lock()
	if ev.Handle != d.handle {
		d.mu.Unlock()
		Logger.Warningf("Event %s for stale bulk handle %d", ev.Type, ev.Handle)
		return
	}

	switch {
	case ev.Status != nil:
		d.status = fmt.Errorf("%w: bulk %s: %v", common.ErrNetwork, ev.Type, ev.Status)
	case ev.Type == transport.EventUnlink:
		if d.status == nil {
			d.status = ErrBulkAborted
		}
	default:
		d.nob += ev.MLength
	}

	if !ev.Unlinked {
		d.mu.Unlock()
		return
	}
	if d.status == nil {
		total := 0
		for _, p := range d.pages {
			total += len(p.Data)
		}
		if d.nob != total {
			d.status = fmt.Errorf("%w: bulk moved %d of %d bytes", common.ErrNetwork, d.nob, total)
		}
	}
	d.visible = false
	d.handle = transport.InvalidHandle
	close(d.done)
	notify, nob, status := d.notify, d.nob, d.status
	d.mu.Unlock()

	Logger.Debugf("Bulk %s done: %d bytes, status %v", d.dir, nob, status)
	if notify != nil {
		notify(d)
	}
}
