package client

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dRPC/rpc/bulk"
	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/ValentinKolb/dRPC/rpc/transport"
	"github.com/ValentinKolb/dRPC/rpc/wire"
)

// --------------------------------------------------------------------------
// Phases and flags
// --------------------------------------------------------------------------

// Phase is the lifecycle position of a request.
type Phase uint32

const (
	PhaseNew Phase = 0xebc0de00 + iota
	PhaseRPC
	PhaseBulk
	PhaseInterpret
	PhaseComplete
)

func (p Phase) String() string {
	switch p {
	case PhaseNew:
		return "New"
	case PhaseRPC:
		return "Rpc"
	case PhaseBulk:
		return "Bulk"
	case PhaseInterpret:
		return "Interpret"
	case PhaseComplete:
		return "Complete"
	default:
		return fmt.Sprintf("Phase(%#x)", uint32(p))
	}
}

type reqFlags uint32

const (
	flagTimedOut reqFlags = 1 << iota
	flagInterrupted
	flagResend
	flagReplay
	flagLastReplay
	flagNoResend
	flagNoDelay
	flagReplayable
	flagNetErr
	flagReplied
	flagReceivingReply
	flagTruncated
	flagErr
	flagWaiting
)

var flagLetters = []struct {
	flag   reqFlags
	letter string
}{
	{flagInterrupted, "I"},
	{flagReplied, "R"},
	{flagErr, "E"},
	{flagNetErr, "e"},
	{flagTimedOut, "X"},
	{flagResend, "S"},
	{flagReplay, "P"},
	{flagNoResend, "N"},
	{flagWaiting, "W"},
	{flagReceivingReply, "r"},
	{flagReplayable, "p"},
	{flagNoDelay, "D"},
}

func (f reqFlags) String() string {
	var sb strings.Builder
	for _, fl := range flagLetters {
		if f&fl.flag != 0 {
			sb.WriteString(fl.letter)
		}
	}
	return sb.String()
}

const maxPhaseHistory = 32

// --------------------------------------------------------------------------
// Request
// --------------------------------------------------------------------------

// Request is one logical call to the service behind an import. It is created
// by Prepare with one reference owned by the caller; sets, the network and the
// replay list take their own references. The request is freed when the last
// reference is dropped with Finished.
type Request struct {
	imp      *Import
	opc      common.Opcode
	xid      uint64
	segments [][]byte
	limit    common.OpcodeLimit
	reserved int

	mu         sync.Mutex
	phase      Phase
	flags      reqFlags
	history    []Phase
	sendState  ImportState
	timeout    time.Duration
	generation uint32
	attempt    int
	resends    int
	sentAt     time.Time
	deadline   time.Time
	transno    uint64
	status     int32
	err        error
	repBuf     []byte
	repLen     int
	repHandle  transport.MDHandle
	reply      *wire.Message
	bulk       *bulk.Desc
	interpret  func(req *Request, err error) error

	set  atomic.Pointer[Set]
	refs atomic.Int32
}

// Prepare creates a request for opc carrying segments. Buffer space for the
// largest request and reply of opc is reserved from the client's memory
// budget; ErrAllocationFailed is returned if it is exhausted.
func Prepare(imp *Import, opc common.Opcode, segments [][]byte) (*Request, error) {
	c := imp.client
	limit := c.cfg.Limits.Lookup(opc)
	if size := wire.SegmentsSize(segments); size > limit.MaxReqSize {
		return nil, fmt.Errorf("%w: %s request of %d bytes exceeds %d", common.ErrMessageTooLarge, opc, size, limit.MaxReqSize)
	}
	reserved := limit.MaxReqSize + limit.MaxRepSize
	if err := c.budget.Reserve(reserved); err != nil {
		c.metrics.allocFailed.Inc()
		return nil, err
	}

	req := &Request{
		imp:       imp,
		opc:       opc,
		xid:       NextXid(),
		segments:  segments,
		limit:     limit,
		reserved:  reserved,
		phase:     PhaseNew,
		history:   []Phase{PhaseNew},
		sendState: ImportFull,
		timeout:   imp.cfg.Timeout,
	}
	if opc.IsModifying() {
		req.flags |= flagReplayable
	}
	req.refs.Store(1)
	return req, nil
}

// SetInterpret installs a typed completion callback. It runs once when the
// request reaches INTERPRET and may replace the request's error.
func SetInterpret[T any](req *Request, fn func(req *Request, arg T, err error) error, arg T) {
	req.mu.Lock()
	defer req.mu.Unlock()
	req.interpret = func(r *Request, err error) error {
		return fn(r, arg, err)
	}
}

// PrepareBulk attaches a bulk descriptor for up to maxPages pages.
func (r *Request) PrepareBulk(maxPages int, dir bulk.Direction) (*bulk.Desc, error) {
	d, err := bulk.Prepare(maxPages, dir, transport.Portal(r.imp.cfg.BulkPortal))
	if err != nil {
		return nil, err
	}
	d.SetNotify(func(*bulk.Desc) { r.wake() })
	r.mu.Lock()
	r.bulk = d
	r.mu.Unlock()
	return d, nil
}

// SetTimeout overrides the per attempt timeout of the import.
func (r *Request) SetTimeout(d time.Duration) {
	r.mu.Lock()
	r.timeout = d
	r.mu.Unlock()
}

// SetNoResend makes timeouts and reconnects terminal for this request.
func (r *Request) SetNoResend() {
	r.setFlag(flagNoResend)
}

// SetNoDelay fails the request with ErrWouldBlock instead of queueing it
// while the import is not connected.
func (r *Request) SetNoDelay() {
	r.setFlag(flagNoDelay)
}

// SetReplayable controls whether a committed reply keeps the request for
// replay after a server restart.
func (r *Request) SetReplayable(replayable bool) {
	r.mu.Lock()
	if replayable {
		r.flags |= flagReplayable
	} else {
		r.flags &^= flagReplayable
	}
	r.mu.Unlock()
}

// --------------------------------------------------------------------------
// Accessors
// --------------------------------------------------------------------------

func (r *Request) Xid() uint64               { return r.xid }
func (r *Request) Opcode() common.Opcode     { return r.opc }
func (r *Request) Import() *Import           { return r.imp }
func (r *Request) Segments() [][]byte        { return r.segments }
func (r *Request) Limit() common.OpcodeLimit { return r.limit }

func (r *Request) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// Err returns the outcome once the request reached COMPLETE.
func (r *Request) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Status returns the handler status of the reply.
func (r *Request) Status() int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Reply returns the unpacked reply, or nil if none was accepted.
func (r *Request) Reply() *wire.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reply
}

// Transno returns the transaction number the server assigned.
func (r *Request) Transno() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transno
}

// Generation returns the import generation of the last attempt.
func (r *Request) Generation() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generation
}

// Resends returns how often the request was sent again.
func (r *Request) Resends() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resends
}

func (r *Request) Bulk() *bulk.Desc {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bulk
}

// TimedOut reports whether an attempt of the request expired.
func (r *Request) TimedOut() bool {
	return r.hasFlag(flagTimedOut)
}

// Interrupted reports whether the waiter gave up on the request.
func (r *Request) Interrupted() bool {
	return r.hasFlag(flagInterrupted)
}

// PhaseHistory returns the phases the request went through, oldest first.
func (r *Request) PhaseHistory() []Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Phase(nil), r.history...)
}

// String returns a one line dump of the request for debug output.
func (r *Request) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.debugLocked()
}

func (r *Request) debugLocked() string {
	dl := int64(0)
	if !r.deadline.IsZero() {
		dl = r.deadline.Unix()
	}
	return fmt.Sprintf("req x%d/t%d o%d->%s@%s gen %d lens %d/%d to %s dl %d ref %d fl %s:%s rc %d/%v",
		r.xid, r.transno, uint32(r.opc), r.imp.targetUUID, r.imp.target.NID, r.generation,
		wire.SegmentsSize(r.segments), r.repLen, r.timeout, dl, r.refs.Load(),
		r.phase, r.flags, r.status, r.err)
}

// --------------------------------------------------------------------------
// References
// --------------------------------------------------------------------------

// AddRef takes another reference on the request
func (r *Request) AddRef() *Request {
	if r.refs.Add(1) <= 1 {
		panic("AddRef on a freed request")
	}
	return r
}

// Finished drops a reference. The last reference frees the request.
func (r *Request) Finished() {
	refs := r.refs.Add(-1)
	if refs > 0 {
		return
	}
	if refs < 0 {
		panic(fmt.Sprintf("request x%d released too often", r.xid))
	}
	r.free()
}

func (r *Request) free() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.repHandle != transport.InvalidHandle {
		panic(fmt.Sprintf("freeing request with posted reply buffer: %s", r.debugLocked()))
	}
	if r.bulk != nil {
		// panics if the network still holds the pages
		r.bulk.Free()
	}
	r.imp.client.budget.Release(r.reserved)
	r.repBuf = nil
	r.reply = nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (r *Request) setFlag(f reqFlags) {
	r.mu.Lock()
	r.flags |= f
	r.mu.Unlock()
}

func (r *Request) hasFlag(f reqFlags) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flags&f != 0
}

func (r *Request) wake() {
	if s := r.set.Load(); s != nil {
		s.wakeup()
	}
}

// Interrupt makes the waiter give up on the request. Network operations are
// not retracted; the request retires once they completed.
func (r *Request) Interrupt() {
	r.setFlag(flagInterrupted)
	r.wake()
}

func validTransition(from, to Phase, flags reqFlags) bool {
	switch from {
	case PhaseNew:
		return to == PhaseRPC || to == PhaseInterpret
	case PhaseRPC:
		return to == PhaseBulk || to == PhaseInterpret || (to == PhaseNew && flags&flagNoResend == 0)
	case PhaseBulk:
		return to == PhaseInterpret
	case PhaseInterpret:
		return to == PhaseComplete
	case PhaseComplete:
		return to == PhaseNew && flags&flagReplay != 0
	}
	return false
}

func (r *Request) setPhaseLocked(p Phase) {
	if !validTransition(r.phase, p, r.flags) {
		panic(fmt.Sprintf("invalid phase transition %s -> %s: %s", r.phase, p, r.debugLocked()))
	}
	r.phase = p
	if len(r.history) >= maxPhaseHistory {
		r.history = r.history[1:]
	}
	r.history = append(r.history, p)
}

// failLocked ends the current attempt with err
func (r *Request) failLocked(err error) {
	r.unlinkReplyLocked()
	r.err = err
	r.flags |= flagErr
	r.flags &^= flagWaiting
	r.setPhaseLocked(PhaseInterpret)
}

// failAsync marks the request failed from outside the owning set; the set
// applies it on its next pass.
func (r *Request) failAsync(err error) {
	r.mu.Lock()
	if r.phase != PhaseInterpret && r.phase != PhaseComplete {
		r.err = err
		r.flags |= flagErr
	}
	r.mu.Unlock()
	r.wake()
}

func (r *Request) unlinkReplyLocked() {
	if r.repHandle == transport.InvalidHandle {
		return
	}
	h := r.repHandle
	r.repHandle = transport.InvalidHandle
	r.flags &^= flagReceivingReply
	if err := r.imp.client.ni.Unlink(h); err != nil && !errors.Is(err, transport.ErrMDNotFound) {
		Logger.Warningf("Failed to unlink reply buffer of x%d: %v", r.xid, err)
	}
}

// abortBulk releases the bulk pages from the network. Must be called
// without holding r.mu.
func (r *Request) abortBulk() {
	r.mu.Lock()
	d := r.bulk
	r.mu.Unlock()
	if d != nil {
		d.Abort()
	}
}

// --------------------------------------------------------------------------
// Sending
// --------------------------------------------------------------------------

// send posts the bulk pages and the reply buffer and then the request
func (r *Request) send() error {
	imp := r.imp
	c := imp.client
	gen, handle := imp.gen.Load(), imp.handle.Load()

	r.mu.Lock()
	if r.phase != PhaseNew {
		r.mu.Unlock()
		return fmt.Errorf("cannot send request in phase %s", r.phase)
	}
	r.flags &^= flagTimedOut | flagNetErr | flagReplied | flagResend | flagWaiting | flagTruncated | flagErr
	r.err = nil
	r.reply = nil
	r.status = 0
	r.repLen = 0
	r.generation = gen
	r.attempt++
	attempt := r.attempt

	hdr := wire.Header{
		Type:       wire.TypeRequest,
		Opc:        r.opc,
		Handle:     handle,
		Xid:        r.xid,
		Generation: gen,
	}
	if r.resends > 0 {
		hdr.Flags |= wire.MsgResent
	}
	if r.flags&flagReplay != 0 {
		hdr.Flags |= wire.MsgReplay
		hdr.Transno = r.transno
		if r.flags&flagLastReplay != 0 {
			hdr.Flags |= wire.MsgLastReplay
		}
	}
	if r.bulk != nil {
		hdr.BulkBits = NextXid()
		if err := r.bulk.Register(c.ni, hdr.BulkBits); err != nil {
			r.mu.Unlock()
			return err
		}
	}
	buf, err := wire.Pack(&hdr, r.segments, r.limit.MaxReqSize)
	if err != nil {
		r.mu.Unlock()
		r.abortBulk()
		return err
	}

	// the reply buffer is armed before the request can reach the server
	r.repBuf = make([]byte, r.limit.MaxRepSize)
	r.refs.Add(1)
	h, err := c.ni.Attach(transport.Portal(imp.cfg.ReplyPortal), r.xid, 0, transport.MD{
		Buffer:    r.repBuf,
		Threshold: 1,
		Options:   transport.MDOpPut | transport.MDTruncate,
	}, r.replyCallback)
	if err != nil {
		r.refs.Add(-1)
		r.mu.Unlock()
		r.abortBulk()
		return fmt.Errorf("%w: %v", common.ErrNetwork, err)
	}
	r.repHandle = h
	r.flags |= flagReceivingReply
	r.setPhaseLocked(PhaseRPC)
	r.sentAt = time.Now()
	r.deadline = r.sentAt.Add(r.timeout)
	Logger.Debugf("Sending %s", r.debugLocked())
	r.mu.Unlock()

	imp.addSending(r)
	c.metrics.sent.Inc()
	if attempt > 1 {
		c.metrics.resent.Inc()
	}

	r.refs.Add(1)
	_, err = c.ni.Put(transport.MD{Buffer: buf}, imp.target, transport.Portal(imp.cfg.RequestPortal), r.xid, 0,
		func(ev *transport.Event) { r.requestCallback(ev, attempt) })
	if err != nil {
		r.refs.Add(-1)
		r.mu.Lock()
		r.flags |= flagNetErr
		r.mu.Unlock()
	}
	return nil
}

// requestCallback handles the completion of the request PUT
func (r *Request) requestCallback(ev *transport.Event, attempt int) {
	if ev.Status != nil {
		r.mu.Lock()
		if r.attempt == attempt && r.phase == PhaseRPC {
			r.flags |= flagNetErr
		}
		r.mu.Unlock()
		Logger.Warningf("Sending x%d to %s failed: %v", r.xid, r.imp.target.NID, ev.Status)
	}
	r.wake()
	if ev.Unlinked {
		r.Finished()
	}
}

// replyCallback handles events of the reply buffer
func (r *Request) replyCallback(ev *transport.Event) {
	r.mu.Lock()
	if ev.Handle == r.repHandle {
		if ev.Unlinked {
			r.repHandle = transport.InvalidHandle
			r.flags &^= flagReceivingReply
		}
		switch {
		case ev.Status != nil:
			r.flags |= flagNetErr
		case ev.Type == transport.EventPut:
			r.flags |= flagReplied
			r.repLen = ev.MLength
			if ev.RLength > ev.MLength {
				r.flags |= flagTruncated
			}
		}
	}
	r.mu.Unlock()
	r.wake()
	if ev.Unlinked {
		r.Finished()
	}
}

// --------------------------------------------------------------------------
// State machine (driven by the owning set)
// --------------------------------------------------------------------------

// check advances the request as far as possible and reports whether it
// reached COMPLETE.
func (r *Request) check() bool {
	imp := r.imp
	for {
		r.mu.Lock()
		switch r.phase {
		case PhaseComplete:
			r.mu.Unlock()
			return true

		case PhaseNew:
			if r.flags&flagInterrupted != 0 {
				r.failLocked(fmt.Errorf("%w: x%d", common.ErrInterrupted, r.xid))
				r.mu.Unlock()
				continue
			}
			if r.flags&flagErr != 0 {
				r.failLocked(r.err)
				r.mu.Unlock()
				continue
			}
			r.mu.Unlock()

			ready, err := imp.admit(r)
			if err == nil && ready {
				err = r.send()
			}
			if err != nil {
				r.mu.Lock()
				if r.phase == PhaseNew {
					r.failLocked(err)
				}
				r.mu.Unlock()
				continue
			}
			if !ready {
				return false
			}

		case PhaseRPC:
			switch {
			case r.flags&flagInterrupted != 0:
				r.failLocked(fmt.Errorf("%w: x%d", common.ErrInterrupted, r.xid))
				r.mu.Unlock()
				r.abortBulk()
			case r.flags&flagErr != 0:
				r.failLocked(r.err)
				r.mu.Unlock()
				r.abortBulk()
			case r.flags&flagReplied != 0:
				r.mu.Unlock()
				r.afterReply()
			case r.flags&flagResend != 0:
				r.unlinkReplyLocked()
				r.resends++
				r.setPhaseLocked(PhaseNew)
				r.mu.Unlock()
				r.abortBulk()
			case r.flags&flagNetErr != 0:
				r.mu.Unlock()
				r.expire(true)
			default:
				r.mu.Unlock()
				return false
			}

		case PhaseBulk:
			if r.flags&flagInterrupted != 0 {
				r.mu.Unlock()
				r.abortBulk()
				r.mu.Lock()
				r.failLocked(fmt.Errorf("%w: x%d", common.ErrInterrupted, r.xid))
				r.mu.Unlock()
				continue
			}
			if r.bulk.NetworkVisible() {
				r.mu.Unlock()
				return false
			}
			if err := r.bulk.Err(); err != nil && r.err == nil {
				r.err = err
			}
			r.setPhaseLocked(PhaseInterpret)
			r.mu.Unlock()

		case PhaseInterpret:
			err, fn, replay := r.err, r.interpret, r.flags&flagReplay != 0
			r.flags &^= flagWaiting
			r.mu.Unlock()

			r.abortBulk()
			imp.removeSending(r)
			if fn != nil && !replay {
				err = fn(r, err)
			}

			r.mu.Lock()
			r.err = err
			r.setPhaseLocked(PhaseComplete)
			elapsed := time.Since(r.sentAt)
			r.mu.Unlock()

			m := imp.client.metrics
			if err != nil {
				m.failed.Inc()
			} else {
				m.completed.Inc()
			}
			m.latency.Update(elapsed.Seconds())
			return true
		}
	}
}

// afterReply unpacks the reply and decides the next phase
func (r *Request) afterReply() {
	imp := r.imp
	m := imp.client.metrics

	r.mu.Lock()
	if r.flags&flagTruncated != 0 {
		r.failLocked(fmt.Errorf("%w: %s reply exceeds %d bytes", common.ErrMessageTooLarge, r.opc, r.limit.MaxRepSize))
		r.mu.Unlock()
		r.abortBulk()
		return
	}
	msg, err := wire.Unpack(r.repBuf, r.repLen)
	if err == nil && (msg.Xid != r.xid || (msg.Type != wire.TypeReply && msg.Type != wire.TypeErr)) {
		err = fmt.Errorf("%w: unexpected %s x%d for x%d", common.ErrMalformedMessage, msg.Type, msg.Xid, r.xid)
	}
	if err != nil {
		r.failLocked(err)
		r.mu.Unlock()
		r.abortBulk()
		return
	}

	if gen := imp.gen.Load(); msg.Generation != gen {
		m.staleReplies.Inc()
		Logger.Debugf("Discarding reply of generation %d (current %d): %s", msg.Generation, gen, r.debugLocked())
		r.flags &^= flagReplied
		if r.flags&flagNoResend != 0 {
			r.failLocked(fmt.Errorf("%w: reply of generation %d", common.ErrStale, msg.Generation))
		} else {
			r.flags |= flagResend
		}
		r.mu.Unlock()
		return
	}

	if msg.Status == common.StatusNotConnected && r.opc != common.OpConnect && r.flags&flagNoResend == 0 {
		// the server lost our export, recover and send again
		r.flags &^= flagReplied
		r.flags |= flagResend
		r.mu.Unlock()
		imp.Fail(fmt.Sprintf("x%d: export not connected", r.xid))
		return
	}

	r.reply = msg
	r.status = msg.Status
	if msg.Transno != 0 {
		r.transno = msg.Transno
	}
	if msg.Status != common.StatusOK {
		r.err = &common.ServerError{Code: msg.Status, Op: r.opc}
	}
	retain := imp.cfg.Replayable && r.flags&flagReplayable != 0 && r.flags&flagReplay == 0 && r.transno != 0
	next := PhaseInterpret
	if r.bulk != nil && r.err == nil {
		next = PhaseBulk
		if d := time.Now().Add(r.timeout); d.After(r.deadline) {
			r.deadline = d
		}
	}
	r.setPhaseLocked(next)
	failed := r.err != nil
	r.mu.Unlock()

	if failed {
		r.abortBulk()
	}
	imp.afterReply(r, msg.LastCommitted, msg.Flags&wire.MsgAckReq != 0, retain)
}

// awaitingLocked reports whether the request waits on the network under its
// deadline: for the reply in RPC, for the bulk transfer in BULK. A replied
// request stays in BULK until the pages moved.
func (r *Request) awaitingLocked() bool {
	switch r.phase {
	case PhaseRPC:
		return r.flags&flagReplied == 0
	case PhaseBulk:
		return r.bulk.NetworkVisible()
	}
	return false
}

// expireDue expires the current attempt if its deadline passed
func (r *Request) expireDue(now time.Time) bool {
	r.mu.Lock()
	due := r.awaitingLocked() && r.flags&(flagResend|flagErr) == 0 && !r.deadline.After(now)
	r.mu.Unlock()
	if due {
		r.expire(false)
	}
	return due
}

// expire ends the current attempt after a timeout or a network error and
// decides between resending, requeueing and failing.
func (r *Request) expire(netErr bool) {
	imp := r.imp
	m := imp.client.metrics

	r.mu.Lock()
	if !r.awaitingLocked() {
		r.mu.Unlock()
		return
	}
	if netErr {
		m.netErrors.Inc()
	} else {
		r.flags |= flagTimedOut
		m.timeouts.Inc()
	}
	r.flags &^= flagNetErr
	r.unlinkReplyLocked()
	phase, resends, sendState := r.phase, r.resends, r.sendState
	noResend := r.flags&flagNoResend != 0
	what := "timed out"
	if netErr {
		what = "failed"
	}
	Logger.Warningf("Request %s after %s: %s", what, time.Since(r.sentAt).Truncate(time.Millisecond), r.debugLocked())
	r.mu.Unlock()
	r.abortBulk()

	cause := common.ErrTimeout
	if netErr {
		cause = common.ErrNetwork
	}
	state := imp.State()
	fail := func(err error) {
		r.mu.Lock()
		if r.phase == PhaseRPC || r.phase == PhaseBulk {
			r.failLocked(err)
		}
		r.mu.Unlock()
	}

	switch {
	case phase == PhaseBulk:
		fail(fmt.Errorf("%w: bulk transfer of x%d", common.ErrTimeout, r.xid))
	case imp.isDown():
		fail(fmt.Errorf("%w: %s", common.ErrImportDown, imp.targetUUID))
	case noResend || sendState != ImportFull:
		fail(fmt.Errorf("%w: x%d to %s", cause, r.xid, imp.targetUUID))
	case imp.cfg.MaxResends > 0 && resends >= imp.cfg.MaxResends:
		fail(fmt.Errorf("%w: x%d gave up after %d resends", cause, r.xid, resends))
	case state != ImportFull && !imp.cfg.Replayable:
		fail(fmt.Errorf("%w: x%d, import in recovery", cause, r.xid))
	default:
		if netErr && state == ImportFull {
			imp.Fail(fmt.Sprintf("send of x%d failed", r.xid))
		}
		// resend, or wait on the delayed list while the import recovers
		r.mu.Lock()
		if r.phase == PhaseRPC {
			r.flags |= flagResend
		}
		r.mu.Unlock()
	}
}

// prepareReplay moves a completed request back to NEW for replay
func (r *Request) prepareReplay(last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flags |= flagReplay
	if last {
		r.flags |= flagLastReplay
	} else {
		r.flags &^= flagLastReplay
	}
	r.flags &^= flagInterrupted | flagErr | flagTimedOut
	r.sendState = ImportRecover
	r.err = nil
	r.setPhaseLocked(PhaseNew)
}

// restart asks the owning set to send the request again. Requests that may
// not be resent are failed with err instead.
func (r *Request) restart(err error) {
	r.mu.Lock()
	if r.phase == PhaseRPC {
		if r.flags&flagNoResend != 0 {
			r.err = err
			r.flags |= flagErr
		} else {
			r.flags |= flagResend
		}
	}
	r.mu.Unlock()
	r.wake()
}
