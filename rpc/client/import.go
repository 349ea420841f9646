package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/ValentinKolb/dRPC/rpc/conn"
	"github.com/ValentinKolb/dRPC/rpc/transport"
	"github.com/ValentinKolb/dRPC/rpc/wire"
)

// ImportState is the connection state of an import.
type ImportState int32

const (
	ImportDisconnected ImportState = iota
	ImportConnecting
	ImportFull
	ImportRecover
	ImportClosed
)

func (s ImportState) String() string {
	switch s {
	case ImportDisconnected:
		return "DISCONNECTED"
	case ImportConnecting:
		return "CONNECTING"
	case ImportFull:
		return "FULL"
	case ImportRecover:
		return "RECOVER"
	case ImportClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("STATE(%d)", int32(s))
	}
}

// Import is the client side of a connection to one service. It gates which
// requests may be sent, keeps modifying requests for replay until the server
// committed them, and reconnects after failures.
type Import struct {
	client     *Client
	cfg        common.ImportConfig
	target     transport.ProcessID
	targetUUID string
	conn       *conn.Connection

	// generation counts successful connects; handle is the export cookie
	gen    atomic.Uint32
	handle atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	state         ImportState
	stateCh       chan struct{}
	invalid       bool
	recovering    bool
	instance      uint64
	lastCommitted uint64
	lastTransno   uint64
	replay        []*Request
	sending       map[*Request]struct{}
	delayed       map[*Request]struct{}
	pendingAcks   []uint64
}

func newImport(c *Client, target transport.ProcessID, targetUUID string, cfg common.ImportConfig) *Import {
	ctx, cancel := context.WithCancel(context.Background())
	return &Import{
		client:     c,
		cfg:        cfg,
		target:     target,
		targetUUID: targetUUID,
		conn:       c.conns.Get(target, targetUUID),
		ctx:        ctx,
		cancel:     cancel,
		state:      ImportDisconnected,
		stateCh:    make(chan struct{}),
		sending:    make(map[*Request]struct{}),
		delayed:    make(map[*Request]struct{}),
	}
}

// --------------------------------------------------------------------------
// State
// --------------------------------------------------------------------------

func (imp *Import) State() ImportState {
	imp.mu.Lock()
	defer imp.mu.Unlock()
	return imp.state
}

// Generation returns the number of successful connects
func (imp *Import) Generation() uint32 {
	return imp.gen.Load()
}

func (imp *Import) Target() transport.ProcessID { return imp.target }
func (imp *Import) TargetUUID() string          { return imp.targetUUID }
func (imp *Import) Config() common.ImportConfig { return imp.cfg }

// LastCommitted returns the highest transno the server reported durable
func (imp *Import) LastCommitted() uint64 {
	imp.mu.Lock()
	defer imp.mu.Unlock()
	return imp.lastCommitted
}

// ReplayCount returns the number of requests kept for replay
func (imp *Import) ReplayCount() int {
	imp.mu.Lock()
	defer imp.mu.Unlock()
	return len(imp.replay)
}

// WaitState blocks until the import reaches want
func (imp *Import) WaitState(ctx context.Context, want ImportState) error {
	for {
		imp.mu.Lock()
		state, ch := imp.state, imp.stateCh
		imp.mu.Unlock()
		if state == want {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return fmt.Errorf("import %s is %s, waiting for %s: %w", imp.targetUUID, state, want, ctx.Err())
		}
	}
}

func (imp *Import) String() string {
	imp.mu.Lock()
	defer imp.mu.Unlock()
	return fmt.Sprintf("%s@%s %s gen %d inflight %d delayed %d replay %d committed %d",
		imp.targetUUID, imp.target.NID, imp.state, imp.gen.Load(),
		len(imp.sending), len(imp.delayed), len(imp.replay), imp.lastCommitted)
}

func (imp *Import) setStateLocked(s ImportState) {
	if imp.state == s {
		return
	}
	Logger.Infof("Import %s@%s: %s -> %s", imp.targetUUID, imp.target.NID, imp.state, s)
	imp.state = s
	close(imp.stateCh)
	imp.stateCh = make(chan struct{})
}

// isDown reports whether requests must fail with ErrImportDown
func (imp *Import) isDown() bool {
	imp.mu.Lock()
	defer imp.mu.Unlock()
	return imp.state == ImportClosed || (imp.state == ImportDisconnected && imp.invalid)
}

// --------------------------------------------------------------------------
// Connect
// --------------------------------------------------------------------------

// Connect establishes the connection to the service.
func (imp *Import) Connect(ctx context.Context) error {
	imp.mu.Lock()
	switch imp.state {
	case ImportClosed:
		imp.mu.Unlock()
		return fmt.Errorf("%w: %s is closed", common.ErrImportDown, imp.targetUUID)
	case ImportFull:
		imp.mu.Unlock()
		return nil
	case ImportConnecting, ImportRecover:
		imp.mu.Unlock()
		return imp.WaitState(ctx, ImportFull)
	}
	imp.setStateLocked(ImportConnecting)
	imp.mu.Unlock()

	restarted, err := imp.connect(ctx, ImportConnecting)
	if err == nil {
		err = imp.finishConnect(ctx, restarted)
	}
	if err != nil {
		imp.mu.Lock()
		if imp.state == ImportConnecting || imp.state == ImportRecover {
			imp.setStateLocked(ImportDisconnected)
		}
		imp.mu.Unlock()
		return err
	}
	return nil
}

// connect sends the connect request and adopts the export described by the
// reply. It reports whether the server restarted since the last connect.
func (imp *Import) connect(ctx context.Context, sendState ImportState) (bool, error) {
	imp.mu.Lock()
	data := wire.ConnectData{LastCommitted: imp.lastCommitted, LastTransno: imp.lastTransno}
	if imp.cfg.Replayable {
		data.Flags |= wire.ConnectReplayable
	}
	if h := imp.handle.Load(); h != 0 {
		data.Flags |= wire.ConnectReconnect
		data.Handle = h
	}
	oldInstance := imp.instance
	imp.mu.Unlock()

	req, err := Prepare(imp, common.OpConnect, [][]byte{
		data.Encode(),
		wire.EncodeString(imp.client.UUID()),
		wire.EncodeString(imp.targetUUID),
	})
	if err != nil {
		return false, err
	}
	defer req.Finished()
	req.SetNoResend()
	req.SetTimeout(imp.cfg.ConnectTimeout)
	req.sendState = sendState

	if err := QueueWait(ctx, req); err != nil {
		return false, fmt.Errorf("connect to %s@%s failed: %w", imp.targetUUID, imp.target.NID, err)
	}
	rep, err := wire.DecodeConnectData(req.Reply(), 0)
	if err != nil {
		return false, fmt.Errorf("connect to %s: %w", imp.targetUUID, err)
	}

	imp.mu.Lock()
	restarted := oldInstance != 0 && rep.Instance != oldInstance
	imp.instance = rep.Instance
	imp.handle.Store(rep.Handle)
	gen := imp.gen.Add(1)
	imp.mu.Unlock()

	if restarted {
		Logger.Warningf("Import %s: server restarted (instance %d -> %d)", imp.targetUUID, oldInstance, rep.Instance)
	}
	Logger.Infof("Import %s@%s connected: handle %#x generation %d", imp.targetUUID, imp.target.NID, rep.Handle, gen)
	imp.FreeCommitted(rep.LastCommitted)
	return restarted, nil
}

// finishConnect replays if needed, resends what was in flight and moves the
// import to FULL.
func (imp *Import) finishConnect(ctx context.Context, restarted bool) error {
	if restarted && imp.ReplayCount() > 0 {
		imp.mu.Lock()
		imp.setStateLocked(ImportRecover)
		imp.mu.Unlock()
		if err := imp.replayAll(ctx); err != nil {
			return err
		}
	}

	imp.AbortInflight()

	imp.mu.Lock()
	if imp.state == ImportClosed {
		imp.mu.Unlock()
		return fmt.Errorf("%w: %s closed during connect", common.ErrImportDown, imp.targetUUID)
	}
	imp.invalid = false
	imp.setStateLocked(ImportFull)
	delayed := make([]*Request, 0, len(imp.delayed))
	for r := range imp.delayed {
		delayed = append(delayed, r)
	}
	imp.mu.Unlock()

	for _, r := range delayed {
		r.wake()
	}
	imp.flushAcks()
	return nil
}

// --------------------------------------------------------------------------
// Recovery
// --------------------------------------------------------------------------

// Fail reports a broken connection. A FULL import moves to RECOVER and
// reconnects in the background.
func (imp *Import) Fail(reason string) {
	imp.mu.Lock()
	defer imp.mu.Unlock()
	if imp.state != ImportFull {
		return
	}
	Logger.Warningf("Import %s@%s: connection lost (%s), starting recovery", imp.targetUUID, imp.target.NID, reason)
	imp.client.metrics.recoveries.Inc()
	imp.setStateLocked(ImportRecover)
	if !imp.recovering {
		imp.recovering = true
		go imp.recover()
	}
}

// recover reconnects with exponential backoff. When the retry budget is used
// up the import is invalidated and all pending requests fail. A failure
// reported right after a successful reconnect starts a new round.
func (imp *Import) recover() {
	stop := func() {
		imp.mu.Lock()
		imp.recovering = false
		imp.mu.Unlock()
	}

	interval := imp.cfg.MinReconnectInterval
	for attempt := 1; attempt <= imp.cfg.RecoveryRetries; attempt++ {
		if imp.State() == ImportClosed {
			stop()
			return
		}
		err := imp.reconnect()
		if err == nil {
			imp.mu.Lock()
			again := imp.state == ImportRecover
			if !again {
				imp.recovering = false
			}
			imp.mu.Unlock()
			if !again {
				return
			}
			Logger.Warningf("Import %s: connection lost again after reconnect, restarting recovery", imp.targetUUID)
			attempt, interval = 0, imp.cfg.MinReconnectInterval
			continue
		}
		if imp.State() == ImportClosed {
			stop()
			return
		}
		Logger.Warningf("Import %s: recovery attempt %d/%d failed: %v", imp.targetUUID, attempt, imp.cfg.RecoveryRetries, err)
		if attempt == imp.cfg.RecoveryRetries {
			break
		}

		select {
		case <-time.After(jitter(interval)):
		case <-imp.ctx.Done():
			stop()
			return
		}
		interval *= 2
		if interval > imp.cfg.MaxReconnectInterval {
			interval = imp.cfg.MaxReconnectInterval
		}
	}

	imp.mu.Lock()
	imp.recovering = false
	if imp.state == ImportClosed {
		imp.mu.Unlock()
		return
	}
	imp.setStateLocked(ImportDisconnected)
	imp.invalid = true
	pending := imp.pendingLocked()
	imp.mu.Unlock()

	Logger.Errorf("Import %s@%s: giving up recovery, failing %d requests", imp.targetUUID, imp.target.NID, len(pending))
	for _, r := range pending {
		r.failAsync(fmt.Errorf("%w: %s", common.ErrImportDown, imp.targetUUID))
	}
}

func (imp *Import) reconnect() error {
	ctx, cancel := context.WithTimeout(imp.ctx, imp.cfg.ConnectTimeout)
	restarted, err := imp.connect(ctx, ImportRecover)
	cancel()
	if err != nil {
		return err
	}
	return imp.finishConnect(imp.ctx, restarted)
}

// jitter spreads d by up to 10% in either direction
func jitter(d time.Duration) time.Duration {
	spread := int64(d) / 10
	if spread <= 0 {
		return d
	}
	return d + time.Duration(rand.Int64N(2*spread+1)-spread)
}

// replayAll replays the retained requests one by one in transno order
func (imp *Import) replayAll(ctx context.Context) error {
	imp.mu.Lock()
	list := append([]*Request(nil), imp.replay...)
	committed := imp.lastCommitted
	for _, r := range list {
		r.AddRef()
	}
	imp.mu.Unlock()
	defer func() {
		for _, r := range list {
			r.Finished()
		}
	}()

	Logger.Infof("Import %s: replaying %d requests", imp.targetUUID, len(list))
	for i, r := range list {
		if r.Transno() <= committed {
			continue
		}
		err := imp.ReplayReq(ctx, r, i == len(list)-1)
		var se *common.ServerError
		switch {
		case err == nil:
			imp.client.metrics.replays.Inc()
		case errors.As(err, &se):
			Logger.Warningf("Replay of x%d/t%d rejected: %v", r.Xid(), r.Transno(), err)
			imp.dropReplay(r)
		default:
			return fmt.Errorf("replay of x%d/t%d failed: %w", r.Xid(), r.Transno(), err)
		}
	}
	return nil
}

// ReplayReq sends a completed request again with the replay flag and its
// original transno and waits for the reply.
func (imp *Import) ReplayReq(ctx context.Context, r *Request, last bool) error {
	if r.Phase() != PhaseComplete {
		return fmt.Errorf("cannot replay request in phase %s", r.Phase())
	}
	r.prepareReplay(last)
	return QueueWait(ctx, r)
}

// RestartReq makes an in flight request send again under the current
// generation.
func (imp *Import) RestartReq(r *Request) {
	r.restart(fmt.Errorf("%w: x%d restarted", common.ErrStale, r.Xid()))
}

// AbortInflight resends requests that were sent under an older generation.
// Requests that may not be resent fail with ErrStale.
func (imp *Import) AbortInflight() {
	gen := imp.gen.Load()
	imp.mu.Lock()
	var old []*Request
	for r := range imp.sending {
		r.mu.Lock()
		if r.phase == PhaseRPC && r.generation != gen && r.sendState == ImportFull {
			old = append(old, r)
		}
		r.mu.Unlock()
	}
	imp.mu.Unlock()

	for _, r := range old {
		r.restart(fmt.Errorf("%w: x%d was sent under generation %d", common.ErrStale, r.Xid(), r.Generation()))
	}
	if len(old) > 0 {
		Logger.Infof("Import %s: restarted %d requests of older generations", imp.targetUUID, len(old))
	}
}

// FreeCommitted drops replay requests up to lastCommitted.
func (imp *Import) FreeCommitted(lastCommitted uint64) {
	imp.mu.Lock()
	if lastCommitted > imp.lastCommitted {
		imp.lastCommitted = lastCommitted
	}
	committed := imp.lastCommitted
	var drop []*Request
	keep := imp.replay[:0]
	for _, r := range imp.replay {
		if r.Transno() <= committed {
			drop = append(drop, r)
		} else {
			keep = append(keep, r)
		}
	}
	for i := len(keep); i < len(imp.replay); i++ {
		imp.replay[i] = nil
	}
	imp.replay = keep
	imp.mu.Unlock()

	for _, r := range drop {
		r.Finished()
	}
}

// --------------------------------------------------------------------------
// Close
// --------------------------------------------------------------------------

// Disconnect tells the server to drop the export and closes the import.
func (imp *Import) Disconnect(ctx context.Context) error {
	var err error
	if imp.State() == ImportFull {
		var req *Request
		req, err = Prepare(imp, common.OpDisconnect, nil)
		if err == nil {
			req.SetNoResend()
			req.SetNoDelay()
			err = QueueWait(ctx, req)
			req.Finished()
		}
	}
	imp.Close()
	return err
}

// Close moves the import to CLOSED and fails all pending requests with
// ErrImportDown.
func (imp *Import) Close() {
	imp.mu.Lock()
	if imp.state == ImportClosed {
		imp.mu.Unlock()
		return
	}
	imp.setStateLocked(ImportClosed)
	pending := imp.pendingLocked()
	replay := imp.replay
	imp.replay = nil
	imp.cancel()
	imp.mu.Unlock()

	for _, r := range pending {
		r.failAsync(fmt.Errorf("%w: %s closed", common.ErrImportDown, imp.targetUUID))
	}
	for _, r := range replay {
		r.Finished()
	}
	imp.client.conns.Put(imp.conn)
	imp.client.imports.Delete(importKey(imp.target, imp.targetUUID))
}

// --------------------------------------------------------------------------
// Helper Methods (called by requests)
// --------------------------------------------------------------------------

// admit decides whether r may be sent now. Requests that have to wait are
// put on the delayed list.
func (imp *Import) admit(r *Request) (bool, error) {
	imp.mu.Lock()
	defer imp.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case imp.state == ImportClosed || (imp.state == ImportDisconnected && imp.invalid):
		delete(imp.delayed, r)
		return false, fmt.Errorf("%w: %s is %s", common.ErrImportDown, imp.targetUUID, imp.state)
	case imp.state == r.sendState:
		delete(imp.delayed, r)
		r.flags &^= flagWaiting
		return true, nil
	case r.flags&flagNoDelay != 0:
		delete(imp.delayed, r)
		return false, fmt.Errorf("%w: %s is %s", common.ErrWouldBlock, imp.targetUUID, imp.state)
	default:
		if _, ok := imp.delayed[r]; !ok {
			Logger.Debugf("Delaying x%d while %s is %s", r.xid, imp.targetUUID, imp.state)
		}
		imp.delayed[r] = struct{}{}
		r.flags |= flagWaiting
		return false, nil
	}
}

func (imp *Import) addSending(r *Request) {
	imp.mu.Lock()
	imp.sending[r] = struct{}{}
	imp.mu.Unlock()
}

func (imp *Import) removeSending(r *Request) {
	imp.mu.Lock()
	delete(imp.sending, r)
	delete(imp.delayed, r)
	imp.mu.Unlock()
}

func (imp *Import) pendingLocked() []*Request {
	pending := make([]*Request, 0, len(imp.sending)+len(imp.delayed))
	for r := range imp.sending {
		pending = append(pending, r)
	}
	for r := range imp.delayed {
		if _, ok := imp.sending[r]; !ok {
			pending = append(pending, r)
		}
	}
	return pending
}

// afterReply records the outcome of an accepted reply
func (imp *Import) afterReply(r *Request, lastCommitted uint64, ackReq, retain bool) {
	if ackReq {
		imp.client.queueAck(imp, r.xid)
	}
	if retain {
		imp.retainReplay(r)
	}
	imp.FreeCommitted(lastCommitted)
}

// retainReplay keeps r for replay, ordered by transno
func (imp *Import) retainReplay(r *Request) {
	transno := r.Transno()
	imp.mu.Lock()
	defer imp.mu.Unlock()
	if transno > imp.lastTransno {
		imp.lastTransno = transno
	}
	if transno <= imp.lastCommitted || imp.state == ImportClosed {
		return
	}
	i := sort.Search(len(imp.replay), func(i int) bool { return imp.replay[i].Transno() > transno })
	r.AddRef()
	imp.replay = append(imp.replay, nil)
	copy(imp.replay[i+1:], imp.replay[i:])
	imp.replay[i] = r
}

func (imp *Import) dropReplay(r *Request) {
	imp.mu.Lock()
	found := false
	for i, other := range imp.replay {
		if other == r {
			imp.replay = append(imp.replay[:i], imp.replay[i+1:]...)
			found = true
			break
		}
	}
	imp.mu.Unlock()
	if found {
		r.Finished()
	}
}

// ackBatch is the number of pending acknowledgements that triggers a flush
// before the next ping.
const ackBatch = 64

// queueAck remembers an xid whose reply must be acknowledged
func (imp *Import) queueAck(xid uint64) {
	imp.mu.Lock()
	imp.pendingAcks = append(imp.pendingAcks, xid)
	flush := len(imp.pendingAcks) >= ackBatch
	imp.mu.Unlock()
	if flush {
		imp.flushAcks()
	}
}

// flushAcks sends all pending reply acknowledgements in one request
func (imp *Import) flushAcks() {
	imp.mu.Lock()
	n := min(len(imp.pendingAcks), ackBatch)
	xids := append([]uint64(nil), imp.pendingAcks[:n]...)
	imp.pendingAcks = imp.pendingAcks[n:]
	full := imp.state == ImportFull
	more := len(imp.pendingAcks) > 0
	imp.mu.Unlock()
	if len(xids) == 0 {
		return
	}
	requeue := func() {
		imp.mu.Lock()
		imp.pendingAcks = append(imp.pendingAcks, xids...)
		imp.mu.Unlock()
	}
	if !full {
		requeue()
		return
	}

	req, err := Prepare(imp, common.OpReplyAck, [][]byte{wire.EncodeXids(xids)})
	if err != nil {
		Logger.Warningf("Cannot acknowledge %d replies: %v", len(xids), err)
		requeue()
		return
	}
	req.SetNoResend()
	req.SetNoDelay()
	req.SetReplayable(false)
	SetInterpret(req, func(_ *Request, xids []uint64, err error) error {
		if err != nil {
			Logger.Debugf("Acknowledgement of %d replies failed: %v", len(xids), err)
			requeue()
		}
		return err
	}, xids)
	if err := imp.client.daemon.Add(req); err != nil {
		requeue()
		more = false
	}
	req.Finished()
	if more {
		imp.flushAcks()
	}
}

// Ping sends a ping and waits for the reply
func (imp *Import) Ping(ctx context.Context) (time.Duration, error) {
	req, err := Prepare(imp, common.OpPing, nil)
	if err != nil {
		return 0, err
	}
	defer req.Finished()
	req.SetNoResend()
	req.SetNoDelay()
	start := time.Now()
	err = QueueWait(ctx, req)
	return time.Since(start), err
}
