package server

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/ValentinKolb/dRPC/lib/util"
	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/ValentinKolb/dRPC/rpc/conn"
	"github.com/ValentinKolb/dRPC/rpc/transport"
	"github.com/ValentinKolb/dRPC/rpc/wire"
)

// ICommitter is implemented by applications that make their changes durable
// in batches. Commit is called with the highest transaction number whose
// changes must be stable once it returns.
type ICommitter interface {
	Commit(transno uint64) error
}

// IExportObserver is implemented by applications that keep per-client state,
// like granted locks. ExportGone is called after a client disconnected or was
// replaced by a new instance of itself.
type IExportObserver interface {
	ExportGone(clientUUID string)
}

// Export is the server side of a client connection
type Export struct {
	uuid      string
	handle    uint64
	conn      *conn.Connection
	connected time.Time
	requests  atomic.Uint64
}

func (e *Export) ClientUUID() string           { return e.uuid }
func (e *Export) Handle() uint64               { return e.handle }
func (e *Export) Peer() transport.ProcessID    { return e.conn.Peer() }
func (e *Export) Connected() time.Time         { return e.connected }
func (e *Export) Requests() uint64             { return e.requests.Load() }
func (e *Export) Connection() *conn.Connection { return e.conn }

func (e *Export) String() string {
	return fmt.Sprintf("export %s handle %#x", e.conn, e.handle)
}

// Target runs an application handler behind a service. It owns the client
// exports, assigns transaction numbers to modifying requests and answers
// duplicates from the reply cache.
type Target struct {
	cfg      common.TargetConfig
	svc      *Service
	app      IHandler
	cache    IReplyCache
	conns    *conn.Registry
	instance uint64

	exports *xsync.MapOf[string, *Export]
	handles *xsync.MapOf[uint64, *Export]

	// transactions that are assigned but not finished
	txMu        sync.Mutex
	inflight    map[uint64]struct{}
	lastTransno uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewTargetService creates a target and the service it runs on. cache may be
// nil, in which case duplicates are executed again.
func NewTargetService(cfg common.ServiceConfig, tcfg common.TargetConfig, ni transport.INetwork, app IHandler, cache IReplyCache) (*Target, error) {
	if err := tcfg.Validate(); err != nil {
		return nil, err
	}
	if app == nil {
		return nil, fmt.Errorf("target %s needs an application handler", tcfg.UUID)
	}
	t := &Target{
		cfg:      tcfg,
		app:      app,
		cache:    cache,
		conns:    conn.NewRegistry(),
		instance: util.RandomCookie(),
		exports:  xsync.NewMapOf[string, *Export](),
		handles:  xsync.NewMapOf[uint64, *Export](),
		inflight: make(map[uint64]struct{}),
		stopCh:   make(chan struct{}),
	}
	svc, err := NewService(cfg, ni, t)
	if err != nil {
		return nil, err
	}
	t.svc = svc
	return t, nil
}

func (t *Target) Service() *Service { return t.svc }
func (t *Target) UUID() string      { return t.cfg.UUID }
func (t *Target) Instance() uint64  { return t.instance }

// SetLockReleaser installs the lock releaser of the service
func (t *Target) SetLockReleaser(l ILockReleaser) {
	t.svc.SetLockReleaser(l)
}

// Start starts the service and the committer
func (t *Target) Start(nthreads int) error {
	if err := t.svc.Start(nthreads); err != nil {
		return err
	}
	if t.cfg.CommitInterval > 0 {
		t.wg.Add(1)
		go t.runCommitter()
	}
	Logger.Infof("Target %s (instance %#x) serving on %s", t.cfg.UUID, t.instance, t.svc)
	return nil
}

// Stop stops the service, commits what is left and closes the reply cache
func (t *Target) Stop() {
	t.svc.Stop()
	select {
	case <-t.stopCh:
	default:
		close(t.stopCh)
	}
	t.wg.Wait()
	t.Commit()

	t.exports.Range(func(_ string, e *Export) bool {
		t.conns.Put(e.conn)
		return true
	})
	t.exports.Clear()
	t.handles.Clear()
	if t.cache != nil {
		if err := t.cache.Close(); err != nil {
			Logger.Warningf("Target %s: closing reply cache: %v", t.cfg.UUID, err)
		}
	}
}

// Export returns the export of a client
func (t *Target) Export(clientUUID string) (*Export, bool) {
	return t.exports.Load(clientUUID)
}

// Exports returns the number of connected clients
func (t *Target) Exports() int {
	return t.exports.Size()
}

// LastTransno returns the highest assigned transaction number
func (t *Target) LastTransno() uint64 {
	t.txMu.Lock()
	defer t.txMu.Unlock()
	return t.lastTransno
}

// --------------------------------------------------------------------------
// Transactions
// --------------------------------------------------------------------------

// beginTx assigns the next transaction number, or adopts the number of a
// replayed request.
func (t *Target) beginTx(replayed uint64) uint64 {
	t.txMu.Lock()
	defer t.txMu.Unlock()
	transno := replayed
	if transno == 0 {
		t.lastTransno++
		transno = t.lastTransno
	} else if transno > t.lastTransno {
		t.lastTransno = transno
	}
	t.inflight[transno] = struct{}{}
	return transno
}

func (t *Target) endTx(transno uint64) {
	t.txMu.Lock()
	delete(t.inflight, transno)
	t.txMu.Unlock()
}

// committable returns the highest transaction number below every unfinished one
func (t *Target) committable() uint64 {
	t.txMu.Lock()
	defer t.txMu.Unlock()
	upto := t.lastTransno
	for tx := range t.inflight {
		if tx <= upto {
			upto = tx - 1
		}
	}
	return upto
}

// Commit makes all finished transactions durable and tells the service, so
// that clients can drop them from their replay lists.
func (t *Target) Commit() {
	upto := t.committable()
	if upto <= t.svc.LastCommitted() {
		return
	}
	if c, ok := t.app.(ICommitter); ok {
		if err := c.Commit(upto); err != nil {
			Logger.Errorf("Target %s: commit of transno %d failed: %v", t.cfg.UUID, upto, err)
			return
		}
	}
	t.svc.Commit(upto)
}

func (t *Target) runCommitter() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.CommitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.Commit()
		}
	}
}

// --------------------------------------------------------------------------
// Request handling
// --------------------------------------------------------------------------

// Handle implements IHandler
func (t *Target) Handle(req *Request) int32 {
	switch req.Opcode() {
	case common.OpConnect:
		return t.connect(req)
	}

	exp, ok := t.handles.Load(req.msg.Handle)
	if !ok {
		Logger.Debugf("Target %s: %s with unknown handle %#x", t.cfg.UUID, req, req.msg.Handle)
		return common.StatusNotConnected
	}
	if peer := req.Peer(); peer != exp.conn.Peer() {
		t.conns.Readdress(exp.conn, peer)
	}
	exp.requests.Add(1)
	req.export = exp

	switch req.Opcode() {
	case common.OpDisconnect:
		return t.disconnect(exp)
	case common.OpPing:
		return common.StatusOK
	}
	if !req.Opcode().IsModifying() {
		return t.app.Handle(req)
	}
	return t.handleModifying(req, exp)
}

// handleModifying runs a request that changes state at most once per xid
func (t *Target) handleModifying(req *Request, exp *Export) int32 {
	xid := req.Xid()
	// requests with bulk data are executed again when resent: a cached reply
	// would leave the client waiting for a transfer that never starts
	cache := t.cache
	if req.msg.BulkBits != 0 {
		cache = nil
	}
	if cache != nil {
		cached, inProgress, err := cache.Begin(exp.uuid, xid)
		switch {
		case err != nil:
			Logger.Errorf("Target %s: reply cache lookup for x%d: %v", t.cfg.UUID, xid, err)
			return common.StatusIO
		case inProgress:
			t.svc.metrics.duplicates.Inc()
			Logger.Debugf("Target %s: dropping duplicate of in progress %s", t.cfg.UUID, req)
			req.Drop()
			return common.StatusOK
		case cached != nil:
			t.svc.metrics.duplicates.Inc()
			Logger.Debugf("Target %s: answering %s from the reply cache", t.cfg.UUID, req)
			req.SetTransno(cached.Transno)
			if err := req.PackReply(cached.Segments...); err != nil {
				return common.StatusIO
			}
			return cached.Status
		}
	}

	var replayed uint64
	if req.IsReplay() {
		replayed = req.msg.Transno
	}
	transno := t.beginTx(replayed)
	req.SetTransno(transno)
	status := t.app.Handle(req)
	if status != common.StatusOK && replayed == 0 {
		req.SetTransno(0)
	}

	if cache != nil {
		if req.dropped {
			cache.Abort(exp.uuid, xid)
		} else {
			rep := &CachedReply{Status: status, Transno: req.Transno(), Segments: req.segments}
			if err := cache.Complete(exp.uuid, xid, rep); err != nil {
				Logger.Warningf("Target %s: cannot cache reply of x%d: %v", t.cfg.UUID, xid, err)
			}
		}
	}
	t.endTx(transno)
	if t.cfg.CommitInterval == 0 {
		t.Commit()
	}
	return status
}

// connect creates or reuses the export of a client
func (t *Target) connect(req *Request) int32 {
	data, err := wire.DecodeConnectData(req.msg, 0)
	if err != nil {
		return common.StatusProto
	}
	clientUUID, err := req.msg.String(1, 128)
	if err != nil {
		return common.StatusProto
	}
	targetUUID, err := req.msg.String(2, 128)
	if err != nil {
		return common.StatusProto
	}
	if targetUUID != t.cfg.UUID {
		Logger.Warningf("Target %s: connect from %s for unknown target %s", t.cfg.UUID, req.Peer(), targetUUID)
		return common.StatusNoEnt
	}

	reconnect := data.Flags&wire.ConnectReconnect != 0
	var replaced *Export
	exp, _ := t.exports.Compute(clientUUID, func(old *Export, loaded bool) (*Export, bool) {
		if loaded && reconnect && old.handle == data.Handle {
			return old, false
		}
		replaced = old
		e := &Export{
			uuid:      clientUUID,
			handle:    util.RandomCookie(),
			conn:      t.conns.Get(req.Peer(), clientUUID),
			connected: time.Now(),
		}
		return e, false
	})
	if replaced != nil && replaced != exp {
		t.handles.Delete(replaced.handle)
		t.conns.Put(replaced.conn)
		Logger.Infof("Target %s: client %s reconnected as a new instance, dropping %s", t.cfg.UUID, clientUUID, replaced)
		if !reconnect {
			if t.cache != nil {
				if err := t.cache.Forget(clientUUID); err != nil {
					Logger.Warningf("Target %s: cannot drop cached replies of %s: %v", t.cfg.UUID, clientUUID, err)
				}
			}
			t.exportGone(clientUUID)
		}
	}
	if peer := req.Peer(); peer != exp.conn.Peer() {
		t.conns.Readdress(exp.conn, peer)
	}
	t.handles.Store(exp.handle, exp)
	req.export = exp

	rep := wire.ConnectData{
		Flags:         data.Flags,
		Handle:        exp.handle,
		Instance:      t.instance,
		LastCommitted: t.svc.LastCommitted(),
		LastTransno:   t.LastTransno(),
	}
	if err := req.PackReply(rep.Encode()); err != nil {
		return common.StatusIO
	}
	Logger.Infof("Target %s: %s connected from %s (handle %#x)", t.cfg.UUID, clientUUID, req.Peer().NID, exp.handle)
	return common.StatusOK
}

// disconnect drops the export and the cached replies of a client
func (t *Target) disconnect(exp *Export) int32 {
	removed := false
	t.exports.Compute(exp.uuid, func(old *Export, loaded bool) (*Export, bool) {
		if loaded && old == exp {
			removed = true
			return nil, true
		}
		return old, !loaded
	})
	if !removed {
		return common.StatusOK
	}
	t.handles.Delete(exp.handle)
	t.conns.Put(exp.conn)
	if t.cache != nil {
		if err := t.cache.Forget(exp.uuid); err != nil {
			Logger.Warningf("Target %s: cannot drop cached replies of %s: %v", t.cfg.UUID, exp.uuid, err)
		}
	}
	t.exportGone(exp.uuid)
	Logger.Infof("Target %s: %s disconnected", t.cfg.UUID, exp.uuid)
	return common.StatusOK
}

func (t *Target) exportGone(clientUUID string) {
	if o, ok := t.app.(IExportObserver); ok {
		o.ExportGone(clientUUID)
	}
}
