package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lni/dragonboat/v4/logger"

	"github.com/ValentinKolb/dRPC/lib/util"
	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/ValentinKolb/dRPC/rpc/transport"
	"github.com/ValentinKolb/dRPC/rpc/wire"
)

var Logger = logger.GetLogger("rpc/server")

// rqbd is a request buffer posted on the request portal. It receives
// requests back to back until less than the maximum request size is left.
// Requests point into the buffer, so it is reposted only once all of them
// finished.
type rqbd struct {
	buf    []byte
	handle transport.MDHandle
	posted bool
	refs   int
}

// Service receives requests on a portal, queues them in arrival order and
// runs the handler on a pool of workers.
type Service struct {
	cfg     common.ServiceConfig
	ni      transport.INetwork
	handler IHandler
	budget  *common.MemoryBudget
	locks   ILockReleaser

	ctx    context.Context
	cancel context.CancelFunc

	// request buffers
	bufMu   sync.Mutex
	rqbds   []*rqbd
	nPosted int

	// request queue
	queueMu   sync.Mutex
	queueCond *sync.Cond
	queue     []*Request
	active    int
	stopping  bool

	history *history

	// difficult replies
	replyMu      sync.Mutex
	difficult    map[replyKey]*ReplyState
	byID         map[uint64]*ReplyState
	watchdog     *util.DeadlineHeap
	nextReplyID  uint64
	watchdogWake chan struct{}

	lastCommitted atomic.Uint64
	probeXid      atomic.Uint64

	mu      sync.Mutex
	started bool
	stopped bool
	workers sync.WaitGroup
	done    chan struct{}

	metrics *serviceMetrics
	stats   *serviceStats
}

// NewService creates a service on ni. Requests are dispatched to handler
// once the service is started.
func NewService(cfg common.ServiceConfig, ni transport.INetwork, handler IHandler) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.New("service needs a handler")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:          cfg,
		ni:           ni,
		handler:      handler,
		budget:       common.NewMemoryBudget(cfg.MemoryLimit),
		ctx:          ctx,
		cancel:       cancel,
		history:      newHistory(cfg.MaxHistory),
		difficult:    make(map[replyKey]*ReplyState),
		byID:         make(map[uint64]*ReplyState),
		watchdog:     util.NewDeadlineHeap(),
		watchdogWake: make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	s.queueCond = sync.NewCond(&s.queueMu)
	s.probeXid.Store(uint64(time.Now().UnixMicro()))
	s.metrics = newServiceMetrics(s)
	s.stats = newServiceStats(s)
	return s, nil
}

// SetLockReleaser installs the component that releases the locks of retired
// difficult replies. Must be called before Start.
func (s *Service) SetLockReleaser(l ILockReleaser) {
	s.locks = l
}

// --------------------------------------------------------------------------
// Accessors
// --------------------------------------------------------------------------

func (s *Service) Config() common.ServiceConfig { return s.cfg }
func (s *Service) Network() transport.INetwork  { return s.ni }
func (s *Service) Budget() *common.MemoryBudget { return s.budget }
func (s *Service) LastCommitted() uint64        { return s.lastCommitted.Load() }
func (s *Service) Context() context.Context     { return s.ctx }
func (s *Service) HistoryLen() int              { return s.history.len() }
func (s *Service) Handler() IHandler            { return s.handler }
func (s *Service) Self() transport.ProcessID    { return s.ni.Self() }
func (s *Service) String() string               { return s.cfg.Name + "@" + s.ni.Self().NID }

// History returns the recorded requests, oldest first, and the highest
// sequence number that was culled.
func (s *Service) History() ([]HistoryEntry, uint64) {
	return s.history.snapshot()
}

// Buffers returns the number of allocated and posted request buffers
func (s *Service) Buffers() (total, posted int) {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	return len(s.rqbds), s.nPosted
}

// QueueDepth returns the number of requests waiting for a worker
func (s *Service) QueueDepth() int {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	return len(s.queue)
}

// Active returns the number of requests being handled
func (s *Service) Active() int {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	return s.active
}

// --------------------------------------------------------------------------
// Start / Stop
// --------------------------------------------------------------------------

// Start posts the first group of request buffers and starts nthreads
// workers (the configured number if nthreads is not positive).
func (s *Service) Start(nthreads int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("service %s already started", s)
	}
	if nthreads <= 0 {
		nthreads = s.cfg.Threads
	}
	if err := s.growBuffers(); err != nil {
		return fmt.Errorf("service %s: %w", s, err)
	}
	s.started = true

	for i := 0; i < nthreads; i++ {
		s.workers.Add(1)
		go s.worker(i)
	}
	go s.runWatchdog()

	Logger.Infof("Service %s started with %d threads on portal %d", s, nthreads, s.cfg.RequestPortal)
	Logger.Debugf("%s", s.cfg.String())
	return nil
}

// Stop unlinks the request buffers, lets the workers drain the queue and
// retires all difficult replies.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.bufMu.Lock()
	var handles []transport.MDHandle
	for _, b := range s.rqbds {
		if b.posted {
			handles = append(handles, b.handle)
		}
	}
	s.bufMu.Unlock()
	s.queueMu.Lock()
	s.stopping = true
	s.queueCond.Broadcast()
	s.queueMu.Unlock()

	for _, h := range handles {
		if err := s.ni.Unlink(h); err != nil && !errors.Is(err, transport.ErrMDNotFound) {
			Logger.Warningf("Service %s: failed to unlink request buffer: %v", s, err)
		}
	}
	s.workers.Wait()
	s.cancel()
	<-s.done

	s.replyMu.Lock()
	pending := make([]*ReplyState, 0, len(s.difficult))
	for _, rs := range s.difficult {
		pending = append(pending, rs)
	}
	s.replyMu.Unlock()
	for _, rs := range pending {
		s.retire(rs, retireShutdown)
	}
	s.metrics.release()
	Logger.Infof("Service %s stopped", s)
}

// --------------------------------------------------------------------------
// Request buffers
// --------------------------------------------------------------------------

// growBuffers allocates and posts another group of request buffers
func (s *Service) growBuffers() error {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()

	n := min(s.cfg.NBufsPerGroup, s.cfg.MaxBuffers-len(s.rqbds))
	if n <= 0 {
		s.metrics.bufferFailures.Inc()
		return fmt.Errorf("%w: %d request buffers is the maximum", common.ErrAllocationFailed, s.cfg.MaxBuffers)
	}
	added := 0
	var err error
	for ; added < n; added++ {
		if err = s.budget.Reserve(s.cfg.BufSize); err != nil {
			break
		}
		b := &rqbd{buf: make([]byte, s.cfg.BufSize)}
		if err = s.postLocked(b); err != nil {
			s.budget.Release(s.cfg.BufSize)
			break
		}
		s.rqbds = append(s.rqbds, b)
	}
	if added == 0 {
		s.metrics.bufferFailures.Inc()
		return err
	}
	if err != nil {
		Logger.Warningf("Service %s: posted %d of %d request buffers: %v", s, added, n, err)
	}
	Logger.Debugf("Service %s: %d request buffers, %d posted", s, len(s.rqbds), s.nPosted)
	return nil
}

func (s *Service) postLocked(b *rqbd) error {
	h, err := s.ni.Attach(transport.Portal(s.cfg.RequestPortal), 0, ^uint64(0), transport.MD{
		Buffer:    b.buf,
		Threshold: transport.ThresholdInfinite,
		MaxSize:   s.cfg.MaxReqSize,
		Options:   transport.MDOpPut | transport.MDMaxSize,
	}, func(ev *transport.Event) { s.onRequest(b, ev) })
	if err != nil {
		return err
	}
	b.handle = h
	b.posted = true
	s.nPosted++
	return nil
}

// onRequest handles events of a request buffer
func (s *Service) onRequest(b *rqbd, ev *transport.Event) {
	if ev.Type == transport.EventPut && ev.Status == nil {
		s.bufMu.Lock()
		b.refs++
		s.bufMu.Unlock()
		s.enqueue(newRequest(s, b, b.buf[ev.Offset:ev.Offset+ev.MLength], ev.Initiator))
	}
	if !ev.Unlinked {
		return
	}

	s.bufMu.Lock()
	b.posted = false
	b.handle = transport.InvalidHandle
	s.nPosted--
	if b.refs == 0 {
		s.repostLocked(b)
	}
	grow := s.nPosted < len(s.rqbds)/2
	s.bufMu.Unlock()

	if grow && !s.isStopping() {
		if err := s.growBuffers(); err != nil {
			Logger.Errorf("Service %s: cannot grow request buffers: %v", s, err)
		}
	}
}

// releaseBuffer drops the reference a finished request held on its buffer
func (s *Service) releaseBuffer(b *rqbd) {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	b.refs--
	if b.refs == 0 && !b.posted {
		s.repostLocked(b)
	}
}

func (s *Service) repostLocked(b *rqbd) {
	if s.isStopping() {
		return
	}
	if err := s.postLocked(b); err != nil {
		Logger.Warningf("Service %s: failed to repost request buffer: %v", s, err)
	}
}

func (s *Service) isStopping() bool {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	return s.stopping
}

// --------------------------------------------------------------------------
// Queue and workers
// --------------------------------------------------------------------------

func (s *Service) enqueue(req *Request) {
	s.metrics.requests.Inc()
	s.stats.sizes.AddSample(len(req.data))
	s.history.add(req.hist)

	s.queueMu.Lock()
	s.stats.qdepth.Update(int64(len(s.queue)))
	s.queue = append(s.queue, req)
	s.queueCond.Signal()
	s.queueMu.Unlock()
}

func (s *Service) worker(id int) {
	defer s.workers.Done()
	Logger.Debugf("Service %s: worker %d started", s, id)
	for {
		s.queueMu.Lock()
		for len(s.queue) == 0 && !s.stopping {
			s.queueCond.Wait()
		}
		if len(s.queue) == 0 {
			s.queueMu.Unlock()
			return
		}
		req := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.active++
		s.stats.active.Update(int64(s.active))
		s.queueMu.Unlock()

		s.dispatch(req)

		s.queueMu.Lock()
		s.active--
		s.queueMu.Unlock()
	}
}

// dispatch unpacks a request, runs the handler and makes sure a reply is sent
func (s *Service) dispatch(req *Request) {
	start := time.Now()
	s.stats.waittime.Update(start.Sub(req.arrival).Microseconds())
	defer req.finish()

	msg, err := wire.Unpack(req.data, len(req.data))
	if err == nil && msg.Type != wire.TypeRequest {
		err = fmt.Errorf("%w: %s from %s", common.ErrMalformedMessage, msg.Type, req.peer)
	}
	if err != nil {
		s.metrics.malformed.Inc()
		Logger.Warningf("Service %s: dropping request from %s: %v", s, req.peer, err)
		s.history.update(req.hist, func(e *HistoryEntry) {
			e.Phase, e.Status = RequestDone, common.StatusProto
		})
		return
	}
	req.msg = msg
	s.history.update(req.hist, func(e *HistoryEntry) {
		e.Xid, e.Opc, e.Phase = msg.Xid, msg.Opc, RequestActive
	})

	var status int32
	if msg.Opc == common.OpReplyAck {
		status = s.handleReplyAck(req)
	} else {
		status = s.handler.Handle(req)
	}
	if !req.replied && !req.dropped {
		if status != common.StatusOK {
			err = req.SendError(status)
		} else {
			err = req.SendReply()
		}
		if err != nil {
			Logger.Warningf("Service %s: failed to reply to x%d from %s: %v", s, msg.Xid, req.peer, err)
		}
	}

	elapsed := time.Since(start)
	s.metrics.requestDuration.Update(elapsed.Seconds())
	s.history.update(req.hist, func(e *HistoryEntry) {
		e.Phase, e.Status, e.Elapsed = RequestDone, req.status, elapsed
	})
}
