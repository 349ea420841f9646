package objstore

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dRPC/lib/lockmgr"
	"github.com/ValentinKolb/dRPC/rpc/bulk"
	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/ValentinKolb/dRPC/rpc/serializer"
	"github.com/ValentinKolb/dRPC/rpc/server"
	"github.com/ValentinKolb/dRPC/rpc/wire"
	vmetrics "github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("objstore")

// LockNoWait in Body.Flags of a lock enqueue fails with StatusBusy instead
// of waiting for conflicting locks.
const LockNoWait uint32 = 1

// DefaultLockWait bounds how long a lock enqueue may block a service thread.
const DefaultLockWait = 5 * time.Second

// ResourceName returns the lock resource of an object.
func ResourceName(oid uint64) string {
	return fmt.Sprintf("obj/%d", oid)
}

// Handler serves the object protocol on top of a server.Target. It
// implements server.IHandler, server.ICommitter and server.IExportObserver.
type Handler struct {
	backend  IBackend
	locks    lockmgr.ILockManager
	ser      serializer.IRPCSerializer
	lockWait time.Duration
	nextOID  atomic.Uint64

	metrics      *vmetrics.Set
	bytesRead    *vmetrics.Counter
	bytesWritten *vmetrics.Counter
	lockGrants   *vmetrics.Counter
	lockBusy     *vmetrics.Counter
}

// NewHandler creates a handler. Object ids handed out by create continue
// after the highest id found in backend.
func NewHandler(name string, backend IBackend, locks lockmgr.ILockManager, ser serializer.IRPCSerializer) (*Handler, error) {
	highest, err := backend.MaxObjectID(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to scan object store: %w", err)
	}
	set := common.NewMetricSet()
	h := &Handler{
		backend:      backend,
		locks:        locks,
		ser:          ser,
		lockWait:     DefaultLockWait,
		metrics:      set,
		bytesRead:    set.NewCounter(common.MetricName("drpc_objstore_read_bytes_total", "target", name)),
		bytesWritten: set.NewCounter(common.MetricName("drpc_objstore_write_bytes_total", "target", name)),
		lockGrants:   set.NewCounter(common.MetricName("drpc_objstore_lock_grants_total", "target", name)),
		lockBusy:     set.NewCounter(common.MetricName("drpc_objstore_lock_busy_total", "target", name)),
	}
	h.nextOID.Store(highest)
	return h, nil
}

// SetLockWait changes how long a lock enqueue may wait.
func (h *Handler) SetLockWait(d time.Duration) { h.lockWait = d }

func (h *Handler) Backend() IBackend                     { return h.backend }
func (h *Handler) Locks() lockmgr.ILockManager           { return h.locks }
func (h *Handler) Serializer() serializer.IRPCSerializer { return h.ser }

// Commit implements server.ICommitter
func (h *Handler) Commit(uint64) error {
	return h.backend.Sync()
}

// ExportGone implements server.IExportObserver
func (h *Handler) ExportGone(clientUUID string) {
	if n := h.locks.CancelOwner(clientUUID); n > 0 {
		Logger.Infof("Cancelled %d locks of evicted client %s", n, clientUUID)
	}
}

// Close releases the metrics and closes the backend
func (h *Handler) Close() error {
	common.ReleaseMetricSet(h.metrics)
	return h.backend.Close()
}

// Handle implements server.IHandler
func (h *Handler) Handle(req *server.Request) int32 {
	seg, err := req.Message().Buf(0, 0)
	if err != nil {
		return common.StatusProto
	}
	var in common.Body
	if err := h.ser.Deserialize(seg, &in); err != nil {
		Logger.Warningf("Cannot decode %s body of %s: %v", h.ser.Name(), req, err)
		return common.StatusProto
	}

	ctx := req.Context()
	var out common.Body
	switch req.Opcode() {
	case common.OpCreate:
		out, err = h.create(ctx, in)
	case common.OpDestroy:
		err = h.backend.Destroy(ctx, in.ObjectID)
		out.ObjectID = in.ObjectID
	case common.OpGetattr:
		out.ObjectID = in.ObjectID
		out.Size, err = h.backend.Size(ctx, in.ObjectID)
	case common.OpSetattr:
		out.ObjectID, out.Size = in.ObjectID, in.Size
		err = h.backend.Truncate(ctx, in.ObjectID, in.Size)
	case common.OpPunch:
		out.ObjectID = in.ObjectID
		err = h.backend.Punch(ctx, in.ObjectID, in.Offset, in.Count)
	case common.OpStatfs:
		out.Count, out.Size, err = h.backend.Statfs(ctx)
	case common.OpRead:
		out, err = h.read(ctx, req, in)
	case common.OpWrite:
		out, err = h.write(ctx, req, in)
	case common.OpLockEnqueue:
		out, err = h.enqueue(ctx, req, in)
	case common.OpLockCancel:
		err = h.cancel(req, in)
	default:
		return common.StatusNotSupported
	}

	status := statusOf(err)
	if err != nil {
		Logger.Debugf("%s failed: %v", req, err)
		out = common.Body{ObjectID: in.ObjectID, Err: err.Error()}
	}
	data, err := h.ser.Serialize(out)
	if err != nil {
		return common.StatusIO
	}
	if err := req.PackReply(data); err != nil {
		return common.StatusIO
	}
	return status
}

// --------------------------------------------------------------------------
// Operations
// --------------------------------------------------------------------------

func (h *Handler) create(ctx context.Context, in common.Body) (common.Body, error) {
	oid := in.ObjectID
	if oid == 0 {
		oid = h.nextOID.Add(1)
	} else {
		// keep allocated ids above explicitly created ones
		for {
			cur := h.nextOID.Load()
			if cur >= oid || h.nextOID.CompareAndSwap(cur, oid) {
				break
			}
		}
	}
	if err := h.backend.Create(ctx, oid); err != nil {
		return common.Body{}, err
	}
	return common.Body{ObjectID: oid}, nil
}

// pagesFor returns the number of bulk pages needed for count bytes
func pagesFor(count uint64) (int, error) {
	if count == 0 || count > common.MaxBRWSize {
		return 0, fmt.Errorf("%w: transfer of %d bytes", errInvalid, count)
	}
	return int((count + pageSize - 1) / pageSize), nil
}

// addPages splits buf into bulk pages starting at object offset off
func addPages(d *bulk.Desc, buf []byte, off uint64) error {
	for i := 0; i < len(buf); i += common.PageSize {
		end := min(i+common.PageSize, len(buf))
		if err := d.AddPage(buf[i:end], off+uint64(i)); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) read(ctx context.Context, req *server.Request, in common.Body) (common.Body, error) {
	pages, err := pagesFor(in.Count)
	if err != nil {
		return common.Body{}, err
	}
	buf := make([]byte, in.Count)
	n, err := h.backend.ReadAt(ctx, in.ObjectID, buf, in.Offset)
	if err != nil {
		return common.Body{}, err
	}
	d, err := req.PrepareBulk(pages, bulk.PutSource)
	if err != nil {
		return common.Body{}, err
	}
	if err := addPages(d, buf, in.Offset); err != nil {
		return common.Body{}, err
	}
	if err := req.TransferBulk(d); err != nil {
		return common.Body{}, err
	}
	h.bytesRead.Add(n)
	return common.Body{ObjectID: in.ObjectID, Offset: in.Offset, Count: uint64(n)}, nil
}

func (h *Handler) write(ctx context.Context, req *server.Request, in common.Body) (common.Body, error) {
	pages, err := pagesFor(in.Count)
	if err != nil {
		return common.Body{}, err
	}
	if in.Handle != 0 {
		if err := h.checkWriteLock(req, in); err != nil {
			return common.Body{}, err
		}
	}
	if _, err := h.backend.Size(ctx, in.ObjectID); err != nil {
		return common.Body{}, err
	}

	buf := make([]byte, in.Count)
	d, err := req.PrepareBulk(pages, bulk.GetSink)
	if err != nil {
		return common.Body{}, err
	}
	if err := addPages(d, buf, in.Offset); err != nil {
		return common.Body{}, err
	}
	if err := req.TransferBulk(d); err != nil {
		return common.Body{}, err
	}
	size, err := h.backend.WriteAt(ctx, in.ObjectID, buf, in.Offset)
	if err != nil {
		return common.Body{}, err
	}
	h.bytesWritten.Add(len(buf))
	return common.Body{ObjectID: in.ObjectID, Offset: in.Offset, Count: in.Count, Size: size}, nil
}

// checkWriteLock verifies that the lock named in a write covers it
func (h *Handler) checkWriteLock(req *server.Request, in common.Body) error {
	info, ok := h.locks.Lookup(wire.LockHandle{Cookie: in.Handle})
	switch {
	case !ok || info.Cancelled:
		return fmt.Errorf("%w: %#x", lockmgr.ErrUnknownLock, in.Handle)
	case info.Owner != clientOf(req) || info.Resource != ResourceName(in.ObjectID):
		return fmt.Errorf("%w: lock %#x is not held on object %d", errInvalid, in.Handle, in.ObjectID)
	case info.Mode != lockmgr.ModePW || info.Start > in.Offset || info.End < in.Offset+in.Count-1:
		return fmt.Errorf("%w: lock %#x does not cover the write", errInvalid, in.Handle)
	}
	return nil
}

// enqueue grants a lock. The reply pins the lock until the client
// acknowledged it, so a cancel racing with the grant cannot drop a lock the
// client does not know about yet.
func (h *Handler) enqueue(ctx context.Context, req *server.Request, in common.Body) (common.Body, error) {
	if _, err := h.backend.Size(ctx, in.ObjectID); err != nil {
		return common.Body{}, err
	}
	end := uint64(lockmgr.EOF)
	if in.Count != 0 {
		end = in.Offset + in.Count - 1
	}
	ctx, cancel := context.WithTimeout(ctx, h.lockWait)
	defer cancel()

	mode := lockmgr.Mode(in.Mode)
	lh, err := h.locks.Enqueue(ctx, lockmgr.Request{
		Owner:    clientOf(req),
		Resource: ResourceName(in.ObjectID),
		Mode:     mode,
		Start:    in.Offset,
		End:      end,
		NoWait:   in.Flags&LockNoWait != 0,
	})
	if err != nil {
		h.lockBusy.Inc()
		return common.Body{}, err
	}
	h.lockGrants.Inc()

	if err := h.locks.AddRef(lh, mode); err != nil {
		return common.Body{}, err
	}
	if err := req.SaveLock(lh, uint32(mode)); err != nil {
		h.locks.ReleaseLock(lh, uint32(mode))
		Logger.Warningf("Cannot pin lock %#x to %s: %v", lh.Cookie, req, err)
	}
	return common.Body{ObjectID: in.ObjectID, Mode: in.Mode, Offset: in.Offset, Count: in.Count, Handle: lh.Cookie}, nil
}

func (h *Handler) cancel(req *server.Request, in common.Body) error {
	lh := wire.LockHandle{Cookie: in.Handle}
	info, ok := h.locks.Lookup(lh)
	if !ok {
		return fmt.Errorf("%w: %#x", lockmgr.ErrUnknownLock, in.Handle)
	}
	if info.Owner != clientOf(req) {
		return fmt.Errorf("%w: lock %#x belongs to another client", errInvalid, in.Handle)
	}
	return h.locks.Cancel(lh)
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

var errInvalid = errors.New("invalid argument")

// clientOf returns the uuid of the client that sent req. Requests that did
// not pass through a target have no export and share the empty owner.
func clientOf(req *server.Request) string {
	if exp := req.Export(); exp != nil {
		return exp.ClientUUID()
	}
	return ""
}

// statusOf maps an error to the status carried by the reply
func statusOf(err error) int32 {
	switch {
	case err == nil:
		return common.StatusOK
	case errors.Is(err, ErrNoObject), errors.Is(err, lockmgr.ErrUnknownLock):
		return common.StatusNoEnt
	case errors.Is(err, ErrExists):
		return common.StatusExist
	case errors.Is(err, lockmgr.ErrConflict):
		return common.StatusBusy
	case errors.Is(err, errInvalid), errors.Is(err, lockmgr.ErrInvalidExtent), errors.Is(err, lockmgr.ErrInvalidMode),
		errors.Is(err, common.ErrBulkTooLarge):
		return common.StatusInval
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, common.ErrTimeout):
		return common.StatusTimedOut
	default:
		return common.StatusIO
	}
}
