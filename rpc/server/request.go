package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ValentinKolb/dRPC/rpc/bulk"
	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/ValentinKolb/dRPC/rpc/transport"
	"github.com/ValentinKolb/dRPC/rpc/wire"
)

// ErrTooManyLocks is returned by SaveLock once a reply holds the maximum
// number of lock handles.
var ErrTooManyLocks = fmt.Errorf("reply holds more than %d locks", common.MaxAckLocks)

// savedLock is a lock handle pinned by a reply until the client acknowledged it
type savedLock struct {
	handle wire.LockHandle
	mode   uint32
}

// Request is a request received by a service. It is only valid until the
// handler returned; the body aliases the request buffer.
type Request struct {
	svc     *Service
	rqbd    *rqbd
	data    []byte
	peer    transport.ProcessID
	arrival time.Time
	hist    *HistoryEntry
	msg     *wire.Message
	export  *Export

	segments [][]byte
	packed   bool
	locks    []savedLock
	status   int32
	transno  uint64
	replied  bool
	dropped  bool
	bulks    []*bulk.Desc
}

func newRequest(s *Service, b *rqbd, data []byte, peer transport.ProcessID) *Request {
	now := time.Now()
	return &Request{
		svc:     s,
		rqbd:    b,
		data:    data,
		peer:    peer,
		arrival: now,
		hist: &HistoryEntry{
			Arrival: now,
			Peer:    peer,
			Size:    len(data),
			Phase:   RequestQueued,
		},
	}
}

// --------------------------------------------------------------------------
// Accessors
// --------------------------------------------------------------------------

func (r *Request) Service() *Service         { return r.svc }
func (r *Request) Message() *wire.Message    { return r.msg }
func (r *Request) Opcode() common.Opcode     { return r.msg.Opc }
func (r *Request) Xid() uint64               { return r.msg.Xid }
func (r *Request) Peer() transport.ProcessID { return r.peer }
func (r *Request) Arrival() time.Time        { return r.arrival }
func (r *Request) Seq() uint64               { return r.hist.Seq }
func (r *Request) Export() *Export           { return r.export }
func (r *Request) Transno() uint64           { return r.transno }
func (r *Request) Replied() bool             { return r.replied }

// SetTransno sets the transaction number carried by the reply
func (r *Request) SetTransno(transno uint64) {
	r.transno = transno
}

// Context is cancelled when the service stops
func (r *Request) Context() context.Context {
	return r.svc.ctx
}

// IsReplay reports whether the client replays a request after a server restart
func (r *Request) IsReplay() bool {
	return r.msg.Flags&wire.MsgReplay != 0
}

// IsResent reports whether the client sent the request before
func (r *Request) IsResent() bool {
	return r.msg.Flags&wire.MsgResent != 0
}

func (r *Request) String() string {
	if r.msg == nil {
		return fmt.Sprintf("request from %s (%d bytes)", r.peer, len(r.data))
	}
	return fmt.Sprintf("%s from %s", r.msg.Header.String(), r.peer)
}

// --------------------------------------------------------------------------
// Reply
// --------------------------------------------------------------------------

// PackReply sets the reply segments. The packed reply must fit into the
// service's maximum reply size.
func (r *Request) PackReply(segments ...[]byte) error {
	if r.replied {
		return errors.New("request already replied")
	}
	if size := wire.SegmentsSize(segments); size > r.svc.cfg.MaxReplySize {
		return fmt.Errorf("%w: reply of %d bytes exceeds %d", common.ErrMessageTooLarge, size, r.svc.cfg.MaxReplySize)
	}
	r.segments = segments
	r.packed = true
	return nil
}

// SaveLock pins a lock handle to the reply. A reply with saved locks is
// difficult: the locks are released once the client acknowledged the reply
// or the transaction committed.
func (r *Request) SaveLock(h wire.LockHandle, mode uint32) error {
	if len(r.locks) >= common.MaxAckLocks {
		return ErrTooManyLocks
	}
	r.locks = append(r.locks, savedLock{handle: h, mode: mode})
	return nil
}

// Drop marks the request as handled without sending a reply
func (r *Request) Drop() {
	r.dropped = true
}

// SendReply sends the packed reply with status zero
func (r *Request) SendReply() error {
	return r.send(wire.TypeReply, common.StatusOK)
}

// SendError sends a reply carrying status. Segments packed before are sent
// along.
func (r *Request) SendError(status int32) error {
	return r.send(wire.TypeErr, status)
}

func (r *Request) send(typ wire.MsgType, status int32) error {
	if r.replied {
		return errors.New("request already replied")
	}
	r.replied = true
	r.status = status
	s := r.svc

	hdr := wire.Header{
		Type:          typ,
		Opc:           r.msg.Opc,
		Status:        status,
		Handle:        r.msg.Handle,
		Xid:           r.msg.Xid,
		Transno:       r.transno,
		LastCommitted: s.LastCommitted(),
		Generation:    r.msg.Generation,
	}
	var rs *ReplyState
	if len(r.locks) > 0 {
		hdr.Flags |= wire.MsgAckReq
		rs = s.newReplyState(r)
	}
	buf, err := wire.Pack(&hdr, r.segments, s.cfg.MaxReplySize)
	if err != nil {
		if rs != nil {
			s.retire(rs, retireShutdown)
		}
		return err
	}
	if err := s.budget.Reserve(len(buf)); err != nil {
		if rs != nil {
			s.retire(rs, retireShutdown)
		}
		return err
	}

	s.metrics.replies.Inc()
	if status != common.StatusOK {
		s.metrics.errorReplies.Inc()
	}
	if rs != nil {
		s.scheduleReply(rs)
	}
	size := len(buf)
	_, err = s.ni.Put(transport.MD{Buffer: buf}, r.peer, transport.Portal(s.cfg.ReplyPortal), r.msg.Xid, 0,
		func(ev *transport.Event) {
			if ev.Status != nil {
				Logger.Debugf("Reply x%d to %s failed: %v", hdr.Xid, r.peer, ev.Status)
			}
			if ev.Unlinked {
				s.budget.Release(size)
				if rs != nil {
					s.replySent(rs)
				}
			}
		})
	if err != nil {
		s.budget.Release(size)
		if rs != nil {
			s.replySent(rs)
		}
		return fmt.Errorf("%w: %v", common.ErrNetwork, err)
	}
	return nil
}

// --------------------------------------------------------------------------
// Bulk
// --------------------------------------------------------------------------

// PrepareBulk creates a bulk descriptor on the service's bulk portal. dir is
// GetSink to pull the client's pages or PutSource to push pages to it.
func (r *Request) PrepareBulk(maxPages int, dir bulk.Direction) (*bulk.Desc, error) {
	if dir.Passive() {
		return nil, fmt.Errorf("server cannot prepare %s bulk", dir)
	}
	if r.svc.cfg.BulkPortal == 0 {
		return nil, fmt.Errorf("service %s has no bulk portal", r.svc)
	}
	d, err := bulk.Prepare(maxPages, dir, transport.Portal(r.svc.cfg.BulkPortal))
	if err != nil {
		return nil, err
	}
	r.bulks = append(r.bulks, d)
	return d, nil
}

// TransferBulk moves the pages of d to or from the client and waits for the
// transfer to complete.
func (r *Request) TransferBulk(d *bulk.Desc) error {
	if r.msg.BulkBits == 0 {
		return fmt.Errorf("%w: request x%d carries no bulk", common.ErrMalformedMessage, r.msg.Xid)
	}
	if err := d.Start(r.svc.ni, r.peer, r.msg.BulkBits); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(r.svc.ctx, r.svc.cfg.BulkTimeout)
	defer cancel()
	if err := d.Await(ctx); err != nil {
		if errors.Is(err, common.ErrTimeout) {
			r.svc.stats.timeouts.Inc(1)
		}
		Logger.Warningf("Bulk %s for %s failed: %v", d.Direction(), r, err)
		return err
	}
	return nil
}

// finish releases everything the request holds
func (r *Request) finish() {
	for _, d := range r.bulks {
		d.Abort()
		d.Free()
	}
	r.bulks = nil
	r.svc.releaseBuffer(r.rqbd)
	r.data = nil
}
