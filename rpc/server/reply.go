package server

import (
	"fmt"
	"time"

	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/ValentinKolb/dRPC/rpc/transport"
	"github.com/ValentinKolb/dRPC/rpc/wire"
)

// replyKey identifies a difficult reply by the client's network id and xid
type replyKey struct {
	nid string
	xid uint64
}

type retireReason uint8

const (
	retireAck retireReason = iota
	retireCommit
	retireTimeout
	retireShutdown
)

func (r retireReason) String() string {
	switch r {
	case retireAck:
		return "acked"
	case retireCommit:
		return "committed"
	case retireTimeout:
		return "abandoned"
	default:
		return "shutdown"
	}
}

// ReplyState tracks a difficult reply: a reply that pinned lock handles.
// The locks are released exactly once, when the client acknowledged the
// reply, when its transaction committed, or when the client stopped
// answering probes.
type ReplyState struct {
	id      uint64
	key     replyKey
	peer    transport.ProcessID
	opc     common.Opcode
	transno uint64
	locks   []savedLock
	created time.Time

	// guarded by Service.replyMu
	probes  int
	onNet   bool
	handled bool
}

func (rs *ReplyState) Xid() uint64               { return rs.key.xid }
func (rs *ReplyState) Peer() transport.ProcessID { return rs.peer }
func (rs *ReplyState) Opcode() common.Opcode     { return rs.opc }
func (rs *ReplyState) Transno() uint64           { return rs.transno }
func (rs *ReplyState) Created() time.Time        { return rs.created }

func (rs *ReplyState) String() string {
	return fmt.Sprintf("reply x%d/t%d %s to %s (%d locks)", rs.key.xid, rs.transno, rs.opc, rs.peer, len(rs.locks))
}

// DifficultReplies returns the number of replies waiting for an acknowledgement
func (s *Service) DifficultReplies() int {
	s.replyMu.Lock()
	defer s.replyMu.Unlock()
	return len(s.difficult)
}

// newReplyState registers the difficult reply of r. A reply of the same xid
// that is still outstanding is replaced; its locks are released.
func (s *Service) newReplyState(r *Request) *ReplyState {
	rs := &ReplyState{
		key:     replyKey{nid: r.peer.NID, xid: r.msg.Xid},
		peer:    r.peer,
		opc:     r.msg.Opc,
		transno: r.transno,
		locks:   r.locks,
		created: time.Now(),
		onNet:   true,
	}
	r.locks = nil

	s.replyMu.Lock()
	s.nextReplyID++
	rs.id = s.nextReplyID
	old := s.difficult[rs.key]
	s.difficult[rs.key] = rs
	s.replyMu.Unlock()

	s.metrics.difficult.Inc()
	if old != nil {
		s.retire(old, retireShutdown)
	}
	return rs
}

// scheduleReply arms the probe timer of rs. A reply whose transaction is
// already stable waits for nothing and is retired at once.
func (s *Service) scheduleReply(rs *ReplyState) {
	if rs.transno != 0 && rs.transno <= s.LastCommitted() {
		s.retire(rs, retireCommit)
		return
	}
	s.replyMu.Lock()
	if !rs.handled {
		s.watchdog.Schedule(rs.id, time.Now().Add(s.cfg.DifficultTimeout))
		s.byID[rs.id] = rs
	}
	s.replyMu.Unlock()
	s.kickWatchdog()
}

// replySent is called once the network released the reply buffer
func (s *Service) replySent(rs *ReplyState) {
	s.replyMu.Lock()
	rs.onNet = false
	s.replyMu.Unlock()
}

// retire releases the locks of rs. Only the first call has an effect.
func (s *Service) retire(rs *ReplyState, reason retireReason) {
	s.replyMu.Lock()
	if rs.handled {
		s.replyMu.Unlock()
		return
	}
	rs.handled = true
	if s.difficult[rs.key] == rs {
		delete(s.difficult, rs.key)
	}
	s.watchdog.Remove(rs.id)
	delete(s.byID, rs.id)
	s.replyMu.Unlock()

	switch reason {
	case retireAck:
		s.metrics.retiredAck.Inc()
	case retireCommit:
		s.metrics.retiredCommit.Inc()
	case retireTimeout:
		s.metrics.retiredTimeout.Inc()
		Logger.Warningf("Service %s: %s was never acknowledged, releasing %d locks", s, rs, len(rs.locks))
	}
	if s.locks != nil {
		for _, l := range rs.locks {
			s.locks.ReleaseLock(l.handle, l.mode)
		}
	}
	Logger.Debugf("Service %s: %s retired (%s)", s, rs, reason)
}

// handleReplyAck retires the difficult replies a client acknowledged
func (s *Service) handleReplyAck(req *Request) int32 {
	xids, err := wire.DecodeXids(req.msg, 0)
	if err != nil {
		Logger.Warningf("Service %s: bad reply ack from %s: %v", s, req.peer, err)
		return common.StatusProto
	}
	var acked []*ReplyState
	s.replyMu.Lock()
	for _, xid := range xids {
		if rs, ok := s.difficult[replyKey{nid: req.peer.NID, xid: xid}]; ok {
			acked = append(acked, rs)
		}
	}
	s.replyMu.Unlock()
	for _, rs := range acked {
		s.retire(rs, retireAck)
	}
	return common.StatusOK
}

// Commit records that all transactions up to transno are stable and retires
// the difficult replies they produced.
func (s *Service) Commit(transno uint64) {
	for {
		cur := s.lastCommitted.Load()
		if transno <= cur {
			return
		}
		if s.lastCommitted.CompareAndSwap(cur, transno) {
			break
		}
	}

	var committed []*ReplyState
	s.replyMu.Lock()
	for _, rs := range s.difficult {
		if rs.transno != 0 && rs.transno <= transno {
			committed = append(committed, rs)
		}
	}
	s.replyMu.Unlock()
	for _, rs := range committed {
		s.retire(rs, retireCommit)
	}
}

// --------------------------------------------------------------------------
// Watchdog
// --------------------------------------------------------------------------

func (s *Service) kickWatchdog() {
	select {
	case s.watchdogWake <- struct{}{}:
	default:
	}
}

// runWatchdog probes clients that did not acknowledge a difficult reply in
// time and retires the reply after the last unanswered probe.
func (s *Service) runWatchdog() {
	defer close(s.done)
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		wait := time.Hour
		s.replyMu.Lock()
		if _, deadline, ok := s.watchdog.Peek(); ok {
			wait = max(time.Until(deadline), 0)
		}
		s.replyMu.Unlock()
		timer.Reset(wait)

		select {
		case <-s.ctx.Done():
			return
		case <-s.watchdogWake:
		case <-timer.C:
			s.expireReplies(time.Now())
		}
	}
}

func (s *Service) expireReplies(now time.Time) {
	probe := make(map[transport.ProcessID][]uint64)
	var abandoned []*ReplyState

	s.replyMu.Lock()
	for _, id := range s.watchdog.PopExpired(now) {
		rs, ok := s.byID[id]
		if !ok {
			continue
		}
		if rs.probes >= s.cfg.MaxProbes {
			abandoned = append(abandoned, rs)
			continue
		}
		rs.probes++
		probe[rs.peer] = append(probe[rs.peer], rs.key.xid)
		s.watchdog.Schedule(id, now.Add(s.cfg.DifficultTimeout))
	}
	s.replyMu.Unlock()

	for _, rs := range abandoned {
		s.retire(rs, retireTimeout)
	}
	for peer, xids := range probe {
		s.sendProbe(peer, xids)
	}
}

// sendProbe asks a client to acknowledge the replies of xids again
func (s *Service) sendProbe(peer transport.ProcessID, xids []uint64) {
	hdr := wire.Header{
		Type: wire.TypeRequest,
		Opc:  common.OpAckProbe,
		Xid:  s.probeXid.Add(1),
	}
	buf, err := wire.Pack(&hdr, [][]byte{wire.EncodeXids(xids)}, 0)
	if err != nil {
		Logger.Errorf("Service %s: cannot pack ack probe: %v", s, err)
		return
	}
	s.metrics.probes.Inc()
	Logger.Debugf("Service %s: probing %s for %d replies", s, peer, len(xids))
	_, err = s.ni.Put(transport.MD{Buffer: buf}, peer, common.PortalClientCallback, hdr.Xid, 0, func(ev *transport.Event) {
		if ev.Status != nil {
			Logger.Debugf("Ack probe to %s failed: %v", peer, ev.Status)
		}
	})
	if err != nil {
		Logger.Warningf("Service %s: cannot probe %s: %v", s, peer, err)
	}
}
