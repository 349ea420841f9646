package server

import (
	"sync"
	"time"

	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/ValentinKolb/dRPC/rpc/transport"
)

// RequestPhase is the position of a request in the service pipeline
type RequestPhase uint8

const (
	RequestQueued RequestPhase = iota
	RequestActive
	RequestDone
)

func (p RequestPhase) String() string {
	switch p {
	case RequestQueued:
		return "queued"
	case RequestActive:
		return "active"
	default:
		return "done"
	}
}

// HistoryEntry describes one request the service received
type HistoryEntry struct {
	Seq     uint64
	Arrival time.Time
	Peer    transport.ProcessID
	Xid     uint64
	Opc     common.Opcode
	Size    int
	Phase   RequestPhase
	Status  int32
	Elapsed time.Duration
}

// history keeps the most recent requests with monotonically increasing
// sequence numbers. Entries beyond the limit are culled oldest first.
type history struct {
	mu           sync.Mutex
	max          int
	entries      []*HistoryEntry
	nextSeq      uint64
	maxCulledSeq uint64
}

func newHistory(max int) *history {
	return &history{max: max}
}

// add assigns the next sequence number and records the entry
func (h *history) add(e *HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextSeq++
	e.Seq = h.nextSeq
	h.entries = append(h.entries, e)
	if over := len(h.entries) - h.max; over > 0 {
		h.maxCulledSeq = h.entries[over-1].Seq
		clear(h.entries[:over])
		h.entries = h.entries[over:]
	}
}

// update changes an entry under the history lock
func (h *history) update(e *HistoryEntry, fn func(e *HistoryEntry)) {
	h.mu.Lock()
	fn(e)
	h.mu.Unlock()
}

func (h *history) snapshot() ([]HistoryEntry, uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]HistoryEntry, len(h.entries))
	for i, e := range h.entries {
		out[i] = *e
	}
	return out, h.maxCulledSeq
}

func (h *history) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}
