package transport

import (
	"errors"
	"fmt"
)

// --------------------------------------------------------------------------
// Addressing
// --------------------------------------------------------------------------

// ProcessID names an endpoint of the network. NID is the network id of the
// interface ("tcp:10.0.0.1:8988", "unix:/run/drpc.sock", "local:srv0").
type ProcessID struct {
	NID string
	PID uint32
}

func (p ProcessID) String() string {
	return fmt.Sprintf("%s-%d", p.NID, p.PID)
}

// Portal selects the receive queue of a message on the target interface.
type Portal uint32

// MDHandle identifies a linked memory descriptor.
type MDHandle uint64

// InvalidHandle is never returned for a linked descriptor.
const InvalidHandle MDHandle = 0

// ThresholdInfinite keeps a passive descriptor linked until explicitly unlinked.
const ThresholdInfinite = -1

// --------------------------------------------------------------------------
// Memory descriptors
// --------------------------------------------------------------------------

// MDOptions control how a passive descriptor accepts incoming operations.
type MDOptions uint32

const (
	// MDOpPut accepts incoming PUTs
	MDOpPut MDOptions = 1 << iota
	// MDOpGet serves incoming GETs
	MDOpGet
	// MDTruncate accepts messages longer than the space left, truncated
	MDTruncate
	// MDMaxSize manages the offset locally: each message is placed after the
	// previous one, messages longer than MaxSize are rejected and the
	// descriptor unlinks once less than MaxSize bytes are left
	MDMaxSize
)

// MD describes memory made visible to the network. Either Buffer or Iov is
// used; Iov describes a scatter/gather list of pages.
type MD struct {
	Buffer    []byte
	Iov       [][]byte
	Threshold int // operations before auto unlink, ThresholdInfinite for none
	MaxSize   int
	Options   MDOptions
}

// Len returns the total length of the descriptor's memory.
func (md *MD) Len() int {
	if md.Iov == nil {
		return len(md.Buffer)
	}
	n := 0
	for _, v := range md.Iov {
		n += len(v)
	}
	return n
}

// --------------------------------------------------------------------------
// Events
// --------------------------------------------------------------------------

// EventType names the operation that completed.
type EventType uint8

const (
	// EventPut is delivered on a passive descriptor that received a PUT
	EventPut EventType = iota + 1
	// EventGet is delivered on a passive descriptor that was read by a GET
	EventGet
	// EventSend is delivered on an active descriptor once its PUT left
	EventSend
	// EventReply is delivered on an active descriptor when its GET completed
	EventReply
	// EventUnlink is delivered when a descriptor was unlinked explicitly
	EventUnlink
)

func (t EventType) String() string {
	switch t {
	case EventPut:
		return "PUT"
	case EventGet:
		return "GET"
	case EventSend:
		return "SEND"
	case EventReply:
		return "REPLY"
	case EventUnlink:
		return "UNLINK"
	default:
		return "UNKNOWN"
	}
}

// Event reports the completion of a network operation on a descriptor.
//
// Every descriptor receives exactly one event with Unlinked set, and it is the
// last event delivered for that descriptor. After it the network no longer
// references the descriptor's memory.
type Event struct {
	Type      EventType
	Handle    MDHandle
	Initiator ProcessID
	Portal    Portal
	MatchBits uint64
	HdrData   uint64
	Offset    int // where the data was placed in (or read from) the descriptor
	RLength   int // requested length
	MLength   int // manipulated length
	Status    error
	Unlinked  bool
}

// Callback consumes events. Callbacks of one interface run on a single
// goroutine in delivery order; they must not block.
type Callback func(ev *Event)

// --------------------------------------------------------------------------
// Network interface
// --------------------------------------------------------------------------

var (
	// ErrMDNotFound is returned by Unlink for a descriptor that is already unlinked
	ErrMDNotFound = errors.New("memory descriptor not found")
	// ErrNoMatch is reported when no passive descriptor accepted an operation
	ErrNoMatch = errors.New("no matching memory descriptor")
	// ErrUnreachable is reported when the target interface cannot be reached
	ErrUnreachable = errors.New("peer unreachable")
	// ErrClosed is returned by a closed interface
	ErrClosed = errors.New("network interface closed")
)

// INetwork is the contract between the RPC engine and a low level network.
// It follows the portals model: passive descriptors are attached to a portal
// with match bits and wait for incoming operations; active descriptors start
// a PUT or a GET towards a peer. Completion is reported through events.
type INetwork interface {
	// Self returns the process id of this interface
	Self() ProcessID

	// Attach links a passive descriptor on portal. An incoming operation
	// matches if (bits ^ matchBits) &^ ignoreBits == 0.
	Attach(portal Portal, matchBits, ignoreBits uint64, md MD, cb Callback) (MDHandle, error)

	// Put sends the descriptor's memory to target. Completion (or failure) is
	// reported by an EventSend with Unlinked set.
	Put(md MD, target ProcessID, portal Portal, matchBits, hdrData uint64, cb Callback) (MDHandle, error)

	// Get reads from a passive descriptor of target into md. Completion is
	// reported by an EventReply with Unlinked set.
	Get(md MD, target ProcessID, portal Portal, matchBits uint64, cb Callback) (MDHandle, error)

	// Unlink removes a descriptor from the network. The final event follows
	// asynchronously. ErrMDNotFound is returned if the descriptor is gone.
	Unlink(h MDHandle) error

	// Close unlinks all descriptors and stops event delivery after the
	// pending events were delivered.
	Close() error
}
