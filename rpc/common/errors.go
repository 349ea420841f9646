package common

import (
	"errors"
	"fmt"
)

// --------------------------------------------------------------------------
// Error taxonomy
// --------------------------------------------------------------------------

var (
	// ErrMalformedMessage is returned when a buffer does not parse as a wire message.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrMessageTooLarge is returned when a message or a segment exceeds its maximum size.
	ErrMessageTooLarge = errors.New("message too large")
	// ErrAllocationFailed is returned when a memory budget or buffer limit is exhausted.
	ErrAllocationFailed = errors.New("allocation failed")
	// ErrBulkTooLarge is returned when a bulk transfer exceeds the page limit.
	ErrBulkTooLarge = errors.New("bulk transfer too large")
	// ErrTimeout is returned when a request exhausted its deadline and resend budget.
	ErrTimeout = errors.New("request timed out")
	// ErrNetwork is returned when the network driver reported a send failure.
	ErrNetwork = errors.New("network error")
	// ErrInterrupted is returned when the waiter cancelled its context.
	ErrInterrupted = errors.New("request interrupted")
	// ErrStaleReply marks a reply that belongs to an older import generation.
	// It never reaches the caller; the reply is discarded.
	ErrStaleReply = errors.New("stale reply")
	// ErrStale is returned for a no-resend request that was in flight when the
	// import reconnected.
	ErrStale = errors.New("request belongs to an old import generation")
	// ErrImportDown is returned when the import is disconnected or closed.
	ErrImportDown = errors.New("import is down")
	// ErrWouldBlock is returned for no-delay requests issued while the import is not FULL.
	ErrWouldBlock = errors.New("import not ready")
	// ErrShutdown is returned by components that are stopping.
	ErrShutdown = errors.New("shutting down")
)

// --------------------------------------------------------------------------
// Handler status codes (negative errno values as carried on the wire)
// --------------------------------------------------------------------------

const (
	StatusOK           int32 = 0
	StatusNoEnt        int32 = -2
	StatusIO           int32 = -5
	StatusBusy         int32 = -16
	StatusExist        int32 = -17
	StatusInval        int32 = -22
	StatusNoSpace      int32 = -28
	StatusProto        int32 = -71
	StatusNotSupported int32 = -95
	StatusNotConnected int32 = -107
	StatusTimedOut     int32 = -110
)

var statusNames = map[int32]string{
	StatusNoEnt:        "no such object",
	StatusIO:           "i/o error",
	StatusBusy:         "busy",
	StatusExist:        "exists",
	StatusInval:        "invalid argument",
	StatusNoSpace:      "no space",
	StatusProto:        "protocol error",
	StatusNotSupported: "not supported",
	StatusNotConnected: "not connected",
	StatusTimedOut:     "timed out",
}

// ServerError carries a non-zero handler status. The RPC itself succeeded.
type ServerError struct {
	Code int32
	Op   Opcode
}

func (e *ServerError) Error() string {
	if name, ok := statusNames[e.Code]; ok {
		return fmt.Sprintf("server error %d (%s) for %s", e.Code, name, e.Op)
	}
	return fmt.Sprintf("server error %d for %s", e.Code, e.Op)
}

// Is reports whether target is a ServerError with the same code, so callers can
// write errors.Is(err, &ServerError{Code: StatusNoEnt}).
func (e *ServerError) Is(target error) bool {
	var se *ServerError
	if !errors.As(target, &se) {
		return false
	}
	return se.Code == e.Code
}

// StatusOf returns the status code carried by err, or StatusOK for nil.
// Errors that are not ServerErrors map to StatusIO.
func StatusOf(err error) int32 {
	if err == nil {
		return StatusOK
	}
	var se *ServerError
	if errors.As(err, &se) {
		return se.Code
	}
	return StatusIO
}
