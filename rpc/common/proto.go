package common

import (
	"encoding/json"
	"fmt"
)

// --------------------------------------------------------------------------
// Opcodes
// --------------------------------------------------------------------------

// Opcode identifies the operation a request asks the server to perform.
type Opcode uint32

const (
	OpReply       Opcode = 0
	OpGetattr     Opcode = 1
	OpSetattr     Opcode = 2
	OpRead        Opcode = 3
	OpWrite       Opcode = 4
	OpCreate      Opcode = 5
	OpDestroy     Opcode = 6
	OpConnect     Opcode = 8
	OpDisconnect  Opcode = 9
	OpPunch       Opcode = 10
	OpStatfs      Opcode = 13
	OpLockEnqueue Opcode = 101
	OpLockCancel  Opcode = 103
	OpPing        Opcode = 400
	OpReplyAck    Opcode = 401 // client acknowledges a reply that carried lock handles
	OpAckProbe    Opcode = 402 // server asks a client whether it saw a difficult reply
)

var opcodeNames = map[Opcode]string{
	OpReply:       "reply",
	OpGetattr:     "getattr",
	OpSetattr:     "setattr",
	OpRead:        "read",
	OpWrite:       "write",
	OpCreate:      "create",
	OpDestroy:     "destroy",
	OpConnect:     "connect",
	OpDisconnect:  "disconnect",
	OpPunch:       "punch",
	OpStatfs:      "statfs",
	OpLockEnqueue: "lock_enqueue",
	OpLockCancel:  "lock_cancel",
	OpPing:        "ping",
	OpReplyAck:    "reply_ack",
	OpAckProbe:    "ack_probe",
}

// String returns the string representation of an Opcode.
func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("op%d", uint32(o))
}

// MarshalJSON implements the json.Marshaller interface for Opcode.
func (o Opcode) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for Opcode.
func (o *Opcode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for op, name := range opcodeNames {
		if name == s {
			*o = op
			return nil
		}
	}
	return fmt.Errorf("unknown opcode: %s", s)
}

// IsModifying reports whether the server assigns a transaction number to the
// opcode. Only modifying requests are retained by clients for replay.
func (o Opcode) IsModifying() bool {
	switch o {
	case OpSetattr, OpWrite, OpCreate, OpDestroy, OpPunch:
		return true
	default:
		return false
	}
}

// --------------------------------------------------------------------------
// Portals
// --------------------------------------------------------------------------

// Portal numbers. A request portal carries requests to a service; a reply
// portal carries replies back to clients; bulk portals carry page data.
const (
	PortalConnmgrRequest = 1
	PortalConnmgrReply   = 2
	PortalClientReply    = 4
	PortalOSTRequest     = 6
	PortalOSTCreate      = 7
	PortalOSTBulk        = 8
	PortalMDSReply       = 10
	PortalMDSRequest     = 12
	PortalMDSBulk        = 14
	PortalClientCallback = 15
	PortalLDLMReply      = 16
	PortalLDLMRequest    = 17
)

// --------------------------------------------------------------------------
// Application body
// --------------------------------------------------------------------------

// Body is the application payload carried in segment 0 of the demo object
// service messages. Which fields are used depends on the opcode.
type Body struct {
	ObjectID uint64 `json:"oid,omitempty"`    // all object operations
	Offset   uint64 `json:"offset,omitempty"` // read, write, punch
	Count    uint64 `json:"count,omitempty"`  // read, write (bytes), statfs (objects)
	Size     uint64 `json:"size,omitempty"`   // getattr/setattr (reply), statfs (bytes)
	Mode     uint32 `json:"mode,omitempty"`   // lock mode
	Flags    uint32 `json:"flags,omitempty"`
	Handle   uint64 `json:"handle,omitempty"` // lock handle
	Name     string `json:"name,omitempty"`   // lock resource name
	Data     []byte `json:"data,omitempty"`   // small inline payloads
	Err      string `json:"err,omitempty"`    // empty if no error
}
