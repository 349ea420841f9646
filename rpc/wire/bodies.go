package wire

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/ValentinKolb/dRPC/rpc/common"
)

// Bodies are written in the byte order of the sending host. A receiver on a
// host of the other order converts them with the swab functions below,
// through Message.SwabBuf.

var hostBigEndian = binary.NativeEndian.Uint16([]byte{0, 1}) == 1

var native = binary.NativeEndian

func swab64(b []byte) {
	native.PutUint64(b, bits.ReverseBytes64(native.Uint64(b)))
}

func swab32(b []byte) {
	native.PutUint32(b, bits.ReverseBytes32(native.Uint32(b)))
}

// --------------------------------------------------------------------------
// ConnectData
// --------------------------------------------------------------------------

// Connect flags
const (
	ConnectReplayable uint64 = 0x1 // the client keeps requests for replay
	ConnectReconnect  uint64 = 0x2 // the client reconnects with a known export handle
)

// ConnectDataSize is the encoded size of ConnectData.
const ConnectDataSize = 40

// ConnectData is exchanged by the connect request and its reply.
type ConnectData struct {
	Flags         uint64
	Handle        uint64 // export handle cookie (reply)
	Instance      uint64 // server instance id (reply)
	LastCommitted uint64 // last committed transno (reply), last seen (request)
	LastTransno   uint64 // last transno the client holds for replay (request)
}

// Encode writes d in host order.
func (d *ConnectData) Encode() []byte {
	b := make([]byte, ConnectDataSize)
	native.PutUint64(b[0:], d.Flags)
	native.PutUint64(b[8:], d.Handle)
	native.PutUint64(b[16:], d.Instance)
	native.PutUint64(b[24:], d.LastCommitted)
	native.PutUint64(b[32:], d.LastTransno)
	return b
}

// SwabConnectData converts an encoded ConnectData in place.
func SwabConnectData(b []byte) {
	for off := 0; off+8 <= ConnectDataSize && off+8 <= len(b); off += 8 {
		swab64(b[off:])
	}
}

// DecodeConnectData reads ConnectData from segment i of m.
func DecodeConnectData(m *Message, i int) (*ConnectData, error) {
	b, err := m.SwabBuf(i, ConnectDataSize, SwabConnectData)
	if err != nil {
		return nil, err
	}
	return &ConnectData{
		Flags:         native.Uint64(b[0:]),
		Handle:        native.Uint64(b[8:]),
		Instance:      native.Uint64(b[16:]),
		LastCommitted: native.Uint64(b[24:]),
		LastTransno:   native.Uint64(b[32:]),
	}, nil
}

// --------------------------------------------------------------------------
// Niobuf vectors
// --------------------------------------------------------------------------

// NiobufSize is the encoded size of a single Niobuf.
const NiobufSize = 16

// Niobuf describes one contiguous range of a bulk transfer.
type Niobuf struct {
	Offset uint64
	Len    uint32
	Flags  uint32
}

// EncodeNiobufs writes the vector in host order.
func EncodeNiobufs(nbs []Niobuf) []byte {
	b := make([]byte, NiobufSize*len(nbs))
	for i, nb := range nbs {
		off := i * NiobufSize
		native.PutUint64(b[off:], nb.Offset)
		native.PutUint32(b[off+8:], nb.Len)
		native.PutUint32(b[off+12:], nb.Flags)
	}
	return b
}

// SwabNiobufs converts an encoded vector in place.
func SwabNiobufs(b []byte) {
	for off := 0; off+NiobufSize <= len(b); off += NiobufSize {
		swab64(b[off:])
		swab32(b[off+8:])
		swab32(b[off+12:])
	}
}

// DecodeNiobufs reads a Niobuf vector from segment i of m.
func DecodeNiobufs(m *Message, i int) ([]Niobuf, error) {
	b, err := m.SwabBuf(i, NiobufSize, SwabNiobufs)
	if err != nil {
		return nil, err
	}
	if len(b)%NiobufSize != 0 {
		return nil, fmt.Errorf("%w: niobuf segment of %d bytes", common.ErrMalformedMessage, len(b))
	}
	nbs := make([]Niobuf, len(b)/NiobufSize)
	for j := range nbs {
		off := j * NiobufSize
		nbs[j] = Niobuf{
			Offset: native.Uint64(b[off:]),
			Len:    native.Uint32(b[off+8:]),
			Flags:  native.Uint32(b[off+12:]),
		}
	}
	return nbs, nil
}

// --------------------------------------------------------------------------
// Lock handle vectors
// --------------------------------------------------------------------------

// LockHandleSize is the encoded size of a lock handle.
const LockHandleSize = 8

// LockHandle is an opaque cookie naming a granted lock.
type LockHandle struct {
	Cookie uint64
}

// EncodeLockHandles writes the vector in host order.
func EncodeLockHandles(hs []LockHandle) []byte {
	b := make([]byte, LockHandleSize*len(hs))
	for i, h := range hs {
		native.PutUint64(b[i*LockHandleSize:], h.Cookie)
	}
	return b
}

// SwabLockHandles converts an encoded vector in place.
func SwabLockHandles(b []byte) {
	for off := 0; off+LockHandleSize <= len(b); off += LockHandleSize {
		swab64(b[off:])
	}
}

// DecodeLockHandles reads a lock handle vector from segment i of m.
func DecodeLockHandles(m *Message, i int) ([]LockHandle, error) {
	b, err := m.SwabBuf(i, 0, SwabLockHandles)
	if err != nil {
		return nil, err
	}
	if len(b)%LockHandleSize != 0 {
		return nil, fmt.Errorf("%w: lock handle segment of %d bytes", common.ErrMalformedMessage, len(b))
	}
	hs := make([]LockHandle, len(b)/LockHandleSize)
	for j := range hs {
		hs[j].Cookie = native.Uint64(b[j*LockHandleSize:])
	}
	return hs, nil
}

// --------------------------------------------------------------------------
// Xid vectors
// --------------------------------------------------------------------------

// EncodeXids writes a vector of transaction ids in host order. Used by reply
// acknowledgements and ack probes.
func EncodeXids(xids []uint64) []byte {
	b := make([]byte, 8*len(xids))
	for i, x := range xids {
		native.PutUint64(b[i*8:], x)
	}
	return b
}

// SwabXids converts an encoded vector in place.
func SwabXids(b []byte) {
	for off := 0; off+8 <= len(b); off += 8 {
		swab64(b[off:])
	}
}

// DecodeXids reads an xid vector from segment i of m.
func DecodeXids(m *Message, i int) ([]uint64, error) {
	b, err := m.SwabBuf(i, 0, SwabXids)
	if err != nil {
		return nil, err
	}
	if len(b)%8 != 0 {
		return nil, fmt.Errorf("%w: xid segment of %d bytes", common.ErrMalformedMessage, len(b))
	}
	xids := make([]uint64, len(b)/8)
	for j := range xids {
		xids[j] = native.Uint64(b[j*8:])
	}
	return xids, nil
}
