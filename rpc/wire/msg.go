package wire

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("rpc/wire")

// --------------------------------------------------------------------------
// Header
// --------------------------------------------------------------------------

const (
	Magic   uint32 = 0x0BD00BD3
	Version uint32 = 0x00040003

	versionMajorMask uint32 = 0xffff0000

	// HeaderSize is the fixed size of the canonical header (without the
	// length table).
	HeaderSize = 72
)

// MsgType distinguishes requests from replies.
type MsgType uint32

const (
	TypeRequest MsgType = 4711
	TypeReply   MsgType = 4712
	TypeErr     MsgType = 4713
)

func (t MsgType) String() string {
	switch t {
	case TypeRequest:
		return "req"
	case TypeReply:
		return "rep"
	case TypeErr:
		return "err"
	default:
		return fmt.Sprintf("type%d", uint32(t))
	}
}

// Header flags
const (
	MsgLastReplay    uint32 = 0x1
	MsgResent        uint32 = 0x2
	MsgReplay        uint32 = 0x4
	MsgAckReq        uint32 = 0x8   // reply pins lock handles until the client acknowledges
	MsgBodyBigEndian uint32 = 0x100 // bodies were written by a big-endian host
)

// Header is the decoded fixed part of a message. It is always encoded in
// little-endian order on the wire.
type Header struct {
	Type          MsgType
	Opc           common.Opcode
	Flags         uint32
	Status        int32
	Handle        uint64
	Xid           uint64
	Transno       uint64
	LastCommitted uint64
	BulkBits      uint64
	Generation    uint32
}

// String returns a compact representation used in debug output
func (h *Header) String() string {
	var fl []string
	if h.Flags&MsgResent != 0 {
		fl = append(fl, "RESENT")
	}
	if h.Flags&MsgReplay != 0 {
		fl = append(fl, "REPLAY")
	}
	if h.Flags&MsgLastReplay != 0 {
		fl = append(fl, "LAST_REPLAY")
	}
	if h.Flags&MsgAckReq != 0 {
		fl = append(fl, "ACK_REQ")
	}
	return fmt.Sprintf("%s x%d/t%d o%s gen %d status %d flags [%s]",
		h.Type, h.Xid, h.Transno, h.Opc, h.Generation, h.Status, strings.Join(fl, ","))
}

// --------------------------------------------------------------------------
// Sizes
// --------------------------------------------------------------------------

// RoundUp8 rounds n up to the next multiple of eight.
func RoundUp8(n int) int {
	return (n + 7) &^ 7
}

// MsgSize returns the packed size of a message with the given segment lengths.
func MsgSize(lens []int) int {
	size := HeaderSize + RoundUp8(4*len(lens))
	for _, l := range lens {
		size += RoundUp8(l)
	}
	return size
}

// SegmentsSize returns MsgSize for the lengths of segments.
func SegmentsSize(segments [][]byte) int {
	size := HeaderSize + RoundUp8(4*len(segments))
	for _, s := range segments {
		size += RoundUp8(len(s))
	}
	return size
}

// --------------------------------------------------------------------------
// Pack
// --------------------------------------------------------------------------

// Pack encodes hdr and segments into a new buffer. If the packed size exceeds
// max (max > 0) ErrMessageTooLarge is returned and no buffer is produced.
func Pack(hdr *Header, segments [][]byte, max int) ([]byte, error) {
	if len(segments) > common.MaxSegments {
		return nil, fmt.Errorf("%w: %d segments", common.ErrMessageTooLarge, len(segments))
	}
	size := SegmentsSize(segments)
	if max > 0 && size > max {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", common.ErrMessageTooLarge, size, max)
	}

	buf := make([]byte, size)
	flags := hdr.Flags &^ MsgBodyBigEndian
	if hostBigEndian {
		flags |= MsgBodyBigEndian
	}
	le := binary.LittleEndian
	le.PutUint32(buf[0:], Magic)
	le.PutUint32(buf[4:], Version)
	le.PutUint32(buf[8:], uint32(hdr.Type))
	le.PutUint32(buf[12:], uint32(hdr.Opc))
	le.PutUint32(buf[16:], flags)
	le.PutUint32(buf[20:], uint32(hdr.Status))
	le.PutUint64(buf[24:], hdr.Handle)
	le.PutUint64(buf[32:], hdr.Xid)
	le.PutUint64(buf[40:], hdr.Transno)
	le.PutUint64(buf[48:], hdr.LastCommitted)
	le.PutUint64(buf[56:], hdr.BulkBits)
	le.PutUint32(buf[64:], hdr.Generation)
	le.PutUint32(buf[68:], uint32(len(segments)))

	off := HeaderSize
	for i, s := range segments {
		le.PutUint32(buf[off+4*i:], uint32(len(s)))
	}
	off += RoundUp8(4 * len(segments))
	for _, s := range segments {
		copy(buf[off:], s)
		off += RoundUp8(len(s))
	}
	return buf, nil
}

// --------------------------------------------------------------------------
// Unpack
// --------------------------------------------------------------------------

// Message is an unpacked wire message. Segment bodies alias the buffer that
// was passed to Unpack.
type Message struct {
	Header

	buf     []byte
	lens    []int
	offsets []int
	size    int

	// swabMask has bit i set once segment i was converted to host order
	swabMask uint32
}

func malformed(format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	Logger.Debugf("rejecting message: %s", msg)
	return fmt.Errorf("%w: %s", common.ErrMalformedMessage, msg)
}

// Unpack parses the first n bytes of buf.
func Unpack(buf []byte, n int) (*Message, error) {
	if n > len(buf) {
		n = len(buf)
	}
	if n < HeaderSize {
		return nil, malformed("message too short: %d bytes", n)
	}
	le := binary.LittleEndian
	magic := le.Uint32(buf[0:])
	if magic != Magic {
		return nil, malformed("bad magic %#08x", magic)
	}
	version := le.Uint32(buf[4:])
	if version&versionMajorMask != Version&versionMajorMask {
		return nil, malformed("unsupported version %#08x", version)
	}

	m := &Message{buf: buf[:n]}
	m.Type = MsgType(le.Uint32(buf[8:]))
	m.Opc = common.Opcode(le.Uint32(buf[12:]))
	m.Flags = le.Uint32(buf[16:])
	m.Status = int32(le.Uint32(buf[20:]))
	m.Handle = le.Uint64(buf[24:])
	m.Xid = le.Uint64(buf[32:])
	m.Transno = le.Uint64(buf[40:])
	m.LastCommitted = le.Uint64(buf[48:])
	m.BulkBits = le.Uint64(buf[56:])
	m.Generation = le.Uint32(buf[64:])

	count := int(le.Uint32(buf[68:]))
	if count > common.MaxSegments {
		return nil, malformed("too many segments: %d", count)
	}
	off := HeaderSize + RoundUp8(4*count)
	if off > n {
		return nil, malformed("length table of %d segments exceeds %d bytes", count, n)
	}

	m.lens = make([]int, count)
	m.offsets = make([]int, count)
	for i := 0; i < count; i++ {
		l := int(le.Uint32(buf[HeaderSize+4*i:]))
		if l > n || off+l > n {
			return nil, malformed("segment %d (%d bytes at %d) exceeds %d bytes", i, l, off, n)
		}
		m.lens[i] = l
		m.offsets[i] = off
		off += RoundUp8(l)
	}
	m.size = off
	if m.size > n {
		m.size = n
	}
	return m, nil
}

// --------------------------------------------------------------------------
// Segment access
// --------------------------------------------------------------------------

// BufCount returns the number of segments.
func (m *Message) BufCount() int {
	return len(m.lens)
}

// Len returns the length of segment i, or zero if it does not exist.
func (m *Message) Len(i int) int {
	if i < 0 || i >= len(m.lens) {
		return 0
	}
	return m.lens[i]
}

// Size returns the number of bytes the message occupies.
func (m *Message) Size() int {
	return m.size
}

// Foreign reports whether the bodies were written in the other byte order.
func (m *Message) Foreign() bool {
	return (m.Flags&MsgBodyBigEndian != 0) != hostBigEndian
}

// Buf returns segment i, which must be at least minLen bytes long.
func (m *Message) Buf(i, minLen int) ([]byte, error) {
	if i < 0 || i >= len(m.lens) {
		return nil, malformed("segment %d requested, message has %d", i, len(m.lens))
	}
	if m.lens[i] < minLen {
		return nil, malformed("segment %d is %d bytes, need %d", i, m.lens[i], minLen)
	}
	return m.buf[m.offsets[i] : m.offsets[i]+m.lens[i]], nil
}

// String returns the NUL-terminated string in segment i. Strings longer than
// maxLen (maxLen > 0) fail with ErrMessageTooLarge.
func (m *Message) String(i, maxLen int) (string, error) {
	b, err := m.Buf(i, 1)
	if err != nil {
		return "", err
	}
	end := -1
	for j, c := range b {
		if c == 0 {
			end = j
			break
		}
	}
	if end < 0 {
		return "", malformed("string in segment %d is not terminated", i)
	}
	if maxLen > 0 && end > maxLen {
		return "", fmt.Errorf("%w: string in segment %d is %d bytes, max %d", common.ErrMessageTooLarge, i, end, maxLen)
	}
	return string(b[:end]), nil
}

// SwabBuf returns segment i converted to host byte order. The conversion
// runs at most once per segment; later calls return the converted body.
func (m *Message) SwabBuf(i, minLen int, swab func([]byte)) ([]byte, error) {
	b, err := m.Buf(i, minLen)
	if err != nil {
		return nil, err
	}
	if i >= 32 {
		return nil, malformed("segment %d cannot be swabbed", i)
	}
	bit := uint32(1) << uint(i)
	if m.swabMask&bit != 0 {
		return b, nil
	}
	if m.Foreign() && swab != nil {
		swab(b)
	}
	m.swabMask |= bit
	return b, nil
}

// Swabbed reports whether segment i was already converted.
func (m *Message) Swabbed(i int) bool {
	if i < 0 || i >= 32 {
		return false
	}
	return m.swabMask&(uint32(1)<<uint(i)) != 0
}

// Segments returns all segment bodies.
func (m *Message) Segments() [][]byte {
	segs := make([][]byte, len(m.lens))
	for i := range m.lens {
		segs[i] = m.buf[m.offsets[i] : m.offsets[i]+m.lens[i]]
	}
	return segs
}
