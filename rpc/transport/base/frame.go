package base

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/ValentinKolb/dRPC/rpc/transport"
)

// frame operations
const (
	frameHello    uint8 = 1
	framePut      uint8 = 2
	frameGet      uint8 = 3
	frameGetReply uint8 = 4
)

// GET reply status
const (
	frameStatusOK      uint32 = 0
	frameStatusNoMatch uint32 = 1
	frameStatusError   uint32 = 2
)

const frameHeaderSize = 40

// frameHeader is the fixed part of a stream frame
type frameHeader struct {
	op        uint8
	status    uint32
	portal    transport.Portal
	length    uint32 // payload length, or requested length for GET
	matchBits uint64
	hdrData   uint64
	id        uint64 // GET id
}

// writeFrame writes a frame to the connection with the format:
// - 1 byte: operation, 3 bytes padding
// - 4 bytes: status (uint32, big endian)
// - 4 bytes: portal (uint32, big endian)
// - 4 bytes: length (uint32, big endian)
// - 8 bytes: match bits (uint64, big endian)
// - 8 bytes: header data (uint64, big endian)
// - 8 bytes: GET id (uint64, big endian)
// - N bytes: payload
func writeFrame(conn net.Conn, hdr *frameHeader, payload [][]byte) error {
	header := make([]byte, frameHeaderSize)
	header[0] = hdr.op
	binary.BigEndian.PutUint32(header[4:8], hdr.status)
	binary.BigEndian.PutUint32(header[8:12], uint32(hdr.portal))
	binary.BigEndian.PutUint32(header[12:16], hdr.length)
	binary.BigEndian.PutUint64(header[16:24], hdr.matchBits)
	binary.BigEndian.PutUint64(header[24:32], hdr.hdrData)
	binary.BigEndian.PutUint64(header[32:40], hdr.id)

	b := net.Buffers{header}
	for _, p := range payload {
		if len(p) > 0 {
			b = append(b, p)
		}
	}
	_, err := b.WriteTo(conn)
	return err
}

// readFrame reads a frame using buf for the payload if it is large enough.
// GET frames carry no payload; their length is the requested length.
func readFrame(r io.Reader, buf []byte, maxFrame int) (frameHeader, []byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return frameHeader{}, nil, err
	}

	hdr := frameHeader{
		op:        header[0],
		status:    binary.BigEndian.Uint32(header[4:8]),
		portal:    transport.Portal(binary.BigEndian.Uint32(header[8:12])),
		length:    binary.BigEndian.Uint32(header[12:16]),
		matchBits: binary.BigEndian.Uint64(header[16:24]),
		hdrData:   binary.BigEndian.Uint64(header[24:32]),
		id:        binary.BigEndian.Uint64(header[32:40]),
	}
	if hdr.op == frameGet || hdr.length == 0 {
		return hdr, []byte{}, nil
	}
	if maxFrame > 0 && int(hdr.length) > maxFrame {
		return hdr, nil, fmt.Errorf("frame of %d bytes exceeds limit %d", hdr.length, maxFrame)
	}

	if len(buf) < int(hdr.length) {
		buf = make([]byte, hdr.length)
	}
	if _, err := io.ReadFull(r, buf[:hdr.length]); err != nil {
		return hdr, nil, err
	}
	return hdr, buf[:hdr.length], nil
}
