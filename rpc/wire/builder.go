package wire

import (
	"fmt"

	"github.com/ValentinKolb/dRPC/rpc/common"
)

// EncodeString returns s as a NUL-terminated segment body.
func EncodeString(s string) []byte {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return b
}

// Builder collects the segments of a message whose size is not known up
// front. Every append is checked against the maximum packed size.
type Builder struct {
	segments [][]byte
	max      int
}

// NewBuilder creates a builder for messages of at most max packed bytes.
func NewBuilder(max int) *Builder {
	return &Builder{max: max}
}

func (b *Builder) sizeWith(extraSegs int, extraBytes map[int]int, newLens ...int) int {
	lens := make([]int, 0, len(b.segments)+extraSegs)
	for i, s := range b.segments {
		lens = append(lens, len(s)+extraBytes[i])
	}
	lens = append(lens, newLens...)
	return MsgSize(lens)
}

// Add appends seg as a new segment.
func (b *Builder) Add(seg []byte) error {
	if len(b.segments) >= common.MaxSegments {
		return fmt.Errorf("%w: more than %d segments", common.ErrMessageTooLarge, common.MaxSegments)
	}
	if size := b.sizeWith(1, nil, len(seg)); b.max > 0 && size > b.max {
		return fmt.Errorf("%w: %d bytes exceeds %d", common.ErrMessageTooLarge, size, b.max)
	}
	b.segments = append(b.segments, seg)
	return nil
}

// AddString appends s as a NUL-terminated segment.
func (b *Builder) AddString(s string) error {
	return b.Add(EncodeString(s))
}

// Grow appends data to segment i.
func (b *Builder) Grow(i int, data []byte) error {
	if i < 0 || i >= len(b.segments) {
		return fmt.Errorf("segment %d does not exist", i)
	}
	if size := b.sizeWith(0, map[int]int{i: len(data)}); b.max > 0 && size > b.max {
		return fmt.Errorf("%w: %d bytes exceeds %d", common.ErrMessageTooLarge, size, b.max)
	}
	b.segments[i] = append(b.segments[i], data...)
	return nil
}

// Segments returns the collected segments.
func (b *Builder) Segments() [][]byte {
	return b.segments
}

// Size returns the packed size of the collected segments.
func (b *Builder) Size() int {
	return SegmentsSize(b.segments)
}

// Pack packs the collected segments under hdr.
func (b *Builder) Pack(hdr *Header) ([]byte, error) {
	return Pack(hdr, b.segments, b.max)
}
