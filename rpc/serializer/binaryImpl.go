package serializer

import (
	"encoding/binary"
	"fmt"

	"github.com/ValentinKolb/dRPC/rpc/common"
)

// NewBinarySerializer creates a new serializer using a custom binary format
// optimized for speed and efficiency
func NewBinarySerializer() IRPCSerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements IRPCSerializer using a custom binary format
type binarySerializerImpl struct {
}

// Bit flags to indicate which optional fields are present
const (
	hasObjectID uint16 = 1 << iota
	hasOffset
	hasCount
	hasSize
	hasMode
	hasFlags
	hasHandle
	hasName
	hasData
	hasErr
)

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (b binarySerializerImpl) Serialize(body common.Body) ([]byte, error) {
	// Calculate total size needed
	result := make([]byte, b.sizeBytes(body))

	var flags uint16
	pos := 2 // Start after the flags

	putU64 := func(flag uint16, v uint64) {
		if v != 0 {
			flags |= flag
			binary.BigEndian.PutUint64(result[pos:pos+8], v)
			pos += 8
		}
	}
	putU32 := func(flag uint16, v uint32) {
		if v != 0 {
			flags |= flag
			binary.BigEndian.PutUint32(result[pos:pos+4], v)
			pos += 4
		}
	}
	putBytes := func(flag uint16, v []byte) {
		flags |= flag
		binary.BigEndian.PutUint32(result[pos:pos+4], uint32(len(v)))
		pos += 4
		copy(result[pos:pos+len(v)], v)
		pos += len(v)
	}

	putU64(hasObjectID, body.ObjectID)
	putU64(hasOffset, body.Offset)
	putU64(hasCount, body.Count)
	putU64(hasSize, body.Size)
	putU32(hasMode, body.Mode)
	putU32(hasFlags, body.Flags)
	putU64(hasHandle, body.Handle)
	if body.Name != "" {
		putBytes(hasName, []byte(body.Name))
	}
	// Data keeps the difference between nil and empty
	if body.Data != nil {
		putBytes(hasData, body.Data)
	}
	if body.Err != "" {
		putBytes(hasErr, []byte(body.Err))
	}

	// Set flags after knowing which fields are present
	binary.BigEndian.PutUint16(result[0:2], flags)
	return result, nil
}

func (b binarySerializerImpl) Deserialize(data []byte, body *common.Body) error {
	// Check minimum size (flags)
	if len(data) < 2 {
		return fmt.Errorf("data too short for body header")
	}
	flags := binary.BigEndian.Uint16(data[0:2])
	pos := 2
	*body = common.Body{}

	getU64 := func(flag uint16, name string, v *uint64) error {
		if flags&flag == 0 {
			return nil
		}
		if pos+8 > len(data) {
			return fmt.Errorf("data too short for %s", name)
		}
		*v = binary.BigEndian.Uint64(data[pos : pos+8])
		pos += 8
		return nil
	}
	getU32 := func(flag uint16, name string, v *uint32) error {
		if flags&flag == 0 {
			return nil
		}
		if pos+4 > len(data) {
			return fmt.Errorf("data too short for %s", name)
		}
		*v = binary.BigEndian.Uint32(data[pos : pos+4])
		pos += 4
		return nil
	}
	getBytes := func(flag uint16, name string) ([]byte, error) {
		if flags&flag == 0 {
			return nil, nil
		}
		if pos+4 > len(data) {
			return nil, fmt.Errorf("data too short for %s length", name)
		}
		n := int(binary.BigEndian.Uint32(data[pos : pos+4]))
		pos += 4
		if n < 0 || pos+n > len(data) {
			return nil, fmt.Errorf("data too short for %s data", name)
		}
		// create an empty slice (not nil) if length is 0
		v := make([]byte, n)
		copy(v, data[pos:pos+n])
		pos += n
		return v, nil
	}

	for _, f := range []struct {
		flag uint16
		name string
		v    *uint64
	}{
		{hasObjectID, "object id", &body.ObjectID},
		{hasOffset, "offset", &body.Offset},
		{hasCount, "count", &body.Count},
		{hasSize, "size", &body.Size},
	} {
		if err := getU64(f.flag, f.name, f.v); err != nil {
			return err
		}
	}
	if err := getU32(hasMode, "mode", &body.Mode); err != nil {
		return err
	}
	if err := getU32(hasFlags, "flags", &body.Flags); err != nil {
		return err
	}
	if err := getU64(hasHandle, "handle", &body.Handle); err != nil {
		return err
	}
	name, err := getBytes(hasName, "name")
	if err != nil {
		return err
	}
	body.Name = string(name)
	if body.Data, err = getBytes(hasData, "data"); err != nil {
		return err
	}
	errBytes, err := getBytes(hasErr, "error")
	if err != nil {
		return err
	}
	body.Err = string(errBytes)
	return nil
}

func (b binarySerializerImpl) Name() string {
	return "binary"
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// sizeBytes calculates the total size needed for serialization
func (b binarySerializerImpl) sizeBytes(body common.Body) int {
	// 2 bytes for flags
	size := 2

	for _, v := range []uint64{body.ObjectID, body.Offset, body.Count, body.Size, body.Handle} {
		if v != 0 {
			size += 8
		}
	}
	if body.Mode != 0 {
		size += 4
	}
	if body.Flags != 0 {
		size += 4
	}
	if body.Name != "" {
		size += 4 + len(body.Name) // 4 bytes for length + name string
	}
	if body.Data != nil {
		size += 4 + len(body.Data) // 4 bytes for length + data bytes
	}
	if body.Err != "" {
		size += 4 + len(body.Err) // 4 bytes for length + error string
	}
	return size
}
