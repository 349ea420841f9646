package serializer

import (
	"bytes"
	"fmt"

	xdr "github.com/rasky/go-xdr/xdr2"

	"github.com/ValentinKolb/dRPC/rpc/common"
)

// NewXDRSerializer creates a new serializer using XDR (RFC 4506), the
// encoding of ONC RPC
func NewXDRSerializer() IRPCSerializer {
	return &xdrSerializerImpl{}
}

// xdrSerializerImpl implements the IRPCSerializer interface using XDR encoding
type xdrSerializerImpl struct {
}

// xdrBody mirrors common.Body with a fixed field order. Optional byte slices
// are encoded as empty opaques.
type xdrBody struct {
	ObjectID uint64
	Offset   uint64
	Count    uint64
	Size     uint64
	Mode     uint32
	Flags    uint32
	Handle   uint64
	Name     string
	Data     []byte
	Err      string
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (x xdrSerializerImpl) Serialize(body common.Body) ([]byte, error) {
	var buf bytes.Buffer
	v := xdrBody(body)
	if v.Data == nil {
		v.Data = []byte{}
	}
	if _, err := xdr.Marshal(&buf, &v); err != nil {
		return nil, fmt.Errorf("xdr encode: %w", err)
	}
	return buf.Bytes(), nil
}

func (x xdrSerializerImpl) Deserialize(b []byte, body *common.Body) error {
	var v xdrBody
	if _, err := xdr.Unmarshal(bytes.NewReader(b), &v); err != nil {
		return fmt.Errorf("xdr decode: %w", err)
	}
	if len(v.Data) == 0 {
		v.Data = nil
	}
	*body = common.Body(v)
	return nil
}

func (x xdrSerializerImpl) Name() string {
	return "xdr"
}
