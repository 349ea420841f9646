package serializer

import (
	"encoding/json"

	"github.com/ValentinKolb/dRPC/rpc/common"
)

// NewJSONSerializer creates a new serializer using json encoding
func NewJSONSerializer() IRPCSerializer {
	return &jsonSerializerImpl{}
}

// jsonSerializerImpl implements the IRPCSerializer interface using json encoding
type jsonSerializerImpl struct {
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (j jsonSerializerImpl) Serialize(body common.Body) ([]byte, error) {
	return json.Marshal(body)
}

func (j jsonSerializerImpl) Deserialize(b []byte, body *common.Body) error {
	*body = common.Body{}
	return json.Unmarshal(b, body)
}

func (j jsonSerializerImpl) Name() string {
	return "json"
}
