package serializer

import (
	"fmt"

	"github.com/ValentinKolb/dRPC/rpc/common"
)

// IRPCSerializer is the interface for all body serializers
type IRPCSerializer interface {
	// Serialize serializes a Body into a byte array
	// It returns the serialized byte array and an error if any
	Serialize(body common.Body) ([]byte, error)
	// Deserialize deserializes a byte array into a Body
	// It takes a byte array and a pointer to a Body as parameters
	// It returns an error if any
	Deserialize(b []byte, body *common.Body) error
	// Name returns the name the serializer is selected by
	Name() string
}

// New returns the serializer with the given name (binary, json, gob or xdr)
func New(name string) (IRPCSerializer, error) {
	switch name {
	case "binary", "":
		return NewBinarySerializer(), nil
	case "json":
		return NewJSONSerializer(), nil
	case "gob":
		return NewGOBSerializer(), nil
	case "xdr":
		return NewXDRSerializer(), nil
	default:
		return nil, fmt.Errorf("unknown serializer %q", name)
	}
}
