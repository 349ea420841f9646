// Package serializer encodes the common.Body segment that the demo services carry
// inside ptlrpc messages. It defines a common interface and multiple implementations
// so client and server can agree on a body format by name (see New).
//
// The package focuses on:
//   - Providing a consistent interface for different serialization formats
//   - Offering multiple implementations with different performance characteristics
//   - Supporting efficient encoding of the body structure
//   - Minimizing memory allocations and processing overhead
//
// Key Components:
//
//   - IRPCSerializer: Core interface that all serializer implementations must satisfy.
//
//   - binarySerializerImpl: Custom binary format implementation optimized for speed
//     and space efficiency. Uses a flag-based approach to encode only present fields,
//     resulting in compact serialized data with minimal overhead.
//
//   - gobSerializerImpl: Implementation using Go's built-in gob encoding, offering
//     good compatibility with Go's type system but with larger serialized sizes.
//
//   - jsonSerializerImpl: Implementation using JSON encoding, useful for debugging
//     or interoperability with other systems, but with lower performance.
//
//   - xdrSerializerImpl: RFC 4506 XDR encoding. Fixed width and 4-byte aligned,
//     matching the on-wire conventions of other storage RPC systems.
//
// Performance Characteristics (based on benchmarks across various body types):
//
//   - Binary: Delivers superior performance with the smallest payload size. Highly optimized
//     for the body structure and recommended for production use.
//
//   - JSON: Offers acceptable performance with moderate payload sizes. Provides human-readable
//     output beneficial for debugging and system integration scenarios.
//
//   - GOB: Performs significantly worse than other implementations with consistently larger
//     payload sizes. Not recommended for use in this system as it provides no advantages
//     over Binary or JSON serialization.
//
// Thread Safety:
//
//	All serializer implementations are stateless and safe for concurrent use
//	across multiple goroutines without additional synchronization.
//
// Usage:
//
//	Serializers are typically created once and reused throughout the application:
//
//	  s, err := serializer.New("binary")
//	  data, err := s.Serialize(common.Body{ObjectID: 7, Offset: 0, Count: 4096})
//	  // ... pack data as a message segment ...
//	  var body common.Body
//	  err = s.Deserialize(segment, &body)
package serializer
