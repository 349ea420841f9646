// Package transport defines the contract between the RPC engine and the low
// level network (INetwork).
//
// The model follows the portals API:
//
//   - A passive memory descriptor (MD) is attached to a portal with match
//     bits. Incoming PUTs are written into it, incoming GETs read from it.
//     Request buffers of a service, reply buffers of a client request and the
//     client side of a bulk transfer are passive descriptors.
//
//   - An active descriptor starts a PUT (send a request or a reply) or a GET
//     (pull bulk data) towards a peer.
//
//   - Completion is reported through events. Each descriptor receives exactly
//     one final event with Unlinked set; after it the network holds no
//     reference to the memory. This is the point at which the RPC engine may
//     release buffers.
//
// Implementations:
//
//   - base: portal table, match engine and event queue shared by all drivers,
//     plus a stream driver for connection oriented sockets
//   - tcp, unix: socket connectors for the stream driver
//   - local: an in-process network with fault injection for tests
package transport
