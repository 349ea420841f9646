// Package base provides the protocol independent part of every network
// interface: the portal table, the match engine and the event queue (NI),
// plus a stream driver that carries operations over connection oriented
// sockets (TCP, Unix sockets). Drivers are plugged in through IDriver; socket
// specifics are plugged into the stream driver through IConnector.
//
// Key Components:
//
//   - NI: implements transport.INetwork. Passive descriptors are kept per
//     portal in attach order; an incoming operation lands in the first
//     descriptor whose match bits, options and free space accept it.
//     Descriptors with MDMaxSize place consecutive messages one after another
//     and unlink once less than MaxSize bytes are left, which is how service
//     request buffers receive many requests each.
//
//   - eventQueue: a lock-free multi-producer single-consumer queue. Events are
//     pushed while the interface lock is held, so the events of a descriptor
//     are delivered in order and the unlink event is always the last one.
//     A single goroutine runs all callbacks of an interface.
//
//   - streamDriver: one outgoing socket per peer, dialed lazily, introduced
//     with a hello frame naming the local NID. GET replies travel back on the
//     socket the GET arrived on. A failing socket fails every GET pending on
//     it, so that no active descriptor is left without its final event.
//
// Frame format (big endian):
//
//	| op | pad | status | portal | length | match bits | hdr data | get id | payload |
//	|  1 |  3  |   4    |   4    |   4    |     8      |    8     |   8    |    N    |
//
// Performance Optimizations:
//
//   - Buffer Pooling: incoming frames are read into buffers from a sync.Pool;
//     payloads are copied into the matching descriptor before the buffer is
//     returned.
//
//   - Frame Batching: net.Buffers combines header and payload segments into a
//     single write.
package base
