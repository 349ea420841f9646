// Package rpc provides a reliable request/reply engine on top of an unreliable
// message network. Requests are tracked until their reply arrives, resent
// after timeouts and replayed after a server restart. Large payloads travel
// as separate bulk transfers.
//
// The package is organized into several subpackages:
//
//   - common: Opcodes, status codes, configuration structures, metrics and
//     logging used across the RPC system.
//
//   - wire: The message format (header plus length prefixed segments) and the
//     helpers to pack, unpack and byte swap it.
//
//   - transport: The network abstraction (portals, memory descriptors, events)
//     with TCP, Unix socket and in-process implementations.
//
//   - conn: The connection registry mapping peers to shared connection
//     objects.
//
//   - bulk: Bulk descriptors describing the pages of a bulk transfer.
//
//   - serializer: Body serialization with multiple format options (Binary,
//     JSON, GOB, XDR) for the payload of object requests.
//
//   - client: Requests, request sets, the send daemon, imports with their
//     recovery state machine and the pinger.
//
//   - server: Services with their request buffers and worker threads, targets
//     with exports, reply caches and difficult reply handling.
package rpc
