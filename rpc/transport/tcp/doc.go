// Package tcp plugs TCP sockets into the stream driver of package base.
//
// The connector applies the socket options of common.NetworkConfig to every
// connection, dialed or accepted:
//
//   - TCPNoDelay disables Nagle's algorithm, which matters for the small
//     request and reply messages of the RPC engine
//   - ReadBufferSize / WriteBufferSize size the kernel socket buffers
//     (512 KB by default, so a full 1 MiB bulk transfer needs few round trips)
//   - KeepAlive enables TCP keep-alive probes with the given period
//
// NIDs of this transport have the form "tcp:<host>:<port>".
package tcp
