// Package conn provides the connection registry shared by client imports and
// server exports.
//
// A Connection names one remote endpoint by its network address and its
// identity (the uuid the peer announced). Both sides of the RPC engine look
// connections up by that pair, so several imports to the same server share a
// single Connection. Connections are reference counted: Get takes a reference
// and creates the entry on first use, Put drops it and removes the entry once
// the count reaches zero.
//
// All operations run under the per-key compute of an xsync.MapOf, so lookups
// and releases of the same pair never race each other.
package conn
