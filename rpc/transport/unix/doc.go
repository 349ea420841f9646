// Package unix plugs Unix domain sockets into the stream driver of package
// base. It provides the cheapest socket transport for clients and services
// running on the same machine. Each interface needs its own socket path; an
// existing socket file at the path is removed before listening.
//
// NIDs of this transport have the form "unix:<socket path>".
package unix
