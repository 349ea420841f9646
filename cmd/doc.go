// Package cmd implements the command-line interface for dRPC. It provides a
// hierarchical command structure with operations for running an object target
// and interacting with it as a client.
//
// The package is organized into several subpackages:
//
//   - serve: Commands for starting and configuring an object target
//   - obj: Commands for object operations (create, read, write, punch, etc.)
//   - lock: Commands for extent locks on objects (hold, try)
//   - bench: Performance tests against a running target
//   - ping: Round trip measurements with ping requests
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See drpc -help for a list of all commands.
package cmd
