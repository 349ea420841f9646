// Package common contains the definitions shared by every layer of the RPC
// engine: the error taxonomy, opcodes and portal numbers, configuration
// structs with their presets, the memory budget used for buffer accounting,
// the logger factory and the metric helpers.
//
// Errors:
//
//   - Transport level failures surface as sentinel errors (ErrTimeout,
//     ErrNetwork, ErrInterrupted, ErrImportDown, ...) that callers check with
//     errors.Is.
//   - A non-zero handler status travels on the wire and is returned to the
//     caller as a *ServerError. The RPC itself succeeded in that case.
//
// Configuration:
//
//   - ServiceConfig describes a server side service (request buffers, threads,
//     portals, difficult reply watchdog). DefaultServiceConfig provides the
//     LDLM, MDS and OST presets.
//   - ImportConfig and ClientConfig describe the client side (timeouts,
//     reconnect intervals, replay).
//   - NetworkConfig describes a network interface.
//
// All configuration structs carry validator tags and a String() method for
// logging the effective configuration at startup.
package common
