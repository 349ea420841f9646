// Package local implements an in-process network. Interfaces created from the
// same Network reach each other by NID ("local:<name>") without sockets.
//
// Every message passes a Filter which may deliver, drop, hold or fail it.
// Held messages are delivered later, in order, by Release. Together with
// SetDelay this allows tests to reproduce lost requests, lost replies, late
// (stale) replies and out of order completion deterministically.
//
// Example:
//
//	net := local.NewNetwork()
//	srv, _ := net.NewInterface("srv")
//	cli, _ := net.NewInterface("cli")
//
//	// hold every reply to the client
//	net.SetFilter(func(m *local.Message) local.Verdict {
//	    if m.To == cli.Self() && m.Op == "PUT" {
//	        return local.Hold
//	    }
//	    return local.Deliver
//	})
package local
