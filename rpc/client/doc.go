// Package client implements the client side of the RPC engine: requests and
// their state machine, request sets, the request daemon, imports with
// connection recovery and replay, and the pinger.
//
// A request is created with Prepare against an import and driven to
// completion by exactly one set:
//
//	NEW -> RPC -> [BULK] -> INTERPRET -> COMPLETE
//
// In NEW the import decides whether the request may be sent; requests are
// delayed while the import is not connected. In RPC the request and its reply
// buffer are on the network. A reply of an older import generation is
// discarded and the request is sent again. A timeout on a connected import
// resends the request with the same xid, so the server can recognize the
// duplicate. Network errors start recovery of the import; the request waits
// until the import is connected again.
//
// Modifying requests whose reply carried a transaction number are kept by the
// import until the server reports them committed. After a server restart they
// are replayed in transaction number order before new requests are admitted.
//
// Usage Example:
//
//	ni, _ := net.NewInterface("client0")
//	c, _ := client.NewClient(common.DefaultClientConfig(), ni)
//	defer c.Close()
//
//	imp, _ := c.Connect(ctx, server, "OST0000_UUID")
//	req, _ := client.Prepare(imp, common.OpPing, nil)
//	defer req.Finished()
//	err := client.QueueWait(ctx, req)
//
// Reference counting:
//
//	Prepare returns a request with one reference owned by the caller. Sets,
//	outstanding network operations and the replay list take their own
//	references. Finished drops one; the last one frees the reply buffers and
//	returns the memory reserved from the client's budget.
package client
