// Package server implements the server side of the RPC engine: services with
// their request buffer pools and worker threads, difficult replies, and
// targets that own client exports and the reply cache.
//
// Key Components:
//
//   - Service: posts request buffers on a portal, queues incoming requests in
//     arrival order and runs an IHandler on a fixed pool of workers. Each
//     request is recorded in a bounded history with increasing sequence
//     numbers.
//
//   - Request: the handler's view of a received request. The handler packs
//     reply segments with PackReply, moves bulk pages with PrepareBulk and
//     TransferBulk, and may pin lock handles to the reply with SaveLock.
//
//   - ReplyState: a reply with saved locks is difficult. The client
//     acknowledges it with a reply ack; until then the locks stay held. The
//     locks are also released when the transaction commits. Clients that do
//     not acknowledge in time are probed, and the reply is retired after the
//     last unanswered probe.
//
//   - Target: wraps an application handler. It handles connect, disconnect
//     and ping, assigns transaction numbers to modifying requests, commits
//     them periodically and answers resent or replayed duplicates from an
//     IReplyCache (MemoryReplyCache or BadgerReplyCache).
//
// Usage Example:
//
//	cache := server.NewMemoryReplyCache(10 * time.Minute)
//	t, err := server.NewTargetService(
//	  common.DefaultServiceConfig(common.PresetOST),
//	  common.DefaultTargetConfig("OST0000_UUID"),
//	  ni,
//	  server.HandlerFunc(func(req *server.Request) int32 {
//	    if err := req.PackReply([]byte("pong")); err != nil {
//	      return common.StatusIO
//	    }
//	    return common.StatusOK
//	  }),
//	  cache,
//	)
//	if err != nil {
//	  log.Fatal(err)
//	}
//	t.Start(0)
//	defer t.Stop()
package server
