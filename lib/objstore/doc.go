// Package objstore is a small object storage service in the style of an
// OST. It is the demo application of the RPC engine and exercises the parts
// plain request/reply traffic does not reach: bulk transfers for read and
// write, difficult replies for lock grants, the reply cache for modifying
// operations and commit callbacks for durability.
//
// Components:
//
//   - IBackend: sparse page storage. NewMemoryBackend keeps pages in memory,
//     NewBadgerBackend stores them in a badger database, one key per page.
//
//   - Handler: the server side. It plugs into server.NewTargetService as the
//     application handler, syncs the backend when the target commits and
//     cancels the locks of clients whose export goes away.
//
//   - Client: typed calls over a connected client.Import.
//
// Messages carry a single common.Body segment encoded with an
// IRPCSerializer both sides agree on. Data moves through bulk descriptors,
// at most common.MaxBRWSize bytes per request.
//
// Usage:
//
//	locks := lockmgr.NewLockManager()
//	h, _ := objstore.NewHandler("ost-0", objstore.NewMemoryBackend(), locks, serializer.NewBinarySerializer())
//	tgt, _ := server.NewTargetService(svcCfg, targetCfg, ni, h, server.NewMemoryReplyCache(ttl))
//	tgt.SetLockReleaser(locks)
//	_ = tgt.Start(0)
//
//	// client side
//	imp, _ := c.Connect(ctx, tgt.Service().Self(), "ost-0")
//	oc := objstore.NewClient(imp, serializer.NewBinarySerializer())
//	oid, _ := oc.Create(ctx, 0)
//	_, _ = oc.Write(ctx, oid, 0, data, wire.LockHandle{})
package objstore
