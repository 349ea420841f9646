package objstore

import (
	"context"
	"fmt"

	"github.com/ValentinKolb/dRPC/lib/lockmgr"
	"github.com/ValentinKolb/dRPC/rpc/bulk"
	"github.com/ValentinKolb/dRPC/rpc/client"
	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/ValentinKolb/dRPC/rpc/serializer"
	"github.com/ValentinKolb/dRPC/rpc/wire"
)

// Client issues object requests over a connected import
type Client struct {
	imp *client.Import
	ser serializer.IRPCSerializer
}

// NewClient wraps imp. ser must match the serializer of the server.
func NewClient(imp *client.Import, ser serializer.IRPCSerializer) *Client {
	return &Client{imp: imp, ser: ser}
}

func (c *Client) Import() *client.Import { return c.imp }

// call sends one request and decodes the reply body. prep may attach a
// bulk descriptor before the request is sent.
func (c *Client) call(ctx context.Context, opc common.Opcode, in common.Body, prep func(*client.Request) error) (common.Body, error) {
	var out common.Body
	seg, err := c.ser.Serialize(in)
	if err != nil {
		return out, err
	}
	req, err := client.Prepare(c.imp, opc, [][]byte{seg})
	if err != nil {
		return out, err
	}
	defer req.Finished()
	if prep != nil {
		if err := prep(req); err != nil {
			return out, err
		}
	}

	err = client.QueueWait(ctx, req)
	if reply := req.Reply(); reply != nil && reply.BufCount() > 0 {
		if body, berr := reply.Buf(0, 0); berr == nil {
			if derr := c.ser.Deserialize(body, &out); derr != nil && err == nil {
				err = fmt.Errorf("%w: %s reply: %v", common.ErrMalformedMessage, opc, derr)
			}
		}
	}
	if err != nil && out.Err != "" {
		return out, fmt.Errorf("%w: %s", err, out.Err)
	}
	return out, err
}

// attachPages adds buf as bulk pages starting at object offset off
func attachPages(req *client.Request, dir bulk.Direction, buf []byte, off uint64) error {
	pages, err := pagesFor(uint64(len(buf)))
	if err != nil {
		return err
	}
	d, err := req.PrepareBulk(pages, dir)
	if err != nil {
		return err
	}
	if err := addPages(d, buf, off); err != nil {
		return err
	}
	d.SortPagesByOffset()
	return nil
}

// --------------------------------------------------------------------------
// Object operations
// --------------------------------------------------------------------------

// Create makes a new object. With oid 0 the server picks the id.
func (c *Client) Create(ctx context.Context, oid uint64) (uint64, error) {
	out, err := c.call(ctx, common.OpCreate, common.Body{ObjectID: oid}, nil)
	return out.ObjectID, err
}

func (c *Client) Destroy(ctx context.Context, oid uint64) error {
	_, err := c.call(ctx, common.OpDestroy, common.Body{ObjectID: oid}, nil)
	return err
}

// Getattr returns the size of an object
func (c *Client) Getattr(ctx context.Context, oid uint64) (uint64, error) {
	out, err := c.call(ctx, common.OpGetattr, common.Body{ObjectID: oid}, nil)
	return out.Size, err
}

// Setattr truncates or extends an object to size
func (c *Client) Setattr(ctx context.Context, oid, size uint64) error {
	_, err := c.call(ctx, common.OpSetattr, common.Body{ObjectID: oid, Size: size}, nil)
	return err
}

// Punch zeroes count bytes at off
func (c *Client) Punch(ctx context.Context, oid, off, count uint64) error {
	_, err := c.call(ctx, common.OpPunch, common.Body{ObjectID: oid, Offset: off, Count: count}, nil)
	return err
}

// Statfs returns the number of objects and bytes stored by the target
func (c *Client) Statfs(ctx context.Context) (objects, bytes uint64, err error) {
	out, err := c.call(ctx, common.OpStatfs, common.Body{}, nil)
	return out.Count, out.Size, err
}

// Read fills buf from offset off and returns the number of bytes that lie
// within the object. At most common.MaxBRWSize bytes are read per call.
func (c *Client) Read(ctx context.Context, oid, off uint64, buf []byte) (int, error) {
	out, err := c.call(ctx, common.OpRead, common.Body{ObjectID: oid, Offset: off, Count: uint64(len(buf))},
		func(req *client.Request) error { return attachPages(req, bulk.PutSink, buf, off) })
	if err != nil {
		return 0, err
	}
	return int(out.Count), nil
}

// Write stores data at off and returns the new object size. lock may name a
// PW lock covering the range, or be zero.
func (c *Client) Write(ctx context.Context, oid, off uint64, data []byte, lock wire.LockHandle) (uint64, error) {
	out, err := c.call(ctx, common.OpWrite, common.Body{ObjectID: oid, Offset: off, Count: uint64(len(data)), Handle: lock.Cookie},
		func(req *client.Request) error { return attachPages(req, bulk.GetSource, data, off) })
	return out.Size, err
}

// --------------------------------------------------------------------------
// Locks
// --------------------------------------------------------------------------

// Lock enqueues a lock on count bytes at off (count 0 locks to the end of
// the object). With noWait a conflicting lock fails the call with
// StatusBusy instead of waiting on the server.
func (c *Client) Lock(ctx context.Context, oid uint64, mode lockmgr.Mode, off, count uint64, noWait bool) (wire.LockHandle, error) {
	in := common.Body{ObjectID: oid, Mode: uint32(mode), Offset: off, Count: count}
	if noWait {
		in.Flags |= LockNoWait
	}
	out, err := c.call(ctx, common.OpLockEnqueue, in, nil)
	if err != nil {
		return wire.LockHandle{}, err
	}
	return wire.LockHandle{Cookie: out.Handle}, nil
}

// Unlock cancels a lock
func (c *Client) Unlock(ctx context.Context, h wire.LockHandle) error {
	_, err := c.call(ctx, common.OpLockCancel, common.Body{Handle: h.Cookie}, nil)
	return err
}
