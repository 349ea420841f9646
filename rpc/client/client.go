package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/ValentinKolb/dRPC/rpc/conn"
	"github.com/ValentinKolb/dRPC/rpc/transport"
	"github.com/ValentinKolb/dRPC/rpc/wire"
)

var Logger = logger.GetLogger("rpc/client")

const (
	callbackBufSize = 64 << 10
	callbackMaxSize = 4 << 10
)

// ErrImportExists is returned by NewImport for a target that already has an import
var ErrImportExists = errors.New("import already exists")

// Client is the client side of the RPC engine on one network interface. It
// owns the imports to services, the request daemon and the pinger.
type Client struct {
	cfg    common.ClientConfig
	ni     transport.INetwork
	budget *common.MemoryBudget
	conns  *conn.Registry

	daemon  *Daemon
	pinger  *pinger
	imports *xsync.MapOf[string, *Import]
	// xids of replies this client acknowledged, for answering server probes
	acked   *xsync.MapOf[uint64, time.Time]
	metrics *clientMetrics

	mu       sync.Mutex
	closed   bool
	callback transport.MDHandle
}

// NewClient creates a client on ni. The interface is not closed by Close.
func NewClient(cfg common.ClientConfig, ni transport.INetwork) (*Client, error) {
	if cfg.UUID == "" {
		cfg.UUID = uuid.NewString()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Limits == nil {
		cfg.Limits = common.DefaultOpcodeLimits()
	}

	c := &Client{
		cfg:     cfg,
		ni:      ni,
		budget:  common.NewMemoryBudget(cfg.MemoryLimit),
		conns:   conn.NewRegistry(),
		daemon:  NewDaemon("ptlrpcd-" + cfg.UUID[:min(8, len(cfg.UUID))]),
		imports: xsync.NewMapOf[string, *Import](),
		acked:   xsync.NewMapOf[uint64, time.Time](),
		metrics: newClientMetrics(cfg.UUID),
	}
	if err := c.attachCallback(); err != nil {
		c.daemon.Stop()
		c.metrics.release()
		return nil, err
	}
	if cfg.PingInterval > 0 {
		c.pinger = startPinger(c, cfg.PingInterval)
	}
	Logger.Infof("Client %s started on %s", cfg.UUID, ni.Self().NID)
	return c, nil
}

// --------------------------------------------------------------------------
// Accessors
// --------------------------------------------------------------------------

func (c *Client) UUID() string                 { return c.cfg.UUID }
func (c *Client) Config() common.ClientConfig  { return c.cfg }
func (c *Client) Budget() *common.MemoryBudget { return c.budget }
func (c *Client) Network() transport.INetwork  { return c.ni }
func (c *Client) Connections() *conn.Registry  { return c.conns }
func (c *Client) Daemon() *Daemon              { return c.daemon }

// Import returns the import to target, if one exists
func (c *Client) Import(target transport.ProcessID, targetUUID string) (*Import, bool) {
	return c.imports.Load(importKey(target, targetUUID))
}

// Imports returns all open imports
func (c *Client) Imports() []*Import {
	var imps []*Import
	c.imports.Range(func(_ string, imp *Import) bool {
		imps = append(imps, imp)
		return true
	})
	return imps
}

// --------------------------------------------------------------------------
// Imports
// --------------------------------------------------------------------------

func importKey(target transport.ProcessID, targetUUID string) string {
	return target.String() + "/" + targetUUID
}

// NewImport creates a disconnected import to the service targetUUID at
// target, using the client's import configuration.
func (c *Client) NewImport(target transport.ProcessID, targetUUID string) (*Import, error) {
	return c.NewImportWithConfig(target, targetUUID, c.cfg.Import)
}

// NewImportWithConfig is NewImport with an explicit import configuration.
func (c *Client) NewImportWithConfig(target transport.ProcessID, targetUUID string, cfg common.ImportConfig) (*Import, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, common.ErrShutdown
	}
	imp, loaded := c.imports.LoadOrCompute(importKey(target, targetUUID), func() *Import {
		return newImport(c, target, targetUUID, cfg)
	})
	if loaded {
		return nil, fmt.Errorf("%w: %s@%s", ErrImportExists, targetUUID, target)
	}
	return imp, nil
}

// Connect creates an import and connects it
func (c *Client) Connect(ctx context.Context, target transport.ProcessID, targetUUID string) (*Import, error) {
	imp, err := c.NewImport(target, targetUUID)
	if err != nil {
		return nil, err
	}
	if err := imp.Connect(ctx); err != nil {
		imp.Close()
		return nil, err
	}
	return imp, nil
}

// --------------------------------------------------------------------------
// Sending
// --------------------------------------------------------------------------

// SendAsync hands req to the client's daemon and drops the caller's
// reference. Completion is observed through the request's interpret callback.
func (c *Client) SendAsync(req *Request) error {
	err := c.daemon.Add(req)
	req.Finished()
	return err
}

// QueueWait sends req and waits for its completion. The caller keeps its
// reference.
func (c *Client) QueueWait(ctx context.Context, req *Request) error {
	return QueueWait(ctx, req)
}

// Close disconnects all imports, stops the daemon and the pinger and
// removes the callback buffer from the network.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	h := c.callback
	c.callback = transport.InvalidHandle
	c.mu.Unlock()

	if c.pinger != nil {
		c.pinger.stop()
	}
	var errs []error
	for _, imp := range c.Imports() {
		ctx, cancel := context.WithTimeout(context.Background(), imp.cfg.ConnectTimeout)
		if err := imp.Disconnect(ctx); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}
	c.daemon.Stop()
	if h != transport.InvalidHandle {
		if err := c.ni.Unlink(h); err != nil && !errors.Is(err, transport.ErrMDNotFound) {
			errs = append(errs, err)
		}
	}
	c.metrics.release()
	Logger.Infof("Client %s closed", c.cfg.UUID)
	return errors.Join(errs...)
}

// --------------------------------------------------------------------------
// Reply acknowledgements
// --------------------------------------------------------------------------

func (c *Client) queueAck(imp *Import, xid uint64) {
	c.acked.Store(xid, time.Now())
	c.metrics.acks.Inc()
	imp.queueAck(xid)
}

// purgeAcked forgets acknowledgements older than the retention time
func (c *Client) purgeAcked(now time.Time) {
	c.acked.Range(func(xid uint64, at time.Time) bool {
		if now.Sub(at) > c.cfg.AckRetention {
			c.acked.Delete(xid)
		}
		return true
	})
}

// attachCallback posts the buffer servers send probes to
func (c *Client) attachCallback() error {
	buf := make([]byte, callbackBufSize)
	h, err := c.ni.Attach(transport.Portal(c.cfg.CallbackPortal), 0, ^uint64(0), transport.MD{
		Buffer:    buf,
		Threshold: transport.ThresholdInfinite,
		MaxSize:   callbackMaxSize,
		Options:   transport.MDOpPut | transport.MDMaxSize,
	}, func(ev *transport.Event) { c.onCallback(ev, buf) })
	if err != nil {
		return fmt.Errorf("failed to attach callback buffer: %w", err)
	}
	c.mu.Lock()
	c.callback = h
	c.mu.Unlock()
	return nil
}

// onCallback handles messages on the callback portal. A full buffer is
// replaced by a fresh one.
func (c *Client) onCallback(ev *transport.Event, buf []byte) {
	if ev.Type == transport.EventPut && ev.Status == nil {
		c.handleCallback(ev, buf[ev.Offset:ev.Offset+ev.MLength])
	}
	if !ev.Unlinked {
		return
	}
	c.mu.Lock()
	again := !c.closed && c.callback == ev.Handle
	c.mu.Unlock()
	if again {
		if err := c.attachCallback(); err != nil {
			Logger.Errorf("Client %s: %v", c.cfg.UUID, err)
		}
	}
}

func (c *Client) handleCallback(ev *transport.Event, data []byte) {
	msg, err := wire.Unpack(data, len(data))
	if err != nil {
		Logger.Warningf("Dropping malformed callback from %s: %v", ev.Initiator, err)
		return
	}
	if msg.Opc != common.OpAckProbe {
		Logger.Warningf("Dropping unexpected %s callback from %s", msg.Opc, ev.Initiator)
		return
	}
	xids, err := wire.DecodeXids(msg, 0)
	if err != nil {
		Logger.Warningf("Dropping malformed ack probe from %s: %v", ev.Initiator, err)
		return
	}

	for _, imp := range c.Imports() {
		if imp.target.NID != ev.Initiator.NID {
			continue
		}
		n := 0
		for _, xid := range xids {
			if _, ok := c.acked.Load(xid); ok {
				imp.queueAck(xid)
				n++
			}
		}
		if n > 0 {
			Logger.Debugf("Answering ack probe of %s for %d/%d replies", ev.Initiator, n, len(xids))
			imp.flushAcks()
		}
		return
	}
}
