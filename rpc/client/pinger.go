package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ValentinKolb/dRPC/rpc/common"
)

// pinger periodically checks the imports of a client. Connected imports are
// pinged, invalidated ones get a reconnect attempt, pending reply
// acknowledgements are flushed.
type pinger struct {
	c        *Client
	interval time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func startPinger(c *Client, interval time.Duration) *pinger {
	p := &pinger{c: c, interval: interval, stopCh: make(chan struct{})}
	p.wg.Add(1)
	go p.run()
	return p
}

func (p *pinger) run() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case now := <-ticker.C:
			p.tick(now)
		}
	}
}

func (p *pinger) tick(now time.Time) {
	for _, imp := range p.c.Imports() {
		imp.mu.Lock()
		state, invalid := imp.state, imp.invalid
		imp.mu.Unlock()

		switch {
		case state == ImportFull:
			p.ping(imp)
			imp.flushAcks()
		case state == ImportDisconnected && invalid:
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				ctx, cancel := context.WithTimeout(imp.ctx, imp.cfg.ConnectTimeout)
				defer cancel()
				if err := imp.Connect(ctx); err != nil {
					Logger.Debugf("Reconnect of %s failed: %v", imp.targetUUID, err)
				}
			}()
		}
	}
	p.c.purgeAcked(now)
}

// ping sends an asynchronous ping. A ping that gets no answer starts
// recovery of the import.
func (p *pinger) ping(imp *Import) {
	req, err := Prepare(imp, common.OpPing, nil)
	if err != nil {
		Logger.Warningf("Cannot ping %s: %v", imp.targetUUID, err)
		return
	}
	req.SetNoResend()
	req.SetNoDelay()
	req.SetTimeout(min(imp.cfg.Timeout, p.interval))
	SetInterpret(req, func(r *Request, imp *Import, err error) error {
		var se *common.ServerError
		switch {
		case err == nil, errors.Is(err, common.ErrInterrupted), errors.Is(err, common.ErrWouldBlock):
		case errors.As(err, &se):
			// the server lost our export, e.g. after a restart
			if se.Code == common.StatusNotConnected {
				imp.Fail(fmt.Sprintf("ping x%d: export not connected", r.Xid()))
			}
		default:
			imp.Fail(fmt.Sprintf("ping x%d failed: %v", r.Xid(), err))
		}
		return err
	}, imp)
	if err := p.c.SendAsync(req); err != nil {
		Logger.Debugf("Cannot queue ping to %s: %v", imp.targetUUID, err)
	}
}

func (p *pinger) stop() {
	close(p.stopCh)
	p.wg.Wait()
}
