package client

import (
	"sync"
	"time"

	"github.com/ValentinKolb/dRPC/rpc/common"
)

// Daemon is a goroutine that owns a request set and drives the requests
// handed to it with Add. It is used for requests nobody waits for: pings,
// reply acknowledgements and asynchronous I/O.
type Daemon struct {
	name string
	set  *Set

	mu      sync.Mutex
	stopped bool
	stop    chan struct{}
	done    chan struct{}
}

// NewDaemon starts a daemon
func NewDaemon(name string) *Daemon {
	d := &Daemon{
		name: name,
		set:  NewSet(),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go d.run()
	return d
}

// Add hands req to the daemon. The daemon takes its own reference, so the
// caller may drop its reference right away.
func (d *Daemon) Add(req *Request) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return common.ErrShutdown
	}
	d.set.AddNew(req)
	return nil
}

// Remaining returns the number of requests the daemon is driving
func (d *Daemon) Remaining() int {
	return d.set.Remaining()
}

// Stop interrupts all outstanding requests and returns once they retired.
func (d *Daemon) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.stopped = true
	close(d.stop)
	d.mu.Unlock()
	<-d.done
}

func (d *Daemon) run() {
	defer close(d.done)
	Logger.Debugf("Request daemon %s started", d.name)

	for {
		d.set.Poll()

		var timer *time.Timer
		var timeout <-chan time.Time
		if t := d.set.NextTimeout(); t > 0 {
			timer = time.NewTimer(t)
			timeout = timer.C
		}
		select {
		case <-d.set.wake:
		case <-timeout:
		case <-d.stop:
			if timer != nil {
				timer.Stop()
			}
			if n := d.set.Remaining(); n > 0 {
				Logger.Infof("Request daemon %s stopping, interrupting %d requests", d.name, n)
			}
			d.set.Destroy()
			Logger.Debugf("Request daemon %s stopped", d.name)
			return
		}
		if timer != nil {
			timer.Stop()
		}
	}
}
