package client

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Set drives a group of requests concurrently. Its members are advanced only
// by the goroutine that owns the set (the caller of Poll or Wait); other
// goroutines hand requests over with AddNew, which parks them on a locked
// staging list until the owner merges them.
type Set struct {
	mu      sync.Mutex
	staging []*Request
	wake    chan struct{}

	// owner only
	reqs        []*Request
	interpret   func(s *Set, err error) error
	onComplete  func(req *Request)
	interpreted bool
	firstErr    error

	remaining atomic.Int32
}

// NewSet creates an empty request set
func NewSet() *Set {
	return &Set{wake: make(chan struct{}, 1)}
}

// SetInterpreter installs a callback that runs once when the set drained. It
// receives the first member error and may replace it.
func (s *Set) SetInterpreter(fn func(s *Set, err error) error) {
	s.interpret = fn
}

// OnComplete installs a callback that sees every member exactly once, in the
// order the members completed.
func (s *Set) OnComplete(fn func(req *Request)) {
	s.onComplete = fn
}

// Add puts req into the set. Must be called by the owner.
func (s *Set) Add(req *Request) {
	s.attach(req)
	s.reqs = append(s.reqs, req)
	s.interpreted = false
}

// AddNew hands req to the set from any goroutine and wakes the owner.
func (s *Set) AddNew(req *Request) {
	s.attach(req)
	s.mu.Lock()
	s.staging = append(s.staging, req)
	s.mu.Unlock()
	s.wakeup()
}

// Remaining returns the number of members that did not complete yet.
func (s *Set) Remaining() int {
	return int(s.remaining.Load())
}

// Poll merges staged requests, expires due members, advances all members and
// returns the ones that completed in this pass.
func (s *Set) Poll() []*Request {
	s.merge()
	s.ExpireSet(time.Now())

	var done []*Request
	kept := make([]*Request, 0, len(s.reqs))
	for _, r := range s.reqs {
		if r.check() {
			done = append(done, r)
		} else {
			kept = append(kept, r)
		}
	}
	s.reqs = kept

	for _, r := range done {
		if err := r.Err(); err != nil && s.firstErr == nil {
			s.firstErr = err
		}
		if s.onComplete != nil {
			s.onComplete(r)
		}
		r.set.Store(nil)
		s.remaining.Add(-1)
		r.Finished()
	}
	if len(done) > 0 && s.remaining.Load() == 0 && s.interpret != nil && !s.interpreted {
		s.interpreted = true
		s.firstErr = s.interpret(s, s.firstErr)
	}
	return done
}

// Wait drives the set until all members completed and returns the first
// member error. If ctx ends first all members are interrupted; Wait still
// returns only after they retired.
func (s *Set) Wait(ctx context.Context) error {
	done := ctx.Done()
	for {
		s.Poll()
		if s.Remaining() == 0 {
			return s.firstErr
		}

		var timer *time.Timer
		var timeout <-chan time.Time
		if d := s.NextTimeout(); d > 0 {
			timer = time.NewTimer(d)
			timeout = timer.C
		}
		select {
		case <-s.wake:
		case <-timeout:
		case <-done:
			Logger.Debugf("Set interrupted with %d requests outstanding: %v", s.Remaining(), ctx.Err())
			s.InterruptSet()
			done = nil
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// NextTimeout returns the time until the earliest deadline of an in flight
// member, or zero if no member has one.
func (s *Set) NextTimeout() time.Duration {
	var next time.Time
	for _, r := range s.reqs {
		r.mu.Lock()
		if r.awaitingLocked() {
			if next.IsZero() || r.deadline.Before(next) {
				next = r.deadline
			}
		}
		r.mu.Unlock()
	}
	if next.IsZero() {
		return 0
	}
	if d := time.Until(next); d > time.Millisecond {
		return d
	}
	return time.Millisecond
}

// ExpireSet expires all members whose deadline passed and reports whether
// any did.
func (s *Set) ExpireSet(now time.Time) bool {
	expired := false
	for _, r := range s.reqs {
		if r.expireDue(now) {
			expired = true
		}
	}
	return expired
}

// InterruptSet interrupts all members, including staged ones.
func (s *Set) InterruptSet() {
	s.merge()
	for _, r := range s.reqs {
		r.Interrupt()
	}
}

// Destroy drops the set. Members that did not complete are interrupted and
// waited for first.
func (s *Set) Destroy() {
	if s.Remaining() > 0 {
		s.InterruptSet()
		_ = s.Wait(context.Background())
	}
}

// QueueWait sends req and blocks until it completed. It returns the
// request's error; a cancelled ctx interrupts the request.
func QueueWait(ctx context.Context, req *Request) error {
	s := NewSet()
	s.Add(req)
	err := s.Wait(ctx)
	s.Destroy()
	return err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (s *Set) attach(req *Request) {
	req.AddRef()
	if !req.set.CompareAndSwap(nil, s) {
		req.Finished()
		panic(fmt.Sprintf("request x%d is already in a set", req.xid))
	}
	s.remaining.Add(1)
}

func (s *Set) merge() {
	s.mu.Lock()
	staged := s.staging
	s.staging = nil
	s.mu.Unlock()
	if len(staged) > 0 {
		s.reqs = append(s.reqs, staged...)
		s.interpreted = false
	}
}

func (s *Set) wakeup() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
