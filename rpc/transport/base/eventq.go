package base

import (
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/dRPC/rpc/transport"
)

// pendingEvent couples an event with the callback of its descriptor
type pendingEvent struct {
	ev *transport.Event
	cb transport.Callback
}

// node represents a single element in the queue
type node struct {
	value pendingEvent
	next  atomic.Pointer[node]
}

// eventQueue is a multi-producer single-consumer queue of events. Producers
// never block; a single consumer goroutine invokes the callbacks in push
// order. Pushes that are serialized by the caller (the interface lock) are
// delivered in that order.
type eventQueue struct {
	head     atomic.Pointer[node]
	tail     atomic.Pointer[node]
	consumer sync.WaitGroup
	closed   atomic.Bool
	pending  atomic.Int64

	mu   sync.Mutex
	cond *sync.Cond
}

// newEventQueue creates the queue and starts its consumer
func newEventQueue() *eventQueue {
	sentinel := &node{}
	q := &eventQueue{}
	q.cond = sync.NewCond(&q.mu)
	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	q.consumer.Add(1)
	go q.consume()
	return q
}

// push appends an event. It returns false if the queue is closed.
func (q *eventQueue) push(ev *transport.Event, cb transport.Callback) bool {
	if q.closed.Load() {
		return false
	}
	newNode := &node{value: pendingEvent{ev: ev, cb: cb}}
	q.pending.Add(1)

	for {
		tailNode := q.tail.Load()
		next := tailNode.next.Load()
		if next == nil {
			if tailNode.next.CompareAndSwap(nil, newNode) {
				q.tail.CompareAndSwap(tailNode, newNode)
				q.mu.Lock()
				q.cond.Signal()
				q.mu.Unlock()
				return true
			}
		} else {
			// help a producer that appended but did not move the tail yet
			q.tail.CompareAndSwap(tailNode, next)
		}
	}
}

// consume delivers events until the queue is closed and drained
func (q *eventQueue) consume() {
	defer q.consumer.Done()

	for {
		hasItems := false
		for {
			head := q.head.Load()
			next := head.next.Load()
			if next == nil {
				break
			}
			hasItems = true
			pe := next.value
			q.head.Store(next)
			next.value = pendingEvent{}

			if pe.cb != nil {
				pe.cb(pe.ev)
			}
			q.pending.Add(-1)
		}

		if !hasItems && q.closed.Load() {
			return
		}

		if !hasItems {
			q.mu.Lock()
			if q.head.Load().next.Load() == nil && !q.closed.Load() {
				q.cond.Wait()
			}
			q.mu.Unlock()
		}
	}
}

// close stops accepting events, delivers what is queued and waits for the
// consumer to exit.
func (q *eventQueue) close() {
	q.closed.Store(true)
	q.mu.Lock()
	q.cond.Signal()
	q.mu.Unlock()
	q.consumer.Wait()
}

// len returns the number of events not yet delivered
func (q *eventQueue) len() int {
	return int(q.pending.Load())
}
