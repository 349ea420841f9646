// Package util
//
// This file provides a priority queue ordered by deadline with key based
// access. It combines a binary heap with a hash map:
//
//   - O(log n) for Schedule, Remove and Pop
//   - O(1) for Contains and Deadline lookups
//
// The heap is used wherever the RPC engine has to act on the earliest of many
// deadlines: the difficult reply watchdog of a service and the expiry of reply
// cache entries.
//
// Concurrency: the heap is not thread-safe. Callers hold their own lock.
//
// Example usage:
//
//	h := NewDeadlineHeap()
//	h.Schedule(replyID, time.Now().Add(30*time.Second))
//	for _, id := range h.PopExpired(time.Now()) {
//	    // probe or retire reply id
//	}
package util

import (
	"container/heap"
	"strconv"
	"time"
)

// entry represents a scheduled key
type entry struct {
	Key      uint64 // Unique identifier for the entry
	Deadline int64  // Unix nanoseconds
	index    int    // Index in the heap, maintained by heap package
}

func (e *entry) String() string {
	return "{Key: " + strconv.FormatUint(e.Key, 10) + ", Deadline: " + time.Unix(0, e.Deadline).Format(time.RFC3339Nano) + "}"
}

// entries implements heap.Interface
type entries struct {
	items []*entry
	byKey map[uint64]*entry
}

func (q *entries) Len() int           { return len(q.items) }
func (q *entries) Less(i, j int) bool { return q.items[i].Deadline < q.items[j].Deadline }

func (q *entries) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *entries) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(q.items)
	q.items = append(q.items, e)
	q.byKey[e.Key] = e
}

func (q *entries) Pop() interface{} {
	old := q.items
	n := len(old)
	e := old[n-1]
	old[n-1] = nil // Avoid memory leak
	e.index = -1
	q.items = old[:n-1]
	delete(q.byKey, e.Key)
	return e
}

// DeadlineHeap orders keys by deadline, earliest first.
type DeadlineHeap struct {
	q entries
}

// NewDeadlineHeap creates an empty heap
func NewDeadlineHeap() *DeadlineHeap {
	return &DeadlineHeap{q: entries{byKey: make(map[uint64]*entry)}}
}

// Len returns the number of scheduled keys
func (h *DeadlineHeap) Len() int { return h.q.Len() }

// Schedule adds key with the given deadline or moves an existing key
func (h *DeadlineHeap) Schedule(key uint64, deadline time.Time) {
	nanos := deadline.UnixNano()
	if e, ok := h.q.byKey[key]; ok {
		e.Deadline = nanos
		heap.Fix(&h.q, e.index)
		return
	}
	heap.Push(&h.q, &entry{Key: key, Deadline: nanos})
}

// Remove unschedules key. It reports whether the key was scheduled.
func (h *DeadlineHeap) Remove(key uint64) bool {
	e, ok := h.q.byKey[key]
	if !ok {
		return false
	}
	heap.Remove(&h.q, e.index)
	return true
}

// Contains checks if a key is scheduled
func (h *DeadlineHeap) Contains(key uint64) bool {
	_, ok := h.q.byKey[key]
	return ok
}

// Deadline returns the deadline of key
func (h *DeadlineHeap) Deadline(key uint64) (time.Time, bool) {
	e, ok := h.q.byKey[key]
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(0, e.Deadline), true
}

// Peek returns the key with the earliest deadline without removing it
func (h *DeadlineHeap) Peek() (uint64, time.Time, bool) {
	if len(h.q.items) == 0 {
		return 0, time.Time{}, false
	}
	e := h.q.items[0]
	return e.Key, time.Unix(0, e.Deadline), true
}

// PopExpired removes and returns all keys whose deadline is not after now,
// earliest first.
func (h *DeadlineHeap) PopExpired(now time.Time) []uint64 {
	var keys []uint64
	nanos := now.UnixNano()
	for len(h.q.items) > 0 && h.q.items[0].Deadline <= nanos {
		e := heap.Pop(&h.q).(*entry)
		keys = append(keys, e.Key)
	}
	return keys
}
