package util

import (
	"testing"
	"time"
)

// TestDeadlineHeapOrder verifies that keys pop in deadline order
func TestDeadlineHeapOrder(t *testing.T) {
	h := NewDeadlineHeap()
	base := time.Unix(1000, 0)

	h.Schedule(3, base.Add(3*time.Second))
	h.Schedule(1, base.Add(1*time.Second))
	h.Schedule(2, base.Add(2*time.Second))

	if h.Len() != 3 {
		t.Fatalf("Expected 3 entries, got %d", h.Len())
	}

	key, deadline, ok := h.Peek()
	if !ok || key != 1 || !deadline.Equal(base.Add(time.Second)) {
		t.Errorf("Expected key 1 at %v, got %d at %v", base.Add(time.Second), key, deadline)
	}

	expired := h.PopExpired(base.Add(2 * time.Second))
	if len(expired) != 2 || expired[0] != 1 || expired[1] != 2 {
		t.Errorf("Expected [1 2], got %v", expired)
	}
	if h.Len() != 1 || !h.Contains(3) {
		t.Errorf("Expected only key 3 to remain")
	}
}

// TestDeadlineHeapReschedule tests moving and removing keys
func TestDeadlineHeapReschedule(t *testing.T) {
	h := NewDeadlineHeap()
	base := time.Unix(1000, 0)

	for i := uint64(0); i < 10; i++ {
		h.Schedule(i, base.Add(time.Duration(i)*time.Second))
	}

	// move the earliest key to the end
	h.Schedule(0, base.Add(time.Minute))
	if key, _, _ := h.Peek(); key != 1 {
		t.Errorf("Expected key 1 first after reschedule, got %d", key)
	}
	if d, ok := h.Deadline(0); !ok || !d.Equal(base.Add(time.Minute)) {
		t.Errorf("Unexpected deadline for key 0: %v", d)
	}

	if !h.Remove(5) {
		t.Errorf("Expected key 5 to be removed")
	}
	if h.Remove(5) {
		t.Errorf("Expected second removal of key 5 to fail")
	}

	var last time.Time
	count := 0
	for h.Len() > 0 {
		key, deadline, _ := h.Peek()
		if deadline.Before(last) {
			t.Fatalf("Key %d out of order", key)
		}
		last = deadline
		h.Remove(key)
		count++
	}
	if count != 9 {
		t.Errorf("Expected 9 keys, got %d", count)
	}
}

// BenchmarkDeadlineHeap measures schedule and pop throughput
func BenchmarkDeadlineHeap(b *testing.B) {
	h := NewDeadlineHeap()
	now := time.Now()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h.Schedule(uint64(i), now.Add(time.Duration(i%1000)*time.Millisecond))
		if h.Len() > 1000 {
			h.PopExpired(now.Add(500 * time.Millisecond))
		}
	}
}
