package common

import (
	"fmt"
	"sync/atomic"
)

// MemoryBudget accounts buffer memory against a byte limit. A limit of zero
// or less disables the check but still tracks usage.
type MemoryBudget struct {
	limit int64
	used  atomic.Int64
	peak  atomic.Int64
}

// NewMemoryBudget creates a budget of limit bytes.
func NewMemoryBudget(limit int64) *MemoryBudget {
	return &MemoryBudget{limit: limit}
}

// Reserve takes n bytes from the budget or fails with ErrAllocationFailed.
func (b *MemoryBudget) Reserve(n int) error {
	if b == nil || n <= 0 {
		return nil
	}
	for {
		used := b.used.Load()
		next := used + int64(n)
		if b.limit > 0 && next > b.limit {
			return fmt.Errorf("%w: %d bytes requested, %d of %d in use", ErrAllocationFailed, n, used, b.limit)
		}
		if b.used.CompareAndSwap(used, next) {
			for {
				peak := b.peak.Load()
				if next <= peak || b.peak.CompareAndSwap(peak, next) {
					break
				}
			}
			return nil
		}
	}
}

// Release returns n bytes to the budget.
func (b *MemoryBudget) Release(n int) {
	if b == nil || n <= 0 {
		return
	}
	if b.used.Add(-int64(n)) < 0 {
		panic(fmt.Sprintf("memory budget released more than reserved (%d bytes)", n))
	}
}

// Used returns the bytes currently reserved.
func (b *MemoryBudget) Used() int64 {
	if b == nil {
		return 0
	}
	return b.used.Load()
}

// Peak returns the largest reservation seen.
func (b *MemoryBudget) Peak() int64 {
	if b == nil {
		return 0
	}
	return b.peak.Load()
}

// Limit returns the configured limit.
func (b *MemoryBudget) Limit() int64 {
	if b == nil {
		return 0
	}
	return b.limit
}
