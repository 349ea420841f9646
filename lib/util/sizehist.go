package util

import (
	"fmt"
	"math"
	"strings"
	"sync"
)

// ----------------------------------------------------------------------------
// SizeHistogram
// ----------------------------------------------------------------------------

// SizeHistogram tracks the distribution of message sizes in exponential
// buckets. Services use it to report the size of incoming requests, which is
// what request buffer sizing has to be tuned against.
type SizeHistogram struct {
	mutex      sync.RWMutex
	boundaries []int   // upper bound of each bucket
	buckets    []int64 // count of samples per bucket, last bucket is unbounded
	count      int64
	sum        int64
	max        int
}

// NewSizeHistogram creates a histogram with buckets from 64 bytes to 1 MiB
func NewSizeHistogram() *SizeHistogram {
	boundaries := []int{
		64, 128, 256, 512, // small control messages
		1024, 2048, 4096, 8192, // typical requests
		16384, 65536, 262144, 1048576, // bulk sized payloads
	}
	return &SizeHistogram{
		boundaries: boundaries,
		buckets:    make([]int64, len(boundaries)+1),
	}
}

// AddSample adds a size sample to the histogram
//
// Thread-safe: This method is safe for concurrent use
func (h *SizeHistogram) AddSample(size int) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	bucketIndex := len(h.boundaries)
	for i, boundary := range h.boundaries {
		if size <= boundary {
			bucketIndex = i
			break
		}
	}

	h.buckets[bucketIndex]++
	h.count++
	h.sum += int64(size)
	if size > h.max {
		h.max = size
	}
}

// GetCount returns the total number of samples
func (h *SizeHistogram) GetCount() int64 {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.count
}

// AverageSize returns the average size across all samples
func (h *SizeHistogram) AverageSize() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if h.count == 0 {
		return 0
	}
	return int(h.sum / h.count)
}

// MaxSize returns the largest sample seen
func (h *SizeHistogram) MaxSize() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.max
}

// GetPercentileEstimate returns an upper bound estimate for the given
// percentile (0-100): the boundary of the bucket the percentile falls into.
func (h *SizeHistogram) GetPercentileEstimate(percentile int) int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if h.count == 0 || percentile < 0 || percentile > 100 {
		return 0
	}

	targetCount := int64(math.Ceil(float64(h.count) * float64(percentile) / 100.0))
	cumulativeCount := int64(0)
	for i, count := range h.buckets {
		cumulativeCount += count
		if cumulativeCount >= targetCount {
			if i < len(h.boundaries) {
				return h.boundaries[i]
			}
			return h.max
		}
	}
	return h.max
}

// Reset clears all histogram data
func (h *SizeHistogram) Reset() {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.count = 0
	h.sum = 0
	h.max = 0
	for i := range h.buckets {
		h.buckets[i] = 0
	}
}

// String renders the non-empty buckets, one per line
func (h *SizeHistogram) String() string {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	var sb strings.Builder
	lower := 0
	for i, count := range h.buckets {
		if count > 0 {
			if i < len(h.boundaries) {
				sb.WriteString(fmt.Sprintf("  %7d - %-7d: %d\n", lower+1, h.boundaries[i], count))
			} else {
				sb.WriteString(fmt.Sprintf("  %7d+          : %d\n", lower+1, count))
			}
		}
		if i < len(h.boundaries) {
			lower = h.boundaries[i]
		}
	}
	return sb.String()
}
