package util

import (
	"strings"
	"sync"
	"testing"
)

// TestSizeHistogram checks counting, averages and percentile estimates
func TestSizeHistogram(t *testing.T) {
	h := NewSizeHistogram()
	if h.GetPercentileEstimate(50) != 0 {
		t.Errorf("Expected 0 for empty histogram")
	}

	for i := 0; i < 90; i++ {
		h.AddSample(200)
	}
	for i := 0; i < 10; i++ {
		h.AddSample(5000)
	}

	if h.GetCount() != 100 {
		t.Errorf("Expected 100 samples, got %d", h.GetCount())
	}
	if avg := h.AverageSize(); avg != (90*200+10*5000)/100 {
		t.Errorf("Unexpected average %d", avg)
	}
	if p := h.GetPercentileEstimate(50); p != 256 {
		t.Errorf("Expected median bucket 256, got %d", p)
	}
	if p := h.GetPercentileEstimate(95); p != 8192 {
		t.Errorf("Expected p95 bucket 8192, got %d", p)
	}
	if h.MaxSize() != 5000 {
		t.Errorf("Expected max 5000, got %d", h.MaxSize())
	}
	if !strings.Contains(h.String(), ": 90") {
		t.Errorf("Expected rendered histogram to contain the 256 bucket:\n%s", h.String())
	}

	h.AddSample(4 << 20)
	if p := h.GetPercentileEstimate(100); p != 4<<20 {
		t.Errorf("Expected unbounded bucket to report max, got %d", p)
	}

	h.Reset()
	if h.GetCount() != 0 || h.AverageSize() != 0 || h.MaxSize() != 0 {
		t.Errorf("Expected empty histogram after reset")
	}
}

// TestSizeHistogramConcurrent adds samples from several goroutines
func TestSizeHistogramConcurrent(t *testing.T) {
	h := NewSizeHistogram()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				h.AddSample(i)
			}
		}()
	}
	wg.Wait()
	if h.GetCount() != 8000 {
		t.Errorf("Expected 8000 samples, got %d", h.GetCount())
	}
}

// TestRandomCookie checks that cookies are non-zero and distinct
func TestRandomCookie(t *testing.T) {
	seen := make(map[uint64]bool)
	for i := 0; i < 1000; i++ {
		c := RandomCookie()
		if c == 0 {
			t.Fatalf("Cookie must not be zero")
		}
		if seen[c] {
			t.Fatalf("Duplicate cookie %d", c)
		}
		seen[c] = true
	}
	if HashString("a", 1) == HashString("a", 2) {
		t.Errorf("Expected seed to change the hash")
	}
}
