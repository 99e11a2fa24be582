package bench

import (
	"sort"
	"sync"
	"time"
)

// Summary is one reporting interval's worth of completed operations.
type Summary struct {
	Count  uint64
	Errors uint64
	Min    time.Duration
	Avg    time.Duration
	Max    time.Duration
	P50    time.Duration
	P99    time.Duration
}

// opStats accumulates per-operation latency samples and error counts
// between reports.
type opStats struct {
	mu      sync.Mutex
	samples []time.Duration
	errors  uint64

	totalOps    uint64
	totalErrors uint64
}

func newOpStats() *opStats {
	return &opStats{}
}

func (s *opStats) record(d time.Duration) {
	s.mu.Lock()
	s.samples = append(s.samples, d)
	s.totalOps++
	s.mu.Unlock()
}

func (s *opStats) recordError() {
	s.mu.Lock()
	s.errors++
	s.totalOps++
	s.totalErrors++
	s.mu.Unlock()
}

// totals returns the cumulative operation and error counts.
func (s *opStats) totals() (ops, errs uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalOps, s.totalErrors
}

// snapshot summarizes the current interval and starts a new one.
func (s *opStats) snapshot() Summary {
	s.mu.Lock()
	samples := s.samples
	errs := s.errors
	s.samples = nil
	s.errors = 0
	s.mu.Unlock()

	sum := Summary{
		Count:  uint64(len(samples)) + errs,
		Errors: errs,
	}
	if len(samples) == 0 {
		return sum
	}

	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	var total time.Duration
	for _, d := range samples {
		total += d
	}
	sum.Min = samples[0]
	sum.Max = samples[len(samples)-1]
	sum.Avg = total / time.Duration(len(samples))
	sum.P50 = samples[percentileIndex(len(samples), 50)]
	sum.P99 = samples[percentileIndex(len(samples), 99)]
	return sum
}

func percentileIndex(n, pct int) int {
	idx := n*pct/100 - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return idx
}
