// Package bandwidth estimates network throughput from segment downloads.
package bandwidth

import (
	"math"
	"sync"
)

const (
	// DefaultWindowSize is the number of samples kept for the rolling average.
	DefaultWindowSize = 6

	// DefaultMinBps rejects samples from tiny buffered reads (30 kbit/s).
	DefaultMinBps = 30_000

	// DefaultMaxBps rejects samples inflated by clock jitter or caches (120 Mbit/s).
	DefaultMaxBps = 120_000_000
)

// Estimator keeps a fixed-capacity FIFO window of throughput samples in
// bits per second and reports their arithmetic mean.
type Estimator struct {
	mu      sync.RWMutex
	samples []float64
	size    int
	minBps  float64
	maxBps  float64
}

// New creates an estimator with default window and plausibility bounds.
func New() *Estimator {
	return NewWithConfig(DefaultWindowSize, DefaultMinBps, DefaultMaxBps)
}

// NewWithConfig creates an estimator with a custom window size and bounds.
// Non-positive values select the defaults.
func NewWithConfig(windowSize int, minBps, maxBps float64) *Estimator {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	if minBps <= 0 {
		minBps = DefaultMinBps
	}
	if maxBps <= 0 {
		maxBps = DefaultMaxBps
	}
	return &Estimator{
		samples: make([]float64, 0, windowSize),
		size:    windowSize,
		minBps:  minBps,
		maxBps:  maxBps,
	}
}

// Record appends a sample, evicting the oldest one past capacity.
// Implausible samples are dropped and Record reports false.
func (e *Estimator) Record(bps float64) bool {
	if math.IsNaN(bps) || math.IsInf(bps, 0) || bps < e.minBps || bps > e.maxBps {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.samples = append(e.samples, bps)
	if len(e.samples) > e.size {
		e.samples = e.samples[len(e.samples)-e.size:]
	}
	return true
}

// Estimate returns the mean of the current window. The second result is
// false when no sample has been recorded.
func (e *Estimator) Estimate() (float64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if len(e.samples) == 0 {
		return 0, false
	}

	var sum float64
	for _, s := range e.samples {
		sum += s
	}
	return sum / float64(len(e.samples)), true
}

// Samples returns a copy of the window, oldest first.
func (e *Estimator) Samples() []float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]float64, len(e.samples))
	copy(out, e.samples)
	return out
}

// Reset clears the window.
func (e *Estimator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.samples = e.samples[:0]
}
