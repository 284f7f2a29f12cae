package metrics

import (
	"math"
	"sort"
	"sync"
)

const (
	// DefaultLatencyCapacity is the ring size used when none is configured.
	DefaultLatencyCapacity = 200
	// MaxPlausibleRTTMs bounds accepted samples (5 minutes).
	MaxPlausibleRTTMs = 5 * 60 * 1000
)

// LatencyStats summarizes the samples currently held by a LatencyRing.
type LatencyStats struct {
	Count  int     `yaml:"count"`
	P50    int     `yaml:"p50"`
	P90    int     `yaml:"p90"`
	P99    int     `yaml:"p99"`
	Mean   float64 `yaml:"mean"`
	Max    int     `yaml:"max"`
	Jitter int     `yaml:"jitter"`
}

// LatencyRing is a fixed-capacity circular buffer of round-trip times in
// milliseconds.
type LatencyRing struct {
	mu      sync.Mutex
	samples []int
	next    int
	full    bool
}

// NewLatencyRing creates a ring holding at most capacity samples.
func NewLatencyRing(capacity int) *LatencyRing {
	if capacity <= 0 {
		capacity = DefaultLatencyCapacity
	}
	return &LatencyRing{samples: make([]int, capacity)}
}

// Push stores a sample, overwriting the oldest once full. Negative and
// implausibly large samples are rejected.
func (r *LatencyRing) Push(rttMs int) bool {
	if rttMs < 0 || rttMs > MaxPlausibleRTTMs {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples[r.next] = rttMs
	r.next++
	if r.next == len(r.samples) {
		r.next = 0
		r.full = true
	}
	return true
}

// Len returns the number of stored samples.
func (r *LatencyRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lenLocked()
}

// Capacity returns the ring size.
func (r *LatencyRing) Capacity() int {
	return len(r.samples)
}

func (r *LatencyRing) lenLocked() int {
	if r.full {
		return len(r.samples)
	}
	return r.next
}

// Reset discards all samples.
func (r *LatencyRing) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next = 0
	r.full = false
}

// Percentiles computes the distribution over a sorted copy of the samples,
// using index floor(p/100*(n-1)). Jitter is p90-p50.
func (r *LatencyRing) Percentiles() LatencyStats {
	r.mu.Lock()
	n := r.lenLocked()
	sorted := make([]int, n)
	copy(sorted, r.samples[:n])
	r.mu.Unlock()

	if n == 0 {
		return LatencyStats{}
	}
	sort.Ints(sorted)

	sum := 0
	for _, v := range sorted {
		sum += v
	}
	st := LatencyStats{
		Count: n,
		P50:   percentile(sorted, 50),
		P90:   percentile(sorted, 90),
		P99:   percentile(sorted, 99),
		Mean:  math.Round(float64(sum)/float64(n)*100) / 100,
		Max:   sorted[n-1],
	}
	st.Jitter = st.P90 - st.P50
	return st
}

func percentile(sorted []int, p int) int {
	idx := int(math.Floor(float64(p) / 100 * float64(len(sorted)-1)))
	return sorted[idx]
}
