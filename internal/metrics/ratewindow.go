// Package metrics holds the collectors that turn raw connection events into
// rates, latency distributions and spike signals.
package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/omochice/chatlink/internal/clock"
)

// DefaultWindows are the rate windows used when none are configured.
var DefaultWindows = []time.Duration{60 * time.Second, 300 * time.Second, 900 * time.Second}

// WindowRate is the event count and rate over one window.
type WindowRate struct {
	Window     time.Duration `yaml:"window"`
	Count      int           `yaml:"count"`
	RatePerSec float64       `yaml:"rate_per_sec"`
	// Oldest and Newest are the extreme timestamps inside the window; zero
	// when the window is empty.
	Oldest time.Time `yaml:"oldest"`
	Newest time.Time `yaml:"newest"`
}

// RateWindowTracker keeps one time-ordered timestamp slice shared by several
// sliding windows.
type RateWindowTracker struct {
	mu      sync.Mutex
	clock   clock.Clock
	windows []time.Duration
	maxWin  time.Duration
	stamps  []time.Time
}

// NewRateWindowTracker creates a tracker. Non-positive windows are ignored;
// with none left DefaultWindows is used.
func NewRateWindowTracker(clk clock.Clock, windows ...time.Duration) *RateWindowTracker {
	if clk == nil {
		clk = clock.Real()
	}
	valid := make([]time.Duration, 0, len(windows))
	for _, w := range windows {
		if w > 0 {
			valid = append(valid, w)
		}
	}
	if len(valid) == 0 {
		valid = append(valid, DefaultWindows...)
	}
	sort.Slice(valid, func(i, j int) bool { return valid[i] < valid[j] })

	return &RateWindowTracker{
		clock:   clk,
		windows: valid,
		maxWin:  valid[len(valid)-1],
	}
}

// Windows returns the configured windows, shortest first.
func (t *RateWindowTracker) Windows() []time.Duration {
	out := make([]time.Duration, len(t.windows))
	copy(out, t.windows)
	return out
}

// Record appends the current time.
func (t *RateWindowTracker) Record() {
	t.RecordAt(t.clock.Now())
}

// RecordAt appends ts, keeping the slice ordered.
func (t *RateWindowTracker) RecordAt(ts time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(t.stamps)
	if n == 0 || !ts.Before(t.stamps[n-1]) {
		t.stamps = append(t.stamps, ts)
	} else {
		i := sort.Search(n, func(i int) bool { return t.stamps[i].After(ts) })
		t.stamps = append(t.stamps, time.Time{})
		copy(t.stamps[i+1:], t.stamps[i:])
		t.stamps[i] = ts
	}
	t.pruneLocked(t.clock.Now())
}

// pruneLocked drops entries older than twice the largest window. Pruning only
// happens once the oldest entry crosses that horizon, so most calls are O(1).
func (t *RateWindowTracker) pruneLocked(now time.Time) {
	if len(t.stamps) == 0 {
		return
	}
	horizon := now.Add(-2 * t.maxWin)
	if !t.stamps[0].Before(horizon) {
		return
	}
	cut := sort.Search(len(t.stamps), func(i int) bool { return !t.stamps[i].Before(horizon) })
	t.stamps = append(t.stamps[:0], t.stamps[cut:]...)
}

// Len returns the number of retained timestamps.
func (t *RateWindowTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.stamps)
}

// Export computes count and rate per window, shortest window first.
func (t *RateWindowTracker) Export() []WindowRate {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]WindowRate, 0, len(t.windows))
	for _, w := range t.windows {
		out = append(out, windowRate(t.stamps, now, w))
	}
	return out
}

// windowRate scans backward from the newest entry and stops at the first
// entry outside the window.
func windowRate(stamps []time.Time, now time.Time, w time.Duration) WindowRate {
	wr := WindowRate{Window: w}
	start := now.Add(-w)
	for i := len(stamps) - 1; i >= 0; i-- {
		ts := stamps[i]
		if ts.Before(start) {
			break
		}
		if ts.After(now) {
			continue
		}
		if wr.Count == 0 {
			wr.Newest = ts
		}
		wr.Oldest = ts
		wr.Count++
	}
	wr.RatePerSec = float64(wr.Count) / w.Seconds()
	return wr
}
