package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/omochice/chatlink/internal/clock"
)

const (
	// DefaultSustainMin is the streak length at which a spike counts as sustained.
	DefaultSustainMin = 2
	// DefaultRecoveryWindow is how long a key reports recovering after a spike ends.
	DefaultRecoveryWindow = 30 * time.Second
)

// StreakState is the result of one SpikeStreakTracker update.
type StreakState struct {
	Streak       int       `yaml:"streak"`
	Sustained    bool      `yaml:"sustained"`
	Recovering   bool      `yaml:"recovering"`
	LastRecovery time.Time `yaml:"last_recovery"`
}

// RecoveryStats summarizes recoveries inside a horizon.
type RecoveryStats struct {
	Count        int `yaml:"count"`
	KeysAffected int `yaml:"keys_affected"`
}

// RecoveryPoint is one spike-to-normal transition.
type RecoveryPoint struct {
	Key string    `yaml:"key"`
	At  time.Time `yaml:"at"`
}

type spikeState struct {
	streak       int
	wasSpike     bool
	lastRecovery time.Time
	recoveries   []time.Time
}

// SpikeStreakTracker counts consecutive spiking ticks per key and remembers
// when each spike ended.
type SpikeStreakTracker struct {
	mu             sync.Mutex
	clock          clock.Clock
	sustainMin     int
	recoveryWindow time.Duration
	keys           map[string]*spikeState
}

// NewSpikeStreakTracker creates a tracker; non-positive arguments take the defaults.
func NewSpikeStreakTracker(clk clock.Clock, sustainMin int, recoveryWindow time.Duration) *SpikeStreakTracker {
	if clk == nil {
		clk = clock.Real()
	}
	if sustainMin <= 0 {
		sustainMin = DefaultSustainMin
	}
	if recoveryWindow <= 0 {
		recoveryWindow = DefaultRecoveryWindow
	}
	return &SpikeStreakTracker{
		clock:          clk,
		sustainMin:     sustainMin,
		recoveryWindow: recoveryWindow,
		keys:           make(map[string]*spikeState),
	}
}

// SetRecoveryWindow changes the recovering horizon; non-positive values are ignored.
func (t *SpikeStreakTracker) SetRecoveryWindow(d time.Duration) {
	if d <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recoveryWindow = d
}

// Update feeds one tick for key. It is O(1): old recoveries are only purged
// by the query methods.
func (t *SpikeStreakTracker) Update(key string, isSpike bool) StreakState {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.keys[key]
	if !ok {
		st = &spikeState{}
		t.keys[key] = st
	}

	if isSpike {
		st.streak++
	} else if st.wasSpike && st.streak > 0 {
		st.lastRecovery = now
		st.recoveries = append(st.recoveries, now)
		st.streak = 0
	}
	st.wasSpike = isSpike

	res := StreakState{
		Streak:       st.streak,
		Sustained:    st.streak >= t.sustainMin,
		LastRecovery: st.lastRecovery,
	}
	if !isSpike && !st.lastRecovery.IsZero() && now.Sub(st.lastRecovery) < t.recoveryWindow {
		res.Recovering = true
	}
	return res
}

// Keys returns the number of tracked keys.
func (t *SpikeStreakTracker) Keys() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.keys)
}

// Reset forgets key.
func (t *SpikeStreakTracker) Reset(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.keys, key)
}

// ResetAll forgets every key.
func (t *SpikeStreakTracker) ResetAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.keys = make(map[string]*spikeState)
}

// RecoveryStats counts recoveries newer than horizon, purging older ones.
func (t *SpikeStreakTracker) RecoveryStats(horizon time.Duration) RecoveryStats {
	cutoff := t.clock.Now().Add(-horizon)

	t.mu.Lock()
	defer t.mu.Unlock()

	var stats RecoveryStats
	for _, st := range t.keys {
		st.purge(cutoff)
		if len(st.recoveries) > 0 {
			stats.Count += len(st.recoveries)
			stats.KeysAffected++
		}
	}
	return stats
}

// RecoveryTimeline lists recoveries newer than horizon, oldest first,
// purging older ones.
func (t *SpikeStreakTracker) RecoveryTimeline(horizon time.Duration) []RecoveryPoint {
	cutoff := t.clock.Now().Add(-horizon)

	t.mu.Lock()
	defer t.mu.Unlock()

	var points []RecoveryPoint
	for key, st := range t.keys {
		st.purge(cutoff)
		for _, ts := range st.recoveries {
			points = append(points, RecoveryPoint{Key: key, At: ts})
		}
	}
	sort.Slice(points, func(i, j int) bool {
		if points[i].At.Equal(points[j].At) {
			return points[i].Key < points[j].Key
		}
		return points[i].At.Before(points[j].At)
	})
	return points
}

func (st *spikeState) purge(cutoff time.Time) {
	i := 0
	for i < len(st.recoveries) && st.recoveries[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		st.recoveries = append(st.recoveries[:0], st.recoveries[i:]...)
	}
}
