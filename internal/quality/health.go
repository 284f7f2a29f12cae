package quality

import (
	"math"
	"time"

	"github.com/omochice/chatlink/internal/metrics"
)

// DefaultRecoveryHorizon is how far back recoveries count towards health.
const DefaultRecoveryHorizon = 15 * time.Minute

// HeartbeatLevel grades the heartbeat round trips.
type HeartbeatLevel string

const (
	HeartbeatUnknown  HeartbeatLevel = "unknown"
	HeartbeatGood     HeartbeatLevel = "good"
	HeartbeatWarning  HeartbeatLevel = "warning"
	HeartbeatDegraded HeartbeatLevel = "degraded"
)

// Heartbeat grading bounds, in milliseconds.
const (
	warnJitterMs     = 150
	warnP90Ms        = 400
	degradedJitterMs = 300
	degradedP90Ms    = 800
)

// HealthWeights weigh the health sub-scores. They need not sum to one.
type HealthWeights struct {
	Reconnect      float64 `mapstructure:"reconnect" yaml:"reconnect"`
	Heartbeat      float64 `mapstructure:"heartbeat" yaml:"heartbeat"`
	SpikesGlobal   float64 `mapstructure:"spikes_global" yaml:"spikes_global"`
	SpikesCategory float64 `mapstructure:"spikes_category" yaml:"spikes_category"`
	Recovery       float64 `mapstructure:"recovery" yaml:"recovery"`
}

// Sum returns the total weight.
func (w HealthWeights) Sum() float64 {
	return w.Reconnect + w.Heartbeat + w.SpikesGlobal + w.SpikesCategory + w.Recovery
}

// HealthConfig configures the health index.
type HealthConfig struct {
	Weights         HealthWeights `mapstructure:"weights" yaml:"weights"`
	RecoveryHorizon time.Duration `mapstructure:"recovery_horizon" yaml:"recovery_horizon"`
}

// DefaultHealthConfig returns the default health configuration.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		Weights: HealthWeights{
			Reconnect:      0.27,
			Heartbeat:      0.27,
			SpikesGlobal:   0.18,
			SpikesCategory: 0.18,
			Recovery:       0.10,
		},
		RecoveryHorizon: DefaultRecoveryHorizon,
	}
}

// HealthInputs are the diagnostics a health index combines.
type HealthInputs struct {
	SuccessRate      float64
	FailureStreak    int
	MaxFailureStreak int
	Latency          metrics.LatencyStats
	EventSpikes      metrics.SpikeReport
	CategorySpikes   metrics.SpikeReport
	Recovery         metrics.RecoveryStats
}

// HealthBreakdown holds the 0-100 sub-scores.
type HealthBreakdown struct {
	Reconnect      float64 `yaml:"reconnect"`
	Heartbeat      float64 `yaml:"heartbeat"`
	SpikesGlobal   float64 `yaml:"spikes_global"`
	SpikesCategory float64 `yaml:"spikes_category"`
	Recovery       float64 `yaml:"recovery"`
}

// HealthFactors are the raw values behind the sub-scores.
type HealthFactors struct {
	SuccessRate       float64        `yaml:"success_rate"`
	FailureStreak     int            `yaml:"failure_streak"`
	MaxFailureStreak  int            `yaml:"max_failure_streak"`
	HeartbeatLevel    HeartbeatLevel `yaml:"heartbeat_level"`
	P90Ms             int            `yaml:"p90_ms"`
	JitterMs          int            `yaml:"jitter_ms"`
	GlobalMaxFactor   float64        `yaml:"global_max_factor"`
	GlobalSustained   int            `yaml:"global_sustained"`
	CategoryMaxFactor float64        `yaml:"category_max_factor"`
	CategorySustained int            `yaml:"category_sustained"`
	Recoveries        int            `yaml:"recoveries"`
	RecoveryKeys      int            `yaml:"recovery_keys"`
	RecoveryDensity   float64        `yaml:"recovery_density"`
}

// Health is a composite 0-100 health index.
type Health struct {
	Score     float64         `yaml:"score"`
	Breakdown HealthBreakdown `yaml:"breakdown"`
	Factors   HealthFactors   `yaml:"factors"`
	Weights   HealthWeights   `yaml:"weights"`
}

// HealthScore combines reconnect reliability, heartbeat latency, global and
// category spikes and recent spike recoveries into one index. Zero weights
// take the defaults.
func HealthScore(in HealthInputs, w HealthWeights) Health {
	if w.Sum() <= 0 {
		w = DefaultHealthConfig().Weights
	}

	level := GradeHeartbeat(in.Latency)
	global, globalMax, globalSustained := spikeScore(in.EventSpikes, 6)
	category, categoryMax, categorySustained := spikeScore(in.CategorySpikes, 4)
	recovery, density := recoveryScore(in.Recovery, global < 60 || category < 60)

	b := HealthBreakdown{
		Reconnect:      reconnectScore(in.SuccessRate, in.FailureStreak, in.MaxFailureStreak),
		Heartbeat:      heartbeatScore(level, in.Latency),
		SpikesGlobal:   global,
		SpikesCategory: category,
		Recovery:       recovery,
	}
	sum := b.Reconnect*w.Reconnect + b.Heartbeat*w.Heartbeat + b.SpikesGlobal*w.SpikesGlobal +
		b.SpikesCategory*w.SpikesCategory + b.Recovery*w.Recovery

	return Health{
		Score:     round1(sum / w.Sum()),
		Breakdown: b,
		Factors: HealthFactors{
			SuccessRate:       in.SuccessRate,
			FailureStreak:     in.FailureStreak,
			MaxFailureStreak:  in.MaxFailureStreak,
			HeartbeatLevel:    level,
			P90Ms:             in.Latency.P90,
			JitterMs:          in.Latency.Jitter,
			GlobalMaxFactor:   globalMax,
			GlobalSustained:   globalSustained,
			CategoryMaxFactor: categoryMax,
			CategorySustained: categorySustained,
			Recoveries:        in.Recovery.Count,
			RecoveryKeys:      in.Recovery.KeysAffected,
			RecoveryDensity:   density,
		},
		Weights: w,
	}
}

// GradeHeartbeat grades the latency distribution by jitter and p90.
func GradeHeartbeat(lat metrics.LatencyStats) HeartbeatLevel {
	switch {
	case lat.Count == 0:
		return HeartbeatUnknown
	case lat.Jitter >= degradedJitterMs || lat.P90 >= degradedP90Ms:
		return HeartbeatDegraded
	case lat.Jitter >= warnJitterMs || lat.P90 >= warnP90Ms:
		return HeartbeatWarning
	default:
		return HeartbeatGood
	}
}

// reconnectScore is the success rate minus up to 0.6 of failure-streak
// pressure.
func reconnectScore(successRate float64, streak, maxStreak int) float64 {
	if maxStreak <= 0 {
		maxStreak = max(streak, 1)
	}
	pressure := float64(streak) / float64(maxStreak)
	return round1(clamp01(successRate-pressure*0.6) * 100)
}

func heartbeatScore(level HeartbeatLevel, lat metrics.LatencyStats) float64 {
	base := 60.0
	switch level {
	case HeartbeatUnknown:
		return base
	case HeartbeatGood:
		base = 90
	case HeartbeatWarning:
		base = 65
	case HeartbeatDegraded:
		base = 35
	}
	if lat.Jitter > 300 {
		base -= math.Min(25, float64(lat.Jitter-300)/20)
	}
	if lat.P90 > 800 {
		base -= math.Min(20, float64(lat.P90-800)/40)
	}
	return round1(math.Max(0, math.Min(100, base)))
}

// spikeScore penalizes the largest factor and every sustained spike.
func spikeScore(r metrics.SpikeReport, perSustained float64) (score, maxFactor float64, sustained int) {
	if len(r.Items) == 0 {
		return 100, 0, 0
	}
	for _, it := range r.Items {
		maxFactor = math.Max(maxFactor, it.Factor)
		if it.Sustained {
			sustained++
		}
	}
	factorPenalty := 0.0
	if maxFactor >= metrics.DefaultFactorMin {
		factorPenalty = math.Min(70, (maxFactor-metrics.DefaultFactorMin)*12)
	}
	sustainPenalty := math.Min(30, float64(sustained)*perSustained)
	return round1(math.Max(0, 100-factorPenalty-sustainPenalty)), maxFactor, sustained
}

// recoveryScore rewards recoveries spread over several keys and penalizes
// one key flapping. The reward shrinks while spikes are still high.
func recoveryScore(st metrics.RecoveryStats, spikeRisk bool) (float64, float64) {
	keys := st.KeysAffected
	density := 0.0
	if keys > 0 {
		density = float64(st.Count) / float64(keys)
	}

	boost := float64(min(10, keys)*4 + max(0, keys-10))
	switch {
	case density >= 1 && density <= 3:
		boost += 10
	case density > 3 && density <= 5:
		boost += 5
	case density > 5:
		boost -= 10
	}
	if spikeRisk {
		boost *= 0.6
	}
	return round1(math.Max(0, math.Min(100, 50+boost))), round1(density)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
