// Package quality turns connection metrics into a 0-100 network quality
// score and a discrete level.
package quality

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/omochice/chatlink/internal/clock"
)

// Level is a discrete quality tier.
type Level string

const (
	LevelExcellent Level = "excellent"
	LevelGood      Level = "good"
	LevelFair      Level = "fair"
	LevelPoor      Level = "poor"
	LevelCritical  Level = "critical"
)

const (
	DefaultInterval = 3 * time.Second
	DefaultMinDelta = 8.0
)

// Reference bounds one raw metric: Target is the best value, Max the worst.
type Reference struct {
	Target float64 `mapstructure:"target" yaml:"target"`
	Max    float64 `mapstructure:"max" yaml:"max"`
}

// References holds the reference values of every metric.
type References struct {
	RTTMs            Reference `mapstructure:"rtt_ms" yaml:"rtt_ms"`
	JitterMs         Reference `mapstructure:"jitter_ms" yaml:"jitter_ms"`
	LossRatio        Reference `mapstructure:"loss_ratio" yaml:"loss_ratio"`
	ReconnectsPerMin Reference `mapstructure:"reconnects_per_min" yaml:"reconnects_per_min"`
	ErrorsPerMin     Reference `mapstructure:"errors_per_min" yaml:"errors_per_min"`
}

// Weights are the sub-score weights. They need not sum to one.
type Weights struct {
	Loss      float64 `mapstructure:"loss" yaml:"loss"`
	RTT       float64 `mapstructure:"rtt" yaml:"rtt"`
	Jitter    float64 `mapstructure:"jitter" yaml:"jitter"`
	Reconnect float64 `mapstructure:"reconnect" yaml:"reconnect"`
	Error     float64 `mapstructure:"error" yaml:"error"`
}

// Sum returns the total weight.
func (w Weights) Sum() float64 {
	return w.Loss + w.RTT + w.Jitter + w.Reconnect + w.Error
}

// Thresholds are the minimum scores of each level above Critical.
type Thresholds struct {
	Excellent float64 `mapstructure:"excellent" yaml:"excellent"`
	Good      float64 `mapstructure:"good" yaml:"good"`
	Fair      float64 `mapstructure:"fair" yaml:"fair"`
	Poor      float64 `mapstructure:"poor" yaml:"poor"`
}

// Level returns the highest tier score meets.
func (t Thresholds) Level(score float64) Level {
	switch {
	case score >= t.Excellent:
		return LevelExcellent
	case score >= t.Good:
		return LevelGood
	case score >= t.Fair:
		return LevelFair
	case score >= t.Poor:
		return LevelPoor
	default:
		return LevelCritical
	}
}

// Config configures a Scorer.
type Config struct {
	// Interval is the evaluation cadence of Start.
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	// MinDelta is the score movement required, besides a level change,
	// before a change is notified.
	MinDelta   float64    `mapstructure:"min_delta" yaml:"min_delta"`
	Weights    Weights    `mapstructure:"weights" yaml:"weights"`
	Thresholds Thresholds `mapstructure:"thresholds" yaml:"thresholds"`
	References References `mapstructure:"references" yaml:"references"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Interval: DefaultInterval,
		MinDelta: DefaultMinDelta,
		Weights: Weights{
			Loss:      0.35,
			RTT:       0.30,
			Jitter:    0.15,
			Reconnect: 0.12,
			Error:     0.08,
		},
		Thresholds: Thresholds{Excellent: 90, Good: 75, Fair: 60, Poor: 40},
		References: References{
			RTTMs:            Reference{Target: 100, Max: 1000},
			JitterMs:         Reference{Target: 20, Max: 300},
			LossRatio:        Reference{Target: 0, Max: 0.2},
			ReconnectsPerMin: Reference{Target: 0, Max: 3},
			ErrorsPerMin:     Reference{Target: 0, Max: 5},
		},
	}
}

// Inputs are the raw metrics a score is computed from.
type Inputs struct {
	AvgRTTMs         float64 `yaml:"avg_rtt_ms"`
	JitterMs         float64 `yaml:"jitter_ms"`
	LossRatio        float64 `yaml:"loss_ratio"`
	ReconnectsPerMin float64 `yaml:"reconnects_per_min"`
	ErrorsPerMin     float64 `yaml:"errors_per_min"`
	// HasRTT is false until the first heartbeat round trip was measured.
	HasRTT bool `yaml:"has_rtt"`
}

// SubScores are the per-metric goodness values in [0,1].
type SubScores struct {
	Loss      float64 `yaml:"loss"`
	RTT       float64 `yaml:"rtt"`
	Jitter    float64 `yaml:"jitter"`
	Reconnect float64 `yaml:"reconnect"`
	Error     float64 `yaml:"error"`
}

// Snapshot is one evaluation result.
type Snapshot struct {
	Score      float64   `yaml:"score"`
	Level      Level     `yaml:"level"`
	SubScores  SubScores `yaml:"sub_scores"`
	Inputs     Inputs    `yaml:"inputs"`
	ComputedAt time.Time `yaml:"computed_at"`
}

// Change is the notification emitted on a significant level change.
type Change struct {
	From      Level
	To        Level
	FromScore float64
	Score     float64
}

// Source provides the current inputs.
type Source interface {
	Inputs() Inputs
}

// SourceFunc adapts a function to Source.
type SourceFunc func() Inputs

// Inputs calls f.
func (f SourceFunc) Inputs() Inputs {
	return f()
}

// Options carries the collaborators of a Scorer.
type Options struct {
	Clock    clock.Clock
	Logger   *zap.Logger
	OnChange func(Change)
}

// Scorer computes quality snapshots and notifies significant changes.
type Scorer struct {
	src      Source
	cfg      Config
	clock    clock.Clock
	log      *zap.Logger
	onChange func(Change)

	mu       sync.Mutex
	latest   *Snapshot
	notified *Snapshot
	timer    clock.Timer
	gen      uint64
	running  bool
}

// NewScorer creates a Scorer. Zero config values take their defaults.
func NewScorer(src Source, cfg Config, opts Options) *Scorer {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MinDelta <= 0 {
		cfg.MinDelta = def.MinDelta
	}
	if cfg.Weights.Sum() <= 0 {
		cfg.Weights = def.Weights
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = def.Thresholds
	}
	if cfg.References == (References{}) {
		cfg.References = def.References
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Scorer{
		src:      src,
		cfg:      cfg,
		clock:    opts.Clock,
		log:      opts.Logger,
		onChange: opts.OnChange,
	}
}

// Compute scores in without touching the scorer state.
func (s *Scorer) Compute(in Inputs) Snapshot {
	ref := s.cfg.References
	sub := SubScores{
		Loss:      goodness(in.LossRatio, ref.LossRatio),
		RTT:       1,
		Jitter:    1,
		Reconnect: goodness(in.ReconnectsPerMin, ref.ReconnectsPerMin),
		Error:     goodness(in.ErrorsPerMin, ref.ErrorsPerMin),
	}
	if in.HasRTT {
		sub.RTT = goodness(in.AvgRTTMs, ref.RTTMs)
		sub.Jitter = goodness(in.JitterMs, ref.JitterMs)
	}

	w := s.cfg.Weights
	sum := sub.Loss*w.Loss + sub.RTT*w.RTT + sub.Jitter*w.Jitter + sub.Reconnect*w.Reconnect + sub.Error*w.Error
	score := math.Round(sum/w.Sum()*1000) / 10

	return Snapshot{
		Score:      score,
		Level:      s.cfg.Thresholds.Level(score),
		SubScores:  sub,
		Inputs:     in,
		ComputedAt: s.clock.Now(),
	}
}

// Evaluate computes a fresh snapshot from the source and notifies a change
// when the level differs from the last notified one and the score moved by
// at least MinDelta since then. The first evaluation only sets the
// reference.
func (s *Scorer) Evaluate() Snapshot {
	snap := s.Compute(s.src.Inputs())

	s.mu.Lock()
	s.latest = &snap
	var change *Change
	switch {
	case s.notified == nil:
		ref := snap
		s.notified = &ref
	case snap.Level != s.notified.Level && math.Abs(snap.Score-s.notified.Score) >= s.cfg.MinDelta:
		change = &Change{
			From:      s.notified.Level,
			To:        snap.Level,
			FromScore: s.notified.Score,
			Score:     snap.Score,
		}
		ref := snap
		s.notified = &ref
	}
	s.mu.Unlock()

	if change != nil {
		s.log.Info("connection quality changed",
			zap.String("from", string(change.From)),
			zap.String("to", string(change.To)),
			zap.Float64("score", change.Score),
		)
		if s.onChange != nil {
			s.onChange(*change)
		}
	}
	return snap
}

// Score returns the latest evaluated snapshot, or a freshly computed one
// when nothing was evaluated yet. It never notifies.
func (s *Scorer) Score() Snapshot {
	s.mu.Lock()
	latest := s.latest
	s.mu.Unlock()
	if latest != nil {
		return *latest
	}
	return s.Compute(s.src.Inputs())
}

// Start evaluates immediately and then every Interval until Stop.
func (s *Scorer) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	s.tick(gen)
}

func (s *Scorer) tick(gen uint64) {
	s.mu.Lock()
	if !s.running || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.Evaluate()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running && gen == s.gen {
		s.timer = s.clock.AfterFunc(s.cfg.Interval, func() { s.tick(gen) })
	}
}

// Stop cancels periodic evaluation.
func (s *Scorer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// goodness maps v onto [0,1]: 1 at or below the target, 0 at or above max.
func goodness(v float64, ref Reference) float64 {
	span := ref.Max - ref.Target
	if span <= 0 {
		if v <= ref.Target {
			return 1
		}
		return 0
	}
	return 1 - clamp01((v-ref.Target)/span)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
