package metrics

import (
	"math"
	"sort"
	"time"
)

// Spike detection defaults.
const (
	DefaultFactorMin = 2.5
	DefaultRateMin   = 0.2
	DefaultTopN      = 5
	maxTopN          = 10
)

// SpikeOptions configures a SpikeDetector. Zero values take the defaults.
type SpikeOptions struct {
	FactorMin    float64      `mapstructure:"factor_min" yaml:"factor_min"`
	RateMin      float64      `mapstructure:"rate_min" yaml:"rate_min"`
	TopN         int          `mapstructure:"top_n" yaml:"top_n"`
	MinBaseline  float64      `mapstructure:"min_baseline" yaml:"min_baseline"`
	BaselineMode BaselineMode `mapstructure:"baseline_mode" yaml:"baseline_mode"`
}

// Or fills the zero fields of o from def.
func (o SpikeOptions) Or(def SpikeOptions) SpikeOptions {
	if o.FactorMin <= 0 {
		o.FactorMin = def.FactorMin
	}
	if o.RateMin <= 0 {
		o.RateMin = def.RateMin
	}
	if o.TopN <= 0 {
		o.TopN = def.TopN
	}
	if o.MinBaseline <= 0 {
		o.MinBaseline = def.MinBaseline
	}
	if o.BaselineMode == "" {
		o.BaselineMode = def.BaselineMode
	}
	return o
}

func (o SpikeOptions) withDefaults() SpikeOptions {
	if o.FactorMin <= 0 {
		o.FactorMin = DefaultFactorMin
	}
	if o.RateMin <= 0 {
		o.RateMin = DefaultRateMin
	}
	switch {
	case o.TopN <= 0:
		o.TopN = DefaultTopN
	case o.TopN > maxTopN:
		o.TopN = maxTopN
	}
	return o
}

// SpikeItem is one window or category currently above its baseline.
type SpikeItem struct {
	Key          string        `yaml:"key"`
	Category     Category      `yaml:"category,omitempty"`
	Window       time.Duration `yaml:"window"`
	Count        int           `yaml:"count"`
	Rate         float64       `yaml:"rate"`
	Baseline     float64       `yaml:"baseline"`
	Factor       float64       `yaml:"factor"`
	Streak       int           `yaml:"streak"`
	Sustained    bool          `yaml:"sustained"`
	Recovering   bool          `yaml:"recovering"`
	LastRecovery time.Time     `yaml:"last_recovery"`
}

// SpikeReport is the outcome of one detection pass.
type SpikeReport struct {
	BaselineWindow time.Duration `yaml:"baseline_window"`
	Baseline       float64       `yaml:"baseline"`
	ModeUsed       BaselineMode  `yaml:"mode_used"`
	Items          []SpikeItem   `yaml:"items"`
}

// SpikeDetector compares short-window rates against a robust baseline and
// tracks how long each spike lasts.
type SpikeDetector struct {
	tracker *SpikeStreakTracker
	opts    SpikeOptions
}

// NewSpikeDetector creates a detector feeding tracker.
func NewSpikeDetector(tracker *SpikeStreakTracker, opts SpikeOptions) *SpikeDetector {
	return &SpikeDetector{tracker: tracker, opts: opts.withDefaults()}
}

// Options returns the effective options.
func (d *SpikeDetector) Options() SpikeOptions {
	return d.opts
}

// Detect runs over the global window rates. The baseline is computed from
// every window's rate; the longest window is the baseline window and is
// never judged itself.
func (d *SpikeDetector) Detect(windows []WindowRate) SpikeReport {
	return d.DetectWith(windows, d.opts)
}

// DetectWith is Detect with per-call options.
func (d *SpikeDetector) DetectWith(windows []WindowRate, opts SpikeOptions) SpikeReport {
	opts = opts.withDefaults()
	if len(windows) == 0 {
		return SpikeReport{ModeUsed: BaselineMedian}
	}

	longest := windows[0]
	rates := make([]float64, 0, len(windows))
	for _, w := range windows {
		rates = append(rates, w.RatePerSec)
		if w.Window > longest.Window {
			longest = w
		}
	}
	base := ComputeBaseline(rates, BaselineOptions{MinBaseline: opts.MinBaseline, Mode: opts.BaselineMode})

	report := SpikeReport{
		BaselineWindow: longest.Window,
		Baseline:       base.Baseline,
		ModeUsed:       base.ModeUsed,
	}
	for _, w := range windows {
		if w.Window == longest.Window {
			continue
		}
		key := "window:" + w.Window.String()
		if item, ok := d.judge(key, w, base.Baseline, opts); ok {
			report.Items = append(report.Items, item)
		}
	}
	report.Items = rank(report.Items, opts.TopN)
	return report
}

// DetectCategories judges the shortest window of every category against a
// baseline derived from that category's own window rates.
func (d *SpikeDetector) DetectCategories(stats []CategoryStat) SpikeReport {
	return d.DetectCategoriesWith(stats, d.opts)
}

// DetectCategoriesWith is DetectCategories with per-call options.
func (d *SpikeDetector) DetectCategoriesWith(stats []CategoryStat, opts SpikeOptions) SpikeReport {
	opts = opts.withDefaults()
	report := SpikeReport{ModeUsed: opts.BaselineMode}
	if report.ModeUsed == "" {
		report.ModeUsed = BaselineMedian
	}

	for _, st := range stats {
		if len(st.Windows) == 0 {
			continue
		}
		shortest := st.Windows[0]
		rates := make([]float64, 0, len(st.Windows))
		for _, w := range st.Windows {
			rates = append(rates, w.RatePerSec)
			if w.Window < shortest.Window {
				shortest = w
			}
			if w.Window > report.BaselineWindow {
				report.BaselineWindow = w.Window
			}
		}
		base := ComputeBaseline(rates, BaselineOptions{MinBaseline: opts.MinBaseline, Mode: opts.BaselineMode})
		if item, ok := d.judge("category:"+string(st.Category), shortest, base.Baseline, opts); ok {
			item.Category = st.Category
			report.Items = append(report.Items, item)
		}
	}
	report.Items = rank(report.Items, opts.TopN)
	return report
}

// judge updates the streak for key and returns an item when w spikes.
func (d *SpikeDetector) judge(key string, w WindowRate, baseline float64, opts SpikeOptions) (SpikeItem, bool) {
	isSpike := false
	factor := 0.0
	if baseline > 0 && w.RatePerSec >= opts.RateMin {
		factor = math.Round(w.RatePerSec/baseline*100) / 100
		isSpike = factor >= opts.FactorMin
	}
	st := d.tracker.Update(key, isSpike)
	if !isSpike {
		return SpikeItem{}, false
	}
	return SpikeItem{
		Key:          key,
		Window:       w.Window,
		Count:        w.Count,
		Rate:         w.RatePerSec,
		Baseline:     baseline,
		Factor:       factor,
		Streak:       st.Streak,
		Sustained:    st.Sustained,
		Recovering:   st.Recovering,
		LastRecovery: st.LastRecovery,
	}, true
}

func rank(items []SpikeItem, topN int) []SpikeItem {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Factor != items[j].Factor {
			return items[i].Factor > items[j].Factor
		}
		return items[i].Window < items[j].Window
	})
	if len(items) > topN {
		items = items[:topN]
	}
	return items
}
