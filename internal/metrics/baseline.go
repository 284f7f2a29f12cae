package metrics

import "sort"

// BaselineMode selects how a baseline rate is derived.
type BaselineMode string

const (
	BaselineMedian      BaselineMode = "median"
	BaselineTrimmedMean BaselineMode = "trimmedMean"
)

const (
	// DefaultMinBaseline keeps near-zero baselines from inflating spike factors.
	DefaultMinBaseline = 0.1
	// DefaultTrimCount is how many values are dropped from each end in
	// trimmed-mean mode.
	DefaultTrimCount = 1

	minTrimmedSamples = 5
)

// BaselineOptions configures ComputeBaseline. Zero values take the defaults.
type BaselineOptions struct {
	MinBaseline float64
	Mode        BaselineMode
	TrimCount   int
}

// BaselineResult is the outcome of ComputeBaseline.
type BaselineResult struct {
	Baseline float64      `yaml:"baseline"`
	ModeUsed BaselineMode `yaml:"mode_used"`
	// Floored is set when the computed value fell below MinBaseline and was
	// replaced.
	Floored bool `yaml:"floored"`
}

// ComputeBaseline derives a robust typical rate from rates. Non-positive
// rates are ignored. A result below MinBaseline is replaced by the smallest
// observed rate that reaches MinBaseline, or MinBaseline itself.
func ComputeBaseline(rates []float64, opts BaselineOptions) BaselineResult {
	if opts.MinBaseline <= 0 {
		opts.MinBaseline = DefaultMinBaseline
	}
	if opts.Mode != BaselineTrimmedMean {
		opts.Mode = BaselineMedian
	}
	if opts.TrimCount <= 0 {
		opts.TrimCount = DefaultTrimCount
	}

	values := make([]float64, 0, len(rates))
	for _, r := range rates {
		if r > 0 {
			values = append(values, r)
		}
	}
	sort.Float64s(values)

	res := BaselineResult{ModeUsed: opts.Mode}
	switch {
	case len(values) == 0:
		res.ModeUsed = BaselineMedian
	case opts.Mode == BaselineTrimmedMean && len(values) >= minTrimmedSamples && len(values) > 2*opts.TrimCount:
		res.Baseline = mean(values[opts.TrimCount : len(values)-opts.TrimCount])
	default:
		res.ModeUsed = BaselineMedian
		res.Baseline = median(values)
	}

	if res.Baseline < opts.MinBaseline {
		res.Floored = true
		res.Baseline = opts.MinBaseline
		for _, v := range values {
			if v >= opts.MinBaseline {
				res.Baseline = v
				break
			}
		}
	}
	return res
}

func median(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
