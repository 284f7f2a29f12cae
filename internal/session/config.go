package session

import (
	"time"

	"github.com/omochice/chatlink/internal/connection"
	"github.com/omochice/chatlink/internal/delivery"
	"github.com/omochice/chatlink/internal/metrics"
	"github.com/omochice/chatlink/internal/quality"
	"github.com/omochice/chatlink/internal/router"
)

// DefaultSpikeInterval is the default spike detection cadence.
const DefaultSpikeInterval = 3 * time.Second

// MetricsConfig configures the rate and latency collectors.
type MetricsConfig struct {
	Windows         []time.Duration `mapstructure:"windows" yaml:"windows"`
	LatencyCapacity int             `mapstructure:"latency_capacity" yaml:"latency_capacity"`
}

// SpikesConfig configures spike detection and streak tracking.
type SpikesConfig struct {
	metrics.SpikeOptions `mapstructure:",squash" yaml:",inline"`
	SustainMin           int           `mapstructure:"sustain_min" yaml:"sustain_min"`
	RecoveryWindow       time.Duration `mapstructure:"recovery_window" yaml:"recovery_window"`
	// Interval is the detection cadence; each pass is one streak tick.
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

// Config gathers the configuration of every component of a session.
type Config struct {
	Connection connection.Config          `mapstructure:"connection" yaml:"connection"`
	Heartbeat  connection.HeartbeatConfig `mapstructure:"heartbeat" yaml:"heartbeat"`
	Delivery   delivery.Config            `mapstructure:"delivery" yaml:"delivery"`
	Router     router.Config              `mapstructure:"router" yaml:"router"`
	Metrics    MetricsConfig              `mapstructure:"metrics" yaml:"metrics"`
	Spikes     SpikesConfig               `mapstructure:"spikes" yaml:"spikes"`
	Quality    quality.Config             `mapstructure:"quality" yaml:"quality"`
	Health     quality.HealthConfig       `mapstructure:"health" yaml:"health"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Connection: connection.DefaultConfig(),
		Heartbeat:  connection.DefaultHeartbeatConfig(),
		Delivery:   delivery.DefaultConfig(),
		Router:     router.DefaultConfig(),
		Metrics: MetricsConfig{
			Windows:         append([]time.Duration(nil), metrics.DefaultWindows...),
			LatencyCapacity: metrics.DefaultLatencyCapacity,
		},
		Spikes: SpikesConfig{
			SpikeOptions: metrics.SpikeOptions{
				FactorMin:    metrics.DefaultFactorMin,
				RateMin:      metrics.DefaultRateMin,
				TopN:         metrics.DefaultTopN,
				MinBaseline:  metrics.DefaultMinBaseline,
				BaselineMode: metrics.BaselineMedian,
			},
			SustainMin:     metrics.DefaultSustainMin,
			RecoveryWindow: metrics.DefaultRecoveryWindow,
			Interval:       DefaultSpikeInterval,
		},
		Quality: quality.DefaultConfig(),
		Health:  quality.DefaultHealthConfig(),
	}
}
