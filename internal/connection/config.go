package connection

import "time"

// Defaults.
const (
	DefaultReconnectBase        = 3 * time.Second
	DefaultReconnectMax         = 15 * time.Second
	DefaultReconnectFactor      = 1.5
	DefaultMaxReconnectAttempts = 10
	DefaultDialTimeout          = 10 * time.Second
	DefaultWriteTimeout         = 5 * time.Second

	DefaultHeartbeatInterval    = 25 * time.Second
	DefaultHeartbeatTimeout     = 10 * time.Second
	DefaultMaxMissedHeartbeats  = 3
	DefaultHeartbeatMinInterval = 10 * time.Second
	DefaultHeartbeatMaxInterval = 60 * time.Second
)

// Config configures dialing and reconnecting.
type Config struct {
	URL          string        `mapstructure:"url" yaml:"url"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`

	ReconnectBase   time.Duration `mapstructure:"reconnect_base" yaml:"reconnect_base"`
	ReconnectMax    time.Duration `mapstructure:"reconnect_max" yaml:"reconnect_max"`
	ReconnectFactor float64       `mapstructure:"reconnect_factor" yaml:"reconnect_factor"`
	// MaxReconnectAttempts is the number of consecutive failed reconnects
	// after which the manager gives up and enters StateFailed. Zero means
	// unlimited.
	MaxReconnectAttempts int `mapstructure:"max_reconnect_attempts" yaml:"max_reconnect_attempts"`
}

// DefaultConfig returns the default dialing configuration.
func DefaultConfig() Config {
	return Config{
		DialTimeout:          DefaultDialTimeout,
		WriteTimeout:         DefaultWriteTimeout,
		ReconnectBase:        DefaultReconnectBase,
		ReconnectMax:         DefaultReconnectMax,
		ReconnectFactor:      DefaultReconnectFactor,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
	}
}

// HeartbeatConfig configures liveness pings and the adaptive interval.
type HeartbeatConfig struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	// Timeout is how long a ping may stay unanswered before it is lost.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// MaxMissed consecutive lost pings force-close the transport. Zero
	// disables the check.
	MaxMissed int `mapstructure:"max_missed" yaml:"max_missed"`

	Adaptive       bool          `mapstructure:"adaptive" yaml:"adaptive"`
	MinInterval    time.Duration `mapstructure:"min_interval" yaml:"min_interval"`
	MaxInterval    time.Duration `mapstructure:"max_interval" yaml:"max_interval"`
	WidenFactor    float64       `mapstructure:"widen_factor" yaml:"widen_factor"`
	NarrowFactor   float64       `mapstructure:"narrow_factor" yaml:"narrow_factor"`
	MinSamples     int           `mapstructure:"min_samples" yaml:"min_samples"`
	StableJitterMs int           `mapstructure:"stable_jitter_ms" yaml:"stable_jitter_ms"`
	StableP90Ms    int           `mapstructure:"stable_p90_ms" yaml:"stable_p90_ms"`
	WarnJitterMs   int           `mapstructure:"warn_jitter_ms" yaml:"warn_jitter_ms"`
}

// DefaultHeartbeatConfig returns the default heartbeat configuration.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval:       DefaultHeartbeatInterval,
		Timeout:        DefaultHeartbeatTimeout,
		MaxMissed:      DefaultMaxMissedHeartbeats,
		Adaptive:       true,
		MinInterval:    DefaultHeartbeatMinInterval,
		MaxInterval:    DefaultHeartbeatMaxInterval,
		WidenFactor:    1.5,
		NarrowFactor:   0.5,
		MinSamples:     5,
		StableJitterMs: 50,
		StableP90Ms:    300,
		WarnJitterMs:   150,
	}
}

func (h HeartbeatConfig) withDefaults() HeartbeatConfig {
	def := DefaultHeartbeatConfig()
	if h.Interval <= 0 {
		h.Interval = def.Interval
	}
	if h.Timeout <= 0 {
		h.Timeout = def.Timeout
	}
	if h.MinInterval <= 0 {
		h.MinInterval = def.MinInterval
	}
	if h.MaxInterval < h.MinInterval {
		h.MaxInterval = def.MaxInterval
	}
	if h.WidenFactor <= 1 {
		h.WidenFactor = def.WidenFactor
	}
	if h.NarrowFactor <= 0 || h.NarrowFactor >= 1 {
		h.NarrowFactor = def.NarrowFactor
	}
	if h.MinSamples <= 0 {
		h.MinSamples = def.MinSamples
	}
	if h.StableJitterMs <= 0 {
		h.StableJitterMs = def.StableJitterMs
	}
	if h.StableP90Ms <= 0 {
		h.StableP90Ms = def.StableP90Ms
	}
	if h.WarnJitterMs <= 0 {
		h.WarnJitterMs = def.WarnJitterMs
	}
	return h
}
