// Package config loads the chatlink configuration from defaults, an optional
// YAML file, CHATLINK_* environment variables and command line flags.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/omochice/chatlink/internal/logging"
	"github.com/omochice/chatlink/internal/metrics"
	"github.com/omochice/chatlink/internal/session"
	"github.com/omochice/chatlink/internal/transport"
	"github.com/omochice/chatlink/internal/transport/coderws"
	"github.com/omochice/chatlink/internal/transport/ws"
)

// EnvPrefix prefixes every environment override, e.g. CHATLINK_CONNECTION_URL.
const EnvPrefix = "CHATLINK"

// Transport kinds.
const (
	TransportGobwas = "gobwas"
	TransportCoder  = "coder"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// TransportConfig selects the websocket client implementation.
type TransportConfig struct {
	Kind string `mapstructure:"kind" yaml:"kind"`
}

// ExporterConfig configures the Prometheus endpoint. An empty Addr disables it.
type ExporterConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// ServerConfig configures the echo server.
type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// Config is the whole configuration surface.
type Config struct {
	session.Config `mapstructure:",squash" yaml:",inline"`

	Log       logging.Config  `mapstructure:"log" yaml:"log"`
	Transport TransportConfig `mapstructure:"transport" yaml:"transport"`
	Exporter  ExporterConfig  `mapstructure:"exporter" yaml:"exporter"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Config:    session.DefaultConfig(),
		Log:       logging.DefaultConfig(),
		Transport: TransportConfig{Kind: TransportGobwas},
		Server:    ServerConfig{Addr: ":8080"},
	}
}

// Flag names bound by BindFlags.
const (
	FlagConfig       = "config"
	FlagURL          = "url"
	FlagConversation = "conversation"
	FlagTransport    = "transport"
	FlagLogLevel     = "log-level"
	FlagLogFormat    = "log-format"
	FlagMetricsAddr  = "metrics-addr"
	FlagListen       = "listen"
)

var flagKeys = map[string]string{
	FlagURL:          "connection.url",
	FlagConversation: "delivery.conversation_id",
	FlagTransport:    "transport.kind",
	FlagLogLevel:     "log.level",
	FlagLogFormat:    "log.format",
	FlagMetricsAddr:  "exporter.addr",
	FlagListen:       "server.addr",
}

// BindFlags registers the configuration flags on fs.
func BindFlags(fs *pflag.FlagSet) {
	def := Default()
	fs.String(FlagConfig, "", "path to a YAML configuration file")
	fs.String(FlagURL, def.Connection.URL, "websocket URL to connect to")
	fs.String(FlagConversation, def.Delivery.ConversationID, "conversation id used for outgoing messages")
	fs.String(FlagTransport, def.Transport.Kind, "websocket client implementation (gobwas or coder)")
	fs.String(FlagLogLevel, def.Log.Level, "log level (debug, info, warn, error)")
	fs.String(FlagLogFormat, def.Log.Format, "log format (console or json)")
	fs.String(FlagMetricsAddr, def.Exporter.Addr, "address of the Prometheus endpoint, empty to disable")
	fs.String(FlagListen, def.Server.Addr, "listen address of the echo server")
}

// Load resolves the configuration. path may be empty; when flags is non-nil
// the --config flag overrides path and every flag registered by BindFlags
// that the user set wins over file and environment.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	defaults, err := Default().YAML()
	if err != nil {
		return Config{}, err
	}
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, fmt.Errorf("failed to load defaults: %w", err)
	}

	if flags != nil {
		if f := flags.Lookup(FlagConfig); f != nil && f.Changed {
			path = f.Value.String()
		}
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return Config{}, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// YAML renders the configuration.
func (c Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return out, nil
}

// Validate reports every problem at once, wrapped in ErrInvalid.
func (c Config) Validate() error {
	var problems []string
	positive := func(name string, d time.Duration) {
		if d <= 0 {
			problems = append(problems, fmt.Sprintf("%s must be positive, got %s", name, d))
		}
	}
	atLeastOne := func(name string, n int) {
		if n < 1 {
			problems = append(problems, fmt.Sprintf("%s must be at least 1, got %d", name, n))
		}
	}

	if u := c.Connection.URL; u != "" {
		parsed, err := url.Parse(u)
		if err != nil || (parsed.Scheme != "ws" && parsed.Scheme != "wss") {
			problems = append(problems, fmt.Sprintf("connection.url must be a ws:// or wss:// URL, got %q", u))
		}
	}
	positive("connection.dial_timeout", c.Connection.DialTimeout)
	positive("connection.write_timeout", c.Connection.WriteTimeout)
	positive("connection.reconnect_base", c.Connection.ReconnectBase)
	positive("connection.reconnect_max", c.Connection.ReconnectMax)
	if c.Connection.ReconnectBase > c.Connection.ReconnectMax {
		problems = append(problems, "connection.reconnect_base must not exceed connection.reconnect_max")
	}
	if c.Connection.ReconnectFactor < 1 {
		problems = append(problems, "connection.reconnect_factor must be at least 1")
	}
	if c.Connection.MaxReconnectAttempts < 0 {
		problems = append(problems, "connection.max_reconnect_attempts must not be negative")
	}

	positive("heartbeat.interval", c.Heartbeat.Interval)
	positive("heartbeat.timeout", c.Heartbeat.Timeout)
	if c.Heartbeat.Adaptive && c.Heartbeat.MinInterval > c.Heartbeat.MaxInterval {
		problems = append(problems, "heartbeat.min_interval must not exceed heartbeat.max_interval")
	}

	positive("delivery.ack_timeout", c.Delivery.AckTimeout)
	positive("delivery.match_window", c.Delivery.MatchWindow)
	atLeastOne("delivery.max_retries", c.Delivery.MaxRetries)
	atLeastOne("delivery.confirmed_capacity", c.Delivery.ConfirmedCapacity)

	atLeastOne("router.recent_capacity", c.Router.RecentCapacity)

	if len(c.Metrics.Windows) == 0 {
		problems = append(problems, "metrics.windows must not be empty")
	}
	for _, w := range c.Metrics.Windows {
		positive("metrics.windows", w)
	}
	atLeastOne("metrics.latency_capacity", c.Metrics.LatencyCapacity)

	atLeastOne("spikes.sustain_min", c.Spikes.SustainMin)
	positive("spikes.recovery_window", c.Spikes.RecoveryWindow)
	positive("spikes.interval", c.Spikes.Interval)
	switch c.Spikes.BaselineMode {
	case "", metrics.BaselineMedian, metrics.BaselineTrimmedMean:
	default:
		problems = append(problems, fmt.Sprintf("spikes.baseline_mode %q is not supported", c.Spikes.BaselineMode))
	}

	positive("quality.interval", c.Quality.Interval)
	if c.Quality.Weights.Sum() <= 0 {
		problems = append(problems, "quality.weights must sum to a positive value")
	}
	th := c.Quality.Thresholds
	if !(th.Excellent > th.Good && th.Good > th.Fair && th.Fair > th.Poor) {
		problems = append(problems, "quality.thresholds must strictly descend from excellent to poor")
	}

	if c.Health.Weights.Sum() <= 0 {
		problems = append(problems, "health.weights must sum to a positive value")
	}
	positive("health.recovery_horizon", c.Health.RecoveryHorizon)

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		problems = append(problems, err.Error())
	}
	switch c.Log.Format {
	case logging.FormatConsole, logging.FormatJSON:
	default:
		problems = append(problems, fmt.Sprintf("log.format %q is not supported", c.Log.Format))
	}
	switch c.Transport.Kind {
	case TransportGobwas, TransportCoder:
	default:
		problems = append(problems, fmt.Sprintf("transport.kind %q is not supported", c.Transport.Kind))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// Dialer returns the websocket client selected by Transport.Kind.
func (c Config) Dialer() transport.Dialer {
	if c.Transport.Kind == TransportCoder {
		return coderws.Dialer{}
	}
	return ws.Dialer{Timeout: c.Connection.DialTimeout}
}
