// Package metricsexporter publishes the diagnostic getters of a session as
// Prometheus metrics.
package metricsexporter

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/omochice/chatlink/internal/connection"
	"github.com/omochice/chatlink/internal/delivery"
	"github.com/omochice/chatlink/internal/metrics"
	"github.com/omochice/chatlink/internal/quality"
	"github.com/omochice/chatlink/internal/router"
	"github.com/omochice/chatlink/pkg/protocol"
)

const namespace = "chatlink"

// Source is the read side the exporter scrapes. *session.Session implements it.
type Source interface {
	ConnectionStats() connection.Stats
	ExportHeartbeatLatencyStats() metrics.LatencyStats
	ExportEventRates() []metrics.WindowRate
	ExportEventCategories() []metrics.CategoryStat
	Score() quality.Snapshot
	ExportHealthScore() quality.Health
	RouterStats() router.Stats
	QueueSnapshot() []delivery.PendingMessage
}

var (
	connectionStates = []connection.State{
		connection.StateDisconnected,
		connection.StateConnecting,
		connection.StateConnected,
		connection.StateReconnecting,
		connection.StateFailed,
	}
	qualityLevels = []quality.Level{
		quality.LevelExcellent,
		quality.LevelGood,
		quality.LevelFair,
		quality.LevelPoor,
		quality.LevelCritical,
	}
	deliveryStates = []delivery.State{
		delivery.StatePending,
		delivery.StateSending,
		delivery.StateFailed,
	}
	rttPercentiles = []string{"p50", "p90", "p99"}
)

// Exporter is a prometheus.Collector over a Source plus an RTT histogram fed
// by Observe.
type Exporter struct {
	src Source
	rtt prometheus.Histogram

	state             *prometheus.Desc
	connects          *prometheus.Desc
	reconnects        *prometheus.Desc
	reconnectFailures *prometheus.Desc
	reconnectAttempts *prometheus.Desc
	successRatio      *prometheus.Desc
	closes            *prometheus.Desc
	errors            *prometheus.Desc
	heartbeatsSent    *prometheus.Desc
	heartbeatsAcked   *prometheus.Desc
	heartbeatsLost    *prometheus.Desc
	heartbeatInterval *prometheus.Desc
	uptime            *prometheus.Desc

	rttPercentile *prometheus.Desc
	rttJitter     *prometheus.Desc
	rttSamples    *prometheus.Desc

	qualityScore *prometheus.Desc
	qualityLevel *prometheus.Desc
	healthScore  *prometheus.Desc
	healthPart   *prometheus.Desc

	eventRate   *prometheus.Desc
	eventsTotal *prometheus.Desc

	routed     *prometheus.Desc
	duplicates *prometheus.Desc
	unknown    *prometheus.Desc
	panics     *prometheus.Desc

	queue *prometheus.Desc
}

// New creates an Exporter. constLabels are attached to every metric, e.g.
// the session id.
func New(src Source, constLabels prometheus.Labels) *Exporter {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, constLabels)
	}
	return &Exporter{
		src: src,
		rtt: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "heartbeat_rtt_seconds",
			Help:        "Distribution of heartbeat round trip times.",
			Buckets:     prometheus.ExponentialBuckets(0.005, 2, 12),
			ConstLabels: constLabels,
		}),

		state:             desc("connection_state", "Current connection state, 1 for the active state.", "state"),
		connects:          desc("connects_total", "Successful transport opens."),
		reconnects:        desc("reconnects_total", "Successful reconnects."),
		reconnectFailures: desc("reconnect_failures_total", "Failed reconnect attempts."),
		reconnectAttempts: desc("reconnect_attempts_total", "Reconnect attempts started."),
		successRatio:      desc("reconnect_success_ratio", "Successful reconnects over reconnect attempts."),
		closes:            desc("closes_total", "Transport closes."),
		errors:            desc("errors_total", "Transport and codec errors."),
		heartbeatsSent:    desc("heartbeats_sent_total", "Heartbeat pings sent."),
		heartbeatsAcked:   desc("heartbeats_acked_total", "Heartbeat pings answered."),
		heartbeatsLost:    desc("heartbeats_lost_total", "Heartbeat pings that timed out."),
		heartbeatInterval: desc("heartbeat_interval_seconds", "Current heartbeat interval."),
		uptime:            desc("uptime_seconds", "Time since the connection manager was created."),

		rttPercentile: desc("heartbeat_rtt_percentile_seconds", "Heartbeat RTT percentiles over the sample ring.", "percentile"),
		rttJitter:     desc("heartbeat_jitter_seconds", "Heartbeat jitter (p90 minus p50)."),
		rttSamples:    desc("heartbeat_rtt_samples", "RTT samples held in the ring."),

		qualityScore: desc("quality_score", "Composite connection quality, 0 to 100."),
		qualityLevel: desc("quality_level", "Current quality level, 1 for the active level.", "level"),
		healthScore:  desc("health_score", "Composite health index, 0 to 100."),
		healthPart:   desc("health_subscore", "Health index sub-scores, 0 to 100.", "component"),

		eventRate:   desc("event_rate_per_second", "Event rate over a sliding window.", "window"),
		eventsTotal: desc("events_total", "Events observed per category.", "category"),

		routed:     desc("router_routed_total", "Events dispatched to handlers."),
		duplicates: desc("router_duplicates_total", "Duplicate message events dropped."),
		unknown:    desc("router_unknown_total", "Events of unknown type ignored."),
		panics:     desc("router_panics_total", "Panics recovered while routing."),

		queue: desc("delivery_queue", "Outgoing messages awaiting confirmation per state.", "state"),
	}
}

// Describe implements prometheus.Collector.
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	e.rtt.Describe(ch)
	for _, d := range []*prometheus.Desc{
		e.state, e.connects, e.reconnects, e.reconnectFailures, e.reconnectAttempts, e.successRatio, e.closes, e.errors,
		e.heartbeatsSent, e.heartbeatsAcked, e.heartbeatsLost, e.heartbeatInterval, e.uptime,
		e.rttPercentile, e.rttJitter, e.rttSamples,
		e.qualityScore, e.qualityLevel, e.healthScore, e.healthPart,
		e.eventRate, e.eventsTotal,
		e.routed, e.duplicates, e.unknown, e.panics,
		e.queue,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	e.rtt.Collect(ch)

	conn := e.src.ConnectionStats()
	for _, s := range connectionStates {
		ch <- prometheus.MustNewConstMetric(e.state, prometheus.GaugeValue, boolValue(conn.State == s), s.String())
	}
	counter := func(d *prometheus.Desc, v int64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	counter(e.connects, conn.Connects)
	counter(e.reconnects, conn.Reconnects)
	counter(e.reconnectFailures, conn.ReconnectFailures)
	counter(e.reconnectAttempts, conn.ReconnectAttempts)
	ch <- prometheus.MustNewConstMetric(e.successRatio, prometheus.GaugeValue, conn.SuccessRate)
	counter(e.closes, conn.Closes)
	counter(e.errors, conn.Errors)
	counter(e.heartbeatsSent, conn.HeartbeatsSent)
	counter(e.heartbeatsAcked, conn.HeartbeatsAcked)
	counter(e.heartbeatsLost, conn.HeartbeatsLost)
	ch <- prometheus.MustNewConstMetric(e.heartbeatInterval, prometheus.GaugeValue, conn.HeartbeatInterval.Seconds())
	ch <- prometheus.MustNewConstMetric(e.uptime, prometheus.GaugeValue, conn.Uptime.Seconds())

	lat := e.src.ExportHeartbeatLatencyStats()
	for i, v := range []int{lat.P50, lat.P90, lat.P99} {
		ch <- prometheus.MustNewConstMetric(e.rttPercentile, prometheus.GaugeValue, msToSeconds(v), rttPercentiles[i])
	}
	ch <- prometheus.MustNewConstMetric(e.rttJitter, prometheus.GaugeValue, msToSeconds(lat.Jitter))
	ch <- prometheus.MustNewConstMetric(e.rttSamples, prometheus.GaugeValue, float64(lat.Count))

	snap := e.src.Score()
	ch <- prometheus.MustNewConstMetric(e.qualityScore, prometheus.GaugeValue, snap.Score)
	for _, l := range qualityLevels {
		ch <- prometheus.MustNewConstMetric(e.qualityLevel, prometheus.GaugeValue, boolValue(snap.Level == l), string(l))
	}

	health := e.src.ExportHealthScore()
	ch <- prometheus.MustNewConstMetric(e.healthScore, prometheus.GaugeValue, health.Score)
	b := health.Breakdown
	for _, part := range []struct {
		name  string
		value float64
	}{
		{"reconnect", b.Reconnect},
		{"heartbeat", b.Heartbeat},
		{"spikes_global", b.SpikesGlobal},
		{"spikes_category", b.SpikesCategory},
		{"recovery", b.Recovery},
	} {
		ch <- prometheus.MustNewConstMetric(e.healthPart, prometheus.GaugeValue, part.value, part.name)
	}

	for _, w := range e.src.ExportEventRates() {
		ch <- prometheus.MustNewConstMetric(e.eventRate, prometheus.GaugeValue, w.RatePerSec, w.Window.String())
	}
	for _, c := range e.src.ExportEventCategories() {
		ch <- prometheus.MustNewConstMetric(e.eventsTotal, prometheus.CounterValue, float64(c.Total), string(c.Category))
	}

	rs := e.src.RouterStats()
	counter(e.routed, rs.Routed)
	counter(e.duplicates, rs.Duplicates)
	counter(e.unknown, rs.Unknown)
	counter(e.panics, rs.Panics)

	counts := make(map[delivery.State]int, len(deliveryStates))
	for _, m := range e.src.QueueSnapshot() {
		counts[m.State]++
	}
	for _, s := range deliveryStates {
		ch <- prometheus.MustNewConstMetric(e.queue, prometheus.GaugeValue, float64(counts[s]), s.String())
	}
}

// Observe feeds heartbeat acks into the RTT histogram. It is a router.Handler.
func (e *Exporter) Observe(r router.Routed) {
	if r.Type != protocol.TypeHeartbeatAck {
		return
	}
	rtt, ok := protocol.Number(r.Payload, "rtt_ms")
	if !ok || rtt < 0 {
		return
	}
	e.rtt.Observe(rtt / 1000)
}

func msToSeconds(ms int) float64 {
	return float64(ms) / 1000
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Server serves /metrics for one registry.
type Server struct {
	srv *http.Server
	ln  net.Listener
	log *zap.Logger
}

// NewServer creates a Server for reg on addr.
func NewServer(addr string, reg *prometheus.Registry, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return &Server{
		srv: &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		log: logger,
	}
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.log.Info("metrics endpoint listening", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("metrics server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.srv.Addr
	}
	return s.ln.Addr().String()
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
