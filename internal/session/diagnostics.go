package session

import (
	"time"

	"github.com/omochice/chatlink/internal/connection"
	"github.com/omochice/chatlink/internal/delivery"
	"github.com/omochice/chatlink/internal/metrics"
	"github.com/omochice/chatlink/internal/quality"
	"github.com/omochice/chatlink/internal/router"
)

// ExportHeartbeatLatencyStats returns the heartbeat RTT distribution.
func (s *Session) ExportHeartbeatLatencyStats() metrics.LatencyStats {
	return s.latency.Percentiles()
}

// ExportEventRates returns the event rate of every window.
func (s *Session) ExportEventRates() []metrics.WindowRate {
	return s.rates.Export()
}

// ExportEventCategories returns the per-category counters and rates.
func (s *Session) ExportEventCategories() []metrics.CategoryStat {
	return s.categories.Export()
}

// ExportEventSpikes returns the latest global spike report: windows whose
// rate spikes above the baseline of all windows. Reports are refreshed every
// Spikes.Interval after Start; reading them changes nothing.
func (s *Session) ExportEventSpikes() metrics.SpikeReport {
	events, _ := s.spikes.latest()
	return events
}

// ExportEventCategorySpikes returns the latest category spike report:
// categories whose short-window rate spikes above their own baseline.
func (s *Session) ExportEventCategorySpikes() metrics.SpikeReport {
	_, categories := s.spikes.latest()
	return categories
}

// Score returns the latest quality snapshot.
func (s *Session) Score() quality.Snapshot {
	return s.scorer.Score()
}

// ExportHealthScore combines reconnect reliability, heartbeat latency, the
// latest spike reports and recent recoveries into one health index.
func (s *Session) ExportHealthScore() quality.Health {
	events, categories := s.spikes.latest()
	return s.health(s.conn.Stats(), events, categories, s.RecoveryStats(s.recoveryHorizon()))
}

func (s *Session) health(st connection.Stats, events, categories metrics.SpikeReport, rec metrics.RecoveryStats) quality.Health {
	return quality.HealthScore(quality.HealthInputs{
		SuccessRate:      st.SuccessRate,
		FailureStreak:    st.FailureStreak,
		MaxFailureStreak: st.MaxFailureStreak,
		Latency:          s.latency.Percentiles(),
		EventSpikes:      events,
		CategorySpikes:   categories,
		Recovery:         rec,
	}, s.cfg.Health.Weights)
}

func (s *Session) recoveryHorizon() time.Duration {
	if h := s.cfg.Health.RecoveryHorizon; h > 0 {
		return h
	}
	return quality.DefaultRecoveryHorizon
}

// ConnectionStats returns the connection counters.
func (s *Session) ConnectionStats() connection.Stats {
	return s.conn.Stats()
}

// RouterStats returns the router counters.
func (s *Session) RouterStats() router.Stats {
	return s.router.Stats()
}

// Diagnostics aggregates every diagnostic getter.
type Diagnostics struct {
	SessionID            string                    `yaml:"session_id"`
	At                   time.Time                 `yaml:"at"`
	Connection           connection.Stats          `yaml:"connection"`
	Latency              metrics.LatencyStats      `yaml:"latency"`
	Quality              quality.Snapshot          `yaml:"quality"`
	Health               quality.Health            `yaml:"health"`
	Rates                []metrics.WindowRate      `yaml:"rates"`
	Categories           []metrics.CategoryStat    `yaml:"categories"`
	EventSpikes          metrics.SpikeReport       `yaml:"event_spikes"`
	CategorySpikes       metrics.SpikeReport       `yaml:"category_spikes"`
	Recovery             metrics.RecoveryStats     `yaml:"recovery"`
	Router               router.Stats              `yaml:"router"`
	Queue                []delivery.PendingMessage `yaml:"queue"`
	Subscribers          int                       `yaml:"subscribers"`
	NotificationsDropped uint64                    `yaml:"notifications_dropped"`
}

// Diagnostics takes a snapshot of every collector.
func (s *Session) Diagnostics() Diagnostics {
	conn := s.ConnectionStats()
	events, categories := s.spikes.latest()
	recovery := s.RecoveryStats(s.recoveryHorizon())
	return Diagnostics{
		SessionID:            s.id,
		At:                   s.clock.Now(),
		Connection:           conn,
		Latency:              s.ExportHeartbeatLatencyStats(),
		Quality:              s.Score(),
		Health:               s.health(conn, events, categories, recovery),
		Rates:                s.ExportEventRates(),
		Categories:           s.ExportEventCategories(),
		EventSpikes:          events,
		CategorySpikes:       categories,
		Recovery:             recovery,
		Router:               s.RouterStats(),
		Queue:                s.QueueSnapshot(),
		Subscribers:          s.hub.SubscriberCount(),
		NotificationsDropped: s.hub.Dropped(),
	}
}
