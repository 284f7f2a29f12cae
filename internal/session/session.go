// Package session owns one chat connection together with its delivery
// channel, router, metrics collectors and quality scorer, and exposes the
// diagnostic getters over them.
package session

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/omochice/chatlink/internal/clock"
	"github.com/omochice/chatlink/internal/connection"
	"github.com/omochice/chatlink/internal/delivery"
	"github.com/omochice/chatlink/internal/metrics"
	"github.com/omochice/chatlink/internal/notify"
	"github.com/omochice/chatlink/internal/quality"
	"github.com/omochice/chatlink/internal/router"
	"github.com/omochice/chatlink/internal/transport"
	"github.com/omochice/chatlink/pkg/protocol"
)

// Options carries the collaborators of a Session. Every field is optional.
type Options struct {
	Clock  clock.Clock
	Logger *zap.Logger
}

// Session is the top-level owner of every component of one chat connection.
type Session struct {
	id    string
	cfg   Config
	clock clock.Clock
	log   *zap.Logger

	hub        *notify.Hub
	latency    *metrics.LatencyRing
	rates      *metrics.RateWindowTracker
	categories *metrics.CategoryTracker
	streaks    *metrics.SpikeStreakTracker
	spikes     *spikeSampler

	conn     *connection.Manager
	delivery *delivery.Channel
	router   *router.Router
	scorer   *quality.Scorer
}

// New wires a Session on top of dialer. Nothing is dialed until Start.
func New(dialer transport.Dialer, cfg Config, opts Options) *Session {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	id := uuid.NewString()
	log := opts.Logger.With(zap.String("session", id))

	s := &Session{
		id:    id,
		cfg:   cfg,
		clock: opts.Clock,
		log:   log,
		hub:   notify.NewHub(log.Named("notify")),
	}

	s.latency = metrics.NewLatencyRing(cfg.Metrics.LatencyCapacity)
	s.rates = metrics.NewRateWindowTracker(s.clock, cfg.Metrics.Windows...)
	s.categories = metrics.NewCategoryTracker(s.clock, cfg.Metrics.Windows...)
	s.streaks = metrics.NewSpikeStreakTracker(s.clock, cfg.Spikes.SustainMin, cfg.Spikes.RecoveryWindow)
	spikeInterval := cfg.Spikes.Interval
	if spikeInterval <= 0 {
		spikeInterval = DefaultSpikeInterval
	}
	s.spikes = &spikeSampler{
		clock:    s.clock,
		detector: metrics.NewSpikeDetector(s.streaks, cfg.Spikes.SpikeOptions),
		rates:    s.rates,
		cats:     s.categories,
		interval: spikeInterval,
	}

	s.conn = connection.NewManager(dialer, cfg.Connection, cfg.Heartbeat, connection.Options{
		Clock:   s.clock,
		Logger:  log.Named("connection"),
		Sink:    func(env protocol.Envelope) { s.router.Route(env) },
		Latency: s.latency,
		OnState: func(c connection.StateChange) {
			s.publish(notify.KindConnectionState, c)
		},
	})
	s.delivery = delivery.NewChannel(s.conn, cfg.Delivery, delivery.Options{
		Clock:  s.clock,
		Logger: log.Named("delivery"),
		OnChange: func(c delivery.Change) {
			s.publish(notify.KindDeliveryState, c)
		},
	})
	s.router = router.New(cfg.Router, router.Options{
		Logger:     log.Named("router"),
		Rates:      s.rates,
		Categories: s.categories,
		Latency:    s.latency,
		Delivery:   s.delivery,
	})
	s.router.Handle(protocol.TypeOpen, func(router.Routed) {
		s.delivery.RetransmitUnsent()
	})
	s.scorer = quality.NewScorer(quality.SourceFunc(s.qualityInputs), cfg.Quality, quality.Options{
		Clock:  s.clock,
		Logger: log.Named("quality"),
		OnChange: func(c quality.Change) {
			s.publish(notify.KindQualityLevel, c)
		},
	})
	return s
}

// ID returns the random session id.
func (s *Session) ID() string {
	return s.id
}

// Start begins quality evaluation and spike sampling, and connects. A failed first dial is
// returned but reconnection is already scheduled.
func (s *Session) Start(ctx context.Context) error {
	s.scorer.Start()
	s.spikes.start()
	return s.conn.Connect(ctx)
}

// Connect restarts a session whose connection gave up.
func (s *Session) Connect(ctx context.Context) error {
	return s.conn.Connect(ctx)
}

// Close stops everything and closes every subscriber.
func (s *Session) Close() error {
	s.scorer.Stop()
	s.spikes.stop()
	err := s.conn.Close()
	s.hub.Close()
	return err
}

// ReadyState returns the connection state.
func (s *Session) ReadyState() connection.State {
	return s.conn.ReadyState()
}

// Send writes a raw envelope. It reports false when it could not be written.
func (s *Session) Send(env protocol.Envelope) bool {
	return s.conn.Send(env)
}

// SendText sends a chat message to the current conversation and returns its
// temp id, or "" for blank content.
func (s *Session) SendText(content string) string {
	return s.delivery.SendText(content)
}

// SendTextTo sends a chat message to a given conversation.
func (s *Session) SendTextTo(conversationID, content string) string {
	return s.delivery.SendTextTo(conversationID, content)
}

// SetConversation changes the conversation used by SendText.
func (s *Session) SetConversation(id string) {
	s.delivery.SetConversation(id)
}

// ResendFailed resends one failed message.
func (s *Session) ResendFailed(tempID string) bool {
	return s.delivery.ResendFailed(tempID)
}

// ResendAllFailed resends every failed message.
func (s *Session) ResendAllFailed() int {
	return s.delivery.ResendAllFailed()
}

// Cancel abandons an in-flight message.
func (s *Session) Cancel(tempID string) bool {
	return s.delivery.Cancel(tempID)
}

// Discard drops a failed message.
func (s *Session) Discard(tempID string) bool {
	return s.delivery.Discard(tempID)
}

// QueueSnapshot returns the tracked outgoing messages, oldest first.
func (s *Session) QueueSnapshot() []delivery.PendingMessage {
	return s.delivery.QueueSnapshot()
}

// RouteAll routes envelopes obtained out of band, such as a history page,
// through the same deduplication and reconciliation as live frames. It
// returns how many reached the handlers.
func (s *Session) RouteAll(envs []protocol.Envelope) int {
	return s.router.RouteAll(envs)
}

// Handle registers a handler for one routed event type.
func (s *Session) Handle(typ string, h router.Handler) {
	s.router.Handle(typ, h)
}

// HandleAny registers a handler for every routed event.
func (s *Session) HandleAny(h router.Handler) {
	s.router.HandleAny(h)
}

// Subscribe registers for connection, delivery and quality notifications.
func (s *Session) Subscribe(buffer int) *notify.Subscriber {
	return s.hub.Subscribe(buffer)
}

// Unsubscribe removes sub.
func (s *Session) Unsubscribe(sub *notify.Subscriber) {
	s.hub.Unsubscribe(sub)
}

func (s *Session) publish(kind notify.Kind, payload any) {
	s.hub.Publish(notify.Notification{Kind: kind, At: s.clock.Now(), Payload: payload})
}

func (s *Session) qualityInputs() quality.Inputs {
	st := s.conn.Stats()
	return quality.InputsFrom(s.latency.Percentiles(), quality.Counters{
		HeartbeatsSent: st.HeartbeatsSent,
		HeartbeatsLost: st.HeartbeatsLost,
		Reconnects:     st.Reconnects,
		Errors:         st.Errors,
	}, st.Uptime)
}

// RecoveryStats summarizes spike recoveries inside horizon.
func (s *Session) RecoveryStats(horizon time.Duration) metrics.RecoveryStats {
	return s.streaks.RecoveryStats(horizon)
}

// RecoveryTimeline lists spike recoveries inside horizon.
func (s *Session) RecoveryTimeline(horizon time.Duration) []metrics.RecoveryPoint {
	return s.streaks.RecoveryTimeline(horizon)
}
