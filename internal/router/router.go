// Package router is the single dispatch point for inbound events: it
// normalizes envelopes, drops duplicate messages, feeds the metrics
// collectors and the delivery channel, and hands events to handlers.
package router

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/omochice/chatlink/internal/metrics"
	"github.com/omochice/chatlink/internal/recent"
	"github.com/omochice/chatlink/pkg/protocol"
)

const (
	DefaultRecentCapacity = 50
	// keyContentPrefix is how much content goes into a message key.
	keyContentPrefix = 32
)

// Config configures a Router.
type Config struct {
	// RecentCapacity is the number of message keys remembered for dedup.
	RecentCapacity int `mapstructure:"recent_capacity" yaml:"recent_capacity"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{RecentCapacity: DefaultRecentCapacity}
}

// RateRecorder counts events over sliding windows.
type RateRecorder interface {
	Record()
}

// CategoryRecorder counts events per category.
type CategoryRecorder interface {
	Record(c metrics.Category)
}

// LatencySink stores heartbeat round trips; false means the sample was rejected.
type LatencySink interface {
	Push(rttMs int) bool
}

// Reconciler matches inbound chat messages against outgoing ones.
type Reconciler interface {
	MarkServerMessage(msg protocol.ChatMessage) bool
}

// Options carries the collaborators of a Router. Every field is optional.
type Options struct {
	Logger     *zap.Logger
	Rates      RateRecorder
	Categories CategoryRecorder
	Latency    LatencySink
	Delivery   Reconciler
}

// Routed is what handlers receive.
type Routed struct {
	protocol.Event
	// Message is set for message-class events with a parsable payload.
	Message    protocol.ChatMessage
	HasMessage bool
	// Confirmed reports that Message confirms one of our own sends.
	Confirmed bool
}

// Handler handles a routed event.
type Handler func(Routed)

// Stats are the router counters.
type Stats struct {
	Recent         int   `yaml:"recent"`
	Routed         int64 `yaml:"routed"`
	Duplicates     int64 `yaml:"duplicates"`
	Unknown        int64 `yaml:"unknown"`
	Panics         int64 `yaml:"panics"`
	InvalidSamples int64 `yaml:"invalid_samples"`
}

var knownTypes = func() map[string]bool {
	types := []string{
		protocol.TypePing,
		protocol.TypePong,
		protocol.TypeMessage,
		protocol.TypeTyping,
		protocol.TypeConversationUpdate,
		protocol.TypeWelcome,
		protocol.DomainPrefix + protocol.DomainMessageAppended,
		protocol.DomainPrefix + protocol.DomainMessageUpdated,
		protocol.DomainPrefix + protocol.DomainMessageDeleted,
		protocol.DomainPrefix + protocol.DomainConversationCreated,
		protocol.DomainPrefix + protocol.DomainConversationUpdated,
		protocol.TypeOpen,
		protocol.TypeClose,
		protocol.TypeReconnectAttempt,
		protocol.TypeReconnectSuccess,
		protocol.TypeReconnectFail,
		protocol.TypeError,
		protocol.TypeHeartbeatSent,
		protocol.TypeHeartbeatAck,
		protocol.TypeHeartbeatLost,
		protocol.TypeAdaptiveChange,
	}
	m := make(map[string]bool, len(types))
	for _, t := range types {
		m[t] = true
	}
	return m
}()

// Router dispatches inbound events. It is safe for concurrent use; handlers
// may be invoked from several goroutines.
type Router struct {
	opts   Options
	log    *zap.Logger
	recent *recent.Set

	mu       sync.RWMutex
	handlers map[string][]Handler
	catchAll []Handler

	statsMu sync.Mutex
	stats   Stats
}

// New creates a Router.
func New(cfg Config, opts Options) *Router {
	if cfg.RecentCapacity <= 0 {
		cfg.RecentCapacity = DefaultRecentCapacity
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Router{
		opts:     opts,
		log:      opts.Logger,
		recent:   recent.New(cfg.RecentCapacity),
		handlers: make(map[string][]Handler),
	}
}

// Handle registers h for one event type.
func (r *Router) Handle(typ string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[typ] = append(r.handlers[typ], h)
}

// HandleAny registers h for every routed event.
func (r *Router) HandleAny(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.catchAll = append(r.catchAll, h)
}

// Route processes one envelope. It never panics: failures are counted and
// logged.
func (r *Router) Route(env protocol.Envelope) {
	r.route(env)
}

// RouteAll routes envs in order, with the same deduplication as Route, and
// returns how many reached the handlers.
func (r *Router) RouteAll(envs []protocol.Envelope) int {
	n := 0
	for _, env := range envs {
		if r.route(env) {
			n++
		}
	}
	return n
}

func (r *Router) route(env protocol.Envelope) (dispatched bool) {
	defer func() {
		if rec := recover(); rec != nil {
			dispatched = false
			r.count(func(s *Stats) { s.Panics++ })
			r.log.Error("panic while routing event", zap.String("type", env.Type), zap.Any("panic", rec))
		}
	}()

	ev := protocol.Normalize(env)
	routed := Routed{Event: ev}

	if ev.IsMessage() {
		routed.Message, routed.HasMessage = protocol.ParseChatMessage(ev.Payload)
		if routed.HasMessage && !r.recent.Add(messageKey(ev.Name, routed.Message)) {
			r.count(func(s *Stats) { s.Duplicates++ })
			r.log.Debug("dropping duplicate message", zap.String("type", ev.Type), zap.String("id", routed.Message.ID))
			return false
		}
	}

	if c, ok := metrics.Classify(ev); ok {
		if r.opts.Rates != nil {
			r.opts.Rates.Record()
		}
		if r.opts.Categories != nil {
			r.opts.Categories.Record(c)
		}
	}

	if ev.Type == protocol.TypeHeartbeatAck && r.opts.Latency != nil {
		if rtt, ok := protocol.Number(ev.Payload, "rtt_ms"); !ok || !r.opts.Latency.Push(int(rtt)) {
			r.count(func(s *Stats) { s.InvalidSamples++ })
		}
	}

	if routed.HasMessage && r.opts.Delivery != nil && ev.Name != protocol.DomainMessageDeleted {
		routed.Confirmed = r.opts.Delivery.MarkServerMessage(routed.Message)
	}

	r.mu.RLock()
	handlers := append([]Handler(nil), r.handlers[ev.Type]...)
	handlers = append(handlers, r.catchAll...)
	_, registered := r.handlers[ev.Type]
	r.mu.RUnlock()

	if !knownTypes[ev.Type] && !registered {
		r.count(func(s *Stats) { s.Unknown++ })
		r.log.Debug("ignoring unknown event", zap.String("type", ev.Type))
		return false
	}

	r.count(func(s *Stats) { s.Routed++ })
	for _, h := range handlers {
		r.call(h, routed)
	}
	return true
}

func (r *Router) call(h Handler, routed Routed) {
	defer func() {
		if rec := recover(); rec != nil {
			r.count(func(s *Stats) { s.Panics++ })
			r.log.Error("event handler panicked", zap.String("type", routed.Type), zap.Any("panic", rec))
		}
	}()
	h(routed)
}

// Stats returns a snapshot of the counters.
func (r *Router) Stats() Stats {
	r.statsMu.Lock()
	st := r.stats
	r.statsMu.Unlock()
	st.Recent = r.recent.Len()
	return st
}

// ClearRecent empties the dedup cache.
func (r *Router) ClearRecent() {
	r.recent.Clear()
}

func (r *Router) count(f func(*Stats)) {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	f(&r.stats)
}

// messageKey identifies a message event for dedup. Legacy "message" and
// "message_appended" share a class so that a server sending both shapes is
// delivered once; updates are keyed by content so that each edit passes.
func messageKey(name string, msg protocol.ChatMessage) string {
	class := "new"
	switch name {
	case protocol.DomainMessageUpdated:
		class = "upd"
	case protocol.DomainMessageDeleted:
		class = "del"
	}

	if msg.ID != "" {
		if class == "upd" {
			return fmt.Sprintf("%s:%s:%s", class, msg.ID, truncate(msg.Content))
		}
		return class + ":" + msg.ID
	}
	ts := int64(0)
	if !msg.Timestamp.IsZero() {
		ts = msg.Timestamp.UnixMilli()
	}
	return fmt.Sprintf("%s:%s|%s|%d", class, msg.ConversationID, truncate(msg.Content), ts)
}

func truncate(s string) string {
	r := []rune(s)
	if len(r) > keyContentPrefix {
		r = r[:keyContentPrefix]
	}
	return string(r)
}
