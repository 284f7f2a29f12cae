// Package connection owns the physical transport of a chat session. It dials,
// keeps the link alive with heartbeats and reconnects with exponential
// backoff. Every lifecycle transition is reported to the sink as a synthetic
// "ws.*" envelope so that it flows through the same router as server frames.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/omochice/chatlink/internal/clock"
	"github.com/omochice/chatlink/internal/metrics"
	"github.com/omochice/chatlink/internal/transport"
	"github.com/omochice/chatlink/pkg/protocol"
)

// ErrClosed is returned by Connect when Close was called while dialing.
var ErrClosed = errors.New("connection closed by caller")

// LatencySource provides the RTT distribution used by the adaptive heartbeat.
type LatencySource interface {
	Percentiles() metrics.LatencyStats
}

// Options carries the collaborators of a Manager. Every field is optional.
type Options struct {
	Clock  clock.Clock
	Logger *zap.Logger
	// Sink receives every decoded inbound frame and every lifecycle event.
	// Frames of one connection arrive in order.
	Sink    func(protocol.Envelope)
	Latency LatencySource
	OnState func(StateChange)
}

// Stats is a snapshot of the connection counters. SuccessRate is Reconnects
// over ReconnectAttempts, or 1 before the first attempt.
type Stats struct {
	State             State         `yaml:"state"`
	Connects          int64         `yaml:"connects"`
	Reconnects        int64         `yaml:"reconnects"`
	ReconnectAttempts int64         `yaml:"reconnect_attempts"`
	ReconnectFailures int64         `yaml:"reconnect_failures"`
	Closes            int64         `yaml:"closes"`
	Errors            int64         `yaml:"errors"`
	HeartbeatsSent    int64         `yaml:"heartbeats_sent"`
	HeartbeatsAcked   int64         `yaml:"heartbeats_acked"`
	HeartbeatsLost    int64         `yaml:"heartbeats_lost"`
	SuccessRate       float64       `yaml:"success_rate"`
	ReconnectAttempt  int           `yaml:"reconnect_attempt"`
	FailureStreak     int           `yaml:"failure_streak"`
	MaxFailureStreak  int           `yaml:"max_failure_streak"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ConnectedSince    time.Time     `yaml:"connected_since"`
	StartedAt         time.Time     `yaml:"started_at"`
	Uptime            time.Duration `yaml:"uptime"`
}

// outbox collects the notifications produced under the lock; they are
// delivered once the lock is released.
type outbox struct {
	changes []StateChange
	events  []protocol.Envelope
}

func (o *outbox) emit(typ string, data map[string]any) {
	o.events = append(o.events, protocol.NewEnvelope(typ, data))
}

// Manager implements the connect/heartbeat/reconnect state machine.
type Manager struct {
	dialer  transport.Dialer
	cfg     Config
	hb      HeartbeatConfig
	clock   clock.Clock
	log     *zap.Logger
	sink    func(protocol.Envelope)
	latency LatencySource
	onState func(StateChange)

	mu             sync.Mutex
	state          State
	conn           transport.Conn
	epoch          uint64
	closedByCaller bool

	dialGen    uint64
	dialCancel context.CancelFunc

	backoff        *Backoff
	attempt        int
	reconnecting   bool
	pendingDelay   time.Duration
	reconnectGen   uint64
	reconnectTimer clock.Timer

	cancelRead     context.CancelFunc
	heartbeatTimer clock.Timer
	interval       time.Duration
	pingSeq        uint64
	outstanding    map[uint64]time.Time
	missed         int

	stats Stats
}

// NewManager creates a Manager in StateDisconnected. It does not dial;
// call Connect.
func NewManager(dialer transport.Dialer, cfg Config, hb HeartbeatConfig, opts Options) *Manager {
	def := DefaultConfig()
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.MaxReconnectAttempts < 0 {
		cfg.MaxReconnectAttempts = 0
	}
	hb = hb.withDefaults()

	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Sink == nil {
		opts.Sink = func(protocol.Envelope) {}
	}

	backoff := NewBackoff(cfg.ReconnectBase, cfg.ReconnectMax, cfg.ReconnectFactor)
	cfg.ReconnectBase, cfg.ReconnectMax, cfg.ReconnectFactor = backoff.Base, backoff.Max, backoff.Factor

	m := &Manager{
		dialer:      dialer,
		cfg:         cfg,
		hb:          hb,
		clock:       opts.Clock,
		log:         opts.Logger,
		sink:        opts.Sink,
		latency:     opts.Latency,
		onState:     opts.OnState,
		state:       StateDisconnected,
		backoff:     backoff,
		interval:    hb.Interval,
		outstanding: make(map[uint64]time.Time),
	}
	m.stats.StartedAt = m.clock.Now()
	return m
}

// Connect dials the configured URL. It is a no-op while connecting or
// connected. A failed dial schedules a reconnect and returns the dial error.
// Connect also restarts a manager that reached StateFailed.
func (m *Manager) Connect(ctx context.Context) error {
	var o outbox
	m.mu.Lock()
	if m.state == StateConnecting || m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	m.closedByCaller = false
	m.stopReconnectLocked()
	if m.state == StateFailed {
		m.attempt = 0
		m.backoff.Reset()
	}
	m.setStateLocked(StateConnecting, "connect", &o)
	ctx, gen := m.beginDialLocked(ctx)
	m.mu.Unlock()
	m.deliver(&o)

	return m.dial(ctx, gen)
}

// Send writes env if the connection is open. Failures are never returned to
// the caller; they are counted and reported as ws.error.
func (m *Manager) Send(env protocol.Envelope) bool {
	m.mu.Lock()
	if m.state != StateConnected || m.conn == nil {
		m.mu.Unlock()
		return false
	}
	conn := m.conn
	m.mu.Unlock()
	return m.write(conn, env)
}

// Close closes the transport and suppresses any further reconnect until the
// next Connect.
func (m *Manager) Close() error {
	var o outbox
	m.mu.Lock()
	m.closedByCaller = true
	m.stopReconnectLocked()
	m.dialGen++
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	var conn transport.Conn
	if m.conn != nil {
		conn = m.detachLocked("closed by caller", &o)
	}
	m.setStateLocked(StateDisconnected, "closed by caller", &o)
	m.mu.Unlock()
	m.deliver(&o)

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// ReadyState returns the current state.
func (m *Manager) ReadyState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// HeartbeatInterval returns the current, possibly adapted, ping interval.
func (m *Manager) HeartbeatInterval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interval
}

// Stats returns a snapshot of the counters.
func (m *Manager) Stats() Stats {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stats
	st.State = m.state
	st.ReconnectAttempt = m.attempt
	st.HeartbeatInterval = m.interval
	st.Uptime = now.Sub(st.StartedAt)
	st.SuccessRate = 1
	if st.ReconnectAttempts > 0 {
		st.SuccessRate = float64(st.Reconnects) / float64(st.ReconnectAttempts)
	}
	return st
}

func (m *Manager) beginDialLocked(parent context.Context) (context.Context, uint64) {
	if m.dialCancel != nil {
		m.dialCancel()
	}
	ctx, cancel := context.WithTimeout(parent, m.cfg.DialTimeout)
	m.dialCancel = cancel
	m.dialGen++
	return ctx, m.dialGen
}

func (m *Manager) dial(ctx context.Context, gen uint64) error {
	conn, err := m.dialer.Dial(ctx, m.cfg.URL)

	var o outbox
	m.mu.Lock()
	if gen != m.dialGen || m.closedByCaller || m.state != StateConnecting {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return ErrClosed
	}
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}

	if err != nil {
		m.stats.Errors++
		m.stats.FailureStreak++
		if m.stats.FailureStreak > m.stats.MaxFailureStreak {
			m.stats.MaxFailureStreak = m.stats.FailureStreak
		}
		o.emit(protocol.TypeError, map[string]any{"phase": "dial", "error": err.Error()})
		if m.reconnecting {
			m.stats.ReconnectFailures++
			o.emit(protocol.TypeReconnectFail, map[string]any{"attempt": m.attempt, "error": err.Error()})
		}
		m.log.Warn("dial failed", zap.String("url", m.cfg.URL), zap.Int("attempt", m.attempt), zap.Error(err))
		m.scheduleReconnectLocked("dial failed", &o)
		m.mu.Unlock()
		m.deliver(&o)
		return fmt.Errorf("failed to connect to %s: %w", m.cfg.URL, err)
	}

	epoch, readCtx := m.openLocked(conn, &o)
	m.mu.Unlock()
	m.deliver(&o)

	go m.readLoop(readCtx, epoch, conn)
	m.beat(epoch)
	return nil
}

func (m *Manager) openLocked(conn transport.Conn, o *outbox) (uint64, context.Context) {
	now := m.clock.Now()
	m.epoch++
	m.conn = conn
	m.stats.Connects++
	m.stats.ConnectedSince = now
	m.stats.FailureStreak = 0

	wasReconnect, attempts := m.reconnecting, m.attempt
	m.reconnecting = false
	m.attempt = 0
	m.backoff.Reset()
	m.missed = 0
	m.outstanding = make(map[uint64]time.Time)

	m.setStateLocked(StateConnected, "open", o)
	o.emit(protocol.TypeOpen, map[string]any{"url": m.cfg.URL, "remote": conn.RemoteAddr()})
	if wasReconnect {
		m.stats.Reconnects++
		o.emit(protocol.TypeReconnectSuccess, map[string]any{"attempts": attempts})
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancelRead = cancel
	return m.epoch, ctx
}

// detachLocked ends the current epoch and returns the transport for the
// caller to close outside the lock.
func (m *Manager) detachLocked(reason string, o *outbox) transport.Conn {
	conn := m.conn
	m.conn = nil
	m.epoch++
	if m.cancelRead != nil {
		m.cancelRead()
		m.cancelRead = nil
	}
	if m.heartbeatTimer != nil {
		m.heartbeatTimer.Stop()
		m.heartbeatTimer = nil
	}
	m.outstanding = make(map[uint64]time.Time)
	m.missed = 0
	m.stats.Closes++
	m.stats.ConnectedSince = time.Time{}
	o.emit(protocol.TypeClose, map[string]any{"reason": reason, "by_caller": m.closedByCaller})
	return conn
}

func (m *Manager) scheduleReconnectLocked(reason string, o *outbox) {
	if m.closedByCaller {
		m.setStateLocked(StateDisconnected, reason, o)
		return
	}
	if limit := m.cfg.MaxReconnectAttempts; limit > 0 && m.attempt >= limit {
		m.setStateLocked(StateFailed, "reconnect attempts exhausted", o)
		m.log.Warn("giving up reconnecting", zap.Int("attempts", m.attempt))
		return
	}

	m.attempt++
	m.reconnecting = true
	delay := m.backoff.Next()
	m.pendingDelay = delay
	m.reconnectGen++
	gen := m.reconnectGen
	m.setStateLocked(StateReconnecting, reason, o)
	m.log.Info("reconnect scheduled", zap.Int("attempt", m.attempt), zap.Duration("delay", delay))
	m.reconnectTimer = m.clock.AfterFunc(delay, func() { m.reconnect(gen) })
}

func (m *Manager) stopReconnectLocked() {
	m.reconnectGen++
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

func (m *Manager) reconnect(gen uint64) {
	var o outbox
	m.mu.Lock()
	if gen != m.reconnectGen || m.state != StateReconnecting || m.closedByCaller {
		m.mu.Unlock()
		return
	}
	m.reconnectTimer = nil
	m.stats.ReconnectAttempts++
	m.setStateLocked(StateConnecting, "reconnect", &o)
	o.emit(protocol.TypeReconnectAttempt, map[string]any{
		"attempt":  m.attempt,
		"delay_ms": m.pendingDelay.Milliseconds(),
	})
	ctx, dialGen := m.beginDialLocked(context.Background())
	m.mu.Unlock()
	m.deliver(&o)

	_ = m.dial(ctx, dialGen)
}

func (m *Manager) readLoop(ctx context.Context, epoch uint64, conn transport.Conn) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			m.handleDrop(epoch, err)
			return
		}

		var env protocol.Envelope
		if err := env.Decode(data); err != nil {
			m.recordError("decode", err)
			continue
		}
		if env.Type == protocol.TypePong {
			m.handlePong(epoch, env)
			continue
		}
		m.sink(env)
	}
}

func (m *Manager) handleDrop(epoch uint64, cause error) {
	var o outbox
	m.mu.Lock()
	if epoch != m.epoch || m.conn == nil {
		m.mu.Unlock()
		return
	}
	m.log.Warn("connection lost", zap.Error(cause))
	conn := m.detachLocked(cause.Error(), &o)
	m.scheduleReconnectLocked("connection lost", &o)
	m.mu.Unlock()
	m.deliver(&o)

	_ = conn.Close()
}

func (m *Manager) write(conn transport.Conn, env protocol.Envelope) bool {
	data, err := env.Encode()
	if err != nil {
		m.recordError("encode", err)
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.WriteTimeout)
	defer cancel()
	if err := conn.Write(ctx, data); err != nil {
		m.recordError("write", err)
		return false
	}
	return true
}

func (m *Manager) recordError(phase string, err error) {
	m.mu.Lock()
	m.stats.Errors++
	m.mu.Unlock()

	m.log.Warn("transport error", zap.String("phase", phase), zap.Error(err))
	m.sink(protocol.NewEnvelope(protocol.TypeError, map[string]any{"phase": phase, "error": err.Error()}))
}

func (m *Manager) setStateLocked(to State, reason string, o *outbox) {
	if m.state == to {
		return
	}
	change := StateChange{From: m.state, To: to, Reason: reason}
	m.state = to
	o.changes = append(o.changes, change)
	m.log.Info("connection state changed",
		zap.Stringer("from", change.From),
		zap.Stringer("to", change.To),
		zap.String("reason", reason),
	)
}

func (m *Manager) deliver(o *outbox) {
	if m.onState != nil {
		for _, c := range o.changes {
			m.onState(c)
		}
	}
	for _, env := range o.events {
		m.sink(env)
	}
}

// sortedSeqs returns the outstanding ping sequence numbers in ascending order.
func sortedSeqs(outstanding map[uint64]time.Time) []uint64 {
	seqs := make([]uint64, 0, len(outstanding))
	for seq := range outstanding {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs
}
