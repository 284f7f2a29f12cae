package connection

import (
	"time"

	"go.uber.org/zap"

	"github.com/omochice/chatlink/pkg/protocol"
)

// beat is one heartbeat tick of epoch: it expires unanswered pings, gives up
// on the transport after too many consecutive losses, sends the next ping,
// adapts the interval and re-arms itself.
func (m *Manager) beat(epoch uint64) {
	now := m.clock.Now()

	var o outbox
	m.mu.Lock()
	if epoch != m.epoch || m.conn == nil {
		m.mu.Unlock()
		return
	}
	m.heartbeatTimer = nil
	m.expireLocked(now, &o)

	if m.hb.MaxMissed > 0 && m.missed >= m.hb.MaxMissed {
		missed := m.missed
		conn := m.detachLocked("heartbeat timeout", &o)
		m.scheduleReconnectLocked("heartbeat timeout", &o)
		m.mu.Unlock()

		m.log.Warn("heartbeat timeout, closing transport", zap.Int("missed", missed))
		m.deliver(&o)
		_ = conn.Close()
		return
	}

	m.pingSeq++
	seq := m.pingSeq
	m.outstanding[seq] = now
	m.stats.HeartbeatsSent++
	o.emit(protocol.TypeHeartbeatSent, map[string]any{
		"seq":         int64(seq),
		"interval_ms": m.interval.Milliseconds(),
	})
	m.adaptLocked(&o)
	m.heartbeatTimer = m.clock.AfterFunc(m.interval, func() { m.beat(epoch) })
	conn := m.conn
	m.mu.Unlock()

	m.write(conn, protocol.NewEnvelope(protocol.TypePing, protocol.PingData(seq, now)))
	m.deliver(&o)
}

// expireLocked turns pings older than the heartbeat timeout into losses.
func (m *Manager) expireLocked(now time.Time, o *outbox) {
	for _, seq := range sortedSeqs(m.outstanding) {
		sentAt := m.outstanding[seq]
		if now.Sub(sentAt) < m.hb.Timeout {
			continue
		}
		delete(m.outstanding, seq)
		m.missed++
		m.stats.HeartbeatsLost++
		o.emit(protocol.TypeHeartbeatLost, map[string]any{
			"seq":    int64(seq),
			"missed": m.missed,
		})
	}
}

// adaptLocked widens the interval while RTT is stable and narrows it once
// jitter reaches the warning threshold.
func (m *Manager) adaptLocked(o *outbox) {
	if !m.hb.Adaptive || m.latency == nil {
		return
	}
	st := m.latency.Percentiles()

	next := m.interval
	switch {
	case st.Count >= m.hb.MinSamples && st.Jitter < m.hb.StableJitterMs && st.P90 < m.hb.StableP90Ms:
		next = time.Duration(float64(m.interval) * m.hb.WidenFactor)
		if next > m.hb.MaxInterval {
			next = m.hb.MaxInterval
		}
	case st.Count > 0 && st.Jitter >= m.hb.WarnJitterMs:
		next = time.Duration(float64(m.interval) * m.hb.NarrowFactor)
		if next < m.hb.MinInterval {
			next = m.hb.MinInterval
		}
	}
	if next == m.interval {
		return
	}

	o.emit(protocol.TypeAdaptiveChange, map[string]any{
		"from_ms":   m.interval.Milliseconds(),
		"to_ms":     next.Milliseconds(),
		"jitter_ms": st.Jitter,
		"p90_ms":    st.P90,
	})
	m.log.Info("heartbeat interval adapted",
		zap.Duration("from", m.interval),
		zap.Duration("to", next),
		zap.Int("jitter_ms", st.Jitter),
	)
	m.interval = next
}

// handlePong matches a pong to its ping by seq, falling back to the echoed
// timestamp, and reports the round trip as ws.heartbeat_ack.
func (m *Manager) handlePong(epoch uint64, env protocol.Envelope) {
	now := m.clock.Now()

	var o outbox
	m.mu.Lock()
	if epoch != m.epoch || m.conn == nil {
		m.mu.Unlock()
		return
	}
	seq, sentAt, ok := m.matchPongLocked(env.Data)
	if !ok {
		m.mu.Unlock()
		m.log.Debug("ignoring unmatched pong", zap.Any("data", env.Data))
		return
	}
	delete(m.outstanding, seq)
	m.missed = 0
	m.stats.HeartbeatsAcked++

	rtt := now.Sub(sentAt)
	if rtt < 0 {
		rtt = 0
	}
	o.emit(protocol.TypeHeartbeatAck, map[string]any{
		"seq":    int64(seq),
		"rtt_ms": rtt.Milliseconds(),
	})
	m.mu.Unlock()
	m.deliver(&o)
}

func (m *Manager) matchPongLocked(data map[string]any) (uint64, time.Time, bool) {
	if v, ok := protocol.Number(data, "seq"); ok {
		if v < 0 {
			return 0, time.Time{}, false
		}
		seq := uint64(v)
		sentAt, found := m.outstanding[seq]
		return seq, sentAt, found
	}
	ts, ok := protocol.Number(data, "timestamp")
	if !ok {
		return 0, time.Time{}, false
	}
	for _, seq := range sortedSeqs(m.outstanding) {
		if sentAt := m.outstanding[seq]; sentAt.UnixMilli() == int64(ts) {
			return seq, sentAt, true
		}
	}
	return 0, time.Time{}, false
}
