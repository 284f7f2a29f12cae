package connection_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/chatlink/internal/clock"
	"github.com/omochice/chatlink/internal/connection"
	"github.com/omochice/chatlink/internal/metrics"
	"github.com/omochice/chatlink/pkg/protocol"
)

var epoch = time.Unix(1_700_000_000, 0)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type harness struct {
	clk     *clock.Fake
	dialer  *fakeDialer
	rec     *recorder
	mgr     *connection.Manager
	mu      sync.Mutex
	changes []connection.StateChange
}

func newHarness(t *testing.T, cfg connection.Config, hb connection.HeartbeatConfig, latency connection.LatencySource) *harness {
	t.Helper()
	h := &harness{
		clk:    clock.NewFake(epoch),
		dialer: &fakeDialer{},
		rec:    &recorder{},
	}
	cfg.URL = "ws://chat.test/ws"
	h.mgr = connection.NewManager(h.dialer, cfg, hb, connection.Options{
		Clock:   h.clk,
		Sink:    h.rec.sink,
		Latency: latency,
		OnState: func(c connection.StateChange) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.changes = append(h.changes, c)
		},
	})
	t.Cleanup(func() { _ = h.mgr.Close() })
	return h
}

func (h *harness) states() []connection.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]connection.State, 0, len(h.changes))
	for _, c := range h.changes {
		out = append(out, c.To)
	}
	return out
}

func (h *harness) waitState(t *testing.T, want connection.State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.mgr.ReadyState() == want }, waitFor, tick,
		"state should become %s", want)
}

func (h *harness) waitEvent(t *testing.T, typ string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.rec.count(typ) == n }, waitFor, tick,
		"expected %d %s events", n, typ)
}

func staticHeartbeat() connection.HeartbeatConfig {
	hb := connection.DefaultHeartbeatConfig()
	hb.Adaptive = false
	return hb
}

func TestManager_ConnectOpensAndPings(t *testing.T) {
	h := newHarness(t, connection.DefaultConfig(), staticHeartbeat(), nil)

	require.NoError(t, h.mgr.Connect(context.Background()))

	assert.Equal(t, connection.StateConnected, h.mgr.ReadyState())
	assert.Equal(t, []connection.State{connection.StateConnecting, connection.StateConnected}, h.states())
	assert.Equal(t, 1, h.rec.count(protocol.TypeOpen))
	assert.Equal(t, 0, h.rec.count(protocol.TypeReconnectSuccess))
	assert.Equal(t, 1, h.rec.count(protocol.TypeHeartbeatSent))

	pings := h.dialer.last().sent(protocol.TypePing)
	require.Len(t, pings, 1)
	seq, _ := protocol.Number(pings[0].Data, "seq")
	assert.Equal(t, 1.0, seq)

	st := h.mgr.Stats()
	assert.Equal(t, int64(1), st.Connects)
	assert.Equal(t, int64(1), st.HeartbeatsSent)
	assert.Equal(t, epoch, st.ConnectedSince)
}

func TestManager_ConnectIsIdempotent(t *testing.T) {
	h := newHarness(t, connection.DefaultConfig(), staticHeartbeat(), nil)

	require.NoError(t, h.mgr.Connect(context.Background()))
	require.NoError(t, h.mgr.Connect(context.Background()))

	assert.Equal(t, 1, h.dialer.dialCount())
}

func TestManager_HeartbeatAckMeasuresRTT(t *testing.T) {
	h := newHarness(t, connection.DefaultConfig(), staticHeartbeat(), nil)
	require.NoError(t, h.mgr.Connect(context.Background()))

	ping := h.dialer.last().sent(protocol.TypePing)[0]
	h.clk.Advance(120 * time.Millisecond)
	h.dialer.last().push(protocol.NewEnvelope(protocol.TypePong, ping.Data))

	require.Eventually(t, func() bool { return h.rec.count(protocol.TypeHeartbeatAck) == 1 }, waitFor, tick)
	ack, _ := h.rec.find(protocol.TypeHeartbeatAck)
	rtt, ok := protocol.Number(ack.Data, "rtt_ms")
	require.True(t, ok)
	assert.Equal(t, 120.0, rtt)
	assert.Equal(t, int64(1), h.mgr.Stats().HeartbeatsAcked)
	assert.Equal(t, 0, h.rec.count(protocol.TypePong), "pongs are consumed by the manager")
}

func TestManager_PongMatchedByTimestamp(t *testing.T) {
	h := newHarness(t, connection.DefaultConfig(), staticHeartbeat(), nil)
	require.NoError(t, h.mgr.Connect(context.Background()))

	h.clk.Advance(40 * time.Millisecond)
	h.dialer.last().push(protocol.NewEnvelope(protocol.TypePong, map[string]any{"timestamp": epoch.UnixMilli()}))

	require.Eventually(t, func() bool { return h.rec.count(protocol.TypeHeartbeatAck) == 1 }, waitFor, tick)
	ack, _ := h.rec.find(protocol.TypeHeartbeatAck)
	rtt, _ := protocol.Number(ack.Data, "rtt_ms")
	assert.Equal(t, 40.0, rtt)
}

func TestManager_UnmatchedPongIgnored(t *testing.T) {
	h := newHarness(t, connection.DefaultConfig(), staticHeartbeat(), nil)
	require.NoError(t, h.mgr.Connect(context.Background()))

	conn := h.dialer.last()
	conn.push(protocol.NewEnvelope(protocol.TypePong, map[string]any{"seq": 99}))
	conn.push(protocol.NewEnvelope(protocol.TypeMessage, map[string]any{"id": "m1"}))

	require.Eventually(t, func() bool { return h.rec.count(protocol.TypeMessage) == 1 }, waitFor, tick)
	assert.Equal(t, 0, h.rec.count(protocol.TypeHeartbeatAck))
}

func TestManager_ForwardsFramesAndCountsDecodeErrors(t *testing.T) {
	h := newHarness(t, connection.DefaultConfig(), staticHeartbeat(), nil)
	require.NoError(t, h.mgr.Connect(context.Background()))

	conn := h.dialer.last()
	conn.reads <- []byte("not json")
	conn.push(protocol.NewEnvelope("domain.event.message_appended", map[string]any{"message": map[string]any{"id": "1"}}))

	require.Eventually(t, func() bool { return h.rec.count("domain.event.message_appended") == 1 }, waitFor, tick)
	assert.Equal(t, 1, h.rec.count(protocol.TypeError))
	assert.Equal(t, int64(1), h.mgr.Stats().Errors)
}

func TestManager_ReconnectAfterDrop(t *testing.T) {
	h := newHarness(t, connection.DefaultConfig(), staticHeartbeat(), nil)
	require.NoError(t, h.mgr.Connect(context.Background()))

	first := h.dialer.last()
	_ = first.Close()
	h.waitState(t, connection.StateReconnecting)
	h.waitEvent(t, protocol.TypeClose, 1)

	delay, ok := h.clk.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, 3*time.Second, delay)

	h.clk.Advance(3 * time.Second)

	assert.Equal(t, connection.StateConnected, h.mgr.ReadyState())
	assert.Equal(t, 2, h.dialer.dialCount())
	assert.NotSame(t, first, h.dialer.last())

	st := h.mgr.Stats()
	assert.Equal(t, int64(1), st.Reconnects)
	assert.Equal(t, int64(2), st.Connects)
	assert.Equal(t, int64(1), st.Closes)
	assert.Equal(t, 1, h.rec.count(protocol.TypeClose))
	assert.Equal(t, 1, h.rec.count(protocol.TypeReconnectAttempt))
	assert.Equal(t, 1, h.rec.count(protocol.TypeReconnectSuccess))
	assert.Equal(t, 2, h.rec.count(protocol.TypeOpen))
}

func TestManager_BackoffGrowsAcrossFailures(t *testing.T) {
	h := newHarness(t, connection.DefaultConfig(), staticHeartbeat(), nil)
	require.NoError(t, h.mgr.Connect(context.Background()))

	h.dialer.failNext(2)
	_ = h.dialer.last().Close()
	h.waitState(t, connection.StateReconnecting)

	for _, want := range []time.Duration{3 * time.Second, 4500 * time.Millisecond, 6750 * time.Millisecond} {
		delay, ok := h.clk.NextDeadline()
		require.True(t, ok)
		require.Equal(t, want, delay)
		h.clk.Advance(delay)
	}

	assert.Equal(t, connection.StateConnected, h.mgr.ReadyState())
	st := h.mgr.Stats()
	assert.Equal(t, int64(2), st.ReconnectFailures)
	assert.Equal(t, 2, st.MaxFailureStreak)
	assert.Equal(t, 0, st.FailureStreak)
	assert.Equal(t, int64(1), st.Reconnects)
	assert.Equal(t, int64(3), st.ReconnectAttempts)
	assert.InDelta(t, 1.0/3, st.SuccessRate, 1e-9)
	assert.Equal(t, 2, h.rec.count(protocol.TypeReconnectFail))

	// Backoff restarts at the base after a successful open.
	_ = h.dialer.last().Close()
	h.waitState(t, connection.StateReconnecting)
	delay, _ := h.clk.NextDeadline()
	assert.Equal(t, 3*time.Second, delay)
}

func TestManager_FailedAfterMaxAttempts(t *testing.T) {
	cfg := connection.DefaultConfig()
	cfg.MaxReconnectAttempts = 2
	h := newHarness(t, cfg, staticHeartbeat(), nil)

	h.dialer.failNext(3)
	err := h.mgr.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errRefused)
	assert.Equal(t, connection.StateReconnecting, h.mgr.ReadyState())

	h.clk.Advance(3 * time.Second)
	assert.Equal(t, connection.StateReconnecting, h.mgr.ReadyState())
	h.clk.Advance(4500 * time.Millisecond)
	assert.Equal(t, connection.StateFailed, h.mgr.ReadyState())
	assert.Equal(t, 3, h.dialer.dialCount())
	assert.Equal(t, 0, h.clk.Pending())

	// An explicit connect restarts a failed manager.
	require.NoError(t, h.mgr.Connect(context.Background()))
	assert.Equal(t, connection.StateConnected, h.mgr.ReadyState())
}

func TestManager_CloseSuppressesReconnect(t *testing.T) {
	h := newHarness(t, connection.DefaultConfig(), staticHeartbeat(), nil)
	require.NoError(t, h.mgr.Connect(context.Background()))
	conn := h.dialer.last()

	require.NoError(t, h.mgr.Close())

	assert.Equal(t, connection.StateDisconnected, h.mgr.ReadyState())
	assert.True(t, conn.isClosed())
	assert.Equal(t, 0, h.clk.Pending())
	assert.False(t, h.mgr.Send(protocol.NewEnvelope(protocol.TypeTyping, nil)))

	h.clk.Advance(time.Minute)
	assert.Equal(t, 1, h.dialer.dialCount())

	closeEnv, ok := h.rec.find(protocol.TypeClose)
	require.True(t, ok)
	assert.Equal(t, true, closeEnv.Data["by_caller"])
}

func TestManager_MissedHeartbeatsForceReconnect(t *testing.T) {
	hb := staticHeartbeat()
	hb.MaxMissed = 2
	h := newHarness(t, connection.DefaultConfig(), hb, nil)
	require.NoError(t, h.mgr.Connect(context.Background()))
	first := h.dialer.last()

	h.clk.Advance(25 * time.Second)
	assert.Equal(t, connection.StateConnected, h.mgr.ReadyState())
	assert.Equal(t, 1, h.rec.count(protocol.TypeHeartbeatLost))

	h.clk.Advance(25 * time.Second)
	assert.Equal(t, connection.StateReconnecting, h.mgr.ReadyState())
	assert.Equal(t, 2, h.rec.count(protocol.TypeHeartbeatLost))
	assert.True(t, first.isClosed())
	assert.Equal(t, int64(2), h.mgr.Stats().HeartbeatsLost)

	h.clk.Advance(3 * time.Second)
	assert.Equal(t, connection.StateConnected, h.mgr.ReadyState())
}

func TestManager_AckResetsMissedCount(t *testing.T) {
	hb := staticHeartbeat()
	hb.MaxMissed = 2
	h := newHarness(t, connection.DefaultConfig(), hb, nil)
	require.NoError(t, h.mgr.Connect(context.Background()))
	conn := h.dialer.last()

	h.clk.Advance(25 * time.Second) // ping 1 lost, ping 2 sent
	pings := conn.sent(protocol.TypePing)
	require.Len(t, pings, 2)
	conn.push(protocol.NewEnvelope(protocol.TypePong, pings[1].Data))
	require.Eventually(t, func() bool { return h.mgr.Stats().HeartbeatsAcked == 1 }, waitFor, tick)

	h.clk.Advance(25 * time.Second) // ping 3 sent, nothing outstanding expired
	assert.Equal(t, connection.StateConnected, h.mgr.ReadyState())
	assert.Equal(t, 1, h.rec.count(protocol.TypeHeartbeatLost))
}

type stubLatency struct {
	stats metrics.LatencyStats
}

func (s stubLatency) Percentiles() metrics.LatencyStats {
	return s.stats
}

func TestManager_AdaptiveHeartbeat(t *testing.T) {
	tests := []struct {
		name  string
		stats metrics.LatencyStats
		want  time.Duration
	}{
		{"stable widens", metrics.LatencyStats{Count: 10, P50: 80, P90: 100, Jitter: 20}, 30 * time.Second},
		{"too few samples keeps", metrics.LatencyStats{Count: 3, P50: 80, P90: 100, Jitter: 20}, 20 * time.Second},
		{"jittery narrows", metrics.LatencyStats{Count: 10, P50: 100, P90: 400, Jitter: 300}, 10 * time.Second},
		{"in between keeps", metrics.LatencyStats{Count: 10, P50: 100, P90: 200, Jitter: 100}, 20 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hb := connection.DefaultHeartbeatConfig()
			hb.Interval = 20 * time.Second
			h := newHarness(t, connection.DefaultConfig(), hb, stubLatency{tt.stats})

			require.NoError(t, h.mgr.Connect(context.Background()))

			assert.Equal(t, tt.want, h.mgr.HeartbeatInterval())
			delay, ok := h.clk.NextDeadline()
			require.True(t, ok)
			assert.Equal(t, tt.want, delay)
			if tt.want != 20*time.Second {
				assert.Equal(t, 1, h.rec.count(protocol.TypeAdaptiveChange))
			} else {
				assert.Equal(t, 0, h.rec.count(protocol.TypeAdaptiveChange))
			}
		})
	}
}

func TestManager_AdaptiveHeartbeatBounded(t *testing.T) {
	hb := connection.DefaultHeartbeatConfig()
	hb.Interval = 50 * time.Second
	h := newHarness(t, connection.DefaultConfig(), hb, stubLatency{metrics.LatencyStats{Count: 20, P90: 50, Jitter: 5}})

	require.NoError(t, h.mgr.Connect(context.Background()))
	assert.Equal(t, 60*time.Second, h.mgr.HeartbeatInterval())

	h.clk.Advance(60 * time.Second)
	assert.Equal(t, 60*time.Second, h.mgr.HeartbeatInterval())
	assert.Equal(t, 1, h.rec.count(protocol.TypeAdaptiveChange))
}

func TestManager_Send(t *testing.T) {
	h := newHarness(t, connection.DefaultConfig(), staticHeartbeat(), nil)
	env := protocol.NewEnvelope(protocol.TypeSendMessage, map[string]any{"content": "hi"})

	assert.False(t, h.mgr.Send(env), "not connected yet")

	require.NoError(t, h.mgr.Connect(context.Background()))
	conn := h.dialer.last()
	assert.True(t, h.mgr.Send(env))
	assert.Len(t, conn.sent(protocol.TypeSendMessage), 1)

	conn.failWrites(errors.New("broken pipe"))
	assert.False(t, h.mgr.Send(env))
	assert.Equal(t, int64(1), h.mgr.Stats().Errors)
	errEnv, ok := h.rec.find(protocol.TypeError)
	require.True(t, ok)
	assert.Equal(t, "write", errEnv.Data["phase"])
}

func TestManager_Uptime(t *testing.T) {
	h := newHarness(t, connection.DefaultConfig(), staticHeartbeat(), nil)
	h.clk.Advance(90 * time.Second)

	st := h.mgr.Stats()
	assert.Equal(t, connection.StateDisconnected, st.State)
	assert.Equal(t, 90*time.Second, st.Uptime)
	assert.Equal(t, 25*time.Second, st.HeartbeatInterval)
}
