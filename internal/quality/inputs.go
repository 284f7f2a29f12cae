package quality

import (
	"time"

	"github.com/omochice/chatlink/internal/metrics"
)

// Counters are the lifetime connection counters a score is derived from.
type Counters struct {
	HeartbeatsSent int64
	HeartbeatsLost int64
	Reconnects     int64
	Errors         int64
}

// InputsFrom derives scorer inputs. Per-minute rates divide lifetime counters
// by uptime, counted as at least one minute.
func InputsFrom(lat metrics.LatencyStats, c Counters, uptime time.Duration) Inputs {
	minutes := uptime.Minutes()
	if minutes < 1 {
		minutes = 1
	}
	in := Inputs{
		HasRTT:           lat.Count > 0,
		AvgRTTMs:         lat.Mean,
		JitterMs:         float64(lat.Jitter),
		ReconnectsPerMin: float64(c.Reconnects) / minutes,
		ErrorsPerMin:     float64(c.Errors) / minutes,
	}
	if c.HeartbeatsSent > 0 {
		in.LossRatio = float64(c.HeartbeatsLost) / float64(c.HeartbeatsSent)
	}
	return in
}
