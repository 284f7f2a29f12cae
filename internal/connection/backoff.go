package connection

import "time"

// Backoff yields reconnect delays: the base first, then each delay is the
// previous one times Factor, capped at Max.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64

	next time.Duration
}

// NewBackoff creates a Backoff. Invalid arguments fall back to the defaults.
func NewBackoff(base, max time.Duration, factor float64) *Backoff {
	if base <= 0 {
		base = DefaultReconnectBase
	}
	if max <= 0 {
		max = DefaultReconnectMax
	}
	if max < base {
		max = base
	}
	if factor < 1 {
		factor = DefaultReconnectFactor
	}
	return &Backoff{Base: base, Max: max, Factor: factor, next: base}
}

// Next returns the delay to wait now and advances the sequence.
func (b *Backoff) Next() time.Duration {
	d := b.next
	grown := time.Duration(float64(b.next) * b.Factor)
	if grown > b.Max {
		grown = b.Max
	}
	b.next = grown
	return d
}

// Peek returns the delay Next would return without advancing.
func (b *Backoff) Peek() time.Duration {
	return b.next
}

// Reset restarts the sequence at the base delay.
func (b *Backoff) Reset() {
	b.next = b.Base
}
