// Package clock abstracts wall time and deferred callbacks so that every
// suspension point (reconnect backoff, ack timeouts, heartbeats, quality
// evaluation) can be driven deterministically in tests.
package clock

import "time"

// Clock is the source of time and timers.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f once d has elapsed. f runs on its own goroutine for
	// the real clock and synchronously inside Advance for the fake one.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc call.
type Timer interface {
	// Stop prevents the call; it reports false if the call already ran or
	// was already stopped.
	Stop() bool
}

// Real returns the wall clock.
func Real() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
