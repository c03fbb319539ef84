// Package clock abstracts wall time and timers so lifecycle code can be
// driven by a fake clock in tests.
package clock

import (
	"time"
)

// Clock provides the current time and cancellable timers.
type Clock interface {
	Now() time.Time

	// AfterFunc calls f once d has elapsed. The returned Timer's C is nil.
	AfterFunc(d time.Duration, f func()) Timer

	// NewTimer returns a Timer that sends the fire time on C once d has elapsed.
	NewTimer(d time.Duration) Timer
}

// Timer is a cancellable pending event.
type Timer interface {
	// C is the delivery channel. Nil for timers created by AfterFunc.
	C() <-chan time.Time

	// Stop prevents the timer from firing. It reports whether the call
	// stopped a pending timer.
	Stop() bool
}

// Real returns a Clock backed by the time package.
func Real() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return &realTimer{t: time.AfterFunc(d, f)}
}

func (realClock) NewTimer(d time.Duration) Timer {
	return &realTimer{t: time.NewTimer(d)}
}

type realTimer struct {
	t *time.Timer
}

func (r *realTimer) C() <-chan time.Time { return r.t.C }

func (r *realTimer) Stop() bool { return r.t.Stop() }
