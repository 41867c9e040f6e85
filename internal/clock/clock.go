// Package clock abstracts time so delayed actions and escalation timeouts can
// run against virtual time in tests.
package clock

import "time"

// Clock is the time source used by the dispatcher and the escalation coordinator.
type Clock interface {
	Now() time.Time
	// AfterFunc calls fn once d has elapsed. fn runs on its own goroutine for
	// the real clock; the fake clock runs it on the goroutine that advances time.
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a handle to a pending AfterFunc callback.
type Timer interface {
	// Stop prevents the callback from firing. It reports whether the call
	// stopped the timer (false if it already fired or was stopped).
	// Cancellation is best-effort; callers must not rely on it for correctness.
	Stop() bool
}

// Real is the wall clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) AfterFunc(d time.Duration, fn func()) Timer {
	if d < 0 {
		d = 0
	}
	return time.AfterFunc(d, fn)
}

// OrReal returns c, or the wall clock when c is nil.
func OrReal(c Clock) Clock {
	if c == nil {
		return Real{}
	}
	return c
}
