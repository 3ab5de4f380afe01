package clock

import "time"

// Clock abstracts time so timer-driven behavior (typing expiry, debounce,
// heartbeat, reconnect backoff) can be tested with virtual time.
type Clock interface {
	Now() time.Time
	// AfterFunc schedules fn to run after d. fn runs at most once.
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	// Stop cancels the timer. Returns false if it already fired or was stopped.
	Stop() bool
}

// Real is a Clock backed by the time package.
type Real struct{}

// New returns the wall-clock implementation.
func New() Real { return Real{} }

func (Real) Now() time.Time { return time.Now() }

func (Real) AfterFunc(d time.Duration, fn func()) Timer {
	return realTimer{time.AfterFunc(d, fn)}
}

type realTimer struct {
	t *time.Timer
}

func (r realTimer) Stop() bool { return r.t.Stop() }
