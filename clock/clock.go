// Package clock provides an injectable time source so that the health
// sweeper, alert debouncing and history bucketing in the rest of the
// module can be driven by a fake clock in tests instead of wall time.
package clock

import "time"

// Clock abstracts the handful of time.* calls the server needs.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker mirrors the subset of *time.Ticker that callers need, so a
// fake clock can hand back a ticker it controls.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Real is the production Clock, backed directly by the time package.
type Real struct{}

func (Real) Now() time.Time                         { return time.Now() }
func (Real) After(d time.Duration) <-chan time.Time  { return time.After(d) }
func (Real) NewTicker(d time.Duration) Ticker        { return &realTicker{t: time.NewTicker(d)} }

type realTicker struct{ t *time.Ticker }

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }
