package clock

import "time"

// Fake is a controllable Clock for deterministic tests. Advance moves
// time forward and fires any ticker whose deadline has passed; After
// returns a channel that already holds its value, so it never waits.
type Fake struct {
	now     time.Time
	tickers []*fakeTicker
}

// NewFake returns a Fake clock starting at t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

func (f *Fake) Now() time.Time { return f.now }

func (f *Fake) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- f.now.Add(d)
	return ch
}

func (f *Fake) NewTicker(d time.Duration) Ticker {
	t := &fakeTicker{period: d, next: f.now.Add(d), ch: make(chan time.Time, 1)}
	f.tickers = append(f.tickers, t)
	return t
}

// Advance moves the fake clock forward by d, firing any ticker whose
// next deadline falls at or before the new time.
func (f *Fake) Advance(d time.Duration) {
	f.now = f.now.Add(d)
	for _, t := range f.tickers {
		for !t.stopped && !t.next.After(f.now) {
			select {
			case t.ch <- t.next:
			default:
			}
			t.next = t.next.Add(t.period)
		}
	}
}

type fakeTicker struct {
	period  time.Duration
	next    time.Time
	ch      chan time.Time
	stopped bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }
func (t *fakeTicker) Stop()               { t.stopped = true }
