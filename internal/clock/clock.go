// Package clock abstracts wall-clock access so periodic workers and
// deadline checks can be driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Clock provides the current time and timer channels.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker is the subset of time.Ticker the workers need.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Real is the wall clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now().UTC() }

func (Real) NewTicker(d time.Duration) Ticker {
	return realTicker{time.NewTicker(d)}
}

type realTicker struct{ t *time.Ticker }

func (rt realTicker) C() <-chan time.Time { return rt.t.C }
func (rt realTicker) Stop()               { rt.t.Stop() }

// Fake is a manually-advanced clock for tests. Safe for concurrent use;
// the code under test reads it from worker goroutines while the test
// advances it.
type Fake struct {
	mu    sync.Mutex
	now   time.Time
	ticks chan time.Time
}

// NewFake returns a fake clock frozen at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start, ticks: make(chan time.Time, 16)}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the clock forward and delivers one tick.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now
	f.mu.Unlock()
	select {
	case f.ticks <- now:
	default:
	}
}

func (f *Fake) NewTicker(time.Duration) Ticker { return fakeTicker{f.ticks} }

type fakeTicker struct{ ch chan time.Time }

func (ft fakeTicker) C() <-chan time.Time { return ft.ch }
func (ft fakeTicker) Stop()               {}
