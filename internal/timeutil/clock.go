// Package timeutil lets the playback clock and the frame cache read time and
// schedule ticks through an interface, so tests can drive both by hand.
package timeutil

import (
	"sync"
	"time"
)

// Clock is the time source.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	NewTicker(d time.Duration) Ticker
}

// Ticker delivers ticks on C. As with time.Ticker, one tick is buffered and
// ticks that find the buffer full are dropped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
	// Reset changes the period; the next tick is one new period away.
	Reset(d time.Duration)
}

// RealClock is the wall clock.
type RealClock struct{}

func (RealClock) Now() time.Time                  { return time.Now() }
func (RealClock) Since(t time.Time) time.Duration { return time.Since(t) }

func (RealClock) NewTicker(d time.Duration) Ticker {
	return wallTicker{time.NewTicker(d)}
}

type wallTicker struct{ t *time.Ticker }

func (w wallTicker) C() <-chan time.Time   { return w.t.C }
func (w wallTicker) Stop()                 { w.t.Stop() }
func (w wallTicker) Reset(d time.Duration) { w.t.Reset(d) }

// MockClock only moves when told to. Tickers created from it fire during
// Advance once their period has elapsed.
type MockClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*MockTicker
}

// NewMockClock returns a clock reading start.
func NewMockClock(start time.Time) *MockClock {
	return &MockClock{now: start}
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *MockClock) Since(t time.Time) time.Duration { return c.Now().Sub(t) }

// Set jumps to t without firing tickers.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Advance moves the clock forward by d. Each due ticker fires at most once,
// however many of its periods fit in d.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	for _, t := range c.tickers {
		if !t.stopped && !c.now.Before(t.due) {
			t.send(c.now)
			t.due = c.now.Add(t.period)
		}
	}
}

func (c *MockClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &MockTicker{clock: c, ch: make(chan time.Time, 1), period: d, due: c.now.Add(d)}
	c.tickers = append(c.tickers, t)
	return t
}

// ActiveTickers counts tickers that have not been stopped.
func (c *MockClock) ActiveTickers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.tickers {
		if !t.stopped {
			n++
		}
	}
	return n
}

// MockTicker is a Ticker owned by a MockClock. Its state is guarded by the
// clock's mutex.
type MockTicker struct {
	clock   *MockClock
	ch      chan time.Time
	period  time.Duration
	due     time.Time
	stopped bool
}

func (t *MockTicker) C() <-chan time.Time { return t.ch }

func (t *MockTicker) Stop() {
	t.clock.mu.Lock()
	t.stopped = true
	t.clock.mu.Unlock()
}

// Reset restarts the ticker with period d from the clock's current time.
func (t *MockTicker) Reset(d time.Duration) {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.stopped = false
	t.period = d
	t.due = t.clock.now.Add(d)
}

func (t *MockTicker) Stopped() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	return t.stopped
}

func (t *MockTicker) Interval() time.Duration {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	return t.period
}

// Trigger delivers a tick at now regardless of the schedule.
func (t *MockTicker) Trigger(now time.Time) { t.send(now) }

func (t *MockTicker) send(now time.Time) {
	select {
	case t.ch <- now:
	default:
	}
}
