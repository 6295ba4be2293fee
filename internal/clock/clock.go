// Package clock abstracts time so schedulers can be driven by virtual time
// in tests instead of wall-clock delays.
package clock

import (
	"sync"
	"time"
)

// Ticker delivers periodic ticks until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Clock supplies the current time and timer primitives.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
	After(d time.Duration) <-chan time.Time
}

// System returns a Clock backed by the real time package.
func System() Clock { return systemClock{} }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) NewTicker(d time.Duration) Ticker {
	return systemTicker{ticker: time.NewTicker(d)}
}

func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

type systemTicker struct {
	ticker *time.Ticker
}

func (t systemTicker) C() <-chan time.Time { return t.ticker.C }
func (t systemTicker) Stop()               { t.ticker.Stop() }

// Manual is a Clock advanced explicitly by tests.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*manualTicker
	waiters []*manualWaiter
}

// NewManual constructs a manual clock starting at the given instant.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the current virtual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// NewTicker registers a virtual ticker firing every d of virtual time.
func (m *Manual) NewTicker(d time.Duration) Ticker {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTicker{
		parent:   m,
		interval: d,
		next:     m.now.Add(d),
		ch:       make(chan time.Time, 1),
	}
	m.tickers = append(m.tickers, t)
	return t
}

// After registers a one-shot virtual timer.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := &manualWaiter{
		deadline: m.now.Add(d),
		ch:       make(chan time.Time, 1),
	}
	m.waiters = append(m.waiters, w)
	return w.ch
}

// Advance moves virtual time forward, firing due tickers and timers in
// deadline order. Tick delivery is non-blocking; a ticker whose consumer has
// not drained the previous tick coalesces, matching time.Ticker behaviour.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	for {
		next, ok := m.nextDeadlineLocked(target)
		if !ok {
			break
		}
		m.now = next
		m.fireLocked(next)
	}
	m.now = target
	m.mu.Unlock()
}

func (m *Manual) nextDeadlineLocked(target time.Time) (time.Time, bool) {
	var next time.Time
	found := false
	consider := func(deadline time.Time) {
		if deadline.After(target) || deadline.Before(m.now) || deadline.Equal(m.now) {
			return
		}
		if !found || deadline.Before(next) {
			next = deadline
			found = true
		}
	}
	for _, t := range m.tickers {
		if !t.stopped {
			consider(t.next)
		}
	}
	for _, w := range m.waiters {
		if !w.fired {
			consider(w.deadline)
		}
	}
	return next, found
}

func (m *Manual) fireLocked(now time.Time) {
	for _, t := range m.tickers {
		for !t.stopped && !t.next.After(now) {
			select {
			case t.ch <- t.next:
			default:
			}
			t.next = t.next.Add(t.interval)
		}
	}
	for _, w := range m.waiters {
		if !w.fired && !w.deadline.After(now) {
			w.fired = true
			w.ch <- w.deadline
		}
	}
}

type manualTicker struct {
	parent   *Manual
	interval time.Duration
	next     time.Time
	ch       chan time.Time
	stopped  bool
}

func (t *manualTicker) C() <-chan time.Time { return t.ch }

func (t *manualTicker) Stop() {
	t.parent.mu.Lock()
	t.stopped = true
	t.parent.mu.Unlock()
}

type manualWaiter struct {
	deadline time.Time
	ch       chan time.Time
	fired    bool
}
