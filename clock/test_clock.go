// Copyright 2025 James Ross
package clock

import (
	"context"
	"sort"
	"sync"
	"time"
)

// TestClock is a manual-advance Clock. Time only moves when Advance or
// Set is called; due timers and tickers fire synchronously, in
// chronological order, on the advancing goroutine.
type TestClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*testTimer
	nextID int
}

// Test returns a TestClock pinned at start.
func Test(start time.Time) *TestClock {
	return &TestClock{now: start}
}

type testTimer struct {
	clk     *TestClock
	id      int
	due     time.Time
	period  time.Duration // 0 for one-shot
	fire    func(now time.Time)
	ch      chan time.Time
	stopped bool
}

func (t *testTimer) Stop() bool {
	t.clk.mu.Lock()
	defer t.clk.mu.Unlock()
	was := t.stopped
	t.stopped = true
	t.clk.remove(t)
	return !was
}

func (c *TestClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *TestClock) NowUTC() time.Time { return c.Now().UTC() }

func (c *TestClock) Since(t time.Time) time.Duration { return c.Now().Sub(t) }

func (c *TestClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.add(d, 0, func(now time.Time) {
		select {
		case ch <- now:
		default:
		}
	}, ch)
	return ch
}

func (c *TestClock) AfterFunc(d time.Duration, f func()) Timer {
	return c.add(d, 0, func(time.Time) { f() }, nil)
}

func (c *TestClock) NewTicker(d time.Duration) Ticker {
	ch := make(chan time.Time, 1)
	t := c.add(d, d, func(now time.Time) {
		select {
		case ch <- now:
		default:
		}
	}, ch)
	return &testTicker{t: t, ch: ch}
}

func (c *TestClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.After(d):
		return nil
	}
}

// Advance moves the clock forward by d, firing every timer and ticker
// that comes due along the way.
func (c *TestClock) Advance(d time.Duration) {
	c.Set(c.Now().Add(d))
}

// Set moves the clock to t, which must not be in the past.
func (c *TestClock) Set(target time.Time) {
	for {
		c.mu.Lock()
		t := c.earliestDue(target)
		if t == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		if t.due.After(c.now) {
			c.now = t.due
		}
		now := c.now
		if t.period > 0 {
			t.due = t.due.Add(t.period)
		} else {
			t.stopped = true
			c.remove(t)
		}
		c.mu.Unlock()
		t.fire(now)
	}
}

// WaiterCount reports how many timers and tickers are armed; tests use
// it to synchronize with code that registers waits on another goroutine.
func (c *TestClock) WaiterCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

func (c *TestClock) add(d, period time.Duration, fire func(time.Time), ch chan time.Time) *testTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	t := &testTimer{clk: c, id: c.nextID, due: c.now.Add(d), period: period, fire: fire, ch: ch}
	if d <= 0 && period == 0 {
		// Fire immediately without waiting for an Advance.
		t.stopped = true
		now := c.now
		go fire(now)
		return t
	}
	c.timers = append(c.timers, t)
	return t
}

// earliestDue returns the earliest armed timer due at or before target.
// Caller holds mu.
func (c *TestClock) earliestDue(target time.Time) *testTimer {
	sort.SliceStable(c.timers, func(i, j int) bool {
		if c.timers[i].due.Equal(c.timers[j].due) {
			return c.timers[i].id < c.timers[j].id
		}
		return c.timers[i].due.Before(c.timers[j].due)
	})
	for _, t := range c.timers {
		if !t.stopped && !t.due.After(target) {
			return t
		}
	}
	return nil
}

// remove unregisters t. Caller holds mu.
func (c *TestClock) remove(rm *testTimer) {
	for i, t := range c.timers {
		if t == rm {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			return
		}
	}
}

type testTicker struct {
	t  *testTimer
	ch chan time.Time
}

func (t *testTicker) C() <-chan time.Time { return t.ch }
func (t *testTicker) Stop()               { t.t.Stop() }
