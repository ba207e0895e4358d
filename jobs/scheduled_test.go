// Copyright 2025 James Ross
package jobs

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flyingrobots/substrate/cache"
	"github.com/flyingrobots/substrate/clock"
	"github.com/flyingrobots/substrate/lock"
)

func TestScheduledRunnerRejectsBadCron(t *testing.T) {
	clk := clock.Test(time.Unix(0, 0))
	throttle := lock.NewThrottlingProvider(cache.NewMemory(clk), 1, time.Minute, clk)
	_, err := NewScheduledRunner(ScheduledOptions{
		Jobs: []ScheduledJob{{
			Name:     "bad",
			Factory:  func() Job { return JobFunc(func(context.Context) Result { return Success() }) },
			Schedule: "not-a-cron",
		}},
		Throttle: throttle,
		Clock:    clk,
	})
	if err == nil {
		t.Fatalf("expected configuration error for bad cron expression")
	}
}

func TestScheduledRunnerFiresEveryMinute(t *testing.T) {
	clk := clock.Test(time.Unix(0, 0))
	throttle := lock.NewThrottlingProvider(newSweeplessCache(clk), 1, time.Minute, clk)
	var runs atomic.Int32
	r, err := NewScheduledRunner(ScheduledOptions{
		Jobs: []ScheduledJob{{
			Name: "minutely",
			Factory: func() Job {
				return JobFunc(func(context.Context) Result {
					runs.Add(1)
					return Success()
				})
			},
			Schedule: "* * * * *",
		}},
		Throttle: throttle,
		Clock:    clk,
	})
	if err != nil {
		t.Fatalf("new scheduled runner: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	for minute := 1; minute <= 3; minute++ {
		waitForWaiters(t, clk, 1)
		clk.Advance(time.Minute)
		waitForCount(t, &runs, int32(minute))
	}
}

func TestScheduledRunnerSingleFireAcrossCluster(t *testing.T) {
	clk := clock.Test(time.Unix(0, 0))
	shared := newSweeplessCache(clk)
	var runs atomic.Int32
	factory := func() Job {
		return JobFunc(func(context.Context) Result {
			runs.Add(1)
			return Success()
		})
	}
	newRunner := func() *ScheduledRunner {
		r, err := NewScheduledRunner(ScheduledOptions{
			Jobs: []ScheduledJob{{Name: "cluster-job", Factory: factory, Schedule: "* * * * *"}},
			// Both runners share one cache-backed throttle, so each
			// minute bucket admits exactly one execution.
			Throttle: lock.NewThrottlingProvider(shared, 1, time.Minute, clk),
			Clock:    clk,
		})
		if err != nil {
			t.Fatalf("new scheduled runner: %v", err)
		}
		return r
	}
	a, b := newRunner(), newRunner()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.Run(ctx) }()
	go func() { _ = b.Run(ctx) }()

	for minute := 1; minute <= 3; minute++ {
		waitForWaiters(t, clk, 2)
		clk.Advance(time.Minute)
		waitForCount(t, &runs, int32(minute))
		// Give the losing runner a beat to prove it stays quiet.
		time.Sleep(10 * time.Millisecond)
		if runs.Load() != int32(minute) {
			t.Fatalf("minute %d ran more than once: %d", minute, runs.Load())
		}
	}
}

// newSweeplessCache disables the background sweep so WaiterCount only
// reflects the scheduler's own sleeps and tickers.
func newSweeplessCache(clk clock.Clock) *cache.Memory {
	return cache.NewMemoryWith(cache.MemoryOptions{Clock: clk, SweepInterval: -1})
}

func waitForWaiters(t *testing.T, clk *clock.TestClock, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for clk.WaiterCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clock waiters, have %d", n, clk.WaiterCount())
		}
		time.Sleep(time.Millisecond)
	}
}

func waitForCount(t *testing.T, c *atomic.Int32, want int32) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.Load() < want {
		if time.Now().After(deadline) {
			t.Fatalf("expected count %d, have %d", want, c.Load())
		}
		time.Sleep(time.Millisecond)
	}
}
