// Copyright 2025 James Ross
package clock

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestTestClockAdvanceFiresInOrder(t *testing.T) {
	c := Test(time.Unix(0, 0))
	var order []int
	c.AfterFunc(200*time.Millisecond, func() { order = append(order, 2) })
	c.AfterFunc(100*time.Millisecond, func() { order = append(order, 1) })
	c.Advance(300 * time.Millisecond)
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("expected [1 2], got %v", order)
	}
	if got := c.Now(); got != time.Unix(0, 0).Add(300*time.Millisecond) {
		t.Fatalf("unexpected now: %v", got)
	}
}

func TestTestClockStopPreventsFire(t *testing.T) {
	c := Test(time.Unix(0, 0))
	var fired int32
	tm := c.AfterFunc(50*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	if !tm.Stop() {
		t.Fatalf("expected Stop to report true")
	}
	c.Advance(time.Second)
	if atomic.LoadInt32(&fired) != 0 {
		t.Fatalf("stopped timer fired")
	}
}

func TestTestClockTicker(t *testing.T) {
	c := Test(time.Unix(0, 0))
	tk := c.NewTicker(time.Minute)
	defer tk.Stop()
	c.Advance(time.Minute)
	select {
	case <-tk.C():
	default:
		t.Fatalf("expected tick after one period")
	}
	c.Advance(time.Minute)
	select {
	case <-tk.C():
	default:
		t.Fatalf("expected tick after second period")
	}
}

func TestTestClockSleepWakesOnAdvance(t *testing.T) {
	c := Test(time.Unix(0, 0))
	done := make(chan error, 1)
	go func() { done <- c.Sleep(context.Background(), 100*time.Millisecond) }()
	for c.WaiterCount() == 0 {
		time.Sleep(time.Millisecond)
	}
	c.Advance(100 * time.Millisecond)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("sleep: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("sleep did not wake")
	}
}

func TestSystemSleepHonorsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := System().Sleep(ctx, time.Minute); err == nil {
		t.Fatalf("expected context error")
	}
}
