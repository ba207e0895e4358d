// Copyright 2025 James Ross
package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flyingrobots/substrate/cache"
	"github.com/flyingrobots/substrate/clock"
)

func TestCacheProviderAcquireRelease(t *testing.T) {
	p := NewCacheProvider(cache.NewMemory(nil), nil, nil)
	ctx := context.Background()

	l, err := p.Acquire(ctx, "job", time.Minute, 0)
	if err != nil || l == nil {
		t.Fatalf("acquire: %v %v", l, err)
	}
	if locked, _ := p.IsLocked(ctx, "job"); !locked {
		t.Fatalf("expected locked")
	}

	// Busy lock with no acquire timeout returns nil, nil.
	l2, err := p.Acquire(ctx, "job", time.Minute, 0)
	if err != nil || l2 != nil {
		t.Fatalf("expected busy lock: %v %v", l2, err)
	}

	if err := l.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := l.Release(ctx); err != nil {
		t.Fatalf("second release should be a no-op: %v", err)
	}
	if locked, _ := p.IsLocked(ctx, "job"); locked {
		t.Fatalf("expected unlocked")
	}
}

func TestCacheProviderReleaseDoesNotStealOtherOwner(t *testing.T) {
	c := cache.NewMemory(nil)
	p := NewCacheProvider(c, nil, nil)
	ctx := context.Background()

	l1, _ := p.Acquire(ctx, "job", time.Minute, 0)
	// Simulate expiry plus takeover by another acquirer.
	_, _ = c.Remove(ctx, "lock:job")
	l2, _ := p.Acquire(ctx, "job", time.Minute, 0)
	if l2 == nil {
		t.Fatalf("second acquire should win after expiry")
	}
	if err := l1.Release(ctx); err != nil {
		t.Fatalf("stale release should be a no-op: %v", err)
	}
	if locked, _ := p.IsLocked(ctx, "job"); !locked {
		t.Fatalf("stale release must not free the new owner's lock")
	}
	if err := l1.Renew(ctx, time.Minute); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("stale renew should fail with ErrNotOwner, got %v", err)
	}
}

func TestCacheProviderAcquireWaits(t *testing.T) {
	clk := clock.Test(time.Unix(0, 0))
	c := cache.NewMemory(clk)
	p := NewCacheProvider(c, clk, nil)
	ctx := context.Background()

	l1, _ := p.Acquire(ctx, "job", 100*time.Millisecond, 0)
	if l1 == nil {
		t.Fatalf("initial acquire failed")
	}

	got := make(chan Lock, 1)
	go func() {
		l, _ := p.Acquire(ctx, "job", time.Minute, time.Second)
		got <- l
	}()
	// Pump the clock until the waiter's probe lands past the first
	// lock's TTL; each advance wakes one backoff sleep.
	deadline := time.Now().Add(5 * time.Second)
	for {
		select {
		case l := <-got:
			if l == nil {
				t.Fatalf("waiter should acquire after expiry")
			}
			return
		default:
		}
		if time.Now().After(deadline) {
			t.Fatalf("waiter did not acquire")
		}
		if clk.WaiterCount() > 0 {
			clk.Advance(60 * time.Millisecond)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDoRunsUnderLockAndReleases(t *testing.T) {
	p := NewCacheProvider(cache.NewMemory(nil), nil, nil)
	ctx := context.Background()
	ran := false
	ok, err := Do(ctx, p, "r", time.Minute, 0, func(context.Context) error {
		ran = true
		locked, _ := p.IsLocked(ctx, "r")
		if !locked {
			t.Fatalf("expected lock held inside fn")
		}
		return nil
	})
	if err != nil || !ok || !ran {
		t.Fatalf("do: ok=%v ran=%v err=%v", ok, ran, err)
	}
	if locked, _ := p.IsLocked(ctx, "r"); locked {
		t.Fatalf("lock not released")
	}
}

func TestThrottlingProviderBudget(t *testing.T) {
	clk := clock.Test(time.Unix(0, 0))
	c := cache.NewMemory(clk)
	p := NewThrottlingProvider(c, 2, time.Minute, clk)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		l, err := p.Acquire(ctx, "cron", 0, 0)
		if err != nil || l == nil {
			t.Fatalf("acquire %d: %v %v", i, l, err)
		}
		if err := l.Release(ctx); err != nil {
			t.Fatalf("release: %v", err)
		}
	}
	if l, _ := p.Acquire(ctx, "cron", 0, 0); l != nil {
		t.Fatalf("third acquire in the same period should be refused")
	}

	clk.Advance(time.Minute)
	if l, _ := p.Acquire(ctx, "cron", 0, 0); l == nil {
		t.Fatalf("new period should reset the budget")
	}
}

func TestThrottlingProviderSharedBudgetAcrossProviders(t *testing.T) {
	clk := clock.Test(time.Unix(0, 0))
	c := cache.NewMemory(clk)
	a := NewThrottlingProvider(c, 1, time.Minute, clk)
	b := NewThrottlingProvider(c, 1, time.Minute, clk)
	ctx := context.Background()

	la, _ := a.Acquire(ctx, "cron", 0, 0)
	lb, _ := b.Acquire(ctx, "cron", 0, 0)
	if la == nil {
		t.Fatalf("first provider should win")
	}
	if lb != nil {
		t.Fatalf("second provider must observe the shared budget")
	}
}
