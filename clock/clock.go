// Copyright 2025 James Ross

// Package clock abstracts the time source used by queues, buses and job
// runners so that visibility timeouts, retry delays and schedules can be
// driven deterministically in tests.
package clock

import (
	"context"
	"time"
)

// Timer is a handle to a pending AfterFunc callback.
type Timer interface {
	// Stop prevents the callback from firing. It reports whether the
	// call stopped the timer before it fired.
	Stop() bool
}

// Ticker delivers ticks on C until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Clock is the time source. All timed waits in this module go through a
// Clock so tests can install a manual-advance variant.
type Clock interface {
	Now() time.Time
	NowUTC() time.Time
	Since(t time.Time) time.Duration
	After(d time.Duration) <-chan time.Time
	AfterFunc(d time.Duration, f func()) Timer
	NewTicker(d time.Duration) Ticker
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in
	// the latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

// System returns the real, process-wide clock.
func System() Clock { return systemClock{} }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }
func (systemClock) NowUTC() time.Time { return time.Now().UTC() }
func (systemClock) Since(t time.Time) time.Duration { return time.Since(t) }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return sysTimer{time.AfterFunc(d, f)}
}

func (systemClock) NewTicker(d time.Duration) Ticker {
	return &sysTicker{time.NewTicker(d)}
}

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type sysTimer struct{ t *time.Timer }

func (s sysTimer) Stop() bool { return s.t.Stop() }

type sysTicker struct{ t *time.Ticker }

func (s *sysTicker) C() <-chan time.Time { return s.t.C }
func (s *sysTicker) Stop() { s.t.Stop() }
