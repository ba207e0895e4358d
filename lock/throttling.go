// Copyright 2025 James Ross
package lock

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/flyingrobots/substrate/cache"
	"github.com/flyingrobots/substrate/clock"
)

const throttlePrefix = "throttle:"

// ThrottlingProvider admits at most maxHits acquires per resource per
// period. Hit counts live in the shared cache, so processes sharing a
// Redis-backed cache share the budget; the cron scheduler relies on
// this to run a given occurrence at most once across a cluster.
type ThrottlingProvider struct {
	cache   cache.Cache
	maxHits int64
	period  time.Duration
	clk     clock.Clock
	// probe paces retries against the shared cache while a bucket is
	// exhausted, so waiting acquirers do not hammer the backend.
	probe *rate.Limiter
}

// NewThrottlingProvider builds a provider admitting maxHits acquires
// per period.
func NewThrottlingProvider(c cache.Cache, maxHits int, period time.Duration, clk clock.Clock) *ThrottlingProvider {
	if clk == nil {
		clk = clock.System()
	}
	return &ThrottlingProvider{
		cache:   c,
		maxHits: int64(maxHits),
		period:  period,
		clk:     clk,
		probe:   rate.NewLimiter(rate.Every(50*time.Millisecond), 1),
	}
}

func (p *ThrottlingProvider) bucket(now time.Time) int64 {
	return now.UnixNano() / p.period.Nanoseconds()
}

func (p *ThrottlingProvider) key(resource string, bucket int64) string {
	return fmt.Sprintf("%s%s:%d", throttlePrefix, resource, bucket)
}

// Acquire consumes one hit from the current period bucket. The lock
// timeout is ignored: a throttling acquire is spent, not held, and
// Release is a no-op.
func (p *ThrottlingProvider) Acquire(ctx context.Context, resource string, _ time.Duration, acquireTimeout time.Duration) (Lock, error) {
	deadline := p.clk.Now().Add(acquireTimeout)
	for {
		now := p.clk.Now()
		bucket := p.bucket(now)
		// Keep the bucket around for two periods so late readers still
		// observe an exhausted budget.
		hits, err := p.cache.Increment(ctx, p.key(resource, bucket), 1, 2*p.period)
		if err != nil {
			return nil, err
		}
		if hits <= p.maxHits {
			return &throttleLock{resource: resource, acquiredAt: now}, nil
		}
		if acquireTimeout <= 0 || !now.Before(deadline) {
			return nil, nil
		}
		if err := p.probe.Wait(ctx); err != nil {
			return nil, err
		}
		// Wait out the rest of the bucket unless the deadline is nearer.
		next := time.Unix(0, (bucket+1)*p.period.Nanoseconds())
		wait := next.Sub(p.clk.Now())
		if remaining := deadline.Sub(p.clk.Now()); wait > remaining {
			wait = remaining
		}
		if wait > 0 {
			if err := p.clk.Sleep(ctx, wait); err != nil {
				return nil, err
			}
		}
	}
}

func (p *ThrottlingProvider) IsLocked(ctx context.Context, resource string) (bool, error) {
	b, ok, err := p.cache.Get(ctx, p.key(resource, p.bucket(p.clk.Now())))
	if err != nil || !ok {
		return false, err
	}
	var hits int64
	_, scanErr := fmt.Sscanf(string(b), "%d", &hits)
	if scanErr != nil {
		return false, scanErr
	}
	return hits >= p.maxHits, nil
}

type throttleLock struct {
	resource   string
	acquiredAt time.Time
}

func (l *throttleLock) Resource() string { return l.resource }
func (l *throttleLock) AcquiredAt() time.Time { return l.acquiredAt }
func (l *throttleLock) Renew(context.Context, time.Duration) error { return nil }
func (l *throttleLock) Release(context.Context) error { return nil }
