// Copyright 2025 James Ross

// Package lock provides distributed lock providers used by job runners
// and queue consumers: an exclusive cache-backed provider with owner
// tokens, and a throttling provider admitting a bounded number of
// acquires per period.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrNotOwner is returned when renewing or releasing a lock that is now
// held by a different acquirer.
var ErrNotOwner = errors.New("lock: not the owner")

// Lock is a held lock. Release is idempotent; Renew extends the lock
// lifetime from now.
type Lock interface {
	Resource() string
	AcquiredAt() time.Time
	Renew(ctx context.Context, lockTimeout time.Duration) error
	Release(ctx context.Context) error
}

// Provider hands out locks. Acquire blocks up to acquireTimeout for the
// lock to become free and returns (nil, nil) when it stayed busy; an
// acquireTimeout <= 0 means a single attempt.
type Provider interface {
	Acquire(ctx context.Context, resource string, lockTimeout, acquireTimeout time.Duration) (Lock, error)
	IsLocked(ctx context.Context, resource string) (bool, error)
}

// Do runs fn under a lock on resource, releasing it on every exit path.
// It reports false without running fn when the lock stayed busy.
func Do(ctx context.Context, p Provider, resource string, lockTimeout, acquireTimeout time.Duration, fn func(ctx context.Context) error) (bool, error) {
	l, err := p.Acquire(ctx, resource, lockTimeout, acquireTimeout)
	if err != nil {
		return false, err
	}
	if l == nil {
		return false, nil
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = l.Release(releaseCtx)
	}()
	return true, fn(ctx)
}
