// Copyright 2025 James Ross
package lock

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flyingrobots/substrate/cache"
	"github.com/flyingrobots/substrate/clock"
)

const keyPrefix = "lock:"

// CacheProvider implements Provider on top of any cache.Cache. The lock
// value is a per-acquire owner token; renew and release verify the token
// so a lock taken over by another process is never touched.
type CacheProvider struct {
	cache cache.Cache
	clk   clock.Clock
	log   *zap.Logger
}

// NewCacheProvider builds a provider over c. A nil clk defaults to the
// system clock, a nil log to a no-op logger.
func NewCacheProvider(c cache.Cache, clk clock.Clock, log *zap.Logger) *CacheProvider {
	if clk == nil {
		clk = clock.System()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &CacheProvider{cache: c, clk: clk, log: log}
}

func (p *CacheProvider) Acquire(ctx context.Context, resource string, lockTimeout, acquireTimeout time.Duration) (Lock, error) {
	token := uuid.NewString()
	key := keyPrefix + resource
	deadline := p.clk.Now().Add(acquireTimeout)
	delay := 50 * time.Millisecond

	for {
		acquired, err := p.cache.SetIfAbsent(ctx, key, []byte(token), lockTimeout)
		if err != nil {
			return nil, err
		}
		if acquired {
			p.log.Debug("lock acquired", zap.String("resource", resource), zap.Duration("timeout", lockTimeout))
			return &cacheLock{provider: p, resource: resource, token: token, acquiredAt: p.clk.Now()}, nil
		}
		if acquireTimeout <= 0 || !p.clk.Now().Add(delay).Before(deadline) {
			p.log.Debug("lock busy", zap.String("resource", resource))
			return nil, nil
		}
		if err := p.clk.Sleep(ctx, delay); err != nil {
			return nil, err
		}
		if delay < time.Second {
			delay *= 2
			if delay > time.Second {
				delay = time.Second
			}
		}
	}
}

func (p *CacheProvider) IsLocked(ctx context.Context, resource string) (bool, error) {
	return p.cache.Exists(ctx, keyPrefix+resource)
}

type cacheLock struct {
	provider   *CacheProvider
	resource   string
	token      string
	acquiredAt time.Time
	released   atomic.Bool
}

func (l *cacheLock) Resource() string      { return l.resource }
func (l *cacheLock) AcquiredAt() time.Time { return l.acquiredAt }

func (l *cacheLock) owned(ctx context.Context) (bool, error) {
	b, ok, err := l.provider.cache.Get(ctx, keyPrefix+l.resource)
	if err != nil {
		return false, err
	}
	return ok && string(b) == l.token, nil
}

func (l *cacheLock) Renew(ctx context.Context, lockTimeout time.Duration) error {
	if l.released.Load() {
		return ErrNotOwner
	}
	ok, err := l.owned(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotOwner
	}
	return l.provider.cache.Set(ctx, keyPrefix+l.resource, []byte(l.token), lockTimeout)
}

func (l *cacheLock) Release(ctx context.Context) error {
	if !l.released.CompareAndSwap(false, true) {
		return nil
	}
	ok, err := l.owned(ctx)
	if err != nil {
		return err
	}
	if !ok {
		// Expired or taken over; nothing of ours to release.
		return nil
	}
	_, err = l.provider.cache.Remove(ctx, keyPrefix+l.resource)
	return err
}
