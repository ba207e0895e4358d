// Copyright 2025 James Ross
package messaging

import (
	"context"
	"reflect"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/flyingrobots/substrate/clock"
)

// MemoryOptions configures an in-process bus.
type MemoryOptions struct {
	Clock             clock.Clock
	Logger            *zap.Logger
	OnSubscriberError SubscriberErrorHook
}

// Memory is an in-process MessageBus. Delivery is asynchronous; delayed
// publishes are scheduled on the clock and dropped when their time
// arrives after Close.
type Memory struct {
	r      *router
	clk    clock.Clock
	log    *zap.Logger
	closed atomic.Bool
}

// NewMemory builds an in-process bus.
func NewMemory(opts MemoryOptions) *Memory {
	if opts.Clock == nil {
		opts.Clock = clock.System()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Memory{
		r:   newRouter(opts.Logger, opts.OnSubscriberError),
		clk: opts.Clock,
		log: opts.Logger,
	}
}

func (b *Memory) Publish(_ context.Context, message any, opts ...PublishOption) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	o := buildPublishOptions(opts)
	if o.Delay > 0 {
		b.clk.AfterFunc(o.Delay, func() {
			if b.closed.Load() {
				b.log.Debug("dropping delayed message on closed bus")
				return
			}
			b.r.dispatch(message)
		})
		return nil
	}
	b.r.dispatch(message)
	return nil
}

func (b *Memory) SubscribeType(ctx context.Context, t reflect.Type, h Handler) (*Subscription, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	return b.r.add(ctx, t, h)
}

func (b *Memory) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.r.cancelAll()
	return nil
}
