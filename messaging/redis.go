// Copyright 2025 James Ross
package messaging

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flyingrobots/substrate/clock"
	"github.com/flyingrobots/substrate/serializer"
)

// RedisBusOptions configures a Redis pub/sub backed bus.
type RedisBusOptions struct {
	// Topic is the pub/sub channel; defaults to "substrate:messages".
	Topic             string
	Serializer        serializer.Serializer
	Clock             clock.Clock
	Logger            *zap.Logger
	OnSubscriberError SubscriberErrorHook
}

// RedisBus carries messages across processes over a Redis pub/sub
// channel. Published messages come back through the broker, so the
// publisher's own subscriptions receive them the same way every other
// process does. Delivery is fire-and-forget: a message published while
// no subscriber is connected is gone.
type RedisBus struct {
	rdb    redis.UniversalClient
	topic  string
	ser    serializer.Serializer
	clk    clock.Clock
	log    *zap.Logger
	r      *router
	reg    *typeRegistry
	pubsub *redis.PubSub
	closed atomic.Bool
	wg     sync.WaitGroup
}

// NewRedisBus connects the bus and starts its reader loop.
func NewRedisBus(ctx context.Context, rdb redis.UniversalClient, opts RedisBusOptions) (*RedisBus, error) {
	if opts.Topic == "" {
		opts.Topic = "substrate:messages"
	}
	if opts.Serializer == nil {
		opts.Serializer = serializer.JSON
	}
	if opts.Clock == nil {
		opts.Clock = clock.System()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	b := &RedisBus{
		rdb:   rdb,
		topic: opts.Topic,
		ser:   opts.Serializer,
		clk:   opts.Clock,
		log:   opts.Logger,
		r:     newRouter(opts.Logger, opts.OnSubscriberError),
		reg:   newTypeRegistry(),
	}
	b.pubsub = rdb.Subscribe(ctx, b.topic)
	// Force the subscription onto the wire before returning so a
	// publish right after construction is not lost.
	if _, err := b.pubsub.Receive(ctx); err != nil {
		_ = b.pubsub.Close()
		return nil, err
	}
	b.wg.Add(1)
	go b.readLoop()
	return b, nil
}

func (b *RedisBus) readLoop() {
	defer b.wg.Done()
	for msg := range b.pubsub.Channel() {
		decodeAndDispatch([]byte(msg.Payload), b.reg, b.ser, b.r, b.log)
	}
}

func (b *RedisBus) Publish(ctx context.Context, message any, opts ...PublishOption) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	o := buildPublishOptions(opts)
	if o.Delay > 0 {
		b.clk.AfterFunc(o.Delay, func() {
			if b.closed.Load() {
				return
			}
			b.publishNow(context.Background(), message, o.CorrelationID)
		})
		return nil
	}
	raw, err := encodeEnvelope(message, o.CorrelationID, b.ser)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.topic, raw).Err()
}

func (b *RedisBus) publishNow(ctx context.Context, message any, correlationID string) {
	raw, err := encodeEnvelope(message, correlationID, b.ser)
	if err != nil {
		b.log.Error("delayed publish encode failed", zap.Error(err))
		return
	}
	if err := b.rdb.Publish(ctx, b.topic, raw).Err(); err != nil {
		b.log.Error("delayed publish failed", zap.Error(err))
	}
}

func (b *RedisBus) SubscribeType(ctx context.Context, t reflect.Type, h Handler) (*Subscription, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	b.reg.register(t)
	return b.r.add(ctx, t, h)
}

// RegisterMessageType makes a concrete type decodable without a direct
// subscription for it, so interface subscriptions can match it.
func (b *RedisBus) RegisterMessageType(t reflect.Type) { b.reg.register(t) }

func (b *RedisBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := b.pubsub.Close()
	b.wg.Wait()
	b.r.cancelAll()
	return err
}
