// Copyright 2025 James Ross
package messaging

import (
	"context"
	"fmt"
	"reflect"
	"sync/atomic"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/flyingrobots/substrate/clock"
	"github.com/flyingrobots/substrate/serializer"
)

// NATSBusOptions configures a NATS-backed bus.
type NATSBusOptions struct {
	// Subject carries the envelopes; defaults to "substrate.messages".
	Subject           string
	Serializer        serializer.Serializer
	Clock             clock.Clock
	Logger            *zap.Logger
	OnSubscriberError SubscriberErrorHook
}

// NATSBus carries the shared envelope format over a NATS subject.
// Like the Redis bus it has no backlog: core NATS delivery is
// at-most-once to currently connected subscribers.
type NATSBus struct {
	conn   *nats.Conn
	subj   string
	ser    serializer.Serializer
	clk    clock.Clock
	log    *zap.Logger
	r      *router
	reg    *typeRegistry
	sub    *nats.Subscription
	closed atomic.Bool
}

// NewNATSBus wires the bus onto an existing connection.
func NewNATSBus(conn *nats.Conn, opts NATSBusOptions) (*NATSBus, error) {
	if opts.Subject == "" {
		opts.Subject = "substrate.messages"
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
	b := &NATSBus{
		conn: conn,
		subj: opts.Subject,
		ser:  opts.Serializer,
		clk:  opts.Clock,
		log:  opts.Logger,
		r:    newRouter(opts.Logger, opts.OnSubscriberError),
		reg:  newTypeRegistry(),
	}
	sub, err := conn.Subscribe(b.subj, func(m *nats.Msg) {
		decodeAndDispatch(m.Data, b.reg, b.ser, b.r, b.log)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", b.subj, err)
	}
	b.sub = sub
	return b, nil
}

func (b *NATSBus) Publish(_ context.Context, message any, opts ...PublishOption) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	o := buildPublishOptions(opts)
	if o.Delay > 0 {
		b.clk.AfterFunc(o.Delay, func() {
			if b.closed.Load() {
				return
			}
			raw, err := encodeEnvelope(message, o.CorrelationID, b.ser)
			if err != nil {
				b.log.Error("delayed publish encode failed", zap.Error(err))
				return
			}
			if err := b.conn.Publish(b.subj, raw); err != nil {
				b.log.Error("delayed publish failed", zap.Error(err))
			}
		})
		return nil
	}
	raw, err := encodeEnvelope(message, o.CorrelationID, b.ser)
	if err != nil {
		return err
	}
	return b.conn.Publish(b.subj, raw)
}

func (b *NATSBus) SubscribeType(ctx context.Context, t reflect.Type, h Handler) (*Subscription, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	b.reg.register(t)
	return b.r.add(ctx, t, h)
}

// RegisterMessageType makes a concrete type decodable without a direct
// subscription for it, so interface subscriptions can match it.
func (b *NATSBus) RegisterMessageType(t reflect.Type) { b.reg.register(t) }

func (b *NATSBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := b.sub.Unsubscribe()
	b.r.cancelAll()
	return err
}
