// Copyright 2025 James Ross

// Package messaging provides topic-style publish/subscribe with
// type-hierarchy dispatch and optional delayed delivery. Subscribers
// register against a Go type; a published message is delivered to every
// subscription whose type its runtime type is assignable to, so an
// interface subscription receives all implementations and a
// Subscribe[any] subscription receives everything.
package messaging

import (
	"context"
	"errors"
	"reflect"
	"time"
)

// ErrBusClosed is returned by Publish after the bus has been closed.
var ErrBusClosed = errors.New("messaging: bus closed")

// Handler processes one delivered message. Handlers run on their own
// goroutine per delivery; a failure is isolated to the subscription.
type Handler func(ctx context.Context, msg any) error

// MessageBus is the pub/sub surface. Messages with no matching
// subscriber are dropped; there is no backlog or persistence.
type MessageBus interface {
	// Publish delivers message to matching subscribers. With
	// WithDelay the message is withheld until the delay elapses; a
	// delayed message whose time arrives after Close is dropped.
	Publish(ctx context.Context, message any, opts ...PublishOption) error

	// SubscribeType registers a handler for all messages whose runtime
	// type is assignable to t. The subscription lives until its Cancel
	// is called or ctx is done.
	SubscribeType(ctx context.Context, t reflect.Type, h Handler) (*Subscription, error)

	Close() error
}

// Subscribe registers a typed handler on bus. T may be a concrete
// type, an interface, or any.
func Subscribe[T any](ctx context.Context, bus MessageBus, h func(ctx context.Context, msg T) error) (*Subscription, error) {
	t := reflect.TypeFor[T]()
	return bus.SubscribeType(ctx, t, func(ctx context.Context, msg any) error {
		v, ok := msg.(T)
		if !ok {
			return nil
		}
		return h(ctx, v)
	})
}

// PublishOptions carries per-publish settings.
type PublishOptions struct {
	Delay         time.Duration
	CorrelationID string
}

// PublishOption mutates PublishOptions.
type PublishOption func(*PublishOptions)

// WithDelay withholds the message for d before dispatch.
func WithDelay(d time.Duration) PublishOption {
	return func(o *PublishOptions) { o.Delay = d }
}

// WithCorrelationID stamps the message envelope on wire transports.
func WithCorrelationID(id string) PublishOption {
	return func(o *PublishOptions) { o.CorrelationID = id }
}

func buildPublishOptions(opts []PublishOption) PublishOptions {
	var o PublishOptions
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// SubscriberErrorHook observes handler failures; it must not block.
type SubscriberErrorHook func(subscriptionID string, msg any, err error)
