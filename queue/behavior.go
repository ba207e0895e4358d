// Copyright 2025 James Ross
package queue

import (
	"context"
	"sync"
)

// Behavior observes a queue's lifecycle events to implement
// cross-cutting concerns like metrics and logging. OnEnqueuing may veto
// the enqueue by returning false.
type Behavior[T any] interface {
	OnEnqueuing(ctx context.Context, queueName string, value T, opts *EnqueueOptions) (proceed bool, err error)
	OnEnqueued(ctx context.Context, e *Entry[T])
	OnDequeued(ctx context.Context, e *Entry[T])
	OnLockRenewed(ctx context.Context, e *Entry[T])
	OnCompleted(ctx context.Context, e *Entry[T])
	OnAbandoned(ctx context.Context, e *Entry[T])
}

// BaseBehavior is a no-op Behavior for embedding.
type BaseBehavior[T any] struct{}

func (BaseBehavior[T]) OnEnqueuing(context.Context, string, T, *EnqueueOptions) (bool, error) {
	return true, nil
}
func (BaseBehavior[T]) OnEnqueued(context.Context, *Entry[T])    {}
func (BaseBehavior[T]) OnDequeued(context.Context, *Entry[T])    {}
func (BaseBehavior[T]) OnLockRenewed(context.Context, *Entry[T]) {}
func (BaseBehavior[T]) OnCompleted(context.Context, *Entry[T])   {}
func (BaseBehavior[T]) OnAbandoned(context.Context, *Entry[T])   {}

// behaviors is the ordered hook list a queue dispatches through.
type behaviors[T any] struct {
	mu   sync.RWMutex
	list []Behavior[T]
}

func (b *behaviors[T]) attach(bh Behavior[T]) {
	b.mu.Lock()
	b.list = append(b.list, bh)
	b.mu.Unlock()
}

func (b *behaviors[T]) all() []Behavior[T] {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Behavior[T], len(b.list))
	copy(out, b.list)
	return out
}

// enqueuing runs the veto chain; the first false or error stops the
// enqueue.
func (b *behaviors[T]) enqueuing(ctx context.Context, name string, value T, opts *EnqueueOptions) (bool, error) {
	for _, bh := range b.all() {
		proceed, err := bh.OnEnqueuing(ctx, name, value, opts)
		if err != nil {
			return false, err
		}
		if !proceed {
			return false, nil
		}
	}
	return true, nil
}

func (b *behaviors[T]) enqueued(ctx context.Context, e *Entry[T]) {
	for _, bh := range b.all() {
		bh.OnEnqueued(ctx, e)
	}
}

func (b *behaviors[T]) dequeued(ctx context.Context, e *Entry[T]) {
	for _, bh := range b.all() {
		bh.OnDequeued(ctx, e)
	}
}

func (b *behaviors[T]) lockRenewed(ctx context.Context, e *Entry[T]) {
	for _, bh := range b.all() {
		bh.OnLockRenewed(ctx, e)
	}
}

func (b *behaviors[T]) completed(ctx context.Context, e *Entry[T]) {
	for _, bh := range b.all() {
		bh.OnCompleted(ctx, e)
	}
}

func (b *behaviors[T]) abandoned(ctx context.Context, e *Entry[T]) {
	for _, bh := range b.all() {
		bh.OnAbandoned(ctx, e)
	}
}
