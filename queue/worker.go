// Copyright 2025 James Ross
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/substrate/clock"
	"github.com/flyingrobots/substrate/internal/breaker"
)

const (
	consumerDequeueWait = 5 * time.Second
	consumerErrorPause  = 100 * time.Millisecond
)

// consumeLoop is the consumer loop behind StartWorking, shared by every
// backend. Backend dequeue errors feed a circuit breaker so a failing
// transport gets probed instead of hammered; handler errors abandon the
// entry (respecting retries) and count toward the queue's error
// counter. A settle race with the maintenance sweep (the lease expired
// while the handler ran) surfaces as ErrInvalidState and ends the
// iteration cleanly.
func consumeLoop[T any](ctx context.Context, q Queue[T], handler Handler[T], autoComplete bool, log *zap.Logger, clk clock.Clock) {
	cb := breaker.New(breaker.Options{
		Window:      30 * time.Second,
		Cooldown:    5 * time.Second,
		FailureRate: 0.5,
		MinSamples:  5,
		Now:         clk.Now,
	})

	for ctx.Err() == nil {
		if !cb.Allow() {
			if clk.Sleep(ctx, consumerErrorPause) != nil {
				return
			}
			continue
		}
		e, err := q.Dequeue(ctx, consumerDequeueWait)
		if err != nil {
			if errors.Is(err, ErrQueueClosed) || ctx.Err() != nil {
				return
			}
			cb.Record(false)
			if ec, ok := q.(errorCounter); ok {
				ec.incErrors(ctx)
			}
			log.Error("dequeue failed", zap.Error(err))
			if clk.Sleep(ctx, consumerErrorPause) != nil {
				return
			}
			continue
		}
		cb.Record(true)
		if e == nil {
			continue
		}
		processEntry(ctx, q, e, handler, autoComplete, log)
	}
}

func processEntry[T any](ctx context.Context, q Queue[T], e *Entry[T], handler Handler[T], autoComplete bool, log *zap.Logger) {
	herr := invokeHandler(ctx, e, handler)
	if herr != nil {
		if ec, ok := q.(errorCounter); ok {
			ec.incErrors(ctx)
		}
		log.Error("handler failed, abandoning entry",
			zap.String("entry_id", e.ID()), zap.Int("attempts", e.Attempts()), zap.Error(herr))
		if !e.IsSettled() {
			if err := e.Abandon(ctx); err != nil && !errors.Is(err, ErrInvalidState) {
				log.Error("abandon failed", zap.String("entry_id", e.ID()), zap.Error(err))
			}
		}
		return
	}
	if !autoComplete || e.IsSettled() {
		return
	}
	if err := e.Complete(ctx); err != nil {
		if errors.Is(err, ErrInvalidState) {
			// The maintenance sweep reclaimed the lease while the
			// handler ran; the entry is back in the queue.
			log.Warn("entry settled elsewhere before completion",
				zap.String("entry_id", e.ID()), zap.Int("attempts", e.Attempts()))
			return
		}
		log.Error("complete failed", zap.String("entry_id", e.ID()), zap.Error(err))
	}
}

// invokeHandler runs the handler, translating a panic into an error so
// one bad entry cannot terminate the worker.
func invokeHandler[T any](ctx context.Context, e *Entry[T], handler Handler[T]) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return handler(ctx, e)
}
