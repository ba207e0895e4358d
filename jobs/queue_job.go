// Copyright 2025 James Ross
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/substrate/clock"
	"github.com/flyingrobots/substrate/lock"
	"github.com/flyingrobots/substrate/queue"
)

// QueueJobOptions configures a queue-consuming job.
type QueueJobOptions struct {
	// DequeueTimeout bounds the wait for an entry per iteration.
	// Defaults to 30 seconds.
	DequeueTimeout time.Duration

	// AutoComplete settles the entry from the processor's outcome when
	// it did not settle the entry itself. Defaults to true; set
	// DisableAutoComplete to opt out.
	DisableAutoComplete bool

	// EntryLockProvider, when set, guards each entry with a per-entry
	// lock; an entry whose lock is busy is abandoned for another
	// worker without failing the iteration.
	EntryLockProvider lock.Provider
	EntryLockTimeout  time.Duration

	Clock  clock.Clock
	Logger *zap.Logger
}

// queueJob consumes one entry per Run: dequeue, lock, process, settle.
type queueJob[T any] struct {
	q       queue.Queue[T]
	process queue.Handler[T]
	opts    QueueJobOptions
	log     *zap.Logger
}

// NewQueueJob builds a Job that processes one queue entry per
// iteration; pair it with a continuous Runner to consume the queue.
func NewQueueJob[T any](q queue.Queue[T], process queue.Handler[T], opts QueueJobOptions) Job {
	if opts.DequeueTimeout <= 0 {
		opts.DequeueTimeout = 30 * time.Second
	}
	if opts.EntryLockTimeout <= 0 {
		opts.EntryLockTimeout = time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = clock.System()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &queueJob[T]{
		q:       q,
		process: process,
		opts:    opts,
		log:     opts.Logger.Named("queue-job").With(zap.String("queue", q.Name())),
	}
}

func (j *queueJob[T]) Run(ctx context.Context) Result {
	e, err := j.q.Dequeue(ctx, j.opts.DequeueTimeout)
	if err != nil {
		if errors.Is(err, queue.ErrQueueClosed) {
			return Cancelled("queue closed")
		}
		return Failure(err, "dequeue failed")
	}
	if e == nil {
		return SuccessWithMessage("no queue entry within %s", j.opts.DequeueTimeout)
	}

	if ctx.Err() != nil {
		j.abandon(e)
		return Cancelled("cancellation requested, entry abandoned")
	}

	if j.opts.EntryLockProvider != nil {
		key := fmt.Sprintf("queue-entry:%s:%s", j.q.Name(), e.ID())
		l, err := j.opts.EntryLockProvider.Acquire(ctx, key, j.opts.EntryLockTimeout, 0)
		if err != nil {
			j.abandon(e)
			return Failure(err, "entry lock acquisition failed")
		}
		if l == nil {
			j.abandon(e)
			return SuccessWithMessage("entry %s locked by another worker", e.ID())
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := l.Release(releaseCtx); err != nil {
				j.log.Warn("entry lock release failed", zap.String("entry_id", e.ID()), zap.Error(err))
			}
		}()
	}

	if herr := j.invoke(ctx, e); herr != nil {
		j.log.Error("queue entry processing failed",
			zap.String("entry_id", e.ID()), zap.Int("attempts", e.Attempts()), zap.Error(herr))
		j.abandon(e)
		return Failure(herr, "processing entry %s failed", e.ID())
	}

	if j.opts.DisableAutoComplete || e.IsSettled() {
		return Success()
	}
	if err := e.Complete(ctx); err != nil {
		if errors.Is(err, queue.ErrInvalidState) {
			// The visibility lease expired mid-processing and the
			// maintenance sweep requeued the entry; end the iteration
			// cleanly and let the next dequeue pick it up.
			j.log.Warn("entry settled elsewhere before completion", zap.String("entry_id", e.ID()))
			return SuccessWithMessage("entry %s was settled elsewhere", e.ID())
		}
		return Failure(err, "completing entry %s failed", e.ID())
	}
	return Success()
}

func (j *queueJob[T]) invoke(ctx context.Context, e *queue.Entry[T]) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("processor panic: %v", rec)
		}
	}()
	return j.process(ctx, e)
}

// abandon settles the entry on the non-success paths, tolerating the
// lease-expiry race.
func (j *queueJob[T]) abandon(e *queue.Entry[T]) {
	if e.IsSettled() {
		return
	}
	releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Abandon(releaseCtx); err != nil && !errors.Is(err, queue.ErrInvalidState) {
		j.log.Error("abandon failed", zap.String("entry_id", e.ID()), zap.Error(err))
	}
}

// QueueStatsContinue builds a run-until-empty predicate from queue
// stats: keep iterating while entries are queued or in flight.
func QueueStatsContinue[T any](q queue.Queue[T]) func(ctx context.Context) bool {
	return func(ctx context.Context) bool {
		s, err := q.Stats(ctx)
		if err != nil {
			return false
		}
		return s.Queued+s.Working > 0
	}
}
