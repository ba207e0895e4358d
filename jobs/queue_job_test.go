// Copyright 2025 James Ross
package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flyingrobots/substrate/cache"
	"github.com/flyingrobots/substrate/lock"
	"github.com/flyingrobots/substrate/queue"
)

type note struct {
	Text string `json:"text"`
}

func newNoteQueue(t *testing.T, opts queue.Options) *queue.Memory[note] {
	t.Helper()
	if opts.Name == "" {
		opts.Name = "notes"
	}
	q := queue.NewMemory[note](opts)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestQueueJobProcessesAndCompletes(t *testing.T) {
	q := newNoteQueue(t, queue.Options{})
	ctx := context.Background()
	_, _ = q.Enqueue(ctx, note{Text: "hi"})

	var got atomic.Value
	j := NewQueueJob[note](q, func(_ context.Context, e *queue.Entry[note]) error {
		got.Store(e.Value().Text)
		return nil
	}, QueueJobOptions{DequeueTimeout: 100 * time.Millisecond})

	res := j.Run(ctx)
	if !res.IsSuccess() {
		t.Fatalf("run: %+v", res)
	}
	if got.Load() != "hi" {
		t.Fatalf("handler not invoked with value: %v", got.Load())
	}
	s, _ := q.Stats(ctx)
	if s.Completed != 1 {
		t.Fatalf("expected auto-complete: %+v", s)
	}
}

func TestQueueJobEmptyQueueIsSuccess(t *testing.T) {
	q := newNoteQueue(t, queue.Options{})
	j := NewQueueJob[note](q, func(context.Context, *queue.Entry[note]) error { return nil },
		QueueJobOptions{DequeueTimeout: 20 * time.Millisecond})
	res := j.Run(context.Background())
	if !res.IsSuccess() || res.Message == "" {
		t.Fatalf("empty queue should be success with message: %+v", res)
	}
}

func TestQueueJobProcessorErrorAbandons(t *testing.T) {
	q := newNoteQueue(t, queue.Options{Retries: 0})
	ctx := context.Background()
	_, _ = q.Enqueue(ctx, note{})

	j := NewQueueJob[note](q, func(context.Context, *queue.Entry[note]) error {
		return errors.New("boom")
	}, QueueJobOptions{DequeueTimeout: 100 * time.Millisecond})

	res := j.Run(ctx)
	if res.Status != StatusFailure {
		t.Fatalf("expected failure: %+v", res)
	}
	s, _ := q.Stats(ctx)
	if s.Abandoned != 1 || s.DeadLetter != 1 {
		t.Fatalf("expected abandon to dead letter: %+v", s)
	}
}

func TestQueueJobCancelledContextAbandons(t *testing.T) {
	q := newNoteQueue(t, queue.Options{Retries: 1})
	ctx, cancel := context.WithCancel(context.Background())
	_, _ = q.Enqueue(ctx, note{})

	var invoked atomic.Bool
	j := NewQueueJob[note](q, func(context.Context, *queue.Entry[note]) error {
		invoked.Store(true)
		return nil
	}, QueueJobOptions{DequeueTimeout: 100 * time.Millisecond})

	cancel()
	res := j.Run(ctx)
	if res.Status != StatusCancelled {
		t.Fatalf("expected cancelled result: %+v", res)
	}
	if invoked.Load() {
		t.Fatalf("processor must not run after cancellation")
	}
	s, _ := q.Stats(context.Background())
	if s.Abandoned != 1 {
		t.Fatalf("entry should be abandoned on cancellation: %+v", s)
	}
}

func TestQueueJobBusyEntryLockAbandonsWithoutFailure(t *testing.T) {
	q := newNoteQueue(t, queue.Options{Retries: 1})
	ctx := context.Background()
	id, _ := q.Enqueue(ctx, note{})

	provider := lock.NewCacheProvider(cache.NewMemory(nil), nil, nil)
	held, err := provider.Acquire(ctx, "queue-entry:notes:"+id, time.Minute, 0)
	if err != nil || held == nil {
		t.Fatalf("pre-acquire: %v %v", held, err)
	}
	defer held.Release(ctx)

	var invoked atomic.Bool
	j := NewQueueJob[note](q, func(context.Context, *queue.Entry[note]) error {
		invoked.Store(true)
		return nil
	}, QueueJobOptions{
		DequeueTimeout:    100 * time.Millisecond,
		EntryLockProvider: provider,
	})
	res := j.Run(ctx)
	if !res.IsSuccess() {
		t.Fatalf("busy entry lock must not fail the iteration: %+v", res)
	}
	if invoked.Load() {
		t.Fatalf("processor must not run when the entry lock is busy")
	}
	s, _ := q.Stats(ctx)
	if s.Abandoned != 1 {
		t.Fatalf("entry should be abandoned for another worker: %+v", s)
	}
}

func TestQueueJobHandlerMaySettleItself(t *testing.T) {
	q := newNoteQueue(t, queue.Options{})
	ctx := context.Background()
	_, _ = q.Enqueue(ctx, note{})

	j := NewQueueJob[note](q, func(ctx context.Context, e *queue.Entry[note]) error {
		return e.Complete(ctx)
	}, QueueJobOptions{DequeueTimeout: 100 * time.Millisecond})
	res := j.Run(ctx)
	if !res.IsSuccess() {
		t.Fatalf("run: %+v", res)
	}
	s, _ := q.Stats(ctx)
	if s.Completed != 1 || s.Errors != 0 {
		t.Fatalf("double settlement: %+v", s)
	}
}

func TestRunUntilEmptyDrainsQueue(t *testing.T) {
	q := newNoteQueue(t, queue.Options{})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _ = q.Enqueue(ctx, note{Text: "drain"})
	}

	var processed atomic.Int32
	j := NewQueueJob[note](q, func(context.Context, *queue.Entry[note]) error {
		processed.Add(1)
		return nil
	}, QueueJobOptions{DequeueTimeout: 50 * time.Millisecond})

	r, _ := NewRunner(Options{
		JobFactory:     func() Job { return j },
		RunContinuous:  true,
		ShouldContinue: QueueStatsContinue[note](q),
	})
	if err := r.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if processed.Load() != 5 {
		t.Fatalf("expected 5 processed, got %d", processed.Load())
	}
	s, _ := q.Stats(ctx)
	if s.Queued != 0 || s.Working != 0 {
		t.Fatalf("queue not drained: %+v", s)
	}
}
