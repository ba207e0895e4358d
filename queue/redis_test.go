// Copyright 2025 James Ross
package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisTestQueue(t *testing.T, opts RedisOptions) *RedisQueue[payload] {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	if opts.Name == "" {
		opts.Name = "redis-test"
	}
	if opts.MaintenanceInterval == 0 {
		opts.MaintenanceInterval = 10 * time.Millisecond
	}
	q := NewRedis[payload](rdb, opts)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestRedisBasicRoundTrip(t *testing.T) {
	q := newRedisTestQueue(t, RedisOptions{})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, payload{Data: "Hello"},
		WithCorrelationID("corr-9"),
		WithProperties(map[string]string{"k": "v"}))
	if err != nil || id == "" {
		t.Fatalf("enqueue: %q %v", id, err)
	}
	e, err := q.Dequeue(ctx, 0)
	if err != nil || e == nil {
		t.Fatalf("dequeue: %v %v", e, err)
	}
	if e.Value().Data != "Hello" || e.CorrelationID() != "corr-9" || e.Properties()["k"] != "v" {
		t.Fatalf("entry mismatch: %+v corr=%q props=%v", e.Value(), e.CorrelationID(), e.Properties())
	}
	if e.Attempts() != 1 {
		t.Fatalf("attempts: %d", e.Attempts())
	}
	if err := e.Complete(ctx); err != nil {
		t.Fatalf("complete: %v", err)
	}
	s, _ := q.Stats(ctx)
	if s.Enqueued != 1 || s.Dequeued != 1 || s.Completed != 1 || s.Queued != 0 || s.Working != 0 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}

func TestRedisFIFOWithinSingleConsumer(t *testing.T) {
	q := newRedisTestQueue(t, RedisOptions{})
	ctx := context.Background()
	for _, d := range []string{"a", "b", "c"} {
		_, _ = q.Enqueue(ctx, payload{Data: d})
	}
	for _, want := range []string{"a", "b", "c"} {
		e, _ := q.Dequeue(ctx, 0)
		if e == nil || e.Value().Data != want {
			t.Fatalf("expected %q, got %v", want, e)
		}
		_ = e.Complete(ctx)
	}
}

func TestRedisDeadLetterAfterRetries(t *testing.T) {
	q := newRedisTestQueue(t, RedisOptions{Options: Options{Retries: 1, RetryDelay: 0}})
	ctx := context.Background()
	_, _ = q.Enqueue(ctx, payload{Data: "x"})

	e, _ := q.Dequeue(ctx, 0)
	if e == nil || e.Attempts() != 1 {
		t.Fatalf("first dequeue: %v", e)
	}
	_ = e.Abandon(ctx)

	e, _ = q.Dequeue(ctx, 0)
	if e == nil || e.Attempts() != 2 {
		t.Fatalf("second dequeue: %v", e)
	}
	_ = e.Abandon(ctx)

	s, _ := q.Stats(ctx)
	if s.DeadLetter != 1 || s.Abandoned != 2 || s.Queued != 0 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}

func TestRedisRetryDelayViaMaintenance(t *testing.T) {
	q := newRedisTestQueue(t, RedisOptions{Options: Options{
		Retries:          2,
		RetryDelay:       50 * time.Millisecond,
		RetryMultipliers: []int{1},
	}})
	ctx := context.Background()
	_, _ = q.Enqueue(ctx, payload{})

	e, _ := q.Dequeue(ctx, 0)
	_ = e.Abandon(ctx)
	if e, _ := q.Dequeue(ctx, 0); e != nil {
		t.Fatalf("entry visible before retry delay")
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		e, _ = q.Dequeue(ctx, 0)
		if e != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("delayed entry never became visible")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if e.Attempts() != 2 {
		t.Fatalf("attempts after retry: %d", e.Attempts())
	}
	_ = e.Complete(ctx)
}

func TestRedisLeaseExpiryRequeues(t *testing.T) {
	q := newRedisTestQueue(t, RedisOptions{Options: Options{
		Retries:         3,
		WorkItemTimeout: 50 * time.Millisecond,
	}})
	ctx := context.Background()
	_, _ = q.Enqueue(ctx, payload{Data: "slow"})

	e, _ := q.Dequeue(ctx, 0)
	if e == nil {
		t.Fatalf("dequeue failed")
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		s, _ := q.Stats(ctx)
		if s.Timeouts == 1 && s.Queued == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("lease never expired: %+v", s)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := e.Complete(ctx); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("stale complete should fail with ErrInvalidState, got %v", err)
	}
	e2, _ := q.Dequeue(ctx, 0)
	if e2 == nil || e2.Attempts() != 2 {
		t.Fatalf("requeued dequeue: %v", e2)
	}
	if err := e2.Complete(ctx); err != nil {
		t.Fatalf("fresh handle complete: %v", err)
	}
}

func TestRedisRenewLockKeepsLease(t *testing.T) {
	q := newRedisTestQueue(t, RedisOptions{Options: Options{
		WorkItemTimeout: 80 * time.Millisecond,
	}})
	ctx := context.Background()
	_, _ = q.Enqueue(ctx, payload{})

	e, _ := q.Dequeue(ctx, 0)
	for i := 0; i < 3; i++ {
		time.Sleep(40 * time.Millisecond)
		if err := e.RenewLock(ctx); err != nil {
			t.Fatalf("renew %d: %v", i, err)
		}
	}
	if err := e.Complete(ctx); err != nil {
		t.Fatalf("complete after renewals: %v", err)
	}
	s, _ := q.Stats(ctx)
	if s.Timeouts != 0 {
		t.Fatalf("lease expired despite renewals: %+v", s)
	}
}

func TestRedisDeduplication(t *testing.T) {
	q := newRedisTestQueue(t, RedisOptions{Options: Options{DedupWindow: time.Minute}})
	ctx := context.Background()
	id1, _ := q.Enqueue(ctx, payload{}, WithDeduplicationID("d1"))
	id2, _ := q.Enqueue(ctx, payload{}, WithDeduplicationID("d1"))
	if id1 == "" || id2 != "" {
		t.Fatalf("expected dedup: %q %q", id1, id2)
	}
}

func TestRedisDequeueBlocksUntilEnqueue(t *testing.T) {
	q := newRedisTestQueue(t, RedisOptions{})
	ctx := context.Background()
	got := make(chan *Entry[payload], 1)
	go func() {
		e, _ := q.Dequeue(ctx, 3*time.Second)
		got <- e
	}()
	time.Sleep(50 * time.Millisecond)
	_, _ = q.Enqueue(ctx, payload{Data: "late"})
	select {
	case e := <-got:
		if e == nil || e.Value().Data != "late" {
			t.Fatalf("unexpected entry: %v", e)
		}
		_ = e.Complete(ctx)
	case <-time.After(4 * time.Second):
		t.Fatalf("blocking dequeue never returned")
	}
}

func TestRedisDeleteQueueZeroesStats(t *testing.T) {
	q := newRedisTestQueue(t, RedisOptions{})
	ctx := context.Background()
	_, _ = q.Enqueue(ctx, payload{})
	e, _ := q.Dequeue(ctx, 0)
	_ = e.Complete(ctx)
	if err := q.DeleteQueue(ctx); err != nil {
		t.Fatalf("delete: %v", err)
	}
	s, _ := q.Stats(ctx)
	if s != (Stats{}) {
		t.Fatalf("expected zero stats, got %+v", s)
	}
}

func TestRedisStartWorking(t *testing.T) {
	q := newRedisTestQueue(t, RedisOptions{Options: Options{Retries: 0}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_ = q.StartWorking(ctx, func(_ context.Context, e *Entry[payload]) error {
		if e.Value().Data == "bad" {
			return errors.New("boom")
		}
		return nil
	}, true)
	_, _ = q.Enqueue(ctx, payload{Data: "good"})
	_, _ = q.Enqueue(ctx, payload{Data: "bad"})

	deadline := time.Now().Add(5 * time.Second)
	for {
		s, _ := q.Stats(ctx)
		if s.Completed == 1 && s.DeadLetter == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("worker did not settle entries: %+v", s)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
