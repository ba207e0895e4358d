// Copyright 2025 James Ross
package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// memItem is the queue-owned record behind a handed-out Entry. A fresh
// Entry handle is minted per dequeue so a stale handle from a reclaimed
// lease can never settle the item again.
type memItem[T any] struct {
	id            string
	correlationID string
	value         T
	enqueuedAt    time.Time
	attempts      int32
	properties    map[string]string

	visibleAt time.Time // delayed retry visibility
	deadline  time.Time // lease deadline while in flight
	handle    *Entry[T] // outstanding consumer handle, nil unless in flight
	heapIdx   int
}

// delayedHeap orders retry-delayed items by visibility time.
type delayedHeap[T any] []*memItem[T]

func (h delayedHeap[T]) Len() int            { return len(h) }
func (h delayedHeap[T]) Less(i, j int) bool  { return h[i].visibleAt.Before(h[j].visibleAt) }
func (h delayedHeap[T]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx, h[j].heapIdx = i, j
}
func (h *delayedHeap[T]) Push(x any) {
	it := x.(*memItem[T])
	it.heapIdx = len(*h)
	*h = append(*h, it)
}
func (h *delayedHeap[T]) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Memory is an in-process Queue. Counters are per-process; visibility
// and retry timing run through the injected clock.
type Memory[T any] struct {
	opts Options
	log  *zap.Logger

	mu        sync.Mutex
	ready     []*memItem[T]
	delayed   delayedHeap[T]
	inflight  map[string]*memItem[T]
	dead      []*memItem[T]
	history   []*Entry[T]
	dedup     map[string]time.Time
	closed    bool
	closeCh   chan struct{}
	signal    chan struct{}
	maintAt   time.Time
	maintTick int

	stats     counters
	behaviors behaviors[T]

	workers sync.WaitGroup
}

// NewMemory builds an in-process queue from opts.
func NewMemory[T any](opts Options) *Memory[T] {
	opts = opts.withDefaults()
	return &Memory[T]{
		opts:     opts,
		log:      opts.Logger.Named("queue").With(zap.String("queue", opts.Name)),
		inflight: make(map[string]*memItem[T]),
		dedup:    make(map[string]time.Time),
		closeCh:  make(chan struct{}),
		signal:   make(chan struct{}, 1),
	}
}

func (q *Memory[T]) Name() string { return q.opts.Name }

func (q *Memory[T]) AttachBehavior(b Behavior[T]) { q.behaviors.attach(b) }

func (q *Memory[T]) Enqueue(ctx context.Context, value T, opts ...EnqueueOption) (string, error) {
	eo := buildEnqueueOptions(opts)
	proceed, err := q.behaviors.enqueuing(ctx, q.opts.Name, value, &eo)
	if err != nil {
		return "", err
	}
	if !proceed {
		q.log.Debug("enqueue vetoed by behavior")
		return "", nil
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", ErrQueueClosed
	}
	now := q.opts.Clock.Now()
	if eo.DeduplicationID != "" && q.opts.DedupWindow > 0 {
		if until, ok := q.dedup[eo.DeduplicationID]; ok && until.After(now) {
			q.mu.Unlock()
			q.log.Debug("duplicate enqueue discarded", zap.String("dedup_id", eo.DeduplicationID))
			return "", nil
		}
		q.dedup[eo.DeduplicationID] = now.Add(q.opts.DedupWindow)
	}
	item := &memItem[T]{
		id:            uuid.NewString(),
		correlationID: eo.CorrelationID,
		value:         value,
		enqueuedAt:    now.UTC(),
		properties:    eo.Properties,
	}
	q.ready = append(q.ready, item)
	q.stats.enqueued.Add(1)
	q.wake()
	q.mu.Unlock()

	q.behaviors.enqueued(ctx, q.entryView(item))
	return item.id, nil
}

func (q *Memory[T]) Dequeue(ctx context.Context, timeout time.Duration) (*Entry[T], error) {
	deadline := q.opts.Clock.Now().Add(timeout)
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		q.promoteDueLocked()
		if len(q.ready) > 0 {
			item := q.ready[0]
			q.ready = q.ready[1:]
			e := q.leaseLocked(item)
			if len(q.ready) > 0 {
				q.wake()
			}
			q.mu.Unlock()
			q.behaviors.dequeued(ctx, e)
			return e, nil
		}
		q.mu.Unlock()

		if timeout <= 0 {
			return nil, nil
		}
		remaining := deadline.Sub(q.opts.Clock.Now())
		if remaining <= 0 {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			// Cancellation surfaces as an empty dequeue.
			return nil, nil
		case <-q.closeCh:
			return nil, ErrQueueClosed
		case <-q.signal:
		case <-q.opts.Clock.After(remaining):
			return nil, nil
		}
	}
}

// leaseLocked moves item in flight and mints its consumer handle.
// Caller holds mu.
func (q *Memory[T]) leaseLocked(item *memItem[T]) *Entry[T] {
	now := q.opts.Clock.Now()
	item.attempts++
	item.deadline = now.Add(q.opts.WorkItemTimeout)
	e := &Entry[T]{
		id:            item.id,
		correlationID: item.correlationID,
		value:         item.value,
		enqueuedAt:    item.enqueuedAt,
		dequeuedAt:    now.UTC(),
		attempts:      item.attempts,
		properties:    item.properties,
	}
	e.owner = q
	item.handle = e
	q.inflight[item.id] = item
	q.stats.dequeued.Add(1)
	q.armMaintenanceLocked()
	return e
}

// takeInflightLocked validates e against the live lease and removes the
// item from flight. Caller holds mu.
func (q *Memory[T]) takeInflightLocked(e *Entry[T]) (*memItem[T], error) {
	item, ok := q.inflight[e.id]
	if !ok || item.handle != e {
		return nil, ErrInvalidState
	}
	delete(q.inflight, e.id)
	item.handle = nil
	return item, nil
}

func (q *Memory[T]) Complete(ctx context.Context, e *Entry[T]) error {
	if !e.markSettled() {
		return ErrInvalidState
	}
	q.mu.Lock()
	if _, err := q.takeInflightLocked(e); err != nil {
		q.mu.Unlock()
		return err
	}
	q.stats.completed.Add(1)
	if q.opts.CompletedRetentionLimit > 0 {
		q.history = append(q.history, e)
		if len(q.history) > q.opts.CompletedRetentionLimit {
			q.history = q.history[len(q.history)-q.opts.CompletedRetentionLimit:]
		}
	}
	q.mu.Unlock()

	q.behaviors.completed(ctx, e)
	return nil
}

func (q *Memory[T]) Abandon(ctx context.Context, e *Entry[T]) error {
	if !e.markSettled() {
		return ErrInvalidState
	}
	q.mu.Lock()
	item, err := q.takeInflightLocked(e)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	q.stats.abandoned.Add(1)
	deadLettered := false
	if int(item.attempts) <= q.opts.Retries {
		delay := q.opts.retryDelayFor(int(item.attempts))
		if delay > 0 {
			item.visibleAt = q.opts.Clock.Now().Add(delay)
			heap.Push(&q.delayed, item)
			q.armMaintenanceLocked()
		} else {
			q.ready = append(q.ready, item)
			q.wake()
		}
	} else {
		deadLettered = true
		q.dead = append(q.dead, item)
		if len(q.dead) > q.opts.DeadLetterMaxItems {
			q.dead = q.dead[len(q.dead)-q.opts.DeadLetterMaxItems:]
		}
	}
	q.mu.Unlock()

	if deadLettered {
		q.log.Warn("entry dead-lettered",
			zap.String("entry_id", e.id), zap.Int("attempts", int(item.attempts)))
	}
	q.behaviors.abandoned(ctx, e)
	return nil
}

func (q *Memory[T]) RenewLock(ctx context.Context, e *Entry[T]) error {
	if e.IsSettled() {
		return nil
	}
	q.mu.Lock()
	item, ok := q.inflight[e.id]
	if !ok || item.handle != e {
		q.mu.Unlock()
		return ErrInvalidState
	}
	item.deadline = q.opts.Clock.Now().Add(q.opts.WorkItemTimeout)
	q.armMaintenanceLocked()
	q.mu.Unlock()

	q.behaviors.lockRenewed(ctx, e)
	return nil
}

func (q *Memory[T]) StartWorking(ctx context.Context, handler Handler[T], autoComplete bool) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.workers.Add(1)
	q.mu.Unlock()

	go func() {
		defer q.workers.Done()
		consumeLoop[T](ctx, q, handler, autoComplete, q.log, q.opts.Clock)
	}()
	return nil
}

func (q *Memory[T]) Stats(context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats.snapshot()
	s.Queued = int64(len(q.ready) + len(q.delayed))
	s.Working = int64(len(q.inflight))
	s.DeadLetter = int64(len(q.dead))
	return s, nil
}

// DeadLetterEntries returns a snapshot of the dead-letter sub-queue,
// oldest first.
func (q *Memory[T]) DeadLetterEntries() []*Entry[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Entry[T], 0, len(q.dead))
	for _, item := range q.dead {
		out = append(out, q.entryView(item))
	}
	return out
}

// CompletedEntries returns the bounded history of completed entries.
func (q *Memory[T]) CompletedEntries() []*Entry[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Entry[T], len(q.history))
	copy(out, q.history)
	return out
}

func (q *Memory[T]) DeleteQueue(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ready = nil
	q.delayed = nil
	q.inflight = make(map[string]*memItem[T])
	q.dead = nil
	q.history = nil
	q.dedup = make(map[string]time.Time)
	q.stats.reset()
	return nil
}

func (q *Memory[T]) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.closeCh)
	q.mu.Unlock()
	q.workers.Wait()
	return nil
}

// wake nudges one blocked dequeuer. Caller holds mu.
func (q *Memory[T]) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// promoteDueLocked moves delayed items whose visibility time arrived to
// the ready list and reclaims expired leases. Caller holds mu.
func (q *Memory[T]) promoteDueLocked() {
	now := q.opts.Clock.Now()
	for len(q.delayed) > 0 && !q.delayed[0].visibleAt.After(now) {
		item := heap.Pop(&q.delayed).(*memItem[T])
		q.ready = append(q.ready, item)
	}
	for id, item := range q.inflight {
		if item.deadline.After(now) {
			continue
		}
		// Lease expired mid-flight: auto-abandon back to the queue.
		delete(q.inflight, id)
		item.handle = nil
		q.ready = append(q.ready, item)
		q.stats.timeouts.Add(1)
		q.log.Warn("visibility lease expired, entry requeued",
			zap.String("entry_id", id), zap.Int("attempts", int(item.attempts)))
	}
	if len(q.ready) > 0 {
		q.wake()
	}
}

// armMaintenanceLocked schedules a clock callback for the next
// visibility or lease event. Caller holds mu.
func (q *Memory[T]) armMaintenanceLocked() {
	next := time.Time{}
	if len(q.delayed) > 0 {
		next = q.delayed[0].visibleAt
	}
	for _, item := range q.inflight {
		if next.IsZero() || item.deadline.Before(next) {
			next = item.deadline
		}
	}
	if next.IsZero() || q.closed {
		return
	}
	if !q.maintAt.IsZero() && !q.maintAt.After(next) {
		return // an earlier or equal callback is already armed
	}
	q.maintAt = next
	q.maintTick++
	tick := q.maintTick
	delay := next.Sub(q.opts.Clock.Now())
	if delay < 0 {
		delay = 0
	}
	q.opts.Clock.AfterFunc(delay, func() {
		q.mu.Lock()
		if tick == q.maintTick {
			q.maintAt = time.Time{}
		}
		if !q.closed {
			q.promoteDueLocked()
			q.armMaintenanceLocked()
		}
		q.mu.Unlock()
	})
}

// entryView mints a read-only handle not tied to any lease.
func (q *Memory[T]) entryView(item *memItem[T]) *Entry[T] {
	e := &Entry[T]{
		id:            item.id,
		correlationID: item.correlationID,
		value:         item.value,
		enqueuedAt:    item.enqueuedAt,
		attempts:      item.attempts,
		properties:    item.properties,
	}
	e.owner = q
	e.settled.Store(true)
	return e
}

func (q *Memory[T]) incErrors(context.Context) { q.stats.errors.Add(1) }
