// Copyright 2025 James Ross
package queue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Lua scripts driving the shared-backend state machine. Each runs
// atomically on the endpoint; go-redis caches the SHA once per script
// and falls back to EVAL on NOSCRIPT after a reconnect.
var (
	// registerLease: KEYS{work, item, stats} ARGV{id, leaseDeadlineMs, nowMs, token}
	registerLeaseScript = redis.NewScript(`
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
local att = redis.call('HINCRBY', KEYS[2], 'attempts', 1)
redis.call('HSET', KEYS[2], 'dequeued_at', ARGV[3], 'lease_token', ARGV[4])
redis.call('HINCRBY', KEYS[3], 'dequeued', 1)
return {att,
  redis.call('HGET', KEYS[2], 'data') or '',
  redis.call('HGET', KEYS[2], 'correlation_id') or '',
  redis.call('HGET', KEYS[2], 'enqueued_at') or '',
  redis.call('HGET', KEYS[2], 'props') or ''}`)

	// complete: KEYS{work, item, stats} ARGV{id, token}
	completeScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'lease_token') ~= ARGV[2] then return 0 end
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then return 0 end
redis.call('DEL', KEYS[2])
redis.call('HINCRBY', KEYS[3], 'completed', 1)
return 1`)

	// abandon: KEYS{work, ready, delayed, dead, stats, item}
	// ARGV{id, token, mode(ready|delayed|dead), visibleAtMs, deadMax}
	abandonScript = redis.NewScript(`
if redis.call('HGET', KEYS[6], 'lease_token') ~= ARGV[2] then return 0 end
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then return 0 end
redis.call('HDEL', KEYS[6], 'lease_token')
redis.call('HINCRBY', KEYS[5], 'abandoned', 1)
if ARGV[3] == 'ready' then
  redis.call('LPUSH', KEYS[2], ARGV[1])
elseif ARGV[3] == 'delayed' then
  redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])
else
  redis.call('LPUSH', KEYS[4], ARGV[1])
  redis.call('LTRIM', KEYS[4], 0, tonumber(ARGV[5]) - 1)
  redis.call('HINCRBY', KEYS[5], 'deadletter', 1)
end
return 1`)

	// renewLease: KEYS{work, item} ARGV{id, token, newDeadlineMs}
	renewLeaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'lease_token') ~= ARGV[2] then return 0 end
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then return 0 end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
return 1`)

	// promoteDelayed: KEYS{delayed, ready} ARGV{nowMs, batch}
	promoteDelayedScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('LPUSH', KEYS[2], id)
end
return #due`)

	// expireLeases: KEYS{work, ready, stats} ARGV{nowMs, batch}
	expireLeasesScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('LPUSH', KEYS[2], id)
  redis.call('HINCRBY', KEYS[3], 'timeouts', 1)
end
return #due`)
)

// RedisOptions configures a Redis-backed queue.
type RedisOptions struct {
	Options

	// KeyPrefix namespaces every key; defaults to "substrate:q".
	KeyPrefix string

	// MaintenanceInterval paces the delayed-promotion and
	// lease-expiry sweep. Defaults to one second.
	MaintenanceInterval time.Duration
}

// RedisQueue is a Queue on a shared Redis endpoint: ready ids in a
// list, in-flight ids in a lease-deadline sorted set, retry-delayed ids
// in a visibility sorted set, per-entry hashes, dead-letter list, and
// per-queue counter totals in a stats hash.
type RedisQueue[T any] struct {
	opts RedisOptions
	rdb  redis.UniversalClient
	log  *zap.Logger

	keyReady   string
	keyWork    string
	keyDelayed string
	keyDead    string
	keyStats   string

	behaviors behaviors[T]
	closed    atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewRedis builds a Redis queue and starts its maintenance sweep.
func NewRedis[T any](rdb redis.UniversalClient, opts RedisOptions) *RedisQueue[T] {
	opts.Options = opts.Options.withDefaults()
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "substrate:q"
	}
	if opts.MaintenanceInterval <= 0 {
		opts.MaintenanceInterval = time.Second
	}
	base := fmt.Sprintf("%s:%s", opts.KeyPrefix, opts.Name)
	ctx, cancel := context.WithCancel(context.Background())
	q := &RedisQueue[T]{
		opts:       opts,
		rdb:        rdb,
		log:        opts.Logger.Named("queue").With(zap.String("queue", opts.Name)),
		keyReady:   base + ":ready",
		keyWork:    base + ":work",
		keyDelayed: base + ":delayed",
		keyDead:    base + ":dead",
		keyStats:   base + ":stats",
		cancel:     cancel,
	}
	q.wg.Add(1)
	go q.maintenanceLoop(ctx)
	return q
}

func (q *RedisQueue[T]) Name() string { return q.opts.Name }

func (q *RedisQueue[T]) AttachBehavior(b Behavior[T]) { q.behaviors.attach(b) }

func (q *RedisQueue[T]) itemKey(id string) string {
	return fmt.Sprintf("%s:%s:item:%s", q.opts.KeyPrefix, q.opts.Name, id)
}

func (q *RedisQueue[T]) dedupKey(id string) string {
	return fmt.Sprintf("%s:%s:dedup:%s", q.opts.KeyPrefix, q.opts.Name, id)
}

func (q *RedisQueue[T]) nowMs() int64 { return q.opts.Clock.Now().UnixMilli() }

func (q *RedisQueue[T]) Enqueue(ctx context.Context, value T, opts ...EnqueueOption) (string, error) {
	if q.closed.Load() {
		return "", ErrQueueClosed
	}
	eo := buildEnqueueOptions(opts)
	proceed, err := q.behaviors.enqueuing(ctx, q.opts.Name, value, &eo)
	if err != nil {
		return "", err
	}
	if !proceed {
		return "", nil
	}

	if eo.DeduplicationID != "" && q.opts.DedupWindow > 0 {
		fresh, err := q.rdb.SetNX(ctx, q.dedupKey(eo.DeduplicationID), 1, q.opts.DedupWindow).Result()
		if err != nil {
			return "", fmt.Errorf("dedup check: %w", err)
		}
		if !fresh {
			q.log.Debug("duplicate enqueue discarded", zap.String("dedup_id", eo.DeduplicationID))
			return "", nil
		}
	}

	data, err := q.opts.Serializer.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	props := []byte("{}")
	if len(eo.Properties) > 0 {
		if props, err = q.opts.Serializer.Marshal(eo.Properties); err != nil {
			return "", fmt.Errorf("marshal properties: %w", err)
		}
	}

	id := uuid.NewString()
	enqueuedAt := q.opts.Clock.NowUTC()
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.itemKey(id),
		"data", data,
		"correlation_id", eo.CorrelationID,
		"enqueued_at", enqueuedAt.UnixMilli(),
		"attempts", 0,
		"props", props,
	)
	pipe.LPush(ctx, q.keyReady, id)
	pipe.HIncrBy(ctx, q.keyStats, "enqueued", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}

	e := &Entry[T]{id: id, correlationID: eo.CorrelationID, value: value, enqueuedAt: enqueuedAt, properties: eo.Properties}
	e.owner = q
	e.settled.Store(true)
	q.behaviors.enqueued(ctx, e)
	return id, nil
}

func (q *RedisQueue[T]) Dequeue(ctx context.Context, timeout time.Duration) (*Entry[T], error) {
	deadline := q.opts.Clock.Now().Add(timeout)
	for {
		if q.closed.Load() {
			return nil, ErrQueueClosed
		}
		var id string
		if timeout <= 0 {
			v, err := q.rdb.RPop(ctx, q.keyReady).Result()
			if err == redis.Nil {
				return nil, nil
			}
			if err != nil {
				return nil, fmt.Errorf("dequeue: %w", err)
			}
			id = v
		} else {
			remaining := deadline.Sub(q.opts.Clock.Now())
			if remaining <= 0 {
				return nil, nil
			}
			wait := remaining
			if wait > time.Second {
				wait = time.Second // poll in bounded slices so Close is observed
			}
			res, err := q.rdb.BRPop(ctx, wait, q.keyReady).Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				if ctx.Err() != nil {
					return nil, nil
				}
				return nil, fmt.Errorf("dequeue: %w", err)
			}
			id = res[1]
		}

		e, err := q.registerLease(ctx, id)
		if err != nil {
			// Handover reconciliation: the id is ours but the lease was
			// never recorded, so put it back for another consumer.
			if pushErr := q.rdb.LPush(ctx, q.keyReady, id).Err(); pushErr != nil {
				q.log.Error("handover requeue failed", zap.String("entry_id", id), zap.Error(pushErr))
			}
			return nil, err
		}
		if e == nil {
			continue // phantom id without an item hash
		}
		q.behaviors.dequeued(ctx, e)
		return e, nil
	}
}

// registerLease promotes a popped id into the work set and builds the
// consumer handle from the stored item.
func (q *RedisQueue[T]) registerLease(ctx context.Context, id string) (*Entry[T], error) {
	token := uuid.NewString()
	now := q.opts.Clock.Now()
	leaseDeadline := now.Add(q.opts.WorkItemTimeout).UnixMilli()
	res, err := registerLeaseScript.Run(ctx, q.rdb,
		[]string{q.keyWork, q.itemKey(id), q.keyStats},
		id, leaseDeadline, now.UnixMilli(), token).Slice()
	if err != nil {
		return nil, fmt.Errorf("register lease: %w", err)
	}
	attempts, _ := res[0].(int64)
	data := stringAt(res, 1)
	if data == "" {
		// Item hash vanished (deleted queue or evicted dead letter);
		// drop the lease and the bookkeeping the register recreated.
		_, _ = q.rdb.ZRem(ctx, q.keyWork, id).Result()
		_ = q.rdb.Del(ctx, q.itemKey(id)).Err()
		return nil, nil
	}
	var value T
	if err := q.opts.Serializer.Unmarshal([]byte(data), &value); err != nil {
		q.log.Error("poison payload dropped", zap.String("entry_id", id), zap.Error(err))
		_, _ = q.rdb.ZRem(ctx, q.keyWork, id).Result()
		_ = q.rdb.Del(ctx, q.itemKey(id)).Err()
		return nil, nil
	}
	var properties map[string]string
	if props := stringAt(res, 4); props != "" && props != "{}" {
		_ = q.opts.Serializer.Unmarshal([]byte(props), &properties)
	}
	e := &Entry[T]{
		id:            id,
		correlationID: stringAt(res, 2),
		value:         value,
		enqueuedAt:    msToTime(stringAt(res, 3)),
		dequeuedAt:    now.UTC(),
		attempts:      int32(attempts),
		properties:    properties,
		leaseToken:    token,
	}
	e.owner = q
	return e, nil
}

func (q *RedisQueue[T]) Complete(ctx context.Context, e *Entry[T]) error {
	if !e.markSettled() {
		return ErrInvalidState
	}
	n, err := completeScript.Run(ctx, q.rdb,
		[]string{q.keyWork, q.itemKey(e.id), q.keyStats}, e.id, e.leaseToken).Int()
	if err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	if n == 0 {
		return ErrInvalidState
	}
	q.behaviors.completed(ctx, e)
	return nil
}

func (q *RedisQueue[T]) Abandon(ctx context.Context, e *Entry[T]) error {
	if !e.markSettled() {
		return ErrInvalidState
	}
	mode := "dead"
	var visibleAt int64
	if e.Attempts() <= q.opts.Retries {
		if delay := q.opts.retryDelayFor(e.Attempts()); delay > 0 {
			mode = "delayed"
			visibleAt = q.opts.Clock.Now().Add(delay).UnixMilli()
		} else {
			mode = "ready"
		}
	}
	n, err := abandonScript.Run(ctx, q.rdb,
		[]string{q.keyWork, q.keyReady, q.keyDelayed, q.keyDead, q.keyStats, q.itemKey(e.id)},
		e.id, e.leaseToken, mode, visibleAt, q.opts.DeadLetterMaxItems).Int()
	if err != nil {
		return fmt.Errorf("abandon: %w", err)
	}
	if n == 0 {
		return ErrInvalidState
	}
	if mode == "dead" {
		q.log.Warn("entry dead-lettered", zap.String("entry_id", e.id), zap.Int("attempts", e.Attempts()))
	}
	q.behaviors.abandoned(ctx, e)
	return nil
}

func (q *RedisQueue[T]) RenewLock(ctx context.Context, e *Entry[T]) error {
	if e.IsSettled() {
		return nil
	}
	newDeadline := q.opts.Clock.Now().Add(q.opts.WorkItemTimeout).UnixMilli()
	n, err := renewLeaseScript.Run(ctx, q.rdb,
		[]string{q.keyWork, q.itemKey(e.id)}, e.id, e.leaseToken, newDeadline).Int()
	if err != nil {
		return fmt.Errorf("renew lock: %w", err)
	}
	if n == 0 {
		return ErrInvalidState
	}
	q.behaviors.lockRenewed(ctx, e)
	return nil
}

func (q *RedisQueue[T]) StartWorking(ctx context.Context, handler Handler[T], autoComplete bool) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		consumeLoop[T](ctx, q, handler, autoComplete, q.log, q.opts.Clock)
	}()
	return nil
}

func (q *RedisQueue[T]) Stats(ctx context.Context) (Stats, error) {
	pipe := q.rdb.Pipeline()
	statsCmd := pipe.HGetAll(ctx, q.keyStats)
	readyCmd := pipe.LLen(ctx, q.keyReady)
	delayedCmd := pipe.ZCard(ctx, q.keyDelayed)
	workCmd := pipe.ZCard(ctx, q.keyWork)
	deadCmd := pipe.LLen(ctx, q.keyDead)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	raw := statsCmd.Val()
	get := func(k string) int64 {
		v, _ := strconv.ParseInt(raw[k], 10, 64)
		return v
	}
	return Stats{
		Queued:     readyCmd.Val() + delayedCmd.Val(),
		Working:    workCmd.Val(),
		DeadLetter: deadCmd.Val(),
		Enqueued:   get("enqueued"),
		Dequeued:   get("dequeued"),
		Completed:  get("completed"),
		Abandoned:  get("abandoned"),
		Errors:     get("errors"),
		Timeouts:   get("timeouts"),
	}, nil
}

func (q *RedisQueue[T]) DeleteQueue(ctx context.Context) error {
	keys := []string{q.keyReady, q.keyWork, q.keyDelayed, q.keyDead, q.keyStats}
	if err := q.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete queue: %w", err)
	}
	pattern := fmt.Sprintf("%s:%s:*", q.opts.KeyPrefix, q.opts.Name)
	var cursor uint64
	for {
		batch, cur, err := q.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("delete queue scan: %w", err)
		}
		if len(batch) > 0 {
			if err := q.rdb.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("delete queue items: %w", err)
			}
		}
		cursor = cur
		if cursor == 0 {
			return nil
		}
	}
}

func (q *RedisQueue[T]) Close() error {
	if !q.closed.CompareAndSwap(false, true) {
		return nil
	}
	q.cancel()
	q.wg.Wait()
	return nil
}

// maintenanceLoop promotes due retry-delayed ids and reclaims expired
// leases.
func (q *RedisQueue[T]) maintenanceLoop(ctx context.Context) {
	defer q.wg.Done()
	ticker := q.opts.Clock.NewTicker(q.opts.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			now := q.nowMs()
			if _, err := promoteDelayedScript.Run(ctx, q.rdb,
				[]string{q.keyDelayed, q.keyReady}, now, 100).Result(); err != nil && ctx.Err() == nil {
				q.log.Warn("delayed promotion failed", zap.Error(err))
			}
			n, err := expireLeasesScript.Run(ctx, q.rdb,
				[]string{q.keyWork, q.keyReady, q.keyStats}, now, 100).Int()
			if err != nil && ctx.Err() == nil {
				q.log.Warn("lease expiry sweep failed", zap.Error(err))
			}
			if n > 0 {
				q.log.Warn("visibility leases expired, entries requeued", zap.Int("count", n))
			}
		}
	}
}

func (q *RedisQueue[T]) incErrors(ctx context.Context) {
	_ = q.rdb.HIncrBy(ctx, q.keyStats, "errors", 1).Err()
}

func stringAt(res []any, i int) string {
	if i >= len(res) {
		return ""
	}
	s, _ := res[i].(string)
	return s
}

func msToTime(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
