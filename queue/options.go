// Copyright 2025 James Ross
package queue

import (
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/substrate/clock"
	"github.com/flyingrobots/substrate/serializer"
)

// Options configures a queue. The zero value is usable after
// withDefaults.
type Options struct {
	// Name identifies the queue; it namespaces backend keys and labels
	// metrics.
	Name string

	// Retries is the maximum number of additional attempts after the
	// initial dequeue; total attempts never exceed Retries+1 on the
	// abandon path.
	Retries int

	// RetryDelay is the base delay before a retried entry becomes
	// visible again.
	RetryDelay time.Duration

	// RetryMultipliers scales RetryDelay per attempt; the index
	// saturates at the last element.
	RetryMultipliers []int

	// WorkItemTimeout is the visibility lease granted per dequeue.
	WorkItemTimeout time.Duration

	// DeadLetterMaxItems caps dead-letter retention; the oldest
	// entries are evicted first.
	DeadLetterMaxItems int

	// CompletedRetentionLimit bounds the in-memory history of
	// completed entries kept for inspection. Zero keeps none.
	CompletedRetentionLimit int

	// DedupWindow is how long an enqueue deduplication id suppresses
	// duplicates. Zero disables deduplication.
	DedupWindow time.Duration

	Clock      clock.Clock
	Logger     *zap.Logger
	Serializer serializer.Serializer
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = "default"
	}
	if o.RetryDelay < 0 {
		o.RetryDelay = 0
	}
	if len(o.RetryMultipliers) == 0 {
		o.RetryMultipliers = []int{1, 3, 5, 10}
	}
	if o.WorkItemTimeout <= 0 {
		o.WorkItemTimeout = 5 * time.Minute
	}
	if o.DeadLetterMaxItems <= 0 {
		o.DeadLetterMaxItems = 1000
	}
	if o.Clock == nil {
		o.Clock = clock.System()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Serializer == nil {
		o.Serializer = serializer.JSON
	}
	return o
}

// retryDelayFor returns the visibility delay after the attempt'th
// failed attempt (1-based); the multiplier index saturates.
func (o Options) retryDelayFor(attempt int) time.Duration {
	if o.RetryDelay <= 0 || attempt < 1 {
		return 0
	}
	idx := attempt - 1
	if idx >= len(o.RetryMultipliers) {
		idx = len(o.RetryMultipliers) - 1
	}
	return o.RetryDelay * time.Duration(o.RetryMultipliers[idx])
}

// EnqueueOptions carries per-enqueue settings.
type EnqueueOptions struct {
	CorrelationID   string
	Properties      map[string]string
	DeduplicationID string
}

// EnqueueOption mutates EnqueueOptions.
type EnqueueOption func(*EnqueueOptions)

// WithCorrelationID preserves an end-to-end correlation id on the entry.
func WithCorrelationID(id string) EnqueueOption {
	return func(o *EnqueueOptions) { o.CorrelationID = id }
}

// WithProperties attaches free-form metadata to the entry.
func WithProperties(p map[string]string) EnqueueOption {
	return func(o *EnqueueOptions) { o.Properties = p }
}

// WithDeduplicationID discards a concurrent enqueue carrying the same
// id within the queue's deduplication window.
func WithDeduplicationID(id string) EnqueueOption {
	return func(o *EnqueueOptions) { o.DeduplicationID = id }
}

func buildEnqueueOptions(opts []EnqueueOption) EnqueueOptions {
	var o EnqueueOptions
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
