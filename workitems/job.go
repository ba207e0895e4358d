// Copyright 2025 James Ross
package workitems

import (
	"context"
	"fmt"

	"github.com/flyingrobots/substrate/jobs"
	"github.com/flyingrobots/substrate/messaging"
	"github.com/flyingrobots/substrate/queue"
	"github.com/flyingrobots/substrate/serializer"
)

// EnqueueOptions carries per-item settings.
type EnqueueOptions struct {
	CorrelationID       string
	SendProgressReports bool
}

// EnqueueOption mutates EnqueueOptions.
type EnqueueOption func(*EnqueueOptions)

// WithCorrelationID stamps the envelope and the queue entry.
func WithCorrelationID(id string) EnqueueOption {
	return func(o *EnqueueOptions) { o.CorrelationID = id }
}

// WithProgressReports asks the consumer to publish Status messages.
func WithProgressReports() EnqueueOption {
	return func(o *EnqueueOptions) { o.SendProgressReports = true }
}

// Enqueue wraps item in an Envelope and enqueues it. The returned queue
// entry id doubles as the work item id in Status messages.
func Enqueue[T any](ctx context.Context, q queue.Queue[Envelope], ser serializer.Serializer, item T, opts ...EnqueueOption) (string, error) {
	var o EnqueueOptions
	for _, fn := range opts {
		fn(&o)
	}
	if ser == nil {
		ser = serializer.JSON
	}
	data, err := ser.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("workitems: encode %s: %w", TypeName[T](), err)
	}
	env := Envelope{
		Type:                TypeName[T](),
		CorrelationID:       o.CorrelationID,
		SendProgressReports: o.SendProgressReports,
		Data:                data,
	}
	return q.Enqueue(ctx, env, queue.WithCorrelationID(o.CorrelationID))
}

// NewJob builds the queue-consuming job that resolves each envelope's
// handler from the registry and reports progress on bus. Pair it with a
// continuous jobs.Runner.
func NewJob(q queue.Queue[Envelope], bus messaging.MessageBus, handlers *Handlers, opts jobs.QueueJobOptions) jobs.Job {
	process := func(ctx context.Context, e *queue.Entry[Envelope]) error {
		env := e.Value()
		entry, ok := handlers.lookup(env.Type)
		if !ok {
			return fmt.Errorf("workitems: no handler registered for %q", env.Type)
		}
		wc := &Context{
			Context:       ctx,
			workItemID:    e.ID(),
			typeName:      env.Type,
			correlationID: env.CorrelationID,
		}
		if env.SendProgressReports && bus != nil {
			wc.report = func(percent int, message string) error {
				return bus.Publish(ctx, Status{
					WorkItemID: wc.workItemID,
					Type:       wc.typeName,
					Progress:   percent,
					Message:    message,
				})
			}
		}
		if err := entry.handle(wc, env.Data); err != nil {
			return err
		}
		// Completion at 100 goes out exactly once even when the
		// handler never reported.
		return wc.ReportProgress(100, "")
	}
	return jobs.NewQueueJob[Envelope](q, process, opts)
}
