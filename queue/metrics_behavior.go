// Copyright 2025 James Ross
package queue

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flyingrobots/substrate/clock"
)

var (
	metricEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "substrate_queue_enqueued_total",
		Help: "Total entries enqueued",
	}, []string{"queue"})
	metricDequeued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "substrate_queue_dequeued_total",
		Help: "Total entries dequeued",
	}, []string{"queue"})
	metricCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "substrate_queue_completed_total",
		Help: "Total entries completed",
	}, []string{"queue"})
	metricAbandoned = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "substrate_queue_abandoned_total",
		Help: "Total entries abandoned",
	}, []string{"queue"})
	metricQueueTime = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "substrate_queue_time_seconds",
		Help:    "Time from enqueue to dequeue",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue"})
	metricProcessTime = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "substrate_queue_process_time_seconds",
		Help:    "Time from dequeue to settlement",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue"})
)

func init() {
	prometheus.MustRegister(metricEnqueued, metricDequeued, metricCompleted, metricAbandoned, metricQueueTime, metricProcessTime)
}

// MetricsBehavior drives the prometheus counters and timers off queue
// lifecycle events.
type MetricsBehavior[T any] struct {
	BaseBehavior[T]
	name string
	clk  clock.Clock
}

// NewMetricsBehavior builds the behavior for the named queue; a nil clk
// defaults to the system clock.
func NewMetricsBehavior[T any](queueName string, clk clock.Clock) *MetricsBehavior[T] {
	if clk == nil {
		clk = clock.System()
	}
	return &MetricsBehavior[T]{name: queueName, clk: clk}
}

func (m *MetricsBehavior[T]) OnEnqueued(_ context.Context, _ *Entry[T]) {
	metricEnqueued.WithLabelValues(m.name).Inc()
}

func (m *MetricsBehavior[T]) OnDequeued(_ context.Context, e *Entry[T]) {
	metricDequeued.WithLabelValues(m.name).Inc()
	if !e.EnqueuedAt().IsZero() {
		metricQueueTime.WithLabelValues(m.name).Observe(e.DequeuedAt().Sub(e.EnqueuedAt()).Seconds())
	}
}

func (m *MetricsBehavior[T]) OnCompleted(_ context.Context, e *Entry[T]) {
	metricCompleted.WithLabelValues(m.name).Inc()
	m.observeProcessTime(e)
}

func (m *MetricsBehavior[T]) OnAbandoned(_ context.Context, e *Entry[T]) {
	metricAbandoned.WithLabelValues(m.name).Inc()
	m.observeProcessTime(e)
}

func (m *MetricsBehavior[T]) observeProcessTime(e *Entry[T]) {
	if e.DequeuedAt().IsZero() {
		return
	}
	metricProcessTime.WithLabelValues(m.name).Observe(m.clk.Since(e.DequeuedAt()).Seconds())
}
