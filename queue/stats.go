// Copyright 2025 James Ross
package queue

import "sync/atomic"

// Stats is a point-in-time snapshot of queue counters and gauges.
// Counters are per-process for the in-memory queue and per-queue totals
// for shared backends.
type Stats struct {
	// Gauges.
	Queued     int64 `json:"queued"`
	Working    int64 `json:"working"`
	DeadLetter int64 `json:"dead_letter"`

	// Monotonic counters.
	Enqueued  int64 `json:"enqueued"`
	Dequeued  int64 `json:"dequeued"`
	Completed int64 `json:"completed"`
	Abandoned int64 `json:"abandoned"`
	Errors    int64 `json:"errors"`
	Timeouts  int64 `json:"timeouts"`
}

// counters holds the atomic counter set shared by in-process bookkeeping.
type counters struct {
	enqueued  atomic.Int64
	dequeued  atomic.Int64
	completed atomic.Int64
	abandoned atomic.Int64
	errors    atomic.Int64
	timeouts  atomic.Int64
}

func (c *counters) reset() {
	c.enqueued.Store(0)
	c.dequeued.Store(0)
	c.completed.Store(0)
	c.abandoned.Store(0)
	c.errors.Store(0)
	c.timeouts.Store(0)
}

func (c *counters) snapshot() Stats {
	return Stats{
		Enqueued:  c.enqueued.Load(),
		Dequeued:  c.dequeued.Load(),
		Completed: c.completed.Load(),
		Abandoned: c.abandoned.Load(),
		Errors:    c.errors.Load(),
		Timeouts:  c.timeouts.Load(),
	}
}
