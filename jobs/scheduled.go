// Copyright 2025 James Ross
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/flyingrobots/substrate/clock"
	"github.com/flyingrobots/substrate/lock"
)

// ScheduledJob pairs a job factory with a cron expression (standard
// five-field format).
type ScheduledJob struct {
	Name     string
	Factory  func() Job
	Schedule string
}

// ScheduledOptions configures a ScheduledRunner.
type ScheduledOptions struct {
	Jobs []ScheduledJob

	// Throttle admits each scheduled occurrence at most once per
	// minute bucket. Backed by a shared cache it makes a clustered
	// deployment fire each occurrence on exactly one runner.
	Throttle lock.Provider

	Clock  clock.Clock
	Logger *zap.Logger
}

type scheduledEntry struct {
	name     string
	factory  func() Job
	schedule cron.Schedule
	nextRun  time.Time
	lastRun  time.Time
}

// ScheduledRunner fires jobs on cron schedules from a minute-aligned
// tick.
type ScheduledRunner struct {
	entries  []*scheduledEntry
	throttle lock.Provider
	clk      clock.Clock
	log      *zap.Logger
	wg       sync.WaitGroup
}

// NewScheduledRunner parses every schedule up front; a bad expression
// is a configuration error.
func NewScheduledRunner(opts ScheduledOptions) (*ScheduledRunner, error) {
	if len(opts.Jobs) == 0 {
		return nil, fmt.Errorf("jobs: no scheduled jobs configured")
	}
	if opts.Throttle == nil {
		return nil, fmt.Errorf("jobs: scheduled runner requires a throttling lock provider")
	}
	if opts.Clock == nil {
		opts.Clock = clock.System()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	r := &ScheduledRunner{
		throttle: opts.Throttle,
		clk:      opts.Clock,
		log:      opts.Logger.Named("scheduler"),
	}
	for _, j := range opts.Jobs {
		if j.Factory == nil {
			return nil, fmt.Errorf("jobs: scheduled job %q has no factory", j.Name)
		}
		sched, err := cron.ParseStandard(j.Schedule)
		if err != nil {
			return nil, fmt.Errorf("jobs: bad cron expression %q for %q: %w", j.Schedule, j.Name, err)
		}
		name := j.Name
		if name == "" {
			name = jobName(j.Factory())
		}
		r.entries = append(r.entries, &scheduledEntry{name: name, factory: j.Factory, schedule: sched})
	}
	return r, nil
}

// Run ticks every minute until ctx is done, then waits for in-flight
// job runs to finish.
func (r *ScheduledRunner) Run(ctx context.Context) error {
	now := r.clk.Now()
	for _, e := range r.entries {
		e.nextRun = e.schedule.Next(now)
		r.log.Info("job scheduled", zap.String("job", e.name), zap.Time("next_run", e.nextRun))
	}

	// Align to the next minute boundary so occurrence buckets agree
	// across runners.
	first := now.Truncate(time.Minute).Add(time.Minute)
	if err := r.clk.Sleep(ctx, first.Sub(now)); err != nil {
		r.wg.Wait()
		return nil
	}
	r.tick(ctx)

	ticker := r.clk.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.wg.Wait()
			return nil
		case <-ticker.C():
			r.tick(ctx)
		}
	}
}

func (r *ScheduledRunner) tick(ctx context.Context) {
	now := r.clk.Now()
	for _, e := range r.entries {
		if e.nextRun.After(now) || e.lastRun.Equal(e.nextRun) {
			continue
		}
		occurrence := e.nextRun
		e.lastRun = e.nextRun
		e.nextRun = e.schedule.Next(now)

		bucket := occurrence.Unix() / 60
		key := fmt.Sprintf("%s:%d", e.name, bucket)
		l, err := r.throttle.Acquire(ctx, key, time.Minute, 0)
		if err != nil {
			r.log.Error("schedule throttle failed", zap.String("job", e.name), zap.Error(err))
			continue
		}
		if l == nil {
			r.log.Debug("occurrence already claimed", zap.String("job", e.name), zap.Time("occurrence", occurrence))
			continue
		}
		r.wg.Add(1)
		go func(e *scheduledEntry, occurrence time.Time) {
			defer r.wg.Done()
			res := safeRun(ctx, e.factory())
			if res.Status == StatusFailure {
				r.log.Error("scheduled job failed", zap.String("job", e.name), zap.Time("occurrence", occurrence), zap.Error(res.Error()))
				return
			}
			r.log.Info("scheduled job ran", zap.String("job", e.name), zap.Time("occurrence", occurrence), zap.String("status", res.Status.String()))
		}(e, occurrence)
	}
}
