// Copyright 2025 James Ross
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/substrate/clock"
	"github.com/flyingrobots/substrate/lock"
)

// Options configures a Runner.
type Options struct {
	// Name labels logs and the job lock; defaults to the produced
	// job's type name.
	Name string

	// JobFactory produces a job instance per worker.
	JobFactory func() Job

	// RunContinuous loops iterations until cancellation, the iteration
	// limit, or the ShouldContinue predicate says stop.
	RunContinuous bool

	// Interval is the pause between iterations; zero means none.
	Interval time.Duration

	// InitialDelay postpones the first iteration.
	InitialDelay time.Duration

	// IterationLimit stops a continuous runner after N iterations;
	// values <= 0 mean unbounded.
	IterationLimit int

	// InstanceCount is how many parallel workers share the job type,
	// each with its own factory-produced instance. Defaults to 1.
	InstanceCount int

	// LockProvider guards each iteration with a job-wide lock when
	// set. A busy lock skips the iteration; it is not a failure.
	LockProvider   lock.Provider
	LockTimeout    time.Duration
	AcquireTimeout time.Duration

	// ShouldContinue, when set, is evaluated after every iteration of
	// a continuous run; returning false ends the loop. Used for
	// run-until-empty consumers.
	ShouldContinue func(ctx context.Context) bool

	// WaitForStartup blocks workers until the channel closes.
	WaitForStartup <-chan struct{}

	Clock  clock.Clock
	Logger *zap.Logger
}

// Runner executes a job per Options.
type Runner struct {
	opts Options
	name string
	log  *zap.Logger
}

// NewRunner validates opts and builds a runner.
func NewRunner(opts Options) (*Runner, error) {
	if opts.JobFactory == nil {
		return nil, fmt.Errorf("jobs: JobFactory is required")
	}
	if opts.InstanceCount <= 0 {
		opts.InstanceCount = 1
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 20 * time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = clock.System()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	name := opts.Name
	if name == "" {
		name = jobName(opts.JobFactory())
	}
	return &Runner{
		opts: opts,
		name: name,
		log:  opts.Logger.Named("runner").With(zap.String("job", name)),
	}, nil
}

// Name returns the runner's job name.
func (r *Runner) Name() string { return r.name }

// Run executes the job until done. For a non-continuous runner that is
// a single iteration; the iteration's failure becomes the returned
// error. A continuous runner returns nil once its loop exits.
func (r *Runner) Run(ctx context.Context) error {
	if r.opts.WaitForStartup != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.opts.WaitForStartup:
		}
	}

	if !r.opts.RunContinuous {
		job := r.opts.JobFactory()
		if r.opts.InitialDelay > 0 {
			if err := r.opts.Clock.Sleep(ctx, r.opts.InitialDelay); err != nil {
				return err
			}
		}
		res := r.runIteration(ctx, job)
		r.logResult(res)
		return res.Error()
	}

	var wg sync.WaitGroup
	for i := 0; i < r.opts.InstanceCount; i++ {
		wg.Add(1)
		worker := i
		go func() {
			defer wg.Done()
			r.runWorker(ctx, worker)
		}()
	}
	wg.Wait()
	return nil
}

// RunOnce runs a single iteration and returns its result.
func (r *Runner) RunOnce(ctx context.Context) Result {
	res := r.runIteration(ctx, r.opts.JobFactory())
	r.logResult(res)
	return res
}

func (r *Runner) runWorker(ctx context.Context, worker int) {
	log := r.log.With(zap.Int("worker", worker))
	job := r.opts.JobFactory()

	if r.opts.InitialDelay > 0 {
		if r.opts.Clock.Sleep(ctx, r.opts.InitialDelay) != nil {
			return
		}
	}

	for iteration := 1; ctx.Err() == nil; iteration++ {
		res := r.runIteration(ctx, job)
		r.logResult(res)

		if r.opts.IterationLimit > 0 && iteration >= r.opts.IterationLimit {
			log.Debug("iteration limit reached", zap.Int("iterations", iteration))
			return
		}
		if r.opts.ShouldContinue != nil && !r.opts.ShouldContinue(ctx) {
			log.Debug("continuation predicate ended the loop", zap.Int("iterations", iteration))
			return
		}
		if r.opts.Interval > 0 {
			if r.opts.Clock.Sleep(ctx, r.opts.Interval) != nil {
				return
			}
		} else if iteration%1000 == 0 {
			// Yield so cancellation is observed on tight loops.
			if r.opts.Clock.Sleep(ctx, time.Millisecond) != nil {
				return
			}
		}
	}
}

// runIteration acquires the job lock when configured, runs the job, and
// translates panics into failures. A busy lock is not a failure: the
// iteration reports success with a message and is skipped.
func (r *Runner) runIteration(ctx context.Context, job Job) Result {
	if ctx.Err() != nil {
		return Cancelled("runner cancelled")
	}
	if r.opts.LockProvider != nil {
		l, err := r.opts.LockProvider.Acquire(ctx, "job:"+r.name, r.opts.LockTimeout, r.opts.AcquireTimeout)
		if err != nil {
			return Failure(err, "job lock acquisition failed")
		}
		if l == nil {
			return SuccessWithMessage("unable to acquire job lock, skipping iteration")
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := l.Release(releaseCtx); err != nil {
				r.log.Warn("job lock release failed", zap.Error(err))
			}
		}()
	}
	return safeRun(ctx, job)
}

func safeRun(ctx context.Context, job Job) (res Result) {
	defer func() {
		if rec := recover(); rec != nil {
			res = Failure(fmt.Errorf("job panic: %v", rec), "job panicked")
		}
	}()
	return job.Run(ctx)
}

func (r *Runner) logResult(res Result) {
	switch res.Status {
	case StatusFailure:
		r.log.Error("job iteration failed", zap.String("message", res.Message), zap.Error(res.Err))
	case StatusCancelled:
		r.log.Info("job iteration cancelled", zap.String("message", res.Message))
	default:
		if res.Message != "" {
			r.log.Info("job iteration succeeded", zap.String("message", res.Message))
		} else {
			r.log.Debug("job iteration succeeded")
		}
	}
}
