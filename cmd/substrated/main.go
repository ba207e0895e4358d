// Copyright 2025 James Ross

// substrated is the demonstration daemon for the substrate primitives:
// a producer enqueues file-processing work items, workers consume them
// with progress reports on the bus, and a scheduler fires configured
// cron jobs under a cluster-wide throttle.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flyingrobots/substrate/cache"
	"github.com/flyingrobots/substrate/internal/config"
	"github.com/flyingrobots/substrate/internal/obs"
	"github.com/flyingrobots/substrate/internal/redisclient"
	"github.com/flyingrobots/substrate/jobs"
	"github.com/flyingrobots/substrate/lock"
	"github.com/flyingrobots/substrate/messaging"
	"github.com/flyingrobots/substrate/queue"
	"github.com/flyingrobots/substrate/workitems"
)

var version = "dev"

// processFile is the demo work item: workers simulate processing
// proportional to size and fail when the path asks them to.
type processFile struct {
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
}

func main() {
	var role string
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "all", "Role to run: producer|worker|scheduler|all")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])
	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := obs.NewLogger(cfg.Observability.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	rdb := redisclient.New(cfg)
	defer rdb.Close()

	readyCheck := func(c context.Context) error { return rdb.Ping(c).Err() }
	httpSrv := obs.StartHTTPServer(cfg.Observability.MetricsPort, readyCheck)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	q := queue.NewRedis[workitems.Envelope](rdb, queue.RedisOptions{
		Options: queue.Options{
			Name:               cfg.Queue.Name,
			Retries:            cfg.Queue.Retries,
			RetryDelay:         cfg.Queue.RetryDelay,
			RetryMultipliers:   cfg.Queue.RetryMultipliers,
			WorkItemTimeout:    cfg.Queue.WorkItemTimeout,
			DeadLetterMaxItems: cfg.Queue.DeadLetterMaxItems,
			DedupWindow:        cfg.Queue.DedupWindow,
			Logger:             logger,
		},
		MaintenanceInterval: cfg.Queue.MaintenanceInterval,
	})
	defer q.Close()
	q.AttachBehavior(queue.NewMetricsBehavior[workitems.Envelope](cfg.Queue.Name, nil))
	q.AttachBehavior(queue.NewLoggingBehavior[workitems.Envelope](logger))

	bus, err := messaging.NewRedisBus(ctx, rdb, messaging.RedisBusOptions{
		Topic:  cfg.Bus.Topic,
		Logger: logger,
	})
	if err != nil {
		logger.Error("bus init failed", obs.Err(err))
		os.Exit(1)
	}
	defer bus.Close()

	sharedCache := cache.NewRedis(rdb, "substrate:cache:")

	var wg sync.WaitGroup
	var exitCode atomic.Int32

	if role == "worker" || role == "all" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if code := runWorker(ctx, cfg, q, bus, sharedCache, logger); code != 0 {
				exitCode.Store(int32(code))
			}
		}()
	}
	if role == "producer" || role == "all" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := runProducer(ctx, cfg, q, logger); err != nil && ctx.Err() == nil {
				logger.Error("producer failed", obs.Err(err))
				exitCode.Store(-1)
			}
		}()
	}
	if (role == "scheduler" || role == "all") && len(cfg.Scheduled) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := runScheduler(ctx, cfg, q, sharedCache, logger); err != nil && ctx.Err() == nil {
				logger.Error("scheduler failed", obs.Err(err))
				exitCode.Store(-1)
			}
		}()
	}

	wg.Wait()
	logger.Info("shutdown complete")
	os.Exit(int(exitCode.Load()))
}

func runWorker(ctx context.Context, cfg *config.Config, q queue.Queue[workitems.Envelope], bus messaging.MessageBus, shared cache.Cache, logger *zap.Logger) int {
	handlers := workitems.NewHandlers(nil)
	workitems.Register(handlers, func(c *workitems.Context, item processFile) error {
		dur := time.Duration(min64(item.SizeBytes/1024, 1000)) * time.Millisecond
		if dur > 0 {
			t := time.NewTimer(dur)
			defer t.Stop()
			select {
			case <-c.Done():
				return c.Err()
			case <-t.C:
			}
		}
		if strings.Contains(strings.ToLower(item.Path), "fail") {
			return fmt.Errorf("processing %s failed", item.Path)
		}
		return c.ReportProgress(100, "processed "+item.Path)
	})

	job := workitems.NewJob(q, bus, handlers, jobs.QueueJobOptions{
		DequeueTimeout:    cfg.Worker.DequeueTimeout,
		EntryLockProvider: lock.NewCacheProvider(shared, nil, logger),
		EntryLockTimeout:  cfg.Worker.LockTimeout,
		Logger:            logger,
	})
	runner, err := jobs.NewRunner(jobs.Options{
		Name:          "work-item-worker",
		JobFactory:    func() jobs.Job { return job },
		RunContinuous: true,
		InstanceCount: cfg.Worker.Count,
		Logger:        logger,
	})
	if err != nil {
		logger.Error("worker setup failed", obs.Err(err))
		return 1
	}
	if err := runner.Run(ctx); err != nil && ctx.Err() == nil {
		return -1
	}
	return 0
}

func runProducer(ctx context.Context, cfg *config.Config, q queue.Queue[workitems.Envelope], logger *zap.Logger) error {
	for i := 0; i < cfg.Producer.Count && ctx.Err() == nil; i++ {
		item := processFile{
			Path:      fmt.Sprintf("/data/%s.bin", uuid.NewString()),
			SizeBytes: int64((i%64 + 1) * 1024),
		}
		opts := []workitems.EnqueueOption{workitems.WithCorrelationID(uuid.NewString())}
		if cfg.Producer.ProgressReports {
			opts = append(opts, workitems.WithProgressReports())
		}
		id, err := workitems.Enqueue(ctx, q, nil, item, opts...)
		if err != nil {
			return err
		}
		logger.Debug("work item enqueued", obs.String("id", id), obs.String("path", item.Path))
		if cfg.Producer.Interval > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(cfg.Producer.Interval):
			}
		}
	}
	logger.Info("producer finished", obs.Int("count", cfg.Producer.Count))
	return nil
}

// runScheduler fires the configured cron jobs; each occurrence logs
// queue stats, and the shared throttle keeps a clustered deployment to
// one run per occurrence.
func runScheduler(ctx context.Context, cfg *config.Config, q queue.Queue[workitems.Envelope], shared cache.Cache, logger *zap.Logger) error {
	var scheduled []jobs.ScheduledJob
	for _, s := range cfg.Scheduled {
		name := s.Name
		scheduled = append(scheduled, jobs.ScheduledJob{
			Name:     name,
			Schedule: s.Schedule,
			Factory: func() jobs.Job {
				return jobs.JobFunc(func(ctx context.Context) jobs.Result {
					stats, err := q.Stats(ctx)
					if err != nil {
						return jobs.Failure(err, "stats unavailable")
					}
					logger.Info("queue stats",
						obs.String("job", name),
						zap.Int64("queued", stats.Queued),
						zap.Int64("working", stats.Working),
						zap.Int64("dead_letter", stats.DeadLetter))
					return jobs.Success()
				})
			},
		})
	}
	runner, err := jobs.NewScheduledRunner(jobs.ScheduledOptions{
		Jobs:     scheduled,
		Throttle: lock.NewThrottlingProvider(shared, 1, time.Minute, nil),
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	return runner.Run(ctx)
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
