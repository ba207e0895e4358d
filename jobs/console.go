// Copyright 2025 James Ross
package jobs

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// ShutdownFileEnv names the environment variable holding an optional
// filesystem shutdown indicator: when the file appears, the console
// runner stops gracefully.
const ShutdownFileEnv = "SUBSTRATE_SHUTDOWN_FILE"

// consoleDrainTimeout bounds how long a graceful stop waits for
// in-flight iterations before the process gives up and exits.
var consoleDrainTimeout = 30 * time.Second

// RunInConsole runs the runner under process lifecycle control:
// SIGINT/SIGTERM trigger a graceful stop, as does the appearance of the
// shutdown file named by SUBSTRATE_SHUTDOWN_FILE. After the stop signal
// the drain is bounded: a second signal or the drain timeout forces an
// immediate exit. The returned exit code is 0 on success, -1 on job
// failure, and 1 on a forced exit; construction failures should exit 1
// before reaching here.
func RunInConsole(runner *Runner, log *zap.Logger) int {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	stopCh := make(chan struct{}, 1)
	go func() {
		select {
		case sig := <-sigCh:
			log.Info("signal received, shutting down", zap.String("signal", sig.String()))
			stopCh <- struct{}{}
		case <-ctx.Done():
		}
	}()
	if path := os.Getenv(ShutdownFileEnv); path != "" {
		go watchShutdownFile(ctx, path, stopCh, log)
	}

	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	select {
	case err := <-done:
		return exitCode(err)
	case <-stopCh:
		cancel()
	}

	// Bounded drain: let in-flight iterations finish, but never hang
	// the process on a runner that ignores cancellation.
	drain := time.NewTimer(consoleDrainTimeout)
	defer drain.Stop()
	select {
	case err := <-done:
		if err != nil && ctx.Err() != nil {
			return 0
		}
		return exitCode(err)
	case sig := <-sigCh:
		log.Warn("second signal received, exiting immediately", zap.String("signal", sig.String()))
		return 1
	case <-drain.C:
		log.Error("graceful drain timed out, exiting", zap.Duration("timeout", consoleDrainTimeout))
		return 1
	}
}

func exitCode(err error) int {
	if err != nil {
		return -1
	}
	return 0
}

// watchShutdownFile polls for the indicator file once a second.
func watchShutdownFile(ctx context.Context, path string, stopCh chan<- struct{}, log *zap.Logger) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := os.Stat(path); err == nil {
				log.Info("shutdown file detected, shutting down", zap.String("path", path))
				select {
				case stopCh <- struct{}{}:
				default:
				}
				return
			}
		}
	}
}
