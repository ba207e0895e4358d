// Copyright 2025 James Ross
package jobs

import (
	"context"
	"os"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

func interruptSelf(t *testing.T) {
	t.Helper()
	if err := syscall.Kill(os.Getpid(), syscall.SIGINT); err != nil {
		t.Fatalf("kill: %v", err)
	}
}

func TestRunInConsoleGracefulStop(t *testing.T) {
	var runs atomic.Int32
	r, _ := NewRunner(Options{
		JobFactory: func() Job {
			return JobFunc(func(ctx context.Context) Result {
				runs.Add(1)
				return Success()
			})
		},
		RunContinuous: true,
		Interval:      time.Millisecond,
	})

	code := make(chan int, 1)
	go func() { code <- RunInConsole(r, nil) }()

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("runner never started")
		}
		time.Sleep(time.Millisecond)
	}
	interruptSelf(t)

	select {
	case c := <-code:
		if c != 0 {
			t.Fatalf("graceful stop should exit 0, got %d", c)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("console run did not stop on signal")
	}
}

func TestRunInConsoleDrainIsBounded(t *testing.T) {
	prev := consoleDrainTimeout
	consoleDrainTimeout = 50 * time.Millisecond
	defer func() { consoleDrainTimeout = prev }()

	started := make(chan struct{})
	block := make(chan struct{})
	defer close(block)
	r, _ := NewRunner(Options{
		JobFactory: func() Job {
			return JobFunc(func(context.Context) Result {
				close(started)
				<-block // ignores cancellation
				return Success()
			})
		},
	})

	code := make(chan int, 1)
	go func() { code <- RunInConsole(r, nil) }()
	<-started
	interruptSelf(t)

	select {
	case c := <-code:
		if c != 1 {
			t.Fatalf("drain timeout should force exit 1, got %d", c)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("drain was not bounded")
	}
}
