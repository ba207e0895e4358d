// Copyright 2025 James Ross
package breaker

import (
	"testing"
	"time"
)

func TestBreakerTripsAtThreshold(t *testing.T) {
	now := time.Unix(0, 0)
	b := New(Options{Window: time.Minute, Cooldown: time.Second, FailureRate: 0.5, MinSamples: 4, Now: func() time.Time { return now }})
	for i := 0; i < 2; i++ {
		b.Record(true)
	}
	for i := 0; i < 2; i++ {
		b.Record(false)
	}
	if b.State() != Open {
		t.Fatalf("expected Open after 50%% failures, got %v", b.State())
	}
	if b.Allow() {
		t.Fatalf("open breaker should refuse before cooldown")
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	now := time.Unix(0, 0)
	b := New(Options{Window: time.Minute, Cooldown: time.Second, FailureRate: 0.5, MinSamples: 2, Now: func() time.Time { return now }})
	b.Record(false)
	b.Record(false)
	if b.State() != Open {
		t.Fatalf("expected Open")
	}
	now = now.Add(2 * time.Second)
	if !b.Allow() {
		t.Fatalf("expected half-open probe after cooldown")
	}
	if b.State() != HalfOpen {
		t.Fatalf("expected HalfOpen, got %v", b.State())
	}
	if b.Allow() {
		t.Fatalf("only one probe may be in flight")
	}
	b.Record(true)
	if b.State() != Closed {
		t.Fatalf("successful probe should close, got %v", b.State())
	}
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	now := time.Unix(0, 0)
	b := New(Options{Window: time.Minute, Cooldown: time.Second, FailureRate: 0.5, MinSamples: 2, Now: func() time.Time { return now }})
	b.Record(false)
	b.Record(false)
	now = now.Add(2 * time.Second)
	_ = b.Allow()
	b.Record(false)
	if b.State() != Open {
		t.Fatalf("failed probe should reopen, got %v", b.State())
	}
}
