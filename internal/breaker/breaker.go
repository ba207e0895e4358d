// Copyright 2025 James Ross

// Package breaker implements the sliding-window circuit breaker that
// paces queue consumer loops when the backend or the handlers are
// failing, so a broken dependency is probed instead of hammered.
package breaker

import (
	"sync"
	"time"
)

// State is the breaker position.
type State int

const (
	Closed State = iota
	HalfOpen
	Open
)

func (s State) String() string {
	switch s {
	case HalfOpen:
		return "half-open"
	case Open:
		return "open"
	default:
		return "closed"
	}
}

type outcome struct {
	at time.Time
	ok bool
}

// Breaker trips Open when the failure rate over a sliding window
// crosses the threshold, waits out a cooldown, then admits a single
// half-open probe before closing again.
type Breaker struct {
	mu             sync.Mutex
	state          State
	window         time.Duration
	cooldown       time.Duration
	failureRate    float64
	minSamples     int
	lastTransition time.Time
	outcomes       []outcome
	probeInFlight  bool
	now            func() time.Time
}

// Options configures a Breaker; zero fields get conservative defaults.
type Options struct {
	Window      time.Duration
	Cooldown    time.Duration
	FailureRate float64
	MinSamples  int
	Now         func() time.Time
}

// New builds a closed breaker.
func New(opts Options) *Breaker {
	if opts.Window <= 0 {
		opts.Window = time.Minute
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 30 * time.Second
	}
	if opts.FailureRate <= 0 {
		opts.FailureRate = 0.5
	}
	if opts.MinSamples <= 0 {
		opts.MinSamples = 10
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Breaker{
		state:          Closed,
		window:         opts.Window,
		cooldown:       opts.Cooldown,
		failureRate:    opts.FailureRate,
		minSamples:     opts.MinSamples,
		lastTransition: opts.Now(),
		now:            opts.Now,
	}
}

// State returns the current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a unit of work may proceed right now.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Open:
		if b.now().Sub(b.lastTransition) < b.cooldown {
			return false
		}
		b.state = HalfOpen
		b.lastTransition = b.now()
		b.probeInFlight = true
		return true
	case HalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	default:
		return true
	}
}

// Record feeds one work outcome back into the window.
func (b *Breaker) Record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.outcomes = append(b.outcomes, outcome{at: now, ok: ok})
	b.trim(now)

	switch b.state {
	case HalfOpen:
		b.probeInFlight = false
		if ok {
			b.state = Closed
			b.lastTransition = now
			b.outcomes = nil
			return
		}
		b.state = Open
		b.lastTransition = now
	case Closed:
		total, failed := 0, 0
		for _, o := range b.outcomes {
			total++
			if !o.ok {
				failed++
			}
		}
		if total >= b.minSamples && float64(failed)/float64(total) >= b.failureRate {
			b.state = Open
			b.lastTransition = now
		}
	}
}

// trim drops outcomes older than the window. Caller holds mu.
func (b *Breaker) trim(now time.Time) {
	cutoff := now.Add(-b.window)
	keep := b.outcomes[:0]
	for _, o := range b.outcomes {
		if o.at.After(cutoff) {
			keep = append(keep, o)
		}
	}
	b.outcomes = keep
}
