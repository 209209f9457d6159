// Package orchestrator wires configuration, the session controller, output
// rendering and metrics into a runwatch invocation.
package orchestrator

import (
	"context"
	"math/rand"
	"time"
)

// StartScheduler controls the rate at which runs from a run file are
// started, so a large file does not fork every process at once. Each run
// gets its own jitter so runs do not start in lockstep.
type StartScheduler struct {
	rate      int           // runs per second, 0 = no spacing
	maxJitter time.Duration // maximum jitter per run
	seed      int64
}

// NewStartScheduler creates a scheduler with the given rate and jitter.
func NewStartScheduler(rate int, maxJitter time.Duration) *StartScheduler {
	return NewStartSchedulerWithSeed(rate, maxJitter, time.Now().UnixNano())
}

// NewStartSchedulerWithSeed creates a scheduler with a specific seed for
// reproducible jitter.
func NewStartSchedulerWithSeed(rate int, maxJitter time.Duration, seed int64) *StartScheduler {
	return &StartScheduler{
		rate:      rate,
		maxJitter: maxJitter,
		seed:      seed,
	}
}

// Delay returns how long to wait before starting run index i. The first run
// gets jitter only.
func (s *StartScheduler) Delay(i int) time.Duration {
	var base time.Duration
	if s.rate > 0 && i > 0 {
		base = time.Second / time.Duration(s.rate)
	}
	return base + s.Jitter(i)
}

// Jitter returns the jitter for run index i within [0, maxJitter). The same
// index and seed always produce the same value.
func (s *StartScheduler) Jitter(i int) time.Duration {
	if s.maxJitter <= 0 {
		return 0
	}
	rng := rand.New(rand.NewSource(int64(i) ^ s.seed))
	return time.Duration(rng.Int63n(int64(s.maxJitter)))
}

// Wait blocks for the delay of run index i.
// Returns nil on success, or the context error if cancelled.
func (s *StartScheduler) Wait(ctx context.Context, i int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d := s.Delay(i)
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// EstimatedDuration returns the estimated time to start n runs.
func (s *StartScheduler) EstimatedDuration(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	var base time.Duration
	if s.rate > 0 {
		base = time.Duration(n-1) * time.Second / time.Duration(s.rate)
	}
	return base + s.maxJitter/2
}

// Rate returns the configured rate (runs per second).
func (s *StartScheduler) Rate() int {
	return s.rate
}

// MaxJitter returns the configured maximum jitter.
func (s *StartScheduler) MaxJitter() time.Duration {
	return s.maxJitter
}
