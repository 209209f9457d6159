// Package timeseries tracks how fast runs produce output.
//
// A RateTracker counts events with a lock-free counter and keeps one
// sample per RecordSample call in a ring, from which it derives rolling
// rates over 1s, 30s, 60s and 300s windows.
package timeseries

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	// ringSize is the number of samples retained (5 minutes at 1 sample/sec).
	ringSize = 300

	window1s   = 1 * time.Second
	window30s  = 30 * time.Second
	window60s  = 60 * time.Second
	window300s = 300 * time.Second
)

// Clock interface for testing with deterministic time.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// sample is the cumulative count at a point in time.
type sample struct {
	at    time.Time
	count int64
}

// RateTracker tracks a cumulative event count and computes rolling rates.
//
// Usage:
//
//	tracker := NewRateTracker()
//	tracker.Add(1)          // per output line, lock-free
//	tracker.RecordSample()  // once a second from a ticker
//	stats := tracker.Stats()
type RateTracker struct {
	total atomic.Int64

	mu      sync.RWMutex
	ring    []sample
	next    int // write position once the ring is full
	started time.Time
	peak1s  float64

	clock Clock
}

// RateStats contains rolling rates (events per second) at a point in time.
type RateStats struct {
	Total int64

	Rate1s   float64
	Rate30s  float64
	Rate60s  float64
	Rate300s float64

	// Overall is the average rate since tracking started.
	Overall float64

	// Peak1s is the highest 1s rate seen at any RecordSample.
	Peak1s float64
}

// NewRateTracker creates a tracker using the wall clock.
func NewRateTracker() *RateTracker {
	return NewRateTrackerWithClock(realClock{})
}

// NewRateTrackerWithClock creates a tracker with a custom clock for testing.
func NewRateTrackerWithClock(clock Clock) *RateTracker {
	t := &RateTracker{
		ring:  make([]sample, 0, ringSize),
		clock: clock,
	}
	t.resetLocked(clock.Now())
	return t
}

// Add adds n events. Non-positive values are ignored.
func (t *RateTracker) Add(n int64) {
	if n > 0 {
		t.total.Add(n)
	}
}

// Total returns the cumulative count.
func (t *RateTracker) Total() int64 {
	return t.total.Load()
}

// RecordSample records the current count with a timestamp.
func (t *RateTracker) RecordSample() {
	now := t.clock.Now()
	count := t.total.Load()

	t.mu.Lock()
	defer t.mu.Unlock()

	s := sample{at: now, count: count}
	if len(t.ring) < ringSize {
		t.ring = append(t.ring, s)
	} else {
		t.ring[t.next] = s
		t.next = (t.next + 1) % ringSize
	}

	if r := t.rateLocked(now, count, window1s); r > t.peak1s {
		t.peak1s = r
	}
}

// Stats computes the current rates. With too little history a window uses
// the oldest sample available.
func (t *RateTracker) Stats() RateStats {
	now := t.clock.Now()
	count := t.total.Load()

	t.mu.RLock()
	defer t.mu.RUnlock()

	st := RateStats{
		Total:    count,
		Rate1s:   t.rateLocked(now, count, window1s),
		Rate30s:  t.rateLocked(now, count, window30s),
		Rate60s:  t.rateLocked(now, count, window60s),
		Rate300s: t.rateLocked(now, count, window300s),
		Peak1s:   t.peak1s,
	}
	if elapsed := now.Sub(t.started).Seconds(); elapsed > 0 {
		st.Overall = float64(count) / elapsed
	}
	return st
}

// rateLocked returns events/sec between the newest sample at or before
// now-window and now. Must be called with mu held.
func (t *RateTracker) rateLocked(now time.Time, count int64, window time.Duration) float64 {
	n := len(t.ring)
	if n == 0 {
		return 0
	}

	cutoff := now.Add(-window)
	base := t.at(0)
	// Walk from newest to oldest; the first sample not after cutoff is the
	// closest one to it.
	for i := n - 1; i >= 0; i-- {
		if s := t.at(i); !s.at.After(cutoff) {
			base = s
			break
		}
	}

	elapsed := now.Sub(base.at).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(count-base.count) / elapsed
}

// at returns the i-th oldest sample. Must be called with mu held.
func (t *RateTracker) at(i int) sample {
	if len(t.ring) < ringSize {
		return t.ring[i]
	}
	return t.ring[(t.next+i)%ringSize]
}

// Reset clears all data and restarts tracking.
func (t *RateTracker) Reset() {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetLocked(now)
}

func (t *RateTracker) resetLocked(now time.Time) {
	t.total.Store(0)
	t.ring = append(t.ring[:0], sample{at: now})
	t.next = 0
	t.started = now
	t.peak1s = 0
}

// SampleCount returns the number of samples in the ring.
func (t *RateTracker) SampleCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.ring)
}
