// Package metrics provides Prometheus metrics for runwatch.
//
// Metrics are organized into two tiers:
//   - Tier 1 (always enabled): aggregate run, output and duration metrics
//   - Tier 2 (optional, -metrics-per-run): per-run metrics labelled by run name
package metrics

import (
	"fmt"
	"io"
	"maps"
	"sync"
	"time"

	"github.com/influxdata/tdigest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Collector manages all Prometheus metrics for a runwatch session. It
// implements session.Recorder.
type Collector struct {
	perRunEnabled bool
	startTime     time.Time
	gatherer      prometheus.Gatherer

	// --- Panel 1: Runs ---
	runsStarted   prometheus.Counter
	spawnFailures prometheus.Counter
	runsActive    prometheus.Gauge
	runsFinished  *prometheus.CounterVec

	// --- Panel 2: Output ---
	outputLines    *prometheus.CounterVec
	decodeWarnings prometheus.Counter
	eventsEvicted  prometheus.Counter
	linesPerSecond prometheus.Gauge

	// --- Panel 3: Duration ---
	runDuration   prometheus.Histogram
	durationP50   prometheus.Gauge
	durationP95   prometheus.Gauge
	durationP99   prometheus.Gauge
	durationMax   prometheus.Gauge

	// --- Tier 2: Per-run ---
	runExitCode        *prometheus.GaugeVec
	runDurationSeconds *prometheus.GaugeVec

	mu             sync.Mutex
	active         int
	peakActive     int
	totalStarts    int64
	totalFailures  int64
	totalLines     int64
	totalReplaced  int64
	totalEvicted   int64
	states         map[string]int64
	causes         map[string]int64
	durationDigest *tdigest.TDigest // TDigest is not thread-safe
	maxDuration    time.Duration
	finished       int64
}

// CollectorConfig holds configuration for the collector.
type CollectorConfig struct {
	PerRunMetrics bool
}

// NewCollector creates a collector with its own registry.
func NewCollector(cfg CollectorConfig) *Collector {
	registry := prometheus.NewRegistry()
	return NewCollectorWithRegistry(cfg, registry, registry)
}

// NewCollectorWithRegistry creates a collector registered on registry.
// gatherer is read by WriteText and Server; it is normally the same registry.
func NewCollectorWithRegistry(cfg CollectorConfig, registry prometheus.Registerer, gatherer prometheus.Gatherer) *Collector {
	c := &Collector{
		perRunEnabled:  cfg.PerRunMetrics,
		startTime:      time.Now(),
		gatherer:       gatherer,
		states:         make(map[string]int64),
		causes:         make(map[string]int64),
		durationDigest: tdigest.NewWithCompression(100),

		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runwatch_runs_started_total",
			Help: "Runs whose process was spawned",
		}),
		spawnFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runwatch_spawn_failures_total",
			Help: "Runs whose process could not be created",
		}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "runwatch_runs_active",
			Help: "Runs currently running",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runwatch_runs_finished_total",
			Help: "Runs that reached a terminal state, by state and cause",
		}, []string{"state", "cause"}),

		outputLines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runwatch_output_lines_total",
			Help: "Output lines emitted, by stream",
		}, []string{"stream"}),
		decodeWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runwatch_decode_warnings_total",
			Help: "Output lines that contained undecodable bytes",
		}),
		eventsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runwatch_events_evicted_total",
			Help: "Output events dropped by history retention",
		}),
		linesPerSecond: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "runwatch_output_lines_per_second",
			Help: "Current output line rate across all runs",
		}),

		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "runwatch_run_duration_seconds",
			Help: "Wall-clock duration of finished runs",
			Buckets: []float64{
				0.01, 0.05, 0.1, 0.5,
				1, 5, 10, 30, 60,
				300, 900, 3600,
			},
		}),
		durationP50: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "runwatch_run_duration_p50_seconds",
			Help: "Run duration 50th percentile (median)",
		}),
		durationP95: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "runwatch_run_duration_p95_seconds",
			Help: "Run duration 95th percentile",
		}),
		durationP99: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "runwatch_run_duration_p99_seconds",
			Help: "Run duration 99th percentile",
		}),
		durationMax: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "runwatch_run_duration_max_seconds",
			Help: "Longest finished run",
		}),
	}

	// Register Tier 1 metrics (always)
	registry.MustRegister(
		c.runsStarted,
		c.spawnFailures,
		c.runsActive,
		c.runsFinished,
		c.outputLines,
		c.decodeWarnings,
		c.eventsEvicted,
		c.linesPerSecond,
		c.runDuration,
		c.durationP50,
		c.durationP95,
		c.durationP99,
		c.durationMax,
	)

	// Register Tier 2 metrics (optional)
	if cfg.PerRunMetrics {
		c.runExitCode = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "runwatch_run_exit_code",
			Help: "Exit code of the latest run with this name (-1 = none reported)",
		}, []string{"name"})
		c.runDurationSeconds = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "runwatch_run_last_duration_seconds",
			Help: "Duration of the latest run with this name",
		}, []string{"name"})
		registry.MustRegister(c.runExitCode, c.runDurationSeconds)
	}

	return c
}

// =============================================================================
// session.Recorder
// =============================================================================

// RunStarted records a spawned run.
func (c *Collector) RunStarted(name string) {
	c.runsStarted.Inc()
	c.runsActive.Inc()

	c.mu.Lock()
	c.totalStarts++
	c.active++
	if c.active > c.peakActive {
		c.peakActive = c.active
	}
	c.mu.Unlock()
}

// SpawnFailed records a run whose process could not be created.
func (c *Collector) SpawnFailed(name string) {
	c.spawnFailures.Inc()

	c.mu.Lock()
	c.totalFailures++
	c.mu.Unlock()
}

// OutputLine records one emitted output event.
func (c *Collector) OutputLine(source string, replaced bool) {
	c.outputLines.WithLabelValues(source).Inc()
	if replaced {
		c.decodeWarnings.Inc()
	}

	c.mu.Lock()
	c.totalLines++
	if replaced {
		c.totalReplaced++
	}
	c.mu.Unlock()
}

// RunFinished records a terminal run.
func (c *Collector) RunFinished(name, state, cause string, duration time.Duration, evicted int64) {
	c.runsFinished.WithLabelValues(state, cause).Inc()
	c.runsActive.Dec()
	c.runDuration.Observe(duration.Seconds())
	if evicted > 0 {
		c.eventsEvicted.Add(float64(evicted))
	}

	c.mu.Lock()
	c.active--
	c.finished++
	c.states[state]++
	c.causes[cause]++
	c.totalEvicted += evicted
	if duration > c.maxDuration {
		c.maxDuration = duration
	}
	c.durationDigest.Add(duration.Seconds(), 1)
	p50 := c.durationDigest.Quantile(0.50)
	p95 := c.durationDigest.Quantile(0.95)
	p99 := c.durationDigest.Quantile(0.99)
	maxSeconds := c.maxDuration.Seconds()
	c.mu.Unlock()

	c.durationP50.Set(p50)
	c.durationP95.Set(p95)
	c.durationP99.Set(p99)
	c.durationMax.Set(maxSeconds)
}

// RecordExitCode sets the per-run exit code gauge. code < 0 means the OS
// reported no status. No-op unless per-run metrics are enabled.
func (c *Collector) RecordExitCode(name string, code int, duration time.Duration) {
	if !c.perRunEnabled {
		return
	}
	c.runExitCode.WithLabelValues(name).Set(float64(code))
	c.runDurationSeconds.WithLabelValues(name).Set(duration.Seconds())
}

// SetLineRate updates the current output line rate.
func (c *Collector) SetLineRate(linesPerSec float64) {
	c.linesPerSecond.Set(linesPerSec)
}

// =============================================================================
// Summary Generation
// =============================================================================

// Summary holds the data for generating an exit summary.
type Summary struct {
	Duration       time.Duration
	TotalStarts    int64
	SpawnFailures  int64
	PeakActive     int
	Finished       int64
	States         map[string]int64
	Causes         map[string]int64
	Lines          int64
	DecodeWarnings int64
	Evicted        int64
	DurationP50    time.Duration
	DurationP95    time.Duration
	DurationP99    time.Duration
	DurationMax    time.Duration
}

// GenerateSummary creates a summary of the session so far.
func (c *Collector) GenerateSummary() *Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := &Summary{
		Duration:       time.Since(c.startTime),
		TotalStarts:    c.totalStarts,
		SpawnFailures:  c.totalFailures,
		PeakActive:     c.peakActive,
		Finished:       c.finished,
		States:         maps.Clone(c.states),
		Causes:         maps.Clone(c.causes),
		Lines:          c.totalLines,
		DecodeWarnings: c.totalReplaced,
		Evicted:        c.totalEvicted,
		DurationMax:    c.maxDuration,
	}

	if c.finished > 0 {
		s.DurationP50 = secondsToDuration(c.durationDigest.Quantile(0.50))
		s.DurationP95 = secondsToDuration(c.durationDigest.Quantile(0.95))
		s.DurationP99 = secondsToDuration(c.durationDigest.Quantile(0.99))
	}

	return s
}

// PeakActive returns the highest number of simultaneously running runs.
func (c *Collector) PeakActive() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peakActive
}

// PerRunEnabled returns whether per-run metrics are enabled.
func (c *Collector) PerRunEnabled() bool {
	return c.perRunEnabled
}

// Gatherer returns the gatherer metrics are read from.
func (c *Collector) Gatherer() prometheus.Gatherer {
	return c.gatherer
}

// WriteText writes every gathered metric family in the Prometheus text
// exposition format.
func (c *Collector) WriteText(w io.Writer) error {
	families, err := c.gatherer.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}

	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
