package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/randomizedcoder/runwatch/internal/config"
	"github.com/randomizedcoder/runwatch/internal/logging"
	"github.com/randomizedcoder/runwatch/internal/metrics"
	"github.com/randomizedcoder/runwatch/internal/preflight"
	"github.com/randomizedcoder/runwatch/internal/session"
	"github.com/randomizedcoder/runwatch/internal/stats"
	"github.com/randomizedcoder/runwatch/internal/stream"
	"github.com/randomizedcoder/runwatch/internal/supervisor"
	"github.com/randomizedcoder/runwatch/internal/timeseries"
	"github.com/randomizedcoder/runwatch/internal/tui"
)

// Process exit statuses.
const (
	ExitOK       = 0
	ExitFailure  = 1
	ExitNotFound = 127
)

// shutdownSlack is added to the grace period and drain timeout when waiting
// for runs to stop.
const shutdownSlack = 5 * time.Second

// Orchestrator coordinates all components for a runwatch invocation.
type Orchestrator struct {
	config *config.Config
	logger *slog.Logger
	stdout io.Writer
	stderr io.Writer

	controller    *session.Controller
	metrics       *metrics.Collector
	metricsServer *metrics.Server
	output        *logging.OutputHandler
	lineRate      *timeseries.RateTracker
	scheduler     *StartScheduler
	printer       *Printer

	mu      sync.Mutex
	entries []*entry

	printers sync.WaitGroup

	startTime time.Time
	peakRate  float64
}

// entry is one configured run: started (handle set) or failed to spawn.
type entry struct {
	spec    config.RunSpec
	command string
	handle  *session.Handle
	spawn   error
}

// New creates an Orchestrator writing run output to os.Stdout and os.Stderr.
func New(cfg *config.Config, logger *slog.Logger) *Orchestrator {
	return NewWithWriters(cfg, logger, os.Stdout, os.Stderr)
}

// NewWithWriters creates an Orchestrator with the given output writers.
func NewWithWriters(cfg *config.Config, logger *slog.Logger, stdout, stderr io.Writer) *Orchestrator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	o := &Orchestrator{
		config:    cfg,
		logger:    logger,
		stdout:    stdout,
		stderr:    stderr,
		metrics:   metrics.NewCollector(metrics.CollectorConfig{PerRunMetrics: cfg.PerRunMetrics}),
		lineRate:  timeseries.NewRateTracker(),
		scheduler: NewStartScheduler(cfg.StartRate, cfg.StartJitter),
	}

	// Output lines are logged only in log mode; the handler always keeps
	// the recent lines for the summary and the dashboard.
	var outputLogger *slog.Logger
	if cfg.Output == config.OutputLog && !cfg.TUIEnabled {
		outputLogger = logger
	}
	o.output = logging.NewOutputHandler(outputLogger, max(cfg.TailLines, logging.DefaultRecentLines))

	if cfg.Output != config.OutputLog && !cfg.TUIEnabled {
		names := make([]string, 0, len(cfg.Runs))
		for _, r := range cfg.Runs {
			names = append(names, r.Name)
		}
		o.printer = NewPrinter(cfg.Output, names, stdout, stderr)
	}

	if cfg.MetricsAddr != "" {
		o.metricsServer = metrics.NewServer(cfg.MetricsAddr, o.metrics.Gatherer(), logger)
	}

	o.controller = session.New(session.Config{
		Logger:       logger,
		Recorder:     o.metrics,
		OnEvent:      o.onEvent,
		GracePeriod:  cfg.GracePeriod,
		DrainTimeout: cfg.DrainTimeout,
		HistoryLimit: cfg.HistoryLimit,
		Reader:       cfg.ReaderConfig(),
	})

	return o
}

// Run starts every configured run and blocks until all of them have finished
// or a signal asks them to stop. It returns the process exit status.
func (o *Orchestrator) Run(ctx context.Context) (int, error) {
	o.startTime = time.Now()

	if !o.config.SkipPreflight {
		if code, err := o.preflight(); err != nil {
			return code, err
		}
	}

	if o.metricsServer != nil {
		if err := o.metricsServer.Start(); err != nil {
			return ExitFailure, fmt.Errorf("failed to start metrics server: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownSlack)
			defer cancel()
			if err := o.metricsServer.Shutdown(shutdownCtx); err != nil {
				o.logger.Warn("metrics_server_shutdown_error", "error", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			o.logger.Info("received_signal", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	go o.sampleLineRate(ctx)

	var program *tea.Program
	tuiDone := make(chan struct{})
	if o.config.TUIEnabled {
		program = o.startTUI(cancel, tuiDone)
	} else {
		close(tuiDone)
	}

	o.logger.Info("runs_starting",
		"runs", len(o.config.Runs),
		"start_rate", o.config.StartRate,
		"estimated_duration", o.scheduler.EstimatedDuration(len(o.config.Runs)).String(),
	)
	o.startRuns(ctx)
	if o.metricsServer != nil {
		o.metricsServer.SetReady(true)
	}

	allDone := make(chan struct{})
	go func() {
		defer close(allDone)
		for _, h := range o.handles() {
			<-h.Done()
		}
	}()

	stopped := true
	select {
	case <-allDone:
		o.logger.Info("runs_complete", "runs", len(o.config.Runs))
	case <-ctx.Done():
		stopped = o.shutdown(allDone)
	}

	// All output logs are closed; wait for printers to reach the end.
	if stopped {
		o.printers.Wait()
	}

	if program != nil {
		tui.SendDone(program)
		<-tuiDone
	}

	summaries := o.collect()
	o.printExitSummary(summaries)

	if o.config.MetricsDump {
		if err := o.metrics.WriteText(o.stderr); err != nil {
			o.logger.Warn("metrics_dump_failed", "error", err)
		}
	}

	return ExitCode(summaries), nil
}

// preflight runs the startup checks. A missing executable maps to the same
// status a failed spawn would have produced.
func (o *Orchestrator) preflight() (int, error) {
	targets := make([]preflight.Target, 0, len(o.config.Runs))
	for _, r := range o.config.Runs {
		cmd, err := r.Process()
		if err != nil {
			return ExitFailure, fmt.Errorf("run %q: %w", r.Name, err)
		}
		targets = append(targets, preflight.Target{Name: r.Name, Command: cmd})
	}

	result := preflight.RunAll(targets)
	if result.Passed && !o.config.Verbose {
		return ExitOK, nil
	}
	preflight.PrintResults(o.stderr, result)
	if result.Passed {
		return ExitOK, nil
	}

	code := ExitFailure
	for _, c := range result.Checks {
		if !c.Passed && strings.HasPrefix(c.Name, "executable:") {
			code = ExitNotFound
		}
	}
	return code, errors.New("preflight checks failed (use -skip-preflight to override)")
}

// startRuns starts the configured runs at the scheduled rate. It stops early
// when ctx ends.
func (o *Orchestrator) startRuns(ctx context.Context) {
	for i, spec := range o.config.Runs {
		if err := o.scheduler.Wait(ctx, i); err != nil {
			o.logger.Info("start_cancelled", "started", i, "runs", len(o.config.Runs))
			return
		}

		e := &entry{spec: spec, command: strings.Join(spec.Command, " ")}
		o.mu.Lock()
		o.entries = append(o.entries, e)
		o.mu.Unlock()

		cmd, err := spec.Process()
		if err != nil {
			e.spawn = err
			continue
		}
		e.command = cmd.String()

		h, err := o.controller.StartRun(ctx, spec.Name, cmd, session.Options{
			Timeout:     spec.Timeout,
			GracePeriod: spec.GracePeriod,
			Attach:      o.printer != nil,
		})
		if err != nil {
			o.logger.Error("run_start_failed", "name", spec.Name, "error", err)
			e.spawn = err
			continue
		}

		o.mu.Lock()
		e.handle = h
		o.mu.Unlock()

		o.logger.Debug("run_started", "name", h.Name(), "run_id", h.ID())
		if cur := h.Cursor(); cur != nil {
			o.print(h, cur)
		}
	}
}

// print writes the run's output until its log is closed.
func (o *Orchestrator) print(h *session.Handle, cur *stream.Cursor) {
	o.printers.Add(1)
	go func() {
		defer o.printers.Done()
		defer cur.Close()
		for ev, err := range cur.All(context.Background()) {
			if err != nil {
				o.logger.Warn("output_read_failed", "name", h.Name(), "error", err)
				return
			}
			if err := o.printer.Print(h.Name(), ev); err != nil {
				o.logger.Debug("output_write_failed", "name", h.Name(), "error", err)
			}
		}
	}()
}

// onEvent observes every output event of every run.
func (o *Orchestrator) onEvent(name string, ev stream.Event) {
	o.output.HandleEvent(name, ev)
	if ev.Kind == stream.KindLine {
		o.lineRate.Add(1)
	}
}

// shutdown stops every active run and waits for them within the grace
// period plus drain timeout. It reports whether every run finished.
func (o *Orchestrator) shutdown(allDone <-chan struct{}) bool {
	o.logger.Info("shutting_down", "active", o.controller.Active())

	timeout := o.config.GracePeriod + o.config.DrainTimeout + shutdownSlack
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := o.controller.Shutdown(shutdownCtx); err != nil {
		o.logger.Warn("shutdown_incomplete", "error", err)
		return false
	}
	<-allDone
	return true
}

// sampleLineRate records a line-rate sample once per second.
func (o *Orchestrator) sampleLineRate(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.lineRate.RecordSample()
			st := o.lineRate.Stats()
			o.metrics.SetLineRate(st.Rate1s)

			o.mu.Lock()
			o.peakRate = max(o.peakRate, st.Peak1s)
			o.mu.Unlock()
		}
	}
}

// startTUI runs the dashboard. Quitting it stops every run.
func (o *Orchestrator) startTUI(cancel context.CancelFunc, done chan<- struct{}) *tea.Program {
	addr := ""
	if o.metricsServer != nil {
		addr = o.metricsServer.Addr()
	}
	model := tui.New(tui.Config{
		Title:       "runwatch",
		MetricsAddr: addr,
		Source:      o,
	})
	program := tea.NewProgram(model, tea.WithAltScreen())

	go func() {
		defer close(done)
		if _, err := program.Run(); err != nil {
			o.logger.Error("tui_failed", "error", err)
		}
		cancel()
	}()
	return program
}

func (o *Orchestrator) handles() []*session.Handle {
	o.mu.Lock()
	defer o.mu.Unlock()
	hs := make([]*session.Handle, 0, len(o.entries))
	for _, e := range o.entries {
		if e.handle != nil {
			hs = append(hs, e.handle)
		}
	}
	return hs
}

// =============================================================================
// tui.Source
// =============================================================================

// Runs returns the status of every started run.
func (o *Orchestrator) Runs() []session.Status {
	return o.controller.Runs()
}

// RecentLines returns up to n recent output lines of the run called name.
func (o *Orchestrator) RecentLines(name string, n int) []string {
	return o.output.RecentLines(name, n)
}

// LineRate returns the current output line rates.
func (o *Orchestrator) LineRate() timeseries.RateStats {
	return o.lineRate.Stats()
}

// CancelRun cancels the active run called name.
func (o *Orchestrator) CancelRun(name string) error {
	h, err := o.controller.Lookup(name)
	if err != nil {
		return err
	}
	return o.controller.Cancel(h)
}

// =============================================================================
// Summary
// =============================================================================

// collect builds the outcome of every configured run, in configuration order.
func (o *Orchestrator) collect() []stats.RunSummary {
	o.mu.Lock()
	entries := append([]*entry(nil), o.entries...)
	o.mu.Unlock()

	summaries := make([]stats.RunSummary, 0, len(entries))
	for _, e := range entries {
		if e.handle == nil {
			summaries = append(summaries, stats.RunSummary{
				Name:    e.spec.Name,
				Command: e.command,
				State:   supervisor.StateFailedToStart.String(),
				Cause:   string(supervisor.CauseSpawnError),
				Message: e.spawn.Error(),
			})
			continue
		}

		st, err := o.controller.Status(e.handle)
		if err != nil {
			o.logger.Warn("status_failed", "name", e.spec.Name, "error", err)
			continue
		}

		code := -1
		if st.HasExitCode {
			code = st.ExitCode
		}
		o.metrics.RecordExitCode(st.Name, code, st.Duration())

		summaries = append(summaries, stats.RunSummary{
			Name:        st.Name,
			Command:     st.Command,
			State:       st.State.String(),
			Cause:       string(st.Cause),
			Message:     st.Message,
			ExitCode:    st.ExitCode,
			HasExitCode: st.HasExitCode,
			Duration:    st.Duration(),
			Lines:       st.Lines,
			Evicted:     st.Evicted,
			Tail:        o.output.RecentLines(st.Name, o.config.TailLines),
			ErrorCounts: o.output.CountErrors(st.Name),
		})
	}
	return summaries
}

// printExitSummary writes the exit summary to stderr.
func (o *Orchestrator) printExitSummary(summaries []stats.RunSummary) {
	summary := o.metrics.GenerateSummary()

	o.mu.Lock()
	peakRate := o.peakRate
	o.mu.Unlock()

	addr := ""
	if o.metricsServer != nil {
		addr = o.metricsServer.Addr()
	}

	fmt.Fprint(o.stderr, stats.FormatExitSummary(summaries, stats.SummaryConfig{
		Duration:       time.Since(o.startTime),
		MetricsAddr:    addr,
		TailLines:      o.config.TailLines,
		TotalStarts:    summary.TotalStarts,
		SpawnFailures:  summary.SpawnFailures,
		PeakActive:     summary.PeakActive,
		DecodeWarnings: summary.DecodeWarnings,
		PeakLineRate:   peakRate,
		DurationP50:    summary.DurationP50,
		DurationP95:    summary.DurationP95,
		DurationP99:    summary.DurationP99,
	}))
}

// ExitCode maps run outcomes to the process exit status: a single run's
// own exit code, ExitNotFound if it could not be started, and ExitFailure if
// any of several runs did not exit 0.
func ExitCode(runs []stats.RunSummary) int {
	switch len(runs) {
	case 0:
		return ExitFailure
	case 1:
		r := runs[0]
		switch {
		case r.State == supervisor.StateFailedToStart.String():
			return ExitNotFound
		case r.HasExitCode && r.ExitCode >= 0:
			return r.ExitCode
		case r.Failed():
			return ExitFailure
		}
		return ExitOK
	}

	for _, r := range runs {
		if r.Failed() {
			return ExitFailure
		}
	}
	return ExitOK
}

// Metrics returns the metrics collector for external access.
func (o *Orchestrator) Metrics() *metrics.Collector {
	return o.metrics
}
