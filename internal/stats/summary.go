// Package stats formats run outcomes for display.
//
// This file implements the exit summary formatter which displays every
// run's outcome and session-wide statistics at program exit.
package stats

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

const (
	ruleHeavy = "═══════════════════════════════════════════════════════════════════════════════\n"
	ruleLight = "───────────────────────────────────────────────────────────────────────────────\n"
)

// RunSummary is the outcome of one run.
type RunSummary struct {
	Name        string
	Command     string
	State       string
	Cause       string
	Message     string
	ExitCode    int
	HasExitCode bool
	Duration    time.Duration
	Lines       int64
	Evicted     int64

	// Tail holds the run's most recent output lines, oldest first.
	Tail []string

	// ErrorCounts maps error patterns to the number of recent lines matching them.
	ErrorCounts map[string]int
}

// Failed reports whether the run did not exit with code 0.
func (r RunSummary) Failed() bool {
	return r.State != "exited" || !r.HasExitCode || r.ExitCode != 0
}

// SummaryConfig holds configuration for summary formatting.
type SummaryConfig struct {
	// Duration is the total session duration
	Duration time.Duration

	// MetricsAddr is the Prometheus metrics endpoint address
	MetricsAddr string

	// TailLines limits the recent output shown per failed run (0 = none)
	TailLines int

	// Session totals (from metrics.Collector)
	TotalStarts    int64
	SpawnFailures  int64
	PeakActive     int
	DecodeWarnings int64
	PeakLineRate   float64

	// DurationP50, DurationP95, DurationP99 are run duration percentiles
	DurationP50 time.Duration
	DurationP95 time.Duration
	DurationP99 time.Duration
}

// FormatExitSummary formats every run's outcome for display at program exit.
//
// The summary includes:
// - Session information
// - A table of runs with state, exit code, duration and line counts
// - Duration percentiles (when several runs finished)
// - Failure details with recent output
// - Exit code tally
func FormatExitSummary(runs []RunSummary, cfg SummaryConfig) string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(ruleHeavy)
	b.WriteString("                            runwatch Exit Summary\n")
	b.WriteString(ruleHeavy + "\n")

	var lines, evicted int64
	failed := 0
	for _, r := range runs {
		lines += r.Lines
		evicted += r.Evicted
		if r.Failed() {
			failed++
		}
	}

	// Session info
	fmt.Fprintf(&b, "Session Duration:       %s\n", FormatDuration(cfg.Duration))
	fmt.Fprintf(&b, "Runs:                   %d (%d failed)\n", len(runs), failed)
	if cfg.SpawnFailures > 0 {
		fmt.Fprintf(&b, "Failed to Start:        %d\n", cfg.SpawnFailures)
	}
	if cfg.PeakActive > 1 {
		fmt.Fprintf(&b, "Peak Concurrent Runs:   %d\n", cfg.PeakActive)
	}
	fmt.Fprintf(&b, "Output Lines:           %s\n", FormatNumber(lines))
	if cfg.PeakLineRate > 0 {
		fmt.Fprintf(&b, "Peak Line Rate:         %s\n", FormatRate(cfg.PeakLineRate))
	}
	b.WriteString("\n")

	if len(runs) > 0 {
		section(&b, "Runs")
		fmt.Fprintf(&b, "  %-20s %-16s %6s %12s %10s\n", "Name", "State", "Exit", "Duration", "Lines")
		b.WriteString("  " + strings.Repeat("─", 68) + "\n")
		for _, r := range runs {
			fmt.Fprintf(&b, "  %-20s %-16s %6s %12s %10s\n",
				truncate(r.Name, 20),
				stateLabel(r),
				exitLabel(r),
				FormatElapsed(r.Duration),
				FormatNumber(r.Lines),
			)
		}
		b.WriteString("\n")
	}

	// Duration distribution (from metrics.Collector)
	if len(runs) > 1 && (cfg.DurationP50 > 0 || cfg.DurationP99 > 0) {
		section(&b, "Duration Distribution")
		fmt.Fprintf(&b, "  P50 (median):         %s\n", FormatElapsed(cfg.DurationP50))
		fmt.Fprintf(&b, "  P95:                  %s\n", FormatElapsed(cfg.DurationP95))
		fmt.Fprintf(&b, "  P99:                  %s\n", FormatElapsed(cfg.DurationP99))
		b.WriteString("\n")
	}

	// Output health
	if cfg.DecodeWarnings > 0 || evicted > 0 {
		section(&b, "Output")
		if cfg.DecodeWarnings > 0 {
			fmt.Fprintf(&b, "  Decode Warnings:      %s lines had invalid bytes replaced\n", FormatNumber(cfg.DecodeWarnings))
		}
		if evicted > 0 {
			fmt.Fprintf(&b, "  Evicted Events:       %s (history limit)\n", FormatNumber(evicted))
		}
		b.WriteString("\n")
	}

	// Failures
	if failed > 0 {
		section(&b, "Failures")
		for _, r := range runs {
			if r.Failed() {
				writeFailure(&b, r, cfg.TailLines)
			}
		}
	}

	// Exit codes
	codes := exitCodeCounts(runs)
	if len(codes) > 0 && len(runs) > 1 {
		section(&b, "Exit Codes")
		for _, code := range slices.Sorted(maps.Keys(codes)) {
			fmt.Fprintf(&b, "  %3d %-16s %d\n", code, exitCodeLabel(code), codes[code])
		}
		b.WriteString("\n")
	}

	// Metrics endpoint
	if cfg.MetricsAddr != "" {
		fmt.Fprintf(&b, "Metrics endpoint was: http://%s/metrics\n", cfg.MetricsAddr)
	}

	b.WriteString(ruleHeavy)

	return b.String()
}

func section(b *strings.Builder, title string) {
	b.WriteString(ruleLight)
	pad := max((len(ruleLight)/3-len(title))/2, 0)
	b.WriteString(strings.Repeat(" ", pad) + title + "\n")
	b.WriteString(ruleLight + "\n")
}

func writeFailure(b *strings.Builder, r RunSummary, tailLines int) {
	fmt.Fprintf(b, "  %s: %s\n", r.Name, r.Message)
	if r.Command != "" {
		fmt.Fprintf(b, "    command: %s\n", r.Command)
	}

	if len(r.ErrorCounts) > 0 {
		parts := make([]string, 0, len(r.ErrorCounts))
		for _, p := range slices.Sorted(maps.Keys(r.ErrorCounts)) {
			parts = append(parts, fmt.Sprintf("%s=%d", p, r.ErrorCounts[p]))
		}
		fmt.Fprintf(b, "    error lines: %s\n", strings.Join(parts, ", "))
	}

	tail := r.Tail
	if tailLines <= 0 {
		tail = nil
	} else if len(tail) > tailLines {
		tail = tail[len(tail)-tailLines:]
	}
	if len(tail) > 0 {
		fmt.Fprintf(b, "    last %d lines:\n", len(tail))
		for _, l := range tail {
			fmt.Fprintf(b, "    │ %s\n", l)
		}
	}
	b.WriteString("\n")
}

func exitCodeCounts(runs []RunSummary) map[int]int {
	codes := make(map[int]int)
	for _, r := range runs {
		if r.HasExitCode {
			codes[r.ExitCode]++
		}
	}
	return codes
}

// stateLabel combines the state with a cause that is not implied by it.
func stateLabel(r RunSummary) string {
	switch r.Cause {
	case "", "exit", "spawn_error":
		return r.State
	}
	return r.State + "/" + r.Cause
}

func exitLabel(r RunSummary) string {
	if !r.HasExitCode {
		return "-"
	}
	return fmt.Sprintf("%d", r.ExitCode)
}

// exitCodeLabel returns a human-readable label for common exit codes.
func exitCodeLabel(code int) string {
	switch code {
	case 0:
		return "(clean)"
	case 1:
		return "(error)"
	case 2:
		return "(usage)"
	case 126:
		return "(not executable)"
	case 127:
		return "(not found)"
	case 130:
		return "(SIGINT)"
	case 137:
		return "(SIGKILL)"
	case 143:
		return "(SIGTERM)"
	default:
		return ""
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// =============================================================================
// Formatting Helper Functions (exported for reuse)
// =============================================================================

// FormatDuration formats a duration as HH:MM:SS.
func FormatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// FormatElapsed formats short durations with millisecond precision and
// longer ones as HH:MM:SS.
func FormatElapsed(d time.Duration) string {
	if d < time.Minute {
		return d.Round(time.Millisecond).String()
	}
	return FormatDuration(d)
}

// FormatNumber formats a number with K/M suffixes for readability.
func FormatNumber(n int64) string {
	if n >= 1_000_000 {
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	}
	return fmt.Sprintf("%d", n)
}

// FormatRate formats a rate with appropriate precision.
func FormatRate(rate float64) string {
	if rate >= 1000 {
		return fmt.Sprintf("%.1fK/s", rate/1000)
	}
	if rate >= 1 {
		return fmt.Sprintf("%.1f/s", rate)
	}
	return fmt.Sprintf("%.2f/s", rate)
}
