// Package config provides configuration management for runwatch.
package config

import (
	"time"

	"github.com/randomizedcoder/runwatch/internal/linereader"
)

// Output modes for run output on stdout.
const (
	OutputPlain = "plain"
	OutputJSON  = "json"
	OutputLog   = "log"
)

// Config holds all configuration options for the orchestrator.
type Config struct {
	// Runs
	Runs     []RunSpec `json:"runs"`
	RunsFile string    `json:"runs_file"`
	Name     string    `json:"name"`
	Dir      string    `json:"dir"`
	Env      []string  `json:"env"` // KEY=VALUE, applied to every run

	// Lifecycle
	Timeout      time.Duration `json:"timeout"` // 0 = none
	GracePeriod  time.Duration `json:"grace_period"`
	DrainTimeout time.Duration `json:"drain_timeout"`
	StartRate    int           `json:"start_rate"` // runs started per second, 0 = all at once
	StartJitter  time.Duration `json:"start_jitter"`

	// Output
	Output       string `json:"output"` // plain, json, log
	HistoryLimit int    `json:"history_limit"`
	MaxLineBytes int    `json:"max_line_bytes"`
	Encoding     string `json:"encoding"`
	TailLines    int    `json:"tail_lines"`

	// Observability
	MetricsAddr   string `json:"metrics_addr"` // empty = disabled
	MetricsDump   bool   `json:"metrics_dump"`
	PerRunMetrics bool   `json:"per_run_metrics"`
	Verbose       bool   `json:"verbose"`
	LogFormat     string `json:"log_format"` // json, text
	LogLevel      string `json:"log_level"`

	// Dashboard
	TUIEnabled bool `json:"tui_enabled"`

	// Diagnostic modes
	PrintCmd      bool `json:"print_cmd"`
	SkipPreflight bool `json:"skip_preflight"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		// Lifecycle
		Timeout:      0,
		GracePeriod:  5 * time.Second,
		DrainTimeout: 5 * time.Second,

		// Output
		Output:       OutputPlain,
		HistoryLimit: 0, // Unbounded
		MaxLineBytes: linereader.DefaultMaxLineBytes,
		Encoding:     "utf-8",
		TailLines:    10,

		// Observability
		MetricsAddr: "", // Disabled
		LogFormat:   "text",
		LogLevel:    "info",
	}
}

// ReaderConfig returns the line reader settings.
func (c *Config) ReaderConfig() linereader.Config {
	return linereader.Config{
		MaxLineBytes: c.MaxLineBytes,
		Encoding:     c.Encoding,
	}
}

// MultiRun reports whether output from several runs is interleaved.
func (c *Config) MultiRun() bool {
	return len(c.Runs) > 1
}
