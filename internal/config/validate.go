package config

import (
	"errors"
	"fmt"

	"github.com/randomizedcoder/runwatch/internal/linereader"
	"github.com/randomizedcoder/runwatch/internal/logging"
	"github.com/randomizedcoder/runwatch/internal/process"
)

// minMaxLineBytes leaves room for the longest UTF-8 sequence.
const minMaxLineBytes = 16

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the configuration for errors and inconsistencies.
// Returns nil if valid, or the joined validation errors.
func Validate(cfg *Config) error {
	var errs []error

	if len(cfg.Runs) == 0 {
		errs = append(errs, ValidationError{
			Field:   "runs",
			Message: "at least one run is required",
		})
	}

	seen := make(map[string]int, len(cfg.Runs))
	for i, r := range cfg.Runs {
		errs = append(errs, validateRun(i, r)...)
		if r.Name == "" {
			continue
		}
		if j, dup := seen[r.Name]; dup {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("runs[%d].name", i),
				Message: fmt.Sprintf("%q is already used by runs[%d]", r.Name, j),
			})
			continue
		}
		seen[r.Name] = i
	}

	// Output mode must be valid
	validOutputs := map[string]bool{OutputPlain: true, OutputJSON: true, OutputLog: true}
	if !validOutputs[cfg.Output] {
		errs = append(errs, ValidationError{
			Field:   "output",
			Message: fmt.Sprintf("must be one of: plain, json, log (got %q)", cfg.Output),
		})
	}

	if cfg.MaxLineBytes < minMaxLineBytes {
		errs = append(errs, ValidationError{
			Field:   "max_line_bytes",
			Message: fmt.Sprintf("must be at least %d", minMaxLineBytes),
		})
	}

	if err := linereader.ValidateEncoding(cfg.Encoding); err != nil {
		errs = append(errs, ValidationError{
			Field:   "encoding",
			Message: err.Error(),
		})
	}

	if cfg.TailLines < 0 {
		errs = append(errs, ValidationError{
			Field:   "tail_lines",
			Message: "must not be negative",
		})
	}

	// Durations
	if cfg.Timeout < 0 {
		errs = append(errs, ValidationError{
			Field:   "timeout",
			Message: "must not be negative",
		})
	}
	if cfg.GracePeriod < 0 {
		errs = append(errs, ValidationError{
			Field:   "grace_period",
			Message: "must not be negative",
		})
	}
	if cfg.DrainTimeout <= 0 {
		errs = append(errs, ValidationError{
			Field:   "drain_timeout",
			Message: "must be positive",
		})
	}

	if cfg.StartRate < 0 {
		errs = append(errs, ValidationError{
			Field:   "start_rate",
			Message: "must not be negative",
		})
	}
	if cfg.StartJitter < 0 {
		errs = append(errs, ValidationError{
			Field:   "start_jitter",
			Message: "must not be negative",
		})
	}

	// Log format must be valid
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[cfg.LogFormat] {
		errs = append(errs, ValidationError{
			Field:   "log_format",
			Message: fmt.Sprintf("must be 'json' or 'text' (got %q)", cfg.LogFormat),
		})
	}
	if err := logging.ValidateLevel(cfg.LogLevel); err != nil {
		errs = append(errs, ValidationError{
			Field:   "log_level",
			Message: err.Error(),
		})
	}

	if cfg.MetricsDump && cfg.TUIEnabled {
		errs = append(errs, ValidationError{
			Field:   "metrics_dump",
			Message: "cannot be combined with -tui",
		})
	}

	// Return combined errors
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

func validateRun(i int, r RunSpec) []error {
	var errs []error
	field := func(name string) string { return fmt.Sprintf("runs[%d].%s", i, name) }

	if len(r.Command) == 0 || r.Command[0] == "" {
		errs = append(errs, ValidationError{
			Field:   field("command"),
			Message: process.ErrEmptyCommand.Error(),
		})
	}
	for key := range r.Env {
		if err := process.ValidateEnvKey(key); err != nil {
			errs = append(errs, ValidationError{
				Field:   field("env"),
				Message: err.Error(),
			})
		}
	}
	if r.Timeout < 0 {
		errs = append(errs, ValidationError{
			Field:   field("timeout"),
			Message: "must not be negative",
		})
	}
	if r.GracePeriod < 0 {
		errs = append(errs, ValidationError{
			Field:   field("grace"),
			Message: "must not be negative",
		})
	}
	return errs
}
