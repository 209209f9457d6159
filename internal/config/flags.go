package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
)

// envList is a custom flag type for repeatable -env flags.
type envList []string

func (e *envList) String() string {
	return strings.Join(*e, ", ")
}

func (e *envList) Set(value string) error {
	if !strings.Contains(value, "=") {
		return fmt.Errorf("%q is not KEY=VALUE", value)
	}
	*e = append(*e, value)
	return nil
}

// ErrNoCommand is returned when neither a command nor -runs is given.
var ErrNoCommand = errors.New("no command given (use -- <command> [args...] or -runs <file>)")

// ParseFlags parses os.Args and returns a Config.
func ParseFlags() (*Config, error) {
	return ParseArgs(os.Args[0], os.Args[1:], os.Stderr)
}

// ParseArgs parses command-line arguments and returns a Config with its
// Runs populated. Usage and parse errors are written to w.
func ParseArgs(program string, args []string, w io.Writer) (*Config, error) {
	cfg := DefaultConfig()
	var env envList

	fs := flag.NewFlagSet(program, flag.ContinueOnError)
	fs.SetOutput(w)

	// Custom usage message
	fs.Usage = func() {
		fmt.Fprintf(w, `runwatch - run commands and watch their output

Usage:
  runwatch [flags] -- <command> [args...]
  runwatch [flags] -runs runs.yaml

Runs:
`)
		printFlagCategory(fs, w, []string{"runs", "name", "dir", "env"})

		fmt.Fprintf(w, "\nLifecycle:\n")
		printFlagCategory(fs, w, []string{"timeout", "grace", "drain-timeout", "start-rate", "start-jitter"})

		fmt.Fprintf(w, "\nOutput:\n")
		printFlagCategory(fs, w, []string{"output", "history", "max-line", "encoding", "tail"})

		fmt.Fprintf(w, "\nObservability:\n")
		printFlagCategory(fs, w, []string{"metrics", "metrics-dump", "metrics-per-run", "v", "log-format", "log-level"})

		fmt.Fprintf(w, "\nDashboard:\n")
		printFlagCategory(fs, w, []string{"tui"})

		fmt.Fprintf(w, "\nDiagnostics:\n")
		printFlagCategory(fs, w, []string{"print-cmd", "skip-preflight"})

		fmt.Fprintf(w, `
Exit status:
  The run's exit code for a single run, 127 if it could not be started,
  and 1 if any of several runs did not exit 0.

Examples:
  # Stream a build's output
  runwatch -- make -j8

  # Kill a flaky test after 2 minutes
  runwatch -timeout 2m -output json -- go test ./...

  # Run everything in a file with a live dashboard
  runwatch -runs runs.yaml -tui

`)
	}

	// Runs
	fs.StringVar(&cfg.RunsFile, "runs", cfg.RunsFile, "YAML file listing runs")
	fs.StringVar(&cfg.Name, "name", cfg.Name, "Run name (default: executable name)")
	fs.StringVar(&cfg.Dir, "dir", cfg.Dir, "Working directory")
	fs.Var(&env, "env", "Set an environment variable KEY=VALUE (can repeat)")

	// Lifecycle
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Kill the run after this long (0 = never)")
	fs.DurationVar(&cfg.GracePeriod, "grace", cfg.GracePeriod, "Time between SIGTERM and SIGKILL")
	fs.DurationVar(&cfg.DrainTimeout, "drain-timeout", cfg.DrainTimeout, "Time to drain output after the process exits")
	fs.IntVar(&cfg.StartRate, "start-rate", cfg.StartRate, "Runs started per second (0 = all at once)")
	fs.DurationVar(&cfg.StartJitter, "start-jitter", cfg.StartJitter, "Random delay added before each run starts")

	// Output
	fs.StringVar(&cfg.Output, "output", cfg.Output, `Output mode: "plain", "json" or "log"`)
	fs.IntVar(&cfg.HistoryLimit, "history", cfg.HistoryLimit, "Output events kept per run (0 = all, -1 = none)")
	fs.IntVar(&cfg.MaxLineBytes, "max-line", cfg.MaxLineBytes, "Split lines longer than this many bytes")
	fs.StringVar(&cfg.Encoding, "encoding", cfg.Encoding, "Output encoding of the commands (e.g. utf-8, latin1)")
	fs.IntVar(&cfg.TailLines, "tail", cfg.TailLines, "Recent lines shown for failed runs in the summary")

	// Observability
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Prometheus metrics address (empty = disabled)")
	fs.BoolVar(&cfg.MetricsDump, "metrics-dump", cfg.MetricsDump, "Print metrics in text format on exit")
	fs.BoolVar(&cfg.PerRunMetrics, "metrics-per-run", cfg.PerRunMetrics, "Enable per-run Prometheus metrics labelled by name")
	fs.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "Verbose logging")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, `Log format: "json" or "text"`)
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, `Log level: "debug", "info", "warn" or "error"`)

	// Dashboard
	fs.BoolVar(&cfg.TUIEnabled, "tui", cfg.TUIEnabled, "Show a live terminal dashboard")

	// Diagnostics
	fs.BoolVar(&cfg.PrintCmd, "print-cmd", cfg.PrintCmd, "Print the command lines and exit")
	fs.BoolVar(&cfg.SkipPreflight, "skip-preflight", cfg.SkipPreflight, "Skip preflight checks")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.Env = env
	envMap, err := parseEnv(env)
	if err != nil {
		return nil, err
	}

	argv := fs.Args()
	switch {
	case cfg.RunsFile != "" && len(argv) > 0:
		return nil, errors.New("-runs and a command are mutually exclusive")
	case cfg.RunsFile != "":
		runs, err := LoadRunFile(cfg.RunsFile)
		if err != nil {
			return nil, err
		}
		cfg.Runs = runs
	case len(argv) > 0:
		cfg.Runs = []RunSpec{{Name: cfg.Name, Command: argv}}
	default:
		return nil, ErrNoCommand
	}

	applyDefaults(cfg.Runs, cfg, envMap)
	return cfg, nil
}

// printFlagCategory prints flags matching the given names (helper for usage).
func printFlagCategory(fs *flag.FlagSet, w io.Writer, names []string) {
	fs.VisitAll(func(f *flag.Flag) {
		for _, name := range names {
			if f.Name == name {
				fmt.Fprintf(w, "  -%s %s\n    \t%s", f.Name, flagType(f), f.Usage)
				if f.DefValue != "" && f.DefValue != "false" && f.DefValue != "0" && f.DefValue != "0s" {
					fmt.Fprintf(w, " (default %s)", f.DefValue)
				}
				fmt.Fprintln(w)
				return
			}
		}
	})
}

// flagType returns a type hint for the flag value.
func flagType(f *flag.Flag) string {
	switch f.DefValue {
	case "true", "false":
		return ""
	}

	if _, ok := f.Value.(*envList); ok {
		return "KEY=VALUE"
	}

	// Check if it looks like a duration
	if strings.HasSuffix(f.DefValue, "s") || strings.HasSuffix(f.DefValue, "m") || strings.HasSuffix(f.DefValue, "h") {
		return "duration"
	}

	// Check if numeric
	if _, err := fmt.Sscanf(f.DefValue, "%d", new(int)); err == nil {
		return "int"
	}

	return "string"
}
