// Package main provides the runwatch CLI entry point.
//
// runwatch runs one or more commands under supervision, streams their
// output as ordered events, and exits with the status of the run.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/randomizedcoder/runwatch/internal/config"
	"github.com/randomizedcoder/runwatch/internal/logging"
	"github.com/randomizedcoder/runwatch/internal/orchestrator"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0" ./cmd/runwatch
var version = "dev"

// Exit code for usage and configuration errors.
const exitUsage = 2

func main() {
	os.Exit(run())
}

func run() int {
	// Handle version flag early (before flag parsing)
	if len(os.Args) > 1 {
		arg := os.Args[1]
		if arg == "-version" || arg == "--version" || arg == "version" {
			fmt.Printf("runwatch %s\n", version)
			return 0
		}
	}

	cfg, err := config.ParseFlags()
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		return exitUsage
	}

	// The dashboard owns the terminal, so logs are discarded while it runs
	var logger *slog.Logger
	if cfg.TUIEnabled {
		logger = logging.NewLogger(logging.FormatDiscard, cfg.LogLevel, false)
	} else {
		logger = logging.NewLogger(cfg.LogFormat, cfg.LogLevel, cfg.Verbose)
	}
	logging.SetDefault(logger)

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return exitUsage
	}

	if cfg.PrintCmd {
		if err := printCommands(os.Stdout, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
			return exitUsage
		}
		return 0
	}

	logger.Info("starting",
		"version", version,
		"runs", len(cfg.Runs),
		"output", cfg.Output,
		"timeout", cfg.Timeout,
		"start_rate", cfg.StartRate,
		"metrics_addr", cfg.MetricsAddr,
	)

	orch := orchestrator.New(cfg, logger)
	code, err := orch.Run(context.Background())
	if err != nil {
		logger.Error("orchestrator_failed", "error", err)
	}
	return code
}

// printCommands prints the command line of every configured run.
func printCommands(w io.Writer, cfg *config.Config) error {
	fmt.Fprintln(w, "# Commands that would be run:")
	fmt.Fprintln(w)
	for _, spec := range cfg.Runs {
		cmd, err := spec.Process()
		if err != nil {
			return fmt.Errorf("run %q: %w", spec.Name, err)
		}
		if cfg.MultiRun() {
			fmt.Fprintf(w, "%s: ", spec.Name)
		}
		fmt.Fprintln(w, cmd.String())
	}
	return nil
}
