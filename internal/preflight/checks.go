// Package preflight provides startup validation checks.
package preflight

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/randomizedcoder/runwatch/internal/process"
)

// Note: syscall.RLIMIT_NPROC is not exported in Go's syscall package,
// so we read process limits from /proc/self/limits instead.

// fdsPerRun covers a run's two pipe pairs while spawning plus the read
// ends it keeps open afterwards.
const fdsPerRun = 6

// Check represents the result of a single preflight check.
type Check struct {
	Name     string // Name of the check
	Required int    // Required value (if applicable)
	Actual   int    // Actual value found
	Passed   bool   // Whether the check passed
	Warning  bool   // True if it's a warning (non-fatal)
	Message  string // Additional context
	Fix      string // Suggested fix for a failed check
}

// Result holds the results of all preflight checks.
type Result struct {
	Checks []Check
	Passed bool
}

// Target is one run to check.
type Target struct {
	Name    string
	Command process.Command
}

// String returns a human-readable summary of the check.
func (c Check) String() string {
	status := "✓"
	if !c.Passed {
		status = "✗"
	} else if c.Warning {
		status = "⚠"
	}

	if c.Required > 0 {
		return fmt.Sprintf("  %s %s: %d available (need %d)", status, c.Name, c.Actual, c.Required)
	}
	return fmt.Sprintf("  %s %s: %s", status, c.Name, c.Message)
}

func (r *Result) add(c Check) {
	r.Checks = append(r.Checks, c)
	if !c.Passed {
		r.Passed = false
	}
}

// RunAll executes all preflight checks for the given runs.
func RunAll(targets []Target) *Result {
	result := &Result{
		Checks: make([]Check, 0, 2+2*len(targets)),
		Passed: true,
	}

	result.add(checkFileDescriptors(len(targets)))
	result.add(checkProcessLimit(len(targets)))

	for _, t := range targets {
		if t.Command.Dir != "" {
			result.add(checkWorkDir(t.Name, t.Command.Dir))
		}
		result.add(checkExecutable(t.Name, t.Command))
	}

	return result
}

// checkFileDescriptors verifies sufficient file descriptors are available.
func checkFileDescriptors(runs int) Check {
	var limit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &limit); err != nil {
		return Check{
			Name:    "file_descriptors",
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("unable to check: %v", err),
		}
	}

	// Plus overhead for the metrics server, logging and the terminal.
	required := runs*fdsPerRun + 32
	actual := int(min(limit.Cur, uint64(1<<31-1)))

	return Check{
		Name:     "file_descriptors",
		Required: required,
		Actual:   actual,
		Passed:   actual >= required,
		Message:  fmt.Sprintf("ulimit -n %d (need %d for %d runs)", actual, required, runs),
		Fix:      "ulimit -n 8192 (or edit /etc/security/limits.conf)",
	}
}

// checkProcessLimit verifies sufficient process slots are available.
func checkProcessLimit(runs int) Check {
	required := runs + 50

	data, err := os.ReadFile("/proc/self/limits")
	if err != nil {
		// Non-Linux or restricted access, assume OK
		return Check{
			Name:    "process_limit",
			Passed:  true,
			Warning: true,
			Message: "unable to check (non-Linux or restricted)",
		}
	}

	actual := parseMaxProcesses(string(data))
	if actual == 0 {
		return Check{
			Name:    "process_limit",
			Passed:  true,
			Warning: true,
			Message: "unable to determine (assuming OK)",
		}
	}

	return Check{
		Name:     "process_limit",
		Required: required,
		Actual:   actual,
		Passed:   actual >= required,
		Message:  fmt.Sprintf("ulimit -u %d (need %d)", actual, required),
		Fix:      "ulimit -u 4096 (or edit /etc/security/limits.conf)",
	}
}

// parseMaxProcesses returns the soft "Max processes" limit from the
// contents of /proc/self/limits, or 0 if it cannot be found.
func parseMaxProcesses(limits string) int {
	for _, line := range strings.Split(limits, "\n") {
		if !strings.HasPrefix(line, "Max processes") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			return 0
		}
		if fields[2] == "unlimited" {
			return 1000000
		}
		n, err := strconv.Atoi(fields[2])
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}

// checkExecutable verifies the run's executable can be found.
func checkExecutable(name string, cmd process.Command) Check {
	check := Check{Name: "executable:" + name}

	// A relative path with a separator is looked up from the run's directory.
	if cmd.Dir != "" && strings.ContainsRune(cmd.Path, os.PathSeparator) && !filepath.IsAbs(cmd.Path) {
		cmd.Path = filepath.Join(cmd.Dir, cmd.Path)
	}

	path, err := cmd.Resolve()
	if err != nil {
		check.Message = fmt.Sprintf("%s not found: %v", cmd.Path, err)
		check.Fix = "install it, fix PATH, or use an absolute path"
		return check
	}

	check.Passed = true
	check.Message = "found at " + path
	return check
}

// checkWorkDir verifies the run's working directory exists.
func checkWorkDir(name, dir string) Check {
	check := Check{Name: "workdir:" + name}

	info, err := os.Stat(dir)
	switch {
	case err != nil:
		check.Message = err.Error()
		check.Fix = "create the directory or fix the run's dir"
	case !info.IsDir():
		check.Message = dir + " is not a directory"
		check.Fix = "point the run's dir at a directory"
	default:
		check.Passed = true
		check.Message = dir
	}
	return check
}

// PrintResults writes the preflight check results to w.
func PrintResults(w io.Writer, result *Result) {
	fmt.Fprintln(w, "Preflight checks:")
	for _, check := range result.Checks {
		fmt.Fprintln(w, check.String())
		if !check.Passed {
			fix := check.Fix
			if fix == "" {
				fix = "see documentation"
			}
			fmt.Fprintf(w, "    Fix: %s\n", fix)
		}
	}
	fmt.Fprintln(w)
}
