package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/randomizedcoder/runwatch/internal/config"
	"github.com/randomizedcoder/runwatch/internal/logging"
	"github.com/randomizedcoder/runwatch/internal/session"
	"github.com/randomizedcoder/runwatch/internal/stats"
	"github.com/randomizedcoder/runwatch/internal/stream"
	"github.com/randomizedcoder/runwatch/internal/supervisor"
)

// =============================================================================
// Helpers
// =============================================================================

// safeBuffer is a bytes.Buffer safe for concurrent writers.
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func shRun(name, script string) config.RunSpec {
	return config.RunSpec{Name: name, Command: []string{"sh", "-c", script}}
}

func testConfig(runs ...config.RunSpec) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Runs = runs
	cfg.GracePeriod = time.Second
	cfg.DrainTimeout = time.Second
	return cfg
}

type result struct {
	code   int
	err    error
	stdout string
	stderr string
}

func runOrchestrator(t *testing.T, cfg *config.Config) result {
	t.Helper()
	var stdout, stderr safeBuffer
	o := NewWithWriters(cfg, nil, &stdout, &stderr)

	done := make(chan result, 1)
	go func() {
		code, err := o.Run(t.Context())
		done <- result{code: code, err: err}
	}()

	select {
	case r := <-done:
		r.stdout = stdout.String()
		r.stderr = stderr.String()
		return r
	case <-time.After(20 * time.Second):
		t.Fatal("orchestrator did not finish")
		return result{}
	}
}

// =============================================================================
// Tests: Run
// =============================================================================

func TestRun_SingleRunMirrorsExitCode(t *testing.T) {
	r := runOrchestrator(t, testConfig(shRun("build", "echo hello; echo oops >&2; exit 3")))

	if r.err != nil {
		t.Fatalf("Run: %v", r.err)
	}
	if r.code != 3 {
		t.Errorf("exit code = %d, want 3", r.code)
	}
	if r.stdout != "hello\n" {
		t.Errorf("stdout = %q, want %q", r.stdout, "hello\n")
	}
	if !strings.Contains(r.stderr, "oops\n") {
		t.Errorf("stderr missing command output: %q", r.stderr)
	}
	if !strings.Contains(r.stderr, "runwatch Exit Summary") {
		t.Error("stderr missing exit summary")
	}
	// Failure tail includes the run's last lines
	if !strings.Contains(r.stderr, "│ oops") {
		t.Errorf("summary missing failure tail: %q", r.stderr)
	}
}

func TestRun_NoHistoryPrintsEveryLine(t *testing.T) {
	for i := 0; i < 5; i++ {
		cfg := testConfig(shRun("echo", "echo hello"))
		cfg.HistoryLimit = -1

		r := runOrchestrator(t, cfg)
		if r.err != nil || r.code != 0 {
			t.Fatalf("Run: code=%d err=%v", r.code, r.err)
		}
		if r.stdout != "hello\n" {
			t.Fatalf("attempt %d: stdout = %q, want %q", i, r.stdout, "hello\n")
		}
	}
}

func TestRun_CleanExit(t *testing.T) {
	r := runOrchestrator(t, testConfig(shRun("ok", "true")))
	if r.err != nil || r.code != 0 {
		t.Errorf("Run = (%d, %v), want (0, nil)", r.code, r.err)
	}
	if r.stdout != "" {
		t.Errorf("stdout = %q, want empty", r.stdout)
	}
}

func TestRun_MultipleRunsPrefixed(t *testing.T) {
	r := runOrchestrator(t, testConfig(
		shRun("a", "echo from-a"),
		shRun("longer", "echo from-longer; exit 2"),
	))

	if r.code != ExitFailure {
		t.Errorf("exit code = %d, want %d", r.code, ExitFailure)
	}
	if !strings.Contains(r.stdout, "a      | from-a\n") {
		t.Errorf("stdout missing padded prefix: %q", r.stdout)
	}
	if !strings.Contains(r.stdout, "longer | from-longer\n") {
		t.Errorf("stdout missing prefix: %q", r.stdout)
	}
	if !strings.Contains(r.stderr, "Exit Codes") {
		t.Error("multi-run summary should tally exit codes")
	}
}

func TestRun_SpawnFailure(t *testing.T) {
	cfg := testConfig(config.RunSpec{Name: "ghost", Command: []string{"/nonexistent/runwatch-test-binary"}})
	cfg.SkipPreflight = true

	r := runOrchestrator(t, cfg)

	if r.err != nil {
		t.Fatalf("Run: %v", r.err)
	}
	if r.code != ExitNotFound {
		t.Errorf("exit code = %d, want %d", r.code, ExitNotFound)
	}
	if !strings.Contains(r.stderr, "failed_to_start") {
		t.Errorf("summary missing failed_to_start: %q", r.stderr)
	}
}

func TestRun_PreflightMissingExecutable(t *testing.T) {
	cfg := testConfig(config.RunSpec{Name: "ghost", Command: []string{"/nonexistent/runwatch-test-binary"}})

	r := runOrchestrator(t, cfg)

	if r.err == nil {
		t.Fatal("expected preflight error")
	}
	if r.code != ExitNotFound {
		t.Errorf("exit code = %d, want %d", r.code, ExitNotFound)
	}
	if !strings.Contains(r.stderr, "Preflight checks") {
		t.Errorf("preflight results not printed: %q", r.stderr)
	}
}

func TestRun_Timeout(t *testing.T) {
	spec := config.RunSpec{Name: "slow", Command: []string{"sleep", "10"}, Timeout: 100 * time.Millisecond}
	r := runOrchestrator(t, testConfig(spec))

	// SIGTERM: 128 + 15
	if r.code != 143 {
		t.Errorf("exit code = %d, want 143", r.code)
	}
	if !strings.Contains(r.stderr, "killed/timeout") {
		t.Errorf("summary missing timeout state: %q", r.stderr)
	}
}

func TestRun_JSONOutput(t *testing.T) {
	cfg := testConfig(shRun("j", "echo one; echo two >&2"))
	cfg.Output = config.OutputJSON

	r := runOrchestrator(t, cfg)
	if r.code != 0 {
		t.Fatalf("exit code = %d", r.code)
	}

	var events []jsonEvent
	for line := range strings.SplitSeq(strings.TrimSpace(r.stdout), "\n") {
		var ev jsonEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatalf("line %q is not JSON: %v", line, err)
		}
		events = append(events, ev)
	}

	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	lines := map[string]string{}
	for i, ev := range events {
		if ev.Seq != uint64(i+1) {
			t.Errorf("event %d seq = %d, want %d", i, ev.Seq, i+1)
		}
		if ev.Run != "j" || ev.Kind != "line" || ev.RunID == "" {
			t.Errorf("unexpected event: %+v", ev)
		}
		lines[ev.Stream] = ev.Line
	}
	if lines["out"] != "one" || lines["err"] != "two" {
		t.Errorf("lines by stream = %v", lines)
	}
}

func TestRun_LogOutput(t *testing.T) {
	cfg := testConfig(shRun("l", "echo logged-line"))
	cfg.Output = config.OutputLog

	var logs, stdout, stderr safeBuffer
	o := NewWithWriters(cfg, logging.NewLoggerWithWriter(&logs, "json", "info"), &stdout, &stderr)
	code, err := o.Run(t.Context())
	if err != nil || code != 0 {
		t.Fatalf("Run = (%d, %v)", code, err)
	}

	if stdout.String() != "" {
		t.Errorf("log mode should not print to stdout: %q", stdout.String())
	}
	if !strings.Contains(logs.String(), `"msg":"run_output"`) || !strings.Contains(logs.String(), "logged-line") {
		t.Errorf("run output not logged: %q", logs.String())
	}
}

func TestRun_MetricsDump(t *testing.T) {
	cfg := testConfig(shRun("m", "echo x"))
	cfg.MetricsDump = true

	r := runOrchestrator(t, cfg)
	for _, want := range []string{"runwatch_runs_started_total 1", `runwatch_output_lines_total{stream="out"} 1`} {
		if !strings.Contains(r.stderr, want) {
			t.Errorf("metrics dump missing %q", want)
		}
	}
}

func TestRun_MetricsServer(t *testing.T) {
	cfg := testConfig(shRun("m", "true"))
	cfg.MetricsAddr = "127.0.0.1:0"

	r := runOrchestrator(t, cfg)
	if r.code != 0 {
		t.Errorf("exit code = %d", r.code)
	}
	if !strings.Contains(r.stderr, "Metrics endpoint was: http://127.0.0.1:") {
		t.Errorf("summary missing bound metrics address: %q", r.stderr)
	}
}

func TestRun_StartRate(t *testing.T) {
	cfg := testConfig(shRun("a", "true"), shRun("b", "true"), shRun("c", "true"))
	cfg.StartRate = 10 // 100ms apart

	start := time.Now()
	r := runOrchestrator(t, cfg)
	if r.code != 0 {
		t.Errorf("exit code = %d", r.code)
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Errorf("three runs at 10/s took %v, want >= 200ms", elapsed)
	}
}

func TestRun_CancelRun(t *testing.T) {
	cfg := testConfig(config.RunSpec{Name: "sleeper", Command: []string{"sleep", "10"}})
	var stdout, stderr safeBuffer
	o := NewWithWriters(cfg, nil, &stdout, &stderr)

	done := make(chan int, 1)
	go func() {
		code, _ := o.Run(t.Context())
		done <- code
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		runs := o.Runs()
		if len(runs) == 1 && runs[0].State == supervisor.StateRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("run never reached running")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := o.CancelRun("nope"); !errors.Is(err, session.ErrInvalidState) {
		t.Errorf("CancelRun(unknown) = %v, want ErrInvalidState", err)
	}
	if err := o.CancelRun("sleeper"); err != nil {
		t.Fatalf("CancelRun: %v", err)
	}

	select {
	case code := <-done:
		if code != 143 {
			t.Errorf("exit code = %d, want 143", code)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("cancelled run did not finish")
	}

	if !strings.Contains(stderr.String(), "killed/cancel") {
		t.Errorf("summary missing cancel state: %q", stderr.String())
	}
}

func TestRun_ContextCancelStopsRuns(t *testing.T) {
	cfg := testConfig(config.RunSpec{Name: "sleeper", Command: []string{"sleep", "10"}})
	var stdout, stderr safeBuffer
	o := NewWithWriters(cfg, nil, &stdout, &stderr)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	done := make(chan int, 1)
	go func() {
		code, _ := o.Run(ctx)
		done <- code
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case code := <-done:
		if code == 0 {
			t.Error("stopped run should not report success")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if !strings.Contains(stderr.String(), "killed/shutdown") {
		t.Errorf("summary missing shutdown state: %q", stderr.String())
	}
}

func TestRun_LineRateSource(t *testing.T) {
	cfg := testConfig(shRun("r", "for i in 1 2 3 4 5; do echo $i; done"))
	var stdout, stderr safeBuffer
	o := NewWithWriters(cfg, nil, &stdout, &stderr)

	if _, err := o.Run(t.Context()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := o.LineRate().Total; got != 5 {
		t.Errorf("LineRate().Total = %d, want 5", got)
	}
	if got := o.RecentLines("r", 2); strings.Join(got, ",") != "4,5" {
		t.Errorf("RecentLines = %v, want [4 5]", got)
	}
	if o.Metrics().PeakActive() != 1 {
		t.Errorf("PeakActive = %d, want 1", o.Metrics().PeakActive())
	}
}

// =============================================================================
// Tests: ExitCode
// =============================================================================

func TestExitCode(t *testing.T) {
	exited := func(code int) stats.RunSummary {
		return stats.RunSummary{State: "exited", Cause: "exit", HasExitCode: true, ExitCode: code}
	}
	notStarted := stats.RunSummary{State: "failed_to_start", Cause: "spawn_error"}
	noStatus := stats.RunSummary{State: "exited", Cause: "exit"}

	tests := []struct {
		name string
		runs []stats.RunSummary
		want int
	}{
		{"no runs", nil, ExitFailure},
		{"single clean", []stats.RunSummary{exited(0)}, 0},
		{"single code", []stats.RunSummary{exited(42)}, 42},
		{"single signaled", []stats.RunSummary{{State: "killed", Cause: "signaled", HasExitCode: true, ExitCode: 137}}, 137},
		{"single not started", []stats.RunSummary{notStarted}, ExitNotFound},
		{"single without status", []stats.RunSummary{noStatus}, ExitFailure},
		{"several clean", []stats.RunSummary{exited(0), exited(0)}, ExitOK},
		{"several one failed", []stats.RunSummary{exited(0), exited(5)}, ExitFailure},
		{"several one not started", []stats.RunSummary{exited(0), notStarted}, ExitFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.runs); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

// =============================================================================
// Tests: Printer
// =============================================================================

func TestPrinter_Plain(t *testing.T) {
	var stdout, stderr bytes.Buffer
	p := NewPrinter(config.OutputPlain, []string{"only"}, &stdout, &stderr)

	p.Print("only", stream.Event{Seq: 1, Source: stream.SourceOut, Line: "to stdout"})
	p.Print("only", stream.Event{Seq: 2, Source: stream.SourceErr, Line: "to stderr"})
	p.Print("only", stream.Event{Seq: 3, Source: stream.SourceOut, Kind: stream.KindStreamError, Line: "read failed"})

	if stdout.String() != "to stdout\n" {
		t.Errorf("stdout = %q", stdout.String())
	}
	want := "to stderr\nrunwatch: output error: read failed\n"
	if stderr.String() != want {
		t.Errorf("stderr = %q, want %q", stderr.String(), want)
	}
}

func TestPrinter_PlainPrefixed(t *testing.T) {
	var stdout, stderr bytes.Buffer
	p := NewPrinter(config.OutputPlain, []string{"a", "bbb"}, &stdout, &stderr)

	p.Print("a", stream.Event{Seq: 1, Line: "x"})
	p.Print("bbb", stream.Event{Seq: 1, Line: "y"})

	if stdout.String() != "a   | x\nbbb | y\n" {
		t.Errorf("stdout = %q", stdout.String())
	}
}

func TestPrinter_JSON(t *testing.T) {
	var stdout, stderr bytes.Buffer
	p := NewPrinter(config.OutputJSON, []string{"a"}, &stdout, &stderr)

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	err := p.Print("a", stream.Event{RunID: "id", Seq: 9, Source: stream.SourceErr, Line: "bad \xff", Replaced: true, Partial: true, Time: ts})
	if err != nil {
		t.Fatalf("Print: %v", err)
	}
	if stderr.Len() != 0 {
		t.Errorf("json mode wrote to stderr: %q", stderr.String())
	}

	var got jsonEvent
	if err := json.Unmarshal(stdout.Bytes(), &got); err != nil {
		t.Fatalf("not JSON: %v", err)
	}
	if got.Run != "a" || got.RunID != "id" || got.Seq != 9 || got.Stream != "err" || !got.Replaced || !got.Partial || !got.Time.Equal(ts) {
		t.Errorf("decoded = %+v", got)
	}
}
