package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

// =============================================================================
// Mock ProcessBuilder for testing
// =============================================================================

// mockBuilder implements ProcessBuilder for testing.
type mockBuilder struct {
	name       string
	buildFn    func(ctx context.Context) (*exec.Cmd, error)
	buildError error
}

func (m *mockBuilder) BuildCommand(ctx context.Context) (*exec.Cmd, error) {
	if m.buildError != nil {
		return nil, m.buildError
	}
	if m.buildFn != nil {
		return m.buildFn(ctx)
	}
	// Default: simple echo command that exits quickly
	return exec.Command("echo", "hello"), nil
}

func (m *mockBuilder) Name() string {
	if m.name != "" {
		return m.name
	}
	return "mock"
}

// newShellBuilder creates a builder that runs script with sh -c.
func newShellBuilder(script string) *mockBuilder {
	return &mockBuilder{
		name: "sh",
		buildFn: func(ctx context.Context) (*exec.Cmd, error) {
			return exec.Command("sh", "-c", script), nil
		},
	}
}

// newSleepBuilder creates a builder that sleeps for the given duration.
func newSleepBuilder(duration time.Duration) *mockBuilder {
	return &mockBuilder{
		name: "sleep",
		buildFn: func(ctx context.Context) (*exec.Cmd, error) {
			return exec.Command("sleep", fmt.Sprintf("%.3f", duration.Seconds())), nil
		},
	}
}

// newExitCodeBuilder creates a builder that exits with the given code.
func newExitCodeBuilder(code int) *mockBuilder {
	return newShellBuilder(fmt.Sprintf("exit %d", code))
}

// =============================================================================
// Mock StreamHandler for testing
// =============================================================================

// captureHandler reads both streams to EOF and keeps what it read.
type captureHandler struct {
	mu     sync.Mutex
	stdout string
	stderr string
}

func (h *captureHandler) Consume(ctx context.Context, stdout, stderr io.Reader) error {
	var wg sync.WaitGroup
	var out, errOut []byte
	wg.Add(2)
	go func() {
		defer wg.Done()
		out, _ = io.ReadAll(stdout)
	}()
	go func() {
		defer wg.Done()
		errOut, _ = io.ReadAll(stderr)
	}()
	wg.Wait()

	h.mu.Lock()
	h.stdout, h.stderr = string(out), string(errOut)
	h.mu.Unlock()
	return nil
}

func (h *captureHandler) output() (string, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stdout, h.stderr
}

// failingHandler returns err immediately, as an irrecoverable read failure would.
type failingHandler struct {
	err error
}

func (h failingHandler) Consume(context.Context, io.Reader, io.Reader) error {
	return h.err
}

func waitResult(t *testing.T, p *Process, timeout time.Duration) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	res, err := p.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	return res
}

// =============================================================================
// Table-Driven Tests: State
// =============================================================================

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StatePending, "pending"},
		{StateRunning, "running"},
		{StateExited, "exited"},
		{StateKilled, "killed"},
		{StateFailedToStart, "failed_to_start"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.state.String(); got != tt.want {
				t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
			}
		})
	}
}

func TestState_IsTerminal(t *testing.T) {
	tests := []struct {
		state    State
		terminal bool
		active   bool
	}{
		{StatePending, false, true},
		{StateRunning, false, true},
		{StateExited, true, false},
		{StateKilled, true, false},
		{StateFailedToStart, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			if got := tt.state.IsTerminal(); got != tt.terminal {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.terminal)
			}
			if got := tt.state.IsActive(); got != tt.active {
				t.Errorf("IsActive() = %v, want %v", got, tt.active)
			}
		})
	}
}

func TestSignalKind(t *testing.T) {
	if SignalTerminate.sys() != syscall.SIGTERM {
		t.Errorf("SignalTerminate.sys() = %v", SignalTerminate.sys())
	}
	if SignalKill.sys() != syscall.SIGKILL {
		t.Errorf("SignalKill.sys() = %v", SignalKill.sys())
	}
	if SignalTerminate.String() != "terminate" || SignalKill.String() != "kill" {
		t.Errorf("unexpected names %q %q", SignalTerminate, SignalKill)
	}
}

func TestExitStatus(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantOK   bool
	}{
		{"nil error", nil, 0, true},
		{"non-exit error", errors.New("some error"), 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, sig, ok := exitStatus(tt.err)
			if code != tt.wantCode || ok != tt.wantOK || sig != 0 {
				t.Errorf("exitStatus(%v) = (%d, %v, %v), want (%d, 0, %v)",
					tt.err, code, sig, ok, tt.wantCode, tt.wantOK)
			}
		})
	}
}

// =============================================================================
// Lifecycle Tests
// =============================================================================

func TestSupervisor_StartCapturesOutput(t *testing.T) {
	s := New(Config{})
	h := &captureHandler{}

	p, err := s.Start(context.Background(), "run-1", newShellBuilder("echo out; echo err >&2"), h)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if p.PID() <= 0 {
		t.Errorf("PID() = %d, want > 0", p.PID())
	}

	res := waitResult(t, p, 5*time.Second)
	if res.State != StateExited || res.Cause != CauseExit {
		t.Errorf("result = %s/%s, want exited/exit", res.State, res.Cause)
	}
	if !res.HasExitCode || res.ExitCode != 0 {
		t.Errorf("exit code = %d (has=%v), want 0", res.ExitCode, res.HasExitCode)
	}
	if res.Message != "exited with code 0" {
		t.Errorf("Message = %q", res.Message)
	}

	out, errOut := h.output()
	if out != "out\n" || errOut != "err\n" {
		t.Errorf("output = %q / %q", out, errOut)
	}
}

func TestSupervisor_ExitCodes(t *testing.T) {
	for _, code := range []int{0, 1, 2, 42, 127} {
		t.Run(fmt.Sprintf("exit_%d", code), func(t *testing.T) {
			s := New(Config{})
			p, err := s.Start(context.Background(), "run", newExitCodeBuilder(code), nil)
			if err != nil {
				t.Fatalf("Start() error = %v", err)
			}
			res := waitResult(t, p, 5*time.Second)
			if res.ExitCode != code {
				t.Errorf("ExitCode = %d, want %d", res.ExitCode, code)
			}
			if res.State != StateExited {
				t.Errorf("State = %s, want exited", res.State)
			}
		})
	}
}

func TestSupervisor_SpawnErrors(t *testing.T) {
	tests := []struct {
		name    string
		builder *mockBuilder
	}{
		{
			name: "missing executable",
			builder: &mockBuilder{buildFn: func(ctx context.Context) (*exec.Cmd, error) {
				return exec.Command("/no/such/binary"), nil
			}},
		},
		{
			name: "missing working directory",
			builder: &mockBuilder{buildFn: func(ctx context.Context) (*exec.Cmd, error) {
				cmd := exec.Command("echo", "hi")
				cmd.Dir = "/no/such/dir"
				return cmd, nil
			}},
		},
		{
			name:    "build error",
			builder: &mockBuilder{buildError: errors.New("cannot build")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var exits []Result
			s := New(Config{Callbacks: Callbacks{
				OnExit: func(id string, res Result) { exits = append(exits, res) },
			}})

			p, err := s.Start(context.Background(), "bad", tt.builder, nil)
			if p != nil {
				t.Error("Start() returned a process for a failed spawn")
			}
			var spawnErr *SpawnError
			if !errors.As(err, &spawnErr) {
				t.Fatalf("Start() error = %v, want *SpawnError", err)
			}
			if _, ok := s.Get("bad"); ok {
				t.Error("failed spawn was registered")
			}
			if s.Len() != 0 {
				t.Errorf("Len() = %d, want 0", s.Len())
			}
			if len(exits) != 1 || exits[0].State != StateFailedToStart || exits[0].Cause != CauseSpawnError {
				t.Errorf("OnExit results = %+v, want one failed_to_start", exits)
			}
		})
	}
}

func TestSupervisor_DuplicateID(t *testing.T) {
	s := New(Config{})
	p, err := s.Start(context.Background(), "dup", newSleepBuilder(5*time.Second), nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer p.Terminate(CauseShutdown, "", 0)

	if _, err := s.Start(context.Background(), "dup", newSleepBuilder(time.Second), nil); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second Start() error = %v, want ErrInvalidState", err)
	}
}

// =============================================================================
// Termination Tests
// =============================================================================

func TestProcess_Terminate(t *testing.T) {
	s := New(Config{})
	p, err := s.Start(context.Background(), "run", newSleepBuilder(10*time.Second), nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	start := time.Now()
	p.Terminate(CauseCancel, "", 5*time.Second)
	res := waitResult(t, p, 3*time.Second)

	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("termination took %v", elapsed)
	}
	if res.State != StateKilled || res.Cause != CauseCancel {
		t.Errorf("result = %s/%s, want killed/cancel", res.State, res.Cause)
	}
	if res.ExitCode != 128+int(syscall.SIGTERM) {
		t.Errorf("ExitCode = %d, want %d", res.ExitCode, 128+int(syscall.SIGTERM))
	}
	if !strings.Contains(res.Message, "cancel requested") {
		t.Errorf("Message = %q", res.Message)
	}
}

func TestProcess_TerminateEscalatesToKill(t *testing.T) {
	s := New(Config{})
	// Ignored signals stay ignored across exec, so sleep ignores SIGTERM too.
	p, err := s.Start(context.Background(), "run", newShellBuilder(`trap "" TERM; sleep 10`), nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	p.Terminate(CauseTimeout, "timed out after 100ms", 100*time.Millisecond)
	res := waitResult(t, p, 3*time.Second)

	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("escalation took %v", elapsed)
	}
	if res.State != StateKilled || res.Cause != CauseTimeout {
		t.Errorf("result = %s/%s, want killed/timeout", res.State, res.Cause)
	}
	if res.ExitCode != 128+int(syscall.SIGKILL) {
		t.Errorf("ExitCode = %d, want %d", res.ExitCode, 128+int(syscall.SIGKILL))
	}
	if !strings.HasPrefix(res.Message, "timed out after 100ms") {
		t.Errorf("Message = %q", res.Message)
	}
}

func TestProcess_FirstCauseWins(t *testing.T) {
	s := New(Config{})
	p, err := s.Start(context.Background(), "run", newSleepBuilder(10*time.Second), nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	p.Terminate(CauseTimeout, "", time.Second)
	p.Terminate(CauseCancel, "", time.Second)
	res := waitResult(t, p, 3*time.Second)

	if res.Cause != CauseTimeout {
		t.Errorf("Cause = %s, want timeout", res.Cause)
	}
}

func TestProcess_UnrequestedSignal(t *testing.T) {
	s := New(Config{})
	p, err := s.Start(context.Background(), "run", newShellBuilder("kill -KILL $$"), nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	res := waitResult(t, p, 3*time.Second)
	if res.State != StateKilled || res.Cause != CauseSignaled {
		t.Errorf("result = %s/%s, want killed/signaled", res.State, res.Cause)
	}
	if res.ExitCode != 137 {
		t.Errorf("ExitCode = %d, want 137", res.ExitCode)
	}
}

func TestProcess_TerminateAfterExitIsNoop(t *testing.T) {
	s := New(Config{})
	p, err := s.Start(context.Background(), "run", newExitCodeBuilder(3), nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	before := waitResult(t, p, 3*time.Second)

	p.Terminate(CauseCancel, "", time.Second)
	if err := p.Signal(SignalKill); err != nil {
		t.Errorf("Signal() after exit = %v, want nil", err)
	}
	if err := s.Signal("run", SignalTerminate); err != nil {
		t.Errorf("Supervisor.Signal() after exit = %v, want nil", err)
	}

	after := p.Result()
	if after.State != before.State || after.Cause != before.Cause || after.ExitCode != 3 {
		t.Errorf("result changed after exit: %+v -> %+v", before, after)
	}
}

func TestSupervisor_SignalUnknown(t *testing.T) {
	s := New(Config{})
	if err := s.Signal("nope", SignalTerminate); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Signal() error = %v, want ErrInvalidState", err)
	}
	if _, err := s.Wait(context.Background(), "nope"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Wait() error = %v, want ErrInvalidState", err)
	}
}

func TestSupervisor_SignalKill(t *testing.T) {
	s := New(Config{})
	p, err := s.Start(context.Background(), "run", newSleepBuilder(10*time.Second), nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Signal("run", SignalKill); err != nil {
		t.Fatalf("Signal() error = %v", err)
	}

	res := waitResult(t, p, 3*time.Second)
	if res.State != StateKilled || res.Cause != CauseCancel {
		t.Errorf("result = %s/%s, want killed/cancel", res.State, res.Cause)
	}
}

// =============================================================================
// Stream Failure and Drain Tests
// =============================================================================

func TestProcess_StreamErrorKills(t *testing.T) {
	s := New(Config{})
	p, err := s.Start(context.Background(), "run", newSleepBuilder(10*time.Second),
		failingHandler{err: errors.New("pipe exploded")})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	res := waitResult(t, p, 3*time.Second)
	if res.State != StateKilled || res.Cause != CauseStreamError {
		t.Errorf("result = %s/%s, want killed/stream_error", res.State, res.Cause)
	}
	if !strings.Contains(res.Message, "pipe exploded") {
		t.Errorf("Message = %q, want it to carry the stream error", res.Message)
	}
}

func TestProcess_DrainTimeout(t *testing.T) {
	s := New(Config{DrainTimeout: 100 * time.Millisecond})
	// The background sleep inherits stdout and keeps the pipe open after sh exits.
	p, err := s.Start(context.Background(), "run", newShellBuilder("sleep 2 & echo hi"), &captureHandler{})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	start := time.Now()
	res := waitResult(t, p, 3*time.Second)
	if elapsed := time.Since(start); elapsed > 1500*time.Millisecond {
		t.Errorf("drain took %v, want about the drain timeout", elapsed)
	}
	if res.State != StateExited || res.ExitCode != 0 {
		t.Errorf("result = %s(%d), want exited(0)", res.State, res.ExitCode)
	}
}

// =============================================================================
// Callbacks and Table Management
// =============================================================================

func TestSupervisor_Callbacks(t *testing.T) {
	var (
		mu          sync.Mutex
		transitions []string
		startedPID  int
		exitResult  Result
	)
	s := New(Config{Callbacks: Callbacks{
		OnStateChange: func(id string, oldState, newState State) {
			mu.Lock()
			transitions = append(transitions, oldState.String()+"->"+newState.String())
			mu.Unlock()
		},
		OnStart: func(id string, pid int) {
			mu.Lock()
			startedPID = pid
			mu.Unlock()
		},
		OnExit: func(id string, res Result) {
			mu.Lock()
			exitResult = res
			mu.Unlock()
		},
	}})

	p, err := s.Start(context.Background(), "run", newExitCodeBuilder(0), nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitResult(t, p, 3*time.Second)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"pending->running", "running->exited"}
	if strings.Join(transitions, ",") != strings.Join(want, ",") {
		t.Errorf("transitions = %v, want %v", transitions, want)
	}
	if startedPID != p.PID() {
		t.Errorf("OnStart pid = %d, want %d", startedPID, p.PID())
	}
	if exitResult.State != StateExited || exitResult.PID != p.PID() {
		t.Errorf("OnExit result = %+v", exitResult)
	}
}

func TestSupervisor_Remove(t *testing.T) {
	s := New(Config{})
	p, err := s.Start(context.Background(), "run", newSleepBuilder(200*time.Millisecond), nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := s.Remove("run"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Remove(running) = %v, want ErrInvalidState", err)
	}

	waitResult(t, p, 3*time.Second)
	if err := s.Remove("run"); err != nil {
		t.Errorf("Remove(terminal) = %v", err)
	}
	if _, ok := s.Get("run"); ok {
		t.Error("process still registered after Remove")
	}
	if err := s.Remove("run"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Remove(unknown) = %v, want ErrInvalidState", err)
	}
}

func TestProcess_WaitContextCancelled(t *testing.T) {
	s := New(Config{})
	p, err := s.Start(context.Background(), "run", newSleepBuilder(10*time.Second), nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer p.Terminate(CauseShutdown, "", 0)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v, want DeadlineExceeded", err)
	}
	if p.State() != StateRunning {
		t.Errorf("State() = %s, want running", p.State())
	}
	if p.Uptime() <= 0 {
		t.Error("Uptime() should be positive while running")
	}
}

func TestSupervisor_ConcurrentStarts(t *testing.T) {
	s := New(Config{})
	const n = 20

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := s.Start(context.Background(), fmt.Sprintf("run-%d", i), newExitCodeBuilder(i%3), nil)
			if err != nil {
				errs <- err
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			res, err := p.Wait(ctx)
			if err != nil {
				errs <- err
				return
			}
			if res.ExitCode != i%3 {
				errs <- fmt.Errorf("run-%d exit code %d, want %d", i, res.ExitCode, i%3)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	if s.Len() != n {
		t.Errorf("Len() = %d, want %d", s.Len(), n)
	}
}

// =============================================================================
// Benchmarks
// =============================================================================

func BenchmarkProcess_StateAccess(b *testing.B) {
	s := New(Config{})
	p := &Process{sup: s, state: StateRunning, done: make(chan struct{})}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = p.State()
	}
}
