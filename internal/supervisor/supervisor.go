package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// DefaultDrainTimeout bounds how long output is drained after a process exits.
const DefaultDrainTimeout = 5 * time.Second

// ProcessBuilder creates executable commands.
// This interface keeps the supervisor independent of what is being run.
type ProcessBuilder interface {
	// BuildCommand returns a ready-to-start command. The supervisor sets
	// Stdout, Stderr and SysProcAttr; the command must not be started.
	BuildCommand(ctx context.Context) (*exec.Cmd, error)

	// Name returns a human-readable name for the command.
	Name() string
}

// StreamHandler drains a process's output. Consume is called once per
// process, concurrently with the wait for exit, and should return when both
// readers reach EOF or ctx is cancelled. A non-nil error other than one caused
// by cancellation is treated as an irrecoverable stream failure.
type StreamHandler interface {
	Consume(ctx context.Context, stdout, stderr io.Reader) error
}

// Callbacks contains optional callback functions for process events.
type Callbacks struct {
	// OnStateChange is called when a process changes state.
	OnStateChange func(id string, oldState, newState State)

	// OnStart is called once the OS process exists.
	OnStart func(id string, pid int)

	// OnExit is called with the terminal result, including failed spawns.
	OnExit func(id string, result Result)
}

// Config holds configuration for creating a new Supervisor.
type Config struct {
	Logger       *slog.Logger
	Callbacks    Callbacks
	DrainTimeout time.Duration // 0 = DefaultDrainTimeout
}

// Supervisor owns a table of processes keyed by ID.
type Supervisor struct {
	logger       *slog.Logger
	callbacks    Callbacks
	drainTimeout time.Duration

	mu    sync.Mutex
	procs map[string]*Process
}

// New creates a new Supervisor with the given configuration.
func New(cfg Config) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	drain := cfg.DrainTimeout
	if drain <= 0 {
		drain = DefaultDrainTimeout
	}
	return &Supervisor{
		logger:       logger,
		callbacks:    cfg.Callbacks,
		drainTimeout: drain,
		procs:        make(map[string]*Process),
	}
}

// Start spawns the command built by builder and registers it under id. On
// success the process is RUNNING and handler is draining its output. Spawn
// failures return a *SpawnError and nothing is registered.
func (s *Supervisor) Start(ctx context.Context, id string, builder ProcessBuilder, handler StreamHandler) (*Process, error) {
	if handler == nil {
		handler = discardHandler{}
	}

	p := &Process{
		id:    id,
		name:  builder.Name(),
		sup:   s,
		state: StatePending,
		done:  make(chan struct{}),
	}

	s.mu.Lock()
	if _, exists := s.procs[id]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("start %q: id already registered: %w", id, ErrInvalidState)
	}
	s.procs[id] = p
	s.mu.Unlock()

	if err := p.spawn(ctx, builder); err != nil {
		s.mu.Lock()
		delete(s.procs, id)
		s.mu.Unlock()

		spawnErr := &SpawnError{Name: p.name, Err: err}
		s.logger.Error("failed_to_start_process",
			"run_id", id,
			"name", p.name,
			"error", err,
		)
		p.finish(Result{
			State:   StateFailedToStart,
			Cause:   CauseSpawnError,
			Message: spawnErr.Error(),
		})
		return nil, spawnErr
	}

	s.logger.Info("process_started",
		"run_id", id,
		"name", p.name,
		"pid", p.pid,
	)
	if s.callbacks.OnStart != nil {
		s.callbacks.OnStart(id, p.pid)
	}

	go p.work(handler)
	return p, nil
}

// Get returns the process registered under id.
func (s *Supervisor) Get(id string) (*Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[id]
	return p, ok
}

// Signal sends kind to the process group registered under id. It is a no-op
// for a terminal process.
func (s *Supervisor) Signal(id string, kind SignalKind) error {
	p, ok := s.Get(id)
	if !ok {
		return fmt.Errorf("signal %q: %w", id, ErrInvalidState)
	}
	return p.Signal(kind)
}

// Wait blocks until the process registered under id is terminal.
func (s *Supervisor) Wait(ctx context.Context, id string) (Result, error) {
	p, ok := s.Get(id)
	if !ok {
		return Result{}, fmt.Errorf("wait %q: %w", id, ErrInvalidState)
	}
	return p.Wait(ctx)
}

// Remove forgets a terminal process.
func (s *Supervisor) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[id]
	if !ok {
		return fmt.Errorf("remove %q: %w", id, ErrInvalidState)
	}
	if !p.State().IsTerminal() {
		return fmt.Errorf("remove %q: process is %s: %w", id, p.State(), ErrInvalidState)
	}
	delete(s.procs, id)
	return nil
}

// Len returns the number of registered processes.
func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

// Process is one supervised OS process. Its terminal transition happens only
// on its worker goroutine; Signal and Terminate request a stop and return.
type Process struct {
	id   string
	name string
	sup  *Supervisor

	cmd       *exec.Cmd
	pid       int
	startTime time.Time

	// Read ends of the output pipes, owned by the worker.
	stdout *os.File
	stderr *os.File

	mu         sync.Mutex
	state      State
	reaped     bool
	stopCause  Cause
	stopDetail string
	killTimer  *time.Timer
	result     Result

	done chan struct{}
}

func (p *Process) spawn(ctx context.Context, builder ProcessBuilder) error {
	cmd, err := builder.BuildCommand(ctx)
	if err != nil {
		return err
	}

	outR, outW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return fmt.Errorf("stderr pipe: %w", err)
	}

	cmd.Stdout = outW
	cmd.Stderr = errW

	// Own process group so signals reach every descendant.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	startTime := time.Now()
	if err := cmd.Start(); err != nil {
		outR.Close()
		outW.Close()
		errR.Close()
		errW.Close()
		return err
	}

	// IMPORTANT: close the parent's write ends after Start() so the readers
	// see EOF once the child and its descendants exit.
	outW.Close()
	errW.Close()

	p.cmd = cmd
	p.pid = cmd.Process.Pid
	p.startTime = startTime
	p.stdout = outR
	p.stderr = errR
	p.setState(StateRunning)
	return nil
}

// work waits for the process and its output, then performs the terminal
// transition.
func (p *Process) work(handler StreamHandler) {
	consumeCtx, cancelConsume := context.WithCancel(context.Background())
	defer cancelConsume()

	consumed := make(chan error, 1)
	go func() {
		consumed <- handler.Consume(consumeCtx, p.stdout, p.stderr)
	}()

	exited := make(chan error, 1)
	go func() {
		exited <- p.cmd.Wait()
	}()

	var (
		waitErr     error
		consumeErr  error
		consumeDone bool
	)
	select {
	case waitErr = <-exited:
	case consumeErr = <-consumed:
		consumeDone = true
		if consumeErr != nil {
			p.fail(CauseStreamError, consumeErr.Error())
		}
		waitErr = <-exited
	}
	endTime := time.Now()

	p.mu.Lock()
	p.reaped = true
	if p.killTimer != nil {
		p.killTimer.Stop()
	}
	p.mu.Unlock()

	if !consumeDone {
		consumeErr = p.drain(consumed, cancelConsume)
		if consumeErr != nil {
			p.requestStop(CauseStreamError, consumeErr.Error())
		}
	}
	p.stdout.Close()
	p.stderr.Close()

	p.finish(p.classify(waitErr, endTime))
}

// drain waits for the handler to reach EOF after exit, cancelling it after
// the drain timeout. Errors caused by the cancellation are not reported.
func (p *Process) drain(consumed <-chan error, cancel context.CancelFunc) error {
	select {
	case err := <-consumed:
		return err
	case <-time.After(p.sup.drainTimeout):
		p.sup.logger.Warn("output_drain_timeout",
			"run_id", p.id,
			"pid", p.pid,
			"timeout", p.sup.drainTimeout.String(),
			"reason", "output pipes still open after exit, likely held by a descendant",
		)
		cancel()
		p.stdout.Close()
		p.stderr.Close()
		<-consumed
		return nil
	}
}

// classify turns the wait status and any recorded stop request into a Result.
func (p *Process) classify(waitErr error, endTime time.Time) Result {
	res := Result{
		PID:       p.pid,
		StartTime: p.startTime,
		EndTime:   endTime,
	}

	code, sig, ok := exitStatus(waitErr)
	res.ExitCode = code
	res.HasExitCode = ok

	p.mu.Lock()
	cause, detail := p.stopCause, p.stopDetail
	p.mu.Unlock()

	switch {
	case cause != CauseNone:
		res.State = StateKilled
		res.Cause = cause
	case sig != 0:
		res.State = StateKilled
		res.Cause = CauseSignaled
	default:
		res.State = StateExited
		res.Cause = CauseExit
	}

	res.Message = describe(res, sig, detail, waitErr)
	return res
}

func describe(res Result, sig syscall.Signal, detail string, waitErr error) string {
	var outcome string
	switch {
	case sig != 0:
		outcome = fmt.Sprintf("terminated by signal %d (%s)", int(sig), sig)
	case res.HasExitCode:
		outcome = fmt.Sprintf("exited with code %d", res.ExitCode)
	default:
		outcome = fmt.Sprintf("wait failed: %v", waitErr)
	}

	switch res.Cause {
	case CauseExit, CauseSignaled:
		return outcome
	}
	reason := detail
	if reason == "" {
		reason = string(res.Cause) + " requested"
	}
	return reason + ": " + outcome
}

// finish records the terminal result and notifies observers. It runs once.
func (p *Process) finish(res Result) {
	p.mu.Lock()
	old := p.state
	p.state = res.State
	p.result = res
	p.mu.Unlock()

	p.sup.notifyState(p.id, old, res.State)

	if res.State != StateFailedToStart {
		p.sup.logger.Info("process_exited",
			"run_id", p.id,
			"pid", p.pid,
			"state", res.State.String(),
			"exit_code", res.ExitCode,
			"cause", string(res.Cause),
			"uptime", res.Duration().String(),
		)
	}
	if p.sup.callbacks.OnExit != nil {
		p.sup.callbacks.OnExit(p.id, res)
	}
	close(p.done)
}

// Signal sends kind to the process group. A signal sent this way counts as a
// requested stop. It is a no-op once the process has exited.
func (p *Process) Signal(kind SignalKind) error {
	p.mu.Lock()
	if p.state != StateRunning || p.reaped {
		p.mu.Unlock()
		return nil
	}
	p.recordStop(CauseCancel, kind.String()+" signal requested")
	p.mu.Unlock()

	return p.signal(kind.sys())
}

// Terminate asks the process to exit with SIGTERM and escalates to SIGKILL
// if it is still alive after grace. The first recorded cause wins. It returns
// without waiting and is a no-op once the process has exited.
func (p *Process) Terminate(cause Cause, detail string, grace time.Duration) {
	p.mu.Lock()
	if p.state != StateRunning || p.reaped {
		p.mu.Unlock()
		return
	}
	p.recordStop(cause, detail)
	if grace > 0 && p.killTimer == nil {
		p.killTimer = time.AfterFunc(grace, p.forceKill)
	}
	p.mu.Unlock()

	if grace <= 0 {
		p.forceKill()
		return
	}
	if err := p.signal(syscall.SIGTERM); err != nil {
		p.sup.logger.Debug("signal_failed", "run_id", p.id, "pid", p.pid, "error", err)
	}
}

// fail records cause and kills the process group immediately.
func (p *Process) fail(cause Cause, detail string) {
	p.mu.Lock()
	p.recordStop(cause, detail)
	p.mu.Unlock()
	p.forceKill()
}

// requestStop records cause without signalling, for failures noticed after exit.
func (p *Process) requestStop(cause Cause, detail string) {
	p.mu.Lock()
	p.recordStop(cause, detail)
	p.mu.Unlock()
}

// recordStop must be called with p.mu held.
func (p *Process) recordStop(cause Cause, detail string) {
	if p.stopCause == CauseNone {
		p.stopCause = cause
		p.stopDetail = detail
	}
}

func (p *Process) forceKill() {
	p.mu.Lock()
	reaped := p.reaped
	p.mu.Unlock()
	if reaped {
		return
	}

	p.sup.logger.Warn("force_killing_process",
		"run_id", p.id,
		"pid", p.pid,
	)
	if err := p.signal(syscall.SIGKILL); err != nil {
		p.sup.logger.Debug("signal_failed", "run_id", p.id, "pid", p.pid, "error", err)
	}
}

// signal delivers sig to the process group, falling back to the process.
func (p *Process) signal(sig syscall.Signal) error {
	if pgid, err := syscall.Getpgid(p.pid); err == nil {
		return syscall.Kill(-pgid, sig)
	}
	err := p.cmd.Process.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// Wait blocks until the process is terminal or ctx is done.
func (p *Process) Wait(ctx context.Context) (Result, error) {
	select {
	case <-p.done:
		return p.Result(), nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Done is closed after the terminal transition.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Result returns the terminal result, or a zero Result while still running.
func (p *Process) Result() Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}

// State returns the current state of the process.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// ID returns the ID the process was registered under.
func (p *Process) ID() string {
	return p.id
}

// Name returns the builder's name for the command.
func (p *Process) Name() string {
	return p.name
}

// PID returns the OS process ID.
func (p *Process) PID() int {
	return p.pid
}

// StartTime returns when the process was spawned.
func (p *Process) StartTime() time.Time {
	return p.startTime
}

// Uptime returns the current uptime if running, or the total run time once terminal.
func (p *Process) Uptime() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.IsTerminal() {
		return p.result.Duration()
	}
	if p.startTime.IsZero() {
		return 0
	}
	return time.Since(p.startTime)
}

func (p *Process) setState(newState State) {
	p.mu.Lock()
	oldState := p.state
	p.state = newState
	p.mu.Unlock()

	p.sup.notifyState(p.id, oldState, newState)
}

func (s *Supervisor) notifyState(id string, oldState, newState State) {
	if s.callbacks.OnStateChange != nil && oldState != newState {
		s.callbacks.OnStateChange(id, oldState, newState)
	}
}

// exitStatus extracts the exit code and terminating signal from a Wait()
// error. Signal deaths report 128 + signal number. ok is false when the error
// carries no OS status.
func exitStatus(err error) (code int, sig syscall.Signal, ok bool) {
	if err == nil {
		return 0, 0, true
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, isWS := exitErr.Sys().(syscall.WaitStatus); isWS {
			if status.Signaled() {
				return 128 + int(status.Signal()), status.Signal(), true
			}
			return status.ExitStatus(), 0, true
		}
		return exitErr.ExitCode(), 0, true
	}

	return 1, 0, false
}

// discardHandler drains and discards output.
type discardHandler struct{}

func (discardHandler) Consume(ctx context.Context, stdout, stderr io.Reader) error {
	var wg sync.WaitGroup
	for _, r := range []io.Reader{stdout, stderr} {
		wg.Add(1)
		go func(r io.Reader) {
			defer wg.Done()
			io.Copy(io.Discard, r)
		}(r)
	}
	wg.Wait()
	return nil
}
