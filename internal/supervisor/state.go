// Package supervisor manages the lifecycle of supervised OS processes.
package supervisor

import (
	"syscall"
	"time"
)

// State represents the current state of a supervised process.
type State int

const (
	// StatePending is the transient state while the process is being spawned.
	StatePending State = iota

	// StateRunning indicates the process is alive.
	StateRunning

	// StateExited indicates the process exited on its own.
	StateExited

	// StateKilled indicates the process was stopped by a signal, either one we
	// requested or one delivered from outside.
	StateKilled

	// StateFailedToStart indicates the OS refused to create the process.
	StateFailedToStart
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateKilled:
		return "killed"
	case StateFailedToStart:
		return "failed_to_start"
	default:
		return "unknown"
	}
}

// IsActive returns true while the process is starting or running.
func (s State) IsActive() bool {
	return s == StatePending || s == StateRunning
}

// IsTerminal returns true for states from which no further transition occurs.
func (s State) IsTerminal() bool {
	return s == StateExited || s == StateKilled || s == StateFailedToStart
}

// Cause records why a process reached its terminal state.
type Cause string

const (
	CauseNone        Cause = ""
	CauseExit        Cause = "exit"
	CauseCancel      Cause = "cancel"
	CauseTimeout     Cause = "timeout"
	CauseStreamError Cause = "stream_error"
	CauseSignaled    Cause = "signaled"
	CauseSpawnError  Cause = "spawn_error"
	CauseShutdown    Cause = "shutdown"
)

// SignalKind selects graceful or forced termination.
type SignalKind int

const (
	// SignalTerminate asks the process group to exit (SIGTERM).
	SignalTerminate SignalKind = iota

	// SignalKill forces the process group to exit (SIGKILL).
	SignalKill
)

func (k SignalKind) String() string {
	switch k {
	case SignalTerminate:
		return "terminate"
	case SignalKill:
		return "kill"
	default:
		return "unknown"
	}
}

func (k SignalKind) sys() syscall.Signal {
	if k == SignalKill {
		return syscall.SIGKILL
	}
	return syscall.SIGTERM
}

// Result is the terminal outcome of a process.
type Result struct {
	State State

	// ExitCode is the OS-reported status, 128+N for a death by signal N.
	// Only meaningful when HasExitCode is set.
	ExitCode    int
	HasExitCode bool

	Cause   Cause
	Message string

	PID       int
	StartTime time.Time
	EndTime   time.Time
}

// Duration returns how long the process ran.
func (r Result) Duration() time.Duration {
	if r.StartTime.IsZero() || r.EndTime.IsZero() {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}
