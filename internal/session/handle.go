package session

import (
	"sync"
	"time"

	"github.com/randomizedcoder/runwatch/internal/stream"
	"github.com/randomizedcoder/runwatch/internal/supervisor"
)

// Handle is one caller's reference to a run. It remembers how far the
// caller has read so a detached consumer can resume. Hand a Handle to
// another goroutine explicitly; it is not meant for concurrent attachment.
type Handle struct {
	c *Controller
	r *run

	mu       sync.Mutex
	cursor   *stream.Cursor
	attached bool
	pos      uint64
}

// ID returns the run's opaque identifier.
func (h *Handle) ID() string {
	return h.r.id
}

// Name returns the run's name.
func (h *Handle) Name() string {
	return h.r.name
}

// Cursor returns the handle's open cursor, or nil. A run started with
// Options.Attach has one from the start.
func (h *Handle) Cursor() *stream.Cursor {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cursor
}

// Done is closed once the run is terminal and its output log is complete.
func (h *Handle) Done() <-chan struct{} {
	return h.r.done
}

// Status describes a run.
type Status struct {
	ID      string
	Name    string
	Command string

	State supervisor.State

	// ExitCode is valid when HasExitCode is set, which happens only once the
	// run is terminal and the OS reported a status.
	ExitCode    int
	HasExitCode bool

	Cause   supervisor.Cause
	Message string

	PID       int
	StartTime time.Time
	EndTime   time.Time

	// Lines counts events emitted so far; Evicted counts those dropped by
	// history retention.
	Lines   int64
	Evicted int64
}

// Duration returns the run time so far, or the total once terminal.
func (s Status) Duration() time.Duration {
	if s.StartTime.IsZero() {
		return 0
	}
	if s.EndTime.IsZero() {
		return time.Since(s.StartTime)
	}
	return s.EndTime.Sub(s.StartTime)
}

func (r *run) status() Status {
	st := r.mux.Stats()
	s := Status{
		ID:        r.id,
		Name:      r.name,
		Command:   r.command.String(),
		State:     r.proc.State(),
		PID:       r.proc.PID(),
		StartTime: r.proc.StartTime(),
		Lines:     st.Emitted,
		Evicted:   st.Evicted,
	}
	if s.State.IsTerminal() {
		res := r.proc.Result()
		s.ExitCode = res.ExitCode
		s.HasExitCode = res.HasExitCode
		s.Cause = res.Cause
		s.Message = res.Message
		s.EndTime = res.EndTime
	}
	return s
}
