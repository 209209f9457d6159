// Package session is the API for managing named runs: start a command,
// attach to its output, cancel it, and query its outcome.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/randomizedcoder/runwatch/internal/linereader"
	"github.com/randomizedcoder/runwatch/internal/process"
	"github.com/randomizedcoder/runwatch/internal/stream"
	"github.com/randomizedcoder/runwatch/internal/supervisor"
)

// DefaultGracePeriod is the time between SIGTERM and SIGKILL on cancel.
const DefaultGracePeriod = 5 * time.Second

var (
	// ErrDuplicateName is returned when a name already denotes an active run.
	ErrDuplicateName = errors.New("duplicate run name")

	// ErrClosed is returned by StartRun after Shutdown.
	ErrClosed = errors.New("controller is shut down")

	// ErrInvalidState is returned for unknown or released handles, and for
	// operations the run's state does not allow.
	ErrInvalidState = supervisor.ErrInvalidState

	// ErrNoHistory is returned when re-attaching to output that is no longer
	// retained.
	ErrNoHistory = stream.ErrNoHistory
)

// SpawnError is returned by StartRun when the process could not be created.
type SpawnError = supervisor.SpawnError

// Recorder receives run lifecycle and output counts.
type Recorder interface {
	RunStarted(name string)
	SpawnFailed(name string)
	OutputLine(source string, replaced bool)
	RunFinished(name, state, cause string, duration time.Duration, evicted int64)
}

type nopRecorder struct{}

func (nopRecorder) RunStarted(string) {}
func (nopRecorder) SpawnFailed(string) {}
func (nopRecorder) OutputLine(string, bool) {}
func (nopRecorder) RunFinished(string, string, string, time.Duration, int64) {}

// Config holds configuration for creating a new Controller.
type Config struct {
	Logger   *slog.Logger
	Recorder Recorder

	// OnEvent observes every output event of every run, in Seq order per run.
	OnEvent func(name string, ev stream.Event)

	// GracePeriod is the default time between SIGTERM and SIGKILL.
	GracePeriod time.Duration

	// DrainTimeout bounds output draining after a process exits.
	DrainTimeout time.Duration

	// HistoryLimit is passed to each run's multiplexer: 0 keeps all output,
	// N > 0 keeps the newest N events, negative disables history.
	HistoryLimit int

	// Reader configures line framing and decoding.
	Reader linereader.Config
}

// Options are per-run settings.
type Options struct {
	// Timeout cancels the run after it has been running this long. 0 = none.
	Timeout time.Duration

	// Env holds environment overrides merged over the command's own.
	Env map[string]string

	// Dir overrides the command's working directory.
	Dir string

	// GracePeriod overrides the controller's grace period.
	GracePeriod time.Duration

	// Attach opens the handle's cursor before the process is spawned, so it
	// sees every event even when history is disabled. Get it with
	// Handle.Cursor.
	Attach bool
}

// Controller owns the table of runs. It is safe for concurrent use.
type Controller struct {
	cfg      Config
	logger   *slog.Logger
	recorder Recorder
	sup      *supervisor.Supervisor

	mu     sync.Mutex
	runs   map[string]*run
	active map[string]string // name -> run ID
	closed bool
}

type run struct {
	id      string
	name    string
	command process.Command
	grace   time.Duration

	proc  *supervisor.Process
	mux   *stream.Multiplexer
	timer *time.Timer

	// done is closed once the run is terminal and its output log is complete.
	done chan struct{}
}

// New creates a Controller.
func New(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}

	c := &Controller{
		cfg:      cfg,
		logger:   logger,
		recorder: recorder,
		runs:     make(map[string]*run),
		active:   make(map[string]string),
	}
	c.sup = supervisor.New(supervisor.Config{
		Logger:       logger,
		DrainTimeout: cfg.DrainTimeout,
		Callbacks: supervisor.Callbacks{
			OnStateChange: func(id string, oldState, newState supervisor.State) {
				logger.Debug("run_state_change", "run_id", id, "from", oldState.String(), "to", newState.String())
			},
		},
	})
	return c
}

// StartRun spawns cmd as a run called name. An empty name uses the run ID.
// It fails with ErrDuplicateName if name denotes an active run, and with a
// *SpawnError if the process cannot be created; in both cases nothing is
// registered.
func (c *Controller) StartRun(ctx context.Context, name string, cmd process.Command, opts Options) (*Handle, error) {
	id := uuid.NewString()
	if name == "" {
		name = id
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("start run %q: %w", name, ErrClosed)
	}
	if _, taken := c.active[name]; taken {
		c.mu.Unlock()
		return nil, fmt.Errorf("start run %q: %w", name, ErrDuplicateName)
	}
	c.active[name] = id
	c.mu.Unlock()

	cmd = applyOptions(cmd, opts)
	grace := opts.GracePeriod
	if grace <= 0 {
		grace = c.cfg.GracePeriod
	}

	mux := stream.New(stream.Config{
		RunID:        id,
		HistoryLimit: c.cfg.HistoryLimit,
		Reader:       c.cfg.Reader,
		OnEvent: func(ev stream.Event) {
			if ev.Kind == stream.KindLine {
				c.recorder.OutputLine(ev.Source.String(), ev.Replaced)
			}
			if c.cfg.OnEvent != nil {
				c.cfg.OnEvent(name, ev)
			}
		},
	})

	r := &run{
		id:      id,
		name:    name,
		command: cmd,
		grace:   grace,
		mux:     mux,
		done:    make(chan struct{}),
	}
	h := &Handle{c: c, r: r}
	if opts.Attach {
		h.mu.Lock()
		_, err := c.subscribeLocked(h, r, 0)
		h.mu.Unlock()
		if err != nil {
			c.mu.Lock()
			delete(c.active, name)
			c.mu.Unlock()
			return nil, err
		}
	}

	proc, err := c.sup.Start(ctx, id, cmd, mux)
	if err != nil {
		c.mu.Lock()
		delete(c.active, name)
		c.mu.Unlock()
		if cur := h.Cursor(); cur != nil {
			cur.Close()
		}
		c.recorder.SpawnFailed(name)
		return nil, fmt.Errorf("start run %q: %w", name, err)
	}
	r.proc = proc

	if opts.Timeout > 0 {
		timeout := opts.Timeout
		r.timer = time.AfterFunc(timeout, func() {
			c.logger.Warn("run_timeout",
				"run_id", id,
				"name", name,
				"timeout", timeout.String(),
			)
			proc.Terminate(supervisor.CauseTimeout, "timed out after "+timeout.String(), grace)
		})
	}

	c.mu.Lock()
	c.runs[id] = r
	closed := c.closed
	c.mu.Unlock()

	c.recorder.RunStarted(name)
	go c.watch(r)
	if closed {
		proc.Terminate(supervisor.CauseShutdown, "controller shutting down", grace)
	}

	return h, nil
}

func applyOptions(cmd process.Command, opts Options) process.Command {
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}
	if len(opts.Env) > 0 {
		env := make(map[string]string, len(cmd.Env)+len(opts.Env))
		maps.Copy(env, cmd.Env)
		maps.Copy(env, opts.Env)
		cmd.Env = env
	}
	return cmd
}

// watch completes a run after its process is terminal: the output log is
// closed and the name becomes available again.
func (c *Controller) watch(r *run) {
	<-r.proc.Done()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.mux.Close()

	c.mu.Lock()
	if c.active[r.name] == r.id {
		delete(c.active, r.name)
	}
	c.mu.Unlock()

	res := r.proc.Result()
	c.recorder.RunFinished(r.name, res.State.String(), string(res.Cause), res.Duration(), r.mux.Stats().Evicted)
	close(r.done)
}

// lookup returns the run behind h, or ErrInvalidState.
func (c *Controller) lookup(h *Handle, op string) (*run, error) {
	if h == nil || h.c != c {
		return nil, fmt.Errorf("%s: unknown handle: %w", op, ErrInvalidState)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.runs[h.r.id]
	if !ok {
		return nil, fmt.Errorf("%s %q: run released: %w", op, h.r.name, ErrInvalidState)
	}
	return r, nil
}

// Attach returns a cursor over the run's output. The first attach starts at
// the oldest retained event; re-attaching resumes after the last event the
// handle read, or fails with ErrNoHistory when history is disabled. A handle
// has at most one open cursor.
func (c *Controller) Attach(h *Handle) (*stream.Cursor, error) {
	r, err := c.lookup(h, "attach")
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cursor != nil {
		return nil, fmt.Errorf("attach %q: cursor already open: %w", r.name, ErrInvalidState)
	}

	var from uint64
	if h.attached {
		if c.cfg.HistoryLimit < 0 {
			return nil, fmt.Errorf("attach %q: history disabled: %w", r.name, ErrNoHistory)
		}
		from = h.pos
	}

	return c.subscribeLocked(h, r, from)
}

// subscribeLocked opens h's cursor at from. h.mu must be held.
func (c *Controller) subscribeLocked(h *Handle, r *run, from uint64) (*stream.Cursor, error) {
	var cur *stream.Cursor
	cur, err := r.mux.Subscribe(from, func(next uint64) {
		h.mu.Lock()
		h.pos = next
		if h.cursor == cur {
			h.cursor = nil
		}
		h.mu.Unlock()
	})
	if err != nil {
		return nil, fmt.Errorf("attach %q: %w", r.name, err)
	}
	h.cursor = cur
	h.attached = true
	return cur, nil
}

// Cancel asks the run to stop: SIGTERM now, SIGKILL after the grace period.
// It returns once the request is issued and is a no-op on a terminal run.
func (c *Controller) Cancel(h *Handle) error {
	r, err := c.lookup(h, "cancel")
	if err != nil {
		return err
	}
	c.logger.Debug("run_cancel_requested", "run_id", r.id, "name", r.name)
	r.proc.Terminate(supervisor.CauseCancel, "", r.grace)
	return nil
}

// Signal sends kind to the run's process group. It is a no-op on a terminal run.
func (c *Controller) Signal(h *Handle, kind supervisor.SignalKind) error {
	r, err := c.lookup(h, "signal")
	if err != nil {
		return err
	}
	return r.proc.Signal(kind)
}

// Status returns the run's current state and, once terminal, its outcome.
func (c *Controller) Status(h *Handle) (Status, error) {
	r, err := c.lookup(h, "status")
	if err != nil {
		return Status{}, err
	}
	return r.status(), nil
}

// Wait blocks until the run is terminal and its output log is complete.
func (c *Controller) Wait(ctx context.Context, h *Handle) (Status, error) {
	r, err := c.lookup(h, "wait")
	if err != nil {
		return Status{}, err
	}
	select {
	case <-r.done:
		return r.status(), nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// Tail returns up to n of the newest retained events of the run.
func (c *Controller) Tail(h *Handle, n int) ([]stream.Event, error) {
	r, err := c.lookup(h, "tail")
	if err != nil {
		return nil, err
	}
	return r.mux.Tail(n), nil
}

// Lookup returns a new handle on the active run called name.
func (c *Controller) Lookup(name string) (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.active[name]
	if !ok {
		return nil, fmt.Errorf("lookup %q: no active run: %w", name, ErrInvalidState)
	}
	r, ok := c.runs[id]
	if !ok {
		// Reserved by a StartRun that has not finished spawning.
		return nil, fmt.Errorf("lookup %q: run is starting: %w", name, ErrInvalidState)
	}
	return h, nil
}

// Runs returns the status of every registered run, oldest first.
func (c *Controller) Runs() []Status {
	c.mu.Lock()
	runs := slices.Collect(maps.Values(c.runs))
	c.mu.Unlock()

	out := make([]Status, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.status())
	}
	slices.SortFunc(out, func(a, b Status) int {
		return a.StartTime.Compare(b.StartTime)
	})
	return out
}

// Release forgets a terminal run, discarding any output not yet read. The
// handle, and any other handle on the run, becomes invalid.
func (c *Controller) Release(h *Handle) error {
	r, err := c.lookup(h, "release")
	if err != nil {
		return err
	}
	select {
	case <-r.done:
	default:
		return fmt.Errorf("release %q: run is %s: %w", r.name, r.proc.State(), ErrInvalidState)
	}

	c.mu.Lock()
	delete(c.runs, r.id)
	c.mu.Unlock()

	h.mu.Lock()
	cur := h.cursor
	h.mu.Unlock()
	if cur != nil {
		cur.Close()
	}
	return c.sup.Remove(r.id)
}

// Shutdown stops accepting runs, cancels every active run and waits for all
// of them to finish or for ctx to end.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	runs := slices.Collect(maps.Values(c.runs))
	c.mu.Unlock()

	for _, r := range runs {
		r.proc.Terminate(supervisor.CauseShutdown, "controller shutting down", r.grace)
	}
	for _, r := range runs {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Active returns the number of runs that are not yet terminal.
func (c *Controller) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}
