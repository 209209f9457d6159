package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/randomizedcoder/runwatch/internal/session"
	"github.com/randomizedcoder/runwatch/internal/supervisor"
	"github.com/randomizedcoder/runwatch/internal/timeseries"
)

// =============================================================================
// Messages
// =============================================================================

// TickMsg is sent periodically to update the display.
type TickMsg time.Time

// RunsMsg carries an updated run snapshot.
type RunsMsg struct {
	Runs []session.Status
}

// DoneMsg signals that every run has reached a terminal state.
type DoneMsg struct{}

// QuitMsg signals the TUI should exit.
type QuitMsg struct{}

// cancelResultMsg reports the outcome of a cancel request.
type cancelResultMsg struct {
	name string
	err  error
}

// =============================================================================
// Model
// =============================================================================

// Model represents the TUI state.
type Model struct {
	// Configuration
	title       string
	metricsAddr string

	// Current state
	runs       []session.Status
	rate       timeseries.RateStats
	tail       []string
	selected   int
	showTail   bool
	done       bool
	notice     string
	startTime  time.Time
	lastUpdate time.Time

	// Display options
	width  int
	height int

	source Source

	// Quit flag
	quitting bool
}

// Source provides the live view of a session.
type Source interface {
	Runs() []session.Status
	RecentLines(name string, n int) []string
	LineRate() timeseries.RateStats
	CancelRun(name string) error
}

// Config holds TUI configuration.
type Config struct {
	Title       string
	MetricsAddr string
	Source      Source
}

// New creates a new TUI model.
func New(cfg Config) Model {
	title := cfg.Title
	if title == "" {
		title = "runwatch"
	}
	return Model{
		title:       title,
		metricsAddr: cfg.MetricsAddr,
		source:      cfg.Source,
		showTail:    true,
		startTime:   time.Now(),
		lastUpdate:  time.Now(),
		width:       80,
		height:      24,
	}
}

// =============================================================================
// Bubble Tea Interface
// =============================================================================

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	return tickCmd()
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "up", "k":
			if m.selected > 0 {
				m.selected--
			}
			m.refreshTail()
			return m, nil
		case "down", "j":
			if m.selected < len(m.runs)-1 {
				m.selected++
			}
			m.refreshTail()
			return m, nil
		case "t":
			m.showTail = !m.showTail
			return m, nil
		case "c":
			return m, m.cancelSelected()
		case "r":
			return m, tickCmd()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case TickMsg:
		m.refresh()
		return m, tickCmd()

	case RunsMsg:
		m.setRuns(msg.Runs)
		m.lastUpdate = time.Now()
		return m, nil

	case DoneMsg:
		m.refresh()
		m.done = true
		return m, nil

	case cancelResultMsg:
		if msg.err != nil {
			m.notice = "cancel " + msg.name + ": " + msg.err.Error()
		} else {
			m.notice = "cancel requested for " + msg.name
		}
		return m, nil

	case QuitMsg:
		m.quitting = true
		return m, tea.Quit
	}

	return m, nil
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	return m.renderDashboard()
}

// refresh pulls a new snapshot from the source.
func (m *Model) refresh() {
	if m.source == nil {
		return
	}
	m.setRuns(m.source.Runs())
	m.rate = m.source.LineRate()
	m.lastUpdate = time.Now()
}

func (m *Model) setRuns(runs []session.Status) {
	m.runs = runs
	if m.selected >= len(m.runs) {
		m.selected = max(len(m.runs)-1, 0)
	}
	m.refreshTail()
}

func (m *Model) refreshTail() {
	m.tail = nil
	run, ok := m.Selected()
	if !ok || m.source == nil {
		return
	}
	m.tail = m.source.RecentLines(run.Name, m.tailHeight())
}

// cancelSelected asks the source to cancel the selected run. Runs that are
// already terminal are left alone.
func (m Model) cancelSelected() tea.Cmd {
	run, ok := m.Selected()
	if !ok || m.source == nil || run.State.IsTerminal() {
		return nil
	}
	source := m.source
	name := run.Name
	return func() tea.Msg {
		return cancelResultMsg{name: name, err: source.CancelRun(name)}
	}
}

// =============================================================================
// Commands
// =============================================================================

// tickCmd returns a command that sends a tick after 500ms.
func tickCmd() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// =============================================================================
// Accessors
// =============================================================================

// Elapsed returns the time since the dashboard started.
func (m Model) Elapsed() time.Duration {
	return time.Since(m.startTime)
}

// Selected returns the highlighted run.
func (m Model) Selected() (session.Status, bool) {
	if m.selected < 0 || m.selected >= len(m.runs) {
		return session.Status{}, false
	}
	return m.runs[m.selected], true
}

// ActiveRuns returns how many runs are pending or running.
func (m Model) ActiveRuns() int {
	n := 0
	for _, r := range m.runs {
		if r.State.IsActive() {
			n++
		}
	}
	return n
}

// FailedRuns returns how many terminal runs did not exit cleanly.
func (m Model) FailedRuns() int {
	n := 0
	for _, r := range m.runs {
		if !r.State.IsTerminal() {
			continue
		}
		if r.State != supervisor.StateExited || !r.HasExitCode || r.ExitCode != 0 {
			n++
		}
	}
	return n
}

// Progress returns the fraction of runs that have finished (0.0 to 1.0).
func (m Model) Progress() float64 {
	if len(m.runs) == 0 {
		return 0
	}
	return float64(len(m.runs)-m.ActiveRuns()) / float64(len(m.runs))
}

// Done reports whether every run has finished.
func (m Model) Done() bool {
	return m.done
}

// tailHeight is how many output lines fit under the run table.
func (m Model) tailHeight() int {
	// header, progress, table header and rule, footer, borders
	used := 12 + len(m.runs)
	return max(m.height-used, 3)
}

// =============================================================================
// Helper for external use
// =============================================================================

// SendDone tells the TUI that all runs have finished.
func SendDone(p *tea.Program) {
	if p != nil {
		p.Send(DoneMsg{})
	}
}

// SendQuit sends a quit message to the TUI.
func SendQuit(p *tea.Program) {
	if p != nil {
		p.Send(QuitMsg{})
	}
}
