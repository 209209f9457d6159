package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/randomizedcoder/runwatch/internal/session"
	"github.com/randomizedcoder/runwatch/internal/stats"
)

// =============================================================================
// Main View Rendering
// =============================================================================

// renderDashboard renders the run table with the selected run's output.
func (m Model) renderDashboard() string {
	var sections []string

	sections = append(sections, m.renderHeader())
	sections = append(sections, m.renderProgress())
	sections = append(sections, m.renderRunTable())

	if m.showTail {
		sections = append(sections, m.renderTail())
	}

	sections = append(sections, m.renderFooter())

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// =============================================================================
// Header
// =============================================================================

func (m Model) renderHeader() string {
	rateLabel := GetRateStyle(m.rate.Rate1s).Render("● " + stats.FormatRate(m.rate.Rate1s))

	header := fmt.Sprintf(
		" %s │ Runs: %d/%d active │ Lines: %s %s │ Elapsed: %s ",
		m.title,
		m.ActiveRuns(),
		len(m.runs),
		stats.FormatNumber(m.rate.Total),
		rateLabel,
		stats.FormatDuration(m.Elapsed()),
	)

	return headerStyle.Width(m.width).Render(header)
}

// =============================================================================
// Progress Section
// =============================================================================

func (m Model) renderProgress() string {
	progress := m.Progress()

	barWidth := max(m.width-30, 20)
	progressBar := RenderProgressBar(progress, barWidth)

	finished := len(m.runs) - m.ActiveRuns()
	var status string
	switch {
	case len(m.runs) == 0:
		status = mutedStyle.Render("Waiting for runs...")
	case m.done && m.FailedRuns() == 0:
		status = statusOK.Render("✓ All runs finished")
	case m.done:
		status = statusError.Render(fmt.Sprintf("✗ %d of %d runs failed", m.FailedRuns(), len(m.runs)))
	default:
		status = statusInfo.Render(fmt.Sprintf("Running... %d/%d finished", finished, len(m.runs)))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		sectionHeaderStyle.Render("Progress"),
		progressBar,
		status,
	)

	return boxStyle.Width(m.width - 2).Render(content)
}

// =============================================================================
// Run Table
// =============================================================================

const (
	colName     = 20
	colState    = 20
	colPID      = 8
	colExit     = 6
	colDuration = 12
	colLines    = 8
)

func (m Model) renderRunTable() string {
	header := fmt.Sprintf("  %-*s %-*s %*s %*s %*s %*s",
		colName, "Name",
		colState, "State",
		colPID, "PID",
		colExit, "Exit",
		colDuration, "Duration",
		colLines, "Lines",
	)

	rows := []string{
		sectionHeaderStyle.Render("Runs"),
		tableHeaderStyle.Render(header),
	}

	if len(m.runs) == 0 {
		rows = append(rows, dimStyle.Render("  (no runs)"))
	}

	for i, r := range m.runs {
		rows = append(rows, m.renderRunRow(i, r))
	}

	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

func (m Model) renderRunRow(i int, r session.Status) string {
	marker := "  "
	if i == m.selected {
		marker = "▸ "
	}

	pid := "-"
	if r.PID > 0 {
		pid = fmt.Sprintf("%d", r.PID)
	}
	exit := "-"
	if r.HasExitCode {
		exit = fmt.Sprintf("%d", r.ExitCode)
	}

	// State is rendered separately so its color survives the row style.
	state := GetStateLabel(r)
	statePad := max(colState-lipgloss.Width(state), 0)

	left := fmt.Sprintf("%s%-*s ", marker, colName, truncate(r.Name, colName))
	right := fmt.Sprintf(" %*s %*s %*s %*s",
		colPID, pid,
		colExit, exit,
		colDuration, stats.FormatElapsed(r.Duration()),
		colLines, stats.FormatNumber(r.Lines),
	)

	rowStyle := tableRowEvenStyle
	switch {
	case i == m.selected:
		rowStyle = tableRowSelectedStyle
	case i%2 == 1:
		rowStyle = tableRowOddStyle
	}

	return rowStyle.Render(left) + state + strings.Repeat(" ", statePad) + rowStyle.Render(right)
}

// =============================================================================
// Output Tail
// =============================================================================

func (m Model) renderTail() string {
	run, ok := m.Selected()
	if !ok {
		return ""
	}

	title := fmt.Sprintf("Output: %s", run.Name)
	if run.Message != "" {
		title += " (" + run.Message + ")"
	}

	rows := []string{
		sectionHeaderStyle.Render(title),
		RenderKeyValue("Command", truncate(run.Command, max(m.width-30, 10))),
	}
	if len(m.tail) == 0 {
		rows = append(rows, dimStyle.Render("(no output)"))
	}

	lineWidth := max(m.width-8, 10)
	for _, line := range m.tail {
		rows = append(rows, baseStyle.Render(truncate(line, lineWidth)))
	}

	if m.notice != "" {
		rows = append(rows, statusWarning.Render(m.notice))
	}

	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

// =============================================================================
// Footer
// =============================================================================

func (m Model) renderFooter() string {
	shortcuts := []string{
		"q: quit",
		"↑/↓: select",
		"c: cancel",
		"t: toggle output",
	}

	left := dimStyle.Render(strings.Join(shortcuts, " │ "))
	right := ""
	if m.metricsAddr != "" {
		right = dimStyle.Render("Metrics: http://" + m.metricsAddr + "/metrics")
	}

	padding := max(m.width-lipgloss.Width(left)-lipgloss.Width(right)-2, 1)

	return footerStyle.Render(
		lipgloss.JoinHorizontal(lipgloss.Left,
			left,
			strings.Repeat(" ", padding),
			right,
		),
	)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
