// Package tui provides a live terminal dashboard for supervised runs.
//
// The dashboard is a Bubble Tea program styled with Lipgloss. It lists every
// run with its state, exit code and line count, and tails the output of the
// selected run.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/randomizedcoder/runwatch/internal/session"
	"github.com/randomizedcoder/runwatch/internal/supervisor"
)

// =============================================================================
// Palette
// =============================================================================

// Adaptive colors pick the light or dark variant from the terminal background.
var (
	accent = lipgloss.AdaptiveColor{Light: "#5B21B6", Dark: "#8B5CF6"}
	active = lipgloss.AdaptiveColor{Light: "#0E7490", Dark: "#22D3EE"}

	good    = lipgloss.AdaptiveColor{Light: "#047857", Dark: "#34D399"}
	warn    = lipgloss.AdaptiveColor{Light: "#B45309", Dark: "#FBBF24"}
	bad     = lipgloss.AdaptiveColor{Light: "#B91C1C", Dark: "#F87171"}
	pending = lipgloss.AdaptiveColor{Light: "#1D4ED8", Dark: "#60A5FA"}

	fg      = lipgloss.AdaptiveColor{Light: "#111827", Dark: "#F3F4F6"}
	faint   = lipgloss.AdaptiveColor{Light: "#4B5563", Dark: "#9CA3AF"}
	fainter = lipgloss.AdaptiveColor{Light: "#6B7280", Dark: "#6B7280"}
	rule    = lipgloss.AdaptiveColor{Light: "#D1D5DB", Dark: "#374151"}
)

func fgStyle(c lipgloss.TerminalColor) lipgloss.Style {
	return lipgloss.NewStyle().Foreground(c)
}

func boldStyle(c lipgloss.TerminalColor) lipgloss.Style {
	return fgStyle(c).Bold(true)
}

// =============================================================================
// Styles
// =============================================================================

var (
	baseStyle  = fgStyle(fg)
	mutedStyle = fgStyle(faint)
	dimStyle   = fgStyle(fainter)

	// Run states
	statusInfo    = boldStyle(pending)
	statusRunning = boldStyle(active)
	statusOK      = boldStyle(good)
	statusWarning = boldStyle(warn)
	statusError   = boldStyle(bad)

	headerStyle = boldStyle(fg).
			Background(accent).
			Padding(0, 1).
			MarginBottom(1)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(rule).
			Padding(0, 1)

	sectionHeaderStyle = boldStyle(active).
				BorderStyle(lipgloss.NormalBorder()).
				BorderBottom(true).
				BorderForeground(rule).
				MarginTop(1)

	footerStyle = fgStyle(faint).MarginTop(1)

	labelStyle = fgStyle(faint).Width(12)
	valueStyle = boldStyle(fg)

	barFilledStyle = fgStyle(accent)
	barEmptyStyle  = fgStyle(rule)

	tableHeaderStyle = boldStyle(active).
				BorderStyle(lipgloss.NormalBorder()).
				BorderBottom(true).
				BorderForeground(rule)
	tableRowEvenStyle     = fgStyle(fg)
	tableRowOddStyle      = fgStyle(faint)
	tableRowSelectedStyle = boldStyle(fg).Background(rule)
)

// =============================================================================
// Indicators
// =============================================================================

// GetStateStyle returns the style for a run state. A clean exit is green, a
// non-zero exit is amber and anything killed or unable to start is red.
func GetStateStyle(st session.Status) lipgloss.Style {
	switch st.State {
	case supervisor.StatePending:
		return statusInfo
	case supervisor.StateRunning:
		return statusRunning
	case supervisor.StateExited:
		if st.HasExitCode && st.ExitCode == 0 {
			return statusOK
		}
		return statusWarning
	default:
		return statusError
	}
}

// GetStateLabel returns a styled state label with a status dot.
func GetStateLabel(st session.Status) string {
	label := st.State.String()
	if st.State == supervisor.StateKilled && st.Cause != "" && st.Cause != supervisor.CauseSignaled {
		label += "/" + string(st.Cause)
	}
	return GetStateStyle(st).Render("● " + label)
}

// GetRateStyle returns a style for the output line rate. A run flooding the
// terminal shows up red.
func GetRateStyle(rate float64) lipgloss.Style {
	switch {
	case rate <= 0:
		return mutedStyle
	case rate < 1000:
		return statusOK
	case rate < 10000:
		return statusWarning
	default:
		return statusError
	}
}

// =============================================================================
// Helpers
// =============================================================================

// RenderKeyValue renders a label-value pair.
func RenderKeyValue(label, value string) string {
	return labelStyle.Render(label+":") + valueStyle.Render(value)
}

// RenderProgressBar renders a bar of width cells filled to progress (0..1)
// followed by a percentage.
func RenderProgressBar(progress float64, width int) string {
	width = max(width, 10)
	progress = min(max(progress, 0), 1)
	filled := int(progress * float64(width))

	return barFilledStyle.Render(strings.Repeat("█", filled)) +
		barEmptyStyle.Render(strings.Repeat("░", width-filled)) +
		valueStyle.Render(fmt.Sprintf(" %3.0f%%", progress*100))
}
