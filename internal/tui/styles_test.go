package tui

import (
	"strings"
	"testing"

	"github.com/charmbracelet/lipgloss"

	"github.com/randomizedcoder/runwatch/internal/session"
	"github.com/randomizedcoder/runwatch/internal/supervisor"
)

// =============================================================================
// Tests: GetStateStyle
// =============================================================================

func TestGetStateStyle(t *testing.T) {
	tests := []struct {
		name   string
		status session.Status
		want   lipgloss.Style
	}{
		{"pending", session.Status{State: supervisor.StatePending}, statusInfo},
		{"running", session.Status{State: supervisor.StateRunning}, statusRunning},
		{"clean exit", session.Status{State: supervisor.StateExited, HasExitCode: true}, statusOK},
		{"non-zero exit", session.Status{State: supervisor.StateExited, HasExitCode: true, ExitCode: 3}, statusWarning},
		{"killed", session.Status{State: supervisor.StateKilled}, statusError},
		{"failed to start", session.Status{State: supervisor.StateFailedToStart}, statusError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GetStateStyle(tt.status)
			if got.GetForeground() != tt.want.GetForeground() {
				t.Errorf("GetStateStyle() foreground = %v, want %v", got.GetForeground(), tt.want.GetForeground())
			}
		})
	}
}

// =============================================================================
// Tests: GetStateLabel
// =============================================================================

func TestGetStateLabel(t *testing.T) {
	tests := []struct {
		name       string
		status     session.Status
		wantSubstr string
		notSubstr  string
	}{
		{"running", session.Status{State: supervisor.StateRunning}, "running", "/"},
		{"timeout", session.Status{State: supervisor.StateKilled, Cause: supervisor.CauseTimeout}, "killed/timeout", ""},
		{"cancel", session.Status{State: supervisor.StateKilled, Cause: supervisor.CauseCancel}, "killed/cancel", ""},
		{"external signal", session.Status{State: supervisor.StateKilled, Cause: supervisor.CauseSignaled}, "killed", "/"},
		{"spawn error", session.Status{State: supervisor.StateFailedToStart, Cause: supervisor.CauseSpawnError}, "failed_to_start", "/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GetStateLabel(tt.status)
			if !strings.Contains(got, tt.wantSubstr) {
				t.Errorf("GetStateLabel() = %q, want to contain %q", got, tt.wantSubstr)
			}
			if tt.notSubstr != "" && strings.Contains(got, tt.notSubstr) {
				t.Errorf("GetStateLabel() = %q, should not contain %q", got, tt.notSubstr)
			}
		})
	}
}

// =============================================================================
// Tests: GetRateStyle
// =============================================================================

func TestGetRateStyle(t *testing.T) {
	tests := []struct {
		name string
		rate float64
		want lipgloss.Style
	}{
		{"idle", 0, mutedStyle},
		{"normal", 50, statusOK},
		{"busy", 5000, statusWarning},
		{"flood", 50000, statusError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GetRateStyle(tt.rate)
			if got.GetForeground() != tt.want.GetForeground() {
				t.Errorf("GetRateStyle(%v) foreground = %v, want %v", tt.rate, got.GetForeground(), tt.want.GetForeground())
			}
		})
	}
}

// =============================================================================
// Tests: RenderKeyValue
// =============================================================================

func TestRenderKeyValue(t *testing.T) {
	result := RenderKeyValue("Label", "Value")

	if !strings.Contains(result, "Label") {
		t.Error("result should contain label")
	}
	if !strings.Contains(result, "Value") {
		t.Error("result should contain value")
	}
}

// =============================================================================
// Tests: RenderProgressBar
// =============================================================================

func TestRenderProgressBar(t *testing.T) {
	tests := []struct {
		name     string
		progress float64
		width    int
	}{
		{"0%", 0, 20},
		{"50%", 0.5, 20},
		{"100%", 1.0, 20},
		{"narrow", 0.5, 5},
		{"wide", 0.5, 50},
		{"over 100%", 1.5, 20},
		{"negative", -0.1, 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := RenderProgressBar(tt.progress, tt.width)
			if result == "" {
				t.Error("RenderProgressBar returned empty string")
			}
			if !strings.Contains(result, "%") {
				t.Error("result should contain percentage")
			}
			if n := strings.Count(result, "█") + strings.Count(result, "░"); n != max(tt.width, 10) {
				t.Errorf("bar has %d cells, want %d", n, max(tt.width, 10))
			}
		})
	}
}
