package logging

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/randomizedcoder/runwatch/internal/stream"
)

const (
	// MaxLineLength is the maximum length of a single logged line before truncation.
	MaxLineLength = 4096

	// DefaultRecentLines is how many lines are kept per run for the exit summary.
	DefaultRecentLines = 100
)

// OutputHandler receives output events from every run. It keeps the most
// recent lines of each run for the exit summary and, when it has a logger,
// logs each line at a level classified from its content.
type OutputHandler struct {
	logger *slog.Logger
	size   int

	mu   sync.Mutex
	runs map[string]*recentLines
}

// recentLines is a circular buffer of one run's latest lines.
type recentLines struct {
	buffer []string
	idx    int
	count  int
}

// NewOutputHandler creates an output handler. A nil logger only buffers.
func NewOutputHandler(logger *slog.Logger, size int) *OutputHandler {
	if size <= 0 {
		size = DefaultRecentLines
	}
	return &OutputHandler{
		logger: logger,
		size:   size,
		runs:   make(map[string]*recentLines),
	}
}

// HandleEvent processes one output event of the run called name.
func (h *OutputHandler) HandleEvent(name string, ev stream.Event) {
	line := truncateLine(ev.Line)

	if ev.Kind == stream.KindLine {
		h.mu.Lock()
		rl, ok := h.runs[name]
		if !ok {
			rl = &recentLines{buffer: make([]string, h.size)}
			h.runs[name] = rl
		}
		rl.buffer[rl.idx] = line
		rl.idx = (rl.idx + 1) % len(rl.buffer)
		if rl.count < len(rl.buffer) {
			rl.count++
		}
		h.mu.Unlock()
	}

	h.logEvent(name, ev, line)
}

// truncateLine cuts line to at most MaxLineLength bytes on a rune boundary.
func truncateLine(line string) string {
	if len(line) <= MaxLineLength {
		return line
	}
	cut := MaxLineLength
	for cut > 0 && !utf8.RuneStart(line[cut]) {
		cut--
	}
	return line[:cut] + "...(truncated)"
}

func (h *OutputHandler) logEvent(name string, ev stream.Event, line string) {
	if h.logger == nil {
		return
	}

	if ev.Kind == stream.KindStreamError {
		h.logger.Error("run_stream_error",
			"name", name,
			"run_id", ev.RunID,
			"seq", ev.Seq,
			"stream", ev.Source.String(),
			"error", line,
		)
		return
	}

	attrs := []any{
		"name", name,
		"seq", ev.Seq,
		"stream", ev.Source.String(),
		"line", line,
	}
	if ev.Replaced {
		attrs = append(attrs, "decode_warning", true)
	}
	if ev.Partial {
		attrs = append(attrs, "partial", true)
	}
	h.logger.Log(context.Background(), classifyLine(ev.Line), "run_output", attrs...)
}

// classifyLine determines the log level for a line based on content.
func classifyLine(line string) slog.Level {
	lower := strings.ToLower(line)

	// Error patterns
	if strings.Contains(lower, "fatal") ||
		strings.Contains(lower, "panic:") ||
		strings.Contains(lower, "[error]") ||
		strings.HasPrefix(lower, "error") ||
		strings.Contains(lower, "error") && strings.Contains(lower, "failed") {
		return slog.LevelError
	}

	// Warning patterns
	if strings.Contains(lower, "[warning]") ||
		strings.HasPrefix(lower, "warn") ||
		strings.Contains(lower, "deprecated") {
		return slog.LevelWarn
	}

	// Debug chatter only shows with -v
	if strings.HasPrefix(lower, "debug") || strings.HasPrefix(lower, "[debug]") {
		return slog.LevelDebug
	}

	return slog.LevelInfo
}

// RecentLines returns up to n of the most recent lines of the run, oldest first.
func (h *OutputHandler) RecentLines(name string, n int) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	rl, ok := h.runs[name]
	if !ok || n <= 0 {
		return nil
	}
	if n > rl.count {
		n = rl.count
	}

	size := len(rl.buffer)
	lines := make([]string, 0, n)
	for i := 0; i < n; i++ {
		lines = append(lines, rl.buffer[(rl.idx-n+i+size)%size])
	}
	return lines
}

// ErrorPatterns are common failure markers counted for the exit summary.
var ErrorPatterns = []string{
	"error",
	"fatal",
	"panic",
	"permission denied",
	"no such file",
	"not found",
	"timeout",
	"killed",
	"segmentation fault",
}

// CountErrors counts lines of the run's recent output that match each error
// pattern, case-insensitively.
func (h *OutputHandler) CountErrors(name string) map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()

	counts := make(map[string]int)
	rl, ok := h.runs[name]
	if !ok {
		return counts
	}

	for i := 0; i < rl.count; i++ {
		lower := strings.ToLower(rl.buffer[i])
		for _, pattern := range ErrorPatterns {
			if strings.Contains(lower, pattern) {
				counts[pattern]++
			}
		}
	}
	return counts
}
