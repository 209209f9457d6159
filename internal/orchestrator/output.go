package orchestrator

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/randomizedcoder/runwatch/internal/config"
	"github.com/randomizedcoder/runwatch/internal/stream"
)

// Printer writes output events to the terminal. It is safe for concurrent
// use; each event is written with a single Write.
type Printer struct {
	mode   string
	prefix bool
	width  int

	mu     sync.Mutex
	stdout io.Writer
	stderr io.Writer
}

// jsonEvent is the -output json record for one event.
type jsonEvent struct {
	Run      string    `json:"run"`
	RunID    string    `json:"run_id"`
	Seq      uint64    `json:"seq"`
	Stream   string    `json:"stream"`
	Kind     string    `json:"kind"`
	Line     string    `json:"line"`
	Time     time.Time `json:"time"`
	Replaced bool      `json:"replaced,omitempty"`
	Partial  bool      `json:"partial,omitempty"`
}

// NewPrinter creates a printer for mode. When names has several entries,
// plain lines are prefixed with the run name, padded to the longest.
func NewPrinter(mode string, names []string, stdout, stderr io.Writer) *Printer {
	p := &Printer{
		mode:   mode,
		prefix: len(names) > 1,
		stdout: stdout,
		stderr: stderr,
	}
	for _, n := range names {
		p.width = max(p.width, len(n))
	}
	return p
}

// Print writes one event of the run called name.
func (p *Printer) Print(name string, ev stream.Event) error {
	var (
		w   io.Writer
		buf []byte
		err error
	)

	switch p.mode {
	case config.OutputJSON:
		w = p.stdout
		buf, err = json.Marshal(jsonEvent{
			Run:      name,
			RunID:    ev.RunID,
			Seq:      ev.Seq,
			Stream:   ev.Source.String(),
			Kind:     ev.Kind.String(),
			Line:     ev.Line,
			Time:     ev.Time,
			Replaced: ev.Replaced,
			Partial:  ev.Partial,
		})
		if err != nil {
			return fmt.Errorf("encode event %d of %q: %w", ev.Seq, name, err)
		}
		buf = append(buf, '\n')

	default:
		w = p.stdout
		if ev.Source == stream.SourceErr {
			w = p.stderr
		}
		line := ev.Line
		if ev.Kind == stream.KindStreamError {
			w = p.stderr
			line = "runwatch: output error: " + line
		}
		if p.prefix {
			line = fmt.Sprintf("%-*s | %s", p.width, name, line)
		}
		buf = append([]byte(line), '\n')
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	_, err = w.Write(buf)
	return err
}
