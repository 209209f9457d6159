// Package stream merges a process's stdout and stderr into one numbered,
// ordered event log that consumers read through cursors.
package stream

import (
	"errors"
	"time"
)

// Source identifies which output stream produced an event.
type Source int

const (
	SourceOut Source = iota
	SourceErr
)

func (s Source) String() string {
	switch s {
	case SourceOut:
		return "out"
	case SourceErr:
		return "err"
	default:
		return "unknown"
	}
}

// Kind distinguishes output lines from synthetic events.
type Kind int

const (
	// KindLine is one decoded line of output.
	KindLine Kind = iota

	// KindStreamError is emitted once when a reader fails irrecoverably.
	// Line holds the error text.
	KindStreamError
)

func (k Kind) String() string {
	switch k {
	case KindLine:
		return "line"
	case KindStreamError:
		return "stream_error"
	default:
		return "unknown"
	}
}

// Event is one entry of a run's output log.
type Event struct {
	RunID string
	// Seq starts at 1 and has no gaps within a run.
	Seq    uint64
	Source Source
	Kind   Kind
	Line   string

	// Replaced is set when undecodable bytes were replaced in Line.
	Replaced bool

	// Partial is set when the line had no terminator.
	Partial bool

	Time time.Time
}

var (
	// ErrNoHistory is returned when a cursor asks for events that are no
	// longer retained.
	ErrNoHistory = errors.New("no history")

	// ErrCursorClosed is returned by Next after Close.
	ErrCursorClosed = errors.New("cursor closed")

	// ErrAlreadyConsumed is returned when Consume is called twice.
	ErrAlreadyConsumed = errors.New("multiplexer already consumed its streams")
)
