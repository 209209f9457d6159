package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/randomizedcoder/runwatch/internal/linereader"
)

// DefaultChannelSize is the per-source buffer between a reader and the merge loop.
const DefaultChannelSize = 256

// compactThreshold is how many evicted slots accumulate before the log is compacted.
const compactThreshold = 1024

// Config configures a Multiplexer.
type Config struct {
	RunID string

	// HistoryLimit controls retention: 0 keeps every event, N > 0 keeps the
	// newest N (plus whatever attached cursors have not read yet), and a
	// negative value keeps only what attached cursors have not read yet.
	HistoryLimit int

	// Reader configures line framing and decoding for both sources.
	Reader linereader.Config

	// ChannelSize is the per-source buffer (default 256).
	ChannelSize int

	// OnEvent is called from the merge loop for every event, in Seq order.
	OnEvent func(Event)
}

// Stats holds multiplexer counters.
type Stats struct {
	Emitted  int64
	Out      int64
	Err      int64
	Replaced int64
	Evicted  int64
	Retained int
	Cursors  int
}

// Multiplexer numbers output lines as they become available and keeps them
// in an in-memory log. Consume is the only writer; cursors are readers.
type Multiplexer struct {
	cfg Config

	consumed atomic.Bool

	mu      sync.Mutex
	buf     []Event
	head    int    // buf[head:] is the retained log
	next    uint64 // Seq of the next event
	closed  bool
	notify  chan struct{}
	cursors map[*Cursor]struct{}

	out      int64
	err      int64
	replaced int64
	evicted  int64
}

// New creates a Multiplexer.
func New(cfg Config) *Multiplexer {
	if cfg.ChannelSize <= 0 {
		cfg.ChannelSize = DefaultChannelSize
	}
	return &Multiplexer{
		cfg:     cfg,
		next:    1,
		notify:  make(chan struct{}),
		cursors: make(map[*Cursor]struct{}),
	}
}

// item carries a line, or the error that ended a reader, from a reader
// goroutine to the merge loop. Errors travel in-band so lines read before a
// failure are emitted before it.
type item struct {
	line linereader.Line
	err  error
}

// Consume drains stdout and stderr until both reach EOF. Lines from the same
// source keep their order; across sources they are numbered in the order they
// became available, with stdout first when both are ready. A busy stdout
// cannot hold back stderr for more than one line. If a reader fails,
// one KindStreamError event is emitted and the error is returned.
func (m *Multiplexer) Consume(ctx context.Context, stdout, stderr io.Reader) error {
	if !m.consumed.CompareAndSwap(false, true) {
		return ErrAlreadyConsumed
	}

	outReader, err := linereader.New(stdout, m.cfg.Reader)
	if err != nil {
		return err
	}
	errReader, err := linereader.New(stderr, m.cfg.Reader)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	outCh := m.startReader(ctx, outReader)
	errCh := m.startReader(ctx, errReader)

	for outCh != nil || errCh != nil {
		// Stdout wins when both sources have a line ready, but only once: a
		// stderr line already waiting is taken right after it.
		if outCh != nil {
			select {
			case it, ok := <-outCh:
				if !ok {
					outCh = nil
					continue
				}
				if err := m.handle(SourceOut, it); err != nil {
					return err
				}
				if errCh != nil {
					select {
					case it, ok := <-errCh:
						if !ok {
							errCh = nil
						} else if err := m.handle(SourceErr, it); err != nil {
							return err
						}
					default:
					}
				}
				continue
			default:
			}
		}

		select {
		case it, ok := <-outCh:
			if !ok {
				outCh = nil
			} else if err := m.handle(SourceOut, it); err != nil {
				return err
			}
		case it, ok := <-errCh:
			if !ok {
				errCh = nil
			} else if err := m.handle(SourceErr, it); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	// Readers also stop on cancellation, closing their channels.
	return ctx.Err()
}

func (m *Multiplexer) startReader(ctx context.Context, r *linereader.Reader) chan item {
	ch := make(chan item, m.cfg.ChannelSize)
	go func() {
		defer close(ch)
		err := r.Run(ctx, func(line linereader.Line) bool {
			select {
			case ch <- item{line: line}:
				return true
			case <-ctx.Done():
				return false
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			select {
			case ch <- item{err: err}:
			case <-ctx.Done():
			}
		}
	}()
	return ch
}

func (m *Multiplexer) handle(src Source, it item) error {
	if it.err != nil {
		m.emit(Event{
			Source: src,
			Kind:   KindStreamError,
			Line:   it.err.Error(),
		})
		return fmt.Errorf("read %s: %w", src, it.err)
	}
	m.emit(Event{
		Source:   src,
		Kind:     KindLine,
		Line:     it.line.Text,
		Replaced: it.line.Replaced,
		Partial:  it.line.Partial,
		Time:     it.line.Time,
	})
	return nil
}

// emit assigns the next sequence number, appends ev and wakes waiting cursors.
func (m *Multiplexer) emit(ev Event) {
	ev.RunID = m.cfg.RunID

	m.mu.Lock()
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	ev.Seq = m.next
	m.next++
	m.buf = append(m.buf, ev)
	if ev.Kind == KindLine {
		if ev.Source == SourceOut {
			m.out++
		} else {
			m.err++
		}
		if ev.Replaced {
			m.replaced++
		}
	}
	m.trimLocked()
	m.broadcastLocked()
	m.mu.Unlock()

	if m.cfg.OnEvent != nil {
		m.cfg.OnEvent(ev)
	}
}

// Close marks the log complete. Cursors return io.EOF once they have read
// every remaining event.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.broadcastLocked()
}

// Subscribe opens a cursor at Seq from; 0 means the oldest retained event.
// onClose, if set, receives the Seq the cursor would have read next.
func (m *Multiplexer) Subscribe(from uint64, onClose func(next uint64)) (*Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	first := m.firstLocked()
	start := from
	if start == 0 {
		start = first
	}
	if start < first {
		return nil, fmt.Errorf("resume at %d: oldest retained event is %d: %w", start, first, ErrNoHistory)
	}
	if start > m.next {
		start = m.next
	}

	c := &Cursor{m: m, next: start, onClose: onClose}
	m.cursors[c] = struct{}{}
	return c, nil
}

// Tail returns up to n of the newest retained events.
func (m *Multiplexer) Tail(n int) []Event {
	if n <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	log := m.buf[m.head:]
	if n < len(log) {
		log = log[len(log)-n:]
	}
	out := make([]Event, len(log))
	copy(out, log)
	return out
}

// LastSeq returns the Seq of the newest event, 0 if none.
func (m *Multiplexer) LastSeq() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.next - 1
}

// Stats returns a snapshot of the multiplexer counters.
func (m *Multiplexer) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Emitted:  int64(m.next - 1),
		Out:      m.out,
		Err:      m.err,
		Replaced: m.replaced,
		Evicted:  m.evicted,
		Retained: len(m.buf) - m.head,
		Cursors:  len(m.cursors),
	}
}

// firstLocked returns the Seq of the oldest retained event, or m.next when
// nothing is retained.
func (m *Multiplexer) firstLocked() uint64 {
	return m.next - uint64(len(m.buf)-m.head)
}

// atLocked returns the retained event with the given Seq.
func (m *Multiplexer) atLocked(seq uint64) Event {
	return m.buf[m.head+int(seq-m.firstLocked())]
}

// trimLocked evicts events that the retention policy no longer keeps.
func (m *Multiplexer) trimLocked() {
	limit := m.cfg.HistoryLimit
	if limit == 0 {
		return
	}

	keepFrom := m.next
	if limit > 0 && uint64(limit) < m.next {
		keepFrom = m.next - uint64(limit)
	} else if limit > 0 {
		keepFrom = 1
	}
	for c := range m.cursors {
		if c.next < keepFrom {
			keepFrom = c.next
		}
	}

	first := m.firstLocked()
	if keepFrom <= first {
		return
	}
	drop := int(keepFrom - first)
	for i := m.head; i < m.head+drop; i++ {
		m.buf[i] = Event{}
	}
	m.head += drop
	m.evicted += int64(drop)

	if m.head >= compactThreshold && m.head*2 >= len(m.buf) {
		n := copy(m.buf, m.buf[m.head:])
		m.buf = m.buf[:n]
		m.head = 0
	}
}

func (m *Multiplexer) broadcastLocked() {
	close(m.notify)
	m.notify = make(chan struct{})
}
