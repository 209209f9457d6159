// Package linereader decodes a raw subprocess output stream into text lines.
//
// A Reader never aborts on bad input: invalid byte sequences are replaced
// with the Unicode replacement character and the line is flagged, lines
// without a trailing terminator are still delivered, and over-long lines are
// split into pieces rather than failing the stream.
package linereader

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
)

const (
	// DefaultMaxLineBytes is the longest line delivered in one piece.
	DefaultMaxLineBytes = 64 * 1024

	// minLineBytes is the smallest buffer bufio accepts.
	minLineBytes = 16

	// Placeholder replaces bytes that could not be decoded.
	Placeholder = "\uFFFD"
)

// ErrUnsupportedEncoding is returned for encodings whose newline is not a single byte.
var ErrUnsupportedEncoding = errors.New("unsupported encoding")

// Config controls line framing and decoding.
type Config struct {
	// MaxLineBytes caps a single emitted line; longer lines are split (default 64 KiB).
	MaxLineBytes int

	// Encoding is a WHATWG encoding label ("utf-8", "latin1", "windows-1252", ...).
	// Empty means UTF-8.
	Encoding string
}

// Line is one decoded line of output.
type Line struct {
	// Text is the decoded content without the line terminator.
	Text string

	// Replaced is set when undecodable bytes were replaced with Placeholder.
	Replaced bool

	// Partial is set when the line had no terminator: either the stream ended
	// mid-line or the line exceeded MaxLineBytes and was split. The piece
	// that ends a split line is not partial.
	Partial bool

	// Time is when the line was decoded.
	Time time.Time
}

// Reader produces lines lazily from an io.Reader. It is not safe for
// concurrent use; Stats may be called from any goroutine.
type Reader struct {
	src     io.Reader
	br      *bufio.Reader
	decoder *encoding.Decoder
	isUTF8  bool

	// pending holds the tail of a split rune carried into the next piece.
	pending []byte
	// held is a split piece that filled the buffer exactly; it is queued
	// once the next chunk shows whether the line continues.
	held  *Line
	ready []Line
	err   error

	bytesRead     atomic.Int64
	linesRead     atomic.Int64
	linesReplaced atomic.Int64
}

// New creates a Reader over r.
func New(r io.Reader, cfg Config) (*Reader, error) {
	maxLine := cfg.MaxLineBytes
	if maxLine <= 0 {
		maxLine = DefaultMaxLineBytes
	}
	if maxLine < minLineBytes {
		maxLine = minLineBytes
	}

	decoder, isUTF8, err := lookupDecoder(cfg.Encoding)
	if err != nil {
		return nil, err
	}

	return &Reader{
		src:     r,
		br:      bufio.NewReaderSize(r, maxLine),
		decoder: decoder,
		isUTF8:  isUTF8,
	}, nil
}

// ValidateEncoding reports whether label names an encoding New accepts.
func ValidateEncoding(label string) error {
	_, _, err := lookupDecoder(label)
	return err
}

func lookupDecoder(label string) (*encoding.Decoder, bool, error) {
	if label == "" {
		return unicode.UTF8.NewDecoder(), true, nil
	}

	enc, err := htmlindex.Get(label)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, label)
	}

	name, err := htmlindex.Name(enc)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, label)
	}
	switch name {
	case "utf-8":
		return unicode.UTF8.NewDecoder(), true, nil
	case "utf-16le", "utf-16be", "replacement":
		return nil, false, fmt.Errorf("%w: %q (newline framing requires an ASCII-compatible encoding)",
			ErrUnsupportedEncoding, label)
	}
	return enc.NewDecoder(), false, nil
}

// Next returns the next line. It returns io.EOF once the stream is exhausted,
// and any other read error after delivering the data that preceded it.
func (r *Reader) Next() (Line, error) {
	for len(r.ready) == 0 {
		if r.err != nil {
			return Line{}, r.err
		}
		r.fill()
	}
	line := r.ready[0]
	r.ready = append(r.ready[:0], r.ready[1:]...)
	return line, nil
}

// fill reads one chunk and queues the lines it completes.
func (r *Reader) fill() {
	chunk, err := r.br.ReadSlice('\n')
	r.bytesRead.Add(int64(len(chunk)))

	switch {
	case err == nil:
		raw := trimCR(r.takePending(chunk[:len(chunk)-1]))
		if r.held != nil && len(raw) == 0 {
			// The held piece ran up to the terminator, so it ends its line.
			r.held.Partial = false
			r.held.Text = strings.TrimSuffix(r.held.Text, "\r")
			r.flushHeld()
			return
		}
		r.flushHeld()
		r.ready = append(r.ready, r.emit(raw, false))

	case errors.Is(err, bufio.ErrBufferFull):
		r.flushHeld()
		raw := r.takePending(chunk)
		cut := len(raw)
		if r.isUTF8 {
			cut = runeBoundary(raw)
		}
		line := r.emit(raw[:cut], true)
		if cut < len(raw) {
			r.pending = append(r.pending[:0], raw[cut:]...)
			r.ready = append(r.ready, line)
			return
		}
		// Whether this piece ends the line depends on the next chunk.
		r.held = &line

	default:
		r.err = err
		r.flushHeld()
		raw := r.takePending(chunk)
		if errors.Is(err, io.EOF) {
			raw = trimCR(raw)
		}
		if len(raw) > 0 {
			r.ready = append(r.ready, r.emit(raw, true))
		}
	}
}

func (r *Reader) flushHeld() {
	if r.held != nil {
		r.ready = append(r.ready, *r.held)
		r.held = nil
	}
}

// Run calls emit for every line until the stream ends, emit returns false, or
// ctx is cancelled. Cancelling ctx closes the source when it is an io.Closer so
// a blocked read returns. A source closed from elsewhere ends the run cleanly.
func (r *Reader) Run(ctx context.Context, emit func(Line) bool) error {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	if closer, ok := r.src.(io.Closer); ok {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case <-ctx.Done():
				closer.Close()
			case <-stop:
			}
		}()
	}
	defer func() {
		close(stop)
		wg.Wait()
	}()

	for {
		line, err := r.Next()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				return nil
			case ctx.Err() != nil:
				return ctx.Err()
			case errors.Is(err, os.ErrClosed):
				return nil
			}
			return err
		}
		if !emit(line) {
			return ctx.Err()
		}
	}
}

// Stats returns (bytesRead, linesRead, linesReplaced).
func (r *Reader) Stats() (bytesRead, linesRead, linesReplaced int64) {
	return r.bytesRead.Load(), r.linesRead.Load(), r.linesReplaced.Load()
}

// takePending prepends any carried rune tail to b.
func (r *Reader) takePending(b []byte) []byte {
	if len(r.pending) == 0 {
		return b
	}
	joined := make([]byte, 0, len(r.pending)+len(b))
	joined = append(joined, r.pending...)
	joined = append(joined, b...)
	r.pending = r.pending[:0]
	return joined
}

func (r *Reader) emit(raw []byte, partial bool) Line {
	text, replaced := r.decode(raw)
	r.linesRead.Add(1)
	if replaced {
		r.linesReplaced.Add(1)
	}
	return Line{
		Text:     text,
		Replaced: replaced,
		Partial:  partial,
		Time:     time.Now(),
	}
}

func (r *Reader) decode(raw []byte) (string, bool) {
	if r.isUTF8 && utf8.Valid(raw) {
		return string(raw), false
	}

	out, err := r.decoder.Bytes(raw)
	if err != nil {
		return strings.ToValidUTF8(string(raw), Placeholder), true
	}
	if r.isUTF8 {
		return string(out), true
	}
	return string(out), bytes.Contains(out, []byte(Placeholder))
}

func trimCR(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\r' {
		return b[:n-1]
	}
	return b
}

// runeBoundary returns the largest prefix length of b that does not end in
// the middle of a UTF-8 sequence.
func runeBoundary(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) || i == 0 {
			return len(b)
		}
		return i
	}
	return len(b)
}
