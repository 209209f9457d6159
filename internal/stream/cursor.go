package stream

import (
	"context"
	"errors"
	"io"
	"iter"
)

// Cursor reads a Multiplexer's log in order. It pins the events it has not
// read yet so retention never evicts them. A Cursor is not safe for
// concurrent use; Close may be called from any goroutine.
type Cursor struct {
	m       *Multiplexer
	next    uint64
	closed  bool
	onClose func(next uint64)
}

// Next blocks until the next event is available. It returns io.EOF once the
// log is closed and fully read, and ctx.Err() if ctx ends first.
func (c *Cursor) Next(ctx context.Context) (Event, error) {
	m := c.m
	for {
		m.mu.Lock()
		if c.closed {
			m.mu.Unlock()
			return Event{}, ErrCursorClosed
		}
		if c.next < m.next {
			ev := m.atLocked(c.next)
			c.next++
			m.trimLocked()
			m.mu.Unlock()
			return ev, nil
		}
		if m.closed {
			m.mu.Unlock()
			return Event{}, io.EOF
		}
		wait := m.notify
		m.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// All returns an iterator over the remaining events. Iteration stops at the
// end of the log; any other error is yielded once as the final element.
func (c *Cursor) All(ctx context.Context) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for {
			ev, err := c.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Event{}, err)
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

// Position returns the Seq the cursor will read next.
func (c *Cursor) Position() uint64 {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	return c.next
}

// Close detaches the cursor and releases the events it pinned.
func (c *Cursor) Close() {
	m := c.m
	m.mu.Lock()
	if c.closed {
		m.mu.Unlock()
		return
	}
	c.closed = true
	delete(m.cursors, c)
	next := c.next
	m.trimLocked()
	m.broadcastLocked()
	m.mu.Unlock()

	if c.onClose != nil {
		c.onClose(next)
	}
}
