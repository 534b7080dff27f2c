package stream

import (
	"context"
	"sync"

	"multi-video-grid/frame"
)

// Log is an in-process ordered chunk log. It serves as both source and sink
// for tests and for running the generator and pipeline in one process.
type Log struct {
	mu     sync.Mutex
	chunks []frame.ChunkedFrame
	base   int // offset of chunks[0]
	retain int
	closed bool
	notify chan struct{}
}

// NewLog creates an empty, unbounded log
func NewLog() *Log {
	return NewBoundedLog(0)
}

// NewBoundedLog creates a log that keeps at most retain chunks. Readers that
// fall behind the retained window skip ahead to the oldest chunk.
func NewBoundedLog(retain int) *Log {
	return &Log{retain: retain, notify: make(chan struct{})}
}

// Write appends a chunk and wakes readers
func (l *Log) Write(ctx context.Context, c frame.ChunkedFrame) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	l.chunks = append(l.chunks, c)
	if l.retain > 0 && len(l.chunks) > l.retain {
		drop := len(l.chunks) - l.retain
		l.chunks = append(l.chunks[:0:0], l.chunks[drop:]...)
		l.base += drop
	}
	close(l.notify)
	l.notify = make(chan struct{})
	return nil
}

// Close ends the log. Readers drain what is left and return.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.closed {
		l.closed = true
		close(l.notify)
	}
	return nil
}

// Len returns the number of chunks appended so far
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.base + len(l.chunks)
}

// Snapshot returns a copy of the retained chunks in append order
func (l *Log) Snapshot() []frame.ChunkedFrame {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]frame.ChunkedFrame(nil), l.chunks...)
}

// Chunks follows the log from start until it is closed or ctx is done
func (l *Log) Chunks(ctx context.Context, start StartPosition, out chan<- frame.ChunkedFrame) error {
	l.mu.Lock()
	pos := l.base
	if start == StartTail {
		pos = l.base + len(l.chunks)
	}
	l.mu.Unlock()

	for {
		l.mu.Lock()
		if pos < l.base {
			pos = l.base
		}
		if i := pos - l.base; i < len(l.chunks) {
			c := l.chunks[i]
			pos++
			l.mu.Unlock()

			select {
			case <-ctx.Done():
				return ctx.Err()
			case out <- c:
			}
			continue
		}
		if l.closed {
			l.mu.Unlock()
			return nil
		}
		wait := l.notify
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

// Discard is a sink that drops every chunk
type Discard struct{}

func (Discard) Write(ctx context.Context, _ frame.ChunkedFrame) error {
	return ctx.Err()
}

func (Discard) Close() error { return nil }
