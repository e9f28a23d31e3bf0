// Package session provides client session records and the registry the relay keeps
// them in.
package session

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrOutboxClosed is returned when pushing to a session that has disconnected.
	ErrOutboxClosed = errors.New("outbox closed")
	// ErrOutboxFull is returned when a session's transport has fallen behind.
	ErrOutboxFull = errors.New("outbox full")
)

// DefaultOutboxSize is used when a non-positive size is requested.
const DefaultOutboxSize = 256

// Outbox buffers encoded frames for one session until its transport writes them.
// Push never blocks, so a stalled client can only ever lose its own frames.
type Outbox struct {
	id     string
	frames chan []byte
	mu     sync.Mutex
	closed bool
}

// NewOutbox creates an Outbox for the given session ID.
//
// Precondition: id must be non-empty.
// Postcondition: Returns an Outbox with an open frames channel.
func NewOutbox(id string, size int) *Outbox {
	if size <= 0 {
		size = DefaultOutboxSize
	}
	return &Outbox{
		id:     id,
		frames: make(chan []byte, size),
	}
}

// Push enqueues a frame.
//
// Postcondition: The frame is enqueued, or an error wrapping ErrOutboxClosed or
// ErrOutboxFull is returned and the frame is dropped.
func (o *Outbox) Push(frame []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return fmt.Errorf("session %s: %w", o.id, ErrOutboxClosed)
	}
	select {
	case o.frames <- frame:
		return nil
	default:
		return fmt.Errorf("session %s: %w", o.id, ErrOutboxFull)
	}
}

// Frames returns the read-only frame channel. It is closed by Close after any
// frames already queued.
func (o *Outbox) Frames() <-chan []byte {
	return o.frames
}

// Len returns the number of frames waiting to be written.
func (o *Outbox) Len() int {
	return len(o.frames)
}

// Close marks the outbox closed and closes the frames channel. Safe to call more than once.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.closed {
		o.closed = true
		close(o.frames)
	}
}

// IsClosed reports whether the outbox has been closed.
func (o *Outbox) IsClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}
