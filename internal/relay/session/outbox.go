package session

import "sync"

// Outbox is a session's bounded queue of encoded outbound frames, drained by
// the transport writer.
type Outbox struct {
	frames chan []byte
	mu     sync.Mutex
	closed bool
}

// NewOutbox creates an Outbox holding at most size frames.
//
// Postcondition: Returns an open Outbox; size <= 0 selects 64.
func NewOutbox(size int) *Outbox {
	if size <= 0 {
		size = 64
	}
	return &Outbox{frames: make(chan []byte, size)}
}

// TrySend enqueues frame without blocking.
//
// It reports false when the outbox is closed or full. Callers on the broadcast
// path discard the result: a missed state frame is replaced by the next tick.
func (o *Outbox) TrySend(frame []byte) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return false
	}
	select {
	case o.frames <- frame:
		return true
	default:
		return false
	}
}

// Frames returns the read-only frame channel. It is closed by Close.
func (o *Outbox) Frames() <-chan []byte {
	return o.frames
}

// Close marks the outbox closed and closes the frame channel. Safe to call repeatedly.
//
// Postcondition: Further TrySend calls return false.
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
