package session

import (
	"errors"
	"sync"
)

var (
	ErrSessionNotFound = errors.New("session: not found")
	ErrSinkClosed      = errors.New("session: sink is closed")
	ErrSinkFull        = errors.New("session: sink buffer is full")
)

// Event is one push notification for a connected client.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Sink is the destination events are written to. The transport layer drains
// Events and forwards them to the client until the channel is closed.
type Sink struct {
	mu     sync.Mutex
	events chan Event
	closed bool
}

// NewSink creates a sink buffering up to size events.
func NewSink(size int) *Sink {
	if size < 0 {
		size = 0
	}
	return &Sink{events: make(chan Event, size)}
}

// Send queues an event without blocking. A slow reader gets ErrSinkFull rather
// than stalling the sender.
func (s *Sink) Send(event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSinkClosed
	}

	select {
	case s.events <- event:
		return nil
	default:
		return ErrSinkFull
	}
}

// Events is the stream of queued events. It is closed by Close.
func (s *Sink) Events() <-chan Event {
	return s.events
}

// Close completes the sink. Closing twice is a no-op.
func (s *Sink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
}

// Closed reports whether Close was called.
func (s *Sink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
