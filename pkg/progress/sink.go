// Package progress delivers pipeline events to listeners without ever
// letting a slow listener stall the pipeline.
package progress

import (
	"sync"

	"github.com/menta2k/image-upscaler/pkg/types"
)

// DefaultBuffer is the event buffer size used when none is configured
const DefaultBuffer = 64

// Sink is a bounded, non-blocking event stream. Publishing never blocks:
// when the buffer is full the oldest unconsumed event is dropped to make
// room for the new one.
type Sink struct {
	mu     sync.Mutex
	ch     chan types.Event
	closed bool
}

// NewSink creates a sink with the given buffer size (DefaultBuffer if <= 0)
func NewSink(buffer int) *Sink {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Sink{ch: make(chan types.Event, buffer)}
}

// Publish delivers an event to the stream, dropping the oldest buffered
// event if the listener has fallen behind. Safe to call after Close.
func (s *Sink) Publish(e types.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	select {
	case s.ch <- e:
		return
	default:
	}

	// Buffer full: evict the oldest event and retry once. The second send
	// cannot block because Publish is serialized by the mutex.
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- e:
	default:
	}
}

// Events returns the receive side of the stream. The channel is closed by
// Close once no more events will be published.
func (s *Sink) Events() <-chan types.Event {
	return s.ch
}

// Close ends the stream. Subsequent publishes are discarded.
func (s *Sink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
