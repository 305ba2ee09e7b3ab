package event

import (
	"sync"
	"time"
)

// DefaultBuffer is the frame channel capacity when none is configured.
const DefaultBuffer = 256

// Stream sequences events into frames and delivers them over a bounded
// channel. When the consumer stops draining, Emit blocks; producers stall and
// that backpressure is what ultimately pauses reads from the LLM stream.
type Stream struct {
	mu     sync.Mutex
	seq    uint64
	ch     chan Frame
	done   chan struct{}
	closed bool
	once   sync.Once
}

// NewStream returns a stream with the given channel capacity; values <= 0
// select DefaultBuffer.
func NewStream(buffer int) *Stream {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Stream{
		ch:   make(chan Frame, buffer),
		done: make(chan struct{}),
	}
}

// Emit assigns the next sequence number and enqueues the frame. The send
// happens under the lock so channel order always equals sequence order.
// Emitting on a closed stream is a no-op.
func (s *Stream) Emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.seq++
	frame := Frame{
		Seq:       s.seq,
		Type:      ev.EventType(),
		Timestamp: time.Now(),
		Payload:   ev,
	}
	select {
	case s.ch <- frame:
	case <-s.done:
		s.closed = true
	}
}

// Frames returns the consumer side of the stream. The channel is closed by
// Close once every accepted frame has been enqueued.
func (s *Stream) Frames() <-chan Frame { return s.ch }

// Seq returns the last assigned sequence number.
func (s *Stream) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Close stops the stream and closes the frame channel. An Emit blocked on a
// full channel is released and its frame dropped.
func (s *Stream) Close() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}
