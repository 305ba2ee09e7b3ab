package engine

import (
	"sync"

	"cortex/internal/engine/event"
)

// recordingSink forwards every event to the session stream and keeps a copy
// of soft errors so the next iteration's prompt can ask the model to correct
// itself.
type recordingSink struct {
	inner event.Sink

	mu      sync.Mutex
	pending []event.SoftErrorEvent
}

func newRecordingSink(inner event.Sink) *recordingSink {
	return &recordingSink{inner: inner}
}

func (s *recordingSink) Emit(e event.Event) {
	if se, ok := e.(event.SoftErrorEvent); ok {
		s.mu.Lock()
		s.pending = append(s.pending, se)
		s.mu.Unlock()
	}
	if s.inner != nil {
		s.inner.Emit(e)
	}
}

// Drain returns the soft errors recorded since the last call.
func (s *recordingSink) Drain() []event.SoftErrorEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pending
	s.pending = nil
	return out
}
