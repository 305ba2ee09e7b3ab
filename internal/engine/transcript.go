package engine

import (
	"sync"

	"cortex/internal/llm"
)

// Transcript is an in-memory History. Sessions use it directly; the
// clear_context internal action empties it via Clear.
type Transcript struct {
	mu   sync.Mutex
	msgs []llm.Message
}

// NewTranscript returns an empty transcript.
func NewTranscript() *Transcript {
	return &Transcript{}
}

// Messages returns a copy of the conversation so far.
func (t *Transcript) Messages() []llm.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]llm.Message, len(t.msgs))
	copy(out, t.msgs)
	return out
}

// Append adds one turn.
func (t *Transcript) Append(msg llm.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.msgs = append(t.msgs, msg)
}

// Len reports the number of stored turns.
func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.msgs)
}

// Clear drops every turn and reports how many were removed.
func (t *Transcript) Clear() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.msgs)
	t.msgs = nil
	return n
}
