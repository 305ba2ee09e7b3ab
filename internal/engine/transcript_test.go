package engine

import (
	"testing"

	"cortex/internal/llm"
)

func TestTranscriptMessagesReturnsCopy(t *testing.T) {
	tr := NewTranscript()
	tr.Append(llm.Message{Role: "user", Content: "hi"})

	msgs := tr.Messages()
	msgs[0].Content = "mutated"

	if got := tr.Messages()[0].Content; got != "hi" {
		t.Errorf("stored content = %q, callers must not reach the backing slice", got)
	}
}

func TestTranscriptClear(t *testing.T) {
	tr := NewTranscript()
	tr.Append(llm.Message{Role: "user", Content: "one"})
	tr.Append(llm.Message{Role: "assistant", Content: "two"})

	if n := tr.Clear(); n != 2 {
		t.Errorf("Clear = %d, want 2", n)
	}
	if tr.Len() != 0 {
		t.Errorf("Len = %d after Clear", tr.Len())
	}
}
