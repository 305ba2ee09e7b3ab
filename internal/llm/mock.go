package llm

import (
	"context"
	"fmt"
	"sync"
)

// ScriptedClient replays canned completions, streaming each one in small
// chunks so downstream consumers see realistic tag-straddling deltas. It
// records every request it receives for later assertions.
type ScriptedClient struct {
	mu        sync.Mutex
	steps     []scriptStep
	next      int
	chunkSize int
	requests  []Request
}

type scriptStep struct {
	text string
	err  error
}

// NewScriptedClient returns a client that streams the given responses in
// order, one per StreamCompletion call.
func NewScriptedClient(responses ...string) *ScriptedClient {
	c := &ScriptedClient{chunkSize: 7}
	for _, r := range responses {
		c.steps = append(c.steps, scriptStep{text: r})
	}
	return c
}

// AddResponse appends another canned response to the script.
func (c *ScriptedClient) AddResponse(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps = append(c.steps, scriptStep{text: text})
}

// AddError appends a step that fails immediately instead of streaming.
func (c *ScriptedClient) AddError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps = append(c.steps, scriptStep{err: err})
}

// SetChunkSize controls how many runes each streamed delta carries.
func (c *ScriptedClient) SetChunkSize(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n > 0 {
		c.chunkSize = n
	}
}

// Requests returns a copy of every request seen so far.
func (c *ScriptedClient) Requests() []Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Request, len(c.requests))
	copy(out, c.requests)
	return out
}

// Calls reports how many StreamCompletion calls have been made.
func (c *ScriptedClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func (c *ScriptedClient) Model() string { return "scripted" }

func (c *ScriptedClient) StreamCompletion(ctx context.Context, req Request, cb StreamCallbacks) (*Completion, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	if c.next >= len(c.steps) {
		c.mu.Unlock()
		return nil, fmt.Errorf("scripted client exhausted after %d responses", len(c.steps))
	}
	step := c.steps[c.next]
	c.next++
	size := c.chunkSize
	c.mu.Unlock()

	if step.err != nil {
		return nil, step.err
	}

	runes := []rune(step.text)
	for i := 0; i < len(runes); i += size {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := i + size
		if end > len(runes) {
			end = len(runes)
		}
		if cb.OnDelta != nil {
			if err := cb.OnDelta(string(runes[i:end])); err != nil {
				return nil, err
			}
		}
	}

	return &Completion{Content: step.text, FinishReason: "stop"}, nil
}
