package engine

import (
	"fmt"

	"cortex/internal/engine/event"
	"cortex/internal/engine/variables"
)

type responseChunk struct {
	text    string
	final   bool
	waiting map[string]bool // referenced keys with no value and no recorded failure
}

// respBuffer enforces the response ordering rule: a chunk that references a
// variable with no value yet is held, together with every chunk behind it,
// until the producer completes. Failed producers render as a visible
// placeholder instead of blocking forever. The engine serializes all calls
// under its own mutex, so the buffer itself is unguarded.
type respBuffer struct {
	vars      *variables.Store
	flush     func(text string, final bool)
	softError func(code, message string)
	queue     []*responseChunk
}

func newRespBuffer(vars *variables.Store, flush func(string, bool), softError func(code, message string)) *respBuffer {
	return &respBuffer{vars: vars, flush: flush, softError: softError}
}

// Push accepts the next chunk in declaration order and flushes as much of the
// queue head as is currently resolvable.
func (b *respBuffer) Push(text string, final bool) {
	waiting := make(map[string]bool)
	for _, key := range variables.Refs(text) {
		if b.vars.Contains(key) {
			continue
		}
		if _, failed := b.vars.Failure(key); failed {
			continue
		}
		waiting[key] = true
	}
	b.queue = append(b.queue, &responseChunk{text: text, final: final, waiting: waiting})
	b.flushReady()
}

// NotifyKey unblocks chunks waiting on a key that now has a value.
func (b *respBuffer) NotifyKey(key string) { b.release(key) }

// FailKey unblocks chunks waiting on a key whose producer failed; the
// reference renders as a placeholder.
func (b *respBuffer) FailKey(key string) { b.release(key) }

func (b *respBuffer) release(key string) {
	for _, c := range b.queue {
		delete(c.waiting, key)
	}
	b.flushReady()
}

// Refresh re-checks every held chunk against the store. Catches keys bound
// outside the output_key path, such as a set_variable internal action.
func (b *respBuffer) Refresh() {
	for _, c := range b.queue {
		for key := range c.waiting {
			if b.vars.Contains(key) {
				delete(c.waiting, key)
				continue
			}
			if _, failed := b.vars.Failure(key); failed {
				delete(c.waiting, key)
			}
		}
	}
	b.flushReady()
}

func (b *respBuffer) flushReady() {
	for len(b.queue) > 0 && len(b.queue[0].waiting) == 0 {
		c := b.queue[0]
		b.queue = b.queue[1:]
		b.flush(b.render(c.text), c.final)
	}
}

// FlushRemaining drains the queue regardless of outstanding references.
// Called at iteration end, when nothing can resolve them anymore.
func (b *respBuffer) FlushRemaining() {
	rest := b.queue
	b.queue = nil
	for _, c := range rest {
		b.flush(b.render(c.text), c.final)
	}
}

// Pending reports how many chunks are held.
func (b *respBuffer) Pending() int { return len(b.queue) }

// render substitutes every reference in text. Keys without a value render as
// a placeholder and report a soft error naming the cause.
func (b *respBuffer) render(text string) string {
	out, _ := variables.Interpolate(text, func(key string) (any, bool) {
		if v, ok := b.vars.Lookup(key); ok {
			return v, true
		}
		if err, failed := b.vars.Failure(key); failed {
			b.softError(event.CodeVariableErrored,
				fmt.Sprintf("response references $%s, whose producer failed: %v", key, err))
		} else {
			b.softError(event.CodeUnresolvedRef,
				fmt.Sprintf("response references $%s, which has no value", key))
		}
		return "[unavailable: $" + key + "]", true
	})
	return out
}
