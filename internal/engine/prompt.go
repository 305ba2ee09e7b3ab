package engine

import (
	"fmt"
	"strings"

	"cortex/internal/engine/event"
	"cortex/internal/engine/feeds"
	"cortex/internal/engine/variables"
	"cortex/internal/token"
)

// Delimiters for the feed block interpolated into the system prompt. The
// parser never sees these; they exist so the model can tell injected data
// from its own instructions.
const (
	feedBlockOpen  = "<context_feeds>"
	feedBlockClose = "</context_feeds>"
)

// protocolInstructions teaches the model the exact grammar the parser
// accepts. Tests exercise the parser against the same tag set.
const protocolInstructions = `## Output protocol

Respond using these tags. Text outside any tag is discarded.

<thought>Private reasoning. May embed <action> tags; the surrounding text keeps streaming.</thought>
<response final="true|false">Text shown to the user. final defaults to true; use final="false" to request another turn after your actions finish.</response>
<action type="tool|agent|relic|workflow|llm|internal" mode="sync|async|fire_and_forget" id="unique-id">{"name": "...", "parameters": {...}, "output_key": "key", "depends_on": ["id"], "timeout": 30, "retry": 1, "on_error": "cancel|continue"}</action>
<context_feed id="feed-id">Replacement value for a declared feed.</context_feed>
<metadata>{"field": "value"}</metadata>

Rules:
- Action bodies are JSON. name is required; everything else is optional.
- An action's result binds to its output_key. Reference it later as $key or ${key}, in parameters or in response text. References to keys produced by earlier actions are resolved before use.
- depends_on may only name actions declared earlier in this same turn.
- mode sync runs actions one at a time in order; async runs them concurrently; fire_and_forget detaches the action entirely - it cannot bind an output_key or declare depends_on.
- metadata bodies are partial JSON objects validated against the declared schema.`

type promptInputs struct {
	persona     string
	feeds       []feeds.Injected
	metadata    string
	corrections []event.SoftErrorEvent
}

// buildSystemPrompt assembles persona, protocol grammar, the feed snapshot,
// metadata state, and any corrections from the previous iteration.
func buildSystemPrompt(in promptInputs) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(in.persona))
	b.WriteString("\n\n")
	b.WriteString(protocolInstructions)

	if len(in.feeds) > 0 {
		b.WriteString("\n\n## Live context\n")
		b.WriteString(feedBlockOpen)
		b.WriteString("\n")
		for _, f := range in.feeds {
			fmt.Fprintf(&b, "<feed id=%q>\n%s\n</feed>\n", f.ID, f.Value)
		}
		b.WriteString(feedBlockClose)
	}

	if in.metadata != "" && in.metadata != "{}" {
		b.WriteString("\n\n## Session metadata\n")
		b.WriteString(in.metadata)
	}

	if len(in.corrections) > 0 {
		b.WriteString("\n\n## Corrections\nYour previous turn had protocol problems. Fix them this turn:\n")
		for _, c := range in.corrections {
			fmt.Fprintf(&b, "- [%s] %s\n", c.Code, c.Message)
		}
	}

	return b.String()
}

// continuationValueTokens caps how much of one action result is echoed back
// into the conversation, measured with the model tokenizer.
const (
	continuationValueTokens = 500
	valueTruncationMarker   = "… [truncated]"
)

// continuationMessage summarizes an iteration's action outcomes for the next
// turn. Sent as a user message, the way runner output is conventionally fed
// back to a model.
func continuationMessage(n int, notes []actionNote) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[iteration %d results]\n", n)
	if len(notes) == 0 {
		b.WriteString("No actions were executed.\n")
	}
	for _, note := range notes {
		fmt.Fprintf(&b, "- %s (%s): %s", note.id, note.name, note.status)
		switch {
		case note.status == event.StatusOK:
			rendered := renderNoteValue(note.value)
			if rendered != "" {
				b.WriteString(" -> ")
				b.WriteString(rendered)
			}
		case note.errMsg != "":
			b.WriteString(": ")
			b.WriteString(note.errMsg)
		}
		b.WriteString("\n")
	}
	b.WriteString("Continue the task. Produce a final response when done.")
	return b.String()
}

func renderNoteValue(v any) string {
	if v == nil {
		return ""
	}
	s := variables.Render(v)
	s, _ = token.TruncateTokens(s, continuationValueTokens, valueTruncationMarker)
	return s
}
