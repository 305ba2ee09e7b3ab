// Package event defines the typed events the engine multiplexes into one
// ordered stream, plus the frame envelope consumers receive.
package event

import "time"

// Stream event type names, one per frame type a consumer can receive.
const (
	TypeThoughtChunk      = "thought-chunk"
	TypeResponseChunk     = "response-chunk"
	TypeActionStart       = "action-start"
	TypeActionComplete    = "action-complete"
	TypeContextFeedUpdate = "context-feed-update"
	TypeMetadataUpdate    = "metadata-update"
	TypeSoftError         = "soft-error"
	TypeIterationBoundary = "iteration-boundary"
	TypeIterationError    = "iteration-error"
	TypeSessionEnd        = "session-end"
)

// Soft-error codes surfaced in SoftErrorEvent and the next iteration's prompt.
const (
	CodeMalformedTag      = "malformed_tag"
	CodeMalformedAction   = "malformed_action"
	CodeUnknownTag        = "unknown_tag"
	CodeMisplacedTag      = "misplaced_tag"
	CodeStrayContent      = "stray_content"
	CodeUnterminated      = "unterminated_tag"
	CodeDuplicateAction   = "duplicate_action_id"
	CodeDuplicateKey      = "duplicate_output_key"
	CodeUnresolvedRef     = "unresolved_reference"
	CodeDetachedOutput    = "detached_output_key"
	CodeDetachedDeps      = "detached_depends_on"
	CodeInvalidMetadata   = "invalid_metadata"
	CodeUnknownField      = "unknown_metadata_field"
	CodeFeedTruncated     = "feed_truncated"
	CodeFeedError         = "feed_error"
	CodeSecondFinal       = "duplicate_final_response"
	CodeIterationCap      = "iteration_cap_exceeded"
	CodeVariableErrored   = "variable_producer_failed"
)

// Terminal action statuses carried by ActionCompleteEvent.
const (
	StatusOK        = "ok"
	StatusError     = "error"
	StatusTimeout   = "timeout"
	StatusCancelled = "cancelled"
)

// Event is implemented by every stream event payload.
type Event interface {
	EventType() string
}

// Frame is the envelope written to the consumer: monotonic sequence number,
// event type, and the type-specific payload.
type Frame struct {
	Seq       uint64    `json:"seq"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"ts"`
	Payload   Event     `json:"payload"`
}

// Sink receives events for sequencing and delivery. The emitter implements it;
// components hold it so tests can substitute a recorder.
type Sink interface {
	Emit(Event)
}

// ThoughtChunkEvent - a run of thought text as it streams in
type ThoughtChunkEvent struct {
	Iteration int    `json:"iteration"`
	Text      string `json:"text"`
}

func (e ThoughtChunkEvent) EventType() string { return TypeThoughtChunk }

// ResponseChunkEvent - a run of response text, flushed in declaration order
type ResponseChunkEvent struct {
	Iteration int    `json:"iteration"`
	Text      string `json:"text"`
	Final     bool   `json:"final"`
}

func (e ResponseChunkEvent) EventType() string { return TypeResponseChunk }

// ActionStartEvent - emitted when the parser hands over an action descriptor
type ActionStartEvent struct {
	Iteration int      `json:"iteration"`
	ActionID  string   `json:"action_id"`
	Kind      string   `json:"kind"`
	Mode      string   `json:"mode"`
	Name      string   `json:"name"`
	OutputKey string   `json:"output_key,omitempty"`
	DependsOn []string `json:"depends_on,omitempty"`
	InThought bool     `json:"in_thought,omitempty"`
}

func (e ActionStartEvent) EventType() string { return TypeActionStart }

// ActionCompleteEvent - exactly one per accepted descriptor, any terminal status
type ActionCompleteEvent struct {
	Iteration  int    `json:"iteration"`
	ActionID   string `json:"action_id"`
	Name       string `json:"name"`
	Status     string `json:"status"` // ok|error|timeout|cancelled
	Value      any    `json:"value,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

func (e ActionCompleteEvent) EventType() string { return TypeActionComplete }

// ContextFeedUpdateEvent - feed value injected, refreshed, overridden, or added
type ContextFeedUpdateEvent struct {
	Iteration int    `json:"iteration,omitempty"`
	FeedID    string `json:"feed_id"`
	Value     string `json:"value"`
	Cause     string `json:"cause"` // injection|refresh|override|added|updated
}

func (e ContextFeedUpdateEvent) EventType() string { return TypeContextFeedUpdate }

// MetadataUpdateEvent - emitted eagerly after each applied metadata commit
type MetadataUpdateEvent struct {
	Iteration int            `json:"iteration"`
	Applied   map[string]any `json:"applied"`
	State     map[string]any `json:"state"`
}

func (e MetadataUpdateEvent) EventType() string { return TypeMetadataUpdate }

// SoftErrorEvent - non-fatal condition; also queued for the next prompt
type SoftErrorEvent struct {
	Iteration int    `json:"iteration"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Detail    string `json:"detail,omitempty"`
}

func (e SoftErrorEvent) EventType() string { return TypeSoftError }

// IterationBoundaryEvent - separates iterations in the stream
type IterationBoundaryEvent struct {
	Iteration int    `json:"iteration"`
	Phase     string `json:"phase"` // start|end
}

func (e IterationBoundaryEvent) EventType() string { return TypeIterationBoundary }

// IterationErrorEvent - iteration-fatal condition; the session may continue
type IterationErrorEvent struct {
	Iteration int    `json:"iteration"`
	Reason    string `json:"reason"` // cycle|parser|cap
	Message   string `json:"message"`
}

func (e IterationErrorEvent) EventType() string { return TypeIterationError }

// SessionEndEvent - terminal frame; Status "error" marks session-fatal ends
type SessionEndEvent struct {
	Status     string `json:"status"` // done|error|cancelled
	Reason     string `json:"reason,omitempty"`
	Iterations int    `json:"iterations"`
	Answer     string `json:"answer,omitempty"`
}

func (e SessionEndEvent) EventType() string { return TypeSessionEnd }
