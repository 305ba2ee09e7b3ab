package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"cortex/internal/engine/event"
)

// FrameTracer derives spans from one session's ordered frame flow: a span per
// run, per iteration, and per action, nested run > iteration > action. Span
// boundaries use the frame timestamps, so the lag between emission and
// observation does not distort durations.
//
// Observe must be called from a single goroutine, in frame order. The
// broadcaster pump satisfies both.
type FrameTracer struct {
	tracer    trace.Tracer
	sessionID string
	agent     string

	runCtx  context.Context
	runSpan trace.Span

	iterCtx  context.Context
	iterSpan trace.Span

	actions map[string]trace.Span
}

// NewFrameTracer builds a tracer for one session's stream.
func NewFrameTracer(tp *TracerProvider, sessionID, agent string) *FrameTracer {
	return &FrameTracer{
		tracer:    tp.Tracer(),
		sessionID: sessionID,
		agent:     agent,
		actions:   make(map[string]trace.Span),
	}
}

// Observe folds one frame into the span tree.
func (t *FrameTracer) Observe(f event.Frame) {
	if t == nil {
		return
	}
	switch p := f.Payload.(type) {
	case event.IterationBoundaryEvent:
		if p.Phase == "start" {
			t.ensureRun(f)
			t.iterCtx, t.iterSpan = t.tracer.Start(t.runCtx, SpanIteration,
				trace.WithTimestamp(f.Timestamp),
				trace.WithAttributes(attribute.Int(AttrIteration, p.Iteration)),
			)
			return
		}
		if t.iterSpan != nil {
			t.iterSpan.End(trace.WithTimestamp(f.Timestamp))
			t.iterSpan = nil
			t.iterCtx = nil
		}

	case event.ActionStartEvent:
		t.ensureRun(f)
		parent := t.iterCtx
		if parent == nil {
			parent = t.runCtx
		}
		_, span := t.tracer.Start(parent, SpanActionDispatch,
			trace.WithTimestamp(f.Timestamp),
			trace.WithAttributes(
				attribute.String(AttrActionID, p.ActionID),
				attribute.String(AttrActionKind, p.Kind),
				attribute.String(AttrActionMode, p.Mode),
				attribute.String(AttrActionName, p.Name),
			),
		)
		t.actions[p.ActionID] = span

	case event.ActionCompleteEvent:
		span, ok := t.actions[p.ActionID]
		if !ok {
			// Detached action from an earlier run; its span closed with that run.
			return
		}
		delete(t.actions, p.ActionID)
		span.SetAttributes(attribute.String(AttrStatus, p.Status))
		if p.Error != "" {
			span.SetAttributes(attribute.Bool(AttrError, true), attribute.String("error.message", p.Error))
		}
		span.End(trace.WithTimestamp(f.Timestamp))

	case event.IterationErrorEvent:
		if t.iterSpan != nil {
			t.iterSpan.SetAttributes(
				attribute.Bool(AttrError, true),
				attribute.String("error.reason", p.Reason),
				attribute.String("error.message", p.Message),
			)
		}

	case event.SessionEndEvent:
		for id, span := range t.actions {
			span.End(trace.WithTimestamp(f.Timestamp))
			delete(t.actions, id)
		}
		if t.iterSpan != nil {
			t.iterSpan.End(trace.WithTimestamp(f.Timestamp))
			t.iterSpan = nil
			t.iterCtx = nil
		}
		if t.runSpan != nil {
			t.runSpan.SetAttributes(attribute.String(AttrStatus, p.Status))
			if p.Reason != "" {
				t.runSpan.SetAttributes(attribute.String("cortex.reason", p.Reason))
			}
			t.runSpan.End(trace.WithTimestamp(f.Timestamp))
			t.runSpan = nil
			t.runCtx = nil
		}
	}
}

// ensureRun opens the run span lazily, so frames emitted between runs (feed
// refreshes) never start one.
func (t *FrameTracer) ensureRun(f event.Frame) {
	if t.runSpan != nil {
		return
	}
	t.runCtx, t.runSpan = t.tracer.Start(context.Background(), SpanSessionRun,
		trace.WithTimestamp(f.Timestamp),
		trace.WithAttributes(
			attribute.String(AttrSessionID, t.sessionID),
			attribute.String(AttrAgent, t.agent),
		),
	)
}
