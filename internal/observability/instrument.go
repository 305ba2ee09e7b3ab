package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"cortex/internal/llm"
)

// instrumentedClient records a span and a metric sample for every streamed
// completion. It sits outside the retry wrapper so each attempt is visible.
type instrumentedClient struct {
	inner llm.Client
	obs   *Observability
}

// InstrumentLLM wraps a client with per-call metrics and tracing. A nil obs
// returns the client unchanged.
func InstrumentLLM(inner llm.Client, obs *Observability) llm.Client {
	if obs == nil {
		return inner
	}
	return &instrumentedClient{inner: inner, obs: obs}
}

func (c *instrumentedClient) Model() string { return c.inner.Model() }

func (c *instrumentedClient) StreamCompletion(ctx context.Context, req llm.Request, cb llm.StreamCallbacks) (*llm.Completion, error) {
	ctx, span := c.obs.Tracer.StartSpan(ctx, SpanLLMStream,
		attribute.String(AttrModel, c.inner.Model()))
	defer span.End()

	start := time.Now()
	res, err := c.inner.StreamCompletion(ctx, req, cb)
	latency := time.Since(start)

	status := "ok"
	if err != nil {
		status = "error"
		if ctx.Err() != nil {
			status = "cancelled"
		}
		span.SetAttributes(ErrorAttrs(err)...)
	}

	var inTokens, outTokens int
	if res != nil {
		inTokens = res.Usage.PromptTokens
		outTokens = res.Usage.CompletionTokens
	}
	span.SetAttributes(
		attribute.String(AttrStatus, status),
		attribute.Int(AttrInputTokens, inTokens),
		attribute.Int(AttrOutputTokens, outTokens),
	)
	c.obs.Metrics.RecordLLMRequest(ctx, c.inner.Model(), status, latency, inTokens, outTokens)
	return res, err
}
