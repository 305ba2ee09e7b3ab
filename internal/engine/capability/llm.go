package capability

import (
	"context"

	"cortex/internal/llm"
	"cortex/internal/logging"
)

// llmAdapter runs a sub-prompt against the LLM backend. Scheduled like any
// other action; the result value is the completion text.
type llmAdapter struct {
	client llm.Client
	logger logging.Logger
}

// NewLLMAdapter returns the adapter for kind "llm".
func NewLLMAdapter(client llm.Client) Adapter {
	return &llmAdapter{
		client: client,
		logger: logging.NewComponentLogger("capability.llm"),
	}
}

func (a *llmAdapter) Kind() string { return KindLLM }

func (a *llmAdapter) Invoke(ctx context.Context, inv Invocation) Result {
	prompt := stringParam(inv.Parameters, "prompt")
	if prompt == "" {
		// The action name doubles as the prompt when no parameter names one.
		prompt = inv.Name
	}
	if prompt == "" {
		return Fail(false, "llm action needs a prompt parameter")
	}

	req := llm.Request{
		System:   stringParam(inv.Parameters, "system"),
		Messages: []llm.Message{{Role: "user", Content: prompt}},
	}
	if temp, ok := floatParam(inv.Parameters, "temperature"); ok {
		req.Temperature = temp
	}
	if max, ok := floatParam(inv.Parameters, "max_tokens"); ok && max > 0 {
		req.MaxTokens = int(max)
	}

	completion, err := a.client.StreamCompletion(ctx, req, llm.StreamCallbacks{})
	if err != nil {
		return FromError(err)
	}
	a.logger.Debug("Sub-prompt for action %s returned %d chars", inv.ActionID, len(completion.Content))
	return OK(completion.Content)
}

func stringParam(params map[string]any, key string) string {
	if params == nil {
		return ""
	}
	s, _ := params[key].(string)
	return s
}

func floatParam(params map[string]any, key string) (float64, bool) {
	if params == nil {
		return 0, false
	}
	switch v := params[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}
