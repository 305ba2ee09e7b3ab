// Package llm abstracts the model backends that produce the protocol
// stream. Two real transports are supported behind one interface: direct
// OpenAI-compatible HTTP and the gateway-mediated variant.
package llm

import (
	"context"
	"net/http"
	"time"

	"cortex/internal/config"
)

// Message is one turn of conversation history.
type Message struct {
	Role    string `json:"role"` // system|user|assistant
	Content string `json:"content"`
}

// Request is a single completion request. System is kept separate from
// Messages so transports can place it according to their own conventions.
type Request struct {
	System      string
	Messages    []Message
	Model       string
	Temperature float64
	TopP        float64
	MaxTokens   int
}

// Usage is the token accounting reported by the backend, when available.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is the aggregated result of a streamed request.
type Completion struct {
	Content      string
	FinishReason string
	Usage        Usage
}

// StreamCallbacks receives incremental output. OnDelta is invoked from the
// transport goroutine in arrival order; returning an error aborts the
// stream.
type StreamCallbacks struct {
	OnDelta func(chunk string) error
}

// Client streams completions. Implementations must honor ctx cancellation
// between deltas.
type Client interface {
	StreamCompletion(ctx context.Context, req Request, cb StreamCallbacks) (*Completion, error)
	Model() string
}

// NewFromEnv builds the configured client chain: transport selected by
// CORTEX_LLM_PROVIDER, wrapped with retry and a circuit breaker.
func NewFromEnv(env *config.Env) Client {
	var inner Client
	if env.LLMProvider == "gateway" && env.GatewayURL != "" {
		inner = NewGatewayClient(env.GatewayURL, env.GatewayProvider, env.LLMModel)
	} else {
		inner = NewOpenAIClient(env.LLMBaseURL, env.LLMAPIKey, env.LLMModel)
	}
	return WrapWithRetry(inner)
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}
