package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"cortex/internal/errors"
)

func sseHandler(t *testing.T, lines []string, inspect func(r *http.Request, body map[string]any)) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		if inspect != nil {
			inspect(r, body)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			fmt.Fprintf(w, "data: %s\n\n", line)
		}
	}
}

func TestOpenAIClientStreamsDeltas(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(sseHandler(t, []string{
		`{"choices":[{"delta":{"content":"Hel"}}]}`,
		`{"choices":[{"delta":{"content":"lo"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":2,"total_tokens":12}}`,
		`[DONE]`,
	}, func(r *http.Request, body map[string]any) {
		gotAuth = r.Header.Get("Authorization")
		gotBody = body
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q, want /chat/completions", r.URL.Path)
		}
	}))
	defer srv.Close()

	client := NewOpenAIClient(srv.URL, "sk-test", "gpt-test")

	var deltas []string
	result, err := client.StreamCompletion(context.Background(), Request{
		System:      "be brief",
		Messages:    []Message{{Role: "user", Content: "hi"}},
		Temperature: 0.3,
	}, StreamCallbacks{OnDelta: func(chunk string) error {
		deltas = append(deltas, chunk)
		return nil
	}})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}

	if result.Content != "Hello" {
		t.Errorf("content = %q, want %q", result.Content, "Hello")
	}
	if result.FinishReason != "stop" {
		t.Errorf("finish reason = %q, want stop", result.FinishReason)
	}
	if result.Usage.TotalTokens != 12 {
		t.Errorf("total tokens = %d, want 12", result.Usage.TotalTokens)
	}
	if len(deltas) != 2 || deltas[0] != "Hel" || deltas[1] != "lo" {
		t.Errorf("deltas = %v", deltas)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotBody["model"] != "gpt-test" {
		t.Errorf("model = %v", gotBody["model"])
	}
	if gotBody["stream"] != true {
		t.Errorf("stream = %v, want true", gotBody["stream"])
	}
	msgs, ok := gotBody["messages"].([]any)
	if !ok || len(msgs) != 2 {
		t.Fatalf("messages = %v", gotBody["messages"])
	}
	first := msgs[0].(map[string]any)
	if first["role"] != "system" || first["content"] != "be brief" {
		t.Errorf("first message = %v, want system prompt", first)
	}
}

func TestOpenAIClientErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"rate limited"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewOpenAIClient(srv.URL, "sk-test", "gpt-test")
	_, err := client.StreamCompletion(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	}, StreamCallbacks{})
	if err == nil {
		t.Fatal("expected error for 429 response")
	}
	if !errors.IsTransient(err) {
		t.Errorf("429 should classify as transient, got %v", err)
	}
}

func TestOpenAIClientStreamError(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t, []string{
		`{"choices":[{"delta":{"content":"par"}}]}`,
		`{"error":{"message":"backend exploded"}}`,
	}, nil))
	defer srv.Close()

	client := NewOpenAIClient(srv.URL, "", "gpt-test")
	_, err := client.StreamCompletion(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	}, StreamCallbacks{})
	if err == nil || !strings.Contains(err.Error(), "backend exploded") {
		t.Fatalf("err = %v, want backend error surfaced", err)
	}
}

func TestGatewayClientStreamsContent(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(sseHandler(t, []string{
		`{"content":"one "}`,
		`{"content":"two"}`,
		`{"done":true}`,
	}, func(r *http.Request, body map[string]any) {
		gotBody = body
		if r.URL.Path != "/completion" {
			t.Errorf("path = %q, want /completion", r.URL.Path)
		}
	}))
	defer srv.Close()

	client := NewGatewayClient(srv.URL, "anthropic", "claude-test")
	var deltas []string
	result, err := client.StreamCompletion(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	}, StreamCallbacks{OnDelta: func(chunk string) error {
		deltas = append(deltas, chunk)
		return nil
	}})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	if result.Content != "one two" {
		t.Errorf("content = %q", result.Content)
	}
	if len(deltas) != 2 {
		t.Errorf("deltas = %v", deltas)
	}
	if gotBody["provider"] != "anthropic" {
		t.Errorf("provider = %v, want anthropic", gotBody["provider"])
	}
	if gotBody["stream"] != true {
		t.Errorf("stream = %v, want true", gotBody["stream"])
	}
}

func TestGatewayClientSurfacesError(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t, []string{
		`{"content":"partial"}`,
		`{"error":"upstream timeout"}`,
	}, nil))
	defer srv.Close()

	client := NewGatewayClient(srv.URL, "openai", "gpt-test")
	_, err := client.StreamCompletion(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	}, StreamCallbacks{})
	if err == nil || !strings.Contains(err.Error(), "upstream timeout") {
		t.Fatalf("err = %v, want gateway error surfaced", err)
	}
}

func TestRetryClientRetriesBeforeFirstDelta(t *testing.T) {
	failures := 2
	inner := &flakyClient{failuresBeforeSuccess: &failures, text: "ok"}
	client := &retryClient{
		inner:   inner,
		breaker: errors.NewCircuitBreaker("test", errors.DefaultCircuitBreakerConfig()),
		config: errors.RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
		},
	}

	result, err := client.StreamCompletion(context.Background(), Request{}, StreamCallbacks{})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	if result.Content != "ok" {
		t.Errorf("content = %q", result.Content)
	}
	if inner.calls != 3 {
		t.Errorf("calls = %d, want 3 (two failures then success)", inner.calls)
	}
}

func TestRetryClientDoesNotRetryAfterPartialOutput(t *testing.T) {
	inner := &flakyClient{failAfterDelta: true, text: "will fail"}
	client := &retryClient{
		inner:   inner,
		breaker: errors.NewCircuitBreaker("test", errors.DefaultCircuitBreakerConfig()),
		config: errors.RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
		},
	}

	_, err := client.StreamCompletion(context.Background(), Request{}, StreamCallbacks{})
	if err == nil {
		t.Fatal("expected error")
	}
	if inner.calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry after partial stream)", inner.calls)
	}
}

// flakyClient fails a configurable number of times before succeeding, or
// fails right after emitting a delta.
type flakyClient struct {
	failuresBeforeSuccess *int
	failAfterDelta        bool
	text                  string
	calls                 int
}

func (f *flakyClient) Model() string { return "flaky" }

func (f *flakyClient) StreamCompletion(ctx context.Context, req Request, cb StreamCallbacks) (*Completion, error) {
	f.calls++
	if f.failAfterDelta {
		if cb.OnDelta != nil {
			_ = cb.OnDelta("partial")
		}
		return nil, errors.NewTransientError(fmt.Errorf("connection reset"), "stream broke")
	}
	if f.failuresBeforeSuccess != nil && *f.failuresBeforeSuccess > 0 {
		*f.failuresBeforeSuccess--
		return nil, errors.NewTransientError(fmt.Errorf("dial refused"), "transport down")
	}
	if cb.OnDelta != nil {
		if err := cb.OnDelta(f.text); err != nil {
			return nil, err
		}
	}
	return &Completion{Content: f.text, FinishReason: "stop"}, nil
}

func TestScriptedClientChunksRunes(t *testing.T) {
	client := NewScriptedClient("héllo wörld, this is streamed")
	client.SetChunkSize(4)

	var deltas []string
	result, err := client.StreamCompletion(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "go"}},
	}, StreamCallbacks{OnDelta: func(chunk string) error {
		deltas = append(deltas, chunk)
		return nil
	}})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	if joined := strings.Join(deltas, ""); joined != result.Content {
		t.Errorf("joined deltas %q != content %q", joined, result.Content)
	}
	if len(deltas) < 2 {
		t.Errorf("expected multiple chunks, got %d", len(deltas))
	}
	if client.Calls() != 1 {
		t.Errorf("calls = %d", client.Calls())
	}
}

func TestScriptedClientExhaustion(t *testing.T) {
	client := NewScriptedClient("only one")
	if _, err := client.StreamCompletion(context.Background(), Request{}, StreamCallbacks{}); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if _, err := client.StreamCompletion(context.Background(), Request{}, StreamCallbacks{}); err == nil {
		t.Fatal("expected exhaustion error on second call")
	}
}
