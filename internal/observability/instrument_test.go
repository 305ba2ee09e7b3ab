package observability

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"cortex/internal/llm"
)

func testObservability(t *testing.T) (*Observability, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics, err := NewMetricsWithRegisterer(reg)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	tracer, err := NewTracerProvider(TracingConfig{Enabled: false})
	if err != nil {
		t.Fatalf("tracer: %v", err)
	}
	return &Observability{
		Metrics: metrics,
		Engine:  NewEngineMetricsWithRegisterer(reg),
		Tracer:  tracer,
	}, reg
}

func TestInstrumentLLMPassesThrough(t *testing.T) {
	obs, reg := testObservability(t)
	inner := llm.NewScriptedClient("hello world")
	client := InstrumentLLM(inner, obs)

	if client.Model() != "scripted" {
		t.Errorf("model = %q", client.Model())
	}

	var got strings.Builder
	res, err := client.StreamCompletion(context.Background(), llm.Request{}, llm.StreamCallbacks{
		OnDelta: func(chunk string) error { got.WriteString(chunk); return nil },
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if res.Content != "hello world" || got.String() != "hello world" {
		t.Errorf("content = %q, streamed = %q", res.Content, got.String())
	}
	if inner.Calls() != 1 {
		t.Errorf("inner calls = %d", inner.Calls())
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, f := range families {
		if strings.Contains(f.GetName(), "cortex_llm_requests") {
			found = true
		}
	}
	if !found {
		names := make([]string, 0, len(families))
		for _, f := range families {
			names = append(names, f.GetName())
		}
		t.Errorf("llm request counter not exported; families: %v", names)
	}
}

func TestInstrumentLLMPropagatesErrors(t *testing.T) {
	obs, _ := testObservability(t)
	inner := llm.NewScriptedClient()
	inner.AddError(fmt.Errorf("backend down"))
	client := InstrumentLLM(inner, obs)

	if _, err := client.StreamCompletion(context.Background(), llm.Request{}, llm.StreamCallbacks{}); err == nil {
		t.Fatal("expected the inner error")
	}
}

func TestInstrumentLLMNilObservability(t *testing.T) {
	inner := llm.NewScriptedClient("x")
	if got := InstrumentLLM(inner, nil); got != llm.Client(inner) {
		t.Error("nil observability must return the client unchanged")
	}
}
