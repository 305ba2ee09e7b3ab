package observability

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics records session and LLM measurements through the OTel metric API,
// exported in Prometheus format alongside the engine counters. Engine-level
// counters live in EngineMetrics; this type covers everything with a sessions
// or model-call granularity.
type Metrics struct {
	meter metric.Meter

	llmRequests     metric.Int64Counter
	llmTokensInput  metric.Int64Counter
	llmTokensOutput metric.Int64Counter
	llmLatency      metric.Float64Histogram

	sessionsActive metric.Int64UpDownCounter
	runsTotal      metric.Int64Counter
}

// NewMetrics builds the collector on the default Prometheus registry.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegisterer lets tests provide a dedicated registry.
func NewMetricsWithRegisterer(reg prometheus.Registerer) (*Metrics, error) {
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	meter := provider.Meter("cortex")

	llmRequests, err := meter.Int64Counter(
		"cortex.llm.requests.total",
		metric.WithDescription("Total number of LLM stream requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("llm request counter: %w", err)
	}

	llmTokensInput, err := meter.Int64Counter(
		"cortex.llm.tokens.input",
		metric.WithDescription("Total prompt tokens sent to the model"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("input token counter: %w", err)
	}

	llmTokensOutput, err := meter.Int64Counter(
		"cortex.llm.tokens.output",
		metric.WithDescription("Total completion tokens received from the model"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("output token counter: %w", err)
	}

	llmLatency, err := meter.Float64Histogram(
		"cortex.llm.latency",
		metric.WithDescription("Full-stream LLM request latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("llm latency histogram: %w", err)
	}

	sessionsActive, err := meter.Int64UpDownCounter(
		"cortex.sessions.active",
		metric.WithDescription("Number of live sessions"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("active sessions gauge: %w", err)
	}

	runsTotal, err := meter.Int64Counter(
		"cortex.sessions.runs.total",
		metric.WithDescription("Total completed runs by terminal status"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("runs counter: %w", err)
	}

	return &Metrics{
		meter:           meter,
		llmRequests:     llmRequests,
		llmTokensInput:  llmTokensInput,
		llmTokensOutput: llmTokensOutput,
		llmLatency:      llmLatency,
		sessionsActive:  sessionsActive,
		runsTotal:       runsTotal,
	}, nil
}

// RecordLLMRequest records one full streamed completion.
func (m *Metrics) RecordLLMRequest(ctx context.Context, model, status string, latency time.Duration, inputTokens, outputTokens int) {
	if m == nil || m.llmRequests == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("model", model),
		attribute.String("status", status),
	}

	m.llmRequests.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.llmTokensInput.Add(ctx, int64(inputTokens), metric.WithAttributes(attribute.String("model", model)))
	m.llmTokensOutput.Add(ctx, int64(outputTokens), metric.WithAttributes(attribute.String("model", model)))
	m.llmLatency.Record(ctx, latency.Seconds(), metric.WithAttributes(attrs...))
}

// RecordRunEnd counts a finished run by its terminal status.
func (m *Metrics) RecordRunEnd(ctx context.Context, status string) {
	if m == nil || m.runsTotal == nil {
		return
	}
	m.runsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// IncrementActiveSessions bumps the live session gauge.
func (m *Metrics) IncrementActiveSessions(ctx context.Context) {
	if m == nil || m.sessionsActive == nil {
		return
	}
	m.sessionsActive.Add(ctx, 1)
}

// DecrementActiveSessions drops the live session gauge.
func (m *Metrics) DecrementActiveSessions(ctx context.Context) {
	if m == nil || m.sessionsActive == nil {
		return
	}
	m.sessionsActive.Add(ctx, -1)
}
