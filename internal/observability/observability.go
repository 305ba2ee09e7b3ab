// Package observability wires metrics and tracing for the server process.
// Engine-level measurements are derived from the event stream at the
// transport rim; the engine core carries no metric or span plumbing.
package observability

import (
	"context"
	"time"

	"cortex/internal/config"
	"cortex/internal/logging"
)

// Observability bundles the process-wide collectors.
type Observability struct {
	Metrics *Metrics
	Engine  *EngineMetrics
	Tracer  *TracerProvider
}

// Setup builds the observability stack from the environment. Metrics are
// always on; tracing only when CORTEX_TRACING_ENABLED is set.
func Setup(env *config.Env) (*Observability, error) {
	metrics, err := NewMetrics()
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracerProvider(TracingConfig{
		Enabled:     env.TracingEnabled,
		Exporter:    env.TracingExporter,
		Endpoint:    env.TracingEndpoint,
		ServiceName: "cortex",
	})
	if err != nil {
		return nil, err
	}

	return &Observability{
		Metrics: metrics,
		Engine:  NewEngineMetrics(),
		Tracer:  tracer,
	}, nil
}

// Shutdown flushes pending telemetry.
func (o *Observability) Shutdown(ctx context.Context) error {
	if o == nil {
		return nil
	}
	return o.Tracer.Shutdown(ctx)
}

// Init best-effort initializes observability and returns a cleanup hook.
// Failures disable telemetry instead of failing startup.
func Init(env *config.Env, logger logging.Logger) (*Observability, func()) {
	obs, err := Setup(env)
	if err != nil {
		logging.OrNop(logger).Warn("Observability disabled: %v", err)
		return nil, func() {}
	}

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(ctx); err != nil {
			logging.OrNop(logger).Warn("Observability shutdown error: %v", err)
		}
	}
	return obs, cleanup
}
