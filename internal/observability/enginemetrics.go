package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"cortex/internal/engine/event"
)

// EngineMetrics tracks health of the streaming execution engine, derived
// entirely from the ordered frame flow. One ObserveFrame call per delivered
// frame is enough; the engine itself stays free of metric plumbing.
type EngineMetrics struct {
	iterations      prometheus.Counter
	iterationErrors prometheus.CounterVec
	actions         prometheus.CounterVec
	actionDuration  prometheus.HistogramVec
	softErrors      prometheus.CounterVec
	frames          prometheus.CounterVec
	feedUpdates     prometheus.CounterVec
	droppedFrames   prometheus.Counter
	subscribers     prometheus.Gauge
}

var (
	defaultEngineMetrics     *EngineMetrics
	defaultEngineMetricsOnce sync.Once
)

// NewEngineMetrics builds the recorder on the default registry. Safe to call
// more than once; every caller shares the same collectors.
func NewEngineMetrics() *EngineMetrics {
	defaultEngineMetricsOnce.Do(func() {
		defaultEngineMetrics = newEngineMetrics(prometheus.DefaultRegisterer)
	})
	return defaultEngineMetrics
}

// NewEngineMetricsWithRegisterer lets tests provide a dedicated registry.
func NewEngineMetricsWithRegisterer(reg prometheus.Registerer) *EngineMetrics {
	return newEngineMetrics(reg)
}

func newEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &EngineMetrics{
		iterations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cortex",
			Subsystem: "engine",
			Name:      "iterations_total",
			Help:      "Number of iterations started across all sessions",
		}),
		iterationErrors: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cortex",
			Subsystem: "engine",
			Name:      "iteration_errors_total",
			Help:      "Iteration-fatal conditions by reason (cycle, parser, cap)",
		}, []string{"reason"}),
		actions: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cortex",
			Subsystem: "engine",
			Name:      "actions_total",
			Help:      "Completed actions by terminal status",
		}, []string{"status"}),
		actionDuration: *factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cortex",
			Subsystem: "engine",
			Name:      "action_duration_seconds",
			Help:      "Action latency from dispatch to terminal status",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
		softErrors: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cortex",
			Subsystem: "engine",
			Name:      "soft_errors_total",
			Help:      "Soft errors surfaced on the stream by code",
		}, []string{"code"}),
		frames: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cortex",
			Subsystem: "engine",
			Name:      "frames_total",
			Help:      "Frames delivered to consumers by event type",
		}, []string{"type"}),
		feedUpdates: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cortex",
			Subsystem: "engine",
			Name:      "feed_updates_total",
			Help:      "Context feed updates by cause (injection, refresh, override)",
		}, []string{"cause"}),
		droppedFrames: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cortex",
			Subsystem: "transport",
			Name:      "dropped_frames_total",
			Help:      "Frames dropped because a subscriber buffer was full",
		}),
		subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "cortex",
			Subsystem: "transport",
			Name:      "subscribers_active",
			Help:      "Currently connected stream subscribers (SSE and websocket)",
		}),
	}
}

// ObserveFrame records the measurements carried by one frame.
func (m *EngineMetrics) ObserveFrame(f event.Frame) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(f.Type).Inc()

	switch p := f.Payload.(type) {
	case event.IterationBoundaryEvent:
		if p.Phase == "start" {
			m.iterations.Inc()
		}
	case event.IterationErrorEvent:
		m.iterationErrors.WithLabelValues(p.Reason).Inc()
	case event.ActionCompleteEvent:
		m.actions.WithLabelValues(p.Status).Inc()
		m.actionDuration.WithLabelValues(p.Status).Observe(float64(p.DurationMS) / 1000)
	case event.SoftErrorEvent:
		m.softErrors.WithLabelValues(p.Code).Inc()
	case event.ContextFeedUpdateEvent:
		m.feedUpdates.WithLabelValues(p.Cause).Inc()
	}
}

// RecordDroppedFrame counts a frame a slow subscriber missed.
func (m *EngineMetrics) RecordDroppedFrame() {
	if m == nil || m.droppedFrames == nil {
		return
	}
	m.droppedFrames.Inc()
}

// SubscriberConnected bumps the subscriber gauge.
func (m *EngineMetrics) SubscriberConnected() {
	if m == nil || m.subscribers == nil {
		return
	}
	m.subscribers.Inc()
}

// SubscriberDisconnected drops the subscriber gauge.
func (m *EngineMetrics) SubscriberDisconnected() {
	if m == nil || m.subscribers == nil {
		return
	}
	m.subscribers.Dec()
}
