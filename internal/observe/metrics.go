// Package observe provides application-wide observability primitives for
// Voxloop: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Voxloop metrics.
const meterName = "github.com/voxloop/voxloop"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use since the underlying OTel types
// handle their own synchronisation.
type Metrics struct {
	// ─── Latency histograms per pipeline stage ───

	// STTFinalLatency tracks time from speech end to final transcript.
	STTFinalLatency metric.Float64Histogram

	// LLMFirstTokenLatency tracks time from request to first streamed token.
	LLMFirstTokenLatency metric.Float64Histogram

	// TTSFirstChunkLatency tracks time from sentence dispatch to first audio
	// chunk.
	TTSFirstChunkLatency metric.Float64Histogram

	// TurnDuration tracks full user-turn processing time, final transcript
	// to last playback started.
	TurnDuration metric.Float64Histogram

	// WebhookDuration tracks function-node webhook execution latency.
	WebhookDuration metric.Float64Histogram

	// ─── Counters ───

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// BargeIns counts caller interruptions that stopped playback.
	BargeIns metric.Int64Counter

	// Checkins counts dead-air check-in prompts injected by the supervisor.
	Checkins metric.Int64Counter

	// NodeTransitions counts flow node transitions. Use with attributes:
	//   attribute.String("agent_id", ...), attribute.String("node_type", ...)
	NodeTransitions metric.Int64Counter

	// ─── Error counters ───

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// ─── Gauges ───

	// ActiveCalls tracks the number of live call sessions on this worker.
	ActiveCalls metric.Int64UpDownCounter

	// ─── HTTP middleware ───

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for live-call latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTFinalLatency, err = m.Float64Histogram("voxloop.stt.final_latency",
		metric.WithDescription("Time from speech end to final transcript."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMFirstTokenLatency, err = m.Float64Histogram("voxloop.llm.first_token_latency",
		metric.WithDescription("Time from LLM request to first streamed token."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSFirstChunkLatency, err = m.Float64Histogram("voxloop.tts.first_chunk_latency",
		metric.WithDescription("Time from sentence dispatch to first synthesised audio chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("voxloop.turn.duration",
		metric.WithDescription("Full user-turn processing time."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.WebhookDuration, err = m.Float64Histogram("voxloop.webhook.duration",
		metric.WithDescription("Function-node webhook execution latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("voxloop.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("voxloop.bargein.total",
		metric.WithDescription("Total caller interruptions that stopped playback."),
	); err != nil {
		return nil, err
	}
	if met.Checkins, err = m.Int64Counter("voxloop.deadair.checkins",
		metric.WithDescription("Total dead-air check-in prompts injected."),
	); err != nil {
		return nil, err
	}
	if met.NodeTransitions, err = m.Int64Counter("voxloop.flow.transitions",
		metric.WithDescription("Total flow node transitions by agent and node type."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("voxloop.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("voxloop.active_calls",
		metric.WithDescription("Number of live call sessions on this worker."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxloop.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest records a provider request counter increment with
// the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordNodeTransition records a flow transition counter increment.
func (m *Metrics) RecordNodeTransition(ctx context.Context, agentID, nodeType string) {
	m.NodeTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("agent_id", agentID),
			attribute.String("node_type", nodeType),
		),
	)
}
