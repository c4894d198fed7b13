// Package observe provides application-wide observability primitives for
// Verbalis: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all Verbalis metrics.
const meterName = "github.com/verbalis-ai/verbalis"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ResponseLatency tracks the delay from signalling end-of-turn to the
	// first response audio byte — the silence the user hears.
	ResponseLatency metric.Float64Histogram

	// TurnDuration tracks the full span of a turn from first detected user
	// speech to response end.
	TurnDuration metric.Float64Histogram

	// --- Counters ---

	// Turns counts completed turns. Use with attributes:
	//   attribute.String("backend", ...), attribute.String("outcome", "completed"|"interrupted")
	Turns metric.Int64Counter

	// BargeIns counts locally detected barge-ins.
	BargeIns metric.Int64Counter

	// FramesSent counts audio frames handed to the protocol client.
	FramesSent metric.Int64Counter

	// PlaybackChunks counts response audio chunks enqueued for playback.
	PlaybackChunks metric.Int64Counter

	// --- Error counters ---

	// TransportErrors counts fatal session transport errors. Use with
	// attribute: attribute.String("backend", ...)
	TransportErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
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
	if met.ResponseLatency, err = m.Float64Histogram("verbalis.turn.response_latency",
		metric.WithDescription("Delay from end-of-turn signal to first response audio byte."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("verbalis.turn.duration",
		metric.WithDescription("Full turn span from first user speech to response end."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Turns, err = m.Int64Counter("verbalis.turns",
		metric.WithDescription("Completed turns by backend and outcome."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("verbalis.barge_ins",
		metric.WithDescription("Locally detected barge-ins."),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("verbalis.frames.sent",
		metric.WithDescription("Audio frames handed to the protocol client."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackChunks, err = m.Int64Counter("verbalis.playback.chunks",
		metric.WithDescription("Response audio chunks enqueued for playback."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.TransportErrors, err = m.Int64Counter("verbalis.transport.errors",
		metric.WithDescription("Fatal session transport errors by backend."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("verbalis.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("verbalis.http.request.duration",
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

// RecordTurn records a completed turn with the standard attribute set.
func (m *Metrics) RecordTurn(ctx context.Context, backend, outcome string) {
	m.Turns.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordBargeIn records a locally detected barge-in.
func (m *Metrics) RecordBargeIn(ctx context.Context, backend string) {
	m.BargeIns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("backend", backend)),
	)
}

// RecordTransportError records a fatal session transport error.
func (m *Metrics) RecordTransportError(ctx context.Context, backend string) {
	m.TransportErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("backend", backend)),
	)
}
