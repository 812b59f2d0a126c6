// Package observe provides application-wide observability primitives for
// aria: OpenTelemetry metrics, distributed tracing, structured logging, and
// HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all aria metrics.
const meterName = "github.com/aria-voice/aria"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks live-session setup latency, from dial to the
	// remote open acknowledgement.
	ConnectDuration metric.Float64Histogram

	// AssistDuration tracks one-shot assistant call latency. Use with
	// attribute: attribute.String("mode", ...).
	AssistDuration metric.Float64Histogram

	// --- Counters ---

	// FramesSent counts microphone frames accepted for transport delivery.
	FramesSent metric.Int64Counter

	// FramesDropped counts microphone frames discarded by queue overflow or
	// send failure.
	FramesDropped metric.Int64Counter

	// SegmentsScheduled counts inbound audio segments handed to the playback
	// scheduler.
	SegmentsScheduled metric.Int64Counter

	// DecodeErrors counts inbound audio segments dropped as undecodable.
	DecodeErrors metric.Int64Counter

	// TurnsCompleted counts completed conversation turns.
	TurnsCompleted metric.Int64Counter

	// AssistRequests counts one-shot assistant calls. Use with attributes:
	//   attribute.String("mode", ...), attribute.String("status", ...)
	AssistRequests metric.Int64Counter

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
	if met.ConnectDuration, err = m.Float64Histogram("aria.live.connect.duration",
		metric.WithDescription("Latency of live-session setup."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AssistDuration, err = m.Float64Histogram("aria.assist.duration",
		metric.WithDescription("Latency of one-shot assistant calls by mode."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesSent, err = m.Int64Counter("aria.capture.frames_sent",
		metric.WithDescription("Total microphone frames accepted for transport delivery."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("aria.capture.frames_dropped",
		metric.WithDescription("Total microphone frames discarded by overflow or send failure."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsScheduled, err = m.Int64Counter("aria.playback.segments_scheduled",
		metric.WithDescription("Total inbound audio segments handed to the playback scheduler."),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("aria.playback.decode_errors",
		metric.WithDescription("Total inbound audio segments dropped as undecodable."),
	); err != nil {
		return nil, err
	}
	if met.TurnsCompleted, err = m.Int64Counter("aria.turns.completed",
		metric.WithDescription("Total completed conversation turns."),
	); err != nil {
		return nil, err
	}
	if met.AssistRequests, err = m.Int64Counter("aria.assist.requests",
		metric.WithDescription("Total one-shot assistant calls by mode and status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("aria.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("aria.http.request.duration",
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

// RecordAssistRequest records a one-shot assistant call with the standard
// attribute set.
func (m *Metrics) RecordAssistRequest(ctx context.Context, mode, status string) {
	m.AssistRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("mode", mode),
			attribute.String("status", status),
		),
	)
}

// RecordTurnCompleted records one completed conversation turn.
func (m *Metrics) RecordTurnCompleted(ctx context.Context) {
	m.TurnsCompleted.Add(ctx, 1)
}
