// Package observe provides application-wide observability primitives for
// livecall: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all livecall metrics.
const meterName = "github.com/MrWong99/livecall"

// Frame directions used with [Metrics.RecordFrame].
const (
	DirectionOutbound = "outbound"
	DirectionInbound  = "inbound"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks the time from Start until the agent signalled
	// Ready.
	ConnectDuration metric.Float64Histogram

	// InterruptDuration tracks how long the playback sink took to honour a
	// barge-in.
	InterruptDuration metric.Float64Histogram

	// BackendDuration tracks CRM backend call latency. Use with attribute:
	//   attribute.String("endpoint", ...)
	BackendDuration metric.Float64Histogram

	// --- Counters ---

	// SessionsStarted counts sessions that left the idle state.
	SessionsStarted metric.Int64Counter

	// Frames counts audio frames. Use with attributes:
	//   attribute.String("direction", ...), attribute.String("status", ...)
	Frames metric.Int64Counter

	// BargeIns counts interruptions of agent speech.
	BargeIns metric.Int64Counter

	// BackendRequests counts CRM backend calls. Use with attributes:
	//   attribute.String("endpoint", ...), attribute.String("status", ...)
	BackendRequests metric.Int64Counter

	// --- Error counters ---

	// SessionErrors counts sessions that ended in the errored state. Use with
	// attribute:
	//   attribute.String("kind", ...)
	SessionErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for connect and backend latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// interruptBuckets covers the sub-millisecond to tens-of-milliseconds range
// of a playback interrupt.
var interruptBuckets = []float64{
	0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("livecall.session.connect.duration",
		metric.WithDescription("Time from session start until the agent is ready."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.InterruptDuration, err = m.Float64Histogram("livecall.playback.interrupt.duration",
		metric.WithDescription("Latency of discarding buffered agent audio on barge-in."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(interruptBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BackendDuration, err = m.Float64Histogram("livecall.backend.duration",
		metric.WithDescription("Latency of CRM backend calls by endpoint."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.SessionsStarted, err = m.Int64Counter("livecall.sessions.started",
		metric.WithDescription("Total voice sessions started."),
	); err != nil {
		return nil, err
	}
	if met.Frames, err = m.Int64Counter("livecall.audio.frames",
		metric.WithDescription("Total audio frames by direction and status."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("livecall.session.barge_ins",
		metric.WithDescription("Total interruptions of agent speech."),
	); err != nil {
		return nil, err
	}
	if met.BackendRequests, err = m.Int64Counter("livecall.backend.requests",
		metric.WithDescription("Total CRM backend requests by endpoint and status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.SessionErrors, err = m.Int64Counter("livecall.session.errors",
		metric.WithDescription("Total sessions that ended in error, by error kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("livecall.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("livecall.http.request.duration",
		metric.WithDescription("Ops listener request latency by method and route."),
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

// RecordFrame counts one audio frame. status is "ok" for frames that were
// accepted and a short reason otherwise.
func (m *Metrics) RecordFrame(ctx context.Context, direction, status string) {
	m.Frames.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("direction", direction),
			attribute.String("status", status),
		),
	)
}

// RecordBargeIn counts one barge-in and records how long the interrupt took.
func (m *Metrics) RecordBargeIn(ctx context.Context, d time.Duration) {
	m.BargeIns.Add(ctx, 1)
	m.InterruptDuration.Record(ctx, d.Seconds())
}

// RecordSessionError counts one errored session.
func (m *Metrics) RecordSessionError(ctx context.Context, kind string) {
	m.SessionErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordBackendRequest records one CRM backend call.
func (m *Metrics) RecordBackendRequest(ctx context.Context, endpoint, status string, d time.Duration) {
	m.BackendRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("endpoint", endpoint),
			attribute.String("status", status),
		),
	)
	m.BackendDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("endpoint", endpoint)),
	)
}
