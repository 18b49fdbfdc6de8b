// Package observe provides application-wide observability primitives for the
// Nexus voice bridge: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all Nexus metrics.
const meterName = "github.com/nexus-voice/nexus"

// Frame direction attribute values.
const (
	DirClientToSidecar = "client_to_sidecar"
	DirSidecarToClient = "sidecar_to_client"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// HandshakeDuration tracks time from first dial attempt to sidecar
	// readiness.
	HandshakeDuration metric.Float64Histogram

	// SessionDuration tracks full bridge session lifetimes.
	SessionDuration metric.Float64Histogram

	// Frames counts relayed frames. Use with attributes:
	//   attribute.String("direction", ...), attribute.String("tag", ...)
	Frames metric.Int64Counter

	// AudioBytes counts relayed audio payload bytes by direction.
	AudioBytes metric.Int64Counter

	// BargeInDrops counts sidecar audio frames dropped because the user was
	// speaking.
	BargeInDrops metric.Int64Counter

	// SessionsStarted counts bridge sessions by tenant.
	SessionsStarted metric.Int64Counter

	// SessionErrors counts failed sessions by reason.
	SessionErrors metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// ActiveSessions tracks the number of live bridge sessions.
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// handshakeBuckets covers dial latencies through slow model warm-ups.
var handshakeBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 45, 60,
}

// sessionBuckets covers conversation lifetimes in seconds.
var sessionBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.HandshakeDuration, err = m.Float64Histogram("nexus.sidecar.handshake.duration",
		metric.WithDescription("Time from first dial attempt to sidecar readiness."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(handshakeBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("nexus.session.duration",
		metric.WithDescription("Bridge session lifetime."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}

	if met.Frames, err = m.Int64Counter("nexus.frames",
		metric.WithDescription("Relayed frames by direction and tag."),
	); err != nil {
		return nil, err
	}
	if met.AudioBytes, err = m.Int64Counter("nexus.audio.bytes",
		metric.WithDescription("Relayed audio payload bytes by direction."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.BargeInDrops, err = m.Int64Counter("nexus.bargein.drops",
		metric.WithDescription("Sidecar audio frames dropped while the user was speaking."),
	); err != nil {
		return nil, err
	}
	if met.SessionsStarted, err = m.Int64Counter("nexus.sessions.started",
		metric.WithDescription("Bridge sessions started by tenant."),
	); err != nil {
		return nil, err
	}
	if met.SessionErrors, err = m.Int64Counter("nexus.session.errors",
		metric.WithDescription("Failed bridge sessions by reason."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("nexus.tool.calls",
		metric.WithDescription("Tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("nexus.active_sessions",
		metric.WithDescription("Number of live bridge sessions."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("nexus.http.request.duration",
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

// RecordFrame records one relayed frame with the standard attribute set.
func (m *Metrics) RecordFrame(ctx context.Context, direction, tag string) {
	m.Frames.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("direction", direction),
			attribute.String("tag", tag),
		),
	)
}

// RecordAudioBytes records relayed audio payload bytes for one direction.
func (m *Metrics) RecordAudioBytes(ctx context.Context, direction string, n int) {
	m.AudioBytes.Add(ctx, int64(n),
		metric.WithAttributes(attribute.String("direction", direction)),
	)
}

// RecordSessionError records a failed session with its reason code.
func (m *Metrics) RecordSessionError(ctx context.Context, reason string) {
	m.SessionErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordToolCall records a tool call counter increment with the standard
// attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}
