package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName scopes the meter and tracer.
const InstrumentationName = "github.com/example/faceattend"

// Drop reasons recorded on the dropped frames counter.
const (
	DropQueueFull     = "queue_full"
	DropUnknown       = "unknown_session"
	DropClosed        = "session_closed"
	DropPipelineError = "pipeline_error"
)

// Metrics groups the recognition instruments. A nil *Metrics records nothing.
type Metrics struct {
	tracer trace.Tracer
	meter  metric.Meter

	frames   metric.Int64Counter
	faces    metric.Int64Counter
	dropped  metric.Int64Counter
	latency  metric.Float64Histogram
	sessions metric.Int64UpDownCounter
}

// NewMetrics creates the instruments on mp and a tracer on tp.
func NewMetrics(mp metric.MeterProvider, tp trace.TracerProvider) (*Metrics, error) {
	meter := mp.Meter(InstrumentationName)
	m := &Metrics{tracer: tp.Tracer(InstrumentationName), meter: meter}
	var err error
	if m.frames, err = meter.Int64Counter("faceattend.frames.processed",
		metric.WithDescription("Frames that completed recognition")); err != nil {
		return nil, err
	}
	if m.faces, err = meter.Int64Counter("faceattend.faces.recognized",
		metric.WithDescription("Faces reported to clients")); err != nil {
		return nil, err
	}
	if m.dropped, err = meter.Int64Counter("faceattend.frames.dropped",
		metric.WithDescription("Frames discarded without a reply")); err != nil {
		return nil, err
	}
	if m.latency, err = meter.Float64Histogram("faceattend.frame.duration",
		metric.WithDescription("Recognition latency per frame"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.sessions, err = meter.Int64UpDownCounter("faceattend.sessions.active",
		metric.WithDescription("Open recognition sessions")); err != nil {
		return nil, err
	}
	return m, nil
}

// StartFrame opens a span covering one frame.
func (m *Metrics) StartFrame(ctx context.Context, sessionID string) (context.Context, trace.Span) {
	if m == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return m.tracer.Start(ctx, "recognition.frame", trace.WithAttributes(attribute.String("session_id", sessionID)))
}

// FrameProcessed records a completed frame and its faces.
func (m *Metrics) FrameProcessed(ctx context.Context, elapsed time.Duration, known, unknown int) {
	if m == nil {
		return
	}
	m.frames.Add(ctx, 1)
	m.latency.Record(ctx, elapsed.Seconds())
	if known > 0 {
		m.faces.Add(ctx, int64(known), metric.WithAttributes(attribute.Bool("known", true)))
	}
	if unknown > 0 {
		m.faces.Add(ctx, int64(unknown), metric.WithAttributes(attribute.Bool("known", false)))
	}
}

// FrameDropped records a frame that got no reply.
func (m *Metrics) FrameDropped(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// SessionsChanged adjusts the active session gauge by delta.
func (m *Metrics) SessionsChanged(ctx context.Context, delta int) {
	if m == nil || delta == 0 {
		return
	}
	m.sessions.Add(ctx, int64(delta))
}

// ObserveEngineRestarts reports the engine worker replacements counted by
// restarts on every collection.
func (m *Metrics) ObserveEngineRestarts(restarts func() uint64) error {
	return m.observeCounter("faceattend.engine.restarts", "Face engine workers replaced after a failure", restarts)
}

// ObserveEventsDropped reports attendance events lost to a full buffer.
func (m *Metrics) ObserveEventsDropped(dropped func() uint64) error {
	return m.observeCounter("faceattend.events.dropped", "Attendance events discarded before delivery", dropped)
}

func (m *Metrics) observeCounter(name, description string, value func() uint64) error {
	if m == nil || value == nil {
		return nil
	}
	_, err := m.meter.Int64ObservableCounter(name,
		metric.WithDescription(description),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(value()))
			return nil
		}))
	return err
}
