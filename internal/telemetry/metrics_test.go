package telemetry

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader, *tracetest.SpanRecorder) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	m, err := NewMetrics(mp, tp)
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	return m, reader, recorder
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumValue(t *testing.T, m metricdata.Metrics, attrs ...attribute.KeyValue) int64 {
	t.Helper()
	want := attribute.NewSet(attrs...)
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("%s is not an int64 sum", m.Name)
	}
	for _, dp := range sum.DataPoints {
		if dp.Attributes.Equals(&want) {
			return dp.Value
		}
	}
	return 0
}

func TestMetricsRecording(t *testing.T) {
	ctx := context.Background()
	m, reader, recorder := newTestMetrics(t)

	spanCtx, span := m.StartFrame(ctx, "sess-1")
	m.FrameProcessed(spanCtx, 150*time.Millisecond, 2, 1)
	span.End()
	m.FrameDropped(ctx, DropQueueFull)
	m.FrameDropped(ctx, DropQueueFull)
	m.SessionsChanged(ctx, 3)
	m.SessionsChanged(ctx, -1)

	got := collect(t, reader)
	if v := sumValue(t, got["faceattend.frames.processed"]); v != 1 {
		t.Fatalf("frames processed = %d", v)
	}
	if v := sumValue(t, got["faceattend.faces.recognized"], attribute.Bool("known", true)); v != 2 {
		t.Fatalf("known faces = %d", v)
	}
	if v := sumValue(t, got["faceattend.faces.recognized"], attribute.Bool("known", false)); v != 1 {
		t.Fatalf("unknown faces = %d", v)
	}
	if v := sumValue(t, got["faceattend.frames.dropped"], attribute.String("reason", DropQueueFull)); v != 2 {
		t.Fatalf("dropped frames = %d", v)
	}
	if v := sumValue(t, got["faceattend.sessions.active"]); v != 2 {
		t.Fatalf("active sessions = %d", v)
	}
	hist, ok := got["faceattend.frame.duration"].Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 1 {
		t.Fatalf("unexpected latency histogram %+v", got["faceattend.frame.duration"].Data)
	}

	spans := recorder.Ended()
	if len(spans) != 1 || spans[0].Name() != "recognition.frame" {
		t.Fatalf("unexpected spans %v", spans)
	}
}

func TestObservedCounters(t *testing.T) {
	m, reader, _ := newTestMetrics(t)
	var restarts uint64 = 2
	if err := m.ObserveEngineRestarts(func() uint64 { return restarts }); err != nil {
		t.Fatalf("ObserveEngineRestarts failed: %v", err)
	}
	if err := m.ObserveEventsDropped(func() uint64 { return 5 }); err != nil {
		t.Fatalf("ObserveEventsDropped failed: %v", err)
	}

	got := collect(t, reader)
	if v := sumValue(t, got["faceattend.engine.restarts"]); v != 2 {
		t.Fatalf("engine restarts = %d", v)
	}
	if v := sumValue(t, got["faceattend.events.dropped"]); v != 5 {
		t.Fatalf("events dropped = %d", v)
	}

	restarts = 3
	if v := sumValue(t, collect(t, reader)["faceattend.engine.restarts"]); v != 3 {
		t.Fatalf("engine restarts after replacement = %d", v)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	ctx, span := m.StartFrame(context.Background(), "x")
	span.End()
	m.FrameProcessed(ctx, time.Second, 1, 1)
	m.FrameDropped(ctx, DropClosed)
	m.SessionsChanged(ctx, 1)
	if err := m.ObserveEngineRestarts(func() uint64 { return 1 }); err != nil {
		t.Fatalf("nil metrics must not fail: %v", err)
	}
}

func TestNewProvidersWithoutEndpoint(t *testing.T) {
	p, err := NewProviders(context.Background(), "", "faceattend")
	if err != nil {
		t.Fatalf("NewProviders failed: %v", err)
	}
	if p.MeterProvider == nil || p.TracerProvider == nil {
		t.Fatal("expected local providers")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
}

func TestNewProvidersRejectsBadEndpoint(t *testing.T) {
	if _, err := NewProviders(context.Background(), "http://", "faceattend"); err == nil {
		t.Fatal("expected error for endpoint without host")
	}
}
