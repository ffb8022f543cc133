package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/flowengine/internal/config"
	"github.com/pitabwire/flowengine/model"
)

// setupTestTracer installs an always-sampling provider backed by an
// in-memory exporter.
func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
	})
	return exporter
}

func TestInitTracing_disabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), config.TracingConfig{}, "test")
	if err != nil {
		t.Fatalf("InitTracing() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

func TestInitTracing_stdout(t *testing.T) {
	cfg := config.TracingConfig{Enabled: true, Exporter: "stdout", SamplingRate: 1.0}
	shutdown, err := InitTracing(context.Background(), cfg, "test")
	if err != nil {
		t.Fatalf("InitTracing() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

func TestInitTracing_noneExporter(t *testing.T) {
	cfg := config.TracingConfig{Enabled: true, Exporter: "none"}
	shutdown, err := InitTracing(context.Background(), cfg, "test")
	if err != nil {
		t.Fatalf("InitTracing() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

func TestInitTracing_unsupportedExporter(t *testing.T) {
	cfg := config.TracingConfig{Enabled: true, Exporter: "zipkin"}
	if _, err := InitTracing(context.Background(), cfg, "test"); err == nil {
		t.Fatal("expected error for unsupported exporter")
	}
}

func TestStartSpan_attributesAndParent(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx, parent := StartSpan(context.Background(), "engine.complete_task",
		AttrInstanceID.String("i-1"),
		AttrTaskID.String("t-1"),
	)
	if trace.SpanFromContext(ctx) != parent {
		t.Error("context should carry the created span")
	}
	_, child := StartSpan(ctx, "handler.execute", AttrHandler.String("context.set"))
	child.End()
	parent.End()

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Parent.SpanID() != spans[1].SpanContext.SpanID() {
		t.Error("child parent span ID should match parent span ID")
	}
	attrs := map[string]string{}
	for _, a := range spans[1].Attributes {
		attrs[string(a.Key)] = a.Value.Emit()
	}
	if attrs["flowengine.instance_id"] != "i-1" || attrs["flowengine.task_id"] != "t-1" {
		t.Errorf("attributes = %v", attrs)
	}
}

func TestEndSpan(t *testing.T) {
	exporter := setupTestTracer(t)

	_, failed := StartSpan(context.Background(), "failed")
	EndSpan(failed, errors.New("lock busy"))
	_, ok := StartSpan(context.Background(), "ok")
	EndSpan(ok, nil)
	_, rejected := StartSpan(context.Background(), "rejected")
	EndSpan(rejected, model.NewInvalidStateError("task already completed"))
	_, handler := StartSpan(context.Background(), "handler")
	EndSpan(handler, model.NewHandlerFailedError("email taken"))

	spans := exporter.GetSpans()
	if len(spans) != 4 {
		t.Fatalf("expected 4 spans, got %d", len(spans))
	}
	if spans[0].Status.Code != codes.Error || spans[0].Status.Description != "lock busy" {
		t.Errorf("failed span status = %+v", spans[0].Status)
	}
	if len(spans[0].Events) == 0 {
		t.Error("expected the error to be recorded as an event")
	}
	if spans[1].Status.Code == codes.Error {
		t.Error("status should not be Error when err is nil")
	}
	if spans[2].Status.Code == codes.Error {
		t.Error("caller errors should not mark the span as Error")
	}
	if code := attrValue(spans[2], AttrErrorCode); code != model.ErrInvalidState {
		t.Errorf("error code attribute = %q", code)
	}
	if spans[3].Status.Code != codes.Error {
		t.Error("handler failures should mark the span as Error")
	}
}

func attrValue(s tracetest.SpanStub, key attribute.Key) string {
	for _, a := range s.Attributes {
		if a.Key == key {
			return a.Value.Emit()
		}
	}
	return ""
}

func TestTraceIDFromContext(t *testing.T) {
	setupTestTracer(t)

	if TraceIDFromContext(context.Background()) != "" {
		t.Error("expected empty trace ID without span")
	}
	ctx, span := StartSpan(context.Background(), "trace.id")
	defer span.End()
	if TraceIDFromContext(ctx) != span.SpanContext().TraceID().String() {
		t.Error("trace ID mismatch")
	}
}

func TestNewSampler(t *testing.T) {
	for _, rate := range []float64{0, 0.5, 1.0, 2.0} {
		if s := newSampler(config.TracingConfig{SamplingRate: rate}); s == nil || s.Description() == "" {
			t.Errorf("rate %v: sampler not built", rate)
		}
	}

	s := newSampler(config.TracingConfig{SamplingRate: 0.5, ForceSampleErrors: true})
	if _, ok := s.(recordAllSampler); !ok {
		t.Fatalf("expected recordAllSampler, got %T", s)
	}
}

func TestRecordAllSampler_neverDrops(t *testing.T) {
	s := recordAllSampler{sdktrace.NeverSample()}
	res := s.ShouldSample(sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		TraceID:       trace.TraceID{1},
		Name:          "engine.start",
	})
	if res.Decision != sdktrace.RecordOnly {
		t.Errorf("decision = %v, want RecordOnly", res.Decision)
	}
}
