package observability

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/flowengine/internal/config"
	"github.com/pitabwire/flowengine/model"
)

const tracerName = "github.com/pitabwire/flowengine"

// Span attribute keys.
var (
	AttrInstanceID   = attribute.Key("flowengine.instance_id")
	AttrWorkflowType = attribute.Key("flowengine.workflow_type")
	AttrStepID       = attribute.Key("flowengine.step_id")
	AttrTaskID       = attribute.Key("flowengine.task_id")
	AttrAssignmentID = attribute.Key("flowengine.assignment_id")
	AttrHandler      = attribute.Key("flowengine.handler")
	AttrActor        = attribute.Key("flowengine.actor")
	AttrErrorCode    = attribute.Key("flowengine.error_code")
)

// InitTracing installs the global TracerProvider. The returned function
// flushes and stops it; it is a no-op when tracing is disabled.
func InitTracing(ctx context.Context, cfg config.TracingConfig, version string) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if !cfg.Enabled || cfg.Exporter == "none" {
		return noop, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing: create exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(ServiceName),
		semconv.ServiceVersion(version),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing: create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp", "":
		var opts []otlptracegrpc.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		return otlptracegrpc.New(ctx, opts...)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	return nil, fmt.Errorf("unsupported exporter %q (supported: otlp, stdout, none)", cfg.Exporter)
}

// newSampler builds a parent-based ratio sampler. A non-positive rate falls
// back to 10%, anything above 1 samples everything.
func newSampler(cfg config.TracingConfig) sdktrace.Sampler {
	rate := cfg.SamplingRate
	switch {
	case rate <= 0:
		rate = 0.1
	case rate > 1:
		rate = 1
	}

	root := sdktrace.TraceIDRatioBased(rate)
	if rate == 1 {
		root = sdktrace.AlwaysSample()
	}
	sampler := sdktrace.ParentBased(root)
	if cfg.ForceSampleErrors {
		return recordAllSampler{sampler}
	}
	return sampler
}

// recordAllSampler upgrades Drop to RecordOnly so failed use-case spans
// still reach span processors that export on error.
type recordAllSampler struct {
	sdktrace.Sampler
}

func (s recordAllSampler) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	res := s.Sampler.ShouldSample(p)
	if res.Decision == sdktrace.Drop {
		res.Decision = sdktrace.RecordOnly
	}
	return res
}

func (s recordAllSampler) Description() string {
	return "RecordAll{" + s.Sampler.Description() + "}"
}

// StartSpan starts a span on the engine tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan ends span and records err on it. Caller errors such as
// validation or state conflicts are tagged with their code but leave the
// span status unset; only internal and handler failures mark it as Error.
func EndSpan(span trace.Span, err error) {
	defer span.End()
	if err == nil {
		return
	}
	span.RecordError(err)

	var env *model.ErrorEnvelope
	if errors.As(err, &env) {
		span.SetAttributes(AttrErrorCode.String(env.Code))
		if env.Code != model.ErrInternalError && env.Code != model.ErrHandlerFailed {
			return
		}
	}
	span.SetStatus(codes.Error, err.Error())
}

// TraceIDFromContext returns the active trace id, or "".
func TraceIDFromContext(ctx context.Context) string {
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}
