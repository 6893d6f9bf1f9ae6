package draftkit

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/darkostanimirovic/draftkit/graph"
	"github.com/darkostanimirovic/draftkit/providers"
)

const tracerName = "github.com/darkostanimirovic/draftkit"

// Tracer records runs, steps, capability calls and model calls.
type Tracer interface {
	// StartSpan opens a span under the one in ctx and returns a function
	// that ends it.
	StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func())

	// SetAttributes annotates the current span.
	SetAttributes(ctx context.Context, attrs map[string]any)

	// RecordError marks the current span as failed.
	RecordError(ctx context.Context, err error)

	// Flush exports pending spans.
	Flush(ctx context.Context) error
}

// NoOpTracer is used when tracing is disabled.
type NoOpTracer struct{}

func (NoOpTracer) StartSpan(ctx context.Context, _ string, _ map[string]any) (context.Context, func()) {
	return ctx, func() {}
}
func (NoOpTracer) SetAttributes(context.Context, map[string]any) {}
func (NoOpTracer) RecordError(context.Context, error)            {}
func (NoOpTracer) Flush(context.Context) error                   { return nil }

// OTelConfig configures OTLP/HTTP export.
type OTelConfig struct {
	// Endpoint is host[:port], or a full URL whose scheme selects TLS.
	Endpoint string
	// URLPath defaults to /v1/traces.
	URLPath        string
	Headers        map[string]string
	ServiceName    string
	ServiceVersion string
	Environment    string
	// SetGlobal installs the provider and W3C propagators as otel globals.
	SetGlobal bool
}

// OTelTracer implements Tracer on OpenTelemetry.
type OTelTracer struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// DefaultLangfuseURL is the Langfuse cloud endpoint (EU region).
const DefaultLangfuseURL = "https://cloud.langfuse.com"

// LangfuseConfig returns an OTelConfig exporting to Langfuse's OTLP
// endpoint with basic auth. An empty baseURL selects DefaultLangfuseURL.
func LangfuseConfig(publicKey, secretKey, baseURL string) OTelConfig {
	if baseURL == "" {
		baseURL = DefaultLangfuseURL
	}
	auth := base64.StdEncoding.EncodeToString([]byte(publicKey + ":" + secretKey))
	return OTelConfig{
		Endpoint: baseURL,
		URLPath:  "/api/public/otel/v1/traces",
		Headers:  map[string]string{"Authorization": "Basic " + auth},
	}
}

// NewOTelTracer exports spans over OTLP/HTTP with a batch processor.
func NewOTelTracer(ctx context.Context, cfg OTelConfig) (*OTelTracer, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("draftkit: OTLP endpoint is required")
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "draftkit"
	}

	endpoint := strings.TrimPrefix(strings.TrimPrefix(cfg.Endpoint, "https://"), "http://")
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	if strings.HasPrefix(cfg.Endpoint, "http://") {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if cfg.URLPath != "" {
		opts = append(opts, otlptracehttp.WithURLPath(cfg.URLPath))
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("draftkit: create OTLP exporter: %w", err)
	}

	res := resource.NewSchemaless(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	if cfg.SetGlobal {
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
	}
	return &OTelTracer{tracer: tp.Tracer(tracerName), provider: tp}, nil
}

// NewOTelTracerWithProvider uses an existing provider, e.g. one backed by a
// span recorder in tests.
func NewOTelTracerWithProvider(tp *sdktrace.TracerProvider) *OTelTracer {
	return &OTelTracer{tracer: tp.Tracer(tracerName), provider: tp}
}

func (t *OTelTracer) StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func()) {
	ctx, span := t.tracer.Start(ctx, name, trace.WithAttributes(toAttributes(attrs)...))
	return ctx, func() { span.End() }
}

func (t *OTelTracer) SetAttributes(ctx context.Context, attrs map[string]any) {
	trace.SpanFromContext(ctx).SetAttributes(toAttributes(attrs)...)
}

func (t *OTelTracer) RecordError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func (t *OTelTracer) Flush(ctx context.Context) error {
	return t.provider.ForceFlush(ctx)
}

// Shutdown flushes and stops the exporter.
func (t *OTelTracer) Shutdown(ctx context.Context) error {
	return t.provider.Shutdown(ctx)
}

func toAttributes(attrs map[string]any) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		switch val := v.(type) {
		case string:
			out = append(out, attribute.String(k, val))
		case int:
			out = append(out, attribute.Int(k, val))
		case int64:
			out = append(out, attribute.Int64(k, val))
		case float64:
			out = append(out, attribute.Float64(k, val))
		case bool:
			out = append(out, attribute.Bool(k, val))
		case []string:
			out = append(out, attribute.StringSlice(k, val))
		default:
			out = append(out, attribute.String(k, fmt.Sprint(val)))
		}
	}
	return out
}

// tracing adapts a Tracer to the middleware hooks: one span per run, step,
// capability call and model call.
type tracing struct {
	tracer Tracer
}

type spanEndKey struct{}

func (t tracing) start(ctx context.Context, name string, attrs map[string]any) context.Context {
	ctx, end := t.tracer.StartSpan(ctx, name, attrs)
	return context.WithValue(ctx, spanEndKey{}, end)
}

func (t tracing) end(ctx context.Context, err error) {
	if err != nil {
		t.tracer.RecordError(ctx, err)
	}
	if end, ok := ctx.Value(spanEndKey{}).(func()); ok {
		end()
	}
}

func (t tracing) OnRunStart(ctx context.Context, conversationID string) context.Context {
	return t.start(ctx, "draftkit.run", map[string]any{"conversation_id": conversationID})
}

func (t tracing) OnRunComplete(ctx context.Context, _ string, err error) {
	t.end(ctx, err)
}

func (t tracing) OnStepStart(ctx context.Context, info graph.StepInfo) context.Context {
	return t.start(ctx, "draftkit.step."+info.Step, map[string]any{
		"step":     info.Step,
		"sequence": info.Sequence,
		"run_id":   info.RunID,
	})
}

func (t tracing) OnStepComplete(ctx context.Context, _ graph.StepInfo, err error) {
	t.end(ctx, err)
}

func (t tracing) OnToolStart(ctx context.Context, tool string, _ any) context.Context {
	return t.start(ctx, "draftkit.capability."+tool, map[string]any{"capability": tool})
}

func (t tracing) OnToolComplete(ctx context.Context, _ string, _ any, err error) {
	t.end(ctx, err)
}

func (t tracing) OnModelCall(ctx context.Context, req any) context.Context {
	attrs := map[string]any{}
	if r, ok := req.(providers.CompletionRequest); ok {
		attrs["model"] = r.Model
		attrs["messages"] = len(r.Messages)
		attrs["tools"] = len(r.Tools)
	}
	return t.start(ctx, "draftkit.model", attrs)
}

func (t tracing) OnModelResponse(ctx context.Context, resp any, err error) {
	if r, ok := resp.(*providers.CompletionResponse); ok && r != nil {
		t.tracer.SetAttributes(ctx, map[string]any{
			"finish_reason":     string(r.FinishReason),
			"prompt_tokens":     r.Usage.PromptTokens,
			"completion_tokens": r.Usage.CompletionTokens,
			"tool_calls":        len(r.ToolCalls),
		})
	}
	t.end(ctx, err)
}
