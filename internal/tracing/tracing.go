// Package tracing wraps OpenTelemetry span instrumentation around the Agent
// Loop, Provider Driver, and History Manager calls (SPEC_FULL.md §4.8),
// mirroring the shape of the teacher's span wrapper around its own agent
// loop: one root span per request and child spans per Provider Driver and
// History Manager call, with output recorded as a truncated preview rather
// than the full payload. StartToolSpan opens a per-tool-call span, but the
// dispatch path does not call it.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/relaywing/agentcore/internal/config"
	"github.com/relaywing/agentcore/internal/escape"
)

const tracerName = "github.com/relaywing/agentcore"

// previewLimit bounds how much of a span's input/output text is recorded,
// matching the teacher's 500-rune default preview size.
const previewLimit = 500

// Setup installs a global TracerProvider per cfg.Exporter ("" installs a
// no-op provider that drops every span at negligible cost) and returns a
// shutdown func to flush and close it on process exit.
func Setup(ctx context.Context, cfg config.TelemetryConfig) (shutdown func(context.Context) error, err error) {
	if cfg.Exporter == "" {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "grpc":
		exporter, err = otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure())
	case "http":
		exporter, err = otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure())
	default:
		return nil, fmt.Errorf("tracing: unknown exporter %q", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("tracing: build exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartAgentSpan opens the root span for one Agent Loop request (spec §4.7).
func StartAgentSpan(ctx context.Context, chatID, userID int64) (context.Context, trace.Span) {
	return tracer().Start(ctx, "agent.run", trace.WithAttributes(
		attribute.Int64("chat_id", chatID),
		attribute.Int64("user_id", userID),
	))
}

// StartDriveSpan opens a child span around one Provider Driver call (spec §4.4).
func StartDriveSpan(ctx context.Context, providerName, model string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "provider.drive", trace.WithAttributes(
		attribute.String("provider", providerName),
		attribute.String("model", model),
	))
}

// StartToolSpan opens a child span around one tool handler invocation.
func StartToolSpan(ctx context.Context, toolName string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "tool.call", trace.WithAttributes(
		attribute.String("tool_name", toolName),
	))
}

// StartHistorySpan opens a child span around one History Manager call (spec §4.5).
func StartHistorySpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "history."+operation)
}

// RecordOutput attaches a truncated output preview to a span, matching the
// teacher's preview-size convention rather than recording full payloads.
func RecordOutput(span trace.Span, output string) {
	span.SetAttributes(attribute.String("output_preview", escape.Truncate(output, previewLimit, "...")))
}

// RecordError marks a span failed and attaches the error, leaving the span
// open for the caller to End.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetAttributes(attribute.Bool("error", true))
}
