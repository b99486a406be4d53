package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/relaywing/agentcore/internal/config"
)

func TestSetupNoExporterInstallsNoopProvider(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TelemetryConfig{})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestSetupUnknownExporterErrors(t *testing.T) {
	_, err := Setup(context.Background(), config.TelemetryConfig{Exporter: "carrier-pigeon"})
	if err == nil {
		t.Fatalf("expected an error for an unknown exporter")
	}
}

func TestSpanHelpersDoNotPanicUnderNoopProvider(t *testing.T) {
	if _, err := Setup(context.Background(), config.TelemetryConfig{}); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	ctx, span := StartAgentSpan(context.Background(), 1, 2)
	RecordOutput(span, "hello")
	RecordError(span, errors.New("boom"))
	span.End()

	ctx, driveSpan := StartDriveSpan(ctx, "gemini", "gemini-1.5-pro")
	driveSpan.End()

	_, toolSpan := StartToolSpan(ctx, "get_current_weather")
	toolSpan.End()

	_, historySpan := StartHistorySpan(ctx, "prepare")
	historySpan.End()
}
