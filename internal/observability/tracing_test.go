package observability

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/signalsfoundry/utility-network-simulator/internal/logging"
	"go.opentelemetry.io/otel"
)

func TestTracingConfigFromEnvDefaults(t *testing.T) {
	t.Setenv("GRIDSIM_TRACING_ENABLED", "")
	t.Setenv("GRIDSIM_TRACING_EXPORTER", "")
	t.Setenv("GRIDSIM_TRACING_SERVICE_NAME", "")
	t.Setenv("GRIDSIM_TRACING_SAMPLE_RATIO", "")
	t.Setenv("GRIDSIM_OTLP_ENDPOINT", "")

	cfg := TracingConfigFromEnv()
	if cfg.Enabled {
		t.Fatalf("tracing enabled by default")
	}
	if cfg.Exporter != "stdout" || cfg.ServiceName != "gridsim" || cfg.SampleRatio != 1 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestTracingConfigFromEnvOverrides(t *testing.T) {
	t.Setenv("GRIDSIM_TRACING_ENABLED", "TRUE")
	t.Setenv("GRIDSIM_TRACING_EXPORTER", "OTLP")
	t.Setenv("GRIDSIM_TRACING_SERVICE_NAME", "gridsim-test")
	t.Setenv("GRIDSIM_TRACING_SAMPLE_RATIO", "0.25")
	t.Setenv("GRIDSIM_OTLP_ENDPOINT", "collector:4317")

	cfg := TracingConfigFromEnv()
	want := TracingConfig{
		Enabled:     true,
		ServiceName: "gridsim-test",
		Exporter:    "otlp",
		Endpoint:    "collector:4317",
		SampleRatio: 0.25,
	}
	if cfg != want {
		t.Fatalf("TracingConfigFromEnv() = %+v, want %+v", cfg, want)
	}
}

func TestTracingConfigIgnoresBadRatio(t *testing.T) {
	t.Setenv("GRIDSIM_TRACING_SAMPLE_RATIO", "1.5")
	if cfg := TracingConfigFromEnv(); cfg.SampleRatio != 1 {
		t.Fatalf("SampleRatio = %v, want fallback 1", cfg.SampleRatio)
	}
}

func TestInitTracingDisabled(t *testing.T) {
	restoreGlobalProvider(t)

	tr, err := InitTracing(context.Background(), TracingConfig{}, logging.Noop())
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	_, span := tr.TracerProvider().Tracer("test").Start(context.Background(), "noop")
	if span.SpanContext().IsValid() {
		t.Fatalf("disabled tracing produced a recording span")
	}
	span.End()
	tr.Shutdown(context.Background(), nil)
}

func TestInitTracingExportsSimulationResource(t *testing.T) {
	restoreGlobalProvider(t)

	var out bytes.Buffer
	tr, err := InitTracing(context.Background(), TracingConfig{
		Enabled:     true,
		Exporter:    "stdout",
		SampleRatio: 1,
		Output:      &out,
		Simulation: SimulationInfo{
			Component:           "simulator",
			ScenarioPath:        "configs/scenario.yaml",
			ThresholdMode:       "all-bands",
			TickIntervalSeconds: 0.5,
		},
	}, nil)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	if otel.GetTracerProvider() != tr.TracerProvider() {
		t.Fatalf("provider not installed globally")
	}

	_, span := tr.TracerProvider().Tracer("test").Start(context.Background(), "network.update")
	span.End()
	tr.Shutdown(context.Background(), nil)

	got := out.String()
	for _, want := range []string{
		"network.update",
		"gridsim.scenario.path",
		"configs/scenario.yaml",
		"gridsim.threshold_mode",
		"all-bands",
		"gridsim.tick_interval_seconds",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("exported span missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "gridsim.restore.path") {
		t.Fatalf("empty restore path exported as attribute")
	}
}

func TestNilTracingFallsBackToGlobal(t *testing.T) {
	var tr *Tracing
	if tr.TracerProvider() != otel.GetTracerProvider() {
		t.Fatalf("nil Tracing should use the global provider")
	}
	tr.Shutdown(context.Background(), nil)
}

func TestInitTracingRejectsUnknownExporter(t *testing.T) {
	_, err := InitTracing(context.Background(), TracingConfig{Enabled: true, Exporter: "zipkin"}, nil)
	if err == nil {
		t.Fatalf("expected error for unsupported exporter")
	}
}

func restoreGlobalProvider(t *testing.T) {
	t.Helper()
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
}
