package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/signalsfoundry/utility-network-simulator/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	envTracingEnabled  = "GRIDSIM_TRACING_ENABLED"
	envTracingExporter = "GRIDSIM_TRACING_EXPORTER"
	envTracingService  = "GRIDSIM_TRACING_SERVICE_NAME"
	envTracingRatio    = "GRIDSIM_TRACING_SAMPLE_RATIO"
	envOTLPEndpoint    = "GRIDSIM_OTLP_ENDPOINT"

	defaultServiceName  = "gridsim"
	defaultOTLPEndpoint = "localhost:4317"
)

// SimulationInfo describes the run being traced. Non-zero fields become
// resource attributes on every exported span.
type SimulationInfo struct {
	Component           string
	ScenarioPath        string
	RestorePath         string
	ThresholdMode       string
	TickIntervalSeconds float64
	MaxEndpointsPerGrid int
}

func (s SimulationInfo) attributes() []attribute.KeyValue {
	var attrs []attribute.KeyValue
	add := func(key, v string) {
		if v != "" {
			attrs = append(attrs, attribute.String(key, v))
		}
	}
	add("gridsim.component", s.Component)
	add("gridsim.scenario.path", s.ScenarioPath)
	add("gridsim.restore.path", s.RestorePath)
	add("gridsim.threshold_mode", s.ThresholdMode)
	if s.TickIntervalSeconds > 0 {
		attrs = append(attrs, attribute.Float64("gridsim.tick_interval_seconds", s.TickIntervalSeconds))
	}
	if s.MaxEndpointsPerGrid > 0 {
		attrs = append(attrs, attribute.Int("gridsim.max_endpoints_per_grid", s.MaxEndpointsPerGrid))
	}
	return attrs
}

// TracingConfig selects the span exporter and sampling for a gridsim binary.
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	Exporter    string // stdout | otlp
	Endpoint    string // otlp collector address
	SampleRatio float64

	Simulation SimulationInfo
	// Output receives stdout-exporter spans; nil means os.Stdout.
	Output io.Writer
}

// TracingConfigFromEnv reads the GRIDSIM_TRACING_* variables. Simulation
// details are left for the caller to fill in.
func TracingConfigFromEnv() TracingConfig {
	cfg := TracingConfig{
		Enabled:     strings.EqualFold(os.Getenv(envTracingEnabled), "true"),
		ServiceName: defaultServiceName,
		Exporter:    "stdout",
		Endpoint:    os.Getenv(envOTLPEndpoint),
		SampleRatio: 1,
	}
	if v := strings.ToLower(os.Getenv(envTracingExporter)); v != "" {
		cfg.Exporter = v
	}
	if v := os.Getenv(envTracingService); v != "" {
		cfg.ServiceName = v
	}
	if v, err := strconv.ParseFloat(os.Getenv(envTracingRatio), 64); err == nil && v >= 0 && v <= 1 {
		cfg.SampleRatio = v
	}
	return cfg
}

// Tracing is an initialised tracer provider. The zero value and nil are
// usable and fall back to the global provider.
type Tracing struct {
	provider trace.TracerProvider
	shutdown func(context.Context) error
}

// TracerProvider returns the provider spans should be started from.
func (t *Tracing) TracerProvider() trace.TracerProvider {
	if t == nil || t.provider == nil {
		return otel.GetTracerProvider()
	}
	return t.provider
}

// Shutdown flushes pending spans, giving up after five seconds. Errors are
// logged, not returned.
func (t *Tracing) Shutdown(ctx context.Context, log logging.Logger) {
	if t == nil || t.shutdown == nil {
		return
	}
	if log == nil {
		log = logging.Noop()
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := t.shutdown(ctx); err != nil {
		log.Warn(ctx, "tracing shutdown failed", logging.Err(err))
	}
}

// InitTracing builds the tracer provider described by cfg and installs it,
// with W3C trace-context propagation, as the global provider so otelgrpc
// picks it up. A disabled config yields a noop provider.
func InitTracing(ctx context.Context, cfg TracingConfig, log logging.Logger) (*Tracing, error) {
	if log == nil {
		log = logging.Noop()
	}

	if !cfg.Enabled {
		tp := noop.NewTracerProvider()
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.TraceContext{})
		log.Debug(ctx, "tracing disabled")
		return &Tracing{provider: tp}, nil
	}

	exp, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}

	service := cfg.ServiceName
	if service == "" {
		service = defaultServiceName
	}
	attrs := append([]attribute.KeyValue{
		attribute.String("service.name", service),
		attribute.String("service.namespace", defaultServiceName),
	}, cfg.Simulation.attributes()...)
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	log.Info(ctx, "tracing enabled",
		logging.String("exporter", cfg.Exporter),
		logging.String("service_name", service),
		logging.Float64("sample_ratio", cfg.SampleRatio),
		logging.String("scenario", cfg.Simulation.ScenarioPath),
	)
	return &Tracing{provider: tp, shutdown: tp.Shutdown}, nil
}

func newSpanExporter(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch strings.ToLower(cfg.Exporter) {
	case "", "stdout":
		out := cfg.Output
		if out == nil {
			out = os.Stdout
		}
		return stdouttrace.New(stdouttrace.WithWriter(out), stdouttrace.WithoutTimestamps())
	case "otlp", "otlpgrpc":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = defaultOTLPEndpoint
		}
		return otlptrace.New(ctx, otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		))
	default:
		return nil, fmt.Errorf("unsupported tracing exporter: %s", cfg.Exporter)
	}
}
