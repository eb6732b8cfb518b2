package server

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/signalsfoundry/utility-network-simulator/internal/logging"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestTracingInterceptorStartsSpanWithAttributes(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	interceptor := TracingUnaryServerInterceptor(tp)

	ctx := logging.ContextWithRequestID(context.Background(), "req-7")
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}
	req := &healthpb.HealthCheckRequest{Service: "network.water"}

	_, err := interceptor(ctx, req, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, errors.New("boom")
	})
	if err == nil {
		t.Fatalf("expected handler error to propagate")
	}

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(spans))
	}
	span := spans[0]
	if span.Name() != "gridsim/Health/Check" {
		t.Fatalf("span name = %q", span.Name())
	}
	attrs := map[attribute.Key]string{}
	for _, kv := range span.Attributes() {
		attrs[kv.Key] = kv.Value.Emit()
	}
	want := map[attribute.Key]string{
		"rpc.service":    "Health",
		"rpc.method":     "Check",
		"request_id":     "req-7",
		"health.service": "network.water",
		"utility":        "water",
	}
	for k, v := range want {
		if attrs[k] != v {
			t.Fatalf("attr %s = %q, want %q", k, attrs[k], v)
		}
	}
	if len(span.Events()) == 0 {
		t.Fatalf("expected error event on span")
	}
}

func TestTracingInterceptorReusesExistingSpan(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	ctx, parent := tp.Tracer("test").Start(context.Background(), "outer")

	interceptor := TracingUnaryServerInterceptor(tp)
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}
	if _, err := interceptor(ctx, &healthpb.HealthCheckRequest{}, info, func(context.Context, interface{}) (interface{}, error) {
		return &healthpb.HealthCheckResponse{}, nil
	}); err != nil {
		t.Fatalf("interceptor: %v", err)
	}
	if n := len(rec.Ended()); n != 0 {
		t.Fatalf("interceptor ended %d spans it did not start", n)
	}
	parent.End()

	spans := rec.Ended()
	if len(spans) != 1 || spans[0].Name() != "gridsim/Health/Check" {
		t.Fatalf("parent span not renamed: %+v", spans)
	}
}

func TestGRPCServerUsesGivenTracerProvider(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	defer tp.Shutdown(context.Background())

	srv := NewGRPCServer(logging.Noop(), nil, NewHealthReporter(nil), tp)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = srv.Serve(lis) }()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}
	if _, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{}); err != nil {
		t.Fatalf("Check: %v", err)
	}
	conn.Close()
	srv.GracefulStop()

	for _, span := range rec.Ended() {
		if span.Name() == "gridsim/Health/Check" {
			return
		}
	}
	t.Fatalf("no gridsim/Health/Check span among %d ended spans", len(rec.Ended()))
}
