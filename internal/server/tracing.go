package server

import (
	"context"
	"fmt"
	"strings"

	"github.com/signalsfoundry/utility-network-simulator/internal/logging"
	"github.com/signalsfoundry/utility-network-simulator/internal/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const tracerName = "github.com/signalsfoundry/utility-network-simulator/internal/server"

// TracingUnaryServerInterceptor names RPC spans after the gridsim service and
// method and tags them with the request id and, for health checks, the
// utility being asked about. A server span is started when no stats handler
// created one.
func TracingUnaryServerInterceptor(tp trace.TracerProvider) grpc.UnaryServerInterceptor {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	tracer := tp.Tracer(tracerName)

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		service, method := observability.SplitMethod(info.FullMethod)
		name := fmt.Sprintf("gridsim/%s/%s", service, method)

		span := trace.SpanFromContext(ctx)
		created := false
		if !span.SpanContext().IsValid() {
			ctx, span = tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindServer))
			created = true
		} else {
			span.SetName(name)
		}

		attrs := []attribute.KeyValue{
			attribute.String("rpc.system", "grpc"),
			attribute.String("rpc.service", service),
			attribute.String("rpc.method", method),
			attribute.String("rpc.full_method", strings.TrimPrefix(info.FullMethod, "/")),
		}
		if reqID := logging.RequestIDFromContext(ctx); reqID != "" {
			attrs = append(attrs, attribute.String("request_id", reqID))
		}
		if hc, ok := req.(*healthpb.HealthCheckRequest); ok {
			attrs = append(attrs, attribute.String("health.service", hc.GetService()))
			if u := strings.TrimPrefix(hc.GetService(), ServicePrefix); u != hc.GetService() {
				attrs = append(attrs, attribute.String("utility", u))
			}
		}
		span.SetAttributes(attrs...)

		resp, err := handler(ctx, req)
		if err != nil {
			span.RecordError(err)
		}
		if created {
			span.End()
		}
		return resp, err
	}
}
