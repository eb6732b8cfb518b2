// Package server exposes the running simulation over gRPC: the standard
// health service reports whether each utility network meets demand.
package server

import (
	"context"
	"sync"

	"github.com/signalsfoundry/utility-network-simulator/core"
	"github.com/signalsfoundry/utility-network-simulator/internal/logging"
	"github.com/signalsfoundry/utility-network-simulator/internal/observability"
	sim "github.com/signalsfoundry/utility-network-simulator/internal/sim/state"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServicePrefix prefixes the health service name of each utility network.
const ServicePrefix = "network."

// GridSource is the read side of the simulation the reporter polls.
type GridSource interface {
	Grids() []sim.GridSummary
	Utilities() []core.Utility
}

// HealthReporter mirrors network operating state into a gRPC health server.
type HealthReporter struct {
	mu     sync.Mutex
	health *health.Server
	known  map[string]healthpb.HealthCheckResponse_ServingStatus
	log    logging.Logger
}

// NewHealthReporter builds a reporter whose overall ("") status is SERVING.
func NewHealthReporter(log logging.Logger) *HealthReporter {
	if log == nil {
		log = logging.Noop()
	}
	return &HealthReporter{
		health: health.NewServer(),
		known:  make(map[string]healthpb.HealthCheckResponse_ServingStatus),
		log:    log.With(logging.Component("health")),
	}
}

// Server returns the health service to register on a gRPC server.
func (r *HealthReporter) Server() *health.Server {
	return r.health
}

// ServiceName is the health service name for a utility network.
func ServiceName(u core.Utility) string {
	return ServicePrefix + string(u)
}

// Refresh recomputes every network's status. A network is SERVING when all
// of its grids are operating; networks that disappeared become
// SERVICE_UNKNOWN.
func (r *HealthReporter) Refresh(ctx context.Context, src GridSource) {
	if src == nil {
		return
	}
	next := make(map[string]healthpb.HealthCheckResponse_ServingStatus)
	for _, u := range src.Utilities() {
		next[ServiceName(u)] = healthpb.HealthCheckResponse_SERVING
	}
	for _, g := range src.Grids() {
		if !g.Operating {
			next[ServiceName(g.Utility)] = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for name := range r.known {
		if _, ok := next[name]; !ok {
			next[name] = healthpb.HealthCheckResponse_SERVICE_UNKNOWN
		}
	}
	for name, st := range next {
		if prev, ok := r.known[name]; ok && prev == st {
			continue
		}
		r.health.SetServingStatus(name, st)
		r.log.Info(ctx, "network health changed",
			logging.String("service", name),
			logging.String("status", st.String()),
		)
		if st == healthpb.HealthCheckResponse_SERVICE_UNKNOWN {
			delete(r.known, name)
			continue
		}
		r.known[name] = st
	}
}

// Shutdown marks every service NOT_SERVING.
func (r *HealthReporter) Shutdown() {
	r.health.Shutdown()
}

// NewGRPCServer builds a server with request-id logging, Prometheus and
// OpenTelemetry instrumentation and the health service registered. Spans
// come from tp, or the global provider when tp is nil.
func NewGRPCServer(log logging.Logger, collector *observability.NetworkCollector, reporter *HealthReporter, tp trace.TracerProvider, opts ...grpc.ServerOption) *grpc.Server {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	interceptors := []grpc.UnaryServerInterceptor{
		RequestIDUnaryServerInterceptor(log),
		TracingUnaryServerInterceptor(tp),
	}
	if collector != nil {
		interceptors = append(interceptors, collector.UnaryServerInterceptor())
	}
	serverOpts := append([]grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler(otelgrpc.WithTracerProvider(tp))),
		grpc.ChainUnaryInterceptor(interceptors...),
	}, opts...)

	srv := grpc.NewServer(serverOpts...)
	if reporter != nil {
		healthpb.RegisterHealthServer(srv, reporter.Server())
	}
	return srv
}
