package observability

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// NetworkCollector bundles Prometheus metrics for the utility networks and
// the gRPC surface that exposes them.
type NetworkCollector struct {
	gatherer prometheus.Gatherer

	RPCRequests  *prometheus.CounterVec
	RPCDurations *prometheus.HistogramVec

	Grids          *prometheus.GaugeVec
	Endpoints      *prometheus.GaugeVec
	OperatingGrids *prometheus.GaugeVec

	Ticks           *prometheus.CounterVec
	TickDurations   *prometheus.HistogramVec
	ThresholdEvents *prometheus.CounterVec
}

// NewNetworkCollector registers network metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewNetworkCollector(reg prometheus.Registerer) (*NetworkCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	requests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gridsim_requests_total",
		Help: "Total number of handled gRPC calls, labeled by service, method, and gRPC status code.",
	}, []string{"service", "method", "code"}), "gridsim_requests_total")
	if err != nil {
		return nil, err
	}

	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gridsim_request_duration_seconds",
		Help:    "gRPC call latency in seconds.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"service", "method"}), "gridsim_request_duration_seconds")
	if err != nil {
		return nil, err
	}

	grids, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "network_grids",
		Help: "Current number of grids registered in each utility network.",
	}, []string{"utility"}), "network_grids")
	if err != nil {
		return nil, err
	}
	endpoints, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "network_endpoints",
		Help: "Current number of endpoints plugged into each utility network.",
	}, []string{"utility"}), "network_endpoints")
	if err != nil {
		return nil, err
	}
	operating, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "network_grids_operating",
		Help: "Number of grids that met demand on their last tick.",
	}, []string{"utility"}), "network_grids_operating")
	if err != nil {
		return nil, err
	}

	ticks, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_ticks_total",
		Help: "Total number of network ticks performed.",
	}, []string{"utility"}), "network_ticks_total")
	if err != nil {
		return nil, err
	}
	tickDurations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_tick_duration_seconds",
		Help:    "Wall-clock time spent ticking every grid of a network.",
		Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
	}, []string{"utility"}), "network_tick_duration_seconds")
	if err != nil {
		return nil, err
	}
	thresholds, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "connection_threshold_events_total",
		Help: "Threshold events fired by connections, labeled by utility and capacity percentage.",
	}, []string{"utility", "threshold"}), "connection_threshold_events_total")
	if err != nil {
		return nil, err
	}

	return &NetworkCollector{
		gatherer:        gatherer,
		RPCRequests:     requests,
		RPCDurations:    durations,
		Grids:           grids,
		Endpoints:       endpoints,
		OperatingGrids:  operating,
		Ticks:           ticks,
		TickDurations:   tickDurations,
		ThresholdEvents: thresholds,
	}, nil
}

// UnaryServerInterceptor records request counts and durations for unary RPCs.
func (c *NetworkCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		if c == nil {
			return resp, err
		}

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)
		code := status.Code(err).String()

		if c.RPCRequests != nil {
			c.RPCRequests.WithLabelValues(service, method, code).Inc()
		}
		if c.RPCDurations != nil {
			c.RPCDurations.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
		}

		return resp, err
	}
}

// Handler exposes a ready-to-use /metrics handler.
func (c *NetworkCollector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetNetworkCounts publishes the current shape of one utility network.
func (c *NetworkCollector) SetNetworkCounts(utility string, grids, endpoints, operating int) {
	if c == nil {
		return
	}
	if c.Grids != nil {
		c.Grids.WithLabelValues(utility).Set(float64(grids))
	}
	if c.Endpoints != nil {
		c.Endpoints.WithLabelValues(utility).Set(float64(endpoints))
	}
	if c.OperatingGrids != nil {
		c.OperatingGrids.WithLabelValues(utility).Set(float64(operating))
	}
}

// ObserveTick counts one network tick and records how long it took.
func (c *NetworkCollector) ObserveTick(utility string, d time.Duration) {
	if c == nil {
		return
	}
	if c.Ticks != nil {
		c.Ticks.WithLabelValues(utility).Inc()
	}
	if c.TickDurations != nil {
		c.TickDurations.WithLabelValues(utility).Observe(d.Seconds())
	}
}

// IncThresholdEvents counts one threshold event at the given percentage.
func (c *NetworkCollector) IncThresholdEvents(utility string, threshold int) {
	if c == nil || c.ThresholdEvents == nil {
		return
	}
	c.ThresholdEvents.WithLabelValues(utility, strconv.Itoa(threshold)).Inc()
}

// SplitMethod parses a fully-qualified gRPC method name into service and method
// components. It tolerates empty strings and partial paths, returning
// "unknown"/"unknown" when parsing fails.
func SplitMethod(fullMethod string) (string, string) {
	if fullMethod == "" {
		return "unknown", "unknown"
	}
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
