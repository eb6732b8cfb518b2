package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/signalsfoundry/utility-network-simulator/core"
	"github.com/signalsfoundry/utility-network-simulator/internal/logging"
	"github.com/signalsfoundry/utility-network-simulator/internal/observability"
	"github.com/signalsfoundry/utility-network-simulator/internal/persistence/snapshot"
	"github.com/signalsfoundry/utility-network-simulator/internal/server"
	sim "github.com/signalsfoundry/utility-network-simulator/internal/sim/state"
	"github.com/signalsfoundry/utility-network-simulator/kb"
	"github.com/signalsfoundry/utility-network-simulator/timectrl"
	"go.opentelemetry.io/otel/trace"
)

// Config is the server's runtime configuration.
type Config struct {
	ListenAddress  string
	MetricsAddress string
	LogLevel       string
	LogFormat      string

	ScenarioPath string
	// RestorePath, when set, loads a snapshot instead of the scenario's
	// devices. Scenario settings still apply to new grids.
	RestorePath  string
	SnapshotPath string

	FrameInterval time.Duration
	Accelerated   bool

	// TracerProvider feeds both gRPC and network update spans. Nil uses the
	// global provider.
	TracerProvider trace.TracerProvider
}

func main() {
	cfg := Config{}
	flag.StringVar(&cfg.ListenAddress, "grpc-addr", ":50051", "TCP address the gRPC server listens on")
	flag.StringVar(&cfg.MetricsAddress, "metrics-addr", ":9090", "HTTP address for Prometheus /metrics (empty disables)")
	flag.StringVar(&cfg.LogLevel, "log-level", envOr("LOG_LEVEL", "info"), "log level: debug, info, warn, error")
	flag.StringVar(&cfg.LogFormat, "log-format", envOr("LOG_FORMAT", "text"), "log format: text or json")
	flag.StringVar(&cfg.ScenarioPath, "scenario", "configs/scenario.yaml", "path to a YAML scenario")
	flag.StringVar(&cfg.RestorePath, "restore", "", "path to a snapshot to resume from")
	flag.StringVar(&cfg.SnapshotPath, "snapshot-out", "", "write a snapshot here on shutdown")
	flag.DurationVar(&cfg.FrameInterval, "frame", 100*time.Millisecond, "length of one update frame")
	flag.BoolVar(&cfg.Accelerated, "accelerated", false, "advance simulation time as fast as possible")
	flag.Parse()

	log := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}).
		With(logging.Component("gridsim-server"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tcfg := observability.TracingConfigFromEnv()
	tcfg.Simulation = observability.SimulationInfo{
		Component:    "gridsim-server",
		ScenarioPath: cfg.ScenarioPath,
		RestorePath:  cfg.RestorePath,
	}
	tracing, err := observability.InitTracing(ctx, tcfg, log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.Err(err))
		os.Exit(1)
	}
	defer tracing.Shutdown(context.Background(), log)
	cfg.TracerProvider = tracing.TracerProvider()

	lis, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		log.Error(ctx, "failed to listen for gRPC", logging.String("addr", cfg.ListenAddress), logging.Err(err))
		os.Exit(1)
	}

	if err := run(ctx, cfg, log, lis); err != nil {
		log.Error(ctx, "server exited with error", logging.Err(err))
		os.Exit(1)
	}
}

// run serves gRPC on lis and drives the simulation until ctx is done.
func run(ctx context.Context, cfg Config, log logging.Logger, lis net.Listener) error {
	if log == nil {
		log = logging.Noop()
	}

	reg := prometheus.NewRegistry()
	collector, err := observability.NewNetworkCollector(reg)
	if err != nil {
		return fmt.Errorf("metrics collector: %w", err)
	}
	metricsSrv := serveMetrics(cfg.MetricsAddress, collector, log)

	state, err := buildState(ctx, cfg, collector, log)
	if err != nil {
		_ = lis.Close()
		return err
	}

	reporter := server.NewHealthReporter(log)
	reporter.Refresh(ctx, state)
	grpcSrv := server.NewGRPCServer(log, collector, reporter, cfg.TracerProvider)

	serveErr := make(chan error, 1)
	go func() {
		log.Info(ctx, "starting gRPC server", logging.String("addr", lis.Addr().String()))
		serveErr <- grpcSrv.Serve(lis)
	}()

	simCtx, cancelSim := context.WithCancel(ctx)
	defer cancelSim()
	tc := newTimeController(cfg)
	simDone := runSimLoop(simCtx, tc, state, reporter, log)

	select {
	case <-ctx.Done():
	case err = <-serveErr:
	}

	log.Info(context.Background(), "shutting down gridsim server")
	cancelSim()
	<-simDone
	reporter.Shutdown()
	grpcSrv.GracefulStop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}

	if cfg.SnapshotPath != "" {
		snap := state.ExportSnapshot(tc.Frames())
		if werr := snapshot.WriteSnapshot(cfg.SnapshotPath, snap); werr != nil {
			return errors.Join(err, fmt.Errorf("write snapshot: %w", werr))
		}
		log.Info(context.Background(), "snapshot written", logging.String("path", cfg.SnapshotPath))
	}
	return err
}

func buildState(ctx context.Context, cfg Config, collector *observability.NetworkCollector, log logging.Logger) (*sim.NetworkState, error) {
	sc := &core.Scenario{Settings: core.ScenarioSettings{TickIntervalSeconds: core.DefaultTickInterval}}
	if cfg.ScenarioPath != "" {
		f, err := os.Open(cfg.ScenarioPath)
		if err != nil {
			return nil, fmt.Errorf("open scenario: %w", err)
		}
		sc, err = core.LoadScenario(f)
		f.Close()
		if err != nil {
			return nil, err
		}
	}

	state := sim.NewNetworkState(kb.NewKnowledgeBase(), log,
		sim.WithScenarioSettings(sc.Settings),
		sim.WithMetricsRecorder(collector),
		sim.WithTracerProvider(cfg.TracerProvider),
	)

	if cfg.RestorePath != "" {
		snap, err := snapshot.ReadSnapshot(cfg.RestorePath)
		if err != nil {
			return nil, fmt.Errorf("read snapshot: %w", err)
		}
		if err := state.RestoreSnapshot(snap); err != nil {
			return nil, fmt.Errorf("restore snapshot: %w", err)
		}
		return state, nil
	}

	for _, def := range sc.Devices {
		if err := state.AddDevice(def); err != nil {
			return nil, fmt.Errorf("add device %q: %w", def.ID, err)
		}
	}
	log.Info(ctx, "scenario loaded",
		logging.String("path", cfg.ScenarioPath),
		logging.Int("devices", len(sc.Devices)),
	)
	return state, nil
}

// runSimLoop steps the networks once per frame and refreshes health after
// every frame that ticked.
func runSimLoop(ctx context.Context, tc *timectrl.TimeController, state *sim.NetworkState, reporter *server.HealthReporter, log logging.Logger) <-chan struct{} {
	tc.AddListener(func(_ time.Time, delta time.Duration) {
		if state.Update(ctx, delta) > 0 {
			reporter.Refresh(ctx, state)
		}
	})
	log.Info(ctx, "simulation loop started",
		logging.String("frame", tc.Frame.String()),
		logging.String("mode", tc.Mode.String()),
	)
	return tc.Run(ctx, 0)
}

func newTimeController(cfg Config) *timectrl.TimeController {
	mode := timectrl.RealTime
	if cfg.Accelerated {
		mode = timectrl.Accelerated
	}
	return timectrl.NewTimeController(time.Now().UTC(), cfg.FrameInterval, mode)
}

func serveMetrics(addr string, collector *observability.NetworkCollector, log logging.Logger) *http.Server {
	if addr == "" || collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
