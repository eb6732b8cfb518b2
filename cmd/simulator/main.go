package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/signalsfoundry/utility-network-simulator/core"
	"github.com/signalsfoundry/utility-network-simulator/internal/logging"
	"github.com/signalsfoundry/utility-network-simulator/internal/observability"
	"github.com/signalsfoundry/utility-network-simulator/internal/persistence/snapshot"
	sim "github.com/signalsfoundry/utility-network-simulator/internal/sim/state"
	"github.com/signalsfoundry/utility-network-simulator/kb"
	"github.com/signalsfoundry/utility-network-simulator/timectrl"
	"go.opentelemetry.io/otel/trace"
)

// Options configure one simulator run.
type Options struct {
	Duration      time.Duration
	Frame         time.Duration
	Accelerated   bool
	ThresholdMode string // overrides the scenario when set
	SnapshotOut   string

	TracerProvider trace.TracerProvider
}

// Result summarises a finished run.
type Result struct {
	Frames          uint64
	Ticks           int
	ThresholdEvents int
	State           *sim.NetworkState
}

func main() {
	scenarioPath := flag.String("scenario", "configs/scenario.yaml", "path to a YAML scenario")
	duration := flag.Duration("duration", 30*time.Second, "total simulated time")
	frame := flag.Duration("frame", 250*time.Millisecond, "length of one update frame")
	accelerated := flag.Bool("accelerated", true, "run in accelerated mode (vs real-time)")
	thresholdMode := flag.String("threshold-mode", "", "override threshold mode: single-band or all-bands")
	snapshotOut := flag.String("snapshot-out", "", "write a zstd snapshot here when the run ends")
	flag.Parse()

	log := logging.NewFromEnv().With(logging.Component("simulator"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	f, err := os.Open(*scenarioPath)
	if err != nil {
		log.Error(ctx, "failed to open scenario", logging.String("path", *scenarioPath), logging.Err(err))
		os.Exit(1)
	}
	sc, err := core.LoadScenario(f)
	f.Close()
	if err != nil {
		log.Error(ctx, "failed to load scenario", logging.String("path", *scenarioPath), logging.Err(err))
		os.Exit(1)
	}

	mode := sc.Settings.ThresholdMode
	if *thresholdMode != "" {
		mode = core.ParseThresholdMode(*thresholdMode)
	}
	tcfg := observability.TracingConfigFromEnv()
	tcfg.Simulation = observability.SimulationInfo{
		Component:           "simulator",
		ScenarioPath:        *scenarioPath,
		ThresholdMode:       mode.String(),
		TickIntervalSeconds: sc.Settings.TickIntervalSeconds,
		MaxEndpointsPerGrid: sc.Settings.MaxEndpointsPerGrid,
	}
	tracing, err := observability.InitTracing(ctx, tcfg, log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.Err(err))
		os.Exit(1)
	}
	defer tracing.Shutdown(context.Background(), log)

	res, err := run(ctx, sc, Options{
		Duration:       *duration,
		Frame:          *frame,
		Accelerated:    *accelerated,
		ThresholdMode:  *thresholdMode,
		SnapshotOut:    *snapshotOut,
		TracerProvider: tracing.TracerProvider(),
	}, log)
	if err != nil {
		log.Error(ctx, "simulation failed", logging.Err(err))
		os.Exit(1)
	}

	for _, g := range res.State.Grids() {
		fmt.Printf("%-6s grid %-2d %-36s operating=%-5v balance=%6.2f endpoints=%v\n",
			g.Utility, g.ID, g.GridID, g.Operating, g.Balance, g.Endpoints)
	}
	fmt.Printf("Simulation complete: frames=%d ticks=%d threshold_events=%d\n",
		res.Frames, res.Ticks, res.ThresholdEvents)
}

// run plugs the scenario's devices into a fresh NetworkState and drives it
// with a TimeController until the duration elapses or ctx is cancelled.
func run(ctx context.Context, sc *core.Scenario, opts Options, log logging.Logger) (*Result, error) {
	if log == nil {
		log = logging.Noop()
	}
	settings := sc.Settings
	if opts.ThresholdMode != "" {
		settings.ThresholdMode = core.ParseThresholdMode(opts.ThresholdMode)
	}

	store := kb.NewKnowledgeBase()
	res := &Result{}
	store.Subscribe(func(ev kb.Event) {
		if ev.Type != kb.EventThresholdReached {
			return
		}
		res.ThresholdEvents++
		log.Info(ctx, "threshold reached",
			logging.String("device_id", ev.Device.ID),
			logging.String("utility", ev.Device.Utility),
			logging.Int("threshold", ev.Device.LastThreshold),
			logging.Float64("accumulated", ev.Device.AccumulatedPower),
		)
	})

	state := sim.NewNetworkState(store, log,
		sim.WithScenarioSettings(settings),
		sim.WithTracerProvider(opts.TracerProvider),
	)
	res.State = state
	for _, def := range sc.Devices {
		if err := state.AddDevice(def); err != nil {
			return nil, fmt.Errorf("add device %q: %w", def.ID, err)
		}
	}
	log.Info(ctx, "scenario loaded",
		logging.Int("devices", len(sc.Devices)),
		logging.Float64("tick_interval_seconds", settings.TickIntervalSeconds),
		logging.String("threshold_mode", settings.ThresholdMode.String()),
	)

	mode := timectrl.RealTime
	if opts.Accelerated {
		mode = timectrl.Accelerated
	}
	tc := timectrl.NewTimeController(time.Now().UTC(), opts.Frame, mode)
	tc.AddListener(func(_ time.Time, delta time.Duration) {
		res.Ticks += state.Update(ctx, delta)
	})

	log.Info(ctx, "starting simulation",
		logging.String("duration", opts.Duration.String()),
		logging.String("frame", tc.Frame.String()),
		logging.String("mode", mode.String()),
	)
	<-tc.Run(ctx, opts.Duration)
	res.Frames = tc.Frames()

	if opts.SnapshotOut != "" {
		if err := snapshot.WriteSnapshot(opts.SnapshotOut, state.ExportSnapshot(res.Frames)); err != nil {
			return res, fmt.Errorf("write snapshot: %w", err)
		}
		log.Info(ctx, "snapshot written", logging.String("path", opts.SnapshotOut))
	}
	return res, nil
}
