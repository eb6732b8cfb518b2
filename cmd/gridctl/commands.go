package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/signalsfoundry/utility-network-simulator/core"
	"github.com/signalsfoundry/utility-network-simulator/internal/logging"
	"github.com/signalsfoundry/utility-network-simulator/internal/persistence/snapshot"
	sim "github.com/signalsfoundry/utility-network-simulator/internal/sim/state"
	"github.com/signalsfoundry/utility-network-simulator/kb"
	"github.com/spf13/cobra"
)

type rootFlags struct {
	jsonOutput bool
	logLevel   string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "gridctl",
		Short:         "Inspect utility network scenarios and snapshots",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&flags.jsonOutput, "json", false, "print machine-readable JSON")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "warn", "log level: debug, info, warn, error")

	scenarioCmd := &cobra.Command{
		Use:   "scenario",
		Short: "Work with scenario files",
	}
	scenarioCmd.AddCommand(newScenarioValidateCmd(flags))

	snapshotCmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Work with network snapshots",
	}
	snapshotCmd.AddCommand(newSnapshotShowCmd(flags))

	root.AddCommand(scenarioCmd, snapshotCmd)
	return root
}

// scenarioReport is the result of plugging a scenario into a fresh state.
type scenarioReport struct {
	Path          string            `json:"path"`
	Devices       int               `json:"devices"`
	TickInterval  float64           `json:"tick_interval_seconds"`
	ThresholdMode string            `json:"threshold_mode"`
	Grids         []sim.GridSummary `json:"grids"`
	// Ticks is only set when --simulate is used.
	Ticks int `json:"ticks,omitempty"`
}

func newScenarioValidateCmd(flags *rootFlags) *cobra.Command {
	var simulate time.Duration
	cmd := &cobra.Command{
		Use:   "validate <path>",
		Short: "Load a scenario, plug every device in and print the resulting grids",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.New(logging.Config{Level: flags.logLevel, Output: cmd.ErrOrStderr()}).With(logging.Component("gridctl"))
			report, err := validateScenario(cmd.Context(), args[0], simulate, log)
			if err != nil {
				return err
			}
			if flags.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			printScenarioReport(cmd.OutOrStdout(), report)
			return nil
		},
	}
	cmd.Flags().DurationVar(&simulate, "simulate", 0, "advance the networks by this much simulated time before reporting")
	return cmd
}

func validateScenario(ctx context.Context, path string, simulate time.Duration, log logging.Logger) (*scenarioReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open scenario: %w", err)
	}
	defer f.Close()

	sc, err := core.LoadScenario(f)
	if err != nil {
		return nil, err
	}
	state := sim.NewNetworkState(kb.NewKnowledgeBase(), log, sim.WithScenarioSettings(sc.Settings))
	for _, def := range sc.Devices {
		if err := state.AddDevice(def); err != nil {
			return nil, fmt.Errorf("device %q: %w", def.ID, err)
		}
	}

	report := &scenarioReport{
		Path:          path,
		Devices:       len(sc.Devices),
		TickInterval:  sc.Settings.TickIntervalSeconds,
		ThresholdMode: sc.Settings.ThresholdMode.String(),
	}
	if simulate > 0 {
		report.Ticks = state.Update(ctx, simulate)
	}
	report.Grids = state.Grids()
	return report, nil
}

func printScenarioReport(w io.Writer, r *scenarioReport) {
	fmt.Fprintf(w, "Scenario %s: %d devices, tick %.3gs, %s\n", r.Path, r.Devices, r.TickInterval, r.ThresholdMode)
	if r.Ticks > 0 {
		fmt.Fprintf(w, "Simulated ticks: %d\n", r.Ticks)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "UTILITY\tGRID\tOPERATING\tBALANCE\tENDPOINTS")
	for _, g := range r.Grids {
		fmt.Fprintf(tw, "%s\t%d\t%v\t%.2f\t%v\n", g.Utility, g.ID, g.Operating, g.Balance, g.Endpoints)
	}
	tw.Flush()
}

func newSnapshotShowCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show <path>",
		Short: "Decode a snapshot file and print its contents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := snapshot.ReadSnapshot(args[0])
			if err != nil {
				return err
			}
			if flags.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), snap)
			}
			printSnapshot(cmd.OutOrStdout(), snap)
			return nil
		},
	}
}

func printSnapshot(w io.Writer, snap snapshot.SnapshotV1) {
	fmt.Fprintf(w, "Snapshot v%d at tick %d (created %s)\n",
		snap.Header.Version, snap.Header.Tick, snap.Header.CreatedAt.Format(time.RFC3339))
	if snap.ThresholdMode != "" {
		fmt.Fprintf(w, "Threshold mode: %s\n", snap.ThresholdMode)
	}

	devices := append([]snapshot.DeviceV1(nil), snap.Devices...)
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVICE\tUTILITY\tIN\tOUT\tCAPACITY\tSTORED\tBAND")
	for _, d := range devices {
		band := "-"
		if d.LastThreshold != nil {
			band = fmt.Sprintf("%d%%", *d.LastThreshold)
		}
		fmt.Fprintf(tw, "%s\t%s\t%.2f\t%.2f\t%.2f\t%.2f\t%s\n",
			d.ID, d.Utility, d.InputRate, d.OutputRate, d.Capacity, d.AccumulatedPower, band)
	}
	tw.Flush()

	for _, n := range snap.Networks {
		fmt.Fprintf(w, "Network %s: tick %.3gs, carry %.3gs, %d grids\n",
			n.Utility, n.TickInterval, n.SecondsPassed, len(n.Grids))
		for _, g := range n.Grids {
			fmt.Fprintf(w, "  %s %v\n", g.ID, g.Devices)
		}
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
