// internal/sim/state/state.go
package state

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/signalsfoundry/utility-network-simulator/core"
	"github.com/signalsfoundry/utility-network-simulator/internal/logging"
	"github.com/signalsfoundry/utility-network-simulator/internal/persistence/snapshot"
	"github.com/signalsfoundry/utility-network-simulator/kb"
	"github.com/signalsfoundry/utility-network-simulator/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/signalsfoundry/utility-network-simulator/internal/sim/state"

var (
	// ErrDeviceExists indicates a device with the same ID is already attached.
	ErrDeviceExists = kb.ErrDeviceExists
	// ErrDeviceNotFound indicates a requested device was not found.
	ErrDeviceNotFound = kb.ErrDeviceNotFound
	// ErrDeviceInvalid indicates a device definition failed validation.
	ErrDeviceInvalid = errors.New("invalid device")
)

// NetworkMetricsRecorder receives network shape, tick and threshold updates.
type NetworkMetricsRecorder interface {
	SetNetworkCounts(utility string, grids, endpoints, operating int)
	ObserveTick(utility string, d time.Duration)
	IncThresholdEvents(utility string, threshold int)
}

// GridSummary is a read-only view of one grid.
type GridSummary struct {
	Utility   core.Utility `json:"utility"`
	ID        int          `json:"id"`
	GridID    string       `json:"grid_id"`
	Endpoints []string     `json:"endpoints"`
	Operating bool         `json:"operating"`
	Balance   float64      `json:"balance"`
}

type deviceEntry struct {
	device  *core.Device
	utility core.Utility
	unsubs  []func()
}

type thresholdEvent struct {
	deviceID    string
	utility     core.Utility
	accumulated float64
	threshold   int
}

// NetworkState owns one FluidNetwork per utility and keeps the knowledge
// base in step with the runtime devices plugged into them.
//
// KB writes that notify subscribers happen after the state lock is
// released, so subscribers may query NetworkState.
type NetworkState struct {
	mu sync.RWMutex

	store    *kb.KnowledgeBase
	networks map[core.Utility]*core.FluidNetwork
	devices  map[string]*deviceEntry

	// pending collects threshold events raised while the lock is held.
	pending []thresholdEvent

	tickInterval float64
	maxEndpoints int
	mode         core.ThresholdMode

	log     logging.Logger
	metrics NetworkMetricsRecorder
	tracer  trace.Tracer
}

// NetworkStateOption customises NetworkState construction.
type NetworkStateOption func(*NetworkState)

// WithMetricsRecorder attaches an optional metrics recorder.
func WithMetricsRecorder(m NetworkMetricsRecorder) NetworkStateOption {
	return func(s *NetworkState) {
		s.metrics = m
	}
}

// WithTracer overrides the tracer used for network update spans.
func WithTracer(t trace.Tracer) NetworkStateOption {
	return func(s *NetworkState) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithTracerProvider takes the update tracer from tp instead of the global
// provider.
func WithTracerProvider(tp trace.TracerProvider) NetworkStateOption {
	return func(s *NetworkState) {
		if tp != nil {
			s.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithMaxEndpointsPerGrid limits the size of lazily created grids.
// Zero or less means unlimited.
func WithMaxEndpointsPerGrid(n int) NetworkStateOption {
	return func(s *NetworkState) {
		s.maxEndpoints = n
	}
}

// WithTickInterval sets the simulated seconds between grid ticks.
func WithTickInterval(seconds float64) NetworkStateOption {
	return func(s *NetworkState) {
		if seconds > 0 {
			s.tickInterval = seconds
		}
	}
}

// WithThresholdMode selects how connections report large jumps.
func WithThresholdMode(mode core.ThresholdMode) NetworkStateOption {
	return func(s *NetworkState) {
		s.mode = mode
	}
}

// WithScenarioSettings applies the settings block of a scenario file.
func WithScenarioSettings(settings core.ScenarioSettings) NetworkStateOption {
	return func(s *NetworkState) {
		WithTickInterval(settings.TickIntervalSeconds)(s)
		WithMaxEndpointsPerGrid(settings.MaxEndpointsPerGrid)(s)
		WithThresholdMode(settings.ThresholdMode)(s)
	}
}

// NewNetworkState builds an empty state backed by store. A nil store gets a
// fresh knowledge base.
func NewNetworkState(store *kb.KnowledgeBase, log logging.Logger, opts ...NetworkStateOption) *NetworkState {
	if store == nil {
		store = kb.NewKnowledgeBase()
	}
	if log == nil {
		log = logging.Noop()
	}
	s := &NetworkState{
		store:        store,
		networks:     make(map[core.Utility]*core.FluidNetwork),
		devices:      make(map[string]*deviceEntry),
		tickInterval: core.DefaultTickInterval,
		log:          log.With(logging.Component("network_state")),
		tracer:       otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// KB exposes the knowledge base mirrored by this state.
func (s *NetworkState) KB() *kb.KnowledgeBase {
	return s.store
}

// AddDevice validates def, plugs a runtime device for it into the network
// of its utility and stores the definition in the KB.
func (s *NetworkState) AddDevice(def *model.DeviceDefinition) error {
	if err := validateDevice(def); err != nil {
		return err
	}
	stored := *def
	stored.Utility = string(normalizeUtility(def.Utility))

	s.mu.Lock()
	if _, exists := s.devices[stored.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrDeviceExists, stored.ID)
	}
	entry := s.attachLocked(stored, nil)
	plugged, err := s.networkLocked(entry.utility).PlugIn(entry.device)
	if err == nil && !plugged {
		err = fmt.Errorf("%w: no grid accepts %q", ErrDeviceInvalid, stored.ID)
	}
	if err != nil {
		s.detachLocked(stored.ID)
		s.mu.Unlock()
		return err
	}
	stored.LastThreshold = entry.device.Connection().CurrentThreshold()
	s.updateMetricsLocked(entry.utility)
	s.mu.Unlock()

	if err := s.store.AddDevice(&stored); err != nil {
		s.mu.Lock()
		s.removeLocked(stored.ID)
		s.mu.Unlock()
		return err
	}

	s.log.Debug(context.Background(), "device added",
		logging.String("device_id", stored.ID),
		logging.String("utility", stored.Utility),
		logging.String("kind", string(stored.Kind())),
	)
	return nil
}

// RemoveDevice unplugs the device, drops grids left empty and deletes the
// definition from the KB.
func (s *NetworkState) RemoveDevice(id string) error {
	s.mu.Lock()
	if _, ok := s.devices[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrDeviceNotFound, id)
	}
	s.removeLocked(id)
	s.mu.Unlock()

	if err := s.store.RemoveDevice(id); err != nil && !errors.Is(err, kb.ErrDeviceNotFound) {
		return err
	}
	s.log.Debug(context.Background(), "device removed", logging.String("device_id", id))
	return nil
}

// Device returns the runtime device with the given ID.
func (s *NetworkState) Device(id string) (*core.Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.devices[id]
	if !ok {
		return nil, false
	}
	return entry.device, true
}

// HasPower reports whether the device sits in a grid that met demand on
// its last tick. Unknown devices have no power.
func (s *NetworkState) HasPower(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.devices[id]
	if !ok {
		return false
	}
	n, ok := s.networks[entry.utility]
	return ok && n.HasPower(entry.device)
}

// ReconnectDevice asks the device's connection to reconnect, which moves
// it back through grid selection.
func (s *NetworkState) ReconnectDevice(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.devices[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrDeviceNotFound, id)
	}
	entry.device.Connection().Reconnect()
	s.updateMetricsLocked(entry.utility)
	return nil
}

// Update feeds delta of simulated time to every network and returns how
// many of them ticked. Threshold events raised by the ticks are recorded
// in the KB once the state lock is released.
func (s *NetworkState) Update(ctx context.Context, delta time.Duration) int {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	ticked := 0
	for _, utility := range s.utilitiesLocked() {
		if s.updateNetworkLocked(ctx, utility, delta) {
			ticked++
		}
	}
	events := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, ev := range events {
		if err := s.store.RecordThreshold(ev.deviceID, ev.accumulated, ev.threshold); err != nil {
			s.log.Warn(ctx, "threshold for unknown device",
				logging.String("device_id", ev.deviceID),
				logging.Err(err),
			)
			continue
		}
		if s.metrics != nil {
			s.metrics.IncThresholdEvents(string(ev.utility), ev.threshold)
		}
		s.log.Debug(ctx, "threshold reached",
			logging.String("device_id", ev.deviceID),
			logging.String("utility", string(ev.utility)),
			logging.Int("threshold", ev.threshold),
			logging.Float64("accumulated", ev.accumulated),
		)
	}
	return ticked
}

func (s *NetworkState) updateNetworkLocked(ctx context.Context, utility core.Utility, delta time.Duration) bool {
	n := s.networks[utility]
	_, span := s.tracer.Start(ctx, "network.update",
		trace.WithAttributes(
			attribute.String("utility", string(utility)),
			attribute.Int("grids", n.Len()),
			attribute.Float64("delta_seconds", delta.Seconds()),
		),
	)
	defer span.End()

	start := time.Now()
	if !n.Update(delta.Seconds()) {
		span.SetAttributes(attribute.Bool("ticked", false))
		return false
	}
	elapsed := time.Since(start)
	span.SetAttributes(attribute.Bool("ticked", true))

	for id, entry := range s.devices {
		if entry.utility != utility {
			continue
		}
		conn := entry.device.Connection()
		if !conn.IsPowerAccumulator() {
			continue
		}
		// Level syncs do not notify subscribers, so the KB can be written
		// under the state lock.
		if err := s.store.UpdateDeviceLevel(id, conn.AccumulatedPower(), conn.CurrentThreshold()); err != nil {
			s.log.Warn(ctx, "level sync for unknown device",
				logging.String("device_id", id),
				logging.String("utility", string(utility)),
				logging.Err(err),
			)
		}
	}

	if s.metrics != nil {
		s.metrics.ObserveTick(string(utility), elapsed)
	}
	s.updateMetricsLocked(utility)
	return true
}

// Grids lists every grid ordered by utility, then registration order.
func (s *NetworkState) Grids() []GridSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []GridSummary
	for _, utility := range s.utilitiesLocked() {
		n := s.networks[utility]
		for _, g := range n.Grids() {
			out = append(out, summarize(utility, n, g))
		}
	}
	return out
}

// Utilities returns the utilities that have a network, sorted.
func (s *NetworkState) Utilities() []core.Utility {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.utilitiesLocked()
}

// ExportSnapshot captures devices and grid membership.
func (s *NetworkState) ExportSnapshot(tick uint64) snapshot.SnapshotV1 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := snapshot.SnapshotV1{
		Header: snapshot.Header{
			Version:   snapshot.Version,
			Tick:      tick,
			CreatedAt: time.Now().UTC(),
		},
		ThresholdMode:       s.mode.String(),
		MaxEndpointsPerGrid: s.maxEndpoints,
		Devices:             make([]snapshot.DeviceV1, 0, len(s.devices)),
	}

	ids := make([]string, 0, len(s.devices))
	for id := range s.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		entry := s.devices[id]
		conn := entry.device.Connection()
		band := conn.CurrentThreshold()
		snap.Devices = append(snap.Devices, snapshot.DeviceV1{
			ID:               id,
			Name:             entry.device.Name,
			Utility:          string(entry.utility),
			InputRate:        conn.InputRate,
			OutputRate:       conn.OutputRate,
			Capacity:         conn.Capacity,
			AccumulatedPower: conn.AccumulatedPower(),
			LastThreshold:    &band,
		})
	}

	for _, utility := range s.utilitiesLocked() {
		n := s.networks[utility]
		nv := snapshot.NetworkV1{
			Utility:       string(utility),
			TickInterval:  n.TickInterval(),
			SecondsPassed: n.SecondsPassed(),
		}
		for _, g := range n.Grids() {
			sum := summarize(utility, n, g)
			nv.Grids = append(nv.Grids, snapshot.GridV1{ID: sum.GridID, Devices: sum.Endpoints})
		}
		snap.Networks = append(snap.Networks, nv)
	}
	return snap
}

// RestoreSnapshot replaces all devices and networks with the content of
// snap. Grid membership is restored as recorded; devices not listed in any
// grid are plugged in through normal grid selection.
func (s *NetworkState) RestoreSnapshot(snap snapshot.SnapshotV1) error {
	if snap.Header.Version != snapshot.Version {
		return fmt.Errorf("%w: %d", snapshot.ErrUnsupportedVersion, snap.Header.Version)
	}

	defs := make(map[string]model.DeviceDefinition, len(snap.Devices))
	bands := make(map[string]*int, len(snap.Devices))
	order := make([]string, 0, len(snap.Devices))
	for _, d := range snap.Devices {
		def := model.DeviceDefinition{
			ID:               d.ID,
			Name:             d.Name,
			Utility:          string(normalizeUtility(d.Utility)),
			InputRate:        d.InputRate,
			OutputRate:       d.OutputRate,
			Capacity:         d.Capacity,
			AccumulatedPower: d.AccumulatedPower,
		}
		if err := validateDevice(&def); err != nil {
			return err
		}
		if _, dup := defs[def.ID]; dup {
			return fmt.Errorf("%w: duplicate device %q in snapshot", ErrDeviceInvalid, def.ID)
		}
		defs[def.ID] = def
		bands[def.ID] = d.LastThreshold
		order = append(order, def.ID)
	}

	s.mu.Lock()
	removed := make([]string, 0, len(s.devices))
	for id := range s.devices {
		s.removeLocked(id)
		removed = append(removed, id)
	}
	s.networks = make(map[core.Utility]*core.FluidNetwork)
	s.pending = nil
	s.mode = core.ParseThresholdMode(snap.ThresholdMode)
	s.maxEndpoints = snap.MaxEndpointsPerGrid

	for _, id := range order {
		entry := s.attachLocked(defs[id], bands[id])
		def := defs[id]
		def.LastThreshold = entry.device.Connection().CurrentThreshold()
		defs[id] = def
	}

	var restoreErr error
	for _, nv := range snap.Networks {
		utility := normalizeUtility(nv.Utility)
		n := s.newNetworkLocked(utility, nv.TickInterval)
		s.networks[utility] = n
		for _, gv := range nv.Grids {
			g := core.NewUtilityGridWithID(gv.ID, utility, s.maxEndpoints)
			_ = n.RegisterGrid(g)
			for _, id := range gv.Devices {
				entry, ok := s.devices[id]
				if !ok || entry.utility != utility {
					restoreErr = errors.Join(restoreErr, fmt.Errorf("%w: grid %q lists unknown %s device %q", ErrDeviceInvalid, gv.ID, utility, id))
					continue
				}
				if _, err := n.PlugInGrid(entry.device, g); err != nil {
					restoreErr = errors.Join(restoreErr, err)
				}
			}
		}
		if nv.SecondsPassed > 0 && nv.SecondsPassed < n.TickInterval() {
			n.Update(nv.SecondsPassed)
		}
	}

	for _, id := range order {
		entry := s.devices[id]
		n := s.networkLocked(entry.utility)
		if _, plugged := n.IsPluggedIn(entry.device); plugged {
			continue
		}
		if _, err := n.PlugIn(entry.device); err != nil {
			restoreErr = errors.Join(restoreErr, err)
		}
	}
	for utility := range s.networks {
		s.updateMetricsLocked(utility)
	}
	s.mu.Unlock()

	for _, id := range removed {
		_ = s.store.RemoveDevice(id)
	}
	for _, id := range order {
		def := defs[id]
		if err := s.store.AddDevice(&def); err != nil {
			restoreErr = errors.Join(restoreErr, err)
		}
	}

	s.log.Info(context.Background(), "snapshot restored",
		logging.Uint64("tick", snap.Header.Tick),
		logging.Int("devices", len(order)),
		logging.Int("networks", len(snap.Networks)),
	)
	return restoreErr
}

// attachLocked builds the runtime device for def and wires its connection
// listeners. The last reached band is band when known, otherwise derived
// from the stored amount. It does not plug the device in.
func (s *NetworkState) attachLocked(def model.DeviceDefinition, band *int) *deviceEntry {
	utility := normalizeUtility(def.Utility)
	conn := core.NewConnection(def.InputRate, def.OutputRate, def.Capacity)
	conn.Mode = s.mode
	if band == nil || !conn.RestoreState(def.AccumulatedPower, *band) {
		conn.RestoreAccumulatedPower(def.AccumulatedPower)
	}

	dev := core.NewDevice(def.ID, def.Name, utility, conn)
	entry := &deviceEntry{device: dev, utility: utility}

	entry.unsubs = append(entry.unsubs,
		conn.OnThresholdReached(func(c *core.Connection) {
			s.pending = append(s.pending, thresholdEvent{
				deviceID:    def.ID,
				utility:     utility,
				accumulated: c.AccumulatedPower(),
				threshold:   c.CurrentThreshold(),
			})
		}),
		// Reconnect is only triggered through ReconnectDevice, which holds
		// the lock.
		conn.OnReconnecting(func() {
			s.replugLocked(entry)
		}),
	)

	s.devices[def.ID] = entry
	return entry
}

func (s *NetworkState) replugLocked(entry *deviceEntry) {
	n := s.networkLocked(entry.utility)
	if err := n.Unplug(entry.device); err != nil {
		return
	}
	n.RemoveEmptyGrids()
	if _, err := n.PlugIn(entry.device); err != nil {
		s.log.Warn(context.Background(), "re-plug failed",
			logging.String("device_id", entry.device.ID()),
			logging.Err(err),
		)
	}
}

func (s *NetworkState) detachLocked(id string) *deviceEntry {
	entry, ok := s.devices[id]
	if !ok {
		return nil
	}
	for _, unsub := range entry.unsubs {
		unsub()
	}
	delete(s.devices, id)
	return entry
}

func (s *NetworkState) removeLocked(id string) {
	entry := s.detachLocked(id)
	if entry == nil {
		return
	}
	n, ok := s.networks[entry.utility]
	if !ok {
		return
	}
	_ = n.Unplug(entry.device)
	n.RemoveEmptyGrids()
	s.updateMetricsLocked(entry.utility)
}

func (s *NetworkState) networkLocked(utility core.Utility) *core.FluidNetwork {
	if n, ok := s.networks[utility]; ok {
		return n
	}
	n := s.newNetworkLocked(utility, s.tickInterval)
	s.networks[utility] = n
	return n
}

func (s *NetworkState) newNetworkLocked(utility core.Utility, tickInterval float64) *core.FluidNetwork {
	maxEndpoints := s.maxEndpoints
	return core.NewFluidNetwork(
		core.WithGridFactory(func() core.Grid {
			return core.NewUtilityGrid(utility, maxEndpoints)
		}),
		core.WithTickInterval(tickInterval),
		core.WithLogger(s.log.With(logging.String("utility", string(utility)))),
	)
}

func (s *NetworkState) utilitiesLocked() []core.Utility {
	out := make([]core.Utility, 0, len(s.networks))
	for u := range s.networks {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *NetworkState) updateMetricsLocked(utility core.Utility) {
	if s.metrics == nil {
		return
	}
	n, ok := s.networks[utility]
	if !ok {
		return
	}
	endpoints, operating := 0, 0
	for _, g := range n.Grids() {
		if ug, ok := g.(*core.UtilityGrid); ok {
			endpoints += ug.Len()
		}
		if g.IsOperating() {
			operating++
		}
	}
	s.metrics.SetNetworkCounts(string(utility), n.Len(), endpoints, operating)
}

func summarize(utility core.Utility, n *core.FluidNetwork, g core.Grid) GridSummary {
	sum := GridSummary{
		Utility:   utility,
		ID:        n.FindID(g),
		Operating: g.IsOperating(),
	}
	sum.GridID = strconv.Itoa(sum.ID)
	if ug, ok := g.(*core.UtilityGrid); ok {
		sum.GridID = ug.ID()
		sum.Balance = ug.Balance()
		for _, p := range ug.Endpoints() {
			sum.Endpoints = append(sum.Endpoints, p.ID())
		}
	}
	return sum
}

func normalizeUtility(u string) core.Utility {
	u = strings.ToLower(strings.TrimSpace(u))
	if u == "" {
		return core.UtilityPower
	}
	return core.Utility(u)
}

func validateDevice(def *model.DeviceDefinition) error {
	if def == nil {
		return fmt.Errorf("%w: nil definition", ErrDeviceInvalid)
	}
	if strings.TrimSpace(def.ID) == "" {
		return fmt.Errorf("%w: empty id", ErrDeviceInvalid)
	}
	for name, v := range map[string]float64{
		"input_rate":  def.InputRate,
		"output_rate": def.OutputRate,
		"capacity":    def.Capacity,
		"accumulated": def.AccumulatedPower,
	} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %q has invalid %s %v", ErrDeviceInvalid, def.ID, name, v)
		}
	}
	if def.AccumulatedPower > def.Capacity+core.Epsilon {
		return fmt.Errorf("%w: %q stores %v above capacity %v", ErrDeviceInvalid, def.ID, def.AccumulatedPower, def.Capacity)
	}
	return nil
}
