package core

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"

	"github.com/signalsfoundry/utility-network-simulator/internal/logging"
)

// ErrInvalidArgument reports a missing endpoint or grid on a call that
// requires one. It indicates a programming error in the caller.
var ErrInvalidArgument = errors.New("invalid argument")

// DefaultTickInterval is the simulated time between two grid ticks.
const DefaultTickInterval = 1.0

// Pluggable is an endpoint that can be attached to a grid.
type Pluggable interface {
	ID() string
	Connection() *Connection
	// CanJoin reports whether the endpoint is compatible with g.
	CanJoin(g Grid) bool
}

// Grid is a set of endpoints balanced together on every tick. FluidNetwork
// only routes endpoints to grids; balancing is up to the implementation.
type Grid interface {
	CanPlugIn(p Pluggable) bool
	PlugIn(p Pluggable) bool
	IsPluggedIn(p Pluggable) bool
	Unplug(p Pluggable)
	Tick()
	IsOperating() bool
}

// GridFactory builds the grid used when no registered grid accepts an
// endpoint.
type GridFactory func() Grid

type gridEntry struct {
	id   int
	grid Grid
}

// FluidNetwork keeps the set of grids of one utility, routes endpoints to
// them and turns variable frame deltas into fixed-interval grid ticks.
//
// It is not safe for concurrent use; callers serialise access.
type FluidNetwork struct {
	grids  []gridEntry
	nextID int

	secondsToTick float64
	secondsPassed float64

	newGrid GridFactory
	log     logging.Logger
}

// NetworkOption customises FluidNetwork construction.
type NetworkOption func(*FluidNetwork)

// WithGridFactory sets the constructor for lazily created grids.
func WithGridFactory(f GridFactory) NetworkOption {
	return func(n *FluidNetwork) {
		if f != nil {
			n.newGrid = f
		}
	}
}

// WithTickInterval sets the simulated seconds between ticks.
func WithTickInterval(seconds float64) NetworkOption {
	return func(n *FluidNetwork) {
		if seconds > 0 {
			n.secondsToTick = seconds
		}
	}
}

// WithLogger attaches a logger for grid lifecycle messages.
func WithLogger(log logging.Logger) NetworkOption {
	return func(n *FluidNetwork) {
		if log != nil {
			n.log = log
		}
	}
}

// NewFluidNetwork constructs an empty network. Without a grid factory,
// new grids are UtilityGrids with no utility and no size limit.
func NewFluidNetwork(opts ...NetworkOption) *FluidNetwork {
	n := &FluidNetwork{
		secondsToTick: DefaultTickInterval,
		newGrid:       func() Grid { return NewUtilityGrid("", 0) },
		log:           logging.Noop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(n)
		}
	}
	return n
}

func (n *FluidNetwork) IsEmpty() bool {
	return len(n.grids) == 0
}

// Len returns the number of registered grids.
func (n *FluidNetwork) Len() int {
	return len(n.grids)
}

// Grids returns the registered grids in registration order.
func (n *FluidNetwork) Grids() []Grid {
	out := make([]Grid, 0, len(n.grids))
	for _, e := range n.grids {
		out = append(out, e.grid)
	}
	return out
}

// TickInterval returns the simulated seconds between ticks.
func (n *FluidNetwork) TickInterval() float64 {
	return n.secondsToTick
}

// SecondsPassed returns the simulated time accumulated towards the next tick.
func (n *FluidNetwork) SecondsPassed() float64 {
	return n.secondsPassed
}

// CanPlugIn reports whether any registered grid would accept p right now.
func (n *FluidNetwork) CanPlugIn(p Pluggable) bool {
	if isNil(p) {
		return false
	}
	return n.firstAccepting(p) != nil
}

// PlugIn attaches p to the first grid that accepts it, creating a new grid
// when none does.
func (n *FluidNetwork) PlugIn(p Pluggable) (bool, error) {
	if isNil(p) {
		return false, fmt.Errorf("%w: nil endpoint", ErrInvalidArgument)
	}

	if n.IsEmpty() || n.firstAccepting(p) == nil {
		g := n.newGrid()
		n.register(g)
		n.log.Debug(context.Background(), "adding new grid",
			logging.String("endpoint", p.ID()),
			logging.Int("grid_id", n.FindID(g)),
			logging.Int("grids", len(n.grids)),
		)
	}

	return n.PlugInGrid(p, n.firstAccepting(p))
}

// PlugInGrid attaches p to g, registering g first if needed. A nil grid
// yields false.
func (n *FluidNetwork) PlugInGrid(p Pluggable, g Grid) (bool, error) {
	if isNil(p) {
		return false, fmt.Errorf("%w: nil endpoint", ErrInvalidArgument)
	}
	if isNil(g) {
		return false, nil
	}
	n.register(g)
	return g.PlugIn(p), nil
}

// IsPluggedIn returns the grid p belongs to, if any.
func (n *FluidNetwork) IsPluggedIn(p Pluggable) (Grid, bool) {
	if isNil(p) {
		return nil, false
	}
	for _, e := range n.grids {
		if e.grid.IsPluggedIn(p) {
			return e.grid, true
		}
	}
	return nil, false
}

// Unplug detaches p from its grid. It is a no-op when p is not plugged in.
func (n *FluidNetwork) Unplug(p Pluggable) error {
	if isNil(p) {
		return fmt.Errorf("%w: nil endpoint", ErrInvalidArgument)
	}
	g, ok := n.IsPluggedIn(p)
	if !ok {
		return nil
	}
	return n.UnplugGrid(p, g)
}

// UnplugGrid detaches p from g.
func (n *FluidNetwork) UnplugGrid(p Pluggable, g Grid) error {
	if isNil(p) {
		return fmt.Errorf("%w: nil endpoint", ErrInvalidArgument)
	}
	if isNil(g) {
		return fmt.Errorf("%w: nil grid", ErrInvalidArgument)
	}
	g.Unplug(p)
	return nil
}

// RegisterGrid adds g to the managed set. Registering twice is a no-op.
func (n *FluidNetwork) RegisterGrid(g Grid) error {
	if isNil(g) {
		return fmt.Errorf("%w: nil grid", ErrInvalidArgument)
	}
	n.register(g)
	return nil
}

// UnregisterGrid removes g from the managed set. Unknown grids are ignored.
func (n *FluidNetwork) UnregisterGrid(g Grid) error {
	if isNil(g) {
		return fmt.Errorf("%w: nil grid", ErrInvalidArgument)
	}
	n.remove(g)
	return nil
}

// RemoveGrid drops g from the managed set.
func (n *FluidNetwork) RemoveGrid(g Grid) error {
	return n.UnregisterGrid(g)
}

// FindID returns the identifier g received when it was registered, or -1.
// Identifiers are never reused, so they survive other grids coming and going.
func (n *FluidNetwork) FindID(g Grid) int {
	if isNil(g) {
		return -1
	}
	for _, e := range n.grids {
		if e.grid == g {
			return e.id
		}
	}
	return -1
}

// HasPower reports whether p is plugged into an operating grid.
func (n *FluidNetwork) HasPower(p Pluggable) bool {
	g, ok := n.IsPluggedIn(p)
	return ok && g.IsOperating()
}

// RemoveEmptyGrids unregisters grids that report IsEmpty and returns how
// many were dropped. Grids without an IsEmpty method are kept.
func (n *FluidNetwork) RemoveEmptyGrids() int {
	kept := n.grids[:0]
	removed := 0
	for _, e := range n.grids {
		if em, ok := e.grid.(interface{ IsEmpty() bool }); ok && em.IsEmpty() {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(n.grids); i++ {
		n.grids[i] = gridEntry{}
	}
	n.grids = kept
	return removed
}

// Update adds deltaSeconds of simulated time. Once the interval is reached
// every grid ticks once and the accumulator restarts from zero; overshoot is
// discarded, so a single call never ticks more than once. Deltas that are
// not finite or not positive are ignored.
func (n *FluidNetwork) Update(deltaSeconds float64) bool {
	if deltaSeconds <= 0 || math.IsNaN(deltaSeconds) || math.IsInf(deltaSeconds, 0) {
		return false
	}
	n.secondsPassed += deltaSeconds
	if n.secondsPassed < n.secondsToTick {
		return false
	}
	n.secondsPassed = 0
	n.tick()
	return true
}

func (n *FluidNetwork) tick() {
	for _, e := range n.grids {
		e.grid.Tick()
	}
}

func (n *FluidNetwork) firstAccepting(p Pluggable) Grid {
	for _, e := range n.grids {
		if e.grid.CanPlugIn(p) {
			return e.grid
		}
	}
	return nil
}

func (n *FluidNetwork) register(g Grid) {
	if n.FindID(g) >= 0 {
		return
	}
	n.grids = append(n.grids, gridEntry{id: n.nextID, grid: g})
	n.nextID++
}

func (n *FluidNetwork) remove(g Grid) {
	for i, e := range n.grids {
		if e.grid == g {
			last := len(n.grids) - 1
			copy(n.grids[i:], n.grids[i+1:])
			n.grids[last] = gridEntry{}
			n.grids = n.grids[:last]
			return
		}
	}
}

// isNil also catches typed nil pointers stored in an interface.
func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
