package core

import (
	"math"

	"github.com/google/uuid"
)

// Utility names the resource a grid carries, e.g. "power" or "water".
type Utility string

const (
	UtilityPower Utility = "power"
	UtilityWater Utility = "water"
)

// UtilityCarrier is implemented by grids that carry a single utility.
type UtilityCarrier interface {
	Utility() Utility
}

// UtilityGrid is the reference Grid: producers feed consumers, surplus
// charges accumulators and deficit drains them.
type UtilityGrid struct {
	id           string
	utility      Utility
	maxEndpoints int

	endpoints   []Pluggable
	isOperating bool
	balance     float64
}

// NewUtilityGrid builds an empty grid. maxEndpoints <= 0 means unlimited.
func NewUtilityGrid(utility Utility, maxEndpoints int) *UtilityGrid {
	return &UtilityGrid{
		id:           uuid.NewString(),
		utility:      utility,
		maxEndpoints: maxEndpoints,
	}
}

// NewUtilityGridWithID builds a grid with a known id, e.g. when restoring a
// snapshot.
func NewUtilityGridWithID(id string, utility Utility, maxEndpoints int) *UtilityGrid {
	g := NewUtilityGrid(utility, maxEndpoints)
	if id != "" {
		g.id = id
	}
	return g
}

func (g *UtilityGrid) ID() string       { return g.id }
func (g *UtilityGrid) Utility() Utility { return g.utility }
func (g *UtilityGrid) Len() int         { return len(g.endpoints) }
func (g *UtilityGrid) IsEmpty() bool    { return len(g.endpoints) == 0 }
func (g *UtilityGrid) IsOperating() bool {
	return g.isOperating
}

// Balance is the net amount left after the last tick: positive when
// producers had surplus, negative when demand went unmet.
func (g *UtilityGrid) Balance() float64 {
	return g.balance
}

// Endpoints returns the members in join order.
func (g *UtilityGrid) Endpoints() []Pluggable {
	return append([]Pluggable(nil), g.endpoints...)
}

func (g *UtilityGrid) CanPlugIn(p Pluggable) bool {
	if isNil(p) || g.IsPluggedIn(p) {
		return false
	}
	if g.maxEndpoints > 0 && len(g.endpoints) >= g.maxEndpoints {
		return false
	}
	return p.CanJoin(g)
}

func (g *UtilityGrid) PlugIn(p Pluggable) bool {
	if !g.CanPlugIn(p) {
		return false
	}
	g.endpoints = append(g.endpoints, p)
	return true
}

func (g *UtilityGrid) IsPluggedIn(p Pluggable) bool {
	return g.indexOf(p) >= 0
}

func (g *UtilityGrid) Unplug(p Pluggable) {
	idx := g.indexOf(p)
	if idx < 0 {
		return
	}
	g.endpoints = append(g.endpoints[:idx], g.endpoints[idx+1:]...)
}

// Tick balances one interval of production against consumption.
func (g *UtilityGrid) Tick() {
	level := 0.0
	var accumulators []*Connection
	for _, p := range g.endpoints {
		conn := p.Connection()
		if conn == nil {
			continue
		}
		switch {
		case conn.IsPowerAccumulator():
			accumulators = append(accumulators, conn)
		case conn.IsPowerProducer():
			level += conn.OutputRate
		case conn.IsPowerConsumer():
			level -= conn.InputRate
		}
	}

	switch {
	case level > Epsilon:
		level = charge(accumulators, level)
	case level < -Epsilon:
		level = -discharge(accumulators, -level)
	}

	g.balance = level
	g.isOperating = level >= -Epsilon
}

// charge spreads surplus over accumulators in join order and returns what
// is left.
func charge(accumulators []*Connection, surplus float64) float64 {
	for _, conn := range accumulators {
		if surplus <= Epsilon {
			break
		}
		if conn.IsFull() {
			continue
		}
		room := math.Max(conn.Capacity-conn.AccumulatedPower(), 0)
		amount := math.Min(math.Min(conn.InputRate, room), surplus)
		if amount <= 0 {
			continue
		}
		conn.SetAccumulatedPower(conn.AccumulatedPower() + amount)
		surplus -= amount
	}
	return surplus
}

// discharge covers deficit from accumulators and returns what is still
// missing.
func discharge(accumulators []*Connection, deficit float64) float64 {
	for _, conn := range accumulators {
		if deficit <= Epsilon {
			break
		}
		if conn.IsEmpty() {
			continue
		}
		amount := math.Min(math.Min(conn.OutputRate, conn.AccumulatedPower()), deficit)
		if amount <= 0 {
			continue
		}
		conn.SetAccumulatedPower(conn.AccumulatedPower() - amount)
		deficit -= amount
	}
	return deficit
}

func (g *UtilityGrid) indexOf(p Pluggable) int {
	if isNil(p) {
		return -1
	}
	for i, e := range g.endpoints {
		if e == p {
			return i
		}
	}
	return -1
}
