package core

import (
	"math"
	"strconv"
	"strings"
)

// Epsilon is the tolerance used when comparing stored amounts.
const Epsilon = 1e-6

// capacityThresholds are the band boundaries as fractions of capacity.
var capacityThresholds = [...]float64{0.0, 0.25, 0.5, 0.75, 1.0}

// ThresholdMode selects how many bands a single write may cross.
type ThresholdMode int

const (
	// SingleBand only considers the band adjacent to the last reached one in
	// the direction of travel. A write that jumps several bands fires once.
	SingleBand ThresholdMode = iota
	// AllBands keeps stepping while the next band is crossed, firing once
	// per band.
	AllBands
)

func (m ThresholdMode) String() string {
	switch m {
	case AllBands:
		return "all-bands"
	default:
		return "single-band"
	}
}

// ParseThresholdMode maps a config string onto a ThresholdMode. Unknown
// values fall back to SingleBand.
func ParseThresholdMode(s string) ThresholdMode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "all-bands", "all_bands", "allbands", "all":
		return AllBands
	default:
		return SingleBand
	}
}

// Connection is the per-endpoint state of a utility grid member: its
// production and consumption rates and, for accumulators, the stored amount.
//
// Connection is not safe for concurrent use. It is owned by the endpoint
// that holds it and mutated by the grid the endpoint is plugged into.
type Connection struct {
	// InputRate is the amount consumed per tick. For accumulators it is the
	// rate of charge.
	InputRate float64
	// OutputRate is the amount produced per tick. For accumulators it is the
	// rate of discharge.
	OutputRate float64
	// Capacity is the amount an accumulator can store. Zero means the
	// connection does not store anything.
	Capacity float64
	// Mode controls threshold detection on large jumps.
	Mode ThresholdMode

	accumulated      float64
	thresholdIndex   int
	currentThreshold int

	nextSubID        int
	thresholdSubs    []thresholdSub
	reconnectingSubs []reconnectingSub
}

type thresholdSub struct {
	id int
	fn func(*Connection)
}

type reconnectingSub struct {
	id int
	fn func()
}

// NewConnection builds a connection with an empty store.
func NewConnection(inputRate, outputRate, capacity float64) *Connection {
	return &Connection{
		InputRate:  inputRate,
		OutputRate: outputRate,
		Capacity:   capacity,
	}
}

// AccumulatedPower returns the stored amount.
func (c *Connection) AccumulatedPower() float64 {
	return c.accumulated
}

// SetAccumulatedPower stores value and runs threshold detection. Writes
// within Epsilon of the current amount are ignored. The value is not
// clamped to [0, Capacity]; keeping it in range is the grid's job.
func (c *Connection) SetAccumulatedPower(value float64) {
	if areEqual(c.accumulated, value) {
		return
	}

	old := c.accumulated
	c.accumulated = value

	if c.Mode == AllBands {
		for c.advanceThreshold(old) {
			c.notifyThresholdReached()
		}
		return
	}
	if c.advanceThreshold(old) {
		c.notifyThresholdReached()
	}
}

// RestoreAccumulatedPower sets the stored amount without notifying
// listeners and re-derives the band from it, as when loading saved state.
func (c *Connection) RestoreAccumulatedPower(value float64) {
	c.accumulated = value
	c.thresholdIndex = c.deriveThresholdIndex()
	c.currentThreshold = bandPercent(c.thresholdIndex)
}

// RestoreState sets the stored amount and the last reached band, given as a
// percentage, without notifying listeners. A percentage that is not one of
// the bands falls back to the band derived from the amount; the result
// reports whether the given band was used.
func (c *Connection) RestoreState(value float64, thresholdPercent int) bool {
	c.accumulated = value
	idx, ok := bandIndex(thresholdPercent)
	if !ok {
		idx = c.deriveThresholdIndex()
	}
	c.thresholdIndex = idx
	c.currentThreshold = bandPercent(idx)
	return ok
}

// CurrentThreshold is the last reached band as a percentage of capacity.
func (c *Connection) CurrentThreshold() int {
	return c.currentThreshold
}

// ThresholdIndex is the index of the last reached band.
func (c *Connection) ThresholdIndex() int {
	return c.thresholdIndex
}

func (c *Connection) IsEmpty() bool {
	return isZero(c.accumulated)
}

func (c *Connection) IsFull() bool {
	return areEqual(c.accumulated, c.Capacity)
}

func (c *Connection) IsPowerProducer() bool {
	return isZero(c.InputRate) && c.OutputRate > 0
}

func (c *Connection) IsPowerConsumer() bool {
	return isZero(c.OutputRate) && c.InputRate > 0
}

func (c *Connection) IsPowerAccumulator() bool {
	return c.Capacity > 0
}

// Reconnect notifies listeners that the endpoint's connectivity should be
// re-evaluated. It does not touch any state.
func (c *Connection) Reconnect() {
	subs := append([]reconnectingSub(nil), c.reconnectingSubs...)
	for _, sub := range subs {
		sub.fn()
	}
}

// Clone copies rates, capacity, mode and stored amount into a fresh
// connection. Listeners are not copied. The threshold band is derived from
// the copied amount.
func (c *Connection) Clone() *Connection {
	clone := &Connection{
		InputRate:   c.InputRate,
		OutputRate:  c.OutputRate,
		Capacity:    c.Capacity,
		Mode:        c.Mode,
		accumulated: c.accumulated,
	}
	clone.thresholdIndex = clone.deriveThresholdIndex()
	clone.currentThreshold = bandPercent(clone.thresholdIndex)
	return clone
}

// OnThresholdReached registers fn to be called each time a band is reached.
// The returned function removes the registration; calling it more than once
// is harmless.
func (c *Connection) OnThresholdReached(fn func(*Connection)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	c.nextSubID++
	id := c.nextSubID
	c.thresholdSubs = append(c.thresholdSubs, thresholdSub{id: id, fn: fn})

	return func() {
		for i, sub := range c.thresholdSubs {
			if sub.id == id {
				c.thresholdSubs = append(c.thresholdSubs[:i:i], c.thresholdSubs[i+1:]...)
				return
			}
		}
	}
}

// OnReconnecting registers fn to be called by Reconnect.
func (c *Connection) OnReconnecting(fn func()) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	c.nextSubID++
	id := c.nextSubID
	c.reconnectingSubs = append(c.reconnectingSubs, reconnectingSub{id: id, fn: fn})

	return func() {
		for i, sub := range c.reconnectingSubs {
			if sub.id == id {
				c.reconnectingSubs = append(c.reconnectingSubs[:i:i], c.reconnectingSubs[i+1:]...)
				return
			}
		}
	}
}

// advanceThreshold looks at the single band next to the current one in the
// direction the amount moved and moves onto it if it was crossed.
func (c *Connection) advanceThreshold(old float64) bool {
	direction := -1
	if old < c.accumulated {
		direction = 1
	}
	next := clampInt(c.thresholdIndex+direction, 0, len(capacityThresholds)-1)
	if next == c.thresholdIndex && c.Mode == AllBands {
		// Already at an edge band; stepping would fire forever.
		return false
	}
	nextValue := capacityThresholds[next] * c.Capacity

	if (direction > 0 && c.accumulated >= nextValue) ||
		(direction < 0 && c.accumulated <= nextValue) {
		c.thresholdIndex = next
		c.currentThreshold = bandPercent(next)
		return true
	}
	return false
}

func (c *Connection) deriveThresholdIndex() int {
	if c.Capacity <= 0 {
		return 0
	}
	idx := 0
	for i, band := range capacityThresholds {
		if c.accumulated >= band*c.Capacity {
			idx = i
		}
	}
	return idx
}

func (c *Connection) notifyThresholdReached() {
	subs := append([]thresholdSub(nil), c.thresholdSubs...)
	for _, sub := range subs {
		sub.fn(c)
	}
}

// ParseRate reads a numeric attribute, treating empty or unparsable input
// as zero.
func ParseRate(value string) float64 {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

func bandPercent(idx int) int {
	return int(math.Round(capacityThresholds[idx] * 100))
}

func bandIndex(percent int) (int, bool) {
	for i := range capacityThresholds {
		if bandPercent(i) == percent {
			return i, true
		}
	}
	return 0, false
}

func areEqual(a, b float64) bool {
	return math.Abs(a-b) < Epsilon
}

func isZero(v float64) bool {
	return math.Abs(v) < Epsilon
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
