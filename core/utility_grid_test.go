package core

import (
	"math"
	"testing"
)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func plugAll(t *testing.T, g *UtilityGrid, devices ...*Device) {
	t.Helper()
	for _, d := range devices {
		if !g.PlugIn(d) {
			t.Fatalf("PlugIn(%s) rejected", d.ID())
		}
	}
}

func TestUtilityGridMembership(t *testing.T) {
	g := NewUtilityGrid(UtilityPower, 2)
	a := NewDevice("a", "A", UtilityPower, nil)
	b := NewDevice("b", "B", UtilityPower, nil)
	c := NewDevice("c", "C", UtilityPower, nil)
	water := NewDevice("w", "Pump", UtilityWater, nil)

	if g.ID() == "" {
		t.Fatalf("grid has no id")
	}
	if g.CanPlugIn(water) {
		t.Fatalf("power grid accepted a water device")
	}
	plugAll(t, g, a, b)
	if g.PlugIn(a) {
		t.Fatalf("duplicate PlugIn succeeded")
	}
	if g.CanPlugIn(c) {
		t.Fatalf("grid accepted endpoint beyond its limit")
	}

	g.Unplug(a)
	g.Unplug(a)
	if g.IsPluggedIn(a) || g.Len() != 1 {
		t.Fatalf("after unplug: plugged=%v len=%d", g.IsPluggedIn(a), g.Len())
	}
	if !g.CanPlugIn(c) {
		t.Fatalf("grid should accept after a slot frees up")
	}
}

func TestUtilityGridBalancedIsOperating(t *testing.T) {
	g := NewUtilityGrid(UtilityPower, 0)
	plugAll(t, g,
		NewDevice("gen", "Generator", UtilityPower, NewConnection(0, 5, 0)),
		NewDevice("lamp", "Lamp", UtilityPower, NewConnection(5, 0, 0)),
	)

	g.Tick()
	if !g.IsOperating() {
		t.Fatalf("balanced grid not operating")
	}
	if !approx(g.Balance(), 0) {
		t.Fatalf("Balance = %v, want 0", g.Balance())
	}
}

func TestUtilityGridDeficitStopsGrid(t *testing.T) {
	g := NewUtilityGrid(UtilityPower, 0)
	plugAll(t, g,
		NewDevice("gen", "Generator", UtilityPower, NewConnection(0, 2, 0)),
		NewDevice("lamp", "Lamp", UtilityPower, NewConnection(5, 0, 0)),
	)

	g.Tick()
	if g.IsOperating() {
		t.Fatalf("grid with unmet demand reports operating")
	}
	if !approx(g.Balance(), -3) {
		t.Fatalf("Balance = %v, want -3", g.Balance())
	}
}

func TestUtilityGridChargesAccumulators(t *testing.T) {
	g := NewUtilityGrid(UtilityPower, 0)
	battery := NewConnection(3, 3, 10)
	var thresholds []int
	battery.OnThresholdReached(func(c *Connection) {
		thresholds = append(thresholds, c.CurrentThreshold())
	})
	plugAll(t, g,
		NewDevice("gen", "Generator", UtilityPower, NewConnection(0, 5, 0)),
		NewDevice("bat", "Battery", UtilityPower, battery),
	)

	for i := 0; i < 4; i++ {
		g.Tick()
	}
	// 3 + 3 + 3 + 1 (room left) = 10
	if !approx(battery.AccumulatedPower(), 10) || !battery.IsFull() {
		t.Fatalf("battery = %v, want full at 10", battery.AccumulatedPower())
	}
	if !g.IsOperating() {
		t.Fatalf("grid with surplus not operating")
	}
	want := []int{25, 50, 75, 100}
	if len(thresholds) != len(want) {
		t.Fatalf("thresholds = %v, want %v", thresholds, want)
	}
	for i := range want {
		if thresholds[i] != want[i] {
			t.Fatalf("thresholds = %v, want %v", thresholds, want)
		}
	}
}

func TestUtilityGridDrainsAccumulators(t *testing.T) {
	g := NewUtilityGrid(UtilityPower, 0)
	battery := NewConnection(2, 2, 10)
	battery.SetAccumulatedPower(3)
	plugAll(t, g,
		NewDevice("lamp", "Lamp", UtilityPower, NewConnection(2, 0, 0)),
		NewDevice("bat", "Battery", UtilityPower, battery),
	)

	g.Tick()
	if !g.IsOperating() || !approx(battery.AccumulatedPower(), 1) {
		t.Fatalf("tick 1: operating=%v stored=%v, want true and 1", g.IsOperating(), battery.AccumulatedPower())
	}

	g.Tick()
	if g.IsOperating() {
		t.Fatalf("tick 2: grid operating with only 1 stored for demand 2")
	}
	if !battery.IsEmpty() {
		t.Fatalf("tick 2: battery = %v, want empty", battery.AccumulatedPower())
	}
	if !approx(g.Balance(), -1) {
		t.Fatalf("Balance = %v, want -1", g.Balance())
	}
}

func TestUtilityGridWithoutUtilityAcceptsAnyDevice(t *testing.T) {
	g := NewUtilityGrid("", 0)
	if !g.CanPlugIn(NewDevice("w", "Pump", UtilityWater, nil)) {
		t.Fatalf("untyped grid rejected a device")
	}
}

func TestNewUtilityGridWithID(t *testing.T) {
	g := NewUtilityGridWithID("grid-7", UtilityWater, 0)
	if g.ID() != "grid-7" || g.Utility() != UtilityWater {
		t.Fatalf("grid = %s/%s, want grid-7/water", g.ID(), g.Utility())
	}
	if other := NewUtilityGridWithID("", UtilityWater, 0); other.ID() == "" {
		t.Fatalf("empty id should fall back to a generated one")
	}
}
