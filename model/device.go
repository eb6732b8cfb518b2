package model

// DeviceKind is the coarse role of a device on its grid.
type DeviceKind string

const (
	DeviceKindProducer    DeviceKind = "PRODUCER"
	DeviceKindConsumer    DeviceKind = "CONSUMER"
	DeviceKindAccumulator DeviceKind = "ACCUMULATOR"
	DeviceKindIdle        DeviceKind = "IDLE"
)

// DeviceDefinition is the declarative description of an endpoint on a
// utility network, as loaded from a scenario or a snapshot.
type DeviceDefinition struct {
	ID      string
	Name    string
	Utility string // "power", "water", ...

	InputRate        float64
	OutputRate       float64
	Capacity         float64
	AccumulatedPower float64

	// LastThreshold is the last capacity band reached, in percent.
	// Only meaningful for accumulators.
	LastThreshold int
}

// Kind classifies the device the same way grids do: storage wins, then a
// pure producer or pure consumer.
func (d DeviceDefinition) Kind() DeviceKind {
	switch {
	case d.Capacity > 0:
		return DeviceKindAccumulator
	case d.InputRate == 0 && d.OutputRate > 0:
		return DeviceKindProducer
	case d.OutputRate == 0 && d.InputRate > 0:
		return DeviceKindConsumer
	default:
		return DeviceKindIdle
	}
}
