package core

// Device is a pluggable endpoint holding a single Connection.
type Device struct {
	id      string
	Name    string
	Utility Utility

	conn *Connection
}

// NewDevice wraps conn in an endpoint. A nil conn gets an idle connection.
func NewDevice(id, name string, utility Utility, conn *Connection) *Device {
	if conn == nil {
		conn = &Connection{}
	}
	return &Device{
		id:      id,
		Name:    name,
		Utility: utility,
		conn:    conn,
	}
}

func (d *Device) ID() string { return d.id }

func (d *Device) Connection() *Connection { return d.conn }

// CanJoin accepts grids carrying the device's utility, and grids that do
// not declare a utility at all.
func (d *Device) CanJoin(g Grid) bool {
	if isNil(g) {
		return false
	}
	carrier, ok := g.(UtilityCarrier)
	if !ok || carrier.Utility() == "" {
		return true
	}
	return carrier.Utility() == d.Utility
}

// Clone copies the device with a fresh connection and a new id, e.g. when
// instantiating a blueprint.
func (d *Device) Clone(id string) *Device {
	return &Device{
		id:      id,
		Name:    d.Name,
		Utility: d.Utility,
		conn:    d.conn.Clone(),
	}
}
