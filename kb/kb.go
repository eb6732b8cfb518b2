package kb

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/signalsfoundry/utility-network-simulator/model"
)

var (
	// ErrDeviceExists indicates a device with the same ID is already stored.
	ErrDeviceExists = errors.New("device already exists")
	// ErrDeviceNotFound indicates a requested device was not found.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrInvalidDevice indicates a nil definition or one without an ID.
	ErrInvalidDevice = errors.New("invalid device definition")
)

// EventType indicates what kind of change happened in the KB.
type EventType int

const (
	EventDeviceAdded EventType = iota
	EventDeviceRemoved
	EventThresholdReached
)

func (t EventType) String() string {
	switch t {
	case EventDeviceAdded:
		return "device_added"
	case EventDeviceRemoved:
		return "device_removed"
	case EventThresholdReached:
		return "threshold_reached"
	default:
		return "unknown"
	}
}

// Event is emitted to subscribers when something interesting happens.
type Event struct {
	Type   EventType
	Device model.DeviceDefinition
}

type subscription struct {
	id int
	fn func(Event)
}

// KnowledgeBase is an in-memory, thread-safe store of device definitions.
// It keeps its own copies: callers never share a definition with the store.
type KnowledgeBase struct {
	mu sync.RWMutex

	devices map[string]*model.DeviceDefinition

	subs      []subscription
	nextSubID int
}

// NewKnowledgeBase constructs an empty KB.
func NewKnowledgeBase() *KnowledgeBase {
	return &KnowledgeBase{
		devices: make(map[string]*model.DeviceDefinition),
	}
}

// AddDevice stores a copy of d. It returns ErrDeviceExists if the ID is
// taken.
func (kb *KnowledgeBase) AddDevice(d *model.DeviceDefinition) error {
	if d == nil {
		return fmt.Errorf("%w: nil", ErrInvalidDevice)
	}
	if d.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidDevice)
	}

	stored := *d
	kb.mu.Lock()
	if _, exists := kb.devices[stored.ID]; exists {
		kb.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrDeviceExists, stored.ID)
	}
	kb.devices[stored.ID] = &stored
	event := Event{Type: EventDeviceAdded, Device: stored}
	subs := kb.subscribersLocked()
	kb.mu.Unlock()

	notify(subs, event)
	return nil
}

// GetDevice returns a copy of the device with the given ID, or nil if not
// found.
func (kb *KnowledgeBase) GetDevice(id string) *model.DeviceDefinition {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	d, ok := kb.devices[id]
	if !ok {
		return nil
	}
	cp := *d
	return &cp
}

// ListDevices returns copies of all devices ordered by ID.
func (kb *KnowledgeBase) ListDevices() []*model.DeviceDefinition {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	res := make([]*model.DeviceDefinition, 0, len(kb.devices))
	for _, d := range kb.devices {
		cp := *d
		res = append(res, &cp)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// Len returns the number of stored devices.
func (kb *KnowledgeBase) Len() int {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return len(kb.devices)
}

// RemoveDevice deletes the device and notifies subscribers.
func (kb *KnowledgeBase) RemoveDevice(id string) error {
	kb.mu.Lock()
	d, ok := kb.devices[id]
	if !ok {
		kb.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrDeviceNotFound, id)
	}
	delete(kb.devices, id)
	event := Event{Type: EventDeviceRemoved, Device: *d}
	subs := kb.subscribersLocked()
	kb.mu.Unlock()

	notify(subs, event)
	return nil
}

// UpdateDeviceLevel records the stored amount and last reached band of a
// device. It does not notify subscribers.
func (kb *KnowledgeBase) UpdateDeviceLevel(id string, accumulated float64, threshold int) error {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	d, ok := kb.devices[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrDeviceNotFound, id)
	}
	d.AccumulatedPower = accumulated
	d.LastThreshold = threshold
	return nil
}

// RecordThreshold stores the band a device just reached and notifies
// subscribers with EventThresholdReached.
func (kb *KnowledgeBase) RecordThreshold(id string, accumulated float64, threshold int) error {
	kb.mu.Lock()
	d, ok := kb.devices[id]
	if !ok {
		kb.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrDeviceNotFound, id)
	}
	d.AccumulatedPower = accumulated
	d.LastThreshold = threshold
	event := Event{Type: EventThresholdReached, Device: *d}
	subs := kb.subscribersLocked()
	kb.mu.Unlock()

	notify(subs, event)
	return nil
}

// Subscribe registers a callback for KB events. It returns an unsubscribe
// function that is safe to call more than once.
func (kb *KnowledgeBase) Subscribe(fn func(Event)) (unsubscribe func()) {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	kb.nextSubID++
	id := kb.nextSubID
	kb.subs = append(kb.subs, subscription{id: id, fn: fn})

	return func() {
		kb.mu.Lock()
		defer kb.mu.Unlock()
		for i, s := range kb.subs {
			if s.id == id {
				kb.subs = append(kb.subs[:i:i], kb.subs[i+1:]...)
				return
			}
		}
	}
}

func (kb *KnowledgeBase) subscribersLocked() []subscription {
	return append([]subscription(nil), kb.subs...)
}

// notify runs outside the lock so subscribers may call back into the KB.
func notify(subs []subscription, event Event) {
	for _, s := range subs {
		if s.fn != nil {
			s.fn(event)
		}
	}
}
