package kb

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/signalsfoundry/utility-network-simulator/model"
)

func TestAddAndGetDevice(t *testing.T) {
	store := NewKnowledgeBase()
	d := &model.DeviceDefinition{
		ID:      "gen-1",
		Name:    "Generator",
		Utility: "power",
	}
	if err := store.AddDevice(d); err != nil {
		t.Fatalf("AddDevice error: %v", err)
	}
	got := store.GetDevice("gen-1")
	if got == nil || got.Name != "Generator" {
		t.Fatalf("GetDevice returned %#v, want name Generator", got)
	}
}

func TestStoreDoesNotShareDefinitions(t *testing.T) {
	store := NewKnowledgeBase()
	d := &model.DeviceDefinition{ID: "bat", Capacity: 10}
	if err := store.AddDevice(d); err != nil {
		t.Fatalf("AddDevice error: %v", err)
	}
	d.Capacity = 99
	if got := store.GetDevice("bat").Capacity; got != 10 {
		t.Fatalf("caller's write leaked into the store: capacity %v", got)
	}

	got := store.GetDevice("bat")
	got.AccumulatedPower = 7
	store.ListDevices()[0].LastThreshold = 75
	stored := store.GetDevice("bat")
	if stored.AccumulatedPower != 0 || stored.LastThreshold != 0 {
		t.Fatalf("returned definition aliases the store: %+v", stored)
	}

	if err := store.UpdateDeviceLevel("bat", 5, 50); err != nil {
		t.Fatalf("UpdateDeviceLevel error: %v", err)
	}
	if got.AccumulatedPower != 7 {
		t.Fatalf("level update reached an earlier copy")
	}
}

func TestReadsRaceFreeWithLevelUpdates(t *testing.T) {
	store := NewKnowledgeBase()
	if err := store.AddDevice(&model.DeviceDefinition{ID: "bat", Capacity: 100}); err != nil {
		t.Fatalf("AddDevice error: %v", err)
	}
	got := store.GetDevice("bat")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			_ = store.UpdateDeviceLevel("bat", float64(i), 25)
			_ = store.RecordThreshold("bat", float64(i), 50)
		}
	}()
	for i := 0; i < 200; i++ {
		_ = got.AccumulatedPower
		_ = store.GetDevice("bat").AccumulatedPower
		for _, d := range store.ListDevices() {
			_ = d.LastThreshold
		}
	}
	<-done
}

func TestAddDeviceDuplicate(t *testing.T) {
	store := NewKnowledgeBase()
	if err := store.AddDevice(&model.DeviceDefinition{ID: "d1"}); err != nil {
		t.Fatalf("first AddDevice error: %v", err)
	}
	err := store.AddDevice(&model.DeviceDefinition{ID: "d1"})
	if !errors.Is(err, ErrDeviceExists) {
		t.Fatalf("duplicate AddDevice error = %v, want ErrDeviceExists", err)
	}
}

func TestAddDeviceRejectsEmpty(t *testing.T) {
	store := NewKnowledgeBase()
	if err := store.AddDevice(nil); !errors.Is(err, ErrInvalidDevice) {
		t.Fatalf("AddDevice(nil) error = %v, want ErrInvalidDevice", err)
	}
	if err := store.AddDevice(&model.DeviceDefinition{}); !errors.Is(err, ErrInvalidDevice) {
		t.Fatalf("AddDevice(empty) error = %v, want ErrInvalidDevice", err)
	}
}

func TestListDevicesSorted(t *testing.T) {
	store := NewKnowledgeBase()
	for _, id := range []string{"c", "a", "b"} {
		if err := store.AddDevice(&model.DeviceDefinition{ID: id}); err != nil {
			t.Fatalf("AddDevice error: %v", err)
		}
	}

	list := store.ListDevices()
	if len(list) != 3 {
		t.Fatalf("ListDevices len=%d, want 3", len(list))
	}
	for i, want := range []string{"a", "b", "c"} {
		if list[i].ID != want {
			t.Fatalf("ListDevices[%d] = %q, want %q", i, list[i].ID, want)
		}
	}
}

func TestRemoveDevice(t *testing.T) {
	store := NewKnowledgeBase()
	if err := store.AddDevice(&model.DeviceDefinition{ID: "d1"}); err != nil {
		t.Fatalf("AddDevice error: %v", err)
	}
	if err := store.RemoveDevice("d1"); err != nil {
		t.Fatalf("RemoveDevice error: %v", err)
	}
	if store.GetDevice("d1") != nil {
		t.Fatalf("device still present after RemoveDevice")
	}
	if err := store.RemoveDevice("d1"); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("second RemoveDevice error = %v, want ErrDeviceNotFound", err)
	}
}

func TestSubscribeReceivesEvents(t *testing.T) {
	store := NewKnowledgeBase()

	var got []Event
	unsubscribe := store.Subscribe(func(e Event) {
		got = append(got, e)
	})

	if err := store.AddDevice(&model.DeviceDefinition{ID: "bat", Capacity: 100}); err != nil {
		t.Fatalf("AddDevice error: %v", err)
	}
	if err := store.RecordThreshold("bat", 25, 25); err != nil {
		t.Fatalf("RecordThreshold error: %v", err)
	}
	if err := store.UpdateDeviceLevel("bat", 30, 25); err != nil {
		t.Fatalf("UpdateDeviceLevel error: %v", err)
	}
	if err := store.RemoveDevice("bat"); err != nil {
		t.Fatalf("RemoveDevice error: %v", err)
	}

	wantTypes := []EventType{EventDeviceAdded, EventThresholdReached, EventDeviceRemoved}
	if len(got) != len(wantTypes) {
		t.Fatalf("got %d events, want %d", len(got), len(wantTypes))
	}
	for i, want := range wantTypes {
		if got[i].Type != want {
			t.Fatalf("event[%d] = %v, want %v", i, got[i].Type, want)
		}
	}
	if got[1].Device.LastThreshold != 25 {
		t.Fatalf("threshold event LastThreshold = %d, want 25", got[1].Device.LastThreshold)
	}
	if got[2].Device.AccumulatedPower != 30 {
		t.Fatalf("removed device AccumulatedPower = %v, want 30", got[2].Device.AccumulatedPower)
	}

	unsubscribe()
	unsubscribe()
	if err := store.AddDevice(&model.DeviceDefinition{ID: "other"}); err != nil {
		t.Fatalf("AddDevice error: %v", err)
	}
	if len(got) != len(wantTypes) {
		t.Fatalf("received event after unsubscribe")
	}
}

func TestUnsubscribeKeepsOtherSubscribers(t *testing.T) {
	store := NewKnowledgeBase()

	var first, second int
	unsubFirst := store.Subscribe(func(Event) { first++ })
	store.Subscribe(func(Event) { second++ })

	unsubFirst()
	if err := store.AddDevice(&model.DeviceDefinition{ID: "d1"}); err != nil {
		t.Fatalf("AddDevice error: %v", err)
	}
	if first != 0 || second != 1 {
		t.Fatalf("first=%d second=%d, want 0 and 1", first, second)
	}
}

func TestConcurrentAccess(t *testing.T) {
	store := NewKnowledgeBase()
	if err := store.AddDevice(&model.DeviceDefinition{ID: "d1"}); err != nil {
		t.Fatalf("AddDevice error: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = store.GetDevice("d1")
			_ = store.ListDevices()
		}()
		go func() {
			defer wg.Done()
			_ = store.UpdateDeviceLevel("d1", float64(i), 0)
			_ = store.AddDevice(&model.DeviceDefinition{ID: fmt.Sprintf("extra-%d", i)})
		}()
	}
	wg.Wait()

	if got := store.Len(); got != 11 {
		t.Fatalf("Len() = %d, want 11", got)
	}
}
