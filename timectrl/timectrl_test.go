package timectrl

import (
	"context"
	"testing"
	"time"
)

func TestTimeControllerSetTime(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start, time.Second, RealTime)

	newNow := start.Add(42 * time.Second)
	tc.SetTime(newNow)

	if got := tc.Now(); !got.Equal(newNow) {
		t.Fatalf("Now() = %v, want %v", got, newNow)
	}
}

func TestStepNotifiesListenersInOrder(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start, 250*time.Millisecond, Accelerated)

	var calls []string
	var gotDelta time.Duration
	tc.AddListener(func(_ time.Time, delta time.Duration) {
		calls = append(calls, "first")
		gotDelta = delta
	})
	tc.AddListener(func(simTime time.Time, _ time.Duration) {
		calls = append(calls, "second")
		if want := start.Add(250 * time.Millisecond); !simTime.Equal(want) {
			t.Errorf("simTime = %v, want %v", simTime, want)
		}
	})

	tc.Step()
	if len(calls) != 2 || calls[0] != "first" || calls[1] != "second" {
		t.Fatalf("listener calls = %v, want [first second]", calls)
	}
	if gotDelta != 250*time.Millisecond {
		t.Fatalf("delta = %v, want 250ms", gotDelta)
	}
	if tc.Frames() != 1 {
		t.Fatalf("Frames() = %d, want 1", tc.Frames())
	}
}

func TestRunAcceleratedStopsAfterDuration(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start, 5*time.Millisecond, Accelerated)

	done := tc.Run(context.Background(), 15*time.Millisecond)
	<-done

	expected := start.Add(15 * time.Millisecond)
	if got := tc.Now(); !got.Equal(expected) {
		t.Fatalf("Now() = %v, want %v", got, expected)
	}
	if tc.Frames() != 3 {
		t.Fatalf("Frames() = %d, want 3", tc.Frames())
	}
}

func TestRunRealTimeHonoursCancel(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start, time.Millisecond, RealTime)

	ctx, cancel := context.WithCancel(context.Background())
	done := tc.Run(ctx, 0)
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not stop after cancel")
	}
	if tc.Frames() == 0 {
		t.Fatalf("no frames stepped before cancel")
	}
}

func TestNewTimeControllerDefaultsFrame(t *testing.T) {
	tc := NewTimeController(time.Time{}, 0, RealTime)
	if tc.Frame <= 0 {
		t.Fatalf("Frame = %v, want positive default", tc.Frame)
	}
	if RealTime.String() != "realtime" || Accelerated.String() != "accelerated" {
		t.Fatalf("unexpected mode names")
	}
}
