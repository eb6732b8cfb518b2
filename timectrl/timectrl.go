package timectrl

import (
	"context"
	"sync"
	"time"
)

// SimClock is an interface for accessing simulation time, so components can
// depend on a clock abstraction rather than the concrete controller.
type SimClock interface {
	// Now returns the current simulation time.
	Now() time.Time
}

// Mode describes how the TimeController advances simulation time.
type Mode int

const (
	// RealTime advances according to wall-clock time.
	RealTime Mode = iota
	// Accelerated advances as quickly as the loop can run while still stepping by Frame.
	Accelerated
)

func (m Mode) String() string {
	if m == Accelerated {
		return "accelerated"
	}
	return "realtime"
}

// FrameListener receives the simulation time after a frame and the frame's
// length.
type FrameListener func(simTime time.Time, delta time.Duration)

// TimeController is the outer update loop: it advances simulation time in
// frames and hands each frame's delta to registered listeners, which turn
// it into their own fixed-interval ticks.
type TimeController struct {
	mu        sync.RWMutex
	StartTime time.Time
	Frame     time.Duration
	Mode      Mode

	currentTime time.Time
	frames      uint64

	listeners []FrameListener
}

// NewTimeController constructs a controller.
func NewTimeController(start time.Time, frame time.Duration, mode Mode) *TimeController {
	if frame <= 0 {
		frame = 100 * time.Millisecond
	}
	return &TimeController{
		StartTime:   start,
		Frame:       frame,
		Mode:        mode,
		currentTime: start,
	}
}

// Now returns the current simulation time. Implements SimClock.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// SetTime moves the simulation clock without notifying listeners.
func (tc *TimeController) SetTime(t time.Time) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.currentTime = t
}

// Frames returns how many frames have been stepped.
func (tc *TimeController) Frames() uint64 {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.frames
}

// AddListener registers a callback invoked on every frame.
func (tc *TimeController) AddListener(fn FrameListener) {
	if fn == nil {
		return
	}
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.listeners = append(tc.listeners, fn)
}

// Step advances one frame and notifies listeners synchronously.
func (tc *TimeController) Step() time.Time {
	return tc.advance(tc.Frame)
}

func (tc *TimeController) advance(delta time.Duration) time.Time {
	tc.mu.Lock()
	tc.currentTime = tc.currentTime.Add(delta)
	tc.frames++
	simTime := tc.currentTime
	listeners := append([]FrameListener(nil), tc.listeners...)
	tc.mu.Unlock()

	for _, fn := range listeners {
		fn(simTime, delta)
	}
	return simTime
}

// Run steps frames in a separate goroutine until duration of simulation
// time has elapsed (duration <= 0 runs until ctx is done). It returns a
// channel that is closed when the controller finishes.
func (tc *TimeController) Run(ctx context.Context, duration time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		tc.mu.Lock()
		tc.currentTime = tc.StartTime
		tc.mu.Unlock()

		elapsed := time.Duration(0)

		var ticks <-chan time.Time
		if tc.Mode == RealTime {
			ticker := time.NewTicker(tc.Frame)
			defer ticker.Stop()
			ticks = ticker.C
		}

		for {
			if duration > 0 && elapsed >= duration {
				return
			}

			if ticks != nil {
				select {
				case <-ctx.Done():
					return
				case <-ticks:
				}
			} else if ctx.Err() != nil {
				return
			}

			tc.Step()
			elapsed += tc.Frame
		}
	}()
	return done
}
