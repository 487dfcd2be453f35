package timectrl

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// SimClock is an interface for accessing simulation time. The event scheduler
// depends on this rather than on a concrete controller so tests can drive
// time by hand.
type SimClock interface {
	// Now returns the current simulation time.
	Now() time.Time
}

// Mode describes how the TimeController advances simulation time.
type Mode int

const (
	// RealTime advances according to wall-clock time.
	RealTime Mode = iota
	// Accelerated advances as quickly as the loop can run while still
	// stepping by the configured intervals.
	Accelerated
)

func (m Mode) String() string {
	switch m {
	case RealTime:
		return "realtime"
	case Accelerated:
		return "accelerated"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode maps a config string onto a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "realtime", "real-time", "real_time":
		return RealTime, nil
	case "accelerated", "fast":
		return Accelerated, nil
	default:
		return 0, fmt.Errorf("unknown time mode %q", s)
	}
}

// Listener is invoked with the simulation time at which it fires.
type Listener func(ctx context.Context, now time.Time)

// TimeController drives simulation time. It fires pump listeners at a high
// rate (wall-clock events) and tick listeners once per simulation step.
type TimeController struct {
	mu        sync.RWMutex
	StartTime time.Time
	Tick      time.Duration
	Pump      time.Duration
	Mode      Mode

	// currentTime tracks the current simulation time. It is updated
	// as the controller advances time.
	currentTime time.Time
	ticks       int64

	tickListeners []Listener
	pumpListeners []Listener
}

// NewTimeController constructs a controller. A non-positive pump interval
// disables pumping.
func NewTimeController(start time.Time, tick, pump time.Duration, mode Mode) *TimeController {
	return &TimeController{
		StartTime:   start,
		Tick:        tick,
		Pump:        pump,
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

// SetTime overrides the current simulation time.
func (tc *TimeController) SetTime(t time.Time) {
	tc.mu.Lock()
	tc.currentTime = t
	tc.mu.Unlock()
}

// Ticks returns the number of ticks fired so far.
func (tc *TimeController) Ticks() int64 {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.ticks
}

// OnTick registers a callback invoked once per simulation step.
func (tc *TimeController) OnTick(fn Listener) {
	tc.mu.Lock()
	tc.tickListeners = append(tc.tickListeners, fn)
	tc.mu.Unlock()
}

// OnPump registers a callback invoked at the pump rate.
func (tc *TimeController) OnPump(fn Listener) {
	tc.mu.Lock()
	tc.pumpListeners = append(tc.pumpListeners, fn)
	tc.mu.Unlock()
}

// Run drives listeners until ctx is cancelled or maxTicks ticks have fired
// (maxTicks <= 0 means unbounded). Listeners are called from the goroutine
// that invoked Run, one at a time.
func (tc *TimeController) Run(ctx context.Context, maxTicks int64) error {
	if tc.Tick <= 0 {
		return fmt.Errorf("tick interval must be positive, got %s", tc.Tick)
	}
	tc.mu.Lock()
	tc.currentTime = tc.StartTime
	tc.ticks = 0
	tc.mu.Unlock()

	switch tc.Mode {
	case Accelerated:
		return tc.runAccelerated(ctx, maxTicks)
	default:
		return tc.runRealTime(ctx, maxTicks)
	}
}

// Start runs the controller in a separate goroutine. The returned channel
// is closed when Run returns.
func (tc *TimeController) Start(ctx context.Context, maxTicks int64) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = tc.Run(ctx, maxTicks)
	}()
	return done
}

func (tc *TimeController) runRealTime(ctx context.Context, maxTicks int64) error {
	wallStart := time.Now()

	ticker := time.NewTicker(tc.Tick)
	defer ticker.Stop()

	var pumpC <-chan time.Time
	if tc.Pump > 0 {
		pump := time.NewTicker(tc.Pump)
		defer pump.Stop()
		pumpC = pump.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-pumpC:
			sim := tc.advanceTo(tc.StartTime.Add(now.Sub(wallStart)))
			tc.fire(ctx, tc.pumps(), sim)
		case now := <-ticker.C:
			sim := tc.advanceTo(tc.StartTime.Add(now.Sub(wallStart)))
			tc.fire(ctx, tc.pumps(), sim)
			if tc.fireTick(ctx, sim, maxTicks) {
				return nil
			}
		}
	}
}

func (tc *TimeController) runAccelerated(ctx context.Context, maxTicks int64) error {
	simTime := tc.StartTime
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		next := simTime.Add(tc.Tick)
		if tc.Pump > 0 {
			for p := simTime.Add(tc.Pump); p.Before(next); p = p.Add(tc.Pump) {
				tc.fire(ctx, tc.pumps(), tc.advanceTo(p))
			}
		}
		simTime = tc.advanceTo(next)
		tc.fire(ctx, tc.pumps(), simTime)
		if tc.fireTick(ctx, simTime, maxTicks) {
			return nil
		}
	}
}

func (tc *TimeController) advanceTo(t time.Time) time.Time {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if t.After(tc.currentTime) {
		tc.currentTime = t
	}
	return tc.currentTime
}

// fireTick runs tick listeners and reports whether maxTicks was reached.
func (tc *TimeController) fireTick(ctx context.Context, now time.Time, maxTicks int64) bool {
	tc.mu.Lock()
	tc.ticks++
	n := tc.ticks
	listeners := append([]Listener(nil), tc.tickListeners...)
	tc.mu.Unlock()

	tc.fire(ctx, listeners, now)
	return maxTicks > 0 && n >= maxTicks
}

func (tc *TimeController) pumps() []Listener {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return append([]Listener(nil), tc.pumpListeners...)
}

func (tc *TimeController) fire(ctx context.Context, listeners []Listener, now time.Time) {
	for _, fn := range listeners {
		fn(ctx, now)
	}
}
