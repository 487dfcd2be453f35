package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/signalsfoundry/circuitworld/timectrl"
)

// Unset marks the inactive trigger field of a When.
const Unset int64 = -1

// ErrInvalidTrigger is returned when a When has zero or two active triggers.
var ErrInvalidTrigger = errors.New("invalid event trigger")

// When is the trigger of an event: either a tick number or a wall-clock time
// in unix milliseconds. Exactly one of the two is active; the other holds Unset.
type When struct {
	Tick int64
	Time int64
}

// AtTick fires during the AdvanceTick call that reaches tick n (or the next
// one, if n has already passed).
func AtTick(n int64) When {
	return When{Tick: n, Time: Unset}
}

// AtTime fires on the first RunDue at or after t.
func AtTime(t time.Time) When {
	return When{Tick: Unset, Time: t.UnixMilli()}
}

// After fires d after the clock's current time.
func After(clock timectrl.SimClock, d time.Duration) When {
	return AtTime(clock.Now().Add(d))
}

// IsTick reports whether the tick trigger is the active one.
func (w When) IsTick() bool { return w.Tick >= 0 && w.Time < 0 }

// IsTime reports whether the wall-clock trigger is the active one.
func (w When) IsTime() bool { return w.Time >= 0 && w.Tick < 0 }

// Validate checks that exactly one trigger is active.
func (w When) Validate() error {
	if w.IsTick() || w.IsTime() {
		return nil
	}
	return fmt.Errorf("%w: tick=%d time=%d", ErrInvalidTrigger, w.Tick, w.Time)
}

func (w When) String() string {
	if w.IsTick() {
		return fmt.Sprintf("tick %d", w.Tick)
	}
	return fmt.Sprintf("time %s", time.UnixMilli(w.Time).UTC().Format(time.RFC3339Nano))
}

// key is the sort value within the event's queue.
func (w When) key() int64 {
	if w.IsTick() {
		return w.Tick
	}
	return w.Time
}

// Callback is invoked when an event fires. The event carries the tick that
// actually ran it, which may be later than the one it was scheduled for.
type Callback func(ctx context.Context, ev *Event) error

// Event is a one-shot scheduled callback.
type Event struct {
	ID   string
	Name string
	When When

	// FiredTick is the scheduler's current tick when the callback ran.
	FiredTick int64
	// FiredAt is the clock time when the callback ran.
	FiredAt time.Time

	fn        Callback
	cancelled bool
}

// Queue returns "tick" or "time".
func (e *Event) Queue() string {
	if e.When.IsTick() {
		return QueueTick
	}
	return QueueTime
}

// Queue labels used in logs and metrics.
const (
	QueueTick = "tick"
	QueueTime = "time"
)

// CallbackError wraps a failure (error or panic) of a single callback.
type CallbackError struct {
	EventID string
	Name    string
	Queue   string
	Err     error
}

func (e *CallbackError) Error() string {
	name := e.Name
	if name == "" {
		name = "unnamed"
	}
	return fmt.Sprintf("event %s (%s, %s queue): %v", e.EventID, name, e.Queue, e.Err)
}

func (e *CallbackError) Unwrap() error { return e.Err }
