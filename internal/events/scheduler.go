package events

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/circuitworld/internal/logging"
	"github.com/signalsfoundry/circuitworld/timectrl"
)

// EventScheduler orders one-shot callbacks on two queues: one keyed by
// wall-clock time and one keyed by tick number.
//
// The driving loop calls RunDue frequently and AdvanceTick once per
// simulation step. The two never overlap, and a call only returns once every
// callback it fired has returned.
type EventScheduler interface {
	// Schedule registers cb under the given trigger and returns an event ID.
	Schedule(when When, name string, cb Callback) (string, error)

	// Cancel marks an event as no longer valid. It reports whether a pending
	// event was found.
	Cancel(id string) bool

	// Now returns the current simulation time from the underlying clock.
	Now() time.Time

	// CurrentTick returns the number of completed AdvanceTick calls.
	CurrentTick() int64

	// RunDue fires every wall-clock event whose time is <= Now().
	RunDue(ctx context.Context) error

	// AdvanceTick moves to the next tick and fires every tick event due at
	// or before it, bracketed by the tick listeners.
	AdvanceTick(ctx context.Context) (int64, error)

	// AddTickListener registers l for TickStart/TickEnd notifications.
	AddTickListener(l TickListener)
}

// TickListener observes the phases of AdvanceTick. TickStart runs after the
// counter increments and before any tick event fires; TickEnd runs after the
// tick queue is drained.
type TickListener interface {
	TickStart(ctx context.Context, tick int64)
	TickEnd(ctx context.Context, tick int64)
}

// Recorder receives scheduler metrics. Implementations must tolerate
// concurrent calls.
type Recorder interface {
	EventFired(queue string)
	CallbackFailed(queue string)
	SetQueueDepth(queue string, depth int)
}

// SchedulerOption customises a Scheduler.
type SchedulerOption func(*Scheduler)

// WithLogger sets the logger used for callback failures.
func WithLogger(l logging.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

// WithRecorder wires a metrics recorder.
func WithRecorder(r Recorder) SchedulerOption {
	return func(s *Scheduler) {
		s.metrics = r
	}
}

// Scheduler is the EventScheduler implementation backed by a SimClock.
type Scheduler struct {
	clock   timectrl.SimClock
	log     logging.Logger
	metrics Recorder

	// runMu serialises RunDue and AdvanceTick. mu guards the queues, so
	// callbacks may Schedule or Cancel while a round is in progress.
	runMu sync.Mutex

	mu        sync.Mutex
	counter   uint64
	tick      int64
	ticks     []*Event // ordered by When.Tick, FIFO among equal ticks
	times     []*Event // ordered by When.Time, FIFO among equal times
	index     map[string]*Event
	listeners []TickListener
}

var _ EventScheduler = (*Scheduler)(nil)

// NewScheduler creates a scheduler reading wall-clock time from clock.
func NewScheduler(clock timectrl.SimClock, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		clock: clock,
		log:   logging.Noop(),
		index: make(map[string]*Event),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule registers a callback under the given trigger.
func (s *Scheduler) Schedule(when When, name string, cb Callback) (string, error) {
	if err := when.Validate(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.counter++
	ev := &Event{
		ID:        fmt.Sprintf("ev-%d", s.counter),
		Name:      name,
		When:      when,
		FiredTick: Unset,
		fn:        cb,
	}

	if when.IsTick() {
		s.ticks = insertLocked(s.ticks, ev)
		s.setDepth(QueueTick)
	} else {
		s.times = insertLocked(s.times, ev)
		s.setDepth(QueueTime)
	}
	s.index[ev.ID] = ev

	return ev.ID, nil
}

// ScheduleAtTick is shorthand for Schedule(AtTick(tick), ...).
func (s *Scheduler) ScheduleAtTick(tick int64, name string, cb Callback) (string, error) {
	return s.Schedule(AtTick(tick), name, cb)
}

// ScheduleAfter is shorthand for Schedule(After(clock, d), ...).
func (s *Scheduler) ScheduleAfter(d time.Duration, name string, cb Callback) (string, error) {
	return s.Schedule(After(s.clock, d), name, cb)
}

// insertLocked places ev after every event with the same or a smaller key.
// Caller must hold s.mu.
func insertLocked(queue []*Event, ev *Event) []*Event {
	key := ev.When.key()
	idx := sort.Search(len(queue), func(i int) bool {
		return queue[i].When.key() > key
	})

	queue = append(queue, nil)
	copy(queue[idx+1:], queue[idx:])
	queue[idx] = ev
	return queue
}

// Cancel marks a pending event invalid. The event stays queued and is
// skipped when it reaches the head.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.index[id]
	if !ok {
		return false
	}
	ev.cancelled = true
	delete(s.index, id)
	if ev.When.IsTick() {
		s.setDepth(QueueTick)
	} else {
		s.setDepth(QueueTime)
	}
	return true
}

// Now returns the current simulation time from the underlying clock.
func (s *Scheduler) Now() time.Time {
	return s.clock.Now()
}

// CurrentTick returns the current tick number. It is 0 before the first
// AdvanceTick.
func (s *Scheduler) CurrentTick() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tick
}

// Pending returns the number of live events on each queue.
func (s *Scheduler) Pending() (ticks, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return liveCount(s.ticks), liveCount(s.times)
}

func liveCount(queue []*Event) int {
	n := 0
	for _, ev := range queue {
		if !ev.cancelled {
			n++
		}
	}
	return n
}

// AddTickListener registers l. Listeners run in registration order.
func (s *Scheduler) AddTickListener(l TickListener) {
	if l == nil {
		return
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

// popDueLocked removes and returns the head of queue if its key is <= limit,
// discarding cancelled events on the way. Caller must hold s.mu.
func popDueLocked(queue *[]*Event, limit int64) *Event {
	for len(*queue) > 0 {
		ev := (*queue)[0]
		if ev.cancelled {
			(*queue)[0] = nil
			*queue = (*queue)[1:]
			continue
		}
		if ev.When.key() > limit {
			return nil
		}
		(*queue)[0] = nil
		*queue = (*queue)[1:]
		return ev
	}
	return nil
}

// RunDue executes all wall-clock events whose time is <= Now(). The head is
// re-read after every callback, so events that a callback schedules at an
// already-due time fire in the same call.
func (s *Scheduler) RunDue(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	var errs []error
	for {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		now := s.clock.Now()

		s.mu.Lock()
		ev := popDueLocked(&s.times, now.UnixMilli())
		if ev != nil {
			delete(s.index, ev.ID)
			ev.FiredTick = s.tick
			s.setDepth(QueueTime)
		}
		s.mu.Unlock()

		if ev == nil {
			break
		}
		ev.FiredAt = now
		if err := s.invoke(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AdvanceTick increments the tick counter, notifies TickStart listeners,
// fires every tick event due at or before the new tick (late events
// included), then notifies TickEnd listeners. It returns the new tick.
func (s *Scheduler) AdvanceTick(ctx context.Context) (int64, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.mu.Lock()
	s.tick++
	tick := s.tick
	listeners := append([]TickListener(nil), s.listeners...)
	s.mu.Unlock()

	for _, l := range listeners {
		l.TickStart(ctx, tick)
	}

	var errs []error
	for {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		s.mu.Lock()
		ev := popDueLocked(&s.ticks, tick)
		if ev != nil {
			delete(s.index, ev.ID)
			s.setDepth(QueueTick)
		}
		s.mu.Unlock()

		if ev == nil {
			break
		}
		ev.FiredTick = tick
		ev.FiredAt = s.clock.Now()
		if err := s.invoke(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}

	for _, l := range listeners {
		l.TickEnd(ctx, tick)
	}
	return tick, errors.Join(errs...)
}

// invoke runs a callback outside the queue lock, converting both returned
// errors and panics into a *CallbackError.
func (s *Scheduler) invoke(ctx context.Context, ev *Event) (err error) {
	queue := ev.Queue()
	if s.metrics != nil {
		s.metrics.EventFired(queue)
	}
	log := logging.FromContextOr(ctx, s.log)

	defer func() {
		if r := recover(); r != nil {
			err = &CallbackError{
				EventID: ev.ID,
				Name:    ev.Name,
				Queue:   queue,
				Err:     fmt.Errorf("panic: %v", r),
			}
			log.Debug(ctx, "callback panic stack", logging.String("event_id", ev.ID), logging.String("stack", string(debug.Stack())))
		}
		if err != nil {
			if s.metrics != nil {
				s.metrics.CallbackFailed(queue)
			}
			log.Warn(ctx, "scheduled callback failed",
				logging.String("event_id", ev.ID),
				logging.String("event", ev.Name),
				logging.String("queue", queue),
				logging.Int64("fired_tick", ev.FiredTick),
				logging.Err(err),
			)
		}
	}()

	if ev.fn == nil {
		return nil
	}
	if cbErr := ev.fn(ctx, ev); cbErr != nil {
		return &CallbackError{EventID: ev.ID, Name: ev.Name, Queue: queue, Err: cbErr}
	}
	return nil
}

// setDepth reports the live event count of queue to the recorder, matching
// Pending. Caller must hold s.mu.
func (s *Scheduler) setDepth(queue string) {
	if s.metrics == nil {
		return
	}
	q := s.times
	if queue == QueueTick {
		q = s.ticks
	}
	s.metrics.SetQueueDepth(queue, liveCount(q))
}
