package events

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/circuitworld/timectrl"
)

func newTestScheduler(t *testing.T, opts ...SchedulerOption) (*Scheduler, *timectrl.ManualClock) {
	t.Helper()
	clock := timectrl.NewManualClock(time.Unix(1_700_000_000, 0))
	return NewScheduler(clock, opts...), clock
}

func record(out *[]string, label string) Callback {
	return func(context.Context, *Event) error {
		*out = append(*out, label)
		return nil
	}
}

func TestWhenValidate(t *testing.T) {
	if err := AtTick(3).Validate(); err != nil {
		t.Fatalf("AtTick valid: %v", err)
	}
	if err := AtTime(time.Unix(10, 0)).Validate(); err != nil {
		t.Fatalf("AtTime valid: %v", err)
	}
	for _, w := range []When{{Tick: 1, Time: 1}, {Tick: Unset, Time: Unset}} {
		if err := w.Validate(); !errors.Is(err, ErrInvalidTrigger) {
			t.Fatalf("Validate(%+v) = %v, want ErrInvalidTrigger", w, err)
		}
	}
}

func TestScheduleRejectsInvalidTrigger(t *testing.T) {
	s, _ := newTestScheduler(t)
	if _, err := s.Schedule(When{Tick: 2, Time: 5}, "bad", nil); !errors.Is(err, ErrInvalidTrigger) {
		t.Fatalf("Schedule err = %v, want ErrInvalidTrigger", err)
	}
}

func TestRunDueOrdersByTime(t *testing.T) {
	s, clock := newTestScheduler(t)
	var fired []string

	base := clock.Now()
	mustSchedule(t, s, AtTime(base.Add(30*time.Millisecond)), record(&fired, "c"))
	mustSchedule(t, s, AtTime(base.Add(10*time.Millisecond)), record(&fired, "a"))
	mustSchedule(t, s, AtTime(base.Add(20*time.Millisecond)), record(&fired, "b"))
	mustSchedule(t, s, AtTime(base.Add(time.Second)), record(&fired, "later"))

	clock.Advance(50 * time.Millisecond)
	if err := s.RunDue(context.Background()); err != nil {
		t.Fatalf("RunDue: %v", err)
	}
	if got := strings.Join(fired, ","); got != "a,b,c" {
		t.Fatalf("fired = %s, want a,b,c", got)
	}
	if _, times := s.Pending(); times != 1 {
		t.Fatalf("pending time events = %d, want 1", times)
	}
}

func TestRunDueRepeeksAfterCallbacks(t *testing.T) {
	s, clock := newTestScheduler(t)
	var fired []string

	mustSchedule(t, s, AtTime(clock.Now()), func(ctx context.Context, ev *Event) error {
		fired = append(fired, "first")
		// Already due: must fire in this same RunDue call.
		_, err := s.Schedule(AtTime(clock.Now()), "chained", record(&fired, "chained"))
		return err
	})

	if err := s.RunDue(context.Background()); err != nil {
		t.Fatalf("RunDue: %v", err)
	}
	if got := strings.Join(fired, ","); got != "first,chained" {
		t.Fatalf("fired = %s, want first,chained", got)
	}
}

func TestAdvanceTickFiresLateEventsWithCurrentTick(t *testing.T) {
	s, _ := newTestScheduler(t)
	var seen []int64

	cb := func(_ context.Context, ev *Event) error {
		seen = append(seen, ev.FiredTick)
		return nil
	}
	mustSchedule(t, s, AtTick(0), cb)
	mustSchedule(t, s, AtTick(1), cb)

	// Tick 1 fires both the late tick-0 event and the tick-1 event.
	tick, err := s.AdvanceTick(context.Background())
	if err != nil {
		t.Fatalf("AdvanceTick: %v", err)
	}
	if tick != 1 {
		t.Fatalf("tick = %d, want 1", tick)
	}
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 1 {
		t.Fatalf("fired ticks = %v, want [1 1]", seen)
	}

	mustSchedule(t, s, AtTick(1), cb)
	if _, err := s.AdvanceTick(context.Background()); err != nil {
		t.Fatalf("AdvanceTick: %v", err)
	}
	if len(seen) != 3 || seen[2] != 2 {
		t.Fatalf("late event fired ticks = %v, want last entry 2", seen)
	}
}

func TestAdvanceTickLeavesFutureEvents(t *testing.T) {
	s, _ := newTestScheduler(t)
	var fired []string
	mustSchedule(t, s, AtTick(3), record(&fired, "three"))

	for i := 0; i < 2; i++ {
		if _, err := s.AdvanceTick(context.Background()); err != nil {
			t.Fatalf("AdvanceTick: %v", err)
		}
	}
	if len(fired) != 0 {
		t.Fatalf("tick-3 event fired early")
	}
	if _, err := s.AdvanceTick(context.Background()); err != nil {
		t.Fatalf("AdvanceTick: %v", err)
	}
	if len(fired) != 1 {
		t.Fatalf("tick-3 event did not fire on tick 3")
	}
}

func TestQueuesDoNotCrossFire(t *testing.T) {
	s, clock := newTestScheduler(t)
	var fired []string

	mustSchedule(t, s, AtTick(0), record(&fired, "tick"))
	mustSchedule(t, s, AtTime(clock.Now()), record(&fired, "time"))

	if err := s.RunDue(context.Background()); err != nil {
		t.Fatalf("RunDue: %v", err)
	}
	if got := strings.Join(fired, ","); got != "time" {
		t.Fatalf("RunDue fired %s, want time", got)
	}

	fired = nil
	clock.Advance(time.Hour)
	mustSchedule(t, s, AtTime(clock.Now().Add(time.Minute)), record(&fired, "future"))
	if _, err := s.AdvanceTick(context.Background()); err != nil {
		t.Fatalf("AdvanceTick: %v", err)
	}
	if got := strings.Join(fired, ","); got != "tick" {
		t.Fatalf("AdvanceTick fired %s, want tick", got)
	}
}

func TestEqualKeysFireInInsertionOrder(t *testing.T) {
	s, _ := newTestScheduler(t)
	var fired []string
	for _, label := range []string{"a", "b", "c"} {
		mustSchedule(t, s, AtTick(1), record(&fired, label))
	}
	if _, err := s.AdvanceTick(context.Background()); err != nil {
		t.Fatalf("AdvanceTick: %v", err)
	}
	if got := strings.Join(fired, ","); got != "a,b,c" {
		t.Fatalf("fired = %s", got)
	}
}

func TestCancelSkipsEvent(t *testing.T) {
	s, _ := newTestScheduler(t)
	var fired []string
	id := mustSchedule(t, s, AtTick(1), record(&fired, "cancelled"))
	mustSchedule(t, s, AtTick(1), record(&fired, "kept"))

	if !s.Cancel(id) {
		t.Fatalf("Cancel returned false for pending event")
	}
	if s.Cancel(id) {
		t.Fatalf("second Cancel returned true")
	}
	if ticks, _ := s.Pending(); ticks != 1 {
		t.Fatalf("pending ticks = %d, want 1", ticks)
	}
	if _, err := s.AdvanceTick(context.Background()); err != nil {
		t.Fatalf("AdvanceTick: %v", err)
	}
	if got := strings.Join(fired, ","); got != "kept" {
		t.Fatalf("fired = %s, want kept", got)
	}
}

func TestQueueDepthMatchesPending(t *testing.T) {
	rec := &fakeRecorder{}
	s, clock := newTestScheduler(t, WithRecorder(rec))
	var fired []string
	id := mustSchedule(t, s, AtTick(2), record(&fired, "a"))
	mustSchedule(t, s, AtTick(2), record(&fired, "b"))
	mustSchedule(t, s, After(clock, time.Second), record(&fired, "c"))

	s.Cancel(id)
	ticks, times := s.Pending()
	if rec.depth[QueueTick] != ticks || rec.depth[QueueTime] != times {
		t.Fatalf("depth = %v, pending = %d/%d", rec.depth, ticks, times)
	}
	if ticks != 1 {
		t.Fatalf("pending ticks = %d, want 1", ticks)
	}

	for i := 0; i < 2; i++ {
		if _, err := s.AdvanceTick(context.Background()); err != nil {
			t.Fatalf("AdvanceTick: %v", err)
		}
	}
	if rec.depth[QueueTick] != 0 {
		t.Fatalf("tick depth after firing = %d, want 0", rec.depth[QueueTick])
	}
}

func TestFailingCallbacksAreIsolated(t *testing.T) {
	rec := &fakeRecorder{}
	s, _ := newTestScheduler(t, WithRecorder(rec))
	var fired []string
	boom := errors.New("boom")

	mustSchedule(t, s, AtTick(1), func(context.Context, *Event) error { return boom })
	mustSchedule(t, s, AtTick(1), func(context.Context, *Event) error { panic("kaboom") })
	mustSchedule(t, s, AtTick(1), record(&fired, "sibling"))

	_, err := s.AdvanceTick(context.Background())
	if err == nil {
		t.Fatalf("expected joined callback errors")
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected error to wrap boom, got %v", err)
	}
	var cbErr *CallbackError
	if !errors.As(err, &cbErr) || cbErr.Queue != QueueTick {
		t.Fatalf("expected *CallbackError on tick queue, got %v", err)
	}
	if !strings.Contains(err.Error(), "panic: kaboom") {
		t.Fatalf("panic not reported: %v", err)
	}
	if len(fired) != 1 {
		t.Fatalf("sibling callback did not run")
	}
	if rec.failed[QueueTick] != 2 || rec.fired[QueueTick] != 3 {
		t.Fatalf("recorder fired=%v failed=%v", rec.fired, rec.failed)
	}
}

type phaseListener struct {
	log *[]string
}

func (p phaseListener) TickStart(_ context.Context, tick int64) {
	*p.log = append(*p.log, "start")
}

func (p phaseListener) TickEnd(_ context.Context, tick int64) {
	*p.log = append(*p.log, "end")
}

func TestTickListenersBracketEvents(t *testing.T) {
	s, _ := newTestScheduler(t)
	var log []string
	s.AddTickListener(phaseListener{log: &log})
	mustSchedule(t, s, AtTick(1), record(&log, "event"))

	if _, err := s.AdvanceTick(context.Background()); err != nil {
		t.Fatalf("AdvanceTick: %v", err)
	}
	if got := strings.Join(log, ","); got != "start,event,end" {
		t.Fatalf("phases = %s", got)
	}
}

func TestAfterUsesClock(t *testing.T) {
	s, clock := newTestScheduler(t)
	var fired []string
	if _, err := s.ScheduleAfter(100*time.Millisecond, "after", record(&fired, "after")); err != nil {
		t.Fatalf("ScheduleAfter: %v", err)
	}
	clock.Advance(99 * time.Millisecond)
	_ = s.RunDue(context.Background())
	if len(fired) != 0 {
		t.Fatalf("fired before due")
	}
	clock.Advance(time.Millisecond)
	_ = s.RunDue(context.Background())
	if len(fired) != 1 {
		t.Fatalf("did not fire when due")
	}
}

func mustSchedule(t *testing.T, s *Scheduler, when When, cb Callback) string {
	t.Helper()
	id, err := s.Schedule(when, "test", cb)
	if err != nil {
		t.Fatalf("Schedule(%v): %v", when, err)
	}
	return id
}

type fakeRecorder struct {
	mu     sync.Mutex
	fired  map[string]int
	failed map[string]int
	depth  map[string]int
}

func (r *fakeRecorder) EventFired(queue string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fired == nil {
		r.fired = map[string]int{}
	}
	r.fired[queue]++
}

func (r *fakeRecorder) CallbackFailed(queue string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failed == nil {
		r.failed = map[string]int{}
	}
	r.failed[queue]++
}

func (r *fakeRecorder) SetQueueDepth(queue string, depth int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.depth == nil {
		r.depth = map[string]int{}
	}
	r.depth[queue] = depth
}
