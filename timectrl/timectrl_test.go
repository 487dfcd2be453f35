package timectrl

import (
	"context"
	"testing"
	"time"
)

func TestTimeControllerSetTime(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start, time.Second, 0, RealTime)

	newNow := start.Add(42 * time.Second)
	tc.SetTime(newNow)

	if got := tc.Now(); !got.Equal(newNow) {
		t.Fatalf("Now() = %v, want %v", got, newNow)
	}
}

func TestAcceleratedRunStopsAfterMaxTicks(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start, 100*time.Millisecond, 25*time.Millisecond, Accelerated)

	var ticks []time.Time
	pumps := 0
	tc.OnTick(func(_ context.Context, now time.Time) { ticks = append(ticks, now) })
	tc.OnPump(func(context.Context, time.Time) { pumps++ })

	if err := tc.Run(context.Background(), 3); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(ticks) != 3 {
		t.Fatalf("ticks = %d, want 3", len(ticks))
	}
	if want := start.Add(300 * time.Millisecond); !tc.Now().Equal(want) {
		t.Fatalf("Now() = %v, want %v", tc.Now(), want)
	}
	if !ticks[0].Equal(start.Add(100 * time.Millisecond)) {
		t.Fatalf("first tick at %v", ticks[0])
	}
	// 3 intermediate pumps plus one on the tick boundary, per tick.
	if pumps != 12 {
		t.Fatalf("pumps = %d, want 12", pumps)
	}
	if tc.Ticks() != 3 {
		t.Fatalf("Ticks() = %d, want 3", tc.Ticks())
	}
}

func TestRunRejectsNonPositiveTick(t *testing.T) {
	tc := NewTimeController(time.Now(), 0, 0, Accelerated)
	if err := tc.Run(context.Background(), 1); err == nil {
		t.Fatalf("expected error for zero tick interval")
	}
}

func TestRealTimeRunHonoursCancel(t *testing.T) {
	tc := NewTimeController(time.Now(), 5*time.Millisecond, 0, RealTime)
	ctx, cancel := context.WithCancel(context.Background())
	fired := make(chan struct{}, 16)
	tc.OnTick(func(context.Context, time.Time) {
		select {
		case fired <- struct{}{}:
		default:
		}
	})

	done := tc.Start(ctx, 0)
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatalf("no tick fired in real-time mode")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop after cancel")
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": RealTime, "realtime": RealTime, "Accelerated": Accelerated} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Fatalf("ParseMode(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseMode("warp"); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

func TestManualClockAdvance(t *testing.T) {
	start := time.Unix(0, 0)
	c := NewManualClock(start)
	if got := c.Advance(time.Second); !got.Equal(start.Add(time.Second)) {
		t.Fatalf("Advance = %v", got)
	}
	c.Set(start)
	if !c.Now().Equal(start) {
		t.Fatalf("Set did not reset clock")
	}
}
