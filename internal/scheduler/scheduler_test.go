package scheduler

import (
	"sync"
	"testing"
	"time"
)

// recordingTicker records tick invocations and replies from a script.
type recordingTicker struct {
	mu    sync.Mutex
	calls []string
	// next maps spec IDs to how many more times they should be
	// rescheduled; 0 means drop on the next tick.
	remaining map[string]int
	interval  time.Duration
	ticked    chan string
}

func newRecordingTicker(interval time.Duration) *recordingTicker {
	return &recordingTicker{
		remaining: make(map[string]int),
		interval:  interval,
		ticked:    make(chan string, 64),
	}
}

func (rt *recordingTicker) Tick(id string, now time.Time) (time.Time, bool) {
	rt.mu.Lock()
	rt.calls = append(rt.calls, id)
	n := rt.remaining[id]
	if n > 0 {
		rt.remaining[id] = n - 1
	}
	rt.mu.Unlock()

	rt.ticked <- id
	if n <= 0 {
		return time.Time{}, false
	}
	return now.Add(rt.interval), true
}

func (rt *recordingTicker) callList() []string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]string, len(rt.calls))
	copy(out, rt.calls)
	return out
}

func waitForTicks(t *testing.T, rt *recordingTicker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-rt.ticked:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for tick %d of %d", i+1, n)
		}
	}
}

func TestScheduler_RunsDueItems(t *testing.T) {
	rt := newRecordingTicker(time.Hour)
	s := NewScheduler(rt, 2)
	s.Start()
	defer s.Stop()

	s.Schedule("a", time.Now())
	s.Schedule("b", time.Now())
	waitForTicks(t, rt, 2)

	calls := rt.callList()
	seen := map[string]bool{}
	for _, id := range calls {
		seen[id] = true
	}
	if !seen["a"] || !seen["b"] {
		t.Errorf("expected both specs ticked, got %v", calls)
	}
}

func TestScheduler_OrdersByDueTime(t *testing.T) {
	rt := newRecordingTicker(time.Hour)
	s := NewScheduler(rt, 1)

	now := time.Now()
	// Queue out of order before starting the loop, so the heap ordering is
	// what determines execution order.
	s.Schedule("late", now.Add(60*time.Millisecond))
	s.Schedule("early", now.Add(10*time.Millisecond))
	s.Schedule("middle", now.Add(30*time.Millisecond))

	s.Start()
	defer s.Stop()
	waitForTicks(t, rt, 3)

	calls := rt.callList()
	want := []string{"early", "middle", "late"}
	for i, id := range want {
		if calls[i] != id {
			t.Fatalf("expected tick order %v, got %v", want, calls)
		}
	}
}

func TestScheduler_ReschedulesUntilDropped(t *testing.T) {
	rt := newRecordingTicker(5 * time.Millisecond)
	rt.remaining["a"] = 3
	s := NewScheduler(rt, 1)
	s.Start()
	defer s.Stop()

	s.Schedule("a", time.Now())
	waitForTicks(t, rt, 4) // 3 reschedules plus the final dropping tick

	// The spec said stop; no further ticks should arrive.
	select {
	case id := <-rt.ticked:
		t.Fatalf("unexpected extra tick for %q after drop", id)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestScheduler_StopWaitsForInflight(t *testing.T) {
	rt := newRecordingTicker(time.Hour)
	s := NewScheduler(rt, 1)
	s.Start()

	s.Schedule("a", time.Now())
	waitForTicks(t, rt, 1)
	s.Stop() // must not hang or panic
	s.Stop() // idempotent
}

func TestScheduler_FutureItemWaits(t *testing.T) {
	rt := newRecordingTicker(time.Hour)
	s := NewScheduler(rt, 1)
	s.Start()
	defer s.Stop()

	s.Schedule("later", time.Now().Add(40*time.Millisecond))
	select {
	case <-rt.ticked:
		t.Fatal("tick ran before its due time")
	case <-time.After(10 * time.Millisecond):
	}
	waitForTicks(t, rt, 1)
}
