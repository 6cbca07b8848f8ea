package bthald

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestTimerService(t *testing.T) *TimerService {
	t.Helper()
	svc, err := NewTimerService(testLogger())
	if err != nil {
		t.Fatal("cannot create timer service:", err)
	}
	t.Cleanup(svc.Close)
	return svc
}

func TestTimerFires(t *testing.T) {
	svc := newTestTimerService(t)
	var fired atomic.Bool
	timer := svc.NewTimer()
	if !timer.Schedule(func() { fired.Store(true) }, 10*time.Millisecond) {
		t.Fatal("schedule failed")
	}
	waitFor(t, "timer to fire", fired.Load)
	if timer.IsScheduled() {
		t.Fatal("fired timer still scheduled")
	}
}

func TestTimerCancelPreventsRun(t *testing.T) {
	svc := newTestTimerService(t)
	var fired atomic.Bool
	timer := svc.NewTimer()
	timer.Schedule(func() { fired.Store(true) }, 50*time.Millisecond)
	if !timer.Cancel() {
		t.Fatal("cancel of a pending timer returned false")
	}
	time.Sleep(100 * time.Millisecond)
	if fired.Load() {
		t.Fatal("canceled task ran")
	}
}

func TestTimerCancelWithoutScheduleIsNoOp(t *testing.T) {
	svc := newTestTimerService(t)
	timer := svc.NewTimer()
	if timer.Cancel() {
		t.Fatal("cancel of an unscheduled timer returned true")
	}
	if timer.IsScheduled() {
		t.Fatal("unscheduled timer reports scheduled")
	}
}

func TestTimerRescheduleReplacesPendingTask(t *testing.T) {
	svc := newTestTimerService(t)
	var mu sync.Mutex
	var got []int
	timer := svc.NewTimer()
	timer.Schedule(func() {
		mu.Lock()
		got = append(got, 1)
		mu.Unlock()
	}, 40*time.Millisecond)
	timer.Schedule(func() {
		mu.Lock()
		got = append(got, 2)
		mu.Unlock()
	}, 10*time.Millisecond)

	waitFor(t, "replacement task", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	})
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != 2 {
		t.Fatalf("unexpected fires: %v", got)
	}
}

func TestTimerRejectsNonPositiveDelay(t *testing.T) {
	svc := newTestTimerService(t)
	timer := svc.NewTimer()
	if timer.Schedule(func() {}, 0) {
		t.Fatal("zero delay accepted")
	}
	if timer.Schedule(func() {}, -time.Second) {
		t.Fatal("negative delay accepted")
	}
}

func TestTimerOrderingOfTwoHandles(t *testing.T) {
	svc := newTestTimerService(t)
	var mu sync.Mutex
	var got []int
	first := svc.NewTimer()
	second := svc.NewTimer()
	second.Schedule(func() {
		mu.Lock()
		got = append(got, 2)
		mu.Unlock()
	}, 30*time.Millisecond)
	first.Schedule(func() {
		mu.Lock()
		got = append(got, 1)
		mu.Unlock()
	}, 10*time.Millisecond)

	waitFor(t, "both timers", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	if got[0] != 1 || got[1] != 2 {
		t.Fatalf("fired out of order: %v", got)
	}
}

func TestTimerReentrantScheduleFromCallback(t *testing.T) {
	svc := newTestTimerService(t)
	var second atomic.Bool
	timer := svc.NewTimer()
	next := svc.NewTimer()
	timer.Schedule(func() {
		next.Schedule(func() { second.Store(true) }, 5*time.Millisecond)
	}, 5*time.Millisecond)
	waitFor(t, "re-entrantly scheduled task", second.Load)
}
