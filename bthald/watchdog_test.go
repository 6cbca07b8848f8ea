package bthald

import (
	"sync"
	"testing"
	"time"
)

type watchdogRecorder struct {
	mu    sync.Mutex
	bites []string
}

func (r *watchdogRecorder) record(source WakeSource, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bites = append(r.bites, reason)
}

func (r *watchdogRecorder) reasons() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.bites...)
}

//	Tests compress the tick interval so a 5 s budget elapses in a few
//	milliseconds of wall time.
func TestWatchdogBitesWithSourceReason(t *testing.T) {
	watchdog := newWatchdogWithInterval(time.Millisecond, testLogger())
	recorder := &watchdogRecorder{}
	watchdog.fatal = recorder.record
	defer watchdog.Close()

	watchdog.Start(WakeSourceTx)
	waitFor(t, "TX bite", func() bool { return len(recorder.reasons()) > 0 })
	if recorder.reasons()[0] != "TX timeout" {
		t.Fatalf("wrong bite reason: %q", recorder.reasons()[0])
	}
}

func TestWatchdogStopPreventsBite(t *testing.T) {
	watchdog := newWatchdogWithInterval(time.Millisecond, testLogger())
	recorder := &watchdogRecorder{}
	watchdog.fatal = recorder.record
	defer watchdog.Close()

	watchdog.Start(WakeSourceRx)
	watchdog.Stop(WakeSourceRx)
	time.Sleep(50 * time.Millisecond)
	if len(recorder.reasons()) != 0 {
		t.Fatal("stopped source still bit")
	}
}

func TestWatchdogTransportRearmsInsteadOfBiting(t *testing.T) {
	watchdog := newWatchdogWithInterval(time.Millisecond, testLogger())
	recorder := &watchdogRecorder{}
	watchdog.fatal = recorder.record
	defer watchdog.Close()

	watchdog.Start(WakeSourceTransport)
	time.Sleep(100 * time.Millisecond)
	if len(recorder.reasons()) != 0 {
		t.Fatal("transport source bit")
	}
	watchdog.mu.Lock()
	_, stillArmed := watchdog.remaining[WakeSourceTransport]
	watchdog.mu.Unlock()
	if !stillArmed {
		t.Fatal("transport budget not re-armed")
	}
}

func TestWatchdogPauseSuppressesBites(t *testing.T) {
	watchdog := newWatchdogWithInterval(time.Millisecond, testLogger())
	recorder := &watchdogRecorder{}
	watchdog.fatal = recorder.record
	defer watchdog.Close()

	watchdog.Pause()
	watchdog.Start(WakeSourceHciBusy)
	time.Sleep(50 * time.Millisecond)
	if len(recorder.reasons()) != 0 {
		t.Fatal("paused watchdog bit")
	}

	watchdog.Resume()
	waitFor(t, "bite after resume", func() bool { return len(recorder.reasons()) > 0 })
	if recorder.reasons()[0] != "HciBusy timeout" {
		t.Fatalf("wrong reason: %q", recorder.reasons()[0])
	}
}

func TestWatchdogRestartResetsBudget(t *testing.T) {
	watchdog := newWatchdogWithInterval(50*time.Millisecond, testLogger())
	recorder := &watchdogRecorder{}
	watchdog.fatal = recorder.record
	defer watchdog.Close()

	watchdog.Start(WakeSourceRouterTask)
	watchdog.mu.Lock()
	watchdog.remaining[WakeSourceRouterTask] = 1
	watchdog.mu.Unlock()

	//	restart before the reduced budget runs out
	watchdog.Start(WakeSourceRouterTask)
	watchdog.mu.Lock()
	budget := watchdog.remaining[WakeSourceRouterTask]
	watchdog.mu.Unlock()
	if budget != budgetTicks(WakeSourceRouterTask) {
		t.Fatalf("restart did not reset budget: %v", budget)
	}
}
