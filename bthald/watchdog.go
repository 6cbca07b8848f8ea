package bthald

import (
	"sync"
	"time"

	"github.com/op/go-logging"
)

const watchdogTickInterval = time.Second

//	Per-source watchdog budgets. The HCI controller is expected to
//	always answer commands, so a stuck HciBusy source is fatal rather
//	than recoverable.
func watchdogBudget(source WakeSource) time.Duration {
	switch source {
	case WakeSourceTx, WakeSourceRx, WakeSourceRouterTask:
		return 5 * time.Second
	case WakeSourceHciBusy:
		return 10 * time.Second
	case WakeSourceTransport, WakeSourceInitialize, WakeSourceClose:
		return 20 * time.Second
	}
	return 5 * time.Second
}

//	budgetTicks converts a source budget into watchdog ticks. At the
//	production tick interval of one second a tick is a second.
func budgetTicks(source WakeSource) int {
	return int(watchdogBudget(source) / watchdogTickInterval)
}

//	Watchdog decrements every active source's budget on a shared tick.
//	Half budget left emits a warning ("bark"); an exhausted budget calls
//	the fatal handler with a source-specific reason ("bite") so crash
//	reports are partitionable per source. Transport is the exception:
//	long transport wakelocks are expected during heavy traffic, so its
//	budget re-arms instead of biting.
type Watchdog struct {
	mu        sync.Mutex
	remaining map[WakeSource]int
	barked    map[WakeSource]bool
	paused    bool
	interval  time.Duration
	stopped   chan struct{}
	stopOnce  sync.Once
	log       *logging.Logger

	fatal func(source WakeSource, reason string)
}

func NewWatchdog(log *logging.Logger) *Watchdog {
	return newWatchdogWithInterval(watchdogTickInterval, log)
}

func newWatchdogWithInterval(interval time.Duration, log *logging.Logger) *Watchdog {
	w := &Watchdog{
		remaining: make(map[WakeSource]int),
		barked:    make(map[WakeSource]bool),
		interval:  interval,
		stopped:   make(chan struct{}),
		log:       log,
	}
	w.fatal = func(source WakeSource, reason string) {
		w.log.Fatalf("wakelock watchdog bite: %s", reason)
	}
	go w.run()
	return w
}

//	Start arms (or restarts) the budget for a source.
func (w *Watchdog) Start(source WakeSource) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.remaining[source] = budgetTicks(source)
	w.barked[source] = false
}

func (w *Watchdog) Stop(source WakeSource) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.remaining, source)
	delete(w.barked, source)
}

//	Pause suspends barks and bites while the HAL handles an error.
func (w *Watchdog) Pause() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.paused = true
}

func (w *Watchdog) Resume() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.paused = false
}

func (w *Watchdog) Close() {
	w.stopOnce.Do(func() {
		close(w.stopped)
	})
}

func (w *Watchdog) run() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopped:
			return
		case <-ticker.C:
			w.tick()
		}
	}
}

func (w *Watchdog) tick() {
	w.mu.Lock()
	if w.paused {
		w.mu.Unlock()
		return
	}
	type bite struct {
		source WakeSource
		reason string
	}
	var bites []bite
	for source, remaining := range w.remaining {
		remaining--
		w.remaining[source] = remaining
		if remaining <= budgetTicks(source)/2 && !w.barked[source] {
			w.log.Warningf("wakelock watchdog bark: %s held, %d ticks of budget left",
				source, remaining)
			w.barked[source] = true
		}
		if remaining <= 0 {
			if source == WakeSourceTransport {
				w.log.Warning("wakelock watchdog: transport budget expired, re-arming")
				w.remaining[source] = budgetTicks(source)
				w.barked[source] = false
				continue
			}
			bites = append(bites, bite{source, source.String() + " timeout"})
		}
	}
	fatal := w.fatal
	w.mu.Unlock()

	for _, b := range bites {
		fatal(b.source, b.reason)
	}
}
