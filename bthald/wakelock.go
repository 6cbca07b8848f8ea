package bthald

import (
	"os"
	"sync"
	"time"

	"github.com/op/go-logging"
)

//	WakeSource names a reason for holding the system wakelock.
type WakeSource int

const (
	WakeSourceTx WakeSource = iota
	WakeSourceRx
	WakeSourceHciBusy
	WakeSourceRouterTask
	WakeSourceTransport
	WakeSourceInitialize
	WakeSourceClose
)

func (s WakeSource) String() string {
	switch s {
	case WakeSourceTx:
		return "TX"
	case WakeSourceRx:
		return "RX"
	case WakeSourceHciBusy:
		return "HciBusy"
	case WakeSourceRouterTask:
		return "RouterTask"
	case WakeSourceTransport:
		return "Transport"
	case WakeSourceInitialize:
		return "Initialize"
	case WakeSourceClose:
		return "Close"
	}
	return "Unknown"
}

//	KernelLockerI is the sink the wakelock votes into. The default
//	writes the lock name to the sysfs wake_lock/wake_unlock nodes.
type KernelLockerI interface {
	Lock() error
	Unlock() error
}

type sysfsKernelLocker struct {
	lockNode   string
	unlockNode string
	name       string
}

func NewSysfsKernelLocker(lockNode, unlockNode string) KernelLockerI {
	return &sysfsKernelLocker{lockNode: lockNode, unlockNode: unlockNode, name: "bthal"}
}

func (l *sysfsKernelLocker) Lock() error {
	return os.WriteFile(l.lockNode, []byte(l.name), 0)
}

func (l *sysfsKernelLocker) Unlock() error {
	return os.WriteFile(l.unlockNode, []byte(l.name), 0)
}

const wakelockReleaseGrace = 100 * time.Millisecond

//	Wakelock reference-counts the kernel wakelock by WakeSource. The
//	kernel lock is held whenever any source is voted or the release
//	grace timer is still pending. Every voted source carries an armed
//	watchdog; a stuck source eventually bites (see Watchdog).
type Wakelock struct {
	mu           sync.Mutex
	sources      map[WakeSource]bool
	gracePending bool
	graceTimer   *Timer
	kernel       KernelLockerI
	watchdog     *Watchdog
	log          *logging.Logger
}

func NewWakelock(kernel KernelLockerI, watchdog *Watchdog, timers *TimerService, log *logging.Logger) *Wakelock {
	return &Wakelock{
		sources:    make(map[WakeSource]bool),
		graceTimer: timers.NewTimer(),
		kernel:     kernel,
		watchdog:   watchdog,
		log:        log,
	}
}

//	Acquire votes a source. Re-acquiring a voted source only restarts
//	its watchdog budget.
func (w *Wakelock) Acquire(source WakeSource) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.gracePending {
		w.gracePending = false
		w.graceTimer.Cancel()
	}
	if len(w.sources) == 0 {
		if err := w.kernel.Lock(); err != nil {
			w.log.Error("wakelock: kernel acquire failed:", err)
		}
	}
	w.sources[source] = true
	w.watchdog.Start(source)
}

//	Release un-votes a source. When the last source goes away a grace
//	timer is armed and the kernel wakelock is released on its expiry
//	unless a new Acquire lands first.
func (w *Wakelock) Release(source WakeSource) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.sources[source] {
		return
	}
	delete(w.sources, source)
	w.watchdog.Stop(source)
	if len(w.sources) == 0 {
		w.gracePending = true
		w.graceTimer.Schedule(w.onGraceExpired, wakelockReleaseGrace)
	}
}

func (w *Wakelock) onGraceExpired() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.gracePending || len(w.sources) > 0 {
		return
	}
	w.gracePending = false
	if err := w.kernel.Unlock(); err != nil {
		w.log.Error("wakelock: kernel release failed:", err)
	}
}

func (w *Wakelock) IsAcquired() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.sources) > 0 || w.gracePending
}

func (w *Wakelock) IsWakeSourceAcquired(source WakeSource) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sources[source]
}

//	AcquiredSources reports the currently voted sources, for the
//	control-plane state dump.
func (w *Wakelock) AcquiredSources() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var names []string
	for source := range w.sources {
		names = append(names, source.String())
	}
	return names
}

//	ReleaseAll drops every vote and the kernel lock; used at shutdown.
func (w *Wakelock) ReleaseAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for source := range w.sources {
		delete(w.sources, source)
		w.watchdog.Stop(source)
	}
	w.gracePending = false
	w.graceTimer.Cancel()
	if err := w.kernel.Unlock(); err != nil {
		w.log.Error("wakelock: kernel release failed:", err)
	}
}
