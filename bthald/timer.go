package bthald

import (
	"container/heap"
	"sync"
	"time"

	"github.com/op/go-logging"
	"golang.org/x/sys/unix"
)

//	TimerService provides monotonic, cancelable one-shot timers driven
//	by a single timerfd. A waiter goroutine blocks on an epoll over the
//	timerfd, a dispatcher worker runs the expired tasks, so callbacks
//	may schedule timers re-entrantly.
type TimerService struct {
	mu         sync.Mutex
	timerFd    int
	epollFd    int
	eventFd    int
	scheduled  map[*Timer]*timerEntry
	expiry     timerHeap
	dispatcher *Worker[func()]
	closed     bool
	closeOnce  sync.Once
	waiterDone chan struct{}
	log        *logging.Logger
}

type timerEntry struct {
	timer *Timer
	task  func()
	when  time.Time
	index int
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].when.Before(h[j].when) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x interface{}) {
	entry := x.(*timerEntry)
	entry.index = len(*h)
	*h = append(*h, entry)
}
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return entry
}

const timerDispatchQueueSize = 64

func NewTimerService(log *logging.Logger) (svc *TimerService, err error) {
	timerFd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return
	}
	epollFd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		unix.Close(timerFd)
		return
	}
	eventFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(timerFd)
		unix.Close(epollFd)
		return
	}
	for _, fd := range []int{timerFd, eventFd} {
		err = unix.EpollCtl(epollFd, unix.EPOLL_CTL_ADD, fd,
			&unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)})
		if err != nil {
			unix.Close(timerFd)
			unix.Close(epollFd)
			unix.Close(eventFd)
			return
		}
	}

	svc = &TimerService{
		timerFd:    timerFd,
		epollFd:    epollFd,
		eventFd:    eventFd,
		scheduled:  make(map[*Timer]*timerEntry),
		waiterDone: make(chan struct{}),
		log:        log,
	}
	svc.dispatcher = NewWorkerWithQueueSize(func(task func()) { task() },
		timerDispatchQueueSize, log)
	go svc.waitLoop()
	return
}

//	NewTimer returns a handle whose Schedule/Cancel operate through this
//	service. A handle owns at most one pending task.
func (s *TimerService) NewTimer() *Timer {
	return &Timer{svc: s}
}

func (s *TimerService) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.scheduled = make(map[*Timer]*timerEntry)
		s.expiry = nil
		s.mu.Unlock()

		var one = [8]byte{7: 1}
		if _, err := unix.Write(s.eventFd, one[:]); err != nil {
			s.log.Error("timer service: wake write failed:", err)
		}
		<-s.waiterDone
		s.dispatcher.Stop()
		unix.Close(s.timerFd)
		unix.Close(s.epollFd)
		unix.Close(s.eventFd)
	})
}

func (s *TimerService) waitLoop() {
	defer close(s.waiterDone)
	events := make([]unix.EpollEvent, 2)
	var buf [8]byte
	for {
		n, err := unix.EpollWait(s.epollFd, events, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			s.log.Error("timer service: epoll wait failed:", err)
			return
		}
		for i := 0; i < n; i++ {
			switch int(events[i].Fd) {
			case s.eventFd:
				return
			case s.timerFd:
				//	consume the expiration count before firing
				_, _ = unix.Read(s.timerFd, buf[:])
				s.fireDue()
			}
		}
	}
}

func (s *TimerService) fireDue() {
	s.mu.Lock()
	now := time.Now()
	var due []func()
	for len(s.expiry) > 0 && !s.expiry[0].when.After(now) {
		entry := heap.Pop(&s.expiry).(*timerEntry)
		delete(s.scheduled, entry.timer)
		due = append(due, entry.task)
	}
	s.rearmLocked()
	s.mu.Unlock()

	for _, task := range due {
		s.dispatcher.Post(task)
	}
}

func (s *TimerService) rearmLocked() {
	var spec unix.ItimerSpec
	if len(s.expiry) > 0 {
		delay := time.Until(s.expiry[0].when)
		if delay <= 0 {
			delay = time.Nanosecond
		}
		spec.Value = unix.NsecToTimespec(delay.Nanoseconds())
	}
	if err := unix.TimerfdSettime(s.timerFd, 0, &spec, nil); err != nil {
		s.log.Error("timer service: settime failed:", err)
	}
}

func (s *TimerService) schedule(t *Timer, task func(), delay time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if old, ok := s.scheduled[t]; ok {
		heap.Remove(&s.expiry, old.index)
		delete(s.scheduled, t)
	}
	entry := &timerEntry{timer: t, task: task, when: time.Now().Add(delay)}
	heap.Push(&s.expiry, entry)
	s.scheduled[t] = entry
	s.rearmLocked()
	return true
}

func (s *TimerService) cancel(t *Timer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.scheduled[t]
	if !ok {
		//	not scheduled, or the task is already running
		return false
	}
	heap.Remove(&s.expiry, entry.index)
	delete(s.scheduled, t)
	s.rearmLocked()
	return true
}

func (s *TimerService) isScheduled(t *Timer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.scheduled[t]
	return ok
}

//	Timer is a handle owning a single timer registration.
type Timer struct {
	svc *TimerService
}

//	Schedule arms the timer. A pending task on the same handle is
//	canceled first. The delay must be greater than zero.
func (t *Timer) Schedule(task func(), delay time.Duration) bool {
	if delay <= 0 {
		return false
	}
	return t.svc.schedule(t, task, delay)
}

//	Cancel removes a pending task. Canceling a task that is already
//	running (or a handle with no pending task) is a no-op returning
//	false; canceling a pending task guarantees it will not run.
func (t *Timer) Cancel() bool {
	return t.svc.cancel(t)
}

func (t *Timer) IsScheduled() bool {
	return t.svc.isScheduled(t)
}

//	Close cancels any pending task; the handle must not be reused.
func (t *Timer) Close() {
	t.Cancel()
}
