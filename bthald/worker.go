package bthald

import (
	"sync"
	"time"

	"github.com/op/go-logging"
)

const defaultWorkerQueueSize = 10
const workerPostTimeout = 10 * time.Second

//	Worker is a bounded single-consumer message queue with a dedicated
//	goroutine. Every queue that needs FIFO handler execution (transport
//	writer, command dispatcher, chip provisioner, snoop writer) gets its
//	own Worker; they are never collapsed into a shared pool because the
//	per-queue ordering is part of the contract.
type Worker[M any] struct {
	queue    chan M
	stopped  chan struct{}
	done     chan struct{}
	handler  func(M)
	stopOnce sync.Once
	log      *logging.Logger

	//	fatalf is called when a producer times out on a full queue. A
	//	full queue after the post timeout is a configuration error.
	fatalf func(format string, args ...interface{})
}

func NewWorker[M any](handler func(M), log *logging.Logger) *Worker[M] {
	return NewWorkerWithQueueSize(handler, defaultWorkerQueueSize, log)
}

func NewWorkerWithQueueSize[M any](handler func(M), queueSize int, log *logging.Logger) *Worker[M] {
	w := &Worker[M]{
		queue:   make(chan M, queueSize),
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
		handler: handler,
		log:     log,
		fatalf:  log.Fatalf,
	}
	go w.run()
	return w
}

//	Post enqueues a message, blocking up to the post timeout if the
//	queue is full. Returns false if the worker has been stopped or the
//	timeout expired. The handler must not Post to its own worker while
//	the queue may be full.
func (w *Worker[M]) Post(message M) bool {
	select {
	case <-w.stopped:
		return false
	default:
	}
	select {
	case w.queue <- message:
		return true
	case <-w.stopped:
		return false
	case <-time.After(workerPostTimeout):
		w.fatalf("worker: post timed out, no space in the message queue")
		return false
	}
}

//	Stop stops the worker loop and discards messages left in the queue.
//	Blocked producers and the consumer are both woken.
func (w *Worker[M]) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopped)
	})
	<-w.done
}

func (w *Worker[M]) run() {
	defer close(w.done)
	for {
		select {
		case <-w.stopped:
			//	drain and discard
			for {
				select {
				case <-w.queue:
				default:
					return
				}
			}
		case message := <-w.queue:
			w.handler(message)
		}
	}
}
