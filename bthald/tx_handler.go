package bthald

import (
	"sync"

	"github.com/op/go-logging"

	"bthal.co/bthal"
)

type txTaskKind int

const (
	txSendOrQueueCommand txTaskKind = iota + 1
	txGetCommandCallback
	txOnCommandCallbackCompleted
	txSendToTransport
)

func (k txTaskKind) String() string {
	switch k {
	case txSendOrQueueCommand:
		return "SendOrQueueCommand"
	case txGetCommandCallback:
		return "GetCommandCallback"
	case txOnCommandCallbackCompleted:
		return "OnCommandCallbackCompleted"
	case txSendToTransport:
		return "SendToTransport"
	}
	return "Unknown"
}

type txTask struct {
	kind     txTaskKind
	packet   bthal.Packet
	callback PacketCallback
	reply    chan PacketCallback
}

type queuedCommand struct {
	command  bthal.Packet
	callback PacketCallback
}

//	txHandler owns the command flow-control queue. All queue access
//	happens on its worker goroutine, which also makes command response
//	handlers run in submission order. While any command is queued the
//	HciBusy wakelock is voted; the watchdog turns a controller that
//	stops answering into a fatal fault.
type txHandler struct {
	worker *Worker[txTask]

	//	front entry is the in-flight command; only touched on the
	//	worker goroutine
	queue []queuedCommand

	registry *TransportRegistry
	agent    *ClientAgent
	snoop    *SnoopRecorder
	wakelock *Wakelock
	log      *logging.Logger

	voteMu sync.Mutex
	votes  int
}

func newTxHandler(registry *TransportRegistry, agent *ClientAgent,
	snoop *SnoopRecorder, wakelock *Wakelock, log *logging.Logger) *txHandler {
	t := &txHandler{
		registry: registry,
		agent:    agent,
		snoop:    snoop,
		wakelock: wakelock,
		log:      log,
	}
	t.worker = NewWorker(t.dispatch, log)
	return t
}

func (t *txHandler) post(task txTask) {
	t.log.Debugf("tx handler: posting task %s", task.kind)
	if t.worker.Post(task) {
		//	vote the RouterTask wakelock only if the task actually
		//	made it into the queue
		t.voteRouterTaskWakelock()
	} else if task.reply != nil {
		task.reply <- nil
	}
}

func (t *txHandler) stop() {
	t.worker.Stop()
	t.setBusy(false)
}

func (t *txHandler) dispatch(task txTask) {
	t.log.Debugf("tx handler: dispatching task %s", task.kind)
	switch task.kind {
	case txSendOrQueueCommand:
		t.sendOrQueueCommand(task.packet, task.callback)
	case txGetCommandCallback:
		t.getCommandCallback(task.packet, task.reply)
	case txOnCommandCallbackCompleted:
		t.onCommandCallbackCompleted()
	case txSendToTransport:
		t.sendToTransport(task.packet)
	default:
		t.log.Errorf("tx handler: unknown task kind %d", task.kind)
	}
	t.unvoteRouterTaskWakelock()
}

func (t *txHandler) sendOrQueueCommand(packet bthal.Packet, callback PacketCallback) {
	queueBusy := len(t.queue) > 0
	t.queue = append(t.queue, queuedCommand{command: packet, callback: callback})

	if queueBusy {
		//	wait for the previous command to complete
		t.log.Infof("command queued: %s", packet)
		return
	}

	t.setBusy(true)
	t.sendToTransport(packet)
}

//	getCommandCallback resolves the handler for a command-complete or
//	command-status event. The front of the queue uniquely identifies the
//	expected opcode; on mismatch the queue is left untouched.
func (t *txHandler) getCommandCallback(event bthal.Packet, reply chan PacketCallback) {
	opcode := event.CommandOpcodeFromGeneratedEvent()
	if len(t.queue) == 0 || t.queue[0].command.CommandOpcode() != opcode {
		t.log.Errorf("unexpected command complete or command status event, opcode=0x%04x", opcode)
		reply <- nil
		return
	}
	reply <- t.queue[0].callback
}

//	onCommandCallbackCompleted pops the consumed entry and releases the
//	next queued command.
func (t *txHandler) onCommandCallbackCompleted() {
	if len(t.queue) == 0 {
		t.log.Error("unexpected callback completed, no command in queue")
		return
	}
	t.queue = t.queue[1:]

	hasQueued := len(t.queue) > 0
	t.setBusy(hasQueued)
	if hasQueued {
		t.sendToTransport(t.queue[0].command)
	}
}

func (t *txHandler) sendToTransport(packet bthal.Packet) bool {
	t.wakelock.Acquire(WakeSourceTx)
	defer t.wakelock.Release(WakeSourceTx)

	if !t.registry.IsTransportActive() {
		//	transient: a queued command stays queued, the HciBusy
		//	watchdog catches a transport that never comes back
		t.log.Error("transport not active, packet:", packet)
		return false
	}

	t.snoop.Capture(packet, SnoopDirectionOutgoing)
	if t.agent.DispatchPacketToClients(packet) == bthal.MonitorModeIntercept {
		t.log.Debug("outgoing packet intercepted by a client:", packet)
		return true
	}

	return t.registry.Send(packet)
}

func (t *txHandler) setBusy(busy bool) {
	if busy {
		t.wakelock.Acquire(WakeSourceHciBusy)
	} else {
		t.wakelock.Release(WakeSourceHciBusy)
	}
	t.registry.SetRouterBusy(busy)
}

func (t *txHandler) voteRouterTaskWakelock() {
	t.voteMu.Lock()
	defer t.voteMu.Unlock()
	if t.votes == 0 {
		t.wakelock.Acquire(WakeSourceRouterTask)
	}
	t.votes++
}

func (t *txHandler) unvoteRouterTaskWakelock() {
	t.voteMu.Lock()
	defer t.voteMu.Unlock()
	//	release and possibly re-acquire so the watchdog budget restarts
	//	between tasks
	t.wakelock.Release(WakeSourceRouterTask)
	t.votes--
	if t.votes > 0 {
		t.wakelock.Acquire(WakeSourceRouterTask)
	}
}
