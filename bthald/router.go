package bthald

import (
	"sync"

	"github.com/op/go-logging"

	"bthal.co/bthal"
)

//	RouterCallbackI is implemented by the stack-facing service. The
//	router hands it every packet destined for the stack and every HAL
//	state change.
type RouterCallbackI interface {
	OnCommandCallback(packet bthal.Packet)
	OnPacketCallback(packet bthal.Packet)
	OnHalStateChanged(newState, oldState bthal.HalState)
}

//	PacketCallback receives the command-complete or command-status event
//	generated for a submitted command.
type PacketCallback func(packet bthal.Packet)

/*
 * halStateMachine holds the allowed transitions of the router state
 * machine. Shutdown, BtChipReady and Running are the static states;
 * every state may additionally fall back to Shutdown for error
 * handling.
 */
var halStateMachine = map[bthal.HalState][]bthal.HalState{
	bthal.HalStateShutdown:                  {bthal.HalStateShutdown, bthal.HalStateInit},
	bthal.HalStateInit:                      {bthal.HalStateShutdown, bthal.HalStatePreFirmwareDownload},
	bthal.HalStatePreFirmwareDownload:       {bthal.HalStateShutdown, bthal.HalStateFirmwareDownloading},
	bthal.HalStateFirmwareDownloading:       {bthal.HalStateShutdown, bthal.HalStateFirmwareDownloadCompleted},
	bthal.HalStateFirmwareDownloadCompleted: {bthal.HalStateShutdown, bthal.HalStateFirmwareReady},
	bthal.HalStateFirmwareReady:             {bthal.HalStateShutdown, bthal.HalStateBtChipReady},
	bthal.HalStateBtChipReady:               {bthal.HalStateShutdown, bthal.HalStateBtChipReady, bthal.HalStateRunning},
	bthal.HalStateRunning:                   {bthal.HalStateShutdown, bthal.HalStateBtChipReady},
}

func isHalTransitionValid(from, to bthal.HalState) bool {
	for _, next := range halStateMachine[from] {
		if next == to {
			return true
		}
	}
	return false
}

//	Router is the central arbiter between the transport and the stack:
//	it runs the HAL state machine, enforces at-most-one-outstanding
//	command flow control through its TX handler, and multiplexes the
//	inbound event stream between the stack callback and the registered
//	clients.
type Router struct {
	//	lifecycleMu serializes Initialize/Cleanup; mu protects the
	//	state and callback fields.
	lifecycleMu sync.Mutex
	mu          sync.Mutex

	state    bthal.HalState
	callback RouterCallbackI

	tx          *txHandler
	agent       *ClientAgent
	registry    *TransportRegistry
	provisioner *Provisioner
	snoop       *SnoopRecorder
	wakelock    *Wakelock
	cfg         *bthal.Config
	log         *logging.Logger

	fatalf func(format string, args ...interface{})
}

func NewRouter(cfg *bthal.Config, agent *ClientAgent, registry *TransportRegistry,
	snoop *SnoopRecorder, wakelock *Wakelock, log *logging.Logger) *Router {
	r := &Router{
		state:    bthal.HalStateShutdown,
		agent:    agent,
		registry: registry,
		snoop:    snoop,
		wakelock: wakelock,
		cfg:      cfg,
		log:      log,
	}
	r.fatalf = log.Fatalf
	return r
}

//	BindProvisioner wires the chip provisioner after construction; the
//	provisioner's default driver needs the router for its command
//	traffic, so the two are linked by the daemon.
func (r *Router) BindProvisioner(provisioner *Provisioner) {
	r.provisioner = provisioner
}

//	StartAcceleratedBringUp powers the chip and downloads firmware ahead
//	of the first stack Initialize when accelerated BT on is configured.
func (r *Router) StartAcceleratedBringUp() {
	if !r.cfg.AcceleratedBtOn {
		return
	}
	r.log.Info("powering on Bluetooth chip for accelerated BT on")
	r.initializeModules()
}

func (r *Router) Initialize(callback RouterCallbackI) bool {
	r.log.Info("initializing Bluetooth HCI router")
	r.mu.Lock()
	r.callback = callback
	r.mu.Unlock()
	return r.initializeModules()
}

func (r *Router) initializeModules() bool {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	switch r.HalState() {
	case bthal.HalStateRunning:
		r.log.Warning("router has already initialized")
		return false
	case bthal.HalStateShutdown:
		//	continue the initialization below
	case bthal.HalStateBtChipReady:
		if r.cfg.AcceleratedBtOn {
			r.provisioner.PostResetFirmware()
			return true
		}
		fallthrough
	default:
		r.log.Warning("router is initializing")
		return true
	}

	r.UpdateHalState(bthal.HalStateInit)

	r.mu.Lock()
	r.tx = newTxHandler(r.registry, r.agent, r.snoop, r.wakelock, r.log)
	r.mu.Unlock()

	r.log.Info("initializing Bluetooth transport")
	if err := r.registry.GetTransport().Initialize(r); err != nil {
		r.log.Error("failed to initialize transport:", err)
		r.cleanupLocked()
		return false
	}

	r.log.Info("start downloading Bluetooth firmware")
	r.provisioner.PostInitialize(r.UpdateHalState)
	r.provisioner.PostDownloadFirmware()
	return true
}

func (r *Router) Cleanup() {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()
	r.cleanupLocked()
}

func (r *Router) cleanupLocked() {
	if r.HalState() == bthal.HalStateRunning && r.cfg.AcceleratedBtOn {
		//	keep the chip powered and only reset firmware
		r.provisioner.PostResetFirmware()
		return
	}

	r.mu.Lock()
	tx := r.tx
	r.tx = nil
	r.mu.Unlock()
	if tx != nil {
		tx.stop()
	}

	//	drop to Shutdown before tearing the transport down so its close
	//	notification does not re-enter the state machine
	r.UpdateHalState(bthal.HalStateShutdown)

	r.registry.CleanupTransport()

	r.mu.Lock()
	r.callback = nil
	r.mu.Unlock()
}

func (r *Router) HalState() bthal.HalState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

//	UpdateHalState applies a state transition, runs its side effects and
//	fans the change out: the stack callback first (it needs to be the
//	first to know), then the client agent, then the transport layer.
func (r *Router) UpdateHalState(state bthal.HalState) {
	r.mu.Lock()
	old := r.state
	r.log.Infof("Bluetooth HAL state changed: %s -> %s", old, state)
	if !isHalTransitionValid(old, state) {
		fatalf := r.fatalf
		r.mu.Unlock()
		fatalf("invalid Bluetooth HAL state change: %s -> %s", old, state)
		//	coerced for error handling when the fatal handler returns
		state = bthal.HalStateShutdown
		r.mu.Lock()
		old = r.state
	}
	r.state = state
	callback := r.callback
	r.mu.Unlock()

	switch state {
	case bthal.HalStateShutdown:
		r.snoop.StopRecording()
	case bthal.HalStateInit:
		r.snoop.StartNewRecording()
	case bthal.HalStateBtChipReady:
		if r.cfg.AcceleratedBtOn && old == bthal.HalStateRunning {
			//	Bluetooth turned off with the chip kept powered
			r.snoop.StartNewRecording()
		}
	case bthal.HalStateRunning:
		r.snoop.StartNewRecording()
	}

	//	chip ready with the stack already initialized means running;
	//	the Running -> BtChipReady edge is Bluetooth turning off and
	//	must not bounce back
	autoAdvance := state == bthal.HalStateBtChipReady &&
		old != bthal.HalStateRunning && callback != nil

	if callback != nil {
		callback.OnHalStateChanged(state, old)
	}
	r.agent.NotifyHalStateChange(state, old)
	r.registry.NotifyHalStateChange(state)

	if autoAdvance {
		//	the stack already called Initialize, so chip ready means
		//	running
		r.UpdateHalState(bthal.HalStateRunning)
	}
}

func (r *Router) stackCallback() RouterCallbackI {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.callback
}

func (r *Router) txRef() *txHandler {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tx
}

//	Send accepts any packet from the stack. Commands are routed through
//	the flow-control queue with the stack's general event callback as
//	the response handler; everything else goes straight to the
//	transport.
func (r *Router) Send(packet bthal.Packet) bool {
	if !packet.Type().Valid() {
		r.log.Error("rejecting packet with unknown type:", packet)
		return false
	}
	if packet.Type() == bthal.PacketTypeCommand {
		return r.SendCommand(packet, func(event bthal.Packet) {
			if callback := r.stackCallback(); callback != nil {
				callback.OnCommandCallback(event)
			}
		})
	}
	tx := r.txRef()
	if tx == nil {
		return false
	}
	tx.post(txTask{kind: txSendToTransport, packet: packet})
	return true
}

//	SendCommand enqueues a command, guaranteeing at most one command in
//	flight and exactly one handler invocation with the matching
//	command-complete or command-status event.
func (r *Router) SendCommand(packet bthal.Packet, handler PacketCallback) bool {
	if packet.CommandOpcode() == bthal.OpcodeVendorDebugInfo {
		//	this opcode ignores the HCI command credit, so it must not
		//	occupy the queue
		return r.SendCommandNoAck(packet)
	}
	tx := r.txRef()
	if tx == nil {
		return false
	}
	tx.post(txTask{kind: txSendOrQueueCommand, packet: packet, callback: handler})
	return true
}

//	SendCommandNoAck bypasses flow control; the caller asserts the
//	controller will not acknowledge this command.
func (r *Router) SendCommandNoAck(packet bthal.Packet) bool {
	tx := r.txRef()
	if tx == nil {
		return false
	}
	tx.post(txTask{kind: txSendToTransport, packet: packet})
	return true
}

//	SendPacketToStack injects a packet as if it came from the
//	controller.
func (r *Router) SendPacketToStack(packet bthal.Packet) {
	r.handleReceivedPacket(packet)
}

func (r *Router) OnTransportPacketReady(packet bthal.Packet) {
	r.wakelock.Acquire(WakeSourceRx)
	defer r.wakelock.Release(WakeSourceRx)

	if r.HalState() == bthal.HalStateShutdown {
		r.log.Warning("HAL is not ready to receive packets")
		return
	}

	r.snoop.Capture(packet, SnoopDirectionIncoming)
	r.handleReceivedPacket(packet)
}

func (r *Router) OnTransportClosed() {
	r.log.Info("current transport is closed")
	if r.HalState() != bthal.HalStateShutdown {
		r.UpdateHalState(bthal.HalStateShutdown)
	}
}

func (r *Router) handleReceivedPacket(packet bthal.Packet) {
	if packet.IsCommandCompleteOrStatusEvent() {
		r.handleCommandCompleteOrStatusEvent(packet)
		return
	}
	if r.agent.DispatchPacketToClients(packet) != bthal.MonitorModeIntercept {
		if callback := r.stackCallback(); callback != nil {
			callback.OnPacketCallback(packet)
		}
	}
}

func (r *Router) handleCommandCompleteOrStatusEvent(event bthal.Packet) {
	tx := r.txRef()
	if tx == nil {
		if callback := r.stackCallback(); callback != nil {
			callback.OnPacketCallback(event)
		}
		return
	}

	reply := make(chan PacketCallback, 1)
	tx.post(txTask{kind: txGetCommandCallback, packet: event, reply: reply})
	handler := <-reply

	if handler == nil {
		//	unexpected opcode or empty queue: deliver to the stack
		//	anyway, the queue is not disturbed
		r.log.Error("command callback is nil")
		if callback := r.stackCallback(); callback != nil {
			callback.OnPacketCallback(event)
		}
		return
	}

	if r.agent.DispatchPacketToClients(event) != bthal.MonitorModeIntercept {
		handler(event)
	}
	tx.post(txTask{kind: txOnCommandCallbackCompleted})
}
