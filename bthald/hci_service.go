package bthald

import (
	"sync"

	"github.com/op/go-logging"

	"bthal.co/bthal"
)

type InitStatus int

const (
	InitStatusSuccess InitStatus = iota
	InitStatusAlreadyInitialized
	InitStatusHardwareInitializationError
	InitStatusUnknown
)

func (s InitStatus) String() string {
	switch s {
	case InitStatusSuccess:
		return "SUCCESS"
	case InitStatusAlreadyInitialized:
		return "ALREADY_INITIALIZED"
	case InitStatusHardwareInitializationError:
		return "HARDWARE_INITIALIZATION_ERROR"
	}
	return "UNKNOWN"
}

//	StackCallbacksI is the upward interface the Bluetooth stack
//	implements. Packet payloads exclude the leading H4 type indicator.
type StackCallbacksI interface {
	InitializationComplete(status InitStatus)
	HciEventReceived(event []byte)
	AclDataReceived(data []byte)
	ScoDataReceived(data []byte)
	IsoDataReceived(data []byte)
}

//	Service is the stack-facing surface of the daemon: it translates
//	between raw byte payloads and packets, drives router bring-up, and
//	reports initialization progress upward.
type Service struct {
	mu           sync.Mutex
	callbacks    StackCallbacksI
	initializing bool

	router   *Router
	wakelock *Wakelock
	log      *logging.Logger
}

func NewService(router *Router, wakelock *Wakelock, log *logging.Logger) *Service {
	return &Service{router: router, wakelock: wakelock, log: log}
}

func (s *Service) Initialize(callbacks StackCallbacksI) (err error) {
	s.wakelock.Acquire(WakeSourceInitialize)
	defer s.wakelock.Release(WakeSourceInitialize)

	s.log.Info("initializing Bluetooth HAL")
	s.mu.Lock()
	if s.callbacks != nil {
		s.mu.Unlock()
		s.log.Warning("the HAL has already been initialized")
		callbacks.InitializationComplete(InitStatusAlreadyInitialized)
		return bthal.ErrAlreadyInitialized
	}
	s.callbacks = callbacks
	s.initializing = true
	s.mu.Unlock()

	if !s.router.Initialize(&serviceRouterCallback{service: s}) {
		s.mu.Lock()
		s.callbacks = nil
		s.initializing = false
		s.mu.Unlock()
		return bthal.ErrAlreadyInitialized
	}
	return nil
}

func (s *Service) Close() {
	s.wakelock.Acquire(WakeSourceClose)
	defer s.wakelock.Release(WakeSourceClose)

	s.mu.Lock()
	s.callbacks = nil
	s.initializing = false
	s.mu.Unlock()
	s.router.Cleanup()
}

func (s *Service) SendHciCommand(command []byte) bool {
	return s.router.Send(bthal.NewPacket(bthal.PacketTypeCommand, command))
}

func (s *Service) SendAclData(data []byte) bool {
	return s.router.Send(bthal.NewPacket(bthal.PacketTypeAclData, data))
}

func (s *Service) SendScoData(data []byte) bool {
	return s.router.Send(bthal.NewPacket(bthal.PacketTypeScoData, data))
}

func (s *Service) SendIsoData(data []byte) bool {
	return s.router.Send(bthal.NewPacket(bthal.PacketTypeIsoData, data))
}

func (s *Service) HalState() bthal.HalState {
	return s.router.HalState()
}

func (s *Service) callbacksRef() StackCallbacksI {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callbacks
}

func (s *Service) dispatchPacketToStack(packet bthal.Packet) {
	callbacks := s.callbacksRef()
	if callbacks == nil {
		s.log.Error("stack callbacks are nil")
		return
	}
	switch packet.Type() {
	case bthal.PacketTypeEvent:
		callbacks.HciEventReceived(packet.Body())
	case bthal.PacketTypeAclData:
		callbacks.AclDataReceived(packet.Body())
	case bthal.PacketTypeScoData:
		callbacks.ScoDataReceived(packet.Body())
	case bthal.PacketTypeIsoData:
		callbacks.IsoDataReceived(packet.Body())
	default:
		s.log.Error("unexpected packet type for stack:", packet)
	}
}

func (s *Service) handleHalStateChanged(newState, oldState bthal.HalState) {
	s.mu.Lock()
	if !s.initializing || s.callbacks == nil {
		s.mu.Unlock()
		return
	}
	var status InitStatus
	switch newState {
	case bthal.HalStateRunning:
		status = InitStatusSuccess
	case bthal.HalStateShutdown:
		status = InitStatusHardwareInitializationError
	default:
		s.mu.Unlock()
		return
	}
	s.initializing = false
	callbacks := s.callbacks
	s.mu.Unlock()

	if status == InitStatusSuccess {
		s.log.Info("initialization complete")
	} else {
		s.log.Error("unexpected state change during initialization")
	}
	callbacks.InitializationComplete(status)
}

//	serviceRouterCallback bridges the router callback interface onto the
//	stack callbacks.
type serviceRouterCallback struct {
	service *Service
}

func (c *serviceRouterCallback) OnCommandCallback(packet bthal.Packet) {
	c.service.dispatchPacketToStack(packet)
}

func (c *serviceRouterCallback) OnPacketCallback(packet bthal.Packet) {
	c.service.dispatchPacketToStack(packet)
}

func (c *serviceRouterCallback) OnHalStateChanged(newState, oldState bthal.HalState) {
	c.service.handleHalStateChanged(newState, oldState)
}
