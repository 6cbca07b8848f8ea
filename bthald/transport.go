package bthald

import (
	"sync"

	"github.com/op/go-logging"

	"bthal.co/bthal"
)

type TransportType int

const (
	TransportTypeUartH4      TransportType = 1
	TransportTypeVendorStart TransportType = 100
	TransportTypeVendorEnd   TransportType = 199
	TransportTypeUnknown     TransportType = 1000
)

func (t TransportType) isVendor() bool {
	return t >= TransportTypeVendorStart && t <= TransportTypeVendorEnd
}

//	TransportCallbackI is implemented by the router: it receives every
//	framed inbound packet and the close notification when the reader
//	exits.
type TransportCallbackI interface {
	OnTransportPacketReady(packet bthal.Packet)
	OnTransportClosed()
}

//	TransportI is one way of reaching the controller. Initialize returns
//	only once the chip is powered and the data path is up; on failure it
//	must have cleaned up fully.
type TransportI interface {
	Initialize(callback TransportCallbackI) error
	Cleanup()
	Send(packet bthal.Packet) bool
	IsActive() bool
	Type() TransportType
	NotifyHalStateChange(state bthal.HalState)
}

//	TransportSubscriberI receives HAL state changes fanned out by the
//	registry (the UART transport uses them to drive baud switches).
type TransportSubscriberI interface {
	NotifyHalStateChange(state bthal.HalState)
}

//	TransportRegistry picks the active transport from the configured
//	priority list, falling back to UART H4. Vendor transports register
//	under a reserved type range; the currently active transport can
//	neither be swapped back in nor unregistered.
type TransportRegistry struct {
	mu sync.Mutex

	current     TransportI
	currentType TransportType
	vendors     map[TransportType]TransportI
	uartFactory func() TransportI

	subscribers []TransportSubscriberI
	halState    bthal.HalState
	routerBusy  bool

	cfg *bthal.Config
	log *logging.Logger
}

func NewTransportRegistry(cfg *bthal.Config, uartFactory func() TransportI, log *logging.Logger) *TransportRegistry {
	return &TransportRegistry{
		currentType: TransportTypeUnknown,
		vendors:     make(map[TransportType]TransportI),
		uartFactory: uartFactory,
		cfg:         cfg,
		log:         log,
	}
}

//	GetTransport returns the active transport, activating the first
//	usable entry of the configured priority list.
func (r *TransportRegistry) GetTransport() TransportI {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, raw := range r.cfg.TransportPriority {
		if r.updateTransportTypeLocked(TransportType(raw)) {
			return r.current
		}
	}

	r.log.Warning("transport: no transport from priority list initialized, falling back to UartH4")
	r.updateTransportTypeLocked(TransportTypeUartH4)
	return r.current
}

func (r *TransportRegistry) createOrAcquireLocked(requested TransportType) (TransportI, TransportType) {
	switch {
	case requested.isVendor():
		transport, ok := r.vendors[requested]
		if !ok || transport == nil {
			r.log.Errorf("transport: vendor transport not found for type %d", requested)
			return nil, requested
		}
		delete(r.vendors, requested)
		return transport, requested
	case requested == TransportTypeUartH4:
		return r.uartFactory(), requested
	default:
		r.log.Warningf("transport: unhandled type %d, defaulting to UartH4", requested)
		return r.uartFactory(), TransportTypeUartH4
	}
}

func (r *TransportRegistry) updateTransportTypeLocked(requested TransportType) bool {
	if r.currentType == requested && r.current != nil {
		return true
	}

	transport, transportType := r.createOrAcquireLocked(requested)
	if transport == nil {
		return false
	}

	if r.current != nil {
		r.cleanupLocked()
	}

	r.current = transport
	r.currentType = transportType
	r.log.Infof("transport: activated type %d", transportType)
	return true
}

//	CleanupTransport deactivates the current transport; a vendor
//	transport instance is parked back into the registry.
func (r *TransportRegistry) CleanupTransport() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleanupLocked()
}

func (r *TransportRegistry) cleanupLocked() {
	if r.current == nil {
		return
	}
	r.current.Cleanup()
	if r.currentType.isVendor() {
		r.vendors[r.currentType] = r.current
		r.log.Infof("transport: parked vendor transport type %d", r.currentType)
	}
	r.current = nil
	r.currentType = TransportTypeUnknown
}

func (r *TransportRegistry) RegisterVendorTransport(transport TransportI) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if transport == nil {
		r.log.Error("transport: cannot register nil transport")
		return false
	}
	transportType := transport.Type()
	if r.current != nil && r.currentType == transportType {
		r.log.Warningf("transport: type %d is active, close it first", transportType)
		return false
	}
	if !transportType.isVendor() {
		r.log.Errorf("transport: invalid vendor transport type %d", transportType)
		return false
	}
	if _, exists := r.vendors[transportType]; exists {
		r.log.Warningf("transport: vendor type %d already registered", transportType)
	}
	r.vendors[transportType] = transport
	return true
}

func (r *TransportRegistry) UnregisterVendorTransport(transportType TransportType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !transportType.isVendor() {
		r.log.Errorf("transport: type %d is not a vendor type", transportType)
		return false
	}
	if r.current != nil && r.currentType == transportType {
		r.log.Warningf("transport: cannot unregister active vendor type %d", transportType)
		return false
	}
	transport, ok := r.vendors[transportType]
	if !ok || transport == nil {
		r.log.Warningf("transport: vendor type %d not found", transportType)
		return false
	}
	transport.Cleanup()
	delete(r.vendors, transportType)
	r.log.Infof("transport: unregistered vendor type %d", transportType)
	return true
}

func (r *TransportRegistry) CurrentType() TransportType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentType
}

func (r *TransportRegistry) IsTransportActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current != nil && r.current.IsActive()
}

//	Send forwards a packet to the active transport.
func (r *TransportRegistry) Send(packet bthal.Packet) bool {
	r.mu.Lock()
	transport := r.current
	r.mu.Unlock()
	if transport == nil {
		return false
	}
	return transport.Send(packet)
}

func (r *TransportRegistry) SetRouterBusy(busy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routerBusy = busy
}

func (r *TransportRegistry) IsRouterBusy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.routerBusy
}

//	NotifyHalStateChange fans a state change out to the active transport
//	and the subscribers. Repeated states are dropped.
func (r *TransportRegistry) NotifyHalStateChange(state bthal.HalState) {
	r.mu.Lock()
	if r.halState == state {
		r.mu.Unlock()
		return
	}
	r.halState = state
	transport := r.current
	subscribers := make([]TransportSubscriberI, len(r.subscribers))
	copy(subscribers, r.subscribers)
	r.mu.Unlock()

	if transport != nil {
		transport.NotifyHalStateChange(state)
	}
	for _, subscriber := range subscribers {
		subscriber.NotifyHalStateChange(state)
	}
}

func (r *TransportRegistry) Subscribe(subscriber TransportSubscriberI) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.subscribers {
		if existing == subscriber {
			return
		}
	}
	r.subscribers = append(r.subscribers, subscriber)
}

func (r *TransportRegistry) Unsubscribe(subscriber TransportSubscriberI) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.subscribers {
		if existing == subscriber {
			r.subscribers = append(r.subscribers[:i], r.subscribers[i+1:]...)
			return
		}
	}
}
