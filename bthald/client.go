package bthald

import (
	"sync"

	"bthal.co/bthal"
)

//	RouterClientI is the callback set an in-process observer registers
//	with the client agent. OnPacketCallback is offered every packet and
//	answers with a monitor mode; the lifecycle hooks track chip and
//	Bluetooth state so clients do not have to interpret raw HAL states.
type RouterClientI interface {
	OnCommandCallback(packet bthal.Packet)
	OnPacketCallback(packet bthal.Packet) bthal.MonitorMode
	OnHalStateChanged(newState, oldState bthal.HalState)
	OnBluetoothChipReady()
	OnBluetoothChipClosed()
	OnBluetoothEnabled()
	OnBluetoothDisabled()
}

//	RouterClient is an embeddable base implementing RouterClientI with
//	a monitor registry and no-op lifecycle hooks. Embedders register
//	monitors and set OnMonitorPacket to observe matches; they override
//	the hooks they care about.
type RouterClient struct {
	router *Router

	mu       sync.Mutex
	monitors []bthal.Monitor

	//	Called with the aggregate mode when at least one monitor
	//	matches a dispatched packet.
	OnMonitorPacket func(mode bthal.MonitorMode, packet bthal.Packet)
}

func NewRouterClient(router *Router) *RouterClient {
	return &RouterClient{router: router}
}

func (c *RouterClient) RegisterMonitor(monitor bthal.Monitor) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.monitors {
		if existing == monitor {
			return false
		}
	}
	c.monitors = append(c.monitors, monitor)
	return true
}

func (c *RouterClient) UnregisterMonitor(monitor bthal.Monitor) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.monitors {
		if existing == monitor {
			c.monitors = append(c.monitors[:i], c.monitors[i+1:]...)
			return true
		}
	}
	return false
}

//	OnPacketCallback answers with the highest mode among the matching
//	monitors.
func (c *RouterClient) OnPacketCallback(packet bthal.Packet) bthal.MonitorMode {
	c.mu.Lock()
	mode := bthal.MonitorModeNone
	for _, monitor := range c.monitors {
		if monitor.Match(packet) && monitor.Mode() > mode {
			mode = monitor.Mode()
		}
	}
	onMatch := c.OnMonitorPacket
	c.mu.Unlock()

	if mode != bthal.MonitorModeNone && onMatch != nil {
		onMatch(mode, packet)
	}
	return mode
}

//	SendCommand submits a command through the router's flow-control
//	queue on behalf of the client.
func (c *RouterClient) SendCommand(packet bthal.Packet, handler PacketCallback) bool {
	if c.router == nil || packet.Type() != bthal.PacketTypeCommand {
		return false
	}
	return c.router.SendCommand(packet, handler)
}

//	SendData writes a non-command packet straight to the transport.
func (c *RouterClient) SendData(packet bthal.Packet) bool {
	if c.router == nil || packet.Type() == bthal.PacketTypeCommand || !packet.Type().Valid() {
		return false
	}
	return c.router.Send(packet)
}

func (c *RouterClient) OnCommandCallback(packet bthal.Packet)                  {}
func (c *RouterClient) OnHalStateChanged(newState, oldState bthal.HalState)    {}
func (c *RouterClient) OnBluetoothChipReady()                                  {}
func (c *RouterClient) OnBluetoothChipClosed()                                 {}
func (c *RouterClient) OnBluetoothEnabled()                                    {}
func (c *RouterClient) OnBluetoothDisabled()                                   {}
