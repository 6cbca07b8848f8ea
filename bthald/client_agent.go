package bthald

import (
	"sync"

	"github.com/op/go-logging"

	"bthal.co/bthal"
)

//	ClientAgent keeps the registered router clients, multiplexes packet
//	dispatch among them, and translates HAL state transitions into the
//	per-client lifecycle hooks. Bluetooth counts as enabled once a
//	successful HCI_Reset command complete is seen in the Running state.
type ClientAgent struct {
	mu           sync.Mutex
	currentState bthal.HalState
	chipReady    bool
	enabled      bool
	clients      map[RouterClientI]struct{}
	log          *logging.Logger

	//	A state notification older than what the agent has seen is a
	//	programming error in the router.
	fatalf func(format string, args ...interface{})
}

func NewClientAgent(log *logging.Logger) *ClientAgent {
	a := &ClientAgent{
		clients: make(map[RouterClientI]struct{}),
		log:     log,
	}
	a.fatalf = log.Fatalf
	return a
}

//	Register adds a client. A late subscriber immediately receives the
//	hooks matching the current view, so every client sees the same
//	sequence regardless of registration time.
func (a *ClientAgent) Register(client RouterClientI) bool {
	a.mu.Lock()
	if _, exists := a.clients[client]; exists {
		a.mu.Unlock()
		a.log.Warning("client agent: callback already registered")
		return false
	}
	a.clients[client] = struct{}{}
	chipReady, enabled := a.chipReady, a.enabled
	a.mu.Unlock()

	if chipReady {
		client.OnBluetoothChipReady()
	}
	if enabled {
		client.OnBluetoothEnabled()
	}
	return true
}

func (a *ClientAgent) Unregister(client RouterClientI) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.clients[client]; !exists {
		a.log.Warning("client agent: callback was not registered")
		return false
	}
	delete(a.clients, client)
	return true
}

func (a *ClientAgent) IsBluetoothEnabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled
}

func (a *ClientAgent) IsBluetoothChipReady() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.chipReady
}

func (a *ClientAgent) snapshotClients() []RouterClientI {
	clients := make([]RouterClientI, 0, len(a.clients))
	for client := range a.clients {
		clients = append(clients, client)
	}
	return clients
}

//	DispatchPacketToClients offers the packet to every client and
//	returns the maximum monitor mode.
func (a *ClientAgent) DispatchPacketToClients(packet bthal.Packet) bthal.MonitorMode {
	a.mu.Lock()
	justEnabled := false
	if !a.enabled && a.currentState == bthal.HalStateRunning &&
		packet.CommandOpcodeFromGeneratedEvent() == bthal.OpcodeHciReset &&
		packet.CommandCompleteResult() == bthal.EventResultSuccess {
		//	the first successful HCI_RESET in Running marks Bluetooth
		//	enabled
		a.enabled = true
		justEnabled = true
	}
	clients := a.snapshotClients()
	a.mu.Unlock()

	if justEnabled {
		for _, client := range clients {
			client.OnBluetoothEnabled()
		}
	}

	result := bthal.MonitorModeNone
	for _, client := range clients {
		if mode := client.OnPacketCallback(packet); mode > result {
			result = mode
		}
	}
	return result
}

//	NotifyHalStateChange updates the cached view and fires the
//	lifecycle hooks the transition implies.
func (a *ClientAgent) NotifyHalStateChange(newState, oldState bthal.HalState) {
	a.mu.Lock()

	if a.currentState > oldState {
		fatalf := a.fatalf
		a.mu.Unlock()
		fatalf("client agent: state mismatch, old_state %s -> new_state %s but agent saw %s",
			oldState, newState, a.currentState)
		a.mu.Lock()
	}
	a.currentState = newState

	type hook int
	const (
		hookChipReady hook = iota
		hookChipClosed
		hookEnabled
		hookDisabled
	)
	var hooks []hook

	switch newState {
	case bthal.HalStateBtChipReady:
		if !a.chipReady {
			hooks = append(hooks, hookChipReady)
		}
		if a.enabled {
			hooks = append(hooks, hookDisabled)
		}
		a.chipReady = true
		a.enabled = false
	case bthal.HalStateRunning:
		if !a.chipReady {
			hooks = append(hooks, hookChipReady)
		}
		//	enabled is not touched here: clients must wait for an
		//	HCI_RESET before they can talk to the chip
		a.chipReady = true
	default:
		if a.enabled {
			hooks = append(hooks, hookDisabled)
		}
		if a.chipReady {
			hooks = append(hooks, hookChipClosed)
		}
		a.chipReady = false
		a.enabled = false
	}

	clients := a.snapshotClients()
	a.mu.Unlock()

	for _, h := range hooks {
		for _, client := range clients {
			switch h {
			case hookChipReady:
				client.OnBluetoothChipReady()
			case hookChipClosed:
				client.OnBluetoothChipClosed()
			case hookEnabled:
				client.OnBluetoothEnabled()
			case hookDisabled:
				client.OnBluetoothDisabled()
			}
		}
	}

	for _, client := range clients {
		client.OnHalStateChanged(newState, oldState)
	}
}
