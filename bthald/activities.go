package bthald

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/op/go-logging"

	"bthal.co/bthal"
)

const maxConnectionHistoryRecords = 64

//	Event parameter offsets, indexed from the packet type byte.
const (
	bleConnectionEventStatusOffset = 4
	bleConnectionHandleOffset      = 5
	bleConnectionBdAddressOffset   = 9
	connectionEventStatusOffset    = 3
	connectionHandleOffset         = 4
	connectionBdAddressOffset      = 6
	disconnectionEventStatusOffset = 3
	disconnectionHandleOffset      = 4
)

type ConnectionRecord struct {
	Handle    uint16    `json:"handle"`
	Address   string    `json:"address"`
	Event     string    `json:"event"`
	Status    byte      `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

//	Activities is the activity registry: a router client that follows
//	Classic and BLE connection lifecycles, answers IsConnected queries
//	for the packet rescuer, and keeps a bounded history of connection
//	events for the control-plane dump.
type Activities struct {
	*RouterClient

	mu        sync.Mutex
	connected map[uint16]string
	history   *lru.Cache
	seq       int

	log *logging.Logger
}

func NewActivities(router *Router, log *logging.Logger) *Activities {
	a := &Activities{
		RouterClient: NewRouterClient(router),
		connected:    make(map[uint16]string),
		history:      lru.New(maxConnectionHistoryRecords),
		log:          log,
	}
	a.OnMonitorPacket = a.onMonitorPacket

	for _, subCode := range []byte{
		bthal.BleSubEventConnectionComplete,
		bthal.BleSubEventEnhancedConnectionCompleteV1,
		bthal.BleSubEventEnhancedConnectionCompleteV2,
	} {
		a.RegisterMonitor(bthal.BleMetaMonitor{SubCode: subCode, MonitorMode: bthal.MonitorModeMonitor})
	}
	a.RegisterMonitor(bthal.EventMonitor{EventCode: bthal.EventConnectionComplete, MonitorMode: bthal.MonitorModeMonitor})
	a.RegisterMonitor(bthal.EventMonitor{EventCode: bthal.EventDisconnectionComplete, MonitorMode: bthal.MonitorModeMonitor})
	return a
}

func (a *Activities) onMonitorPacket(mode bthal.MonitorMode, packet bthal.Packet) {
	switch packet.EventCode() {
	case bthal.EventConnectionComplete:
		a.handleConnectComplete(packet)
	case bthal.EventDisconnectionComplete:
		a.handleDisconnectComplete(packet)
	case bthal.EventBleMeta:
		a.handleBleConnectComplete(packet)
	}
}

func (a *Activities) handleConnectComplete(event bthal.Packet) {
	if len(event) < connectionBdAddressOffset+6 {
		return
	}
	status := event[connectionEventStatusOffset]
	handle := uint16(event[connectionHandleOffset]) |
		(uint16(event[connectionHandleOffset+1])&0x0f)<<8
	address := formatBdAddress(event[connectionBdAddressOffset : connectionBdAddressOffset+6])
	a.recordConnection(handle, address, "ConnectionComplete", status)
}

func (a *Activities) handleBleConnectComplete(event bthal.Packet) {
	if len(event) < bleConnectionBdAddressOffset+6 {
		return
	}
	status := event[bleConnectionEventStatusOffset]
	handle := uint16(event[bleConnectionHandleOffset]) |
		(uint16(event[bleConnectionHandleOffset+1])&0x0f)<<8
	address := formatBdAddress(event[bleConnectionBdAddressOffset : bleConnectionBdAddressOffset+6])
	a.recordConnection(handle, address, "BleConnectionComplete", status)
}

func (a *Activities) recordConnection(handle uint16, address, event string, status byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if status == bthal.EventResultSuccess {
		a.connected[handle] = address
	}
	a.addHistoryLocked(ConnectionRecord{
		Handle:    handle,
		Address:   address,
		Event:     event,
		Status:    status,
		Timestamp: time.Now(),
	})
}

func (a *Activities) handleDisconnectComplete(event bthal.Packet) {
	if len(event) < disconnectionHandleOffset+2 {
		return
	}
	status := event[disconnectionEventStatusOffset]
	handle := uint16(event[disconnectionHandleOffset]) |
		(uint16(event[disconnectionHandleOffset+1])&0x0f)<<8

	a.mu.Lock()
	defer a.mu.Unlock()
	address := a.connected[handle]
	if status == bthal.EventResultSuccess {
		delete(a.connected, handle)
	}
	a.addHistoryLocked(ConnectionRecord{
		Handle:    handle,
		Address:   address,
		Event:     "DisconnectionComplete",
		Status:    status,
		Timestamp: time.Now(),
	})
}

func (a *Activities) addHistoryLocked(record ConnectionRecord) {
	a.history.Add(a.seq, record)
	a.seq++
}

func (a *Activities) IsConnected(handle uint16) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, connected := a.connected[handle]
	return connected
}

func (a *Activities) ConnectionHandleCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.connected)
}

func (a *Activities) HasConnectedDevice() bool {
	return a.ConnectionHandleCount() > 0
}

//	History returns the retained connection records, oldest first.
func (a *Activities) History() []ConnectionRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	var records []ConnectionRecord
	for seq := a.seq - maxConnectionHistoryRecords; seq < a.seq; seq++ {
		if seq < 0 {
			continue
		}
		if value, ok := a.history.Get(seq); ok {
			records = append(records, value.(ConnectionRecord))
		}
	}
	return records
}

//	OnBluetoothChipClosed drops all tracked connections; the controller
//	forgot them with its power.
func (a *Activities) OnBluetoothChipClosed() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = make(map[uint16]string)
}

func formatBdAddress(raw []byte) string {
	//	BD_ADDR is little-endian on the wire
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
		raw[5], raw[4], raw[3], raw[2], raw[1], raw[0])
}
