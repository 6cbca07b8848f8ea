package bthal

//	MonitorMode is the result of offering a packet to a router client.
//	The aggregate mode across clients is the maximum of the individual
//	results; Intercept suppresses delivery to the stack.
type MonitorMode int

const (
	MonitorModeNone MonitorMode = iota
	MonitorModeMonitor
	MonitorModeIntercept
)

func (m MonitorMode) String() string {
	switch m {
	case MonitorModeNone:
		return "None"
	case MonitorModeMonitor:
		return "Monitor"
	case MonitorModeIntercept:
		return "Intercept"
	}
	return "Unknown"
}

//	A Monitor is a packet filter a router client registers to observe or
//	intercept a slice of the HCI traffic.
type Monitor interface {
	Mode() MonitorMode
	Match(p Packet) bool
}

//	CommandMonitor matches outgoing HCI commands by opcode.
type CommandMonitor struct {
	Opcode      uint16
	MonitorMode MonitorMode
}

func (m CommandMonitor) Mode() MonitorMode { return m.MonitorMode }

func (m CommandMonitor) Match(p Packet) bool {
	return p.Type() == PacketTypeCommand && p.CommandOpcode() == m.Opcode
}

//	CommandCompleteMonitor matches command-complete and command-status
//	events generated for a given command opcode.
type CommandCompleteMonitor struct {
	Opcode      uint16
	MonitorMode MonitorMode
}

func (m CommandCompleteMonitor) Mode() MonitorMode { return m.MonitorMode }

func (m CommandCompleteMonitor) Match(p Packet) bool {
	return p.IsCommandCompleteOrStatusEvent() &&
		p.CommandOpcodeFromGeneratedEvent() == m.Opcode
}

//	EventMonitor matches events by event code, optionally narrowed to a
//	subcode at a caller-provided offset (for vendor-specific events with
//	their own subcode layout).
type EventMonitor struct {
	EventCode     byte
	SubCode       byte
	SubCodeOffset int
	HasSubCode    bool
	MonitorMode   MonitorMode
}

func (m EventMonitor) Mode() MonitorMode { return m.MonitorMode }

func (m EventMonitor) Match(p Packet) bool {
	if p.Type() != PacketTypeEvent || p.EventCode() != m.EventCode {
		return false
	}
	if !m.HasSubCode {
		return true
	}
	if m.SubCodeOffset < 0 || len(p) <= m.SubCodeOffset {
		return false
	}
	return p[m.SubCodeOffset] == m.SubCode
}

//	BleMetaMonitor matches BLE meta events by subevent code.
type BleMetaMonitor struct {
	SubCode     byte
	MonitorMode MonitorMode
}

func (m BleMetaMonitor) Mode() MonitorMode { return m.MonitorMode }

func (m BleMetaMonitor) Match(p Packet) bool {
	return p.EventCode() == EventBleMeta && p.BleSubEventCode() == m.SubCode
}
