package bthal

import (
	"encoding/hex"
	"fmt"
)

//	HCI UART transport packet types (Bluetooth Core Specification,
//	Volume 4, Part A, Section 2).
type PacketType byte

const (
	PacketTypeUnknown    PacketType = 0x00
	PacketTypeCommand    PacketType = 0x01
	PacketTypeAclData    PacketType = 0x02
	PacketTypeScoData    PacketType = 0x03
	PacketTypeEvent      PacketType = 0x04
	PacketTypeIsoData    PacketType = 0x05
	PacketTypeThreadData PacketType = 0x70
)

func (t PacketType) Valid() bool {
	switch t {
	case PacketTypeCommand, PacketTypeAclData, PacketTypeScoData,
		PacketTypeEvent, PacketTypeIsoData, PacketTypeThreadData:
		return true
	}
	return false
}

func (t PacketType) String() string {
	switch t {
	case PacketTypeCommand:
		return "Command"
	case PacketTypeAclData:
		return "AclData"
	case PacketTypeScoData:
		return "ScoData"
	case PacketTypeEvent:
		return "Event"
	case PacketTypeIsoData:
		return "IsoData"
	case PacketTypeThreadData:
		return "ThreadData"
	}
	return fmt.Sprintf("Unknown(0x%02x)", byte(t))
}

// All offsets below are indexed from the HCI packet type byte. The
// preamble is everything after the type byte up to and including the
// parameter total length field.
const (
	CommandPreambleSize = 3
	CommandOpcodeOffset = 1
	CommandLengthOffset = 3

	AclPreambleSize = 4
	AclLengthOffset = 3

	ScoPreambleSize = 3
	ScoLengthOffset = 3

	EventPreambleSize    = 2
	EventCodeOffset      = 1
	EventLengthOffset    = 2
	BleEventSubCodeOffset = 3

	IsoPreambleSize = 4
	IsoLengthOffset = 3

	ThreadPreambleSize = 4
	ThreadLengthOffset = 3

	CommandCompleteOpcodeOffset = 4
	CommandCompleteResultOffset = 6
	CommandStatusResultOffset   = 3
	CommandStatusOpcodeOffset   = 5
)

// Event codes (Bluetooth Core Specification 5.4, Volume 4, Part E,
// section 7.7).
const (
	EventConnectionComplete                   byte = 0x03
	EventConnectionRequest                    byte = 0x04
	EventDisconnectionComplete                byte = 0x05
	EventReadRemoteVersionInformationComplete byte = 0x0c
	EventCommandComplete                      byte = 0x0e
	EventCommandStatus                        byte = 0x0f
	EventRoleChange                           byte = 0x12
	EventNumberOfCompletedPackets             byte = 0x13
	EventModeChange                           byte = 0x14
	EventQosSetupComplete                     byte = 0x0d
	EventLinkKeyRequest                       byte = 0x17
	EventMaxSlotsChange                       byte = 0x1b
	EventReadRemoteExtendedFeaturesComplete   byte = 0x23
	EventSniffSubrating                       byte = 0x2e
	EventEncryptionKeyRefreshComplete         byte = 0x30
	EventLinkSupervisionTimeoutChanged        byte = 0x38
	EventEnhancedFlushComplete                byte = 0x39
	EventBleMeta                              byte = 0x3e
	EventVendorSpecific                       byte = 0xff
)

// BLE meta event subevent codes of interest.
const (
	BleSubEventConnectionComplete           byte = 0x01
	BleSubEventEnhancedConnectionCompleteV1 byte = 0x0a
	BleSubEventEnhancedConnectionCompleteV2 byte = 0x29
)

// Command opcodes of interest.
const (
	OpcodeSetEventMask       uint16 = 0x0c01
	OpcodeHciReset           uint16 = 0x0c03
	OpcodeWriteLeHostSupport uint16 = 0x0c6d
	OpcodeCreateConnection   uint16 = 0x0405
	OpcodeDisconnection      uint16 = 0x0406
	OpcodeVendorLaunchRam    uint16 = 0xfc4e
	OpcodeVendorDebugInfo    uint16 = 0xfd5b
)

const EventResultSuccess byte = 0x00

func PreambleSize(t PacketType) int {
	switch t {
	case PacketTypeCommand:
		return CommandPreambleSize
	case PacketTypeAclData:
		return AclPreambleSize
	case PacketTypeScoData:
		return ScoPreambleSize
	case PacketTypeEvent:
		return EventPreambleSize
	case PacketTypeIsoData:
		return IsoPreambleSize
	case PacketTypeThreadData:
		return ThreadPreambleSize
	}
	return 0
}

func PacketLengthOffset(t PacketType) int {
	switch t {
	case PacketTypeCommand:
		return CommandLengthOffset
	case PacketTypeAclData:
		return AclLengthOffset
	case PacketTypeScoData:
		return ScoLengthOffset
	case PacketTypeEvent:
		return EventLengthOffset
	case PacketTypeIsoData:
		return IsoLengthOffset
	case PacketTypeThreadData:
		return ThreadLengthOffset
	}
	return 0
}

//	A Packet is a framed HCI packet: one type byte followed by the
//	type-specific body. Packets are immutable after construction;
//	callbacks and monitors receive read-only views.
type Packet []byte

func NewPacket(t PacketType, body []byte) Packet {
	p := make(Packet, 0, 1+len(body))
	p = append(p, byte(t))
	p = append(p, body...)
	return p
}

func PacketFromBytes(raw []byte) Packet {
	p := make(Packet, len(raw))
	copy(p, raw)
	return p
}

func (p Packet) Type() PacketType {
	if len(p) == 0 {
		return PacketTypeUnknown
	}
	return PacketType(p[0])
}

//	Body returns a copy of the packet without the leading type byte, as
//	expected by the stack-facing callbacks.
func (p Packet) Body() []byte {
	if len(p) < 1 {
		return nil
	}
	body := make([]byte, len(p)-1)
	copy(body, p[1:])
	return body
}

func (p Packet) CommandOpcode() uint16 {
	if p.Type() != PacketTypeCommand || len(p) < CommandOpcodeOffset+2 {
		return 0
	}
	return uint16(p[CommandOpcodeOffset]) | uint16(p[CommandOpcodeOffset+1])<<8
}

func (p Packet) EventCode() byte {
	if p.Type() != PacketTypeEvent || len(p) <= EventCodeOffset {
		return 0
	}
	return p[EventCodeOffset]
}

func (p Packet) BleSubEventCode() byte {
	if p.EventCode() != EventBleMeta || len(p) <= BleEventSubCodeOffset {
		return 0
	}
	return p[BleEventSubCodeOffset]
}

func (p Packet) IsCommandCompleteOrStatusEvent() bool {
	code := p.EventCode()
	return code == EventCommandComplete || code == EventCommandStatus
}

//	CommandOpcodeFromGeneratedEvent extracts the opcode of the command a
//	command-complete or command-status event responds to.
func (p Packet) CommandOpcodeFromGeneratedEvent() uint16 {
	var offset int
	switch p.EventCode() {
	case EventCommandComplete:
		offset = CommandCompleteOpcodeOffset
	case EventCommandStatus:
		offset = CommandStatusOpcodeOffset
	default:
		return 0
	}
	if len(p) < offset+2 {
		return 0
	}
	return uint16(p[offset]) | uint16(p[offset+1])<<8
}

func (p Packet) CommandCompleteResult() byte {
	switch p.EventCode() {
	case EventCommandComplete:
		if len(p) > CommandCompleteResultOffset {
			return p[CommandCompleteResultOffset]
		}
	case EventCommandStatus:
		if len(p) > CommandStatusResultOffset {
			return p[CommandStatusResultOffset]
		}
	}
	return 0xff
}

//	ConnectionHandle returns the 12-bit connection handle of an ACL or
//	SCO data packet.
func (p Packet) ConnectionHandle() uint16 {
	switch p.Type() {
	case PacketTypeAclData, PacketTypeScoData:
		if len(p) < 3 {
			return 0
		}
		return uint16(p[1]) | (uint16(p[2])&0x0f)<<8
	}
	return 0
}

const packetStringByteLimit = 8

func (p Packet) String() string {
	limit := len(p)
	suffix := ""
	if limit > packetStringByteLimit {
		limit = packetStringByteLimit
		suffix = ".."
	}
	return fmt.Sprintf("%s[%d bytes: %s%s]", p.Type(), len(p),
		hex.EncodeToString(p[:limit]), suffix)
}
