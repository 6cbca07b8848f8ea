package bthald

import (
	"bthal.co/bthal"
)

//	ConnectionRegistryI is the slice of the activity registry the
//	rescuer consults to judge whether an ACL candidate is plausible.
type ConnectionRegistryI interface {
	IsConnected(handle uint16) bool
	ConnectionHandleCount() int
}

const (
	aclPacketRequiredLength    = 3
	threadPacketRequiredLength = 6

	numberOfCompletedPacketsNumHandlesOffset = 3
	commandCompleteNumPacketsOffset          = 3
	eventMinimumLength                       = bthal.EventLengthOffset + 1

	//	Acceptance range for BLE meta subevent codes. Taken from the
	//	subevents defined by Core 5.4; a tunable, not a wire constant.
	bleMinimumSubCodeForRescue byte = 0x01
	bleMaximumSubCodeForRescue byte = 0x29
)

//	Parameter lengths of well-known fixed-length events the rescuer
//	accepts as resync candidates.
var eventCodeToParamLength = map[byte]byte{
	bthal.EventCommandStatus:                            0x04,
	bthal.EventConnectionComplete:                       0x0b,
	bthal.EventConnectionRequest:                        0x0a,
	bthal.EventDisconnectionComplete:                    0x04,
	bthal.EventReadRemoteVersionInformationComplete:     0x08,
	bthal.EventQosSetupComplete:                         0x15,
	bthal.EventRoleChange:                               0x08,
	bthal.EventModeChange:                               0x06,
	bthal.EventLinkKeyRequest:                           0x06,
	bthal.EventMaxSlotsChange:                           0x03,
	bthal.EventReadRemoteExtendedFeaturesComplete:       0x0d,
	bthal.EventSniffSubrating:                           0x0b,
	bthal.EventEncryptionKeyRefreshComplete:             0x03,
	bthal.EventLinkSupervisionTimeoutChanged:            0x04,
	bthal.EventEnhancedFlushComplete:                    0x02,
}

//	Rescuer resynchronizes the inbound byte stream after framing
//	corruption by scanning forward for a position that could be a legal
//	packet start.
type Rescuer struct {
	connections ConnectionRegistryI
}

func NewRescuer(connections ConnectionRegistryI) *Rescuer {
	return &Rescuer{connections: connections}
}

//	FindValidPacketOffset returns the first offset in data that looks
//	like a valid packet start, or len(data) if none is found.
func (r *Rescuer) FindValidPacketOffset(data []byte) int {
	for offset := 0; offset < len(data); offset++ {
		if r.isValidPacket(data[offset:]) {
			return offset
		}
	}
	return len(data)
}

func (r *Rescuer) isValidPacket(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	switch bthal.PacketType(data[0]) {
	case bthal.PacketTypeAclData:
		return r.isProbablyValidAclPacket(data)
	case bthal.PacketTypeThreadData:
		return isProbablyValidThreadPacket(data)
	case bthal.PacketTypeEvent:
		if len(data) <= bthal.EventCodeOffset {
			return false
		}
		return r.verifyEventCodeAndParamLength(data, data[bthal.EventCodeOffset])
	}
	return false
}

//	ACL rule: byte 0 is the ACL type, bytes 1-2 carry a connection
//	handle that must be currently connected.
func (r *Rescuer) isProbablyValidAclPacket(data []byte) bool {
	if len(data) < aclPacketRequiredLength {
		return false
	}
	handle := uint16(data[1]) | (uint16(data[2])&0x0f)<<8
	return r.connections.IsConnected(handle)
}

//	Thread rule: bytes 1-2 fixed 0x00, byte 5 in [0x80, 0x8f].
func isProbablyValidThreadPacket(data []byte) bool {
	if len(data) < threadPacketRequiredLength {
		return false
	}
	return data[1] == 0x00 && data[2] == 0x00 && data[5]&0xf0 == 0x80
}

func (r *Rescuer) verifyEventCodeAndParamLength(data []byte, eventCode byte) bool {
	length := len(data)
	if bthal.EventLengthOffset >= length ||
		int(data[bthal.EventLengthOffset]) != length-eventMinimumLength {
		return false
	}

	switch eventCode {
	case bthal.EventBleMeta:
		if bthal.BleEventSubCodeOffset >= length {
			return false
		}
		subCode := data[bthal.BleEventSubCodeOffset]
		return subCode >= bleMinimumSubCodeForRescue && subCode <= bleMaximumSubCodeForRescue
	case bthal.EventNumberOfCompletedPackets:
		if numberOfCompletedPacketsNumHandlesOffset >= length {
			return false
		}
		numHandles := int(data[numberOfCompletedPacketsNumHandlesOffset])
		return numHandles <= r.connections.ConnectionHandleCount()
	case bthal.EventCommandComplete:
		if commandCompleteNumPacketsOffset >= length {
			return false
		}
		return data[commandCompleteNumPacketsOffset] == 0x01
	default:
		paramLength, known := eventCodeToParamLength[eventCode]
		if !known {
			return false
		}
		return data[bthal.EventLengthOffset] == paramLength
	}
}
