package bthald

import (
	"github.com/op/go-logging"

	"bthal.co/bthal"
)

type packetizerState int

const (
	packetizerStateHeader packetizerState = iota
	packetizerStatePreamble
	packetizerStatePayload
)

//	Packetizer is a streaming, non-blocking H4 frame parser. It buffers
//	at most one in-flight packet and handles chunk sizes from one byte
//	to many packets per call. On a framing error it either skips a
//	single byte, or hands the stream to the rescuer when enhanced
//	validation is enabled.
type Packetizer struct {
	state      packetizerState
	packet     []byte
	payloadLen int
	read       int

	onPacketReady func(bthal.Packet)
	rescuer       *Rescuer
	log           *logging.Logger
}

func NewPacketizer(onPacketReady func(bthal.Packet), rescuer *Rescuer, log *logging.Logger) *Packetizer {
	return &Packetizer{
		onPacketReady: onPacketReady,
		rescuer:       rescuer,
		log:           log,
	}
}

//	ProcessData consumes the whole chunk, emitting every completed
//	packet through the packet-ready callback.
func (p *Packetizer) ProcessData(data []byte) {
	for len(data) > 0 {
		consumed := p.step(data)
		if consumed == 0 {
			//	framing error at data[0]
			if p.rescuer != nil {
				offset := p.rescuer.FindValidPacketOffset(data)
				p.log.Warningf("packetizer: skipped %d garbage bytes after framing error", offset)
				data = data[offset:]
			} else {
				p.log.Warningf("packetizer: invalid packet type 0x%02x, dropping byte", data[0])
				data = data[1:]
			}
			continue
		}
		data = data[consumed:]
	}
}

func (p *Packetizer) step(data []byte) int {
	switch p.state {
	case packetizerStateHeader:
		packetType := bthal.PacketType(data[0])
		p.packet = p.packet[:0]
		if !packetType.Valid() {
			return 0
		}
		p.packet = append(p.packet, data[0])
		p.state = packetizerStatePreamble
		p.read = 0
		return 1

	case packetizerStatePreamble:
		preambleSize := bthal.PreambleSize(bthal.Packet(p.packet).Type())
		toRead := preambleSize - p.read
		if toRead > len(data) {
			toRead = len(data)
		}
		p.packet = append(p.packet, data[:toRead]...)
		p.read += toRead
		if p.read == preambleSize {
			p.state = packetizerStatePayload
			p.payloadLen = payloadLength(p.packet)
			p.read = 0
			if p.payloadLen == 0 {
				p.emit()
			}
		}
		return toRead

	case packetizerStatePayload:
		toRead := p.payloadLen - p.read
		if toRead > len(data) {
			toRead = len(data)
		}
		p.packet = append(p.packet, data[:toRead]...)
		p.read += toRead
		if p.read == p.payloadLen {
			p.emit()
		}
		return toRead
	}
	return 0
}

func (p *Packetizer) emit() {
	p.onPacketReady(bthal.PacketFromBytes(p.packet))
	p.state = packetizerStateHeader
	p.payloadLen = 0
	p.read = 0
}

//	payloadLength reads the declared payload size out of a completed
//	preamble. ACL and thread data carry a little-endian 16-bit length,
//	ISO a 14-bit little-endian length, everything else a single byte.
func payloadLength(packet []byte) int {
	packetType := bthal.PacketType(packet[0])
	offset := bthal.PacketLengthOffset(packetType)
	if offset == 0 || len(packet) <= offset {
		return 0
	}
	switch packetType {
	case bthal.PacketTypeAclData, bthal.PacketTypeThreadData:
		return int(packet[offset]) | int(packet[offset+1])<<8
	case bthal.PacketTypeIsoData:
		return int(packet[offset]) | int(packet[offset+1]&0x3f)<<8
	default:
		return int(packet[offset])
	}
}
