package bthald

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"time"

	"github.com/op/go-logging"
	uuid "github.com/satori/go.uuid"

	"bthal.co/bthal"
)

type SnoopDirection int

const (
	SnoopDirectionOutgoing SnoopDirection = iota
	SnoopDirectionIncoming
)

type snoopMsgKind int

const (
	snoopCapture snoopMsgKind = iota
	snoopRotate
	snoopStop
)

type snoopMsg struct {
	kind      snoopMsgKind
	packet    bthal.Packet
	direction SnoopDirection
}

//	btsnoop timestamps count microseconds from year 0.
const btsnoopEpochOffsetMicros = 0x00dcddb30f2f8000

//	SnoopRecorder writes rotating btsnoop captures of the raw HCI
//	traffic. All file I/O happens on its own worker so capture calls on
//	the data path never block. The router starts a new recording on
//	Init and on Running, and on Running -> BtChipReady when accelerated
//	BT on is configured; it stops recording on Shutdown.
type SnoopRecorder struct {
	worker  *Worker[snoopMsg]
	dir     string
	enabled bool
	file    *os.File
	log     *logging.Logger
}

const snoopQueueSize = 64

func NewSnoopRecorder(cfg *bthal.Config, log *logging.Logger) *SnoopRecorder {
	s := &SnoopRecorder{
		dir:     cfg.SnoopLogDir,
		enabled: cfg.SnoopLogEnabled,
		log:     log,
	}
	s.worker = NewWorkerWithQueueSize(s.handle, snoopQueueSize, log)
	return s
}

func (s *SnoopRecorder) Capture(packet bthal.Packet, direction SnoopDirection) {
	if !s.enabled {
		return
	}
	s.worker.Post(snoopMsg{kind: snoopCapture, packet: packet, direction: direction})
}

func (s *SnoopRecorder) StartNewRecording() {
	if !s.enabled {
		return
	}
	s.worker.Post(snoopMsg{kind: snoopRotate})
}

func (s *SnoopRecorder) StopRecording() {
	if !s.enabled {
		return
	}
	s.worker.Post(snoopMsg{kind: snoopStop})
}

func (s *SnoopRecorder) Close() {
	s.worker.Stop()
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
}

func (s *SnoopRecorder) handle(msg snoopMsg) {
	switch msg.kind {
	case snoopCapture:
		s.writeRecord(msg.packet, msg.direction)
	case snoopRotate:
		s.rotate()
	case snoopStop:
		if s.file != nil {
			s.file.Close()
			s.file = nil
		}
	}
}

func (s *SnoopRecorder) rotate() {
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
	if err := os.MkdirAll(s.dir, 0750); err != nil {
		s.log.Error("snoop: cannot create log dir:", err)
		return
	}
	name := "btsnoop_" + uuid.NewV4().String() + ".log"
	file, err := os.Create(filepath.Join(s.dir, name))
	if err != nil {
		s.log.Error("snoop: cannot create log file:", err)
		return
	}

	//	btsnoop file header: magic, version 1, datalink 1002 (H4)
	header := make([]byte, 0, 16)
	header = append(header, []byte("btsnoop\x00")...)
	header = binary.BigEndian.AppendUint32(header, 1)
	header = binary.BigEndian.AppendUint32(header, 1002)
	if _, err := file.Write(header); err != nil {
		s.log.Error("snoop: header write failed:", err)
		file.Close()
		return
	}
	s.file = file
	s.log.Info("snoop: recording to", name)
}

func (s *SnoopRecorder) writeRecord(packet bthal.Packet, direction SnoopDirection) {
	if s.file == nil {
		return
	}
	flags := uint32(0)
	if direction == SnoopDirectionIncoming {
		flags |= 1
	}
	if packet.Type() == bthal.PacketTypeCommand || packet.Type() == bthal.PacketTypeEvent {
		flags |= 2
	}
	timestamp := uint64(time.Now().UnixMicro()) + btsnoopEpochOffsetMicros

	record := make([]byte, 0, 24+len(packet))
	record = binary.BigEndian.AppendUint32(record, uint32(len(packet)))
	record = binary.BigEndian.AppendUint32(record, uint32(len(packet)))
	record = binary.BigEndian.AppendUint32(record, flags)
	record = binary.BigEndian.AppendUint32(record, 0)
	record = binary.BigEndian.AppendUint64(record, timestamp)
	record = append(record, packet...)
	if _, err := s.file.Write(record); err != nil {
		s.log.Error("snoop: record write failed:", err)
	}
}
