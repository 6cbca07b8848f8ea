package bthald

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/op/go-logging"

	"bthal.co/bthal"
)

const (
	uartReadBufferSize = 1024
	lpmIdleTimeout     = 500 * time.Millisecond
)

//	UartTransport reaches the controller over a UART in H4 framing. It
//	owns the UART fd, the power manager, a reader goroutine feeding the
//	packetizer, and a writer worker serializing outgoing packets. Baud
//	switches are driven by HAL state changes: the fast configured rate
//	during firmware download, back to 115200 on completion, then up
//	again once the firmware is ready.
type UartTransport struct {
	cfg      *bthal.Config
	uart     *UartManager
	power    *PowerManager
	wakelock *Wakelock

	packetizer *Packetizer
	writer     *Worker[bthal.Packet]
	callback   TransportCallbackI

	mu                sync.Mutex
	lpmResumed        bool
	transportWakelock bool
	lpmTimer          *Timer
	closed            atomic.Bool

	log *logging.Logger
}

func NewUartTransport(cfg *bthal.Config, wakelock *Wakelock, timers *TimerService,
	connections ConnectionRegistryI, log *logging.Logger) *UartTransport {
	t := &UartTransport{
		cfg:      cfg,
		uart:     NewUartManager(cfg, log),
		power:    NewPowerManager(cfg, log),
		wakelock: wakelock,
		lpmTimer: timers.NewTimer(),
		log:      log,
	}
	var rescuer *Rescuer
	if cfg.EnhancedPacketValidation {
		rescuer = NewRescuer(connections)
	}
	t.packetizer = NewPacketizer(t.onPacketReady, rescuer, log)
	return t
}

func (t *UartTransport) Type() TransportType { return TransportTypeUartH4 }

func (t *UartTransport) IsActive() bool { return t.uart.IsOpen() }

func (t *UartTransport) Initialize(callback TransportCallbackI) (err error) {
	t.callback = callback
	t.closed.Store(false)

	//	power cycle the chip
	t.power.PowerControl(false)
	if !t.power.PowerControl(true) {
		t.log.Error("transport: cannot power on the device")
		t.Cleanup()
		return bthal.ErrTransportNotActive
	}

	if err = t.uart.Open(); err != nil {
		t.log.Error("transport: cannot initialize the data path")
		t.Cleanup()
		return
	}

	t.power.ConfigRxWakelockTime(t.cfg.RxWakelockMs)

	if !t.IsActive() {
		t.log.Error("transport: not active after open")
		t.Cleanup()
		return bthal.ErrTransportNotActive
	}

	t.writer = NewWorker(t.writePacket, t.log)
	go t.readLoop()

	t.log.Info("transport: initialization completed")
	return nil
}

func (t *UartTransport) Cleanup() {
	if t.closed.Swap(true) {
		return
	}
	//	closing the fd first unblocks a writer stuck in a syscall
	t.uart.Close()
	if t.writer != nil {
		t.writer.Stop()
		t.writer = nil
	}
	if t.cfg.LowPowerModeSupported {
		t.lpmTimer.Cancel()
		t.suspendToLowPowerMode()
		t.power.TeardownLowPowerMode()
		t.uart.SetSkipSuspend(false)
	}
	t.power.PowerControl(false)
	if t.callback != nil {
		t.callback.OnTransportClosed()
	}
}

//	Send hands the packet to the writer worker; the worker is
//	synchronous to the write syscall, so per-queue FIFO order is the
//	wire order.
func (t *UartTransport) Send(packet bthal.Packet) bool {
	writer := t.writer
	if writer == nil {
		return false
	}
	return writer.Post(packet)
}

func (t *UartTransport) writePacket(packet bthal.Packet) {
	t.resumeFromLowPowerMode()
	if _, err := t.uart.Write(packet); err != nil {
		t.log.Errorf("transport: write failed: %v", err)
	}
	t.refreshLpmTimer()
}

func (t *UartTransport) readLoop() {
	buf := make([]byte, uartReadBufferSize)
	for {
		n, err := t.uart.Read(buf)
		if err != nil || n == 0 {
			if !t.closed.Load() {
				t.log.Errorf("transport: read failed, closing: %v", err)
				if t.callback != nil {
					t.callback.OnTransportClosed()
				}
			}
			return
		}
		t.packetizer.ProcessData(buf[:n])
	}
}

func (t *UartTransport) onPacketReady(packet bthal.Packet) {
	if t.callback != nil {
		t.callback.OnTransportPacketReady(packet)
	}
}

func (t *UartTransport) NotifyHalStateChange(state bthal.HalState) {
	switch state {
	case bthal.HalStateFirmwareDownloading:
		t.uart.UpdateBaudRate(t.cfg.UartBaudRate)
	case bthal.HalStateFirmwareDownloadCompleted:
		t.uart.UpdateBaudRate(115200)
	case bthal.HalStateFirmwareReady:
		t.uart.UpdateBaudRate(t.cfg.UartBaudRate)
		t.setupLowPowerMode()
		t.resumeFromLowPowerMode()
	}
}

//	EnableTransportWakelock makes every LPM wake window vote the
//	Transport wakelock source.
func (t *UartTransport) EnableTransportWakelock(enable bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.transportWakelock = enable
}

func (t *UartTransport) setupLowPowerMode() bool {
	if !t.cfg.LowPowerModeSupported {
		return true
	}
	//	keep the port clocked across suspend while the chip can wake us
	t.uart.SetSkipSuspend(true)
	return t.power.SetupLowPowerMode()
}

func (t *UartTransport) resumeFromLowPowerMode() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.cfg.LowPowerModeSupported || !t.power.IsLowPowerModeSetupCompleted() || t.lpmResumed {
		return true
	}
	if t.transportWakelock {
		t.wakelock.Acquire(WakeSourceTransport)
	}
	if !t.power.ResumeFromLowPowerMode() {
		return false
	}
	t.lpmResumed = true
	return true
}

func (t *UartTransport) suspendToLowPowerMode() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.cfg.LowPowerModeSupported || !t.power.IsLowPowerModeSetupCompleted() || !t.lpmResumed {
		return true
	}
	if t.transportWakelock {
		t.wakelock.Release(WakeSourceTransport)
	}
	if !t.power.SuspendToLowPowerMode() {
		return false
	}
	t.lpmResumed = false
	return true
}

//	refreshLpmTimer re-arms the idle timer returning the chip to sleep
//	after a burst of outgoing traffic.
func (t *UartTransport) refreshLpmTimer() {
	t.mu.Lock()
	resumed := t.lpmResumed
	t.mu.Unlock()
	if resumed {
		t.lpmTimer.Schedule(func() { t.suspendToLowPowerMode() }, lpmIdleTimeout)
	}
}
