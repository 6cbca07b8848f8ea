package bthald

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/op/go-logging"
	"golang.org/x/sys/unix"

	"bthal.co/bthal"
)

const lpmWakeupSettlement = 10 * time.Millisecond

//	PowerManager toggles chip power through rfkill and drives the
//	optional low-power-mode driver nodes: '1' enables sleep support or
//	requests a wake, '0' requests sleep.
type PowerManager struct {
	mu    sync.Mutex
	cfg   *bthal.Config
	lpmFd int
	log   *logging.Logger
}

func NewPowerManager(cfg *bthal.Config, log *logging.Logger) *PowerManager {
	return &PowerManager{cfg: cfg, lpmFd: -1, log: log}
}

//	rfkillStatePath scans the rfkill class entries for the Bluetooth
//	one. Empty means power sequencing is not controlled by this daemon.
func (p *PowerManager) rfkillStatePath() string {
	for i := 0; ; i++ {
		prefix := p.cfg.RfkillFolderPrefix + strconv.Itoa(i)
		raw, err := os.ReadFile(prefix + "/type")
		if err != nil {
			return ""
		}
		if strings.TrimSpace(string(raw)) == p.cfg.RfkillTypeBluetooth {
			return prefix + "/state"
		}
	}
}

func (p *PowerManager) PowerControl(enabled bool) bool {
	statePath := p.rfkillStatePath()
	if statePath == "" {
		p.log.Info("power: sequence not controlled by the Bluetooth HAL")
		return true
	}

	state := []byte{'0'}
	if enabled {
		state[0] = '1'
	}
	if err := os.WriteFile(statePath, state, 0); err != nil {
		p.log.Errorf("power: failed to change rfkill state %s: %v", statePath, err)
		return false
	}
	p.log.Infof("power: rfkill %s via %s", state, statePath)
	return true
}

func (p *PowerManager) SetupLowPowerMode() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.log.Info("power: LPM enabling")

	lpmFd, err := unix.Open(p.cfg.LpmWakeNode, unix.O_WRONLY, 0)
	if err != nil {
		p.log.Warningf("power: unable to open LPM wake node %s: %v", p.cfg.LpmWakeNode, err)
		return false
	}
	p.lpmFd = lpmFd

	if err := os.WriteFile(p.cfg.LpmEnableNode, []byte{'1'}, 0); err != nil {
		p.log.Warningf("power: unable to enable LPM driver %s: %v", p.cfg.LpmEnableNode, err)
		p.teardownLocked()
		return false
	}
	if _, err := unix.Write(p.lpmFd, []byte{'1'}); err != nil {
		p.log.Warningf("power: unable to wake LPM: %v", err)
		p.teardownLocked()
		return false
	}
	return true
}

func (p *PowerManager) TeardownLowPowerMode() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.teardownLocked()
}

func (p *PowerManager) teardownLocked() {
	p.log.Info("power: LPM disabling")
	if p.lpmFd >= 0 {
		unix.Close(p.lpmFd)
		p.lpmFd = -1
	}
	if err := os.WriteFile(p.cfg.LpmEnableNode, []byte{'0'}, 0); err != nil {
		p.log.Warningf("power: unable to disable LPM driver %s: %v", p.cfg.LpmEnableNode, err)
	}
}

//	ResumeFromLowPowerMode asserts the chip wake line and waits for the
//	wakeup to settle. A no-op when LPM is not set up.
func (p *PowerManager) ResumeFromLowPowerMode() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lpmFd < 0 {
		return true
	}
	if _, err := unix.Write(p.lpmFd, []byte{'1'}); err != nil {
		p.log.Errorf("power: unable to wake LPM: %v", err)
		return false
	}
	time.Sleep(lpmWakeupSettlement)
	return true
}

func (p *PowerManager) SuspendToLowPowerMode() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lpmFd < 0 {
		return true
	}
	if _, err := unix.Write(p.lpmFd, []byte{'0'}); err != nil {
		p.log.Errorf("power: unable to suspend LPM: %v", err)
		return false
	}
	return true
}

func (p *PowerManager) IsLowPowerModeSetupCompleted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lpmFd >= 0
}

//	ConfigRxWakelockTime tells the kernel how long to hold its Rx
//	wakelock after inbound traffic.
func (p *PowerManager) ConfigRxWakelockTime(durationMs int) bool {
	if durationMs == 0 {
		return true
	}
	if durationMs < 0 {
		p.log.Warningf("power: invalid rx wakelock time: %d", durationMs)
		return false
	}
	if err := os.WriteFile(p.cfg.LpmWakelockCtrlNode, []byte(strconv.Itoa(durationMs)), 0); err != nil {
		p.log.Warningf("power: unable to config rx wakelock time: %v", err)
		return false
	}
	p.log.Infof("power: rx wakelock time set to %d ms", durationMs)
	return true
}
