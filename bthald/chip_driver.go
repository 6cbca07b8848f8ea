package bthald

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/blang/semver"
	"github.com/op/go-logging"

	"bthal.co/bthal"
)

const (
	setupCommandTimeout  = 5 * time.Second
	firmwareChunkSize    = 244
)

//	firmwareChipDriver is the built-in chip driver: it sequences power,
//	firmware download and reset using the setup command packets from the
//	config, sending everything through the router's flow-control queue.
//	Baud-rate changes on the host side ride on the HAL state updates it
//	reports.
type firmwareChipDriver struct {
	router     *Router
	cfg        *bthal.Config
	onHalState func(bthal.HalState)
	log        *logging.Logger
}

func NewFirmwareChipDriver(router *Router, cfg *bthal.Config, log *logging.Logger) ChipDriverI {
	return &firmwareChipDriver{router: router, cfg: cfg, log: log}
}

func (d *firmwareChipDriver) Initialize(onHalStateUpdate func(bthal.HalState)) {
	d.onHalState = onHalStateUpdate
}

func (d *firmwareChipDriver) DownloadFirmware() bool {
	if d.onHalState == nil {
		d.log.Error("chip driver: download before initialize")
		return false
	}

	d.onHalState(bthal.HalStatePreFirmwareDownload)

	if !d.runSetupCommand(bthal.SetupCommandReset) {
		return d.fail("chip reset failed")
	}
	d.runSetupCommand(bthal.SetupCommandReadChipId)

	d.onHalState(bthal.HalStateFirmwareDownloading)

	if !d.runSetupCommand(bthal.SetupCommandUpdateChipBaudRate) {
		return d.fail("chip baud rate update failed")
	}
	if d.cfg.FastFirmwareDownload {
		d.runSetupCommand(bthal.SetupCommandSetFastDownload)
	}
	if d.cfg.SetupCommand(bthal.SetupCommandDownloadMinidrv) != nil {
		if !d.runSetupCommand(bthal.SetupCommandDownloadMinidrv) {
			return d.fail("minidrv download failed")
		}
		time.Sleep(time.Duration(d.cfg.LoadMiniDrvDelayMs) * time.Millisecond)
	}
	if !d.writeFirmwareData() {
		return d.fail("firmware data download failed")
	}

	d.onHalState(bthal.HalStateFirmwareDownloadCompleted)

	if d.cfg.SetupCommand(bthal.SetupCommandLaunchRam) != nil {
		if !d.runSetupCommand(bthal.SetupCommandLaunchRam) {
			return d.fail("launch ram failed")
		}
		time.Sleep(time.Duration(d.cfg.LaunchRamDelayMs) * time.Millisecond)
		if !d.runSetupCommand(bthal.SetupCommandReset) {
			return d.fail("post-launch reset failed")
		}
	}

	d.verifyFirmwareVersion()
	d.runSetupCommand(bthal.SetupCommandWriteBdAddress)

	d.onHalState(bthal.HalStateFirmwareReady)
	d.onHalState(bthal.HalStateBtChipReady)
	return true
}

//	ResetFirmware returns a running chip to the Bluetooth-off baseline
//	while keeping it powered (accelerated BT on).
func (d *firmwareChipDriver) ResetFirmware() bool {
	if d.onHalState == nil {
		return false
	}
	if !d.runSetupCommand(bthal.SetupCommandReset) {
		d.log.Warning("chip driver: reset firmware command failed")
	}
	d.onHalState(bthal.HalStateBtChipReady)
	return true
}

func (d *firmwareChipDriver) fail(reason string) bool {
	d.log.Error("chip driver:", reason)
	d.onHalState(bthal.HalStateShutdown)
	return false
}

//	runSetupCommand sends a configured setup command and waits for its
//	completion. An unconfigured slot succeeds trivially.
func (d *firmwareChipDriver) runSetupCommand(slot string) bool {
	raw := d.cfg.SetupCommand(slot)
	if raw == nil {
		return true
	}
	event, err := d.sendCommandAndWait(bthal.NewPacket(bthal.PacketTypeCommand, raw))
	if err != nil {
		d.log.Errorf("chip driver: setup command %s: %v", slot, err)
		return false
	}
	if event.CommandCompleteResult() != bthal.EventResultSuccess {
		d.log.Errorf("chip driver: setup command %s failed with status 0x%02x",
			slot, event.CommandCompleteResult())
		return false
	}
	return true
}

func (d *firmwareChipDriver) sendCommandAndWait(packet bthal.Packet) (event bthal.Packet, err error) {
	done := make(chan bthal.Packet, 1)
	sent := d.router.SendCommand(packet, func(response bthal.Packet) {
		select {
		case done <- response:
		default:
		}
	})
	if !sent {
		err = fmt.Errorf("command not accepted: %s", packet)
		return
	}
	select {
	case event = <-done:
	case <-time.After(setupCommandTimeout):
		err = fmt.Errorf("timed out waiting for completion of %s", packet)
	}
	return
}

//	writeFirmwareData streams the firmware file to the chip in launch-
//	ram write chunks. No configured firmware file means the chip boots
//	from ROM.
func (d *firmwareChipDriver) writeFirmwareData() bool {
	if d.cfg.FirmwareFile == "" {
		return true
	}
	path := filepath.Join(d.cfg.FirmwareFolder, d.cfg.FirmwareFile)
	file, err := os.Open(path)
	if err != nil {
		d.log.Errorf("chip driver: cannot open firmware file %s: %v", path, err)
		return false
	}
	defer file.Close()

	chunk := make([]byte, firmwareChunkSize)
	for {
		n, readErr := file.Read(chunk)
		if n > 0 {
			body := make([]byte, 0, 3+n)
			body = append(body,
				byte(bthal.OpcodeVendorLaunchRam&0xff),
				byte(bthal.OpcodeVendorLaunchRam>>8),
				byte(n))
			body = append(body, chunk[:n]...)
			event, err := d.sendCommandAndWait(bthal.NewPacket(bthal.PacketTypeCommand, body))
			if err != nil {
				d.log.Error("chip driver: firmware write:", err)
				return false
			}
			if event.CommandCompleteResult() != bthal.EventResultSuccess {
				d.log.Errorf("chip driver: firmware write rejected with status 0x%02x",
					event.CommandCompleteResult())
				return false
			}
		}
		if readErr != nil {
			return true
		}
	}
}

//	verifyFirmwareVersion reads the firmware version and warns when it
//	is older than the configured minimum. Parse failures only log; the
//	chip is already provisioned at this point.
func (d *firmwareChipDriver) verifyFirmwareVersion() {
	raw := d.cfg.SetupCommand(bthal.SetupCommandReadFwVersion)
	if raw == nil {
		return
	}
	event, err := d.sendCommandAndWait(bthal.NewPacket(bthal.PacketTypeCommand, raw))
	if err != nil {
		d.log.Error("chip driver: read fw version:", err)
		return
	}
	payload := event.Body()
	if len(payload) <= bthal.CommandCompleteResultOffset {
		return
	}
	versionBytes := payload[bthal.CommandCompleteResultOffset:]
	for i, b := range versionBytes {
		if b == 0 {
			versionBytes = versionBytes[:i]
			break
		}
	}
	version, err := semver.ParseTolerant(string(versionBytes))
	if err != nil {
		d.log.Noticef("chip driver: unparseable firmware version %q", versionBytes)
		return
	}
	if minimum, ok := d.cfg.MinFirmwareSemver(); ok && version.LT(minimum) {
		d.log.Warningf("chip driver: firmware %s older than required %s", version, minimum)
	}
	d.log.Infof("chip driver: firmware version %s", version)
}
