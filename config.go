package bthal

import (
	"encoding/hex"
	"encoding/json"
	"os"

	"github.com/blang/semver"
)

const DefaultConfigPath = "/vendor/etc/bluetooth/bthal_config.json"

//	Setup command slots a chip config may provide. Values are the raw
//	command packets (without the H4 type byte), hex encoded in JSON.
const (
	SetupCommandReset              = "reset"
	SetupCommandReadChipId         = "read_chip_id"
	SetupCommandUpdateChipBaudRate = "update_chip_baud_rate"
	SetupCommandSetFastDownload    = "set_fast_download"
	SetupCommandDownloadMinidrv    = "download_minidrv"
	SetupCommandLaunchRam          = "launch_ram"
	SetupCommandReadFwVersion      = "read_fw_version"
	SetupCommandWriteBdAddress     = "write_bd_address"
)

type Config struct {
	TransportPriority []int  `json:"transport_priority"`
	UartDevicePath    string `json:"uart_device_path"`
	UartBaudRate      int    `json:"uart_baud_rate"`

	FastFirmwareDownload            bool `json:"fast_firmware_download"`
	AcceleratedBtOn                 bool `json:"accelerated_bt_on"`
	LowPowerModeSupported           bool `json:"low_power_mode_supported"`
	RxWakelockMs                    int  `json:"rx_wakelock_ms"`
	EnhancedPacketValidation        bool `json:"enhanced_packet_validation"`
	VendorTransportCrashIntervalSec int  `json:"vendor_transport_crash_interval_sec"`

	RfkillFolderPrefix  string `json:"rfkill_folder_prefix"`
	RfkillTypeBluetooth string `json:"rfkill_type_bluetooth"`
	UartCtrlNode        string `json:"uart_ctrl_node"`
	LpmEnableNode       string `json:"lpm_enable_node"`
	LpmWakeNode         string `json:"lpm_wake_node"`
	LpmWakelockCtrlNode string `json:"lpm_wakelock_ctrl_node"`
	WakeLockNode        string `json:"wake_lock_node"`
	WakeUnlockNode      string `json:"wake_unlock_node"`

	FirmwareFolder     string `json:"firmware_folder"`
	FirmwareFile       string `json:"firmware_file"`
	MinFirmwareVersion string `json:"min_firmware_version"`
	LoadMiniDrvDelayMs int    `json:"load_minidrv_delay_ms"`
	LaunchRamDelayMs   int    `json:"launch_ram_delay_ms"`

	SnoopLogDir     string `json:"snoop_log_dir"`
	SnoopLogEnabled bool   `json:"snoop_log_enabled"`

	//	Hex-encoded vendor setup command packets, keyed by the
	//	SetupCommand* slot names.
	SetupCommands map[string]string `json:"setup_commands"`
}

func DefaultConfig() *Config {
	return &Config{
		TransportPriority:   []int{1},
		UartDevicePath:      "/dev/ttyBT0",
		UartBaudRate:        3000000,
		RxWakelockMs:        300,
		RfkillFolderPrefix:  "/sys/class/rfkill/rfkill",
		RfkillTypeBluetooth: "bluetooth",
		LpmEnableNode:       "/proc/bluetooth/sleep/lpm",
		LpmWakeNode:         "/proc/bluetooth/sleep/btwrite",
		LpmWakelockCtrlNode: "/proc/bluetooth/sleep/wakelock_time",
		WakeLockNode:        "/sys/power/wake_lock",
		WakeUnlockNode:      "/sys/power/wake_unlock",
		FirmwareFolder:      "/vendor/firmware/bluetooth/",
		LoadMiniDrvDelayMs:  50,
		LaunchRamDelayMs:    250,
		SnoopLogDir:         "/var/log/bthal/snoop",
	}
}

//	LoadConfig reads a JSON config file. A missing file or invalid JSON
//	logs and falls back to the built-in defaults.
func LoadConfig(path string) (cfg *Config) {
	cfg = DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		log.Notice("config not loaded, using defaults:", err)
		return
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		log.Error("invalid config JSON, using defaults:", err)
		return DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		log.Error("invalid config, using defaults:", err)
		return DefaultConfig()
	}
	return
}

func (c *Config) Validate() (err error) {
	if c.MinFirmwareVersion != "" {
		if _, err = semver.ParseTolerant(c.MinFirmwareVersion); err != nil {
			return
		}
	}
	for name, encoded := range c.SetupCommands {
		if _, err = hex.DecodeString(encoded); err != nil {
			log.Error("setup command", name, "is not valid hex")
			return
		}
	}
	return
}

//	SetupCommand returns the configured command packet for a slot, or
//	nil if the slot is absent.
func (c *Config) SetupCommand(name string) []byte {
	encoded, ok := c.SetupCommands[name]
	if !ok {
		return nil
	}
	packet, err := hex.DecodeString(encoded)
	if err != nil {
		return nil
	}
	return packet
}

func (c *Config) MinFirmwareSemver() (version semver.Version, ok bool) {
	if c.MinFirmwareVersion == "" {
		return
	}
	version, err := semver.ParseTolerant(c.MinFirmwareVersion)
	if err != nil {
		return
	}
	ok = true
	return
}
