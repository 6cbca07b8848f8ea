package bthal

//	HalState tracks the lifecycle of the HCI router. Shutdown,
//	BtChipReady and Running are the static states: Shutdown while the
//	chip is powered off, BtChipReady once the controller is fully
//	provisioned (including Bluetooth off with accelerated BT on), and
//	Running once the stack has initialized.
type HalState int

const (
	HalStateShutdown HalState = iota
	HalStateInit
	HalStatePreFirmwareDownload
	HalStateFirmwareDownloading
	HalStateFirmwareDownloadCompleted
	HalStateFirmwareReady
	HalStateBtChipReady
	HalStateRunning
)

func (s HalState) String() string {
	switch s {
	case HalStateShutdown:
		return "Shutdown"
	case HalStateInit:
		return "Init"
	case HalStatePreFirmwareDownload:
		return "PreFirmwareDownload"
	case HalStateFirmwareDownloading:
		return "FirmwareDownloading"
	case HalStateFirmwareDownloadCompleted:
		return "FirmwareDownloadCompleted"
	case HalStateFirmwareReady:
		return "FirmwareReady"
	case HalStateBtChipReady:
		return "BtChipReady"
	case HalStateRunning:
		return "Running"
	}
	return "Unknown"
}
