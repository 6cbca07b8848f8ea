package bthald

import (
	"sync"
	"time"

	"github.com/op/go-logging"
	"golang.org/x/sys/unix"

	"bthal.co/bthal"
)

//	Wait for the device to power cycle and stabilize after open.
const uartStartupSettlement = 50 * time.Millisecond

//	UartManager owns the UART file descriptor: open in raw mode at
//	115200 with hardware flow control, baud-rate updates through
//	termios2 (BOTHER covers the nonstandard fast rates), skip-suspend
//	control.
type UartManager struct {
	mu         sync.Mutex
	fd         int
	devicePath string
	ctrlNode   string
	log        *logging.Logger
}

func NewUartManager(cfg *bthal.Config, log *logging.Logger) *UartManager {
	return &UartManager{
		fd:         -1,
		devicePath: cfg.UartDevicePath,
		ctrlNode:   cfg.UartCtrlNode,
		log:        log,
	}
}

func (u *UartManager) Open() (err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	fd, err := unix.Open(u.devicePath, unix.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		u.log.Errorf("uart: cannot open %s: %v", u.devicePath, err)
		return
	}
	u.fd = fd
	if err := configureUartPort(fd, 115200); err != nil {
		u.log.Errorf("uart: failed to configure port: %v", err)
	}
	time.Sleep(uartStartupSettlement)
	return nil
}

func (u *UartManager) Close() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.fd >= 0 {
		unix.Close(u.fd)
		u.fd = -1
	}
}

func (u *UartManager) IsOpen() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.fd >= 0
}

func (u *UartManager) Fd() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.fd
}

//	Read blocks on the fd outside the lock; a concurrent Close unblocks
//	it with an error.
func (u *UartManager) Read(buf []byte) (int, error) {
	fd := u.Fd()
	if fd < 0 {
		return 0, unix.EBADF
	}
	return unix.Read(fd, buf)
}

func (u *UartManager) Write(buf []byte) (int, error) {
	fd := u.Fd()
	if fd < 0 {
		return 0, unix.EBADF
	}
	return unix.Write(fd, buf)
}

func (u *UartManager) UpdateBaudRate(rate int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.fd < 0 {
		u.log.Warning("uart: baud rate update without an open port")
		return
	}
	if err := configureUartPort(u.fd, rate); err != nil {
		u.log.Errorf("uart: failed to set baud rate %d: %v", rate, err)
		return
	}
	u.log.Infof("uart: baud rate set to %d", rate)
}

//	SetSkipSuspend tells the serial driver to keep the port clocked
//	across system suspend while the chip may deliver wake interrupts.
func (u *UartManager) SetSkipSuspend(skip bool) bool {
	if u.ctrlNode == "" {
		return false
	}
	fd, err := unix.Open(u.ctrlNode, unix.O_WRONLY, 0)
	if err != nil {
		u.log.Warningf("uart: unable to open ctrl node %s: %v", u.ctrlNode, err)
		return false
	}
	defer unix.Close(fd)
	cmd := []byte{'9'}
	if skip {
		cmd[0] = '8'
	}
	if _, err := unix.Write(fd, cmd); err != nil {
		u.log.Errorf("uart: unable to set skip suspend: %v", err)
		return false
	}
	return true
}

func configureUartPort(fd, rate int) error {
	tio, err := unix.IoctlGetTermios(fd, unix.TCGETS2)
	if err != nil {
		return err
	}

	//	raw mode
	tio.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	tio.Oflag &^= unix.OPOST
	tio.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	tio.Cflag &^= unix.CSIZE | unix.PARENB
	tio.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL
	tio.Cc[unix.VMIN] = 1
	tio.Cc[unix.VTIME] = 0

	//	RTS/CTS (hardware flow control)
	tio.Cflag |= unix.CRTSCTS

	tio.Cflag &^= unix.CBAUD
	tio.Cflag |= unix.BOTHER
	tio.Ispeed = uint32(rate)
	tio.Ospeed = uint32(rate)

	if err := unix.IoctlSetTermios(fd, unix.TCSETS2, tio); err != nil {
		return err
	}
	return unix.IoctlSetInt(fd, unix.TCFLSH, unix.TCIOFLUSH)
}
