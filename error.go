package bthal

import (
	"fmt"
)

var ErrConnectingToDaemon = fmt.Errorf("Could not connect to bthald. Make sure it is running.")
var ErrTransportNotActive = fmt.Errorf("Transport is not active")
var ErrAlreadyInitialized = fmt.Errorf("HAL has already been initialized")
var ErrInvalidPacketType = fmt.Errorf("Unknown HCI packet type")
