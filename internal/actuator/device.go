package actuator

import (
	"io"
	"time"
)

// NumatoVendorID is the USB vendor id of the supported relay boards.
const NumatoVendorID uint16 = 0x2a19

// Device describes one attached relay board.
type Device struct {
	ID          string
	Path        string
	VendorID    uint16
	ProductID   uint16
	Initialized bool
}

// Request describes one open/close pulse of a relay port.
type Request struct {
	RelayID      string
	Port         int
	OpenDelay    time.Duration
	HoldDuration time.Duration
}

type Parity int

const (
	ParityNone Parity = iota
	ParityOdd
	ParityEven
)

// LineConfig holds serial line parameters.
type LineConfig struct {
	BaudRate int
	DataBits int
	StopBits int
	Parity   Parity
}

// DefaultLineConfig is 9600 8N1.
var DefaultLineConfig = LineConfig{BaudRate: 9600, DataBits: 8, StopBits: 1, Parity: ParityNone}

// Port is an open serial line.
type Port interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
	// Flush discards bytes received but not yet read.
	Flush() error
}

// Hardware is the platform side of the actuator: USB enumeration, OS
// permission handling and serial port access.
type Hardware interface {
	Enumerate() ([]Device, error)
	HasPermission(dev Device) bool
	// RequestPermission asks the OS for access to dev and calls onGrant once
	// it is granted. It must not block.
	RequestPermission(dev Device, onGrant func())
	OpenPort(dev Device, line LineConfig) (Port, error)
}
