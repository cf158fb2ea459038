package actuator

import (
	"errors"
	"fmt"
)

var (
	ErrDeviceNotFound       = errors.New("relay device not found")
	ErrDeviceNotInitialized = errors.New("relay device not initialized")
	// ErrPermissionPending is not a failure: the OS has been asked for
	// access and Initialize should be retried once the grant callback fires.
	ErrPermissionPending  = errors.New("relay device permission pending")
	ErrProtocolTimeout    = errors.New("relay did not answer in time")
	ErrUnparsableResponse = errors.New("unparsable relay response")
	ErrInvalidPort        = errors.New("invalid relay port")
	ErrQueueFull          = errors.New("relay command queue full")
	ErrClosed             = errors.New("relay actuator closed")
	ErrUnsupported        = errors.New("relay hardware not supported on this platform")
)

// CommandError reports a serial I/O failure for one relay command.
type CommandError struct {
	DeviceID string
	Command  string
	Err      error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("relay %s: %q: %v", e.DeviceID, e.Command, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }
