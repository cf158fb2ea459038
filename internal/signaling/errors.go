package signaling

import "errors"

var (
	ErrNotConnected   = errors.New("signaling: not connected")
	ErrTransportStop  = errors.New("signaling: transport stopped")
	ErrInvalidPayload = errors.New("signaling: invalid event payload")
	ErrRemote         = errors.New("signaling: remote error")
)
