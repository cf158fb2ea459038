package signaling

import (
	"context"
	"encoding/json"
)

type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Handler receives the raw args of one inbound event.
type Handler func(args json.RawMessage)

// Transport is a push connection to the signaling hub. A Transport may be
// connected again after it dropped or was stopped.
//
// When an established connection drops without Stop having been called,
// the transport delivers EventDisconnected to its handlers.
type Transport interface {
	Connect(ctx context.Context) error
	Register(ctx context.Context, routingID string) error
	On(event string, h Handler)
	// Invoke sends a one-way event; it does not wait for the hub to act on it.
	Invoke(ctx context.Context, event string, args any) error
	Stop() error
	State() ConnectionState
}
