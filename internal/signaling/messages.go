package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Wire event names.
const (
	EventConnected       = "connected"
	EventDisconnected    = "disconnected"
	EventSendToVoicemail = "send-to-voicemail"
	EventOpenAccessPoint = "open-access-point"

	// Outbound.
	MethodRegister  = "register"
	EventMissedCall = "missed-call"
)

type frameType string

const (
	frameTypeInvoke frameType = "invoke"
	frameTypeEvent  frameType = "event"
	frameTypeResult frameType = "result"
)

// frame is the JSON envelope carried in every websocket text message.
// Invocations with an ID expect a result frame with the same ID.
type frame struct {
	Type  frameType       `json:"type"`
	ID    string          `json:"id,omitempty"`
	Event string          `json:"event,omitempty"`
	Args  json.RawMessage `json:"args,omitempty"`
	Error string          `json:"error,omitempty"`
}

func parseFrame(data []byte) (frame, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var f frame
	if err := dec.Decode(&f); err != nil {
		return frame{}, err
	}
	if err := f.validate(); err != nil {
		return frame{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return frame{}, fmt.Errorf("unexpected trailing data")
	}
	return f, nil
}

func (f frame) validate() error {
	switch f.Type {
	case frameTypeInvoke, frameTypeEvent:
		if f.Event == "" {
			return fmt.Errorf("%s frame missing event", f.Type)
		}
		if f.Error != "" {
			return fmt.Errorf("%s frame has unexpected error", f.Type)
		}
	case frameTypeResult:
		if f.ID == "" {
			return fmt.Errorf("result frame missing id")
		}
		if f.Event != "" {
			return fmt.Errorf("result frame has unexpected event")
		}
	default:
		return fmt.Errorf("unsupported frame type %q", f.Type)
	}
	return nil
}

type registerArgs struct {
	RoutingID string `json:"routingId"`
}

type disconnectedArgs struct {
	Error string `json:"error,omitempty"`
}

// openAccessPointArgs carries timer values in whole seconds.
type openAccessPointArgs struct {
	Port       *int `json:"port"`
	OpenTimer  int  `json:"openTimer"`
	DelayTimer int  `json:"delayTimer"`
	Silent     bool `json:"silent"`
}

// MissedCallNotice is the payload of the outbound missed-call event.
type MissedCallNotice struct {
	KioskID   string `json:"kioskId"`
	SessionID string `json:"sessionId,omitempty"`
	Target    string `json:"target,omitempty"`
}
