package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Event is an inbound signaling event. The set of implementations is closed.
type Event interface {
	isEvent()
}

type Connected struct{}

type Disconnected struct {
	Err error
}

type SendToVoicemail struct{}

// OpenAccessPoint asks the kiosk to energize relay Port after DelayTimer and
// hold it for OpenTimer. Silent suppresses the visitor-facing confirmation.
type OpenAccessPoint struct {
	Port       int
	OpenTimer  time.Duration
	DelayTimer time.Duration
	Silent     bool
}

func (Connected) isEvent()       {}
func (Disconnected) isEvent()    {}
func (SendToVoicemail) isEvent() {}
func (OpenAccessPoint) isEvent() {}

// decodeEvent maps a wire event to an Event. ok is false for events outside
// the known set.
func decodeEvent(name string, args json.RawMessage) (ev Event, ok bool, err error) {
	switch name {
	case EventConnected:
		return Connected{}, true, nil
	case EventDisconnected:
		var a disconnectedArgs
		if len(args) > 0 {
			_ = json.Unmarshal(args, &a)
		}
		var cause error
		if a.Error != "" {
			cause = errors.New(a.Error)
		}
		return Disconnected{Err: cause}, true, nil
	case EventSendToVoicemail:
		return SendToVoicemail{}, true, nil
	case EventOpenAccessPoint:
		ev, err := decodeOpenAccessPoint(args)
		if err != nil {
			return nil, true, err
		}
		return ev, true, nil
	default:
		return nil, false, nil
	}
}

// MaxAccessTimerSeconds caps openTimer and delayTimer. The relay board
// processes one command at a time, so a long hold blocks every other port.
const MaxAccessTimerSeconds = 300

func decodeOpenAccessPoint(args json.RawMessage) (OpenAccessPoint, error) {
	if len(args) == 0 {
		return OpenAccessPoint{}, fmt.Errorf("%w: %s missing args", ErrInvalidPayload, EventOpenAccessPoint)
	}
	var a openAccessPointArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return OpenAccessPoint{}, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, EventOpenAccessPoint, err)
	}
	if a.Port == nil {
		return OpenAccessPoint{}, fmt.Errorf("%w: %s missing port", ErrInvalidPayload, EventOpenAccessPoint)
	}
	if *a.Port < 0 || a.OpenTimer < 0 || a.DelayTimer < 0 {
		return OpenAccessPoint{}, fmt.Errorf("%w: %s negative value", ErrInvalidPayload, EventOpenAccessPoint)
	}
	if a.OpenTimer > MaxAccessTimerSeconds || a.DelayTimer > MaxAccessTimerSeconds {
		return OpenAccessPoint{}, fmt.Errorf("%w: %s timer above %ds", ErrInvalidPayload, EventOpenAccessPoint, MaxAccessTimerSeconds)
	}
	return OpenAccessPoint{
		Port:       *a.Port,
		OpenTimer:  time.Duration(a.OpenTimer) * time.Second,
		DelayTimer: time.Duration(a.DelayTimer) * time.Second,
		Silent:     a.Silent,
	}, nil
}
