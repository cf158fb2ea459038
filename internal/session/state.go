package session

import "fmt"

type State int

const (
	StateConnecting State = iota
	StateConnected
	StateReconnecting
	StateReconnected
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateReconnected:
		return "reconnected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) Terminal() bool {
	return s == StateDisconnected || s == StateFailed
}

// StatusText is the visitor-facing status line for s.
func (s State) StatusText() string {
	switch s {
	case StateConnecting:
		return "Connecting your call..."
	case StateConnected, StateReconnected:
		return "Connected"
	case StateReconnecting:
		return "Reconnecting..."
	default:
		return "Call ended"
	}
}

var transitions = map[State][]State{
	StateConnecting:   {StateConnected, StateDisconnected, StateFailed},
	StateConnected:    {StateReconnecting, StateDisconnected, StateFailed},
	StateReconnecting: {StateReconnected, StateDisconnected, StateFailed},
	StateReconnected:  {StateReconnecting, StateDisconnected, StateFailed},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeNormalDisconnect
	OutcomeMissedCall
	OutcomeAccessGranted
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNone:
		return "none"
	case OutcomeNormalDisconnect:
		return "normal-disconnect"
	case OutcomeMissedCall:
		return "missed-call"
	case OutcomeAccessGranted:
		return "access-granted"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Navigation is the one-shot screen change the UI makes when a session ends.
type Navigation string

const (
	NavigateMissedCall    Navigation = "missed-call"
	NavigateAccessGranted Navigation = "access-granted"
	NavigateDisconnected  Navigation = "disconnected"
)

func (o Outcome) Navigation() Navigation {
	switch o {
	case OutcomeMissedCall:
		return NavigateMissedCall
	case OutcomeAccessGranted:
		return NavigateAccessGranted
	default:
		return NavigateDisconnected
	}
}

// Reason records which path ended a session.
type Reason string

const (
	ReasonHangup            Reason = "hangup"
	ReasonRemoteHangup      Reason = "remote-hangup"
	ReasonParticipantLeft   Reason = "participant-left"
	ReasonCountdown         Reason = "countdown-expired"
	ReasonMissedCall        Reason = "missed-call-timer"
	ReasonSendToVoicemail   Reason = "send-to-voicemail"
	ReasonWatchdog          Reason = "reconnect-watchdog"
	ReasonAccessGranted     Reason = "access-granted"
	ReasonConnectExhausted  Reason = "connect-exhausted"
	ReasonMediaFailure      Reason = "media-failure"
	ReasonTracksUnavailable Reason = "tracks-unavailable"
	ReasonShutdown          Reason = "shutdown"
)
