package session

import "errors"

var (
	ErrAlreadyStarted = errors.New("session already started")
	ErrTerminated     = errors.New("session already ended")
	// ErrRedeliveredEvent is returned for an access-granted or voicemail
	// event that arrives after the session already has an outcome. Callers
	// ignore it.
	ErrRedeliveredEvent   = errors.New("event redelivered after outcome was set")
	ErrConnectExhausted   = errors.New("call connect attempts exhausted")
	ErrUnrecoverableMedia = errors.New("unrecoverable media error")
	ErrTracksUnavailable  = errors.New("local audio/video unavailable")
)

// Messages shown to the visitor for terminal failures.
const (
	msgTracksUnavailable = "The camera or microphone is not available right now."
	msgConnectFailed     = "We could not connect your call. Please try again."
	msgMediaFailed       = "The call was interrupted. Please try again."
)
