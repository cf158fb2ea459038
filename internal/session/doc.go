// Package session runs one remote unlock call: the visitor at the kiosk
// talks to an operator, who can open the door from their side.
//
// A Session is a small state machine:
//
//	CONNECTING -> CONNECTED -> RECONNECTING <-> RECONNECTED -> DISCONNECTED
//	any non-terminal state -> FAILED
//
// It owns the media connection, the local tracks, the call-lifecycle
// signaling channel and three timers: the missed-call timer, the hard
// disconnect countdown and the reconnection watchdog. Every exit path runs
// the same teardown exactly once and then reports a single Result.
package session
