// Package signaling maintains the kiosk's push channels to the backend.
//
// Two kinds of channel exist. The access-control channel is keyed by the
// kiosk identity and stays up for the life of the process; the backend uses
// it to grant access or divert a call to voicemail. The call-lifecycle
// channel is keyed by the call's group identity and lives as long as one
// call. A Registry guarantees at most one live Channel per kind.
//
// A Channel reconnects on its own after a fixed delay. Transport failures
// never reach the caller; they become a scheduled reconnect.
package signaling
