// Package media is the kiosk side of the audio/video call.
//
// Provider is the boundary the session state machine talks to: acquire the
// local tracks, connect to a room with a token, disconnect. Connection
// lifecycle notifications are delivered as a closed set of Event values to a
// single listener function.
//
// PionProvider implements Provider with pion/webrtc. The offer/answer
// exchange with the media server is a single HTTP round trip (WHIP style),
// see HTTPExchanger.
package media
