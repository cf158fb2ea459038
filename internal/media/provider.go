package media

import "context"

// Tracks are the captured local audio/video tracks. Release stops capture
// and frees the devices; it is safe to call more than once.
type Tracks interface {
	Release()
}

// Provider owns one call's media connection.
type Provider interface {
	// AcquireLocalTracks opens the camera and microphone.
	AcquireLocalTracks(ctx context.Context) (Tracks, error)

	// Connect joins room using token and the previously acquired tracks.
	// It returns once the connection attempt is under way; its outcome and
	// every later lifecycle change are reported to listener. Calling Connect
	// again replaces the previous attempt and silences its events.
	Connect(ctx context.Context, token, room string, listener func(Event)) error

	// Disconnect leaves the room. No listener call starts after it returns.
	Disconnect()
}
