package media

// Event is one media connection lifecycle notification. The set is closed:
// Connected, ParticipantConnected, Disconnected, ConnectFailure,
// ParticipantDisconnected, Reconnecting and Reconnected.
type Event interface {
	isEvent()
}

// Connected reports that the local side joined the room.
type Connected struct{}

// ParticipantConnected reports that remote media from the operator arrived.
type ParticipantConnected struct {
	ParticipantID string
}

// Disconnected reports that an established connection ended. Err is nil when
// the room was closed cleanly.
type Disconnected struct {
	Err error
}

// ConnectFailure reports that the connection never became established.
type ConnectFailure struct {
	Err error
}

type ParticipantDisconnected struct {
	ParticipantID string
}

// Reconnecting reports a transient interruption of an established
// connection.
type Reconnecting struct {
	Err error
}

type Reconnected struct{}

func (Connected) isEvent() {}
func (ParticipantConnected) isEvent() {}
func (Disconnected) isEvent() {}
func (ConnectFailure) isEvent() {}
func (ParticipantDisconnected) isEvent() {}
func (Reconnecting) isEvent() {}
func (Reconnected) isEvent() {}
