package metrics

import "sync"

// Event counter names.
const (
	SessionsStarted       = "session_started"
	SessionsRateLimited   = "session_rate_limited"
	ConnectAttempts       = "session_connect_attempt"
	ConnectAttemptFailed  = "session_connect_attempt_failed"
	OutcomeNormal         = "session_outcome_normal_disconnect"
	OutcomeMissedCall     = "session_outcome_missed_call"
	OutcomeAccessGranted  = "session_outcome_access_granted"
	OutcomeFailed         = "session_outcome_failed"
	RedeliveredEvents     = "session_redelivered_event"
	ReconnectWatchdogFire = "session_reconnect_watchdog_expired"

	RelayCommands       = "relay_command"
	RelayCommandFailed  = "relay_command_failed"
	RelayQueueRejected  = "relay_queue_rejected"
	RelayRemoteOpen     = "relay_remote_open"
	RelayPermissionWait = "relay_permission_pending"

	SignalingConnects        = "signaling_connect"
	SignalingConnectFailed   = "signaling_connect_failed"
	SignalingReconnectsArmed = "signaling_reconnect_scheduled"
	SignalingUnknownEvents   = "signaling_unknown_event"

	AuthFailure       = "api_auth_failure"
	EventStreamOpened = "api_event_stream_opened"
	EventStreamClosed = "api_event_stream_closed"
)

// Metrics is a concurrency-safe counter registry. A nil *Metrics is valid
// and discards every update.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += n
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	if m == nil {
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
