package httpserver

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raiadkharal/invictus-kiosk-sub000/internal/kiosk"
	"github.com/raiadkharal/invictus-kiosk-sub000/internal/metrics"
)

const (
	eventsWriteWait    = 2 * time.Second
	eventsPingInterval = 20 * time.Second
	eventsReadLimit    = 1 << 10
)

type eventJSON struct {
	Type       string       `json:"type"`
	Session    *sessionJSON `json:"session,omitempty"`
	Navigation string       `json:"navigation,omitempty"`
	Voicemail  bool         `json:"voicemail,omitempty"`
	Silent     bool         `json:"silent,omitempty"`
	Message    string       `json:"message,omitempty"`
}

func toEventJSON(ev kiosk.Event) eventJSON {
	out := eventJSON{
		Type:       string(ev.Type),
		Navigation: string(ev.Navigation),
		Voicemail:  ev.Voicemail,
		Silent:     ev.Silent,
		Message:    ev.Message,
	}
	if ev.Session != nil {
		snap := toSessionJSON(*ev.Session)
		out.Session = &snap
	}
	return out
}

// handleEvents streams controller events to the kiosk UI as JSON text
// frames. The stream opens with the current session, if any, so a UI that
// reconnects mid-call can redraw.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, unsubscribe := s.ctrl.Subscribe()
	defer unsubscribe()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.metrics.Inc(metrics.EventStreamOpened)
	defer s.metrics.Inc(metrics.EventStreamClosed)

	// Inbound frames are ignored; reading surfaces the peer's close.
	conn.SetReadLimit(eventsReadLimit)
	peerGone := make(chan struct{})
	go func() {
		defer close(peerGone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	write := func(v any) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(eventsWriteWait))
		return conn.WriteJSON(v) == nil
	}

	if snap, ok := s.ctrl.Current(); ok {
		first := eventJSON{Type: string(kiosk.EventState)}
		js := toSessionJSON(snap)
		first.Session = &js
		if !write(first) {
			return
		}
	}

	ping := time.NewTicker(eventsPingInterval)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "kiosk shutting down"),
					time.Now().Add(eventsWriteWait))
				return
			}
			if !write(toEventJSON(ev)) {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventsWriteWait)); err != nil {
				return
			}
		case <-peerGone:
			return
		case <-s.stop:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(eventsWriteWait))
			return
		}
	}
}
