package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/raiadkharal/invictus-kiosk-sub000/internal/kiosk"
	"github.com/raiadkharal/invictus-kiosk-sub000/internal/session"
)

const maxRequestBodyBytes = 4 << 10

type errorBody struct {
	Error string `json:"error"`
}

type sessionJSON struct {
	ID                 string `json:"id"`
	Target             string `json:"target"`
	State              string `json:"state"`
	StatusText         string `json:"statusText"`
	Terminal           bool   `json:"terminal"`
	StartedAt          string `json:"startedAt,omitempty"`
	MissedCallSeconds  int    `json:"missedCallSeconds"`
	CountdownSeconds   int    `json:"countdownSeconds"`
	ParticipantJoined  bool   `json:"participantJoined"`
	Outcome            string `json:"outcome,omitempty"`
	Error              string `json:"error,omitempty"`
	TokenFetchAttempts int    `json:"tokenFetchAttempts"`
}

func toSessionJSON(snap session.Snapshot) sessionJSON {
	out := sessionJSON{
		ID:                 snap.ID,
		Target:             snap.Target,
		State:              snap.State.String(),
		StatusText:         snap.State.StatusText(),
		Terminal:           snap.State.Terminal(),
		MissedCallSeconds:  ceilSeconds(snap.RemainingMissedCall),
		CountdownSeconds:   ceilSeconds(snap.RemainingCountdown),
		ParticipantJoined:  snap.ParticipantJoined,
		Error:              snap.Error,
		TokenFetchAttempts: snap.TokenFetchAttempts,
	}
	if !snap.StartedAt.IsZero() {
		out.StartedAt = snap.StartedAt.UTC().Format(time.RFC3339)
	}
	if snap.Outcome != session.OutcomeNone {
		out.Outcome = snap.Outcome.String()
	}
	return out
}

// ceilSeconds rounds up so the UI shows 1 until the timer actually fires.
func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}

type statusJSON struct {
	KioskID        string       `json:"kioskId"`
	Started        bool         `json:"started"`
	AccessChannel  string       `json:"accessChannel,omitempty"`
	RelayDeviceID  string       `json:"relayDeviceId,omitempty"`
	RelayReady     bool         `json:"relayReady"`
	SessionRunning bool         `json:"sessionRunning"`
	Session        *sessionJSON `json:"session,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.ctrl.Status()
	out := statusJSON{
		KioskID:        st.KioskID,
		Started:        st.Started,
		AccessChannel:  st.AccessChannel,
		RelayDeviceID:  st.RelayDeviceID,
		RelayReady:     st.RelayReady,
		SessionRunning: st.SessionRunning,
	}
	if st.Session != nil {
		snap := toSessionJSON(*st.Session)
		out.Session = &snap
	}
	WriteJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.ctrl.Current()
	if !ok {
		WriteJSON(w, http.StatusNotFound, errorBody{Error: kiosk.ErrNoSession.Error()})
		return
	}
	WriteJSON(w, http.StatusOK, toSessionJSON(snap))
}

type startSessionRequest struct {
	Target string `json:"target"`
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	body := http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		WriteJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body"})
		return
	}

	snap, err := s.ctrl.StartSession(req.Target)
	if err != nil {
		s.log.Warn("start session rejected", "target", req.Target, "err", err)
		WriteJSON(w, statusForError(err), errorBody{Error: err.Error()})
		return
	}
	WriteJSON(w, http.StatusCreated, toSessionJSON(snap))
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.EndSession(); err != nil {
		WriteJSON(w, statusForError(err), errorBody{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRelayState(w http.ResponseWriter, r *http.Request) {
	port, err := strconv.Atoi(r.URL.Query().Get("port"))
	if err != nil || port <= 0 {
		WriteJSON(w, http.StatusBadRequest, errorBody{Error: "port must be a positive integer"})
		return
	}
	open, err := s.ctrl.RelayState(r.Context(), port)
	if err != nil {
		WriteJSON(w, statusForError(err), errorBody{Error: err.Error()})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"port": port, "open": open})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, kiosk.ErrTargetRequired):
		return http.StatusBadRequest
	case errors.Is(err, kiosk.ErrSessionActive):
		return http.StatusConflict
	case errors.Is(err, kiosk.ErrNoSession):
		return http.StatusNotFound
	case errors.Is(err, kiosk.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, kiosk.ErrClosed),
		errors.Is(err, kiosk.ErrNoRelay),
		errors.Is(err, kiosk.ErrCallsDisabled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
