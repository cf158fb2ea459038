// Package token fetches the short-lived media session token the kiosk needs
// to join a call room.
package token

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/raiadkharal/invictus-kiosk-sub000/internal/clock"
)

var (
	ErrRejected  = errors.New("token request rejected")
	ErrMalformed = errors.New("malformed token response")
	ErrExpired   = errors.New("token already expired")
)

const maxResponseBytes = 64 * 1024

// Token is a time-bounded credential for one media room.
type Token struct {
	Value string
	Room  string
	// ExpiresAt is zero when the token carries no exp claim.
	ExpiresAt time.Time
}

// Source issues tokens for a call to target.
type Source interface {
	Fetch(ctx context.Context, target string) (Token, error)
}

type HTTPSourceConfig struct {
	URL     string
	KioskID string
	APIKey  string
	Client  *http.Client
	Clock   clock.Clock
}

// HTTPSource requests tokens from the backend's token endpoint.
type HTTPSource struct {
	cfg HTTPSourceConfig
}

func NewHTTPSource(cfg HTTPSourceConfig) *HTTPSource {
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &HTTPSource{cfg: cfg}
}

type tokenRequest struct {
	KioskID string `json:"kioskId"`
	Target  string `json:"target"`
}

type tokenResponse struct {
	Token  string `json:"token"`
	RoomID string `json:"roomId"`
}

func (s *HTTPSource) Fetch(ctx context.Context, target string) (Token, error) {
	body, err := json.Marshal(tokenRequest{KioskID: s.cfg.KioskID, Target: target})
	if err != nil {
		return Token{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return Token{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", s.cfg.APIKey)
	}

	resp, err := s.cfg.Client.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Token{}, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Token{}, fmt.Errorf("%w: %s: %s", ErrRejected, resp.Status, bytes.TrimSpace(raw))
	}

	var tr tokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	tr.Token = strings.TrimSpace(tr.Token)
	if tr.Token == "" || strings.TrimSpace(tr.RoomID) == "" {
		return Token{}, fmt.Errorf("%w: token and roomId are required", ErrMalformed)
	}

	exp, err := ExpiresAt(tr.Token)
	if err != nil {
		return Token{}, err
	}
	if !exp.IsZero() && !exp.After(s.cfg.Clock.Now()) {
		return Token{}, fmt.Errorf("%w at %s", ErrExpired, exp.UTC().Format(time.RFC3339))
	}
	return Token{Value: tr.Token, Room: tr.RoomID, ExpiresAt: exp}, nil
}

// ExpiresAt reads the exp claim of a JWT without verifying its signature;
// the media server is the party that verifies it.
func ExpiresAt(raw string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if exp == nil {
		return time.Time{}, nil
	}
	return exp.Time, nil
}
