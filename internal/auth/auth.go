// Package auth guards the local control API used by the kiosk UI.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/raiadkharal/invictus-kiosk-sub000/internal/config"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

type Verifier interface {
	Verify(credential string) error
}

// APIKeyVerifier compares in constant time against a single shared key.
type APIKeyVerifier struct {
	Expected string
}

func (v APIKeyVerifier) Verify(apiKey string) error {
	if apiKey == "" || v.Expected == "" {
		return ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(apiKey), []byte(v.Expected)) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}

// NewVerifier returns nil when auth is disabled.
func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone:
		return nil, nil
	case config.AuthModeAPIKey:
		return APIKeyVerifier{Expected: cfg.APIKey}, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// CredentialFromRequest extracts the API key from the X-API-Key header, an
// "Authorization: ApiKey <key>" or "Bearer <key>" header, or the apiKey
// query parameter. Browsers cannot set headers on WebSocket upgrades, so the
// query form is needed for the event stream.
func CredentialFromRequest(mode config.AuthMode, r *http.Request) (string, error) {
	switch mode {
	case config.AuthModeNone:
		return "", nil
	case config.AuthModeAPIKey:
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}

	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key, nil
	}
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		scheme, value, ok := strings.Cut(h, " ")
		if ok && (strings.EqualFold(scheme, "ApiKey") || strings.EqualFold(scheme, "Bearer")) {
			if value = strings.TrimSpace(value); value != "" {
				return value, nil
			}
		}
	}
	if key := r.URL.Query().Get("apiKey"); key != "" {
		return key, nil
	}
	return "", ErrMissingCredentials
}

// Check verifies the credential carried by r. A nil verifier accepts every
// request.
func Check(v Verifier, mode config.AuthMode, r *http.Request) error {
	if v == nil {
		return nil
	}
	cred, err := CredentialFromRequest(mode, r)
	if err != nil {
		return err
	}
	return v.Verify(cred)
}
