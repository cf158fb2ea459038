package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	contentTypeSDP = "application/sdp"

	maxAnswerBytes = 64 * 1024
	maxErrorBytes  = 512
)

// Exchanger trades a local SDP offer for the media server's answer.
type Exchanger interface {
	Exchange(ctx context.Context, token, room, offer string) (answer string, err error)
}

// ExchangerFunc adapts a function to Exchanger.
type ExchangerFunc func(ctx context.Context, token, room, offer string) (string, error)

func (f ExchangerFunc) Exchange(ctx context.Context, token, room, offer string) (string, error) {
	return f(ctx, token, room, offer)
}

// HTTPExchanger POSTs the offer to <Endpoint>/<room> as application/sdp with
// the session token as a bearer credential and reads the answer from the
// response body.
type HTTPExchanger struct {
	Endpoint string
	Client   *http.Client
}

func NewHTTPExchanger(endpoint string, timeout time.Duration) *HTTPExchanger {
	return &HTTPExchanger{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: timeout},
	}
}

func (e *HTTPExchanger) Exchange(ctx context.Context, token, room, offer string) (string, error) {
	if strings.TrimSpace(room) == "" {
		return "", errors.New("room is required")
	}
	target, err := url.JoinPath(e.Endpoint, room)
	if err != nil {
		return "", fmt.Errorf("media endpoint: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(offer))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", contentTypeSDP)
	req.Header.Set("Accept", contentTypeSDP)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := e.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("post offer: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBytes))
		return "", fmt.Errorf("%w: %s: %s", ErrExchangeRejected, resp.Status, bytes.TrimSpace(snippet))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAnswerBytes+1))
	if err != nil {
		return "", fmt.Errorf("read answer: %w", err)
	}
	if len(body) > maxAnswerBytes {
		return "", fmt.Errorf("%w: answer exceeds %d bytes", ErrExchangeRejected, maxAnswerBytes)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return "", fmt.Errorf("%w: empty answer", ErrExchangeRejected)
	}
	return string(body), nil
}
