package media

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHTTPExchanger_PostsOffer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/whip/room-9" {
			t.Errorf("request=%s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization=%q", got)
		}
		if got := r.Header.Get("Content-Type"); got != "application/sdp" {
			t.Errorf("Content-Type=%q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != "v=0 offer" {
			t.Errorf("body=%q", body)
		}
		w.Header().Set("Content-Type", "application/sdp")
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, "v=0 answer")
	}))
	defer ts.Close()

	ex := NewHTTPExchanger(ts.URL+"/whip", 0)
	answer, err := ex.Exchange(context.Background(), "tok", "room-9", "v=0 offer")
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if answer != "v=0 answer" {
		t.Fatalf("answer=%q", answer)
	}
}

func TestHTTPExchanger_Rejected(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "room closed", http.StatusForbidden)
	}))
	defer ts.Close()

	_, err := NewHTTPExchanger(ts.URL, 0).Exchange(context.Background(), "tok", "room-9", "offer")
	if !errors.Is(err, ErrExchangeRejected) {
		t.Fatalf("err=%v, want ErrExchangeRejected", err)
	}
	if !strings.Contains(err.Error(), "room closed") {
		t.Fatalf("err=%v, want server message", err)
	}
}

func TestHTTPExchanger_EmptyAnswer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer ts.Close()

	_, err := NewHTTPExchanger(ts.URL, 0).Exchange(context.Background(), "tok", "room-9", "offer")
	if !errors.Is(err, ErrExchangeRejected) {
		t.Fatalf("err=%v, want ErrExchangeRejected", err)
	}
}

func TestHTTPExchanger_RequiresRoom(t *testing.T) {
	if _, err := NewHTTPExchanger("http://127.0.0.1:1", 0).Exchange(context.Background(), "tok", " ", "offer"); err == nil {
		t.Fatalf("Exchange with empty room succeeded")
	}
}
