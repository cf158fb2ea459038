package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/raiadkharal/invictus-kiosk-sub000/internal/actuator"
	"github.com/raiadkharal/invictus-kiosk-sub000/internal/media"
	"github.com/raiadkharal/invictus-kiosk-sub000/internal/signaling"
	"github.com/raiadkharal/invictus-kiosk-sub000/internal/token"
)

type fakeTracks struct {
	mu       sync.Mutex
	released int
}

func (t *fakeTracks) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.released++
}

func (t *fakeTracks) releases() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.released
}

type fakeProvider struct {
	mu          sync.Mutex
	acquireErr  error
	autoConnect bool
	tracks      *fakeTracks
	tokens      []string
	listener    func(media.Event)
	disconnects int
}

func (p *fakeProvider) AcquireLocalTracks(context.Context) (media.Tracks, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.acquireErr != nil {
		return nil, p.acquireErr
	}
	p.tracks = &fakeTracks{}
	return p.tracks, nil
}

func (p *fakeProvider) Connect(_ context.Context, tok, room string, listener func(media.Event)) error {
	p.mu.Lock()
	p.tokens = append(p.tokens, tok)
	p.listener = listener
	auto := p.autoConnect
	p.mu.Unlock()
	if auto {
		listener(media.Connected{})
	}
	return nil
}

func (p *fakeProvider) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnects++
}

func (p *fakeProvider) emit(ev media.Event) {
	p.mu.Lock()
	l := p.listener
	p.mu.Unlock()
	if l != nil {
		l(ev)
	}
}

func (p *fakeProvider) usedTokens() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.tokens...)
}

func (p *fakeProvider) disconnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disconnects
}

type fakeTokens struct {
	mu        sync.Mutex
	failFirst int
	calls     int
}

func (f *fakeTokens) Fetch(_ context.Context, target string) (token.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failFirst {
		return token.Token{}, errors.New("token service unavailable")
	}
	return token.Token{Value: fmt.Sprintf("tok-%d", f.calls), Room: "room-" + target}, nil
}

type fakeRelay struct {
	mu   sync.Mutex
	reqs []actuator.Request
	err  error
}

func (r *fakeRelay) Open(_ context.Context, req actuator.Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	return r.err
}

func (r *fakeRelay) requests() []actuator.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]actuator.Request(nil), r.reqs...)
}

type fakeCallTransport struct {
	mu         sync.Mutex
	state      signaling.ConnectionState
	handlers   map[string][]signaling.Handler
	registered []string
	stops      int
}

func newFakeCallTransport() *fakeCallTransport {
	return &fakeCallTransport{handlers: make(map[string][]signaling.Handler)}
}

func (f *fakeCallTransport) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = signaling.StateConnected
	return nil
}

func (f *fakeCallTransport) Register(_ context.Context, routingID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, routingID)
	return nil
}

func (f *fakeCallTransport) On(event string, h signaling.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = append(f.handlers[event], h)
}

func (f *fakeCallTransport) Invoke(context.Context, string, any) error { return nil }

func (f *fakeCallTransport) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.state = signaling.StateDisconnected
	return nil
}

func (f *fakeCallTransport) State() signaling.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeCallTransport) fire(event string, args json.RawMessage) {
	f.mu.Lock()
	hs := append([]signaling.Handler(nil), f.handlers[event]...)
	f.mu.Unlock()
	for _, h := range hs {
		h(args)
	}
}

// stalledTokens ignores ctx and blocks in Fetch until release is closed.
type stalledTokens struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newStalledTokens() *stalledTokens {
	return &stalledTokens{entered: make(chan struct{}), release: make(chan struct{})}
}

func (f *stalledTokens) Fetch(_ context.Context, target string) (token.Token, error) {
	f.once.Do(func() { close(f.entered) })
	<-f.release
	return token.Token{Value: "tok", Room: "room-" + target}, nil
}
