package kiosk

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

type fakeRelay struct {
	mu       sync.Mutex
	devices  []actuator.Device
	initErrs []error
	inits    []string
	reqs     []actuator.Request
	open     map[int]bool
}

func (r *fakeRelay) DiscoverDevices() ([]actuator.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]actuator.Device(nil), r.devices...), nil
}

func (r *fakeRelay) Initialize(deviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inits = append(r.inits, deviceID)
	if len(r.initErrs) > 0 {
		err := r.initErrs[0]
		r.initErrs = r.initErrs[1:]
		return err
	}
	return nil
}

func (r *fakeRelay) Open(_ context.Context, req actuator.Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	return nil
}

func (r *fakeRelay) IsOpen(_ context.Context, relayID string, port int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if relayID == "" {
		return false, actuator.ErrDeviceNotFound
	}
	return r.open[port], nil
}

func (r *fakeRelay) requests() []actuator.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]actuator.Request(nil), r.reqs...)
}

func (r *fakeRelay) initialized() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.inits...)
}

type fakeTracks struct{}

func (fakeTracks) Release() {}

type fakeProvider struct {
	mu       sync.Mutex
	listener func(media.Event)

	// When set, Disconnect closes disconnecting and blocks until release
	// is closed.
	disconnecting chan struct{}
	release       chan struct{}
}

func (p *fakeProvider) AcquireLocalTracks(context.Context) (media.Tracks, error) {
	return fakeTracks{}, nil
}

func (p *fakeProvider) Connect(_ context.Context, _, _ string, listener func(media.Event)) error {
	p.mu.Lock()
	p.listener = listener
	p.mu.Unlock()
	listener(media.Connected{})
	return nil
}

func (p *fakeProvider) Disconnect() {
	if p.release == nil {
		return
	}
	close(p.disconnecting)
	<-p.release
}

type fakeTokens struct{}

func (fakeTokens) Fetch(_ context.Context, target string) (token.Token, error) {
	if target == "" {
		return token.Token{}, errors.New("no target")
	}
	return token.Token{Value: "tok", Room: "room-" + target}, nil
}

type fakeTransport struct {
	mu       sync.Mutex
	state    signaling.ConnectionState
	handlers map[string][]signaling.Handler
	routing  []string
	invoked  []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string][]signaling.Handler)}
}

func (f *fakeTransport) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = signaling.StateConnected
	return nil
}

func (f *fakeTransport) Register(_ context.Context, routingID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routing = append(f.routing, routingID)
	return nil
}

func (f *fakeTransport) On(event string, h signaling.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = append(f.handlers[event], h)
}

func (f *fakeTransport) Invoke(_ context.Context, event string, args any) error {
	b, err := json.Marshal(args)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invoked = append(f.invoked, fmt.Sprintf("%s %s", event, b))
	return nil
}

func (f *fakeTransport) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = signaling.StateDisconnected
	return nil
}

func (f *fakeTransport) State() signaling.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) fire(event string, args string) {
	f.mu.Lock()
	hs := append([]signaling.Handler(nil), f.handlers[event]...)
	f.mu.Unlock()
	for _, h := range hs {
		h(json.RawMessage(args))
	}
}

func (f *fakeTransport) invocations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.invoked...)
}

func (f *fakeTransport) registered() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.routing...)
}
