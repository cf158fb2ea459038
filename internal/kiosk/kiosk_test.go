package kiosk

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/raiadkharal/invictus-kiosk-sub000/internal/actuator"
	"github.com/raiadkharal/invictus-kiosk-sub000/internal/clock"
	"github.com/raiadkharal/invictus-kiosk-sub000/internal/media"
	"github.com/raiadkharal/invictus-kiosk-sub000/internal/metrics"
	"github.com/raiadkharal/invictus-kiosk-sub000/internal/session"
	"github.com/raiadkharal/invictus-kiosk-sub000/internal/signaling"
)

var epoch = time.Unix(1_700_000_000, 0)

type testKiosk struct {
	c       *Controller
	clk     *clock.FakeClock
	relay   *fakeRelay
	access  *fakeTransport
	reg     *signaling.Registry
	metrics *metrics.Metrics
	events  <-chan Event
}

func newTestKiosk(t *testing.T, mutate func(*Config)) *testKiosk {
	t.Helper()
	k := &testKiosk{
		clk:     clock.Fake(epoch),
		relay:   &fakeRelay{devices: []actuator.Device{{ID: "relay-1"}}, open: map[int]bool{2: true}},
		access:  newFakeTransport(),
		reg:     signaling.NewRegistry(),
		metrics: metrics.New(),
	}
	cfg := Config{
		KioskID:         "1042",
		Registry:        k.reg,
		AccessTransport: k.access,
		Relay:           k.relay,
		DefaultHold:     7 * time.Second,
		NewProvider:     func() media.Provider { return &fakeProvider{} },
		Tokens:          fakeTokens{},
		Timers:          session.Timers{MissedCall: 30 * time.Second, Countdown: 60 * time.Second},
		Clock:           k.clk,
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:         k.metrics,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	k.c = New(cfg)
	events, _ := k.c.Subscribe()
	k.events = events
	if err := k.c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if ch := k.reg.Active(signaling.KindAccessControl); ch != nil {
		ch.Wait()
	}
	t.Cleanup(k.c.Close)
	return k
}

func (k *testKiosk) next(t *testing.T, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-k.events:
			if !ok {
				t.Fatalf("event stream closed")
			}
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timeout waiting for UI event")
			return Event{}
		}
	}
}

func isNavigation(ev Event) bool { return ev.Type == EventNavigation }

// startConnected starts a call and waits until only the two call countdowns
// are pending.
func (k *testKiosk) startConnected(t *testing.T) {
	t.Helper()
	if _, err := k.c.StartSession("unit-5"); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	k.next(t, func(ev Event) bool {
		return ev.Type == EventState && ev.Session.State == session.StateConnected
	})
	waitUntil(t, func() bool { return k.clk.Pending() == 2 })
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestController_StartRegistersAccessChannelAndRelay(t *testing.T) {
	k := newTestKiosk(t, nil)

	if got := k.access.registered(); len(got) != 1 || got[0] != "1042" {
		t.Fatalf("registered=%v, want [1042]", got)
	}
	st := k.c.Status()
	if !st.Started || !st.RelayReady || st.RelayDeviceID != "relay-1" || st.AccessChannel != signaling.StateConnected.String() {
		t.Fatalf("status=%+v", st)
	}
	open, err := k.c.RelayState(context.Background(), 2)
	if err != nil || !open {
		t.Fatalf("RelayState=%v, %v, want open", open, err)
	}
}

func TestController_RelayPermissionGrantReinitializes(t *testing.T) {
	k := newTestKiosk(t, func(cfg *Config) {
		cfg.Relay.(*fakeRelay).initErrs = []error{actuator.ErrPermissionPending}
	})
	if k.c.Status().RelayReady {
		t.Fatalf("relay ready before permission grant")
	}

	k.c.RelayPermissionGranted("other-device")
	if n := len(k.relay.initialized()); n != 1 {
		t.Fatalf("inits=%d after grant for unknown device, want 1", n)
	}

	k.c.RelayPermissionGranted("relay-1")
	if !k.c.Status().RelayReady {
		t.Fatalf("relay not ready after permission grant")
	}
}

func TestController_StartSessionRules(t *testing.T) {
	k := newTestKiosk(t, func(cfg *Config) {
		cfg.StartInterval = time.Minute
		cfg.StartBurst = 1
	})

	if _, err := k.c.StartSession("  "); !errors.Is(err, ErrTargetRequired) {
		t.Fatalf("blank target err=%v, want ErrTargetRequired", err)
	}
	if err := k.c.EndSession(); !errors.Is(err, ErrNoSession) {
		t.Fatalf("EndSession err=%v, want ErrNoSession", err)
	}

	k.startConnected(t)
	if _, err := k.c.StartSession("unit-6"); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("second call err=%v, want ErrSessionActive", err)
	}

	if err := k.c.EndSession(); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	ev := k.next(t, isNavigation)
	if ev.Navigation != session.NavigateDisconnected {
		t.Fatalf("navigation=%v, want disconnected", ev.Navigation)
	}

	if _, err := k.c.StartSession("unit-5"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("call within interval err=%v, want ErrRateLimited", err)
	}
	if got := k.metrics.Get(metrics.SessionsRateLimited); got != 1 {
		t.Fatalf("rate limited=%d, want 1", got)
	}

	k.clk.Advance(time.Minute)
	k.startConnected(t)
	if snap, ok := k.c.Current(); !ok || snap.Target != "unit-5" {
		t.Fatalf("current=%+v, %v", snap, ok)
	}
}

func TestController_AccessGrantRoutedToSessionOnce(t *testing.T) {
	k := newTestKiosk(t, nil)
	k.startConnected(t)

	k.access.fire(signaling.EventOpenAccessPoint, `{"port":2,"openTimer":4,"silent":true}`)
	k.access.fire(signaling.EventOpenAccessPoint, `{"port":2,"openTimer":4,"silent":true}`)

	ev := k.next(t, isNavigation)
	if ev.Navigation != session.NavigateAccessGranted || !ev.Silent {
		t.Fatalf("navigation=%+v, want silent access granted", ev)
	}
	k.c.Close()

	reqs := k.relay.requests()
	want := actuator.Request{RelayID: "relay-1", Port: 2, HoldDuration: 4 * time.Second}
	if len(reqs) != 1 || reqs[0] != want {
		t.Fatalf("relay requests=%+v, want [%+v]", reqs, want)
	}
	if got := k.metrics.Get(metrics.RedeliveredEvents); got != 1 {
		t.Fatalf("redelivered=%d, want 1", got)
	}
	if got := k.metrics.Get(metrics.RelayRemoteOpen); got != 0 {
		t.Fatalf("remote opens=%d, want 0", got)
	}
}

func TestController_LateRedeliveryIsIgnored(t *testing.T) {
	k := newTestKiosk(t, nil)
	k.startConnected(t)

	k.access.fire(signaling.EventOpenAccessPoint, `{"port":2}`)
	k.next(t, isNavigation)

	k.clk.Advance(redeliveryWindow - time.Second)
	k.access.fire(signaling.EventOpenAccessPoint, `{"port":2}`)
	waitUntil(t, func() bool { return k.metrics.Get(metrics.RedeliveredEvents) == 1 })

	// Past the window the same event is a new remote open.
	k.clk.Advance(time.Second)
	k.access.fire(signaling.EventOpenAccessPoint, `{"port":2}`)
	k.next(t, isNavigation)
	k.c.Close()

	if n := len(k.relay.requests()); n != 2 {
		t.Fatalf("relay requests=%d, want 2", n)
	}
	if got := k.metrics.Get(metrics.RelayRemoteOpen); got != 1 {
		t.Fatalf("remote opens=%d, want 1", got)
	}
}

func TestController_RemoteOpenWithoutSession(t *testing.T) {
	k := newTestKiosk(t, nil)

	k.access.fire(signaling.EventOpenAccessPoint, `{"port":1,"delayTimer":2}`)
	ev := k.next(t, isNavigation)
	if ev.Navigation != session.NavigateAccessGranted || ev.Session != nil {
		t.Fatalf("navigation=%+v", ev)
	}
	k.c.Close()

	reqs := k.relay.requests()
	want := actuator.Request{RelayID: "relay-1", Port: 1, OpenDelay: 2 * time.Second, HoldDuration: 7 * time.Second}
	if len(reqs) != 1 || reqs[0] != want {
		t.Fatalf("relay requests=%+v, want [%+v]", reqs, want)
	}
	if got := k.metrics.Get(metrics.RelayRemoteOpen); got != 1 {
		t.Fatalf("remote opens=%d, want 1", got)
	}
}

func TestController_RedeliveredRemoteOpenPulsesOnce(t *testing.T) {
	k := newTestKiosk(t, nil)

	k.access.fire(signaling.EventOpenAccessPoint, `{"port":1}`)
	k.next(t, isNavigation)
	k.access.fire(signaling.EventOpenAccessPoint, `{"port":1}`)
	waitUntil(t, func() bool { return k.metrics.Get(metrics.RedeliveredEvents) == 1 })

	// Another port is a different grant.
	k.access.fire(signaling.EventOpenAccessPoint, `{"port":2}`)
	k.next(t, isNavigation)

	k.clk.Advance(redeliveryWindow)
	k.access.fire(signaling.EventOpenAccessPoint, `{"port":2}`)
	k.next(t, isNavigation)
	k.c.Close()

	opens := map[int]int{}
	for _, req := range k.relay.requests() {
		opens[req.Port]++
	}
	if opens[1] != 1 || opens[2] != 2 || len(opens) != 2 {
		t.Fatalf("relay opens per port=%v, want map[1:1 2:2]", opens)
	}
	if got := k.metrics.Get(metrics.RelayRemoteOpen); got != 3 {
		t.Fatalf("remote opens=%d, want 3", got)
	}
	if got := k.metrics.Get(metrics.RedeliveredEvents); got != 1 {
		t.Fatalf("redelivered=%d, want 1", got)
	}
}

func TestController_NextCallWaitsForTeardown(t *testing.T) {
	slow := &fakeProvider{disconnecting: make(chan struct{}), release: make(chan struct{})}
	providers := []media.Provider{slow, &fakeProvider{}}
	k := newTestKiosk(t, func(cfg *Config) {
		cfg.NewProvider = func() media.Provider {
			p := providers[0]
			providers = providers[1:]
			return p
		}
	})
	k.startConnected(t)

	ended := make(chan error, 1)
	go func() { ended <- k.c.EndSession() }()
	<-slow.disconnecting

	if snap, _ := k.c.Current(); !snap.State.Terminal() {
		t.Fatalf("state=%s during teardown, want terminal", snap.State)
	}
	if _, err := k.c.StartSession("unit-6"); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("StartSession during teardown err=%v, want ErrSessionActive", err)
	}
	if !k.c.Status().SessionRunning {
		t.Fatalf("status reports no running session during teardown")
	}

	close(slow.release)
	select {
	case err := <-ended:
		if err != nil {
			t.Fatalf("EndSession: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for EndSession")
	}
	if _, err := k.c.StartSession("unit-6"); err != nil {
		t.Fatalf("StartSession after teardown: %v", err)
	}
}

func TestController_MissedCallNotifiesBackend(t *testing.T) {
	k := newTestKiosk(t, nil)
	k.startConnected(t)
	snap, _ := k.c.Current()

	k.clk.Advance(30 * time.Second)
	ev := k.next(t, isNavigation)
	if ev.Navigation != session.NavigateMissedCall || !ev.Voicemail {
		t.Fatalf("navigation=%+v, want missed call with voicemail", ev)
	}

	k.reg.Active(signaling.KindAccessControl).Wait()
	got := k.access.invocations()
	want := `missed-call {"kioskId":"1042","sessionId":"` + snap.ID + `","target":"unit-5"}`
	if len(got) != 1 || got[0] != want {
		t.Fatalf("invocations=%v, want [%s]", got, want)
	}
}

func TestController_VoicemailFromAccessChannel(t *testing.T) {
	k := newTestKiosk(t, nil)
	k.startConnected(t)

	k.access.fire(signaling.EventSendToVoicemail, `{}`)
	ev := k.next(t, isNavigation)
	if ev.Navigation != session.NavigateMissedCall || !ev.Voicemail {
		t.Fatalf("navigation=%+v, want voicemail", ev)
	}
	for _, inv := range k.access.invocations() {
		if strings.HasPrefix(inv, signaling.EventMissedCall) {
			t.Fatalf("operator-initiated voicemail escalated: %v", inv)
		}
	}
}

func TestController_CloseEndsSessionAndStreams(t *testing.T) {
	k := newTestKiosk(t, nil)
	k.startConnected(t)

	k.c.Close()
	if snap, _ := k.c.Current(); !snap.State.Terminal() {
		t.Fatalf("session state=%s after Close, want terminal", snap.State)
	}
	for range k.events {
	}
	if _, err := k.c.StartSession("unit-5"); !errors.Is(err, ErrClosed) {
		t.Fatalf("StartSession after Close err=%v, want ErrClosed", err)
	}
	if k.access.State() != signaling.StateDisconnected {
		t.Fatalf("access transport still connected")
	}
}
