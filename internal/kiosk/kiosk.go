// Package kiosk wires the remote unlock pieces together for one kiosk: the
// access-control signaling channel scoped to the kiosk id, the relay board,
// and at most one call session at a time. It is the facade the local UI
// talks to.
package kiosk

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/raiadkharal/invictus-kiosk-sub000/internal/actuator"
	"github.com/raiadkharal/invictus-kiosk-sub000/internal/clock"
	"github.com/raiadkharal/invictus-kiosk-sub000/internal/media"
	"github.com/raiadkharal/invictus-kiosk-sub000/internal/metrics"
	"github.com/raiadkharal/invictus-kiosk-sub000/internal/session"
	"github.com/raiadkharal/invictus-kiosk-sub000/internal/signaling"
	"github.com/raiadkharal/invictus-kiosk-sub000/internal/token"
)

var (
	ErrTargetRequired = errors.New("call target is required")
	ErrSessionActive  = errors.New("a call is already in progress")
	ErrNoSession      = errors.New("no call in progress")
	ErrRateLimited    = errors.New("too many call attempts")
	ErrClosed         = errors.New("kiosk controller closed")
	ErrNoRelay        = errors.New("no relay device configured")
	ErrCallsDisabled  = errors.New("calls are not configured")
)

// An access grant for a session that ended with access-granted less than
// this long ago is treated as a redelivery, not as a new remote open.
const redeliveryWindow = 30 * time.Second

const subscriberBuffer = 32

// Relay is the relay actuator as the controller uses it.
type Relay interface {
	DiscoverDevices() ([]actuator.Device, error)
	Initialize(deviceID string) error
	Open(ctx context.Context, req actuator.Request) error
	IsOpen(ctx context.Context, relayID string, port int) (bool, error)
}

type Config struct {
	KioskID string

	Registry             *signaling.Registry
	AccessTransport      signaling.Transport
	CallTransport        func() signaling.Transport
	Reachability         signaling.Reachability
	AccessReconnectDelay time.Duration
	CallReconnectDelay   time.Duration

	Relay Relay
	// RelayDeviceID selects a board; empty uses the first one found.
	RelayDeviceID string
	DefaultHold   time.Duration

	NewProvider func() media.Provider
	Tokens      token.Source
	Timers      session.Timers
	Retry       session.Retry

	// StartInterval and StartBurst bound how often calls can be started.
	// A zero StartInterval disables the limit.
	StartInterval time.Duration
	StartBurst    int

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type EventType string

const (
	EventState      EventType = "state"
	EventNavigation EventType = "navigation"
)

// Event is pushed to UI subscribers. Navigation events fire once per
// session.
type Event struct {
	Type       EventType
	Session    *session.Snapshot
	Navigation session.Navigation
	Voicemail  bool
	Silent     bool
	Message    string
}

// Status summarizes the controller for health and status endpoints.
type Status struct {
	KioskID        string
	Started        bool
	AccessChannel  string
	RelayDeviceID  string
	RelayReady     bool
	Session        *session.Snapshot
	SessionRunning bool
}

type Controller struct {
	cfg     Config
	clk     clock.Clock
	log     *slog.Logger
	metrics *metrics.Metrics
	limiter *rate.Limiter

	mu         sync.Mutex
	started    bool
	closed     bool
	access     *signaling.Channel
	relayID    string
	relayReady bool
	current    *session.Session
	endedAt    time.Time
	subs       map[int]chan Event
	nextSub    int

	// Last remote open outside a call, for redelivery detection.
	remotePort int
	remoteAt   time.Time

	wg sync.WaitGroup
}

func New(cfg Config) *Controller {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Registry == nil {
		cfg.Registry = signaling.NewRegistry()
	}
	if cfg.AccessReconnectDelay <= 0 {
		cfg.AccessReconnectDelay = signaling.DefaultAccessReconnectDelay
	}
	if cfg.CallReconnectDelay <= 0 {
		cfg.CallReconnectDelay = signaling.DefaultCallReconnectDelay
	}

	limit := rate.Inf
	if cfg.StartInterval > 0 {
		limit = rate.Every(cfg.StartInterval)
	}
	burst := cfg.StartBurst
	if burst <= 0 {
		burst = 1
	}

	return &Controller{
		cfg:     cfg,
		clk:     cfg.Clock,
		log:     cfg.Logger.With("component", "kiosk", "kiosk_id", cfg.KioskID),
		metrics: cfg.Metrics,
		limiter: rate.NewLimiter(limit, burst),
		subs:    make(map[int]chan Event),
	}
}

// Run starts the controller and blocks until ctx is done, then shuts down.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	c.Close()
	return nil
}

// Start opens the access-control channel and initializes the relay.
func (c *Controller) Start() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	if c.cfg.AccessTransport != nil {
		ch := c.cfg.Registry.Open(signaling.Config{
			Kind:           signaling.KindAccessControl,
			RoutingID:      c.cfg.KioskID,
			ReconnectDelay: c.cfg.AccessReconnectDelay,
			Transport:      c.cfg.AccessTransport,
			Reachability:   c.cfg.Reachability,
			OnEvent:        c.onAccessEvent,
			Clock:          c.clk,
			Logger:         c.cfg.Logger,
			Metrics:        c.metrics,
		})
		c.mu.Lock()
		c.access = ch
		c.mu.Unlock()
	} else {
		c.log.Warn("no access-control signaling configured; remote opens are disabled")
	}

	c.initRelay()
	return nil
}

// NetworkRestored retries the access-control connection. Channels do not
// retry on their own while the network is down.
func (c *Controller) NetworkRestored() {
	c.mu.Lock()
	ch := c.access
	c.mu.Unlock()
	if ch != nil {
		c.log.Info("network restored, reconnecting signaling")
		ch.Connect()
	}
}

func (c *Controller) initRelay() {
	if c.cfg.Relay == nil {
		c.log.Warn("no relay configured")
		return
	}
	devs, err := c.cfg.Relay.DiscoverDevices()
	if err != nil {
		c.log.Warn("relay discovery failed", "err", err)
		return
	}

	var id string
	for _, d := range devs {
		if c.cfg.RelayDeviceID == "" || d.ID == c.cfg.RelayDeviceID {
			id = d.ID
			break
		}
	}
	if id == "" {
		c.log.Warn("relay device not attached", "wanted", c.cfg.RelayDeviceID, "found", len(devs))
		return
	}

	c.mu.Lock()
	c.relayID = id
	c.mu.Unlock()
	c.initializeRelay(id)
}

func (c *Controller) initializeRelay(id string) {
	err := c.cfg.Relay.Initialize(id)
	switch {
	case err == nil:
		c.mu.Lock()
		c.relayReady = true
		c.mu.Unlock()
	case errors.Is(err, actuator.ErrPermissionPending):
		c.log.Info("waiting for relay device permission", "device_id", id)
	default:
		c.log.Error("relay initialization failed", "device_id", id, "err", err)
	}
}

// RelayPermissionGranted is the OS grant callback; it retries the
// initialization that returned ErrPermissionPending.
func (c *Controller) RelayPermissionGranted(deviceID string) {
	c.mu.Lock()
	current, closed := c.relayID, c.closed
	c.mu.Unlock()
	if closed || deviceID != current {
		return
	}
	c.initializeRelay(deviceID)
}

// StartSession starts a call to target.
func (c *Controller) StartSession(target string) (session.Snapshot, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return session.Snapshot{}, ErrTargetRequired
	}
	if c.cfg.NewProvider == nil || c.cfg.Tokens == nil {
		return session.Snapshot{}, ErrCallsDisabled
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return session.Snapshot{}, ErrClosed
	}
	if c.current != nil && !tornDown(c.current) {
		c.mu.Unlock()
		return session.Snapshot{}, ErrSessionActive
	}
	if !c.limiter.AllowN(c.clk.Now(), 1) {
		c.mu.Unlock()
		c.metrics.Inc(metrics.SessionsRateLimited)
		return session.Snapshot{}, ErrRateLimited
	}

	var s *session.Session
	s = session.New(session.Config{
		Target:         target,
		Provider:       c.cfg.NewProvider(),
		Tokens:         c.cfg.Tokens,
		Relay:          c.cfg.Relay,
		RelayID:        c.relayID,
		DefaultHold:    c.cfg.DefaultHold,
		Signaling:      c.cfg.Registry,
		CallTransport:  c.cfg.CallTransport,
		Reachability:   c.cfg.Reachability,
		ReconnectDelay: c.cfg.CallReconnectDelay,
		Timers:         c.cfg.Timers,
		Retry:          c.cfg.Retry,
		OnStateChange:  c.onSessionState,
		OnFinish:       func(res session.Result) { c.onSessionFinished(s, res) },
		Clock:          c.clk,
		Logger:         c.cfg.Logger,
		Metrics:        c.metrics,
	})
	c.current = s
	c.endedAt = time.Time{}
	c.mu.Unlock()

	if err := s.Start(); err != nil {
		return session.Snapshot{}, err
	}
	return s.Snapshot(), nil
}

// EndSession hangs up the running call.
func (c *Controller) EndSession() error {
	s := c.runningSession()
	if s == nil {
		return ErrNoSession
	}
	s.Disconnect()
	return nil
}

// Current returns the latest session, running or finished.
func (c *Controller) Current() (session.Snapshot, bool) {
	c.mu.Lock()
	s := c.current
	c.mu.Unlock()
	if s == nil {
		return session.Snapshot{}, false
	}
	return s.Snapshot(), true
}

// RelayState queries whether port of the configured relay is energized.
func (c *Controller) RelayState(ctx context.Context, port int) (bool, error) {
	c.mu.Lock()
	id := c.relayID
	c.mu.Unlock()
	if c.cfg.Relay == nil || id == "" {
		return false, ErrNoRelay
	}
	return c.cfg.Relay.IsOpen(ctx, id, port)
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	st := Status{
		KioskID:       c.cfg.KioskID,
		Started:       c.started && !c.closed,
		RelayDeviceID: c.relayID,
		RelayReady:    c.relayReady,
	}
	access, s := c.access, c.current
	c.mu.Unlock()

	if access != nil {
		st.AccessChannel = access.State().String()
	}
	if s != nil {
		snap := s.Snapshot()
		st.Session = &snap
		st.SessionRunning = !tornDown(s)
	}
	return st
}

// tornDown reports whether s has finished releasing its media and call
// channel. A terminal session may still be tearing down.
func tornDown(s *session.Session) bool {
	select {
	case <-s.Done():
		return true
	default:
		return false
	}
}

func (c *Controller) runningSession() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || c.current.State().Terminal() {
		return nil
	}
	return c.current
}

// grantTarget picks the session an access grant belongs to: the running
// one, or one that just ended with access granted. nil means the operator
// opened the door without a call.
func (c *Controller) grantTarget() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.current
	if s == nil {
		return nil
	}
	if !s.State().Terminal() {
		return s
	}
	if s.Outcome() != session.OutcomeAccessGranted {
		return nil
	}
	if c.endedAt.IsZero() || c.clk.Now().Sub(c.endedAt) < redeliveryWindow {
		return s
	}
	return nil
}

func (c *Controller) onAccessEvent(ev signaling.Event) {
	switch ev := ev.(type) {
	case signaling.OpenAccessPoint:
		c.accessGranted(ev)
	case signaling.SendToVoicemail:
		s := c.runningSession()
		if s == nil {
			c.log.Debug("send-to-voicemail without a call")
			return
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			_ = s.SendToVoicemail()
		}()
	case signaling.Connected:
		c.log.Info("access-control signaling connected")
	case signaling.Disconnected:
		c.log.Warn("access-control signaling disconnected", "err", ev.Err)
	}
}

func (c *Controller) accessGranted(ev signaling.OpenAccessPoint) {
	if s := c.grantTarget(); s != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := s.AccessGranted(ev); errors.Is(err, session.ErrRedeliveredEvent) {
				c.log.Debug("duplicate access grant ignored", "session_id", s.ID(), "port", ev.Port)
			}
		}()
		return
	}

	if c.cfg.Relay == nil {
		c.log.Warn("remote open requested but no relay is configured", "port", ev.Port)
		return
	}
	now := c.clk.Now()
	c.mu.Lock()
	if !c.remoteAt.IsZero() && c.remotePort == ev.Port && now.Sub(c.remoteAt) < redeliveryWindow {
		c.mu.Unlock()
		c.metrics.Inc(metrics.RedeliveredEvents)
		c.log.Debug("duplicate remote open ignored", "port", ev.Port)
		return
	}
	c.remotePort, c.remoteAt = ev.Port, now
	relayID := c.relayID
	c.mu.Unlock()

	c.metrics.Inc(metrics.RelayRemoteOpen)
	req := session.ActuationRequest(relayID, c.cfg.DefaultHold, ev)
	c.log.Info("remote open without an active call", "relay_id", relayID, "port", req.Port, "hold", req.HoldDuration)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.cfg.Relay.Open(context.Background(), req); err != nil {
			c.log.Error("remote open failed", "relay_id", relayID, "port", req.Port, "err", err)
		}
	}()
	c.broadcast(Event{Type: EventNavigation, Navigation: session.NavigateAccessGranted, Silent: ev.Silent})
}

func (c *Controller) onSessionState(snap session.Snapshot) {
	c.broadcast(Event{Type: EventState, Session: &snap})
}

func (c *Controller) onSessionFinished(s *session.Session, res session.Result) {
	c.mu.Lock()
	if c.current == s {
		c.endedAt = c.clk.Now()
	}
	access := c.access
	c.mu.Unlock()

	snap := s.Snapshot()
	if res.Escalate && access != nil {
		access.Notify(signaling.EventMissedCall, signaling.MissedCallNotice{
			KioskID:   c.cfg.KioskID,
			SessionID: res.SessionID,
			Target:    snap.Target,
		})
	}
	c.broadcast(Event{
		Type:       EventNavigation,
		Session:    &snap,
		Navigation: res.Outcome.Navigation(),
		Voicemail:  res.Voicemail,
		Silent:     res.Silent,
		Message:    res.Message,
	})
}

// Subscribe returns a stream of UI events and a function that ends the
// subscription. Events are dropped for subscribers that fall behind.
func (c *Controller) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if _, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(ch)
			}
		})
	}
}

func (c *Controller) broadcast(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.subs {
		select {
		case ch <- ev:
		default:
			c.log.Debug("dropping UI event for slow subscriber", "subscriber", id, "type", string(ev.Type))
		}
	}
}

// Close ends any running call, stops signaling and closes subscriber
// streams.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	s := c.current
	c.mu.Unlock()

	c.cfg.Registry.CloseAll()
	if s != nil {
		s.Shutdown()
		s.Wait()
	}
	c.wg.Wait()

	c.mu.Lock()
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
	c.mu.Unlock()
	c.log.Info("kiosk controller stopped")
}
