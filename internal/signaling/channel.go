package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raiadkharal/invictus-kiosk-sub000/internal/clock"
	"github.com/raiadkharal/invictus-kiosk-sub000/internal/metrics"
)

type Kind int

const (
	KindAccessControl Kind = iota
	KindCallLifecycle
)

func (k Kind) String() string {
	switch k {
	case KindAccessControl:
		return "access_control"
	case KindCallLifecycle:
		return "call_lifecycle"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

const (
	DefaultAccessReconnectDelay = 10 * time.Second
	DefaultCallReconnectDelay   = 5 * time.Second

	connectTimeout = 15 * time.Second
	notifyTimeout  = 5 * time.Second
)

// Reachability reports whether the network is usable at all.
type Reachability interface {
	Reachable() bool
}

type alwaysReachable struct{}

func (alwaysReachable) Reachable() bool { return true }

type Config struct {
	Kind           Kind
	RoutingID      string
	ReconnectDelay time.Duration
	Transport      Transport
	Reachability   Reachability

	// OnEvent receives every known inbound event. It runs on the transport's
	// goroutine and must not block.
	OnEvent func(Event)

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Channel is one SignalingConnectionHandle: a transport bound to a routing
// identity, with automatic reconnect.
type Channel struct {
	kind      Kind
	routingID string
	delay     time.Duration
	transport Transport
	reach     Reachability
	onEvent   func(Event)
	clk       clock.Clock
	log       *slog.Logger
	metrics   *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connecting       atomic.Bool
	reconnectPending atomic.Bool

	timerMu        sync.Mutex
	reconnectTimer *clock.Timer

	registrations atomic.Int64
}

func NewChannel(cfg Config) *Channel {
	if cfg.Reachability == nil {
		cfg.Reachability = alwaysReachable{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultCallReconnectDelay
		if cfg.Kind == KindAccessControl {
			cfg.ReconnectDelay = DefaultAccessReconnectDelay
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		kind:      cfg.Kind,
		routingID: cfg.RoutingID,
		delay:     cfg.ReconnectDelay,
		transport: cfg.Transport,
		reach:     cfg.Reachability,
		onEvent:   cfg.OnEvent,
		clk:       cfg.Clock,
		log:       cfg.Logger.With("component", "signaling", "kind", cfg.Kind.String(), "routing_id", cfg.RoutingID),
		metrics:   cfg.Metrics,
		ctx:       ctx,
		cancel:    cancel,
	}

	for _, name := range []string{EventConnected, EventDisconnected, EventSendToVoicemail, EventOpenAccessPoint} {
		name := name
		c.transport.On(name, func(args json.RawMessage) { c.handle(name, args) })
	}
	return c
}

func (c *Channel) Kind() Kind { return c.kind }
func (c *Channel) RoutingID() string { return c.routingID }
func (c *Channel) State() ConnectionState { return c.transport.State() }
func (c *Channel) ReconnectPending() bool { return c.reconnectPending.Load() }
func (c *Channel) Registrations() int64 { return c.registrations.Load() }

// Connect starts connecting in the background. It is a no-op when the
// network is unreachable, when the channel was cleaned up, or when an
// attempt is already running.
func (c *Channel) Connect() {
	if c.ctx.Err() != nil {
		return
	}
	if !c.reach.Reachable() {
		c.log.Info("network unreachable; not connecting")
		return
	}
	if c.transport.State() != StateDisconnected {
		return
	}
	if !c.connecting.CompareAndSwap(false, true) {
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.connecting.Store(false)
		c.connect()
	}()
}

func (c *Channel) connect() {
	ctx, cancel := context.WithTimeout(c.ctx, connectTimeout)
	defer cancel()

	if err := c.transport.Connect(ctx); err != nil {
		if c.ctx.Err() != nil {
			return
		}
		c.metrics.Inc(metrics.SignalingConnectFailed)
		c.log.Warn("signaling connect failed", "err", err)
		c.scheduleReconnect()
		return
	}
	if c.ctx.Err() != nil {
		// Cleaned up while dialing.
		c.safeStop()
		return
	}

	if err := c.transport.Register(ctx, c.routingID); err != nil {
		if c.ctx.Err() != nil {
			return
		}
		c.metrics.Inc(metrics.SignalingConnectFailed)
		c.log.Warn("signaling register failed", "err", err)
		c.safeStop()
		c.scheduleReconnect()
		return
	}
	c.registrations.Add(1)
	c.metrics.Inc(metrics.SignalingConnects)
	c.log.Info("signaling connected")
	c.deliver(Connected{})
}

// scheduleReconnect arms a single reconnect attempt after the channel's
// delay. Overlapping requests collapse into the armed one.
func (c *Channel) scheduleReconnect() {
	if c.ctx.Err() != nil {
		return
	}
	if !c.reconnectPending.CompareAndSwap(false, true) {
		return
	}
	c.metrics.Inc(metrics.SignalingReconnectsArmed)

	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.ctx.Err() != nil {
		c.reconnectPending.Store(false)
		return
	}
	c.reconnectTimer = c.clk.AfterFunc(c.delay, func() {
		c.reconnectPending.Store(false)
		c.Connect()
	})
}

func (c *Channel) handle(name string, args json.RawMessage) {
	if c.ctx.Err() != nil {
		return
	}
	ev, known, err := decodeEvent(name, args)
	if !known {
		return
	}
	if err != nil {
		c.log.Warn("ignoring malformed signaling event", "event", name, "err", err)
		return
	}

	if d, ok := ev.(Disconnected); ok {
		c.log.Info("signaling disconnected", "err", d.Err)
		c.scheduleReconnect()
	}
	c.deliver(ev)
}

func (c *Channel) deliver(ev Event) {
	if c.onEvent != nil && c.ctx.Err() == nil {
		c.onEvent(ev)
	}
}

// Notify sends a one-way event in the background. Failures are logged.
func (c *Channel) Notify(event string, args any) {
	if c.ctx.Err() != nil {
		return
	}
	if c.transport.State() != StateConnected {
		c.log.Info("dropping signaling notify; not connected", "event", event)
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(c.ctx, notifyTimeout)
		defer cancel()
		if err := c.transport.Invoke(ctx, event, args); err != nil {
			c.log.Warn("signaling notify failed", "event", event, "err", err)
		}
	}()
}

// Cleanup cancels pending reconnects and in-flight work and stops the
// transport if it is connected. It never fails and is safe to call more
// than once.
func (c *Channel) Cleanup() {
	c.cancel()

	c.timerMu.Lock()
	c.reconnectTimer.Stop()
	c.reconnectTimer = nil
	c.timerMu.Unlock()
	c.reconnectPending.Store(false)

	if c.transport.State() == StateConnected {
		c.safeStop()
	}
}

// Wait blocks until background connect and notify work has finished. It
// must not be called from an OnEvent callback.
func (c *Channel) Wait() {
	c.wg.Wait()
}

func (c *Channel) safeStop() {
	defer func() {
		if r := recover(); r != nil {
			c.log.Warn("signaling transport stop panicked", "panic", r)
		}
	}()
	if err := c.transport.Stop(); err != nil {
		c.log.Debug("signaling transport stop failed", "err", err)
	}
}
