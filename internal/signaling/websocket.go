package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raiadkharal/invictus-kiosk-sub000/internal/metrics"
)

const (
	wsDialTimeout       = 10 * time.Second
	wsWriteWait         = 5 * time.Second
	wsDefaultPing       = 15 * time.Second
	wsDefaultIdle       = 45 * time.Second
	wsMaxMessageBytes   = 64 << 10
	wsAccessTokenHeader = "Authorization"
)

type WebSocketConfig struct {
	// URL is the hub endpoint (ws:// or wss://).
	URL string
	// AccessToken, when set, is sent as a bearer token on the upgrade
	// request and as the access_token query parameter.
	AccessToken string

	PingInterval time.Duration
	IdleTimeout  time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// WebSocketTransport speaks the JSON frame protocol over a gorilla
// websocket. Handlers run on the read goroutine.
type WebSocketTransport struct {
	cfg WebSocketConfig
	log *slog.Logger

	state atomic.Int32
	seq   atomic.Uint64

	handlersMu sync.RWMutex
	handlers   map[string][]Handler

	mu      sync.Mutex
	cur     *wsConn
	pending map[string]chan frame
}

// wsConn is one dial of the hub.
type wsConn struct {
	ws      *websocket.Conn
	stopped atomic.Bool
	done    chan struct{}
	writeMu sync.Mutex
}

func NewWebSocketTransport(cfg WebSocketConfig) *WebSocketTransport {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = wsDefaultPing
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = wsDefaultIdle
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WebSocketTransport{
		cfg:      cfg,
		log:      cfg.Logger.With("component", "signaling_ws"),
		handlers: make(map[string][]Handler),
	}
}

func (t *WebSocketTransport) State() ConnectionState {
	return ConnectionState(t.state.Load())
}

func (t *WebSocketTransport) On(event string, h Handler) {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	t.handlers[event] = append(t.handlers[event], h)
}

func (t *WebSocketTransport) Connect(ctx context.Context) error {
	if !t.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return fmt.Errorf("signaling: connect while %s", t.State())
	}

	conn, err := t.dial(ctx)
	if err != nil {
		t.state.Store(int32(StateDisconnected))
		return err
	}
	conn.SetReadLimit(wsMaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(t.cfg.IdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(t.cfg.IdleTimeout))
	})

	c := &wsConn{ws: conn, done: make(chan struct{})}
	t.mu.Lock()
	t.cur = c
	t.pending = make(map[string]chan frame)
	t.mu.Unlock()
	t.state.Store(int32(StateConnected))

	go t.pingLoop(c)
	go t.readLoop(c)
	return nil
}

func (t *WebSocketTransport) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: wsDialTimeout}

	dialURL := t.cfg.URL
	header := http.Header{}
	if t.cfg.AccessToken != "" {
		u, err := url.Parse(dialURL)
		if err != nil {
			return nil, err
		}
		q := u.Query()
		q.Set("access_token", t.cfg.AccessToken)
		u.RawQuery = q.Encode()
		dialURL = u.String()
		header.Set(wsAccessTokenHeader, "Bearer "+t.cfg.AccessToken)
	}

	conn, resp, err := dialer.DialContext(ctx, dialURL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (t *WebSocketTransport) readLoop(c *wsConn) {
	conn := c.ws
	var readErr error
	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		f, err := parseFrame(payload)
		if err != nil {
			t.log.Warn("dropping malformed signaling frame", "err", err)
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(t.cfg.IdleTimeout))

		switch f.Type {
		case frameTypeResult:
			t.resolve(f)
		case frameTypeEvent, frameTypeInvoke:
			t.dispatch(f.Event, f.Args)
		}
	}

	close(c.done)
	_ = conn.Close()

	t.mu.Lock()
	current := t.cur == c
	if current {
		t.cur = nil
		for id, ch := range t.pending {
			close(ch)
			delete(t.pending, id)
		}
		t.state.Store(int32(StateDisconnected))
	}
	t.mu.Unlock()

	if !current || c.stopped.Load() {
		return
	}
	args, _ := json.Marshal(disconnectedArgs{Error: readErr.Error()})
	t.dispatch(EventDisconnected, args)
}

func (t *WebSocketTransport) pingLoop(c *wsConn) {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func (t *WebSocketTransport) dispatch(event string, args json.RawMessage) {
	t.handlersMu.RLock()
	hs := append([]Handler(nil), t.handlers[event]...)
	t.handlersMu.RUnlock()
	if len(hs) == 0 {
		t.cfg.Metrics.Inc(metrics.SignalingUnknownEvents)
		t.log.Debug("ignoring unhandled signaling event", "event", event)
		return
	}
	for _, h := range hs {
		h(args)
	}
}

func (t *WebSocketTransport) resolve(f frame) {
	t.mu.Lock()
	ch, ok := t.pending[f.ID]
	delete(t.pending, f.ID)
	t.mu.Unlock()
	if ok {
		ch <- f
	}
}

func (t *WebSocketTransport) Register(ctx context.Context, routingID string) error {
	return t.call(ctx, MethodRegister, registerArgs{RoutingID: routingID})
}

// call invokes method and waits for the hub's result frame.
func (t *WebSocketTransport) call(ctx context.Context, method string, args any) error {
	id := strconv.FormatUint(t.seq.Add(1), 10)
	ch := make(chan frame, 1)

	t.mu.Lock()
	if t.cur == nil {
		t.mu.Unlock()
		return ErrNotConnected
	}
	t.pending[id] = ch
	t.mu.Unlock()

	if err := t.send(frameTypeInvoke, id, method, args); err != nil {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return err
	}

	select {
	case f, ok := <-ch:
		if !ok {
			return ErrNotConnected
		}
		if f.Error != "" {
			return fmt.Errorf("%w: %s: %s", ErrRemote, method, f.Error)
		}
		return nil
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return ctx.Err()
	}
}

func (t *WebSocketTransport) Invoke(ctx context.Context, event string, args any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.send(frameTypeInvoke, "", event, args)
}

func (t *WebSocketTransport) send(typ frameType, id, event string, args any) error {
	var raw json.RawMessage
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			return err
		}
		raw = b
	}
	payload, err := json.Marshal(frame{Type: typ, ID: id, Event: event, Args: raw})
	if err != nil {
		return err
	}

	t.mu.Lock()
	c := t.cur
	t.mu.Unlock()
	if c == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

// Stop closes the connection without delivering EventDisconnected.
func (t *WebSocketTransport) Stop() error {
	t.mu.Lock()
	c := t.cur
	if c != nil {
		c.stopped.Store(true)
		t.cur = nil
		for id, ch := range t.pending {
			close(ch)
			delete(t.pending, id)
		}
		t.state.Store(int32(StateDisconnected))
	}
	t.mu.Unlock()
	if c == nil {
		return nil
	}

	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(wsWriteWait))
	c.writeMu.Unlock()
	if err := c.ws.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %v", ErrTransportStop, err)
	}
	return nil
}
