package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/raiadkharal/invictus-kiosk-sub000/internal/actuator"
	"github.com/raiadkharal/invictus-kiosk-sub000/internal/clock"
	"github.com/raiadkharal/invictus-kiosk-sub000/internal/media"
	"github.com/raiadkharal/invictus-kiosk-sub000/internal/metrics"
	"github.com/raiadkharal/invictus-kiosk-sub000/internal/signaling"
	"github.com/raiadkharal/invictus-kiosk-sub000/internal/token"
)

const (
	DefaultMissedCallTimeout = 45 * time.Second
	DefaultCountdown         = 45 * time.Second
	DefaultWatchdog          = 15 * time.Second
	DefaultMediaGrace        = 3 * time.Second

	DefaultConnectAttempts = 5
	DefaultAttemptTimeout  = 10 * time.Second
	DefaultRetryDelay      = 2 * time.Second
)

// Relay is the part of the relay actuator a session uses.
type Relay interface {
	Open(ctx context.Context, req actuator.Request) error
}

type Timers struct {
	MissedCall time.Duration
	Countdown  time.Duration
	Watchdog   time.Duration
	// MediaGrace is how long the "camera unavailable" error stays on screen
	// before the session fails.
	MediaGrace time.Duration
}

type Retry struct {
	Attempts       int
	AttemptTimeout time.Duration
	Delay          time.Duration
}

type Config struct {
	// Target is the unit or group being called. It is also the routing id
	// of the call-lifecycle signaling channel.
	Target   string
	Provider media.Provider
	Tokens   token.Source

	Relay       Relay
	RelayID     string
	DefaultHold time.Duration

	// Signaling and CallTransport open the call-lifecycle channel. Leaving
	// either nil runs the session without one.
	Signaling      *signaling.Registry
	CallTransport  func() signaling.Transport
	Reachability   signaling.Reachability
	ReconnectDelay time.Duration

	Timers Timers
	Retry  Retry

	OnStateChange func(Snapshot)
	// OnFinish is called exactly once, after teardown has released every
	// resource.
	OnFinish func(Result)

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.Timers.MissedCall <= 0 {
		c.Timers.MissedCall = DefaultMissedCallTimeout
	}
	if c.Timers.Countdown <= 0 {
		c.Timers.Countdown = DefaultCountdown
	}
	if c.Timers.Watchdog <= 0 {
		c.Timers.Watchdog = DefaultWatchdog
	}
	if c.Timers.MediaGrace <= 0 {
		c.Timers.MediaGrace = DefaultMediaGrace
	}
	if c.Retry.Attempts <= 0 {
		c.Retry.Attempts = DefaultConnectAttempts
	}
	if c.Retry.AttemptTimeout <= 0 {
		c.Retry.AttemptTimeout = DefaultAttemptTimeout
	}
	if c.Retry.Delay < 0 {
		c.Retry.Delay = 0
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = signaling.DefaultCallReconnectDelay
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Snapshot is a point-in-time view of a session for the UI.
type Snapshot struct {
	ID                  string
	Target              string
	State               State
	StartedAt           time.Time
	RemainingMissedCall time.Duration
	RemainingCountdown  time.Duration
	ParticipantJoined   bool
	Outcome             Outcome
	// Error is a visitor-facing message, empty unless something failed.
	Error              string
	TokenFetchAttempts int

	seq uint64
}

// Result is what a finished session reports to its owner.
type Result struct {
	SessionID string
	Outcome   Outcome
	Reason    Reason
	// Voicemail is set when the visitor should be offered voicemail.
	Voicemail bool
	// Escalate is set when nobody answered in time.
	Escalate bool
	// Silent is set for an access grant that asked for no chime.
	Silent  bool
	Message string
	Err     error
}

type Session struct {
	cfg     Config
	id      string
	clk     clock.Clock
	log     *slog.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	relays sync.WaitGroup
	done   chan struct{}

	mu          sync.Mutex
	started     bool
	state       State
	startedAt   time.Time
	outcome     Outcome
	participant bool
	userError   string
	attempts    int
	tracks      media.Tracks
	callChannel *signaling.Channel
	missed      *countdown
	countdown   *countdown
	watchdog    *clock.Timer
	watchdogGen uint64
	grace       *clock.Timer
	result      Result
	seq         uint64

	notifyMu     sync.Mutex
	lastNotified uint64
}

func New(cfg Config) *Session {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	return &Session{
		cfg:     cfg,
		id:      id,
		clk:     cfg.Clock,
		log:     cfg.Logger.With("session_id", id),
		metrics: cfg.Metrics,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

// Done is closed once teardown has finished and OnFinish has returned.
func (s *Session) Done() <-chan struct{} { return s.done }

// Start enters CONNECTING and begins acquiring media in the background.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	if s.state.Terminal() {
		s.mu.Unlock()
		return ErrTerminated
	}
	s.started = true
	s.startedAt = s.clk.Now()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.metrics.Inc(metrics.SessionsStarted)
	s.log.Info("call session starting", "target", s.cfg.Target)
	s.notify(snap)

	s.wg.Add(1)
	go s.run()
	return nil
}

// Wait blocks until the connect loop, signal handlers and relay commands the
// session started have returned.
func (s *Session) Wait() {
	s.wg.Wait()
	s.relays.Wait()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Outcome() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

func (s *Session) TokenFetchAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Result returns the final result once the session has ended.
func (s *Session) Result() (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, s.state.Terminal()
}

func (s *Session) run() {
	defer s.wg.Done()

	tracks, err := s.cfg.Provider.AcquireLocalTracks(s.ctx)
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.tracksUnavailable(err)
		return
	}

	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		tracks.Release()
		return
	}
	s.tracks = tracks
	s.mu.Unlock()

	s.openCallChannel()

	if err := s.connectWithRetry(); err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.finish(OutcomeFailed, ReasonConnectExhausted, err)
	}
}

func (s *Session) tracksUnavailable(err error) {
	s.log.Warn("local media unavailable", "err", err)

	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.userError = msgTracksUnavailable
	s.grace = s.clk.AfterFunc(s.cfg.Timers.MediaGrace, func() {
		s.finish(OutcomeFailed, ReasonTracksUnavailable, fmt.Errorf("%w: %v", ErrTracksUnavailable, err))
	})
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap)
}

func (s *Session) openCallChannel() {
	if s.cfg.Signaling == nil || s.cfg.CallTransport == nil {
		return
	}
	ch := s.cfg.Signaling.Open(signaling.Config{
		Kind:           signaling.KindCallLifecycle,
		RoutingID:      s.cfg.Target,
		ReconnectDelay: s.cfg.ReconnectDelay,
		Transport:      s.cfg.CallTransport(),
		Reachability:   s.cfg.Reachability,
		OnEvent:        s.onSignal,
		Clock:          s.clk,
		Logger:         s.cfg.Logger,
		Metrics:        s.metrics,
	})

	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		s.cfg.Signaling.Close(ch)
		return
	}
	s.callChannel = ch
	s.mu.Unlock()
}

func (s *Session) connectWithRetry() error {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.Retry.Attempts; attempt++ {
		if attempt > 1 {
			if err := clock.Sleep(s.ctx, s.clk, s.cfg.Retry.Delay); err != nil {
				return err
			}
		}

		s.mu.Lock()
		if s.state.Terminal() {
			s.mu.Unlock()
			return ErrTerminated
		}
		s.attempts = attempt
		s.mu.Unlock()
		s.metrics.Inc(metrics.ConnectAttempts)

		err := s.connectOnce()
		if err == nil {
			return nil
		}
		if s.ctx.Err() != nil {
			return s.ctx.Err()
		}
		lastErr = err
		s.metrics.Inc(metrics.ConnectAttemptFailed)
		s.log.Warn("call connect attempt failed", "attempt", attempt, "max_attempts", s.cfg.Retry.Attempts, "err", err)
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrConnectExhausted, s.cfg.Retry.Attempts, lastErr)
}

func (s *Session) connectOnce() error {
	ctx, cancel := clock.WithTimeout(s.ctx, s.clk, s.cfg.Retry.AttemptTimeout)
	defer cancel()

	tok, err := await(ctx, &s.wg, func(ctx context.Context) (token.Token, error) {
		return s.cfg.Tokens.Fetch(ctx, s.cfg.Target)
	})
	if err != nil {
		return fmt.Errorf("fetch token: %w", err)
	}
	_, err = await(ctx, &s.wg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.cfg.Provider.Connect(ctx, tok.Value, tok.Room, s.onMedia)
	})
	if err != nil {
		return fmt.Errorf("join room %s: %w", tok.Room, err)
	}
	s.log.Debug("joined media room", "room", tok.Room)
	return nil
}

// await runs fn and gives up when ctx ends, even if fn ignores ctx. The
// goroutine running fn is tracked by wg until fn returns.
func await[T any](ctx context.Context, wg *sync.WaitGroup, fn func(context.Context) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		v, err := fn(ctx)
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, context.Cause(ctx)
	}
}

func (s *Session) onMedia(ev media.Event) {
	switch ev := ev.(type) {
	case media.Connected:
		s.onConnected()
	case media.ParticipantConnected:
		s.onParticipant(ev.ParticipantID)
	case media.Reconnecting:
		s.onReconnecting(ev.Err)
	case media.Reconnected:
		s.onReconnected()
	case media.ParticipantDisconnected:
		s.log.Info("operator left the call", "participant", ev.ParticipantID)
		s.finish(OutcomeNormalDisconnect, ReasonParticipantLeft, nil)
	case media.Disconnected:
		if ev.Err != nil {
			s.log.Info("media room disconnected", "err", ev.Err)
		}
		s.finish(OutcomeNormalDisconnect, ReasonRemoteHangup, nil)
	case media.ConnectFailure:
		s.finish(OutcomeFailed, ReasonMediaFailure, fmt.Errorf("%w: %v", ErrUnrecoverableMedia, ev.Err))
	}
}

func (s *Session) onConnected() {
	s.mu.Lock()
	if !s.transitionLocked(StateConnected) {
		s.mu.Unlock()
		return
	}
	s.missed = newCountdown(s.clk, s.cfg.Timers.MissedCall, s.expiry(func() *countdown { return s.missed }, OutcomeMissedCall, ReasonMissedCall))
	s.countdown = newCountdown(s.clk, s.cfg.Timers.Countdown, s.expiry(func() *countdown { return s.countdown }, OutcomeNormalDisconnect, ReasonCountdown))
	if s.participant {
		s.missed.stop()
	}
	s.missed.start()
	s.countdown.start()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap)
}

// expiry builds the fire callback of a session countdown.
func (s *Session) expiry(which func() *countdown, outcome Outcome, reason Reason) func(gen uint64) {
	return func(gen uint64) {
		s.mu.Lock()
		c := which()
		if c == nil || !c.expire(gen) {
			s.mu.Unlock()
			return
		}
		s.log.Info("call timer expired", "reason", reason)
		teardown := s.finishLocked(outcome, reason, nil)
		s.mu.Unlock()
		teardown()
	}
}

func (s *Session) onParticipant(id string) {
	s.mu.Lock()
	if s.state.Terminal() || s.participant {
		s.mu.Unlock()
		return
	}
	s.participant = true
	s.missed.stop()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.log.Info("operator joined the call", "participant", id)
	s.notify(snap)
}

func (s *Session) onReconnecting(cause error) {
	s.mu.Lock()
	if !s.transitionLocked(StateReconnecting) {
		s.mu.Unlock()
		return
	}
	s.missed.pause()
	s.countdown.pause()
	s.watchdogGen++
	gen := s.watchdogGen
	s.watchdog = s.clk.AfterFunc(s.cfg.Timers.Watchdog, func() { s.onWatchdog(gen) })
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.log.Info("call reconnecting", "err", cause)
	s.notify(snap)
}

func (s *Session) onReconnected() {
	s.mu.Lock()
	if !s.transitionLocked(StateReconnected) {
		s.mu.Unlock()
		return
	}
	s.watchdog.Stop()
	s.watchdog = nil
	s.watchdogGen++
	s.missed.start()
	s.countdown.start()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap)
}

func (s *Session) onWatchdog(gen uint64) {
	s.mu.Lock()
	if gen != s.watchdogGen || s.state != StateReconnecting {
		s.mu.Unlock()
		return
	}
	s.metrics.Inc(metrics.ReconnectWatchdogFire)
	s.log.Warn("call did not recover in time", "watchdog", s.cfg.Timers.Watchdog)
	teardown := s.finishLocked(OutcomeNormalDisconnect, ReasonWatchdog, nil)
	s.mu.Unlock()
	teardown()
}

func (s *Session) onSignal(ev signaling.Event) {
	switch ev := ev.(type) {
	case signaling.SendToVoicemail:
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			_ = s.SendToVoicemail()
		}()
	case signaling.OpenAccessPoint:
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			_ = s.AccessGranted(ev)
		}()
	}
}

// AccessGranted opens the access point and ends the session. The relay is
// driven in the background and never delays teardown. A grant that arrives
// after the session already has an outcome returns ErrRedeliveredEvent and
// does not touch the relay.
func (s *Session) AccessGranted(ev signaling.OpenAccessPoint) error {
	s.mu.Lock()
	if s.outcome != OutcomeNone || s.state.Terminal() {
		s.mu.Unlock()
		s.metrics.Inc(metrics.RedeliveredEvents)
		s.log.Debug("ignoring redelivered access grant", "port", ev.Port)
		return ErrRedeliveredEvent
	}
	teardown := s.finishLocked(OutcomeAccessGranted, ReasonAccessGranted, nil)
	s.result.Silent = ev.Silent
	s.mu.Unlock()

	s.actuate(ev)
	teardown()
	return nil
}

// SendToVoicemail ends the session and offers the visitor voicemail.
func (s *Session) SendToVoicemail() error {
	s.mu.Lock()
	if s.outcome != OutcomeNone || s.state.Terminal() {
		s.mu.Unlock()
		s.metrics.Inc(metrics.RedeliveredEvents)
		return ErrRedeliveredEvent
	}
	teardown := s.finishLocked(OutcomeMissedCall, ReasonSendToVoicemail, nil)
	s.mu.Unlock()

	teardown()
	return nil
}

// Disconnect ends the session as a normal hang-up. It may be called any
// number of times from any goroutine; only the first call tears down.
func (s *Session) Disconnect() {
	s.end(OutcomeNormalDisconnect, ReasonHangup)
}

// Shutdown ends the session because the daemon is stopping.
func (s *Session) Shutdown() {
	s.end(OutcomeNormalDisconnect, ReasonShutdown)
}

func (s *Session) end(outcome Outcome, reason Reason) {
	s.mu.Lock()
	teardown := s.finishLocked(outcome, reason, nil)
	s.mu.Unlock()
	teardown()
}

func (s *Session) finish(outcome Outcome, reason Reason, err error) {
	s.mu.Lock()
	teardown := s.finishLocked(outcome, reason, err)
	s.mu.Unlock()
	teardown()
}

// ActuationRequest maps an open-access-point event onto a relay pulse.
func ActuationRequest(relayID string, defaultHold time.Duration, ev signaling.OpenAccessPoint) actuator.Request {
	hold := ev.OpenTimer
	if hold <= 0 {
		hold = defaultHold
	}
	return actuator.Request{
		RelayID:      relayID,
		Port:         ev.Port,
		OpenDelay:    ev.DelayTimer,
		HoldDuration: hold,
	}
}

func (s *Session) actuate(ev signaling.OpenAccessPoint) {
	if s.cfg.Relay == nil {
		s.log.Warn("access granted but no relay is configured")
		return
	}
	req := ActuationRequest(s.cfg.RelayID, s.cfg.DefaultHold, ev)
	s.relays.Add(1)
	go func() {
		defer s.relays.Done()
		if err := s.cfg.Relay.Open(context.Background(), req); err != nil {
			s.log.Error("relay open failed", "relay_id", req.RelayID, "port", req.Port, "err", err)
			return
		}
		s.log.Info("access point opened", "relay_id", req.RelayID, "port", req.Port, "hold", req.HoldDuration)
	}()
}

// finishLocked moves the session to its terminal state and returns the
// teardown to run after s.mu is released. Only the first call does
// anything; later calls return a no-op.
func (s *Session) finishLocked(outcome Outcome, reason Reason, err error) func() {
	if s.state.Terminal() {
		return func() {}
	}
	if s.outcome == OutcomeNone {
		s.outcome = outcome
	}
	to := StateDisconnected
	if s.outcome == OutcomeFailed {
		to = StateFailed
	}
	s.transitionLocked(to)

	s.missed.stop()
	s.countdown.stop()
	s.watchdog.Stop()
	s.watchdog = nil
	s.watchdogGen++
	s.grace.Stop()
	s.grace = nil
	s.cancel()

	res := Result{
		SessionID: s.id,
		Outcome:   s.outcome,
		Reason:    reason,
		Voicemail: reason == ReasonMissedCall || reason == ReasonSendToVoicemail,
		Escalate:  reason == ReasonMissedCall,
		Err:       err,
	}
	switch reason {
	case ReasonConnectExhausted:
		res.Message = msgConnectFailed
	case ReasonMediaFailure:
		res.Message = msgMediaFailed
	case ReasonTracksUnavailable:
		res.Message = msgTracksUnavailable
	}
	if res.Message != "" {
		s.userError = res.Message
	}
	s.result = res

	tracks, ch := s.tracks, s.callChannel
	s.tracks, s.callChannel = nil, nil

	return func() {
		s.cfg.Provider.Disconnect()
		if tracks != nil {
			tracks.Release()
		}
		if ch != nil {
			s.cfg.Signaling.Close(ch)
		}

		s.mu.Lock()
		final := s.result
		snap := s.snapshotLocked()
		s.mu.Unlock()

		s.metrics.Inc(outcomeMetric(final.Outcome))
		s.log.Info("call session ended",
			"outcome", final.Outcome.String(),
			"reason", string(final.Reason),
			"duration", s.clk.Now().Sub(snap.StartedAt),
			"err", final.Err,
		)
		s.notify(snap)
		if s.cfg.OnFinish != nil {
			s.cfg.OnFinish(final)
		}
		close(s.done)
	}
}

func outcomeMetric(o Outcome) string {
	switch o {
	case OutcomeMissedCall:
		return metrics.OutcomeMissedCall
	case OutcomeAccessGranted:
		return metrics.OutcomeAccessGranted
	case OutcomeFailed:
		return metrics.OutcomeFailed
	default:
		return metrics.OutcomeNormal
	}
}

func (s *Session) transitionLocked(to State) bool {
	from := s.state
	if !canTransition(from, to) {
		s.log.Debug("ignoring call state change", "from", from.String(), "to", to.String())
		return false
	}
	s.state = to
	s.log.Debug("call state changed", "from", from.String(), "to", to.String())
	return true
}

func (s *Session) snapshotLocked() Snapshot {
	s.seq++
	snap := Snapshot{
		ID:                 s.id,
		Target:             s.cfg.Target,
		State:              s.state,
		StartedAt:          s.startedAt,
		ParticipantJoined:  s.participant,
		Outcome:            s.outcome,
		Error:              s.userError,
		TokenFetchAttempts: s.attempts,
		seq:                s.seq,
	}
	switch {
	case s.missed == nil:
		snap.RemainingMissedCall = s.cfg.Timers.MissedCall
	case s.participant:
		snap.RemainingMissedCall = 0
	default:
		snap.RemainingMissedCall = s.missed.left()
	}
	if s.countdown == nil {
		snap.RemainingCountdown = s.cfg.Timers.Countdown
	} else {
		snap.RemainingCountdown = s.countdown.left()
	}
	return snap
}

// notify delivers snap unless a newer snapshot was already delivered.
func (s *Session) notify(snap Snapshot) {
	if s.cfg.OnStateChange == nil {
		return
	}
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if snap.seq <= s.lastNotified {
		return
	}
	s.lastNotified = snap.seq
	s.cfg.OnStateChange(snap)
}
