package media

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

const streamID = "invictus-kiosk"

// Source feeds captured media into the local tracks until ctx is done.
type Source interface {
	Run(ctx context.Context, audio, video *webrtc.TrackLocalStaticSample) error
}

// LocalTracks are the kiosk's outgoing audio (Opus) and video (VP8) tracks.
type LocalTracks struct {
	Audio *webrtc.TrackLocalStaticSample
	Video *webrtc.TrackLocalStaticSample

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (t *LocalTracks) Release() {
	t.once.Do(func() {
		if t.cancel != nil {
			t.cancel()
			<-t.done
		}
	})
}

type PionConfig struct {
	ICEServers []webrtc.ICEServer
	Exchanger  Exchanger
	// Source is optional; without one the tracks are negotiated but silent.
	Source Source
	Logger *slog.Logger
}

// PionProvider is a Provider backed by one pion PeerConnection per Connect
// call.
type PionProvider struct {
	api *webrtc.API
	cfg PionConfig
	log *slog.Logger

	mu          sync.Mutex
	closed      bool
	tracks      *LocalTracks
	pc          *webrtc.PeerConnection
	gen         uint64
	listener    func(Event)
	connected   bool
	interrupted bool
	remote      map[string]int
	queue       []Event

	wake    chan struct{}
	quit    chan struct{}
	pumping bool
	readers sync.WaitGroup
}

func NewPionProvider(api *webrtc.API, cfg PionConfig) *PionProvider {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &PionProvider{
		api:  api,
		cfg:  cfg,
		log:  log,
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
	}
}

func (p *PionProvider) AcquireLocalTracks(ctx context.Context) (Tracks, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if p.tracks != nil {
		return p.tracks, nil
	}

	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", streamID)
	if err != nil {
		return nil, fmt.Errorf("audio track: %w", err)
	}
	video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", streamID)
	if err != nil {
		return nil, fmt.Errorf("video track: %w", err)
	}

	t := &LocalTracks{Audio: audio, Video: video}
	if p.cfg.Source != nil {
		runCtx, cancel := context.WithCancel(context.Background())
		t.cancel = cancel
		t.done = make(chan struct{})
		go func() {
			defer close(t.done)
			if err := p.cfg.Source.Run(runCtx, audio, video); err != nil && runCtx.Err() == nil {
				p.log.Warn("media capture stopped", "err", err)
			}
		}()
	}
	p.tracks = t
	return t, nil
}

func (p *PionProvider) Connect(ctx context.Context, token, room string, listener func(Event)) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	tracks := p.tracks
	if tracks == nil {
		p.mu.Unlock()
		return ErrNoLocalTracks
	}
	prev := p.pc
	p.pc = nil
	p.gen++
	gen := p.gen
	p.listener = listener
	p.connected = false
	p.interrupted = false
	p.remote = make(map[string]int)
	p.queue = nil
	if !p.pumping {
		p.pumping = true
		go p.pump()
	}
	p.mu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}

	pc, err := p.api.NewPeerConnection(webrtc.Configuration{ICEServers: p.cfg.ICEServers})
	if err != nil {
		return fmt.Errorf("new peer connection: %w", err)
	}
	if !p.adopt(gen, pc) {
		_ = pc.Close()
		return ErrClosed
	}

	for _, track := range []*webrtc.TrackLocalStaticSample{tracks.Audio, tracks.Video} {
		if _, err := pc.AddTrack(track); err != nil {
			return fmt.Errorf("add %s track: %w", track.Kind(), err)
		}
	}
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.onConnectionState(gen, s)
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.onRemoteTrack(gen, track)
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return context.Cause(ctx)
	}

	answer, err := p.cfg.Exchanger.Exchange(ctx, token, room, pc.LocalDescription().SDP)
	if err != nil {
		return err
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	p.log.Debug("media offer answered", "room", room)
	return nil
}

func (p *PionProvider) adopt(gen uint64, pc *webrtc.PeerConnection) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || gen != p.gen {
		return false
	}
	p.pc = pc
	return true
}

func (p *PionProvider) Disconnect() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	pc := p.pc
	p.pc = nil
	tracks := p.tracks
	p.queue = nil
	close(p.quit)
	p.mu.Unlock()

	if pc != nil {
		if err := pc.Close(); err != nil {
			p.log.Debug("close peer connection", "err", err)
		}
	}
	p.readers.Wait()
	if tracks != nil {
		tracks.Release()
	}
}

func (p *PionProvider) onConnectionState(gen uint64, s webrtc.PeerConnectionState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || gen != p.gen {
		return
	}
	switch s {
	case webrtc.PeerConnectionStateConnected:
		if !p.connected {
			p.connected = true
			p.enqueueLocked(Connected{})
		} else if p.interrupted {
			p.interrupted = false
			p.enqueueLocked(Reconnected{})
		}
	case webrtc.PeerConnectionStateDisconnected:
		if p.connected && !p.interrupted {
			p.interrupted = true
			p.enqueueLocked(Reconnecting{Err: ErrConnectionDegraded})
		}
	case webrtc.PeerConnectionStateFailed:
		if p.connected {
			p.enqueueLocked(Disconnected{Err: ErrConnectionFailed})
		} else {
			p.enqueueLocked(ConnectFailure{Err: ErrConnectionFailed})
		}
	}
}

func (p *PionProvider) onRemoteTrack(gen uint64, track *webrtc.TrackRemote) {
	participant := track.StreamID()

	p.mu.Lock()
	if p.closed || gen != p.gen {
		p.mu.Unlock()
		return
	}
	p.remote[participant]++
	if p.remote[participant] == 1 {
		p.enqueueLocked(ParticipantConnected{ParticipantID: participant})
	}
	p.readers.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.readers.Done()
		buf := make([]byte, 1500)
		for {
			if _, _, err := track.Read(buf); err != nil {
				break
			}
		}

		p.mu.Lock()
		defer p.mu.Unlock()
		if p.closed || gen != p.gen {
			return
		}
		p.remote[participant]--
		if p.remote[participant] == 0 {
			delete(p.remote, participant)
			p.enqueueLocked(ParticipantDisconnected{ParticipantID: participant})
		}
	}()
}

func (p *PionProvider) enqueueLocked(ev Event) {
	p.queue = append(p.queue, ev)
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// pump delivers queued events one at a time so the listener never runs
// concurrently with itself.
func (p *PionProvider) pump() {
	for {
		select {
		case <-p.quit:
			return
		case <-p.wake:
		}
		for {
			p.mu.Lock()
			if p.closed || len(p.queue) == 0 {
				p.mu.Unlock()
				break
			}
			ev := p.queue[0]
			p.queue = p.queue[1:]
			listener := p.listener
			p.mu.Unlock()

			if listener != nil {
				listener(ev)
			}
		}
	}
}
