// Package negotiate drives WebRTC offer/answer and trickle ICE for one call
// at a time. It owns the PeerConnection; everything above it speaks session
// descriptions and candidates, never pion types beyond those.
package negotiate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"

	"github.com/amora-app/call-engine/internal/media"
)

var ErrPeerClosed = errors.New("negotiate: peer closed")

// Disconnected is terminal for a call, so the disconnected timeout is the
// time a dead transport goes unnoticed. The keepalive stays short so a few
// missed intervals are enough evidence.
const (
	iceDisconnectedTimeout = 5 * time.Second
	iceFailedTimeout       = 25 * time.Second
	iceKeepAliveInterval   = 2 * time.Second
)

type Config struct {
	Logger *slog.Logger
	// Gate registers the codecs local tracks are encoded with.
	Gate media.Gate
	// Net overrides the network stack used for ICE, for tests on a virtual
	// network. Nil means the host network.
	Net transport.Net
	// UDPPortRange restricts local ICE ports when both values are non-zero.
	UDPPortMin, UDPPortMax uint16
}

// Factory builds one webrtc.API and hands out per-call Peers from it.
type Factory struct {
	api *webrtc.API
	log *slog.Logger
}

func NewFactory(cfg Config) (*Factory, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Gate == nil {
		return nil, errors.New("negotiate: media gate is required")
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := cfg.Gate.ConfigureEngine(mediaEngine); err != nil {
		return nil, fmt.Errorf("negotiate: configure media engine: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("negotiate: register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{
		LoggerFactory: newSlogFactory(cfg.Logger.With("component", "pion")),
	}
	se.SetICETimeouts(iceDisconnectedTimeout, iceFailedTimeout, iceKeepAliveInterval)
	if cfg.Net != nil {
		se.SetNet(cfg.Net)
	}
	if cfg.UDPPortMin != 0 || cfg.UDPPortMax != 0 {
		if err := se.SetEphemeralUDPPortRange(cfg.UDPPortMin, cfg.UDPPortMax); err != nil {
			return nil, fmt.Errorf("negotiate: set udp port range: %w", err)
		}
	}

	return &Factory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(se),
		),
		log: cfg.Logger.With("component", "negotiate"),
	}, nil
}

// Hooks are the peer's way up. All callbacks fire on pion goroutines and must
// not block; handlers that need the session lock should hand off.
type Hooks struct {
	// OnLocalCandidate fires for every gathered local candidate to trickle.
	OnLocalCandidate func(webrtc.ICECandidateInit)
	// OnConnected fires once, when the connection first reaches Connected.
	OnConnected func()
	// OnTerminated fires once, when the connection reaches Disconnected,
	// Failed or Closed.
	OnTerminated func(state webrtc.PeerConnectionState)
	// OnRemoteTrack observes inbound tracks. Optional.
	OnRemoteTrack func(kind webrtc.RTPCodecType)
}

// Peer is the negotiation state for a single call.
type Peer struct {
	pc  *webrtc.PeerConnection
	log *slog.Logger

	mu          sync.Mutex
	remoteSet   bool
	pending     []webrtc.ICECandidateInit
	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender
	audioTrack  webrtc.TrackLocal
	videoTrack  webrtc.TrackLocal

	connectedOnce  sync.Once
	terminatedOnce sync.Once
	closeOnce      sync.Once
}

// terminalState reports whether the connection can no longer carry the call.
// Disconnected counts: a call session has no reconnect path, so a lost
// transport ends it rather than waiting out the ICE failed timeout.
func terminalState(state webrtc.PeerConnectionState) bool {
	switch state {
	case webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateClosed:
		return true
	}
	return false
}

func (f *Factory) NewPeer(sessionID string, iceServers []webrtc.ICEServer, hooks Hooks) (*Peer, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("negotiate: new peer connection: %w", err)
	}

	p := &Peer{
		pc:  pc,
		log: f.log.With("session_id", sessionID),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // end of gathering
		}
		if hooks.OnLocalCandidate != nil {
			hooks.OnLocalCandidate(c.ToJSON())
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.log.Debug("peer connection state", "state", state.String())
		switch {
		case state == webrtc.PeerConnectionStateConnected:
			p.connectedOnce.Do(func() {
				if hooks.OnConnected != nil {
					hooks.OnConnected()
				}
			})
		case terminalState(state):
			p.terminatedOnce.Do(func() {
				if hooks.OnTerminated != nil {
					hooks.OnTerminated(state)
				}
			})
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.log.Info("remote track", "kind", track.Kind().String(), "codec", track.Codec().MimeType)
		if hooks.OnRemoteTrack != nil {
			hooks.OnRemoteTrack(track.Kind())
		}
		// Drain RTP so the interceptor chain keeps running. A renderer would
		// consume from here instead.
		go func() {
			for {
				if _, _, err := track.ReadRTP(); err != nil {
					return
				}
			}
		}()
	})

	return p, nil
}

// AddLocalTracks attaches captured tracks. Missing tracks still get recvonly
// transceivers so the SDP carries valid m-lines for the requested kinds.
func (p *Peer) AddLocalTracks(audio, video webrtc.TrackLocal, wantVideo bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if audio != nil {
		sender, err := p.pc.AddTrack(audio)
		if err != nil {
			return fmt.Errorf("negotiate: add audio track: %w", err)
		}
		p.audioSender, p.audioTrack = sender, audio
	} else if err := p.addRecvOnly(webrtc.RTPCodecTypeAudio); err != nil {
		return err
	}

	if !wantVideo {
		return nil
	}
	if video != nil {
		sender, err := p.pc.AddTrack(video)
		if err != nil {
			return fmt.Errorf("negotiate: add video track: %w", err)
		}
		p.videoSender, p.videoTrack = sender, video
	} else if err := p.addRecvOnly(webrtc.RTPCodecTypeVideo); err != nil {
		return err
	}
	return nil
}

func (p *Peer) addRecvOnly(kind webrtc.RTPCodecType) error {
	_, err := p.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	if err != nil {
		return fmt.Errorf("negotiate: add %s transceiver: %w", kind, err)
	}
	return nil
}

// CreateOffer produces and installs the local offer. Candidates trickle
// afterwards; the returned SDP is not gathering-complete.
func (p *Peer) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("negotiate: create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("negotiate: set local offer: %w", err)
	}
	return offer, nil
}

// HandleRemoteOffer installs the peer's offer and returns the local answer.
func (p *Peer) HandleRemoteOffer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := p.setRemote(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("negotiate: create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("negotiate: set local answer: %w", err)
	}
	return answer, nil
}

// HandleRemoteAnswer installs the peer's answer on the offering side.
func (p *Peer) HandleRemoteAnswer(answer webrtc.SessionDescription) error {
	return p.setRemote(answer)
}

func (p *Peer) setRemote(desc webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("negotiate: set remote description: %w", err)
	}

	p.mu.Lock()
	p.remoteSet = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, c := range pending {
		if err := p.pc.AddICECandidate(c); err != nil {
			p.log.Warn("apply buffered candidate", "err", err)
		}
	}
	return nil
}

// AddRemoteCandidate applies a trickled candidate, buffering it when the
// remote description has not been installed yet.
func (p *Peer) AddRemoteCandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	if !p.remoteSet {
		p.pending = append(p.pending, c)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	if err := p.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("negotiate: add remote candidate: %w", err)
	}
	return nil
}

// SetAudioEnabled pauses or resumes the outbound audio track. Pausing swaps
// the sender's track for nil, so no renegotiation happens.
func (p *Peer) SetAudioEnabled(enabled bool) error {
	p.mu.Lock()
	sender, track := p.audioSender, p.audioTrack
	p.mu.Unlock()
	return replaceSenderTrack(sender, track, enabled)
}

// SetVideoEnabled pauses or resumes the outbound video track.
func (p *Peer) SetVideoEnabled(enabled bool) error {
	p.mu.Lock()
	sender, track := p.videoSender, p.videoTrack
	p.mu.Unlock()
	return replaceSenderTrack(sender, track, enabled)
}

func replaceSenderTrack(sender *webrtc.RTPSender, track webrtc.TrackLocal, enabled bool) error {
	if sender == nil {
		return nil // no local track of this kind on the call
	}
	if !enabled {
		track = nil
	}
	if err := sender.ReplaceTrack(track); err != nil {
		return fmt.Errorf("negotiate: replace track: %w", err)
	}
	return nil
}

// ReplaceVideoTrack swaps the outbound video source in place, for camera
// flips. The new track must use a codec already negotiated.
func (p *Peer) ReplaceVideoTrack(track webrtc.TrackLocal) error {
	p.mu.Lock()
	sender := p.videoSender
	p.mu.Unlock()
	if sender == nil {
		return errors.New("negotiate: no video sender on this call")
	}
	if err := sender.ReplaceTrack(track); err != nil {
		return fmt.Errorf("negotiate: replace video track: %w", err)
	}
	p.mu.Lock()
	p.videoTrack = track
	p.mu.Unlock()
	return nil
}

func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.pc.Close()
	})
	return err
}
