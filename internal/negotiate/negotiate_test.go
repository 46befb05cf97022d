package negotiate

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/amora-app/call-engine/internal/media"
)

// fakeGate produces a static Opus track so the handshake tests do not need
// capture hardware.
type fakeGate struct{}

func (fakeGate) ConfigureEngine(engine *webrtc.MediaEngine) error {
	return engine.RegisterDefaultCodecs()
}

func (fakeGate) Acquire(_ context.Context, req media.Request) (*media.Capture, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "amora",
	)
	if err != nil {
		return nil, err
	}
	return &media.Capture{AudioTrack: track}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// virtualPair builds two factories whose peers share a virtual router, so the
// handshake runs without touching the host network.
func virtualPair(t *testing.T) (*Factory, *Factory) {
	t.Helper()

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.9.0.0/24",
		LoggerFactory: newSlogFactory(testLogger()),
	})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	netA, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.9.0.10"}})
	if err != nil {
		t.Fatalf("NewNet A: %v", err)
	}
	netB, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.9.0.11"}})
	if err != nil {
		t.Fatalf("NewNet B: %v", err)
	}
	if err := router.AddNet(netA); err != nil {
		t.Fatalf("AddNet A: %v", err)
	}
	if err := router.AddNet(netB); err != nil {
		t.Fatalf("AddNet B: %v", err)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("router.Start: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })

	factoryA, err := NewFactory(Config{Logger: testLogger(), Gate: fakeGate{}, Net: netA})
	if err != nil {
		t.Fatalf("NewFactory A: %v", err)
	}
	factoryB, err := NewFactory(Config{Logger: testLogger(), Gate: fakeGate{}, Net: netB})
	if err != nil {
		t.Fatalf("NewFactory B: %v", err)
	}
	return factoryA, factoryB
}

func TestOfferAnswerHandshakeConnects(t *testing.T) {
	factoryA, factoryB := virtualPair(t)

	connectedA := make(chan struct{})
	connectedB := make(chan struct{})
	candsForB := make(chan webrtc.ICECandidateInit, 16)
	candsForA := make(chan webrtc.ICECandidateInit, 16)

	peerA, err := factoryA.NewPeer("sess_hs", nil, Hooks{
		OnLocalCandidate: func(c webrtc.ICECandidateInit) { candsForB <- c },
		OnConnected:      func() { close(connectedA) },
	})
	if err != nil {
		t.Fatalf("NewPeer A: %v", err)
	}
	defer peerA.Close()

	peerB, err := factoryB.NewPeer("sess_hs", nil, Hooks{
		OnLocalCandidate: func(c webrtc.ICECandidateInit) { candsForA <- c },
		OnConnected:      func() { close(connectedB) },
	})
	if err != nil {
		t.Fatalf("NewPeer B: %v", err)
	}
	defer peerB.Close()

	gate := fakeGate{}
	capA, err := gate.Acquire(context.Background(), media.Request{Audio: true})
	if err != nil {
		t.Fatalf("Acquire A: %v", err)
	}
	capB, err := gate.Acquire(context.Background(), media.Request{Audio: true})
	if err != nil {
		t.Fatalf("Acquire B: %v", err)
	}
	if err := peerA.AddLocalTracks(capA.AudioTrack, nil, false); err != nil {
		t.Fatalf("AddLocalTracks A: %v", err)
	}
	if err := peerB.AddLocalTracks(capB.AudioTrack, nil, false); err != nil {
		t.Fatalf("AddLocalTracks B: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	offer, err := peerA.CreateOffer(ctx)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	answer, err := peerB.HandleRemoteOffer(ctx, offer)
	if err != nil {
		t.Fatalf("HandleRemoteOffer: %v", err)
	}
	if err := peerA.HandleRemoteAnswer(answer); err != nil {
		t.Fatalf("HandleRemoteAnswer: %v", err)
	}

	// Trickle candidates both ways until both sides report connected.
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case c := <-candsForB:
				_ = peerB.AddRemoteCandidate(c)
			case c := <-candsForA:
				_ = peerA.AddRemoteCandidate(c)
			case <-done:
				return
			}
		}
	}()

	for _, ch := range []chan struct{}{connectedA, connectedB} {
		select {
		case <-ch:
		case <-ctx.Done():
			t.Fatal("timed out waiting for peers to connect")
		}
	}
}

func TestRemoteCandidatesBufferedUntilDescription(t *testing.T) {
	factory, err := NewFactory(Config{Logger: testLogger(), Gate: fakeGate{}})
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	peer, err := factory.NewPeer("sess_buf", nil, Hooks{})
	if err != nil {
		t.Fatalf("NewPeer: %v", err)
	}
	defer peer.Close()

	c := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 192.0.2.7 50000 typ host"}
	if err := peer.AddRemoteCandidate(c); err != nil {
		t.Fatalf("AddRemoteCandidate: %v", err)
	}

	peer.mu.Lock()
	buffered := len(peer.pending)
	peer.mu.Unlock()
	if buffered != 1 {
		t.Errorf("pending candidates = %d, want 1", buffered)
	}
}

func TestTrackControlsWithoutSenders(t *testing.T) {
	factory, err := NewFactory(Config{Logger: testLogger(), Gate: fakeGate{}})
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	peer, err := factory.NewPeer("sess_mute", nil, Hooks{})
	if err != nil {
		t.Fatalf("NewPeer: %v", err)
	}
	defer peer.Close()

	// Muting a kind the call never captured is a no-op, not an error.
	if err := peer.SetAudioEnabled(false); err != nil {
		t.Errorf("SetAudioEnabled: %v", err)
	}
	if err := peer.SetVideoEnabled(true); err != nil {
		t.Errorf("SetVideoEnabled: %v", err)
	}
	if err := peer.ReplaceVideoTrack(nil); err == nil {
		t.Error("ReplaceVideoTrack without a sender should fail")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	factory, err := NewFactory(Config{Logger: testLogger(), Gate: fakeGate{}})
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	peer, err := factory.NewPeer("sess_close", nil, Hooks{})
	if err != nil {
		t.Fatalf("NewPeer: %v", err)
	}
	if err := peer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := peer.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestTerminalStates(t *testing.T) {
	tests := []struct {
		state webrtc.PeerConnectionState
		want  bool
	}{
		{webrtc.PeerConnectionStateNew, false},
		{webrtc.PeerConnectionStateConnecting, false},
		{webrtc.PeerConnectionStateConnected, false},
		{webrtc.PeerConnectionStateDisconnected, true},
		{webrtc.PeerConnectionStateFailed, true},
		{webrtc.PeerConnectionStateClosed, true},
	}
	for _, tc := range tests {
		if got := terminalState(tc.state); got != tc.want {
			t.Errorf("terminalState(%s) = %v, want %v", tc.state, got, tc.want)
		}
	}
}
