package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/pion/webrtc/v4"

	"github.com/amora-app/call-engine/internal/history"
	"github.com/amora-app/call-engine/internal/media"
	"github.com/amora-app/call-engine/internal/metrics"
	"github.com/amora-app/call-engine/internal/negotiate"
	"github.com/amora-app/call-engine/internal/signaling"
)

const (
	evDial      = "dial"
	evRing      = "ring"
	evAnswered  = "answered"
	evAccept    = "accept"
	evEstablish = "establish"
	evHangup    = "hangup"
)

func newCallFSM() *fsm.FSM {
	return fsm.NewFSM(
		string(PhaseIdle),
		fsm.Events{
			{Name: evDial, Src: []string{string(PhaseIdle)}, Dst: string(PhaseCalling)},
			{Name: evRing, Src: []string{string(PhaseIdle)}, Dst: string(PhaseRinging)},
			{Name: evAnswered, Src: []string{string(PhaseCalling)}, Dst: string(PhaseConnecting)},
			{Name: evAccept, Src: []string{string(PhaseRinging)}, Dst: string(PhaseConnecting)},
			{Name: evEstablish, Src: []string{string(PhaseConnecting)}, Dst: string(PhaseConnected)},
			{Name: evHangup, Src: []string{
				string(PhaseCalling), string(PhaseRinging), string(PhaseConnecting), string(PhaseConnected),
			}, Dst: string(PhaseIdle)},
		},
		fsm.Callbacks{},
	)
}

// call bundles one session's state with the resources that live and die with
// it. It exists only while the machine is non-Idle.
type call struct {
	s   CallSession
	fsm *fsm.FSM

	peer     Peer
	audioCap *media.Capture
	videoCap *media.Capture

	// Callee side: offer and candidates received before accept().
	pendingOffer      *webrtc.SessionDescription
	pendingCandidates []webrtc.ICECandidateInit

	ringTimer  Timer
	endEmitted bool
}

type Config struct {
	Logger      *slog.Logger
	LocalUserID string

	Signaler Signaler
	Gate     media.Gate
	Peers    PeerFactory
	Recorder Recorder // optional
	Metrics  Metrics  // optional

	// RingTimeout bounds how long an unanswered call rings on either side.
	RingTimeout time.Duration
	// StaleWindow is how long after teardown events for the same session id
	// are still suppressed.
	StaleWindow time.Duration
	// SignalingGrace is how long an in-flight call survives a dropped relay
	// connection before it is ended.
	SignalingGrace time.Duration

	// Now and AfterFunc exist for deterministic tests.
	Now       func() time.Time
	AfterFunc func(d time.Duration, f func()) Timer
}

// Machine arbitrates the device's single active call.
type Machine struct {
	log       *slog.Logger
	localID   string
	signaler  Signaler
	gate      media.Gate
	peers     PeerFactory
	recorder  Recorder
	metrics   Metrics
	guard     *StaleEventGuard
	now       func() time.Time
	afterFunc func(time.Duration, func()) Timer

	ringTimeout    time.Duration
	signalingGrace time.Duration

	mu         sync.Mutex
	cur        *call
	graceTimer Timer
}

func NewMachine(cfg Config) (*Machine, error) {
	if cfg.Signaler == nil || cfg.Gate == nil || cfg.Peers == nil {
		return nil, errors.New("session: signaler, gate and peer factory are required")
	}
	if cfg.LocalUserID == "" {
		return nil, errors.New("session: local user id is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = 30 * time.Second
	}
	if cfg.SignalingGrace <= 0 {
		cfg.SignalingGrace = 10 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.AfterFunc == nil {
		cfg.AfterFunc = realAfterFunc
	}

	return &Machine{
		log:            cfg.Logger.With("component", "session"),
		localID:        cfg.LocalUserID,
		signaler:       cfg.Signaler,
		gate:           cfg.Gate,
		peers:          cfg.Peers,
		recorder:       cfg.Recorder,
		metrics:        cfg.Metrics,
		guard:          NewStaleEventGuard(cfg.StaleWindow, cfg.Now),
		now:            cfg.Now,
		afterFunc:      cfg.AfterFunc,
		ringTimeout:    cfg.RingTimeout,
		signalingGrace: cfg.SignalingGrace,
	}, nil
}

// State reports the current snapshot. Idle is represented by an empty
// snapshot with phase "idle".
func (m *Machine) State() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		Phase:              PhaseIdle,
		SignalingConnected: m.signaler.Connected(),
	}
	c := m.cur
	if c == nil {
		return snap
	}
	snap.Phase = c.s.Phase
	snap.SessionID = c.s.SessionID
	snap.Role = c.s.Role
	snap.Kind = c.s.Kind
	snap.PeerID = c.s.RemotePeerID
	snap.PeerIdentity = c.s.RemoteIdentity
	snap.Facing = c.s.Facing
	snap.AudioEnabled = c.s.AudioEnabled
	snap.VideoEnabled = c.s.VideoEnabled
	created := c.s.CreatedAt
	snap.CreatedAt = &created
	snap.ConnectedAt = c.s.ConnectedAt
	return snap
}

// Run consumes inbound signaling until the context ends or the channel
// closes. It is the only consumer of msgs, which keeps per-session ordering.
func (m *Machine) Run(ctx context.Context, msgs <-chan signaling.Message) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			m.HandleSignal(msg)
		}
	}
}

// HandleSignal applies one inbound event. Staleness is checked here, once,
// for every event type.
func (m *Machine) HandleSignal(msg signaling.Message) {
	if m.guard.IsStale(msg.SessionID) {
		m.metrics.EventDropped(metrics.DropReasonStale)
		m.log.Debug("dropping stale event", "type", msg.Type, "session_id", msg.SessionID)
		return
	}

	switch msg.Type {
	case signaling.EventCallIncoming:
		m.handleIncoming(msg)
	case signaling.EventCallAnswer:
		m.handleRemoteAnswer(msg)
	case signaling.EventCallReject:
		m.handleRemoteReject(msg)
	case signaling.EventCallEnd:
		m.handleRemoteEnd(msg)
	case signaling.EventICECandidate:
		m.handleRemoteCandidate(msg)
	case signaling.EventCallUnavailable:
		m.handleUnavailable(msg)
	default:
		m.log.Warn("unhandled signaling event", "type", msg.Type)
	}
}

// Initiate starts an outbound call. On any failure the machine is left Idle
// with every acquired resource released.
func (m *Machine) Initiate(ctx context.Context, sessionID, peerID string, kind signaling.CallType) error {
	if sessionID == "" || peerID == "" {
		return errors.New("session: session and peer ids are required")
	}
	if kind != signaling.CallTypeVoice && kind != signaling.CallTypeVideo {
		return fmt.Errorf("session: unsupported call kind %q", kind)
	}

	m.mu.Lock()
	if m.cur != nil {
		m.mu.Unlock()
		return ErrBusy
	}
	if !m.signaler.Connected() {
		m.mu.Unlock()
		return ErrSignalingUnavailable
	}
	c := m.newCall(sessionID, peerID, kind, RoleCaller)
	if err := m.apply(c, evDial); err != nil {
		m.mu.Unlock()
		return err
	}
	// The reservation makes the device busy while media is being acquired.
	m.cur = c
	m.mu.Unlock()

	audioCap, videoCap, err := m.acquireMedia(ctx, kind, c.s.Facing)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != c {
		// Ended while acquiring; discard the late result.
		closeCaptures(audioCap, videoCap)
		return ErrNoActiveCall
	}
	if err != nil {
		m.abortLocked(c)
		return err
	}
	c.audioCap, c.videoCap = audioCap, videoCap

	if err := m.setupPeerLocked(c); err != nil {
		m.abortLocked(c)
		return err
	}
	offer, err := c.peer.CreateOffer(ctx)
	if err != nil {
		m.abortLocked(c)
		return fmt.Errorf("session: create offer: %w", err)
	}
	for _, cand := range c.pendingCandidates {
		if err := c.peer.AddRemoteCandidate(cand); err != nil {
			m.log.Warn("apply buffered candidate", "err", err)
		}
	}
	c.pendingCandidates = nil

	sdp := signaling.SDPFromPion(offer)
	if err := m.signaler.Send(signaling.Message{
		Type:       signaling.EventCallInitiate,
		SessionID:  sessionID,
		ReceiverID: peerID,
		CallType:   kind,
		Offer:      &sdp,
	}); err != nil {
		m.abortLocked(c)
		return fmt.Errorf("%w: %v", ErrSignalingUnavailable, err)
	}

	c.ringTimer = m.afterFunc(m.ringTimeout, func() { m.onRingTimeout(c, OutcomeNoAnswer) })
	m.metrics.CallInitiated(string(kind), string(history.DirectionOutgoing))
	m.log.Info("call initiated", "session_id", sessionID, "peer_id", peerID, "kind", kind)
	return nil
}

// Accept answers the ringing call. On media failure the call stays Ringing so
// the user can retry or reject.
func (m *Machine) Accept(ctx context.Context) error {
	m.mu.Lock()
	c := m.cur
	if c == nil {
		m.mu.Unlock()
		return ErrNoActiveCall
	}
	if c.s.Phase != PhaseRinging {
		m.mu.Unlock()
		return ErrInvalidTransition
	}
	kind, facing := c.s.Kind, c.s.Facing
	m.mu.Unlock()

	audioCap, videoCap, err := m.acquireMedia(ctx, kind, facing)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != c {
		closeCaptures(audioCap, videoCap)
		return ErrNoActiveCall
	}
	if err != nil {
		return err
	}
	if c.s.Phase != PhaseRinging {
		// accept raced with itself; only the first wins.
		closeCaptures(audioCap, videoCap)
		return ErrInvalidTransition
	}
	c.audioCap, c.videoCap = audioCap, videoCap

	if err := m.setupPeerLocked(c); err != nil {
		closeCaptures(c.audioCap, c.videoCap)
		c.audioCap, c.videoCap = nil, nil
		return err
	}
	answer, err := c.peer.HandleRemoteOffer(ctx, *c.pendingOffer)
	if err != nil {
		m.teardownLocked(c, OutcomeNegotiationFailed, true)
		return fmt.Errorf("session: build answer: %w", err)
	}
	for _, cand := range c.pendingCandidates {
		if err := c.peer.AddRemoteCandidate(cand); err != nil {
			m.log.Warn("apply buffered candidate", "err", err)
		}
	}
	c.pendingCandidates = nil

	sdp := signaling.SDPFromPion(answer)
	if err := m.signaler.Send(signaling.Message{
		Type:      signaling.EventCallAnswer,
		SessionID: c.s.SessionID,
		PeerID:    c.s.RemotePeerID,
		Answer:    &sdp,
	}); err != nil {
		m.teardownLocked(c, OutcomeSignalingLost, false)
		return fmt.Errorf("%w: %v", ErrSignalingUnavailable, err)
	}

	m.stopRingTimerLocked(c)
	if err := m.apply(c, evAccept); err != nil {
		return err
	}
	m.pushTrackStateLocked(c)
	m.log.Info("call accepted", "session_id", c.s.SessionID)
	return nil
}

// Reject declines the ringing call without ever touching media.
func (m *Machine) Reject() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.cur
	if c == nil {
		return ErrNoActiveCall
	}
	if c.s.Phase != PhaseRinging {
		return ErrInvalidTransition
	}
	if err := m.signaler.Send(signaling.Message{
		Type:      signaling.EventCallReject,
		SessionID: c.s.SessionID,
		PeerID:    c.s.RemotePeerID,
	}); err != nil {
		m.log.Warn("send reject", "err", err)
	}
	m.teardownLocked(c, OutcomeRejected, false)
	return nil
}

// End hangs up. It is idempotent: with no active call it does nothing.
func (m *Machine) End() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.cur
	if c == nil {
		return nil
	}
	m.teardownLocked(c, OutcomeLocalEnded, true)
	return nil
}

// ToggleAudio flips the outbound audio mute and returns the new state.
func (m *Machine) ToggleAudio() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.cur
	if c == nil {
		return false, ErrNoActiveCall
	}
	c.s.AudioEnabled = !c.s.AudioEnabled
	if c.peer != nil {
		if err := c.peer.SetAudioEnabled(c.s.AudioEnabled); err != nil {
			return c.s.AudioEnabled, err
		}
	}
	return c.s.AudioEnabled, nil
}

// ToggleVideo flips the outbound video mute and returns the new state.
func (m *Machine) ToggleVideo() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.cur
	if c == nil {
		return false, ErrNoActiveCall
	}
	c.s.VideoEnabled = !c.s.VideoEnabled
	if c.peer != nil {
		if err := c.peer.SetVideoEnabled(c.s.VideoEnabled); err != nil {
			return c.s.VideoEnabled, err
		}
	}
	return c.s.VideoEnabled, nil
}

// FlipCamera swaps the camera facing by releasing the current capture,
// acquiring the opposite one and replacing the outbound track in place. The
// capture device is exclusive, so release strictly precedes reacquire.
func (m *Machine) FlipCamera(ctx context.Context) error {
	m.mu.Lock()
	c := m.cur
	if c == nil {
		m.mu.Unlock()
		return ErrNoActiveCall
	}
	if c.s.Kind != signaling.CallTypeVideo {
		m.mu.Unlock()
		return ErrNotVideoCall
	}
	if c.peer == nil {
		m.mu.Unlock()
		return ErrInvalidTransition
	}
	oldCap := c.videoCap
	c.videoCap = nil
	facing := c.s.Facing.Flipped()
	m.mu.Unlock()

	oldCap.Close()
	newCap, err := m.gate.Acquire(ctx, media.Request{Video: true, Facing: facing})

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != c {
		if newCap != nil {
			newCap.Close()
		}
		return ErrNoActiveCall
	}
	if err != nil {
		// The old camera is already released; the call continues without
		// outbound video until the user retries.
		return err
	}
	if err := c.peer.ReplaceVideoTrack(newCap.VideoTrack); err != nil {
		newCap.Close()
		return err
	}
	c.videoCap = newCap
	c.s.Facing = facing
	m.log.Info("camera flipped", "session_id", c.s.SessionID, "facing", facing)
	return nil
}

// OnSignalingUp cancels the disconnect grace timer.
func (m *Machine) OnSignalingUp() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.graceTimer != nil {
		m.graceTimer.Stop()
		m.graceTimer = nil
	}
}

// OnSignalingDown starts the grace timer; if the relay stays unreachable past
// the grace period an in-flight call is ended.
func (m *Machine) OnSignalingDown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil || m.graceTimer != nil {
		return
	}
	m.graceTimer = m.afterFunc(m.signalingGrace, m.onSignalingGraceExpired)
}

func (m *Machine) onSignalingGraceExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.graceTimer = nil
	if m.cur == nil {
		return
	}
	m.log.Warn("signaling lost past grace period, ending call", "session_id", m.cur.s.SessionID)
	m.teardownLocked(m.cur, OutcomeSignalingLost, false)
}

func (m *Machine) handleIncoming(msg signaling.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c := m.cur; c != nil {
		if c.s.SessionID == msg.SessionID {
			// The relay may redeliver; ringing once is ringing.
			m.metrics.EventDropped(metrics.DropReasonDuplicate)
			m.log.Debug("duplicate call_incoming", "session_id", msg.SessionID)
			return
		}
		m.metrics.EventDropped(metrics.DropReasonBusy)
		m.log.Info("rejecting incoming call while busy",
			"session_id", msg.SessionID, "caller_id", msg.CallerID)
		if err := m.signaler.Send(signaling.Message{
			Type:      signaling.EventCallReject,
			SessionID: msg.SessionID,
			PeerID:    msg.CallerID,
		}); err != nil {
			m.log.Warn("send busy reject", "err", err)
		}
		return
	}

	offer, err := msg.Offer.ToPion()
	if err != nil {
		m.log.Warn("invalid inbound offer", "session_id", msg.SessionID, "err", err)
		return
	}

	c := m.newCall(msg.SessionID, msg.CallerID, msg.CallType, RoleCallee)
	c.s.RemoteIdentity = msg.CallerIdentity
	c.pendingOffer = &offer
	if err := m.apply(c, evRing); err != nil {
		return
	}
	c.ringTimer = m.afterFunc(m.ringTimeout, func() { m.onRingTimeout(c, OutcomeMissed) })
	m.cur = c
	m.metrics.CallInitiated(string(c.s.Kind), string(history.DirectionIncoming))
	m.log.Info("incoming call", "session_id", msg.SessionID, "caller_id", msg.CallerID, "kind", msg.CallType)
}

func (m *Machine) handleRemoteAnswer(msg signaling.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.currentFor(msg)
	if c == nil {
		return
	}
	if c.s.Phase != PhaseCalling {
		m.metrics.EventDropped(metrics.DropReasonWrongState)
		return
	}
	if c.peer == nil {
		// Media is still being acquired; no offer has been sent yet, so an
		// answer for this session is out of order.
		m.metrics.EventDropped(metrics.DropReasonWrongState)
		return
	}
	answer, err := msg.Answer.ToPion()
	if err != nil {
		m.log.Warn("invalid remote answer", "session_id", msg.SessionID, "err", err)
		m.teardownLocked(c, OutcomeNegotiationFailed, true)
		return
	}
	if err := c.peer.HandleRemoteAnswer(answer); err != nil {
		m.log.Warn("apply remote answer", "session_id", msg.SessionID, "err", err)
		m.teardownLocked(c, OutcomeNegotiationFailed, true)
		return
	}
	m.stopRingTimerLocked(c)
	_ = m.apply(c, evAnswered)
	m.log.Info("call answered by peer", "session_id", c.s.SessionID)
}

func (m *Machine) handleRemoteReject(msg signaling.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.currentFor(msg)
	if c == nil {
		return
	}
	m.teardownLocked(c, OutcomeRejectedByPeer, false)
}

func (m *Machine) handleRemoteEnd(msg signaling.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.currentFor(msg)
	if c == nil {
		return
	}
	// The peer already hung up; re-notifying them would be noise.
	m.teardownLocked(c, OutcomeRemoteEnded, false)
}

func (m *Machine) handleUnavailable(msg signaling.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.currentFor(msg)
	if c == nil {
		return
	}
	m.teardownLocked(c, OutcomeRemoteUnavailable, false)
}

func (m *Machine) handleRemoteCandidate(msg signaling.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.currentFor(msg)
	if c == nil {
		return
	}
	m.metrics.CandidateTrickled("inbound")
	cand := msg.Candidate.ToPion()
	if c.peer == nil {
		// No negotiator yet, on either side; hold the candidate for the flush.
		c.pendingCandidates = append(c.pendingCandidates, cand)
		return
	}
	if err := c.peer.AddRemoteCandidate(cand); err != nil {
		m.log.Warn("add remote candidate", "session_id", c.s.SessionID, "err", err)
	}
}

// currentFor returns the active call when the event addresses it, counting a
// drop metric otherwise. Callers must hold m.mu.
func (m *Machine) currentFor(msg signaling.Message) *call {
	c := m.cur
	if c == nil || c.s.SessionID != msg.SessionID {
		m.metrics.EventDropped(metrics.DropReasonWrongState)
		m.log.Debug("event for unknown session", "type", msg.Type, "session_id", msg.SessionID)
		return nil
	}
	return c
}

func (m *Machine) onRingTimeout(c *call, outcome Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != c {
		return
	}
	if c.s.Phase != PhaseCalling && c.s.Phase != PhaseRinging {
		return
	}
	m.log.Info("ring timeout", "session_id", c.s.SessionID, "outcome", outcome)
	// Nothing was established on the far side, so there is nothing to end.
	m.teardownLocked(c, outcome, false)
}

func (m *Machine) onPeerConnected(c *call) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != c {
		return
	}
	if c.s.Phase != PhaseConnecting {
		return
	}
	if err := m.apply(c, evEstablish); err != nil {
		return
	}
	now := m.now()
	c.s.ConnectedAt = &now
	m.metrics.CallConnected(string(c.s.Kind))
	m.log.Info("call connected", "session_id", c.s.SessionID, "kind", c.s.Kind)
}

func (m *Machine) onPeerTerminated(c *call, state webrtc.PeerConnectionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != c {
		return
	}
	m.log.Warn("negotiation terminated", "session_id", c.s.SessionID, "state", state.String())
	m.teardownLocked(c, OutcomeNegotiationFailed, true)
}

func (m *Machine) newCall(sessionID, peerID string, kind signaling.CallType, role Role) *call {
	now := m.now()
	return &call{
		s: CallSession{
			SessionID:        sessionID,
			Role:             role,
			Kind:             kind,
			Phase:            PhaseIdle,
			LocalPeerID:      m.localID,
			RemotePeerID:     peerID,
			Facing:           media.FacingFront,
			AudioEnabled:     true,
			VideoEnabled:     kind == signaling.CallTypeVideo,
			CreatedAt:        now,
			LastTransitionAt: now,
		},
		fsm: newCallFSM(),
	}
}

// apply runs one state machine event and mirrors the result into the session.
func (m *Machine) apply(c *call, event string) error {
	if err := c.fsm.Event(context.Background(), event); err != nil {
		m.log.Warn("invalid transition", "session_id", c.s.SessionID, "event", event, "phase", c.s.Phase)
		return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, event, c.s.Phase)
	}
	c.s.Phase = Phase(c.fsm.Current())
	c.s.LastTransitionAt = m.now()
	return nil
}

// acquireMedia gets the tracks a call of this kind needs. Denied camera
// access on a video call releases the microphone too; a partial stream is
// never substituted.
func (m *Machine) acquireMedia(ctx context.Context, kind signaling.CallType, facing media.Facing) (*media.Capture, *media.Capture, error) {
	audioCap, err := m.gate.Acquire(ctx, media.Request{Audio: true})
	if err != nil {
		return nil, nil, err
	}
	if kind != signaling.CallTypeVideo {
		return audioCap, nil, nil
	}
	videoCap, err := m.gate.Acquire(ctx, media.Request{Video: true, Facing: facing})
	if err != nil {
		audioCap.Close()
		return nil, nil, err
	}
	return audioCap, videoCap, nil
}

func (m *Machine) setupPeerLocked(c *call) error {
	peer, err := m.peers.NewPeer(c.s.SessionID, negotiate.Hooks{
		OnLocalCandidate: func(init webrtc.ICECandidateInit) {
			m.sendLocalCandidate(c, init)
		},
		OnConnected: func() {
			go m.onPeerConnected(c)
		},
		OnTerminated: func(state webrtc.PeerConnectionState) {
			go m.onPeerTerminated(c, state)
		},
	})
	if err != nil {
		return fmt.Errorf("session: new peer: %w", err)
	}
	c.peer = peer

	var audio, video webrtc.TrackLocal
	if c.audioCap != nil {
		audio = c.audioCap.AudioTrack
	}
	if c.videoCap != nil {
		video = c.videoCap.VideoTrack
	}
	if err := peer.AddLocalTracks(audio, video, c.s.Kind == signaling.CallTypeVideo); err != nil {
		return fmt.Errorf("session: add local tracks: %w", err)
	}
	return nil
}

func (m *Machine) sendLocalCandidate(c *call, init webrtc.ICECandidateInit) {
	m.mu.Lock()
	if m.cur != c {
		m.mu.Unlock()
		return
	}
	sessionID, peerID := c.s.SessionID, c.s.RemotePeerID
	m.mu.Unlock()

	cand := signaling.CandidateFromPion(init)
	if err := m.signaler.Send(signaling.Message{
		Type:       signaling.EventICECandidate,
		SessionID:  sessionID,
		ReceiverID: peerID,
		Candidate:  &cand,
	}); err != nil {
		m.log.Debug("trickle candidate", "session_id", sessionID, "err", err)
		return
	}
	m.metrics.CandidateTrickled("outbound")
}

// pushTrackStateLocked reapplies mute toggles after tracks attach, so a mute
// set while Ringing survives into the connected call.
func (m *Machine) pushTrackStateLocked(c *call) {
	if c.peer == nil {
		return
	}
	if !c.s.AudioEnabled {
		if err := c.peer.SetAudioEnabled(false); err != nil {
			m.log.Warn("apply audio mute", "err", err)
		}
	}
	if !c.s.VideoEnabled {
		if err := c.peer.SetVideoEnabled(false); err != nil {
			m.log.Warn("apply video mute", "err", err)
		}
	}
}

func (m *Machine) stopRingTimerLocked(c *call) {
	if c.ringTimer != nil {
		c.ringTimer.Stop()
		c.ringTimer = nil
	}
}

// abortLocked rolls back a call that never announced itself. No End is sent,
// no stale record is kept and nothing reaches history.
func (m *Machine) abortLocked(c *call) {
	m.stopRingTimerLocked(c)
	if c.peer != nil {
		_ = c.peer.Close()
		c.peer = nil
	}
	closeCaptures(c.audioCap, c.videoCap)
	c.audioCap, c.videoCap = nil, nil
	if m.cur == c {
		m.cur = nil
	}
}

// teardownLocked is the single terminal path. Every way a call can die goes
// through here exactly once.
func (m *Machine) teardownLocked(c *call, outcome Outcome, notifyPeer bool) {
	m.stopRingTimerLocked(c)

	if notifyPeer && !c.endEmitted && c.s.RemotePeerID != "" {
		if err := m.signaler.Send(signaling.Message{
			Type:      signaling.EventCallEnd,
			SessionID: c.s.SessionID,
			PeerID:    c.s.RemotePeerID,
		}); err != nil {
			m.log.Warn("send end", "session_id", c.s.SessionID, "err", err)
		} else {
			c.endEmitted = true
		}
	}

	if c.peer != nil {
		_ = c.peer.Close()
		c.peer = nil
	}
	closeCaptures(c.audioCap, c.videoCap)
	c.audioCap, c.videoCap = nil, nil

	m.guard.MarkEnded(c.s.SessionID)
	_ = m.apply(c, evHangup)
	if m.cur == c {
		m.cur = nil
	}
	m.metrics.CallEnded(string(outcome))
	m.log.Info("call ended",
		"session_id", c.s.SessionID, "outcome", outcome, "role", c.s.Role, "kind", c.s.Kind)

	if m.recorder != nil {
		rec := history.Record{
			SessionID:   c.s.SessionID,
			PeerID:      c.s.RemotePeerID,
			Direction:   directionFor(c.s.Role),
			Kind:        string(c.s.Kind),
			Outcome:     string(outcome),
			StartedAt:   c.s.CreatedAt,
			ConnectedAt: c.s.ConnectedAt,
			EndedAt:     m.now(),
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := m.recorder.Add(ctx, rec); err != nil {
				m.log.Warn("record call history", "session_id", rec.SessionID, "err", err)
			}
		}()
	}
}

func directionFor(role Role) history.Direction {
	if role == RoleCallee {
		return history.DirectionIncoming
	}
	return history.DirectionOutgoing
}

func closeCaptures(caps ...*media.Capture) {
	for _, c := range caps {
		c.Close()
	}
}
