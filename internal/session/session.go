// Package session holds the authoritative state machine for the device's
// single active call. Every mutating trigger, whether a user intent, an
// inbound signaling event, a negotiation callback or a timer, is applied
// through one serialized transition path.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/amora-app/call-engine/internal/history"
	"github.com/amora-app/call-engine/internal/media"
	"github.com/amora-app/call-engine/internal/negotiate"
	"github.com/amora-app/call-engine/internal/signaling"
)

var (
	// ErrBusy means a call is already active; the device handles one at a time.
	ErrBusy = errors.New("session: another call is active")
	// ErrNoActiveCall means the operation needs a call and none exists.
	ErrNoActiveCall = errors.New("session: no active call")
	// ErrInvalidTransition means the current phase does not allow the operation.
	ErrInvalidTransition = errors.New("session: invalid transition")
	// ErrSignalingUnavailable means the relay connection is down, so a call
	// cannot be started.
	ErrSignalingUnavailable = errors.New("session: signaling unavailable")
	// ErrNotVideoCall means a camera operation was attempted on a voice call.
	ErrNotVideoCall = errors.New("session: not a video call")
)

// Phase values double as the state names of the per-call machine.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseCalling    Phase = "calling"
	PhaseRinging    Phase = "ringing"
	PhaseConnecting Phase = "connecting"
	PhaseConnected  Phase = "connected"
)

type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// Outcome names why a call reached Idle. It feeds call history and metrics.
type Outcome string

const (
	OutcomeLocalEnded        Outcome = "local_ended"
	OutcomeRemoteEnded       Outcome = "remote_ended"
	OutcomeRejected          Outcome = "rejected"
	OutcomeRejectedByPeer    Outcome = "rejected_by_peer"
	OutcomeNoAnswer          Outcome = "no_answer"
	OutcomeMissed            Outcome = "missed"
	OutcomeRemoteUnavailable Outcome = "remote_unavailable"
	OutcomeNegotiationFailed Outcome = "negotiation_failed"
	OutcomeSignalingLost     Outcome = "signaling_lost"
)

// CallSession is the owned state of one call. It is only ever mutated while
// holding the machine's lock.
type CallSession struct {
	SessionID      string
	Role           Role
	Kind           signaling.CallType
	Phase          Phase
	LocalPeerID    string
	RemotePeerID   string
	RemoteIdentity string
	Facing         media.Facing
	AudioEnabled   bool
	VideoEnabled   bool

	CreatedAt        time.Time
	LastTransitionAt time.Time
	ConnectedAt      *time.Time
}

// Snapshot is the externally visible view of the machine.
type Snapshot struct {
	Phase              Phase              `json:"phase"`
	SessionID          string             `json:"sessionId,omitempty"`
	Role               Role               `json:"role,omitempty"`
	Kind               signaling.CallType `json:"kind,omitempty"`
	PeerID             string             `json:"peerId,omitempty"`
	PeerIdentity       string             `json:"peerIdentity,omitempty"`
	Facing             media.Facing       `json:"facing,omitempty"`
	AudioEnabled       bool               `json:"audioEnabled"`
	VideoEnabled       bool               `json:"videoEnabled"`
	CreatedAt          *time.Time         `json:"createdAt,omitempty"`
	ConnectedAt        *time.Time         `json:"connectedAt,omitempty"`
	SignalingConnected bool               `json:"signalingConnected"`
}

// Signaler is the slice of the signaling channel the machine needs.
type Signaler interface {
	Send(signaling.Message) error
	Connected() bool
}

// Peer is one call's negotiation handle.
type Peer interface {
	AddLocalTracks(audio, video webrtc.TrackLocal, wantVideo bool) error
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	HandleRemoteOffer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	HandleRemoteAnswer(answer webrtc.SessionDescription) error
	AddRemoteCandidate(c webrtc.ICECandidateInit) error
	SetAudioEnabled(enabled bool) error
	SetVideoEnabled(enabled bool) error
	ReplaceVideoTrack(track webrtc.TrackLocal) error
	Close() error
}

// PeerFactory builds a Peer per call. Implementations decide the ICE servers,
// including per-session ephemeral TURN credentials.
type PeerFactory interface {
	NewPeer(sessionID string, hooks negotiate.Hooks) (Peer, error)
}

// Recorder persists finished calls. history.Store satisfies it.
type Recorder interface {
	Add(ctx context.Context, rec history.Record) error
}

// Metrics receives the machine's counter events. All methods must be cheap
// and non-blocking.
type Metrics interface {
	CallInitiated(kind, direction string)
	CallConnected(kind string)
	CallEnded(outcome string)
	EventDropped(reason string)
	CandidateTrickled(direction string)
}

type nopMetrics struct{}

func (nopMetrics) CallInitiated(string, string) {}
func (nopMetrics) CallConnected(string)         {}
func (nopMetrics) CallEnded(string)             {}
func (nopMetrics) EventDropped(string)          {}
func (nopMetrics) CandidateTrickled(string)     {}

// Timer is the stoppable handle returned by the machine's timer source.
// *time.Timer satisfies it.
type Timer interface {
	Stop() bool
}

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
