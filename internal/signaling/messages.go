package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

type EventType string

const (
	// Outbound (device -> relay).
	EventCallInitiate EventType = "call_initiate"
	// Inbound (relay -> device).
	EventCallIncoming EventType = "call_incoming"
	// Both directions.
	EventCallAnswer   EventType = "call_answer"
	EventCallReject   EventType = "call_reject"
	EventCallEnd      EventType = "call_end"
	EventICECandidate EventType = "webrtc_ice_candidate"
	// Inbound only: the relay could not deliver call_initiate to the callee.
	EventCallUnavailable EventType = "call_unavailable"
)

type CallType string

const (
	CallTypeVoice CallType = "voice"
	CallTypeVideo CallType = "video"
)

// SDP is the JSON-friendly session description exchanged over the relay.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// Candidate is a trickled ICE candidate on the wire.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Message is one signaling event. Which fields are set depends on Type; see
// Validate. Every message names the call session it belongs to.
type Message struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`

	// call_initiate / webrtc_ice_candidate (outbound addressing).
	ReceiverID string `json:"receiverId,omitempty"`
	// call_incoming.
	CallerID       string `json:"callerId,omitempty"`
	CallerIdentity string `json:"callerIdentity,omitempty"`
	// call_answer / call_reject / call_end.
	PeerID string `json:"peerId,omitempty"`

	CallType  CallType   `json:"callType,omitempty"`
	Offer     *SDP       `json:"offer,omitempty"`
	Answer    *SDP       `json:"answer,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`
}

// Parse decodes and validates one wire message. Unknown fields and trailing
// data are rejected so a confused relay fails loudly instead of silently.
func Parse(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("unexpected trailing data")
	}
	return msg, nil
}

func (m Message) Validate() error {
	if m.SessionID == "" {
		return fmt.Errorf("%s message missing sessionId", m.Type)
	}

	switch m.Type {
	case EventCallInitiate:
		if m.ReceiverID == "" {
			return fmt.Errorf("call_initiate missing receiverId")
		}
		if err := validateCallType(m.CallType); err != nil {
			return err
		}
		if m.Offer == nil {
			return fmt.Errorf("call_initiate missing offer")
		}
		if m.Offer.Type != "offer" {
			return fmt.Errorf("call_initiate has offer.type=%q", m.Offer.Type)
		}
		if m.Answer != nil || m.Candidate != nil || m.CallerID != "" || m.PeerID != "" {
			return fmt.Errorf("call_initiate has unexpected fields")
		}
	case EventCallIncoming:
		if m.CallerID == "" {
			return fmt.Errorf("call_incoming missing callerId")
		}
		if err := validateCallType(m.CallType); err != nil {
			return err
		}
		if m.Offer == nil {
			return fmt.Errorf("call_incoming missing offer")
		}
		if m.Offer.Type != "offer" {
			return fmt.Errorf("call_incoming has offer.type=%q", m.Offer.Type)
		}
		if m.Answer != nil || m.Candidate != nil || m.ReceiverID != "" || m.PeerID != "" {
			return fmt.Errorf("call_incoming has unexpected fields")
		}
	case EventCallAnswer:
		if m.PeerID == "" {
			return fmt.Errorf("call_answer missing peerId")
		}
		if m.Answer == nil {
			return fmt.Errorf("call_answer missing answer")
		}
		if m.Answer.Type != "answer" {
			return fmt.Errorf("call_answer has answer.type=%q", m.Answer.Type)
		}
		if m.Offer != nil || m.Candidate != nil || m.ReceiverID != "" || m.CallerID != "" {
			return fmt.Errorf("call_answer has unexpected fields")
		}
	case EventCallReject, EventCallEnd:
		if m.PeerID == "" {
			return fmt.Errorf("%s missing peerId", m.Type)
		}
		if m.Offer != nil || m.Answer != nil || m.Candidate != nil || m.ReceiverID != "" || m.CallerID != "" || m.CallType != "" {
			return fmt.Errorf("%s has unexpected fields", m.Type)
		}
	case EventICECandidate:
		if m.ReceiverID == "" {
			return fmt.Errorf("webrtc_ice_candidate missing receiverId")
		}
		if m.Candidate == nil {
			return fmt.Errorf("webrtc_ice_candidate missing candidate")
		}
		if m.Offer != nil || m.Answer != nil || m.CallerID != "" || m.PeerID != "" || m.CallType != "" {
			return fmt.Errorf("webrtc_ice_candidate has unexpected fields")
		}
	case EventCallUnavailable:
		if m.Offer != nil || m.Answer != nil || m.Candidate != nil || m.ReceiverID != "" || m.CallerID != "" || m.PeerID != "" || m.CallType != "" {
			return fmt.Errorf("call_unavailable has unexpected fields")
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

func validateCallType(t CallType) error {
	switch t {
	case CallTypeVoice, CallTypeVideo:
		return nil
	default:
		return fmt.Errorf("unsupported call type %q", t)
	}
}
