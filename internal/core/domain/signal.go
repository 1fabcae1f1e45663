package domain

import (
	"encoding/json"
	"fmt"
)

type EnvelopeKind string

const (
	KindOffer     EnvelopeKind = "offer"
	KindAnswer    EnvelopeKind = "answer"
	KindCandidate EnvelopeKind = "candidate"
	KindReject    EnvelopeKind = "reject"
	KindEnd       EnvelopeKind = "end"

	// Relay-originated kinds. Clients never send these.
	KindUnreachable EnvelopeKind = "unreachable"
	KindPeerClosed  EnvelopeKind = "peer_closed"
)

// ClientKind reports whether a client is allowed to send k through the relay.
func (k EnvelopeKind) ClientKind() bool {
	switch k {
	case KindOffer, KindAnswer, KindCandidate, KindReject, KindEnd:
		return true
	}
	return false
}

// Envelope is the routed signaling unit. The relay reads only TargetID and
// Kind, and overwrites SenderID with the authenticated identity.
type Envelope struct {
	SenderID  UserID          `json:"senderId,omitempty"`
	TargetID  UserID          `json:"targetId"`
	SessionID SessionID       `json:"sessionId"`
	Kind      EnvelopeKind    `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type SDPType string

const (
	SDPOffer  SDPType = "offer"
	SDPAnswer SDPType = "answer"
)

type SessionDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

type ClosePayload struct {
	Reason Reason `json:"reason,omitempty"`
}

func NewDescriptionEnvelope(sid SessionID, target UserID, desc SessionDescription) (Envelope, error) {
	var kind EnvelopeKind
	switch desc.Type {
	case SDPOffer:
		kind = KindOffer
	case SDPAnswer:
		kind = KindAnswer
	default:
		return Envelope{}, fmt.Errorf("unsupported sdp type %q", desc.Type)
	}
	payload, err := json.Marshal(desc)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{TargetID: target, SessionID: sid, Kind: kind, Payload: payload}, nil
}

func NewCandidateEnvelope(sid SessionID, target UserID, c ICECandidate) (Envelope, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{TargetID: target, SessionID: sid, Kind: KindCandidate, Payload: payload}, nil
}

func NewCloseEnvelope(kind EnvelopeKind, sid SessionID, target UserID, reason Reason) Envelope {
	env := Envelope{TargetID: target, SessionID: sid, Kind: kind}
	if reason != ReasonNone {
		env.Payload, _ = json.Marshal(ClosePayload{Reason: reason})
	}
	return env
}

// Description decodes an offer or answer payload and checks that its type
// agrees with the envelope kind.
func (e Envelope) Description() (SessionDescription, error) {
	var desc SessionDescription
	if err := json.Unmarshal(e.Payload, &desc); err != nil {
		return SessionDescription{}, fmt.Errorf("decode %s payload: %w", e.Kind, err)
	}
	if string(desc.Type) != string(e.Kind) {
		return SessionDescription{}, fmt.Errorf("%s envelope carries sdp type %q", e.Kind, desc.Type)
	}
	if desc.SDP == "" {
		return SessionDescription{}, fmt.Errorf("%s envelope missing sdp", e.Kind)
	}
	return desc, nil
}

func (e Envelope) Candidate() (ICECandidate, error) {
	var c ICECandidate
	if err := json.Unmarshal(e.Payload, &c); err != nil {
		return ICECandidate{}, fmt.Errorf("decode candidate payload: %w", err)
	}
	if c.Candidate == "" {
		return ICECandidate{}, fmt.Errorf("candidate envelope missing candidate")
	}
	return c, nil
}

// CloseReason returns the reason carried by reject/end envelopes, if any.
func (e Envelope) CloseReason() Reason {
	if len(e.Payload) == 0 {
		return ReasonNone
	}
	var p ClosePayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return ReasonNone
	}
	return p.Reason
}
