package domain

import (
	"fmt"
	"time"
)

type CallState string

const (
	StateIdle      CallState = "idle"
	StateDialing   CallState = "dialing"
	StateRinging   CallState = "ringing"
	StateConnected CallState = "connected"
	StateEnded     CallState = "ended"
	StateFailed    CallState = "failed"
)

func (s CallState) Terminal() bool {
	return s == StateEnded || s == StateFailed
}

func (s CallState) String() string {
	return string(s)
}

var transitions = map[CallState][]CallState{
	StateIdle:      {StateDialing, StateRinging},
	StateDialing:   {StateConnected, StateEnded, StateFailed},
	StateRinging:   {StateConnected, StateEnded, StateFailed},
	StateConnected: {StateConnected, StateEnded, StateFailed},
}

// CanTransition reports whether the lifecycle allows moving from one state to
// another. Terminal states have no outgoing edges.
func CanTransition(from, to CallState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Role string

const (
	RoleInitiator Role = "initiator"
	RoleCallee    Role = "callee"
)

// Reason is the machine-readable cause attached to a terminal state. The UI
// derives its human-readable messaging from it.
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonLocalHangup         Reason = "local_hangup"
	ReasonRemoteHangup        Reason = "remote_hangup"
	ReasonRejected            Reason = "rejected"
	ReasonRemoteRejected      Reason = "remote_rejected"
	ReasonBusy                Reason = "busy"
	ReasonTimeout             Reason = "timeout"
	ReasonPeerUnreachable     Reason = "peer_unreachable"
	ReasonPeerDisconnected    Reason = "peer_disconnected"
	ReasonNegotiationTimeout  Reason = "negotiation_timeout"
	ReasonConnectivityTimeout Reason = "connectivity_timeout"
	ReasonConnectionLost      Reason = "connection_lost"
	ReasonMediaPermission     Reason = "media_permission_denied"
	ReasonMediaNoDevice       Reason = "media_no_device"
	ReasonMediaBusy           Reason = "media_device_busy"
	ReasonMediaPipeline       Reason = "media_pipeline_error"
	ReasonShutdown            Reason = "shutdown"
)

type MediaFlags struct {
	AudioEnabled  bool `json:"audioEnabled"`
	VideoEnabled  bool `json:"videoEnabled"`
	ScreenSharing bool `json:"screenSharing"`
}

// CallSession is the authoritative record of one call attempt as seen by the
// local endpoint.
type CallSession struct {
	ID          SessionID  `json:"id"`
	InitiatorID UserID     `json:"initiatorId"`
	TargetID    UserID     `json:"targetId"`
	Role        Role       `json:"role"`
	State       CallState  `json:"state"`
	Reason      Reason     `json:"reason,omitempty"`
	Media       MediaFlags `json:"mediaFlags"`

	// ReplacedID is the id this session carried before glare resolution
	// adopted the remote offer's id.
	ReplacedID SessionID `json:"replacedId,omitempty"`

	StartedAt   time.Time `json:"startedAt"`
	ConnectedAt time.Time `json:"connectedAt,omitzero"`
	EndedAt     time.Time `json:"endedAt,omitzero"`
}

func NewOutgoingSession(self, target UserID, now time.Time) *CallSession {
	return &CallSession{
		ID:          NewSessionID(),
		InitiatorID: self,
		TargetID:    target,
		Role:        RoleInitiator,
		State:       StateIdle,
		Media:       MediaFlags{AudioEnabled: true, VideoEnabled: true},
		StartedAt:   now,
	}
}

func NewIncomingSession(id SessionID, from, self UserID, now time.Time) *CallSession {
	return &CallSession{
		ID:          id,
		InitiatorID: from,
		TargetID:    self,
		Role:        RoleCallee,
		State:       StateIdle,
		Media:       MediaFlags{AudioEnabled: true, VideoEnabled: true},
		StartedAt:   now,
	}
}

// Transition moves the session to state to. Entering a terminal state records
// reason and the end time; the first entry into Connected records the connect
// time.
func (c *CallSession) Transition(to CallState, reason Reason, now time.Time) error {
	if c.State.Terminal() {
		return fmt.Errorf("%w: %s is terminal", ErrTerminal, c.State)
	}
	if !CanTransition(c.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.State, to)
	}
	if to == StateConnected && c.State != StateConnected {
		c.ConnectedAt = now
	}
	if to.Terminal() {
		c.Reason = reason
		c.EndedAt = now
	}
	c.State = to
	return nil
}

// Peer returns the other participant from self's point of view.
func (c *CallSession) Peer(self UserID) UserID {
	if c.InitiatorID == self {
		return c.TargetID
	}
	return c.InitiatorID
}

// Participants lists both identities of the two-party call.
func (c *CallSession) Participants() []UserID {
	return []UserID{c.InitiatorID, c.TargetID}
}

// Duration is the connected time so far, or the final connected time once the
// session ended.
func (c *CallSession) Duration(now time.Time) time.Duration {
	if c.ConnectedAt.IsZero() {
		return 0
	}
	if !c.EndedAt.IsZero() {
		return c.EndedAt.Sub(c.ConnectedAt)
	}
	return now.Sub(c.ConnectedAt)
}
