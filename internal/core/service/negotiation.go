package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/rs/zerolog"
)

var errNoPendingOffer = errors.New("no pending offer")

const candidateSendTimeout = 5 * time.Second

// Negotiator drives the offer/answer exchange of one session over one peer
// connection. Remote candidates are held until the remote description is
// applied. Local candidates go out as soon as they are gathered; a peer that
// sees one before our description holds it until the description arrives.
type Negotiator struct {
	sid      domain.SessionID
	peer     domain.UserID
	pc       port.PeerConnection
	signaler port.Signaler
	log      zerolog.Logger

	candidates *CandidateBuffer

	mu           sync.Mutex
	pendingOffer *domain.SessionDescription
	closed       bool
}

func NewNegotiator(sid domain.SessionID, peer domain.UserID, pc port.PeerConnection, signaler port.Signaler, l zerolog.Logger) *Negotiator {
	n := &Negotiator{
		sid:      sid,
		peer:     peer,
		pc:       pc,
		signaler: signaler,
		log:      l,
	}
	n.candidates = NewCandidateBuffer(pc.AddICECandidate, l)
	pc.OnICECandidate(n.onLocalCandidate)
	return n
}

func (n *Negotiator) SessionID() domain.SessionID { return n.sid }

func (n *Negotiator) PeerConnection() port.PeerConnection { return n.pc }

func (n *Negotiator) Candidates() *CandidateBuffer { return n.candidates }

// Offer creates and sends a local offer.
func (n *Negotiator) Offer(ctx context.Context) error {
	desc, err := n.pc.CreateOffer(ctx)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := n.pc.SetLocalDescription(ctx, desc); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	return n.sendDescription(ctx, desc)
}

// StoreOffer keeps a remote offer until the local user accepts.
func (n *Negotiator) StoreOffer(desc domain.SessionDescription) {
	n.mu.Lock()
	n.pendingOffer = &desc
	n.mu.Unlock()
}

func (n *Negotiator) HasPendingOffer() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pendingOffer != nil
}

// Answer applies the stored offer, releases buffered candidates and sends
// the answer.
func (n *Negotiator) Answer(ctx context.Context) error {
	n.mu.Lock()
	offer := n.pendingOffer
	n.pendingOffer = nil
	n.mu.Unlock()
	if offer == nil {
		return errNoPendingOffer
	}

	if err := n.pc.SetRemoteDescription(ctx, *offer); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	if drained := n.candidates.Drain(); drained > 0 {
		n.log.Debug().Int("count", drained).Msg("Applied buffered candidates")
	}
	answer, err := n.pc.CreateAnswer(ctx)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := n.pc.SetLocalDescription(ctx, answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	return n.sendDescription(ctx, answer)
}

// ApplyAnswer completes a locally initiated exchange.
func (n *Negotiator) ApplyAnswer(ctx context.Context, desc domain.SessionDescription) error {
	if err := n.pc.SetRemoteDescription(ctx, desc); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	if drained := n.candidates.Drain(); drained > 0 {
		n.log.Debug().Int("count", drained).Msg("Applied buffered candidates")
	}
	return nil
}

func (n *Negotiator) AddRemoteCandidate(c domain.ICECandidate) {
	n.candidates.BufferOrApply(c)
}

// Renegotiate sends a fresh offer on the established connection.
func (n *Negotiator) Renegotiate(ctx context.Context) error {
	n.log.Debug().Msg("Renegotiating")
	return n.Offer(ctx)
}

// HandleRenegotiationOffer answers an offer received on an established
// connection.
func (n *Negotiator) HandleRenegotiationOffer(ctx context.Context, desc domain.SessionDescription) error {
	n.StoreOffer(desc)
	return n.Answer(ctx)
}

func (n *Negotiator) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.pendingOffer = nil
	n.mu.Unlock()

	n.candidates.Clear()
	return n.pc.Close()
}

func (n *Negotiator) sendDescription(ctx context.Context, desc domain.SessionDescription) error {
	env, err := domain.NewDescriptionEnvelope(n.sid, n.peer, desc)
	if err != nil {
		return err
	}
	if err := n.signaler.Send(ctx, env); err != nil {
		return fmt.Errorf("send %s: %w", desc.Type, err)
	}
	return nil
}

func (n *Negotiator) onLocalCandidate(c domain.ICECandidate) {
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if !closed {
		n.sendCandidate(c)
	}
}

func (n *Negotiator) sendCandidate(c domain.ICECandidate) {
	env, err := domain.NewCandidateEnvelope(n.sid, n.peer, c)
	if err != nil {
		n.log.Warn().Err(err).Msg("Encoding local candidate")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), candidateSendTimeout)
	defer cancel()
	if err := n.signaler.Send(ctx, env); err != nil {
		n.log.Debug().Err(err).Msg("Sending local candidate")
	}
}
