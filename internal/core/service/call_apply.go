package service

import (
	"context"
	"errors"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/rs/zerolog"
)

var (
	errMalformedEnvelope = errors.New("malformed envelope")
	errCallGone          = errors.New("call ended before the offer was applied")
)

// HandleEnvelope applies one inbound envelope to its session. It is safe for
// concurrent use across sessions; envelopes of one session must arrive in
// order, as Inbox delivers them. Stale and malformed envelopes are
// logged and dropped; the returned error is informational only.
func (s *CallService) HandleEnvelope(ctx context.Context, env domain.Envelope) error {
	l := s.log.With().
		Str("session_id", env.SessionID.String()).
		Str("kind", string(env.Kind)).
		Str("sender", env.SenderID.String()).
		Logger()
	if env.SessionID == "" || env.SenderID == "" {
		l.Warn().Msg("Dropping envelope without session or sender")
		return errMalformedEnvelope
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	c, known := s.calls[env.SessionID]
	_, dead := s.tombstones[env.SessionID]
	if !known && !dead {
		switch env.Kind {
		case domain.KindCandidate:
			s.stashOrphanLocked(env)
		case domain.KindEnd, domain.KindReject:
			s.tombstoneLocked(env.SessionID)
		}
	}
	s.mu.Unlock()

	switch {
	case known:
		return s.apply(ctx, c, env, l)
	case dead:
		l.Debug().Msg("Dropping envelope for forgotten session")
		return nil
	case env.Kind == domain.KindOffer:
		return s.applyIncomingOffer(ctx, env, l)
	default:
		l.Debug().Msg("Envelope for unknown session")
		return nil
	}
}

func (s *CallService) apply(ctx context.Context, c *call, env domain.Envelope, l zerolog.Logger) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session.State.Terminal() {
		l.Debug().Str("state", c.session.State.String()).Msg("Envelope for finished session")
		return nil
	}
	if env.SenderID != c.session.Peer(s.self) {
		l.Warn().Msg("Envelope from a non participant")
		return errMalformedEnvelope
	}
	current := env.SessionID == c.session.ID

	switch env.Kind {
	case domain.KindOffer:
		if !current || c.session.State != domain.StateConnected {
			l.Debug().Msg("Dropping duplicate offer")
			return nil
		}
		desc, err := env.Description()
		if err != nil {
			l.Warn().Err(err).Msg("Dropping offer")
			return err
		}
		if err := c.neg.HandleRenegotiationOffer(ctx, desc); err != nil {
			l.Warn().Err(err).Msg("Renegotiation answer failed")
			return err
		}
		return nil

	case domain.KindAnswer:
		if !current || !c.awaitingAnswer {
			l.Debug().Str("state", c.session.State.String()).Msg("Dropping stale answer")
			return nil
		}
		desc, err := env.Description()
		if err != nil {
			l.Warn().Err(err).Msg("Dropping answer")
			return err
		}
		if err := c.neg.ApplyAnswer(ctx, desc); err != nil {
			l.Warn().Err(err).Msg("Applying answer failed")
			return err
		}
		c.awaitingAnswer = false
		if c.session.State != domain.StateDialing {
			return nil
		}
		s.disarm(c)
		c.descsReady = true
		if c.mediaFlowing {
			if err := s.transition(c, domain.StateConnected, domain.ReasonNone); err != nil {
				return err
			}
			s.startQuality(c)
			return nil
		}
		s.arm(c, timerConnect, s.cfg.ConnectTimeout)
		return nil

	case domain.KindCandidate:
		if !current {
			l.Debug().Msg("Dropping candidate for replaced session")
			return nil
		}
		cand, err := env.Candidate()
		if err != nil {
			l.Warn().Err(err).Msg("Dropping candidate")
			return err
		}
		c.neg.AddRemoteCandidate(cand)
		return nil

	case domain.KindReject:
		reason := domain.ReasonRemoteRejected
		if env.CloseReason() == domain.ReasonBusy {
			reason = domain.ReasonBusy
		}
		s.teardown(c, domain.StateEnded, reason, false)
		return nil

	case domain.KindEnd:
		s.teardown(c, domain.StateEnded, domain.ReasonRemoteHangup, false)
		return nil

	case domain.KindUnreachable:
		if current && c.session.State == domain.StateDialing {
			s.teardown(c, domain.StateFailed, domain.ReasonPeerUnreachable, false)
		}
		return nil

	case domain.KindPeerClosed:
		s.teardown(c, domain.StateFailed, domain.ReasonPeerDisconnected, false)
		return nil

	default:
		l.Warn().Msg("Unknown envelope kind")
		return errMalformedEnvelope
	}
}

// applyIncomingOffer creates a ringing session, or resolves the offer
// against a call already in progress with the same peer.
func (s *CallService) applyIncomingOffer(ctx context.Context, env domain.Envelope, l zerolog.Logger) error {
	desc, err := env.Description()
	if err != nil {
		l.Warn().Err(err).Msg("Dropping offer")
		return err
	}
	s.create.Lock()
	if existing := s.activeWith(env.SenderID); existing != nil {
		s.create.Unlock()
		err := s.resolveCollision(ctx, existing, env, desc, l)
		if errors.Is(err, errCallGone) {
			return s.applyIncomingOffer(ctx, env, l)
		}
		return err
	}
	defer s.create.Unlock()

	session := domain.NewIncomingSession(env.SessionID, env.SenderID, s.self, time.Now())
	c := s.newCall(session)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := s.track(c, session.ID, env.SenderID); err != nil {
		return err
	}
	if err := s.transition(c, domain.StateRinging, domain.ReasonNone); err != nil {
		return err
	}
	c.log.Info().Str("from", env.SenderID.String()).Msg("Incoming call")
	if err := s.openPeer(c, env.SenderID); err != nil {
		c.log.Error().Err(err).Msg("Preparing incoming call")
		s.teardown(c, domain.StateFailed, domain.ReasonMediaPipeline, true)
		return err
	}
	c.neg.StoreOffer(desc)
	s.arm(c, timerRing, s.cfg.RingTimeout)
	return nil
}

// resolveCollision handles an offer from a peer we already have a call with.
// Crossing offers are settled by identity order: the smaller identity keeps
// its offer and the other side answers it.
func (s *CallService) resolveCollision(ctx context.Context, c *call, env domain.Envelope, desc domain.SessionDescription, l zerolog.Logger) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.session.State.Terminal():
		// Finished between lookup and lock, and already out of the peer
		// index. The offer starts a fresh call.
		return errCallGone

	case c.session.State == domain.StateDialing && c.session.Role == domain.RoleInitiator && c.awaitingAnswer:
		if s.self.Less(env.SenderID) {
			l.Info().Str("kept_session_id", c.session.ID.String()).Msg("Glare: keeping local offer")
			s.mu.Lock()
			s.tombstoneLocked(env.SessionID)
			s.mu.Unlock()
			return nil
		}
		return s.yieldOffer(ctx, c, env, desc)

	case c.session.State == domain.StateRinging:
		l.Warn().Str("ringing_session_id", c.session.ID.String()).Msg("Second offer while ringing")
		return nil

	default:
		l.Info().Msg("Busy, rejecting offer")
		sendCtx, cancel := context.WithTimeout(ctx, closeSendTimeout)
		defer cancel()
		busy := domain.NewCloseEnvelope(domain.KindReject, env.SessionID, env.SenderID, domain.ReasonBusy)
		if err := s.deps.Signaler.Send(sendCtx, busy); err != nil {
			l.Debug().Err(err).Msg("Busy reject not delivered")
		}
		s.mu.Lock()
		s.tombstoneLocked(env.SessionID)
		s.mu.Unlock()
		return nil
	}
}

// yieldOffer discards our own offer and answers the peer's. Captured media
// is kept; the session takes the peer's id and remembers its former one.
func (s *CallService) yieldOffer(ctx context.Context, c *call, env domain.Envelope, desc domain.SessionDescription) error {
	old := c.session.ID
	s.disarm(c)
	c.awaitingAnswer = false
	if err := c.neg.Close(); err != nil {
		c.log.Debug().Err(err).Msg("Closing discarded peer connection")
	}

	c.session.ReplacedID = old
	c.session.ID = env.SessionID
	c.session.InitiatorID = env.SenderID
	c.session.TargetID = s.self
	c.session.Role = domain.RoleCallee
	c.mediaFlowing = false
	c.log = s.log.With().
		Str("session_id", env.SessionID.String()).
		Str("replaced_id", old.String()).
		Logger()
	c.log.Info().Msg("Glare: answering peer offer")

	s.mu.Lock()
	s.calls[env.SessionID] = c
	s.mu.Unlock()

	if err := s.attachPeer(c, env.SenderID); err != nil {
		s.teardown(c, domain.StateFailed, domain.ReasonMediaPipeline, true)
		return err
	}
	c.neg.StoreOffer(desc)
	if err := c.neg.Answer(ctx); err != nil {
		c.log.Warn().Err(err).Msg("Answering peer offer failed")
		s.teardown(c, domain.StateFailed, domain.ReasonMediaPipeline, true)
		return err
	}
	c.descsReady = true
	s.arm(c, timerConnect, s.cfg.ConnectTimeout)
	s.notifyState(c)
	return nil
}

func (s *CallService) stashOrphanLocked(env domain.Envelope) {
	list, ok := s.orphans[env.SessionID]
	if !ok {
		s.orphanIDs = append(s.orphanIDs, env.SessionID)
	}
	if len(list) >= orphanLimit {
		list = list[1:]
	}
	s.orphans[env.SessionID] = append(list, env)

	for len(s.orphans) > orphanSessionLimit && len(s.orphanIDs) > 0 {
		delete(s.orphans, s.orphanIDs[0])
		s.orphanIDs = s.orphanIDs[1:]
	}
	if len(s.orphanIDs) > 2*orphanSessionLimit {
		live := s.orphanIDs[:0]
		for _, id := range s.orphanIDs {
			if _, ok := s.orphans[id]; ok {
				live = append(live, id)
			}
		}
		s.orphanIDs = live
	}
}

// adoptOrphans feeds candidates that arrived before the session existed into
// its negotiator, in arrival order.
func (s *CallService) adoptOrphans(c *call) {
	s.mu.Lock()
	list := s.orphans[c.session.ID]
	delete(s.orphans, c.session.ID)
	s.mu.Unlock()

	for _, env := range list {
		if env.SenderID != c.session.Peer(s.self) {
			continue
		}
		cand, err := env.Candidate()
		if err != nil {
			c.log.Debug().Err(err).Msg("Dropping orphan candidate")
			continue
		}
		c.neg.AddRemoteCandidate(cand)
	}
	if len(list) > 0 {
		c.log.Debug().Int("count", len(list)).Msg("Adopted early candidates")
	}
}
