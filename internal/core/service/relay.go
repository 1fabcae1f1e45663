package service

import (
	"errors"
	"fmt"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/rs/zerolog/log"
)

var ErrForbiddenKind = errors.New("envelope kind not allowed from clients")

// Relay routes opaque envelopes between authenticated connections. It never
// queues for offline targets and never inspects payloads.
type Relay struct {
	registry port.Registry
}

func NewRelay(registry port.Registry) *Relay {
	return &Relay{registry: registry}
}

// Register binds conn to its identity. A previous connection for the same
// identity is replaced and closed.
func (r *Relay) Register(conn port.Connection) {
	replaced := r.registry.Register(conn)
	l := log.With().Str("identity", conn.Identity().String()).Logger()
	if replaced != nil && replaced != conn {
		l.Info().Msg("Connection replaced by newer registration")
		if err := replaced.Close(); err != nil {
			l.Debug().Err(err).Msg("Closing replaced connection")
		}
	}
	l.Info().Int("online", r.registry.Online()).Msg("Connection registered")
}

// Unregister drops conn if it is still current and sends a best-effort
// peer_closed hint to every peer it had an open session with.
func (r *Relay) Unregister(conn port.Connection) {
	removed, peers := r.registry.Unregister(conn)
	if !removed {
		return
	}
	id := conn.Identity()
	log.Info().Str("identity", id.String()).Int("sessions", len(peers)).Msg("Connection unregistered")

	for sid, peer := range peers {
		target, ok := r.registry.Lookup(peer)
		if !ok {
			continue
		}
		target.Send(domain.Envelope{
			SenderID:  id,
			TargetID:  peer,
			SessionID: sid,
			Kind:      domain.KindPeerClosed,
		})
	}
}

func (r *Relay) IsOnline(id domain.UserID) bool {
	_, ok := r.registry.Lookup(id)
	return ok
}

func (r *Relay) Online() int {
	return r.registry.Online()
}

// Forward stamps env with sender and hands it to the target's connection.
func (r *Relay) Forward(sender domain.UserID, env domain.Envelope) error {
	if !env.Kind.ClientKind() {
		return fmt.Errorf("%w: %q", ErrForbiddenKind, env.Kind)
	}
	env.SenderID = sender

	target, ok := r.registry.Lookup(env.TargetID)
	if !ok {
		return domain.ErrPeerUnreachable
	}
	if !target.Send(env) {
		return domain.ErrPeerUnreachable
	}

	switch env.Kind {
	case domain.KindOffer:
		r.registry.TrackSession(env.SessionID, sender, env.TargetID)
	case domain.KindEnd, domain.KindReject:
		r.registry.UntrackSession(env.SessionID, sender, env.TargetID)
	}
	return nil
}

// Route forwards env from conn and reports delivery failure back to conn as
// an unreachable envelope.
func (r *Relay) Route(conn port.Connection, env domain.Envelope) error {
	err := r.Forward(conn.Identity(), env)
	if errors.Is(err, domain.ErrPeerUnreachable) {
		log.Debug().
			Str("sender", conn.Identity().String()).
			Str("target", env.TargetID.String()).
			Str("kind", string(env.Kind)).
			Msg("Target unreachable")
		conn.Send(domain.Envelope{
			SenderID:  env.TargetID,
			TargetID:  conn.Identity(),
			SessionID: env.SessionID,
			Kind:      domain.KindUnreachable,
		})
	}
	return err
}
