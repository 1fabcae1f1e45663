package port

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// Signaler delivers envelopes from the local endpoint to the relay. Send may
// return domain.ErrPeerUnreachable when the transport learns synchronously
// that the target has no live connection; otherwise the failure arrives
// later as a domain.KindUnreachable envelope.
type Signaler interface {
	Send(ctx context.Context, env domain.Envelope) error
}

// Presence resolves whether an identity currently has a live signaling
// connection.
type Presence interface {
	IsReachable(ctx context.Context, id domain.UserID) (bool, error)
}
