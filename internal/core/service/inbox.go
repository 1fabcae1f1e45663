package service

import (
	"context"
	"sync"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/rs/zerolog/log"
)

type EnvelopeHandler interface {
	HandleEnvelope(ctx context.Context, env domain.Envelope) error
}

type inbound struct {
	ctx context.Context
	env domain.Envelope
}

// Inbox feeds envelopes from one reader into a handler with one lane per
// session. Order is kept within a session; a session waiting on media
// capture does not delay envelopes of other sessions.
type Inbox struct {
	handler EnvelopeHandler

	mu     sync.Mutex
	lanes  map[domain.SessionID][]inbound
	closed bool
	wg     sync.WaitGroup
}

func NewInbox(h EnvelopeHandler) *Inbox {
	return &Inbox{handler: h, lanes: make(map[domain.SessionID][]inbound)}
}

// Deliver queues env on its session's lane. It never blocks on the handler.
func (b *Inbox) Deliver(ctx context.Context, env domain.Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	q, running := b.lanes[env.SessionID]
	b.lanes[env.SessionID] = append(q, inbound{ctx: ctx, env: env})
	if !running {
		b.wg.Add(1)
		go b.drain(env.SessionID)
	}
}

// drain runs a lane until it is empty. A lane exists in the map exactly as
// long as its goroutine runs.
func (b *Inbox) drain(id domain.SessionID) {
	defer b.wg.Done()
	for {
		b.mu.Lock()
		q := b.lanes[id]
		if len(q) == 0 {
			delete(b.lanes, id)
			b.mu.Unlock()
			return
		}
		next := q[0]
		b.lanes[id] = q[1:]
		b.mu.Unlock()

		if err := b.handler.HandleEnvelope(next.ctx, next.env); err != nil {
			log.Debug().Err(err).
				Str("session_id", id.String()).
				Str("kind", string(next.env.Kind)).
				Msg("Envelope not applied")
		}
	}
}

// Close stops accepting envelopes and waits for queued ones to be handled.
func (b *Inbox) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.wg.Wait()
}
