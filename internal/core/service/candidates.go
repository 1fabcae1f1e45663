package service

import (
	"sync"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/rs/zerolog"
)

// CandidateBuffer holds remote ICE candidates until a remote description
// exists. Candidates are applied strictly in arrival order.
type CandidateBuffer struct {
	mu        sync.Mutex
	apply     func(domain.ICECandidate) error
	remoteSet bool
	pending   []domain.ICECandidate
	applied   int
	skipped   int
	log       zerolog.Logger
}

func NewCandidateBuffer(apply func(domain.ICECandidate) error, l zerolog.Logger) *CandidateBuffer {
	return &CandidateBuffer{apply: apply, log: l}
}

// BufferOrApply applies c right away once the remote description is set and
// queues it otherwise.
func (b *CandidateBuffer) BufferOrApply(c domain.ICECandidate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.remoteSet {
		b.pending = append(b.pending, c)
		return
	}
	b.applyLocked(c)
}

// Drain marks the remote description as set and applies every queued
// candidate in FIFO order. Only the first call drains; it returns the number
// of candidates it flushed.
func (b *CandidateBuffer) Drain() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.remoteSet {
		return 0
	}
	b.remoteSet = true
	n := len(b.pending)
	for i, c := range b.pending {
		b.applyLocked(c)
		b.pending[i] = domain.ICECandidate{}
	}
	b.pending = nil
	return n
}

// Clear drops anything still queued. Used when the session ends.
func (b *CandidateBuffer) Clear() {
	b.mu.Lock()
	b.pending = nil
	b.mu.Unlock()
}

func (b *CandidateBuffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *CandidateBuffer) Drained() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remoteSet
}

// a single bad candidate never fails the session
func (b *CandidateBuffer) applyLocked(c domain.ICECandidate) {
	if err := b.apply(c); err != nil {
		b.skipped++
		b.log.Warn().Err(err).Str("candidate", c.Candidate).Msg("Skipping remote candidate")
		return
	}
	b.applied++
}
