package service

import (
	"context"
	"testing"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/rs/zerolog"
)

type captureSignaler struct {
	sent []domain.Envelope
}

func (s *captureSignaler) Send(_ context.Context, env domain.Envelope) error {
	s.sent = append(s.sent, env)
	return nil
}

func (s *captureSignaler) kinds() []domain.EnvelopeKind {
	out := make([]domain.EnvelopeKind, len(s.sent))
	for i, e := range s.sent {
		out[i] = e.Kind
	}
	return out
}

func TestNegotiator_LocalCandidatesSentImmediately(t *testing.T) {
	pc := &fakePeer{name: "a"}
	sig := &captureSignaler{}
	n := NewNegotiator("s1", "bob", pc, sig, zerolog.Nop())

	pc.onCandidate(domain.ICECandidate{Candidate: "early"})
	if len(sig.sent) != 1 {
		t.Fatalf("sent %d envelopes, want the early candidate", len(sig.sent))
	}
	if err := n.Offer(context.Background()); err != nil {
		t.Fatalf("Offer: %v", err)
	}
	pc.onCandidate(domain.ICECandidate{Candidate: "late"})

	got := sig.kinds()
	want := []domain.EnvelopeKind{domain.KindCandidate, domain.KindOffer, domain.KindCandidate}
	if len(got) != len(want) {
		t.Fatalf("sent %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sent %v, want %v", got, want)
		}
	}
	for _, env := range sig.sent {
		if env.SessionID != "s1" || env.TargetID != "bob" {
			t.Fatalf("envelope addressed to %s/%s", env.SessionID, env.TargetID)
		}
	}
}

func TestNegotiator_AnswerConsumesPendingOffer(t *testing.T) {
	pc := &fakePeer{name: "b"}
	sig := &captureSignaler{}
	n := NewNegotiator("s1", "alice", pc, sig, zerolog.Nop())
	ctx := context.Background()

	if err := n.Answer(ctx); err == nil {
		t.Fatal("Answer without an offer succeeded")
	}
	n.AddRemoteCandidate(domain.ICECandidate{Candidate: "c1"})
	n.StoreOffer(domain.SessionDescription{Type: domain.SDPOffer, SDP: "offer"})
	if !n.HasPendingOffer() {
		t.Fatal("offer not stored")
	}
	if err := n.Answer(ctx); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if n.HasPendingOffer() {
		t.Fatal("pending offer not cleared")
	}
	if len(pc.appliedCandidates()) != 1 || !n.Candidates().Drained() {
		t.Fatal("buffered candidate not drained after remote offer")
	}
	if len(sig.sent) != 1 || sig.sent[0].Kind != domain.KindAnswer {
		t.Fatalf("sent %v", sig.kinds())
	}
	if err := n.Answer(ctx); err == nil {
		t.Fatal("second Answer succeeded without a new offer")
	}
}

func TestNegotiator_CloseStopsCandidates(t *testing.T) {
	pc := &fakePeer{}
	sig := &captureSignaler{}
	n := NewNegotiator("s1", "bob", pc, sig, zerolog.Nop())
	_ = n.Offer(context.Background())
	_ = n.Close()
	pc.onCandidate(domain.ICECandidate{Candidate: "after-close"})
	if len(sig.sent) != 1 {
		t.Fatalf("sent %v after close", sig.kinds())
	}
	if !pc.isClosed() {
		t.Fatal("peer connection not closed")
	}
}
