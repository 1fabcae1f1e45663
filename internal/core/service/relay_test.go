package service

import (
	"errors"
	"sync"
	"testing"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
)

type fakeConn struct {
	mu     sync.Mutex
	id     domain.UserID
	inbox  []domain.Envelope
	full   bool
	closed bool
}

func (c *fakeConn) Identity() domain.UserID { return c.id }

func (c *fakeConn) Send(env domain.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.full {
		return false
	}
	c.inbox = append(c.inbox, env)
	return true
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) received() []domain.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Envelope(nil), c.inbox...)
}

// mapRegistry is a single-lock registry for exercising relay policy.
type mapRegistry struct {
	mu       sync.Mutex
	conns    map[domain.UserID]port.Connection
	sessions map[domain.UserID]map[domain.SessionID]domain.UserID
}

func newMapRegistry() *mapRegistry {
	return &mapRegistry{
		conns:    make(map[domain.UserID]port.Connection),
		sessions: make(map[domain.UserID]map[domain.SessionID]domain.UserID),
	}
}

func (r *mapRegistry) Register(conn port.Connection) port.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.conns[conn.Identity()]
	r.conns[conn.Identity()] = conn
	return old
}

func (r *mapRegistry) Unregister(conn port.Connection) (bool, map[domain.SessionID]domain.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[conn.Identity()] != conn {
		return false, nil
	}
	delete(r.conns, conn.Identity())
	peers := r.sessions[conn.Identity()]
	delete(r.sessions, conn.Identity())
	return true, peers
}

func (r *mapRegistry) Lookup(id domain.UserID) (port.Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	return c, ok
}

func (r *mapRegistry) TrackSession(sid domain.SessionID, a, b domain.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range [][2]domain.UserID{{a, b}, {b, a}} {
		if r.sessions[p[0]] == nil {
			r.sessions[p[0]] = make(map[domain.SessionID]domain.UserID)
		}
		r.sessions[p[0]][sid] = p[1]
	}
}

func (r *mapRegistry) UntrackSession(sid domain.SessionID, a, b domain.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions[a], sid)
	delete(r.sessions[b], sid)
}

func (r *mapRegistry) Online() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func TestRelay_ForwardStampsSender(t *testing.T) {
	relay := NewRelay(newMapRegistry())
	alice := &fakeConn{id: "alice"}
	bob := &fakeConn{id: "bob"}
	relay.Register(alice)
	relay.Register(bob)

	env := domain.Envelope{SenderID: "mallory", TargetID: "bob", SessionID: "s1", Kind: domain.KindOffer}
	if err := relay.Route(alice, env); err != nil {
		t.Fatalf("Route: %v", err)
	}
	got := bob.received()
	if len(got) != 1 || got[0].SenderID != "alice" {
		t.Fatalf("bob received %+v, want sender alice", got)
	}
}

func TestRelay_UnreachableTarget(t *testing.T) {
	relay := NewRelay(newMapRegistry())
	alice := &fakeConn{id: "alice"}
	relay.Register(alice)

	err := relay.Route(alice, domain.Envelope{TargetID: "bob", SessionID: "s1", Kind: domain.KindOffer})
	if !errors.Is(err, domain.ErrPeerUnreachable) {
		t.Fatalf("err=%v, want ErrPeerUnreachable", err)
	}
	got := alice.received()
	if len(got) != 1 || got[0].Kind != domain.KindUnreachable || got[0].SenderID != "bob" || got[0].SessionID != "s1" {
		t.Fatalf("alice received %+v", got)
	}
}

func TestRelay_FullQueueCountsAsUnreachable(t *testing.T) {
	relay := NewRelay(newMapRegistry())
	alice := &fakeConn{id: "alice"}
	relay.Register(alice)
	relay.Register(&fakeConn{id: "bob", full: true})

	if err := relay.Forward("alice", domain.Envelope{TargetID: "bob", Kind: domain.KindCandidate}); !errors.Is(err, domain.ErrPeerUnreachable) {
		t.Fatalf("err=%v", err)
	}
}

func TestRelay_RejectsRelayKinds(t *testing.T) {
	relay := NewRelay(newMapRegistry())
	relay.Register(&fakeConn{id: "bob"})
	for _, kind := range []domain.EnvelopeKind{domain.KindUnreachable, domain.KindPeerClosed, "bogus"} {
		err := relay.Forward("alice", domain.Envelope{TargetID: "bob", Kind: kind})
		if !errors.Is(err, ErrForbiddenKind) {
			t.Fatalf("%s: err=%v, want ErrForbiddenKind", kind, err)
		}
	}
}

func TestRelay_LastRegistrationWins(t *testing.T) {
	relay := NewRelay(newMapRegistry())
	first := &fakeConn{id: "alice"}
	second := &fakeConn{id: "alice"}
	bob := &fakeConn{id: "bob"}
	relay.Register(first)
	relay.Register(second)
	relay.Register(bob)

	if !first.closed {
		t.Fatal("replaced connection not closed")
	}
	if err := relay.Forward("bob", domain.Envelope{TargetID: "alice", Kind: domain.KindEnd}); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if len(first.received()) != 0 || len(second.received()) != 1 {
		t.Fatal("envelope not delivered to the newest connection")
	}

	// The stale connection going away must not evict the new one.
	relay.Unregister(first)
	if !relay.IsOnline("alice") {
		t.Fatal("alice offline after stale unregister")
	}
}

func TestRelay_UnregisterNotifiesSessionPeers(t *testing.T) {
	relay := NewRelay(newMapRegistry())
	alice := &fakeConn{id: "alice"}
	bob := &fakeConn{id: "bob"}
	carol := &fakeConn{id: "carol"}
	for _, c := range []*fakeConn{alice, bob, carol} {
		relay.Register(c)
	}
	if err := relay.Forward("alice", domain.Envelope{TargetID: "bob", SessionID: "s1", Kind: domain.KindOffer}); err != nil {
		t.Fatal(err)
	}
	if err := relay.Forward("alice", domain.Envelope{TargetID: "carol", SessionID: "s2", Kind: domain.KindOffer}); err != nil {
		t.Fatal(err)
	}
	if err := relay.Forward("carol", domain.Envelope{TargetID: "alice", SessionID: "s2", Kind: domain.KindEnd}); err != nil {
		t.Fatal(err)
	}

	relay.Unregister(alice)
	if relay.IsOnline("alice") {
		t.Fatal("alice still online")
	}
	got := bob.received()
	last := got[len(got)-1]
	if last.Kind != domain.KindPeerClosed || last.SessionID != "s1" || last.SenderID != "alice" {
		t.Fatalf("bob last envelope=%+v", last)
	}
	for _, env := range carol.received() {
		if env.Kind == domain.KindPeerClosed {
			t.Fatal("carol notified for an ended session")
		}
	}
}
