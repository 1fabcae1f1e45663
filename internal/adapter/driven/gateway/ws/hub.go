package ws

import (
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/rs/zerolog/log"
)

const shardCount = 32

type shard struct {
	mu       sync.RWMutex
	clients  map[domain.UserID]port.Connection
	sessions map[domain.UserID]map[domain.SessionID]domain.UserID
}

// Hub is the online-user registry of the relay. Identities are spread over
// shards so register, unregister and lookup on different identities do not
// contend on one lock. It implements port.Registry.
type Hub struct {
	shards [shardCount]*shard
	online atomic.Int64
}

func NewHub() *Hub {
	h := &Hub{}
	for i := range h.shards {
		h.shards[i] = &shard{
			clients:  make(map[domain.UserID]port.Connection),
			sessions: make(map[domain.UserID]map[domain.SessionID]domain.UserID),
		}
	}
	return h
}

func (h *Hub) shardFor(id domain.UserID) *shard {
	f := fnv.New32a()
	f.Write([]byte(id))
	return h.shards[f.Sum32()%shardCount]
}

func (h *Hub) Register(conn port.Connection) port.Connection {
	id := conn.Identity()
	s := h.shardFor(id)
	s.mu.Lock()
	replaced, had := s.clients[id]
	s.clients[id] = conn
	s.mu.Unlock()

	if !had {
		h.online.Add(1)
	}
	log.Debug().Str("identity", id.String()).Bool("replaced", had).Msg("Hub register")
	return replaced
}

func (h *Hub) Unregister(conn port.Connection) (bool, map[domain.SessionID]domain.UserID) {
	id := conn.Identity()
	s := h.shardFor(id)
	s.mu.Lock()
	if current, ok := s.clients[id]; !ok || current != conn {
		s.mu.Unlock()
		return false, nil
	}
	delete(s.clients, id)
	peers := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	h.online.Add(-1)

	for sid, peer := range peers {
		h.forget(peer, sid)
	}
	return true, peers
}

func (h *Hub) Lookup(id domain.UserID) (port.Connection, bool) {
	s := h.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	conn, ok := s.clients[id]
	return conn, ok
}

// TrackSession records that a and b share sid. Shards are locked one at a
// time so two identities never hold each other's lock.
func (h *Hub) TrackSession(sid domain.SessionID, a, b domain.UserID) {
	h.remember(a, sid, b)
	h.remember(b, sid, a)
}

func (h *Hub) UntrackSession(sid domain.SessionID, a, b domain.UserID) {
	h.forget(a, sid)
	h.forget(b, sid)
}

func (h *Hub) remember(id domain.UserID, sid domain.SessionID, peer domain.UserID) {
	s := h.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, online := s.clients[id]; !online {
		return
	}
	m := s.sessions[id]
	if m == nil {
		m = make(map[domain.SessionID]domain.UserID)
		s.sessions[id] = m
	}
	m[sid] = peer
}

func (h *Hub) forget(id domain.UserID, sid domain.SessionID) {
	s := h.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.sessions[id]
	if m == nil {
		return
	}
	delete(m, sid)
	if len(m) == 0 {
		delete(s.sessions, id)
	}
}

// Sessions returns a copy of the sessions id currently takes part in.
func (h *Hub) Sessions(id domain.UserID) map[domain.SessionID]domain.UserID {
	s := h.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[domain.SessionID]domain.UserID, len(s.sessions[id]))
	for sid, peer := range s.sessions[id] {
		out[sid] = peer
	}
	return out
}

func (h *Hub) Online() int {
	return int(h.online.Load())
}

// Stop closes every registered connection. Their read loops then unregister
// them through the relay.
func (h *Hub) Stop() {
	var conns []port.Connection
	for _, s := range h.shards {
		s.mu.RLock()
		for _, c := range s.clients {
			conns = append(conns, c)
		}
		s.mu.RUnlock()
	}
	for _, c := range conns {
		if err := c.Close(); err != nil {
			log.Debug().Err(err).Str("identity", c.Identity().String()).Msg("Closing connection on stop")
		}
	}
	log.Info().Int("closed", len(conns)).Msg("Hub stopped")
}
