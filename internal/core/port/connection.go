package port

import "github.com/Wyydra/yacall/internal/core/domain"

// Connection is one live signaling connection held by the relay.
type Connection interface {
	Identity() domain.UserID
	// Send enqueues env without blocking. It reports false when the
	// connection is closed.
	Send(env domain.Envelope) bool
	Close() error
}

// Registry is the relay's identity -> connection map together with the set
// of sessions each identity is known to take part in.
type Registry interface {
	// Register binds conn to its identity and returns the connection it
	// replaced, if any.
	Register(conn Connection) (replaced Connection)
	// Unregister removes conn only if it is still the registered connection
	// for its identity. It returns the peers that had sessions with it.
	Unregister(conn Connection) (removed bool, peers map[domain.SessionID]domain.UserID)
	Lookup(id domain.UserID) (Connection, bool)
	TrackSession(sid domain.SessionID, a, b domain.UserID)
	UntrackSession(sid domain.SessionID, a, b domain.UserID)
	Online() int
}
