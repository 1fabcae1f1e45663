package domain

import (
	"github.com/google/uuid"
)

// UserID is the authenticated identity of a signaling participant. Identities
// are compared lexicographically when resolving offer glare.
type UserID string

func (id UserID) String() string {
	return string(id)
}

// Less reports whether id sorts before other.
func (id UserID) Less(other UserID) bool {
	return id < other
}

type SessionID string

func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

func (s SessionID) String() string {
	return string(s)
}

type RecordingID string

func NewRecordingID() RecordingID {
	return RecordingID(uuid.New().String())
}

func (id RecordingID) String() string {
	return string(id)
}
