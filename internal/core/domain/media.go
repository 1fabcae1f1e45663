package domain

import "time"

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

type VideoSource string

const (
	SourceNone   VideoSource = "none"
	SourceCamera VideoSource = "camera"
	SourceScreen VideoSource = "screen"
)

// RecordingSource selects which side of a call is recorded.
type RecordingSource string

const (
	RecordRemote RecordingSource = "remote"
	RecordLocal  RecordingSource = "local"
)

type Constraints struct {
	Audio bool
	Video bool
}

// TrackInfo describes one track of a media stream well enough to set up a
// container for it.
type TrackInfo struct {
	ID        string
	Kind      TrackKind
	MimeType  string
	ClockRate uint32
	Channels  uint16
	Width     uint32
	Height    uint32
}

// MediaSample is one depacketized frame. Timestamp is relative to the start of
// its track.
type MediaSample struct {
	TrackID   string
	Kind      TrackKind
	Data      []byte
	Timestamp time.Duration
	Duration  time.Duration
	Keyframe  bool
}

type ConnectionState string

const (
	ConnectionNew          ConnectionState = "new"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionFailed       ConnectionState = "failed"
	ConnectionClosed       ConnectionState = "closed"
)
