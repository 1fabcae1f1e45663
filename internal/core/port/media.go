package port

import (
	"context"
	"io"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// PeerConnection is the media transport of one negotiation. Callbacks are
// invoked from transport goroutines, never from inside a method call on the
// same PeerConnection.
type PeerConnection interface {
	CreateOffer(ctx context.Context) (domain.SessionDescription, error)
	CreateAnswer(ctx context.Context) (domain.SessionDescription, error)
	SetLocalDescription(ctx context.Context, desc domain.SessionDescription) error
	SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error
	AddICECandidate(c domain.ICECandidate) error

	AddTrack(track LocalTrack) (TrackSender, error)
	RemoveTrack(sender TrackSender) error
	// SupportsReplaceTrack reports whether senders can swap their source
	// without a new offer/answer round.
	SupportsReplaceTrack() bool

	OnICECandidate(fn func(domain.ICECandidate))
	OnTrack(fn func(RemoteTrack))
	OnConnectionStateChange(fn func(domain.ConnectionState))

	Stats(ctx context.Context) (domain.InboundStats, error)
	Close() error
}

type PeerFactory interface {
	NewPeerConnection() (PeerConnection, error)
}

type TrackSender interface {
	// ReplaceTrack swaps the outgoing source. A nil track sends nothing.
	ReplaceTrack(track LocalTrack) error
}

// LocalTrack is a captured outgoing track.
type LocalTrack interface {
	ID() string
	Kind() domain.TrackKind
	Source() domain.VideoSource
	Info() domain.TrackInfo
	SetEnabled(enabled bool)
	Enabled() bool
	// OnEnded registers fn for sources that end on their own, such as the
	// platform stopping a screen capture. It is not called after Stop.
	OnEnded(fn func())
	Stop()
}

// SampleSource is implemented by local tracks whose frames can be observed,
// which makes the local stream recordable.
type SampleSource interface {
	OnSample(fn func(domain.MediaSample))
}

type RemoteTrack interface {
	ID() string
	Kind() domain.TrackKind
	Info() domain.TrackInfo
	// ReadSample blocks until the next frame or until the track ends.
	ReadSample(ctx context.Context) (domain.MediaSample, error)
}

type DeviceProvider interface {
	Capture(ctx context.Context, c domain.Constraints) ([]LocalTrack, error)
	CaptureScreen(ctx context.Context) (LocalTrack, error)
}

// MediaStream is a set of tracks whose samples can be observed.
type MediaStream interface {
	ID() string
	Tracks() []domain.TrackInfo
	Subscribe(buffer int) (<-chan domain.MediaSample, func())
}

type ContainerWriter interface {
	WriteSample(s domain.MediaSample) error
	Close() error
}

// ContainerFactory builds a muxer writing into w for the given tracks. Each
// Write on w is one chunk of container output.
type ContainerFactory interface {
	NewContainer(w io.Writer, tracks []domain.TrackInfo) (ContainerWriter, error)
}
