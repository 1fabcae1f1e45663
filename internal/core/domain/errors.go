package domain

import (
	"errors"
	"fmt"
)

var (
	ErrPeerUnreachable   = errors.New("peer unreachable")
	ErrSessionNotFound   = errors.New("session not found")
	ErrInvalidTransition = errors.New("invalid call state transition")
	ErrTerminal          = errors.New("session already terminated")
	ErrNothingToRecord   = errors.New("nothing to record")
	ErrRecordingNotFound = errors.New("recording not found")
	ErrNotConnected      = errors.New("signaling not connected")
	ErrNoScreenShare     = errors.New("screen share not active")
	ErrUnauthenticated   = errors.New("unauthenticated")
	ErrCallActive        = errors.New("call with peer already active")
	ErrSelfCall          = errors.New("cannot call own identity")
)

type MediaErrorCause string

const (
	MediaPermissionDenied MediaErrorCause = "permission_denied"
	MediaNoDevice         MediaErrorCause = "no_device"
	MediaDeviceBusy       MediaErrorCause = "device_busy"
	MediaPipeline         MediaErrorCause = "pipeline"
)

// MediaError is returned by device capture. The cause drives the recovery
// action offered to the user, so callers switch on it rather than the message.
type MediaError struct {
	Cause  MediaErrorCause
	Device string
	Err    error
}

func (e *MediaError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("media %s (%s): %v", e.Cause, e.Device, e.Err)
	}
	return fmt.Sprintf("media %s (%s)", e.Cause, e.Device)
}

func (e *MediaError) Unwrap() error {
	return e.Err
}

// Reason maps the cause onto the terminal reason code of the session.
func (e *MediaError) Reason() Reason {
	switch e.Cause {
	case MediaPermissionDenied:
		return ReasonMediaPermission
	case MediaNoDevice:
		return ReasonMediaNoDevice
	case MediaDeviceBusy:
		return ReasonMediaBusy
	default:
		return ReasonMediaPipeline
	}
}

// ReasonForError resolves err to the reason code the session should
// terminate with.
func ReasonForError(err error) Reason {
	var me *MediaError
	if errors.As(err, &me) {
		return me.Reason()
	}
	if errors.Is(err, ErrPeerUnreachable) {
		return ReasonPeerUnreachable
	}
	return ReasonMediaPipeline
}
