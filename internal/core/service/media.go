package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/rs/zerolog"
)

// LocalMedia is the handle returned by Capture.
type LocalMedia struct {
	Audio port.LocalTrack
	Video port.LocalTrack
}

// MediaController owns local capture for one call, binds tracks to the peer
// connection and the local/remote streams, and swaps the outgoing video
// source for screen sharing.
type MediaController struct {
	devices port.DeviceProvider
	log     zerolog.Logger

	mu          sync.Mutex
	audio       port.LocalTrack
	camera      port.LocalTrack
	screen      port.LocalTrack
	source      domain.VideoSource
	pc          port.PeerConnection
	audioSender port.TrackSender
	videoSender port.TrackSender

	local  *Stream
	remote *Stream

	readCtx     context.Context
	stopReads   context.CancelFunc
	substituted int
	released    bool

	onSourceEnded func(restored domain.VideoSource, renegotiate bool)
}

func NewMediaController(devices port.DeviceProvider, l zerolog.Logger) *MediaController {
	ctx, cancel := context.WithCancel(context.Background())
	return &MediaController{
		devices:   devices,
		log:       l,
		source:    domain.SourceNone,
		local:     NewStream(),
		remote:    NewStream(),
		readCtx:   ctx,
		stopReads: cancel,
	}
}

// OnSourceEnded registers fn, called after an externally stopped screen
// capture has been replaced by the prior source.
func (m *MediaController) OnSourceEnded(fn func(restored domain.VideoSource, renegotiate bool)) {
	m.mu.Lock()
	m.onSourceEnded = fn
	m.mu.Unlock()
}

// Capture acquires local devices. Errors are always *domain.MediaError.
func (m *MediaController) Capture(ctx context.Context, c domain.Constraints) (LocalMedia, error) {
	tracks, err := m.devices.Capture(ctx, c)
	if err != nil {
		var me *domain.MediaError
		if !errors.As(err, &me) {
			err = &domain.MediaError{Cause: domain.MediaPipeline, Device: "capture", Err: err}
		}
		return LocalMedia{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		for _, t := range tracks {
			t.Stop()
		}
		return LocalMedia{}, domain.ErrTerminal
	}
	for _, t := range tracks {
		switch t.Kind() {
		case domain.TrackAudio:
			m.audio = t
		case domain.TrackVideo:
			m.camera = t
			m.source = domain.SourceCamera
		}
		m.observeLocal(t)
	}
	return LocalMedia{Audio: m.audio, Video: m.camera}, nil
}

func (m *MediaController) observeLocal(t port.LocalTrack) {
	m.local.AddTrack(t.Info())
	if src, ok := t.(port.SampleSource); ok {
		src.OnSample(m.local.Publish)
	}
}

// Attach adds the captured tracks to pc and keeps their senders for later
// substitution.
func (m *MediaController) Attach(pc port.PeerConnection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pc = pc
	m.audioSender, m.videoSender = nil, nil
	if m.audio != nil {
		s, err := pc.AddTrack(m.audio)
		if err != nil {
			return fmt.Errorf("add audio track: %w", err)
		}
		m.audioSender = s
	}
	if v := m.activeVideoLocked(); v != nil {
		s, err := pc.AddTrack(v)
		if err != nil {
			return fmt.Errorf("add video track: %w", err)
		}
		m.videoSender = s
	}
	return nil
}

// BindRemote attaches an inbound track to the remote stream.
func (m *MediaController) BindRemote(track port.RemoteTrack) {
	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		return
	}
	ctx := m.readCtx
	m.remote.AddTrack(track.Info())
	m.mu.Unlock()

	m.log.Debug().Str("track_id", track.ID()).Str("kind", string(track.Kind())).Msg("Remote track bound")
	go func() {
		for {
			sample, err := track.ReadSample(ctx)
			if err != nil {
				return
			}
			m.remote.Publish(sample)
		}
	}()
}

// Toggle flips enabled on the outgoing track of kind. No renegotiation.
func (m *MediaController) Toggle(kind domain.TrackKind, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return domain.ErrTerminal
	}
	var t port.LocalTrack
	switch kind {
	case domain.TrackAudio:
		t = m.audio
	case domain.TrackVideo:
		t = m.activeVideoLocked()
	}
	if t == nil {
		return &domain.MediaError{Cause: domain.MediaNoDevice, Device: string(kind)}
	}
	t.SetEnabled(enabled)
	return nil
}

// Substitute swaps the outgoing video source. It reports whether the swap
// needs a fresh offer/answer round because the transport cannot replace
// tracks in place.
func (m *MediaController) Substitute(ctx context.Context, kind domain.TrackKind, source domain.VideoSource) (bool, error) {
	if kind != domain.TrackVideo {
		return false, fmt.Errorf("substitution unsupported for %s tracks", kind)
	}
	switch source {
	case domain.SourceScreen:
		return m.startScreen(ctx)
	case domain.SourceCamera:
		return m.stopScreen()
	default:
		return false, fmt.Errorf("unknown video source %q", source)
	}
}

func (m *MediaController) startScreen(ctx context.Context) (bool, error) {
	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		return false, domain.ErrTerminal
	}
	if m.source == domain.SourceScreen {
		m.mu.Unlock()
		return false, nil
	}
	m.mu.Unlock()

	screen, err := m.devices.CaptureScreen(ctx)
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released || m.source == domain.SourceScreen {
		screen.Stop()
		if m.released {
			return false, domain.ErrTerminal
		}
		return false, nil
	}
	renegotiate, err := m.replaceVideoLocked(screen)
	if err != nil {
		screen.Stop()
		return false, err
	}
	m.screen = screen
	m.source = domain.SourceScreen
	m.observeLocal(screen)
	screen.OnEnded(func() { go m.screenEnded(screen) })
	m.log.Info().Bool("renegotiate", renegotiate).Msg("Screen share started")
	return renegotiate, nil
}

func (m *MediaController) stopScreen() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return false, domain.ErrTerminal
	}
	if m.source != domain.SourceScreen {
		return false, domain.ErrNoScreenShare
	}
	return m.restoreLocked()
}

// restoreLocked puts the camera back on the video sender, or disables video
// when there is no camera.
func (m *MediaController) restoreLocked() (bool, error) {
	renegotiate, err := m.replaceVideoLocked(m.camera)
	if err != nil {
		return false, err
	}
	screen := m.screen
	m.screen = nil
	if m.camera != nil {
		m.source = domain.SourceCamera
	} else {
		m.source = domain.SourceNone
	}
	if screen != nil {
		m.local.RemoveTrack(screen.ID())
		screen.Stop()
	}
	m.log.Info().Str("source", string(m.source)).Msg("Screen share stopped")
	return renegotiate, nil
}

func (m *MediaController) screenEnded(screen port.LocalTrack) {
	m.mu.Lock()
	if m.released || m.screen != screen {
		m.mu.Unlock()
		return
	}
	m.log.Info().Msg("Screen capture ended by the platform")
	renegotiate, err := m.restoreLocked()
	source := m.source
	fn := m.onSourceEnded
	m.mu.Unlock()

	if err != nil {
		m.log.Error().Err(err).Msg("Restoring video source after screen share")
		return
	}
	if fn != nil {
		fn(source, renegotiate)
	}
}

func (m *MediaController) replaceVideoLocked(track port.LocalTrack) (bool, error) {
	if m.pc == nil {
		return false, nil
	}
	if m.videoSender == nil {
		if track == nil {
			return false, nil
		}
		s, err := m.pc.AddTrack(track)
		if err != nil {
			return false, fmt.Errorf("add video track: %w", err)
		}
		m.videoSender = s
		m.substituted++
		return true, nil
	}
	if m.pc.SupportsReplaceTrack() {
		if err := m.videoSender.ReplaceTrack(track); err != nil {
			return false, fmt.Errorf("replace video track: %w", err)
		}
		m.substituted++
		return false, nil
	}

	if err := m.pc.RemoveTrack(m.videoSender); err != nil {
		return false, fmt.Errorf("remove video track: %w", err)
	}
	m.videoSender = nil
	if track != nil {
		s, err := m.pc.AddTrack(track)
		if err != nil {
			return false, fmt.Errorf("add video track: %w", err)
		}
		m.videoSender = s
	}
	m.substituted++
	return true, nil
}

func (m *MediaController) activeVideoLocked() port.LocalTrack {
	if m.screen != nil {
		return m.screen
	}
	return m.camera
}

func (m *MediaController) Source() domain.VideoSource {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.source
}

// Substitutions counts source swaps performed on the video sender.
func (m *MediaController) Substitutions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.substituted
}

func (m *MediaController) LocalStream() *Stream  { return m.local }
func (m *MediaController) RemoteStream() *Stream { return m.remote }

// Release stops every local track and detaches all sinks. Safe to call more
// than once.
func (m *MediaController) Release() {
	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		return
	}
	m.released = true
	tracks := []port.LocalTrack{m.audio, m.camera, m.screen}
	m.audio, m.camera, m.screen = nil, nil, nil
	m.source = domain.SourceNone
	m.pc, m.audioSender, m.videoSender = nil, nil, nil
	m.mu.Unlock()

	m.stopReads()
	for _, t := range tracks {
		if t != nil {
			t.Stop()
		}
	}
	m.local.Close()
	m.remote.Close()
	m.log.Debug().Msg("Media released")
}

func (m *MediaController) Released() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}
