package pion

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// frame is one encoded unit read from a capture source.
type frame struct {
	data     []byte
	duration time.Duration
	keyframe bool
}

// frameSource yields encoded frames. reset rewinds to the first frame.
type frameSource interface {
	next() (frame, error)
	reset() error
	close() error
}

// LocalTrack paces frames from a source into a pion sample track. It
// implements port.LocalTrack and port.SampleSource.
type LocalTrack struct {
	id     string
	kind   domain.TrackKind
	source domain.VideoSource
	info   domain.TrackInfo
	rtc    *webrtc.TrackLocalStaticSample
	frames frameSource
	loop   bool

	// release is called once when the track stops, returning the device.
	release func()
	log     zerolog.Logger

	mu       sync.Mutex
	enabled  bool
	stopped  bool
	onEnded  func()
	onSample func(domain.MediaSample)

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func newLocalTrack(kind domain.TrackKind, source domain.VideoSource, info domain.TrackInfo, frames frameSource, loop bool, release func()) (*LocalTrack, error) {
	id := uuid.New().String()
	info.ID = id
	info.Kind = kind
	rtc, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: info.MimeType, ClockRate: info.ClockRate, Channels: info.Channels},
		id, "yacall")
	if err != nil {
		return nil, err
	}
	t := &LocalTrack{
		id:      id,
		kind:    kind,
		source:  source,
		info:    info,
		rtc:     rtc,
		frames:  frames,
		loop:    loop,
		release: release,
		log:     log.With().Str("track", id).Str("kind", string(kind)).Str("source", string(source)).Logger(),
		enabled: true,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go t.pump()
	return t, nil
}

func (t *LocalTrack) ID() string                 { return t.id }
func (t *LocalTrack) Kind() domain.TrackKind     { return t.kind }
func (t *LocalTrack) Source() domain.VideoSource { return t.source }
func (t *LocalTrack) Info() domain.TrackInfo     { return t.info }

func (t *LocalTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *LocalTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *LocalTrack) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = fn
	t.mu.Unlock()
}

func (t *LocalTrack) OnSample(fn func(domain.MediaSample)) {
	t.mu.Lock()
	t.onSample = fn
	t.mu.Unlock()
}

// Stop waits until the source is closed and the device released. It must
// not be called from an OnSample or OnEnded callback.
func (t *LocalTrack) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
	t.stopOnce.Do(func() { close(t.stop) })
	<-t.done
}

// pump writes one frame per frame duration. A disabled track keeps reading
// so the source stays in real time, but sends nothing.
func (t *LocalTrack) pump() {
	defer close(t.done)
	defer func() {
		if err := t.frames.close(); err != nil {
			t.log.Debug().Err(err).Msg("Closing source")
		}
		if t.release != nil {
			t.release()
		}
	}()

	var elapsed time.Duration
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-timer.C:
		}

		f, err := t.frames.next()
		if errors.Is(err, io.EOF) && t.loop {
			if err = t.frames.reset(); err == nil {
				f, err = t.frames.next()
			}
		}
		if err != nil {
			t.ended(err)
			return
		}

		t.mu.Lock()
		enabled, onSample := t.enabled, t.onSample
		t.mu.Unlock()

		if enabled {
			if err := t.rtc.WriteSample(media.Sample{Data: f.data, Duration: f.duration}); err != nil {
				t.log.Debug().Err(err).Msg("Write sample")
			}
			if onSample != nil {
				onSample(domain.MediaSample{
					TrackID:   t.id,
					Kind:      t.kind,
					Data:      f.data,
					Timestamp: elapsed,
					Duration:  f.duration,
					Keyframe:  f.keyframe,
				})
			}
		}
		elapsed += f.duration
		timer.Reset(f.duration)
	}
}

// ended reports a source that stopped producing on its own.
func (t *LocalTrack) ended(err error) {
	if !errors.Is(err, io.EOF) {
		t.log.Warn().Err(err).Msg("Capture source failed")
	}
	t.mu.Lock()
	fn := t.onEnded
	stopped := t.stopped
	t.stopped = true
	t.mu.Unlock()
	if !stopped && fn != nil {
		fn()
	}
}

// remoteTrack reassembles inbound RTP into frames. It implements
// port.RemoteTrack.
type remoteTrack struct {
	track   *webrtc.TrackRemote
	info    domain.TrackInfo
	builder *samplebuilder.SampleBuilder
	video   bool
	elapsed time.Duration
}

const maxLatePackets = 64

func newRemoteTrack(track *webrtc.TrackRemote) *remoteTrack {
	codec := track.Codec()
	kind := domain.TrackAudio
	var depacketizer rtp.Depacketizer = &codecs.OpusPacket{}
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		kind = domain.TrackVideo
		depacketizer = &codecs.VP8Packet{}
	}
	return &remoteTrack{
		track: track,
		info: domain.TrackInfo{
			ID:        track.ID(),
			Kind:      kind,
			MimeType:  codec.MimeType,
			ClockRate: codec.ClockRate,
			Channels:  codec.Channels,
		},
		builder: samplebuilder.New(maxLatePackets, depacketizer, codec.ClockRate),
		video:   kind == domain.TrackVideo,
	}
}

func (r *remoteTrack) ID() string             { return r.info.ID }
func (r *remoteTrack) Kind() domain.TrackKind { return r.info.Kind }
func (r *remoteTrack) Info() domain.TrackInfo { return r.info }

// ReadSample is called from a single reader goroutine.
func (r *remoteTrack) ReadSample(ctx context.Context) (domain.MediaSample, error) {
	if d, ok := ctx.Deadline(); ok {
		_ = r.track.SetReadDeadline(d)
	}
	for {
		if err := ctx.Err(); err != nil {
			return domain.MediaSample{}, err
		}
		if s := r.builder.Pop(); s != nil {
			out := domain.MediaSample{
				TrackID:   r.info.ID,
				Kind:      r.info.Kind,
				Data:      s.Data,
				Timestamp: r.elapsed,
				Duration:  s.Duration,
				Keyframe:  !r.video || isVP8Keyframe(s.Data),
			}
			r.elapsed += s.Duration
			return out, nil
		}
		pkt, _, err := r.track.ReadRTP()
		if err != nil {
			return domain.MediaSample{}, err
		}
		r.builder.Push(pkt)
	}
}

// isVP8Keyframe reads the P bit of the VP8 frame tag.
func isVP8Keyframe(frame []byte) bool {
	return len(frame) > 0 && frame[0]&0x01 == 0
}
