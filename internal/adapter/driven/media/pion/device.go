package pion

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

const defaultFrameDuration = 33 * time.Millisecond

// FileDevices captures from prerecorded files: VP8 IVF for camera and
// screen, Opus Ogg for the microphone. Camera and microphone loop; the screen
// source plays once and its end stands in for the platform stopping a share.
// A file feeds at most one live track at a time, like an exclusive device.
type FileDevices struct {
	AudioPath  string
	VideoPath  string
	ScreenPath string

	mu    sync.Mutex
	inUse map[string]bool
}

func (d *FileDevices) Capture(ctx context.Context, c domain.Constraints) ([]port.LocalTrack, error) {
	var tracks []port.LocalTrack
	fail := func(err error) ([]port.LocalTrack, error) {
		for _, t := range tracks {
			t.Stop()
		}
		return nil, err
	}

	if c.Audio {
		t, err := d.open(ctx, "microphone", d.AudioPath, domain.TrackAudio, domain.SourceNone, true)
		if err != nil {
			return fail(err)
		}
		tracks = append(tracks, t)
	}
	if c.Video {
		t, err := d.open(ctx, "camera", d.VideoPath, domain.TrackVideo, domain.SourceCamera, true)
		if err != nil {
			return fail(err)
		}
		tracks = append(tracks, t)
	}
	return tracks, nil
}

func (d *FileDevices) CaptureScreen(ctx context.Context) (port.LocalTrack, error) {
	return d.open(ctx, "screen", d.ScreenPath, domain.TrackVideo, domain.SourceScreen, false)
}

func (d *FileDevices) open(ctx context.Context, device, path string, kind domain.TrackKind, source domain.VideoSource, loop bool) (*LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if path == "" {
		return nil, &domain.MediaError{Cause: domain.MediaNoDevice, Device: device}
	}
	if !d.acquire(path) {
		return nil, &domain.MediaError{Cause: domain.MediaDeviceBusy, Device: device}
	}

	var (
		src  frameSource
		info domain.TrackInfo
		err  error
	)
	if kind == domain.TrackAudio {
		src, info, err = openOgg(path)
	} else {
		src, info, err = openIVF(path)
	}
	if err != nil {
		d.releasePath(path)
		return nil, mediaError(device, err)
	}

	t, err := newLocalTrack(kind, source, info, src, loop, func() { d.releasePath(path) })
	if err != nil {
		src.close()
		d.releasePath(path)
		return nil, &domain.MediaError{Cause: domain.MediaPipeline, Device: device, Err: err}
	}
	return t, nil
}

func (d *FileDevices) acquire(path string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inUse == nil {
		d.inUse = make(map[string]bool)
	}
	if d.inUse[path] {
		return false
	}
	d.inUse[path] = true
	return true
}

func (d *FileDevices) releasePath(path string) {
	d.mu.Lock()
	delete(d.inUse, path)
	d.mu.Unlock()
}

func mediaError(device string, err error) error {
	cause := domain.MediaPipeline
	switch {
	case errors.Is(err, os.ErrNotExist):
		cause = domain.MediaNoDevice
	case errors.Is(err, os.ErrPermission):
		cause = domain.MediaPermissionDenied
	}
	return &domain.MediaError{Cause: cause, Device: device, Err: err}
}

type ivfSource struct {
	file     *os.File
	reader   *ivfreader.IVFReader
	duration time.Duration
}

func openIVF(path string) (frameSource, domain.TrackInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, domain.TrackInfo{}, err
	}
	reader, header, err := ivfreader.NewWith(f)
	if err != nil {
		f.Close()
		return nil, domain.TrackInfo{}, fmt.Errorf("read ivf header: %w", err)
	}
	if header.FourCC != "VP80" {
		f.Close()
		return nil, domain.TrackInfo{}, fmt.Errorf("unsupported ivf codec %q", header.FourCC)
	}

	duration := defaultFrameDuration
	if header.TimebaseDenominator > 0 && header.TimebaseNumerator > 0 {
		duration = time.Duration(float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator) * float64(time.Second))
	}
	return &ivfSource{file: f, reader: reader, duration: duration}, domain.TrackInfo{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: 90000,
		Width:     uint32(header.Width),
		Height:    uint32(header.Height),
	}, nil
}

func (s *ivfSource) next() (frame, error) {
	data, _, err := s.reader.ParseNextFrame()
	if err != nil {
		return frame{}, err
	}
	return frame{data: data, duration: s.duration, keyframe: isVP8Keyframe(data)}, nil
}

func (s *ivfSource) reset() error {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	reader, _, err := ivfreader.NewWith(s.file)
	if err != nil {
		return err
	}
	s.reader = reader
	return nil
}

func (s *ivfSource) close() error {
	return s.file.Close()
}

type oggSource struct {
	file       *os.File
	reader     *oggreader.OggReader
	sampleRate uint32
	granule    uint64
}

func openOgg(path string) (frameSource, domain.TrackInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, domain.TrackInfo{}, err
	}
	reader, header, err := oggreader.NewWith(f)
	if err != nil {
		f.Close()
		return nil, domain.TrackInfo{}, fmt.Errorf("read ogg header: %w", err)
	}
	return &oggSource{file: f, reader: reader, sampleRate: 48000}, domain.TrackInfo{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  uint16(header.Channels),
	}, nil
}

// next skips the comment header page. Page duration follows the granule
// position, which counts 48kHz samples for Opus.
func (s *oggSource) next() (frame, error) {
	for {
		data, page, err := s.reader.ParseNextPage()
		if err != nil {
			return frame{}, err
		}
		if bytes.HasPrefix(data, []byte("OpusTags")) {
			continue
		}
		duration := defaultFrameDuration
		if page.GranulePosition > s.granule {
			samples := page.GranulePosition - s.granule
			duration = time.Duration(float64(samples) / float64(s.sampleRate) * float64(time.Second))
		}
		s.granule = page.GranulePosition
		return frame{data: data, duration: duration, keyframe: true}, nil
	}
}

func (s *oggSource) reset() error {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	reader, _, err := oggreader.NewWith(s.file)
	if err != nil {
		return err
	}
	s.reader = reader
	s.granule = 0
	return nil
}

func (s *oggSource) close() error {
	return s.file.Close()
}
