// Package webm muxes recorded samples into a live WebM stream.
package webm

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/at-wat/ebml-go/webm"
	"github.com/rs/zerolog/log"
)

const (
	trackTypeVideo = 1
	trackTypeAudio = 2

	defaultWidth      = 640
	defaultHeight     = 480
	defaultSampleRate = 48000
	defaultChannels   = 2

	closeTimeout = 5 * time.Second
)

var ErrUnsupportedCodec = errors.New("webm: unsupported codec")

// Factory implements port.ContainerFactory.
type Factory struct{}

func (Factory) NewContainer(w io.Writer, tracks []domain.TrackInfo) (port.ContainerWriter, error) {
	if len(tracks) == 0 {
		return nil, fmt.Errorf("webm: no tracks")
	}

	entries := make([]webm.TrackEntry, 0, len(tracks))
	for i, t := range tracks {
		entry, err := trackEntry(uint64(i+1), t)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	sink := &signalCloser{Writer: w, closed: make(chan struct{})}
	writers, err := webm.NewSimpleBlockWriter(sink, entries)
	if err != nil {
		return nil, fmt.Errorf("webm: create writer: %w", err)
	}

	c := &container{
		sink:    sink,
		writers: writers,
		index:   make(map[string]int, len(tracks)),
		tracks:  tracks,
		base:    make(map[string]time.Duration, len(tracks)),
		started: time.Now(),
	}
	for i, t := range tracks {
		c.index[t.ID] = i
	}
	return c, nil
}

func trackEntry(number uint64, t domain.TrackInfo) (webm.TrackEntry, error) {
	entry := webm.TrackEntry{
		Name:        string(t.Kind),
		TrackNumber: number,
		TrackUID:    number,
	}
	switch strings.ToLower(t.MimeType) {
	case "video/vp8":
		entry.CodecID = "V_VP8"
	case "video/vp9":
		entry.CodecID = "V_VP9"
	case "audio/opus":
		entry.CodecID = "A_OPUS"
	default:
		return webm.TrackEntry{}, fmt.Errorf("%w: %q", ErrUnsupportedCodec, t.MimeType)
	}

	if t.Kind == domain.TrackVideo {
		width, height := t.Width, t.Height
		if width == 0 || height == 0 {
			width, height = defaultWidth, defaultHeight
		}
		entry.TrackType = trackTypeVideo
		entry.Video = &webm.Video{PixelWidth: uint64(width), PixelHeight: uint64(height)}
		return entry, nil
	}

	rate, channels := t.ClockRate, t.Channels
	if rate == 0 {
		rate = defaultSampleRate
	}
	if channels == 0 {
		channels = defaultChannels
	}
	entry.TrackType = trackTypeAudio
	entry.Audio = &webm.Audio{SamplingFrequency: float64(rate), Channels: uint64(channels)}
	return entry, nil
}

// container writes one block per sample. Each track's clock starts at the
// moment its first sample reached the container, so tracks that were already
// running before recording began still line up. Video blocks are held back
// until the track's first keyframe.
type container struct {
	sink    *signalCloser
	writers []webm.BlockWriteCloser
	index   map[string]int
	tracks  []domain.TrackInfo
	started time.Time

	mu      sync.Mutex
	base   map[string]time.Duration
	closed bool
}

func (c *container) WriteSample(s domain.MediaSample) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.ErrClosedPipe
	}
	i, ok := c.index[s.TrackID]
	if !ok {
		return nil
	}

	base, seen := c.base[s.TrackID]
	if !seen {
		if c.tracks[i].Kind == domain.TrackVideo && !s.Keyframe {
			return nil
		}
		base = s.Timestamp - time.Since(c.started)
		c.base[s.TrackID] = base
	}
	ts := (s.Timestamp - base).Milliseconds()
	if ts < 0 {
		ts = 0
	}
	_, err := c.writers[i].Write(s.Keyframe, ts, s.Data)
	return err
}

// Close flushes every track and waits for the muxer to release the output.
func (c *container) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	var errs []error
	for _, w := range c.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	select {
	case <-c.sink.closed:
	case <-time.After(closeTimeout):
		log.Warn().Msg("WebM muxer did not release its output")
	}
	return errors.Join(errs...)
}

// signalCloser adapts a plain writer to the io.WriteCloser the muxer owns.
type signalCloser struct {
	io.Writer
	once   sync.Once
	closed chan struct{}
}

func (s *signalCloser) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}
