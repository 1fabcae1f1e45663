package service

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/rs/zerolog"
)

const recordingSubscriberBuffer = 256

// chunks collects container output one Write at a time.
type chunks struct {
	mu   sync.Mutex
	list [][]byte
	size int
}

func (c *chunks) Write(p []byte) (int, error) {
	b := make([]byte, len(p))
	copy(b, p)
	c.mu.Lock()
	c.list = append(c.list, b)
	c.size += len(b)
	c.mu.Unlock()
	return len(p), nil
}

func (c *chunks) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.list)
}

func (c *chunks) Bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var buf bytes.Buffer
	buf.Grow(c.size)
	for _, b := range c.list {
		buf.Write(b)
	}
	return buf.Bytes()
}

type recording struct {
	id     domain.RecordingID
	stream port.MediaStream
	cancel func()
	done   chan struct{}

	// Written by the collecting goroutine, read after done.
	tracks  []domain.TrackInfo
	known   map[string]bool
	samples []domain.MediaSample
}

// learn merges the stream's current track set into the recording. Tracks
// that left the stream stay so their samples remain decodable.
func (rec *recording) learn() {
	for _, t := range rec.stream.Tracks() {
		if !rec.known[t.ID] {
			rec.known[t.ID] = true
			rec.tracks = append(rec.tracks, t)
		}
	}
}

// Recorder captures media streams into container artifacts. Every Start/Stop
// cycle yields an independent artifact. The container is written at Stop, so
// tracks bound after Start are part of it.
type Recorder struct {
	containers port.ContainerFactory
	log        zerolog.Logger

	mu     sync.Mutex
	active map[domain.RecordingID]*recording
}

func NewRecorder(containers port.ContainerFactory, l zerolog.Logger) *Recorder {
	return &Recorder{
		containers: containers,
		log:        l,
		active:     make(map[domain.RecordingID]*recording),
	}
}

// Start begins recording stream. A nil stream or one without tracks yields
// domain.ErrNothingToRecord.
func (r *Recorder) Start(stream port.MediaStream) (domain.RecordingID, error) {
	if stream == nil {
		return "", domain.ErrNothingToRecord
	}
	rec := &recording{
		id:     domain.NewRecordingID(),
		stream: stream,
		done:   make(chan struct{}),
		known:  make(map[string]bool),
	}
	rec.learn()
	initial := len(rec.tracks)
	if initial == 0 {
		return "", domain.ErrNothingToRecord
	}

	samples, cancel := stream.Subscribe(recordingSubscriberBuffer)
	rec.cancel = cancel

	r.mu.Lock()
	r.active[rec.id] = rec
	r.mu.Unlock()

	go func() {
		defer close(rec.done)
		for s := range samples {
			if !rec.known[s.TrackID] {
				rec.learn()
			}
			rec.samples = append(rec.samples, s)
		}
	}()

	r.log.Info().
		Str("recording_id", rec.id.String()).
		Str("stream_id", stream.ID()).
		Int("tracks", initial).
		Msg("Recording started")
	return rec.id, nil
}

// Stop ends the recording and returns the encoded artifact.
func (r *Recorder) Stop(id domain.RecordingID) ([]byte, error) {
	rec, err := r.finish(id)
	if err != nil {
		return nil, err
	}
	l := r.log.With().Str("recording_id", id.String()).Logger()
	rec.learn()

	out := &chunks{}
	w, err := r.containers.NewContainer(out, rec.tracks)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	written := 0
	for _, s := range rec.samples {
		if err := w.WriteSample(s); err != nil {
			l.Debug().Err(err).Str("track_id", s.TrackID).Msg("Dropping sample")
			continue
		}
		written++
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalize recording: %w", err)
	}
	artifact := out.Bytes()
	l.Info().
		Int("tracks", len(rec.tracks)).
		Int("samples", written).
		Int("chunks", out.Len()).
		Int("bytes", len(artifact)).
		Msg("Recording stopped")
	return artifact, nil
}

// Discard stops the recording and drops its output.
func (r *Recorder) Discard(id domain.RecordingID) error {
	if _, err := r.finish(id); err != nil {
		return err
	}
	r.log.Debug().Str("recording_id", id.String()).Msg("Recording discarded")
	return nil
}

func (r *Recorder) DiscardAll() {
	r.mu.Lock()
	ids := make([]domain.RecordingID, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		_ = r.Discard(id)
	}
}

func (r *Recorder) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

func (r *Recorder) finish(id domain.RecordingID) (*recording, error) {
	r.mu.Lock()
	rec, ok := r.active[id]
	delete(r.active, id)
	r.mu.Unlock()
	if !ok {
		return nil, domain.ErrRecordingNotFound
	}
	rec.cancel()
	<-rec.done
	return rec, nil
}
