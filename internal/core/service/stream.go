package service

import (
	"sync"
	"sync/atomic"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/google/uuid"
)

// Stream fans the samples of a set of tracks out to subscribers. Slow
// subscribers lose samples rather than stall the producer.
type Stream struct {
	id string

	mu     sync.RWMutex
	tracks []domain.TrackInfo
	subs   map[int]chan domain.MediaSample
	nextID int
	closed bool

	dropped atomic.Uint64
}

func NewStream() *Stream {
	return &Stream{
		id:   uuid.New().String(),
		subs: make(map[int]chan domain.MediaSample),
	}
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) Tracks() []domain.TrackInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.TrackInfo, len(s.tracks))
	copy(out, s.tracks)
	return out
}

func (s *Stream) AddTrack(info domain.TrackInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.tracks {
		if t.ID == info.ID {
			s.tracks[i] = info
			return
		}
	}
	s.tracks = append(s.tracks, info)
}

func (s *Stream) RemoveTrack(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.tracks {
		if t.ID == id {
			s.tracks = append(s.tracks[:i], s.tracks[i+1:]...)
			return
		}
	}
}

// Subscribe returns a channel of samples and a cancel func that closes it.
func (s *Stream) Subscribe(buffer int) (<-chan domain.MediaSample, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan domain.MediaSample, buffer)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
			s.mu.Unlock()
		})
	}
}

func (s *Stream) Publish(sample domain.MediaSample) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- sample:
		default:
			s.dropped.Add(1)
		}
	}
}

func (s *Stream) Dropped() uint64 {
	return s.dropped.Load()
}

// Close ends every subscription.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.tracks = nil
}
