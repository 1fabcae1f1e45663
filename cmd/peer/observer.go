package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/service"
	"github.com/rs/zerolog/log"
)

// observer reacts to call events for the headless peer. svc is set right
// after construction since the service needs the observer first.
type observer struct {
	ctx         context.Context
	svc         *service.CallService
	constraints domain.Constraints
	autoAccept  bool
	recordDir   string

	mu         sync.Mutex
	recordings map[domain.SessionID]domain.RecordingID
}

func newObserver(ctx context.Context, constraints domain.Constraints, autoAccept bool, recordDir string) *observer {
	return &observer{
		ctx:         ctx,
		constraints: constraints,
		autoAccept:  autoAccept,
		recordDir:   recordDir,
		recordings:  make(map[domain.SessionID]domain.RecordingID),
	}
}

func (o *observer) OnStateChanged(s domain.CallSession) {
	l := log.With().
		Str("session_id", s.ID.String()).
		Str("peer", s.Peer(o.svc.Self()).String()).
		Str("role", string(s.Role)).
		Logger()

	ev := l.Info().Str("state", s.State.String())
	if s.Reason != domain.ReasonNone {
		ev = ev.Str("reason", string(s.Reason))
	}
	ev.Msg("Call state changed")

	switch s.State {
	case domain.StateRinging:
		if !o.autoAccept {
			l.Info().Msg("Incoming call, type 'accept' or 'reject'")
			return
		}
		go func() {
			if _, err := o.svc.Accept(o.ctx, s.ID, o.constraints); err != nil {
				l.Error().Err(err).Msg("Auto-accept failed")
			}
		}()
	case domain.StateConnected:
		// Connected is repeated once remote media is bound, which is what the
		// callee needs before anything can be recorded.
		if o.recordDir == "" || !o.claim(s.ID) {
			return
		}
		go o.startRecording(s.ID)
	case domain.StateEnded, domain.StateFailed:
		o.mu.Lock()
		delete(o.recordings, s.ID)
		o.mu.Unlock()
		l.Info().Dur("duration", s.Duration(s.EndedAt)).Msg("Call finished")
	}
}

func (o *observer) OnQualitySample(s domain.CallSession, q domain.QualitySample) {
	ev := log.Debug()
	if q.Class != domain.QualityGood {
		ev = log.Warn()
	}
	ev = ev.Str("session_id", s.ID.String()).
		Str("class", string(q.Class)).
		Float64("loss", q.Metrics.LossRate).
		Dur("jitter", q.Metrics.Jitter).
		Float64("fps", q.Metrics.FrameRate)
	if q.Metrics.Resolution != "" {
		ev = ev.Str("resolution", q.Metrics.Resolution)
	}
	for _, d := range q.Metrics.Diagnostics {
		ev = ev.Str(string(d.Type), d.Message)
	}
	ev.Msg("Call quality")
}

func (o *observer) OnRecordingReady(s domain.CallSession, id domain.RecordingID, artifact []byte) {
	if o.recordDir == "" {
		return
	}
	path := filepath.Join(o.recordDir, fmt.Sprintf("%s-%s.webm", s.ID, id))
	if err := os.WriteFile(path, artifact, 0o644); err != nil {
		log.Error().Err(err).Str("path", path).Msg("Writing recording")
		return
	}
	log.Info().Str("path", path).Int("bytes", len(artifact)).Msg("Recording saved")
}

// claim reserves the recording slot of id. An empty RecordingID marks a
// start in progress.
func (o *observer) claim(id domain.SessionID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.recordings[id]; ok {
		return false
	}
	o.recordings[id] = ""
	return true
}

// startRecording runs after a successful claim.
func (o *observer) startRecording(id domain.SessionID) {
	rid, err := o.svc.StartRecording(id, domain.RecordRemote)
	o.mu.Lock()
	if err != nil {
		delete(o.recordings, id)
	} else {
		o.recordings[id] = rid
	}
	o.mu.Unlock()
	if errors.Is(err, domain.ErrNothingToRecord) {
		log.Debug().Str("session_id", id.String()).Msg("No remote media yet, recording deferred")
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("session_id", id.String()).Msg("Recording not started")
		return
	}
	log.Info().Str("session_id", id.String()).Str("recording_id", rid.String()).Msg("Recording started")
}

// stopRecording finalizes the active recording of id, if any. The artifact
// reaches disk through OnRecordingReady.
func (o *observer) stopRecording(id domain.SessionID) {
	o.mu.Lock()
	rid, ok := o.recordings[id]
	if ok && rid != "" {
		delete(o.recordings, id)
	}
	o.mu.Unlock()
	if !ok || rid == "" {
		return
	}
	if _, err := o.svc.StopRecording(id, rid); err != nil {
		log.Warn().Err(err).Str("session_id", id.String()).Msg("Stopping recording")
	}
}

func (o *observer) stopAll() {
	o.mu.Lock()
	ids := make([]domain.SessionID, 0, len(o.recordings))
	for id := range o.recordings {
		ids = append(ids, id)
	}
	o.mu.Unlock()
	for _, id := range ids {
		o.stopRecording(id)
	}
}
