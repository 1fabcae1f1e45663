package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	closeSendTimeout   = 3 * time.Second
	orphanLimit        = 32
	orphanSessionLimit = 64
	tombstoneLimit     = 1024
)

type CallConfig struct {
	AnswerTimeout   time.Duration
	ConnectTimeout  time.Duration
	RingTimeout     time.Duration
	QualityInterval time.Duration
}

func DefaultCallConfig() CallConfig {
	return CallConfig{
		AnswerTimeout:   30 * time.Second,
		ConnectTimeout:  15 * time.Second,
		RingTimeout:     45 * time.Second,
		QualityInterval: 2 * time.Second,
	}
}

// Deps are the collaborators of a CallService. Presence and Observer are
// optional.
type Deps struct {
	Signaler   port.Signaler
	Peers      port.PeerFactory
	Devices    port.DeviceProvider
	Containers port.ContainerFactory
	Presence   port.Presence
	Observer   port.CallObserver
}

type timerKind int

const (
	timerNone timerKind = iota
	timerRing
	timerAnswer
	timerConnect
)

// call is the per-session state. Every field is guarded by mu.
type call struct {
	mu      sync.Mutex
	session *domain.CallSession
	log     zerolog.Logger

	neg      *Negotiator
	pcGen    uint64
	media    *MediaController
	quality  *QualityMonitor
	recorder *Recorder

	timer     *time.Timer
	timerKind timerKind
	timerSeq  uint64

	awaitingAnswer bool
	descsReady     bool
	mediaFlowing   bool
}

// CallService owns the call sessions of one local identity. Envelopes and
// user intents for a session are serialized on that session's lock.
type CallService struct {
	self domain.UserID
	deps Deps
	cfg  CallConfig
	log  zerolog.Logger

	// create serializes the peer lookup and registration of new sessions.
	create sync.Mutex

	mu         sync.Mutex
	calls      map[domain.SessionID]*call
	orphans    map[domain.SessionID][]domain.Envelope
	orphanIDs  []domain.SessionID
	tombstones map[domain.SessionID]struct{}
	tombIDs    []domain.SessionID
	closed     bool

	// active maps a peer to its live call. Lookups here never take a session
	// lock, so a session busy capturing media does not hold up the others.
	active map[domain.UserID]*call

	events *notifier
}

func NewCallService(self domain.UserID, deps Deps, cfg CallConfig) *CallService {
	def := DefaultCallConfig()
	if cfg.AnswerTimeout <= 0 {
		cfg.AnswerTimeout = def.AnswerTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = def.RingTimeout
	}
	if cfg.QualityInterval <= 0 {
		cfg.QualityInterval = def.QualityInterval
	}
	return &CallService{
		self:       self,
		deps:       deps,
		cfg:        cfg,
		log:        log.With().Str("identity", self.String()).Logger(),
		calls:      make(map[domain.SessionID]*call),
		active:     make(map[domain.UserID]*call),
		orphans:    make(map[domain.SessionID][]domain.Envelope),
		tombstones: make(map[domain.SessionID]struct{}),
		events:     newNotifier(),
	}
}

func (s *CallService) Self() domain.UserID { return s.self }

// StartCall dials target. A call that target is currently ringing us with is
// accepted instead of crossing a second offer.
func (s *CallService) StartCall(ctx context.Context, target domain.UserID, constraints domain.Constraints) (domain.CallSession, error) {
	if target == s.self {
		return domain.CallSession{}, domain.ErrSelfCall
	}
	s.create.Lock()
	if existing := s.activeWith(target); existing != nil {
		s.create.Unlock()
		existing.mu.Lock()
		state, id := existing.session.State, existing.session.ID
		existing.mu.Unlock()
		switch {
		case state == domain.StateRinging:
			s.log.Info().Str("session_id", id.String()).Msg("Peer is already calling, accepting")
			return s.Accept(ctx, id, constraints)
		case state.Terminal():
			// Ended while we waited for its lock.
			return s.StartCall(ctx, target, constraints)
		}
		return domain.CallSession{}, fmt.Errorf("%w: %s", domain.ErrCallActive, target)
	}

	session := domain.NewOutgoingSession(s.self, target, time.Now())
	c := s.newCall(session)
	c.mu.Lock()
	defer c.mu.Unlock()
	err := s.track(c, session.ID, target)
	if err == nil {
		err = s.transition(c, domain.StateDialing, domain.ReasonNone)
	}
	s.create.Unlock()
	if err != nil {
		return domain.CallSession{}, err
	}
	c.log.Info().Str("target", target.String()).Msg("Dialing")

	if s.deps.Presence != nil {
		reachable, err := s.deps.Presence.IsReachable(ctx, target)
		switch {
		case err != nil:
			c.log.Warn().Err(err).Msg("Presence lookup failed, dialing anyway")
		case !reachable:
			s.teardown(c, domain.StateFailed, domain.ReasonPeerUnreachable, false)
			return *c.session, domain.ErrPeerUnreachable
		}
	}

	if _, err := c.media.Capture(ctx, constraints); err != nil {
		c.log.Warn().Err(err).Msg("Capture failed")
		s.teardown(c, domain.StateFailed, domain.ReasonForError(err), false)
		return *c.session, err
	}
	s.applyCapturedFlags(c, constraints)

	if err := s.attachPeer(c, target); err != nil {
		s.teardown(c, domain.StateFailed, domain.ReasonMediaPipeline, false)
		return *c.session, err
	}
	if err := c.neg.Offer(ctx); err != nil {
		c.log.Warn().Err(err).Msg("Sending offer failed")
		reason := domain.ReasonMediaPipeline
		if errors.Is(err, domain.ErrPeerUnreachable) || errors.Is(err, domain.ErrNotConnected) {
			reason = domain.ReasonPeerUnreachable
		}
		s.teardown(c, domain.StateFailed, reason, false)
		return *c.session, err
	}
	c.awaitingAnswer = true
	s.arm(c, timerAnswer, s.cfg.AnswerTimeout)
	return *c.session, nil
}

// Accept answers a ringing call. Local media is captured only now.
func (s *CallService) Accept(ctx context.Context, id domain.SessionID, constraints domain.Constraints) (domain.CallSession, error) {
	c, err := s.lookup(id)
	if err != nil {
		return domain.CallSession{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := s.expect(c, domain.StateRinging); err != nil {
		return *c.session, err
	}
	s.disarm(c)

	if _, err := c.media.Capture(ctx, constraints); err != nil {
		c.log.Warn().Err(err).Msg("Capture failed")
		s.teardown(c, domain.StateFailed, domain.ReasonForError(err), true)
		return *c.session, err
	}
	s.applyCapturedFlags(c, constraints)

	if err := c.media.Attach(c.neg.PeerConnection()); err != nil {
		s.teardown(c, domain.StateFailed, domain.ReasonMediaPipeline, true)
		return *c.session, err
	}
	if err := c.neg.Answer(ctx); err != nil {
		c.log.Warn().Err(err).Msg("Answering failed")
		s.teardown(c, domain.StateFailed, domain.ReasonMediaPipeline, true)
		return *c.session, err
	}
	c.descsReady = true
	if err := s.transition(c, domain.StateConnected, domain.ReasonNone); err != nil {
		return *c.session, err
	}
	s.startQuality(c)
	if !c.mediaFlowing {
		s.arm(c, timerConnect, s.cfg.ConnectTimeout)
	}
	return *c.session, nil
}

// Reject declines a ringing call without capturing any media.
func (s *CallService) Reject(id domain.SessionID) error {
	c, err := s.lookup(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := s.expect(c, domain.StateRinging); err != nil {
		return err
	}
	s.sendClose(c, domain.KindReject, domain.ReasonRejected)
	s.teardown(c, domain.StateEnded, domain.ReasonRejected, false)
	return nil
}

// Hangup ends the call from any non-terminal state. Hanging up an ended call
// is a no-op.
func (s *CallService) Hangup(id domain.SessionID) error {
	c, err := s.lookup(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session.State.Terminal() {
		return nil
	}
	s.teardown(c, domain.StateEnded, domain.ReasonLocalHangup, true)
	return nil
}

func (s *CallService) SetAudioEnabled(id domain.SessionID, enabled bool) error {
	return s.toggle(id, domain.TrackAudio, enabled)
}

func (s *CallService) SetVideoEnabled(id domain.SessionID, enabled bool) error {
	return s.toggle(id, domain.TrackVideo, enabled)
}

func (s *CallService) toggle(id domain.SessionID, kind domain.TrackKind, enabled bool) error {
	c, err := s.lookup(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := s.expect(c, domain.StateConnected); err != nil {
		return err
	}
	if err := c.media.Toggle(kind, enabled); err != nil {
		return err
	}
	if kind == domain.TrackAudio {
		c.session.Media.AudioEnabled = enabled
	} else {
		c.session.Media.VideoEnabled = enabled
	}
	return s.transition(c, domain.StateConnected, domain.ReasonNone)
}

func (s *CallService) StartScreenShare(ctx context.Context, id domain.SessionID) error {
	return s.substitute(ctx, id, domain.SourceScreen)
}

func (s *CallService) StopScreenShare(ctx context.Context, id domain.SessionID) error {
	return s.substitute(ctx, id, domain.SourceCamera)
}

func (s *CallService) substitute(ctx context.Context, id domain.SessionID, source domain.VideoSource) error {
	c, err := s.lookup(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := s.expect(c, domain.StateConnected); err != nil {
		return err
	}
	renegotiate, err := c.media.Substitute(ctx, domain.TrackVideo, source)
	if err != nil {
		return err
	}
	s.applySource(c, c.media.Source())
	if renegotiate {
		s.renegotiate(ctx, c)
	}
	return s.transition(c, domain.StateConnected, domain.ReasonNone)
}

func (s *CallService) applySource(c *call, source domain.VideoSource) {
	c.session.Media.ScreenSharing = source == domain.SourceScreen
	if source == domain.SourceNone {
		c.session.Media.VideoEnabled = false
	}
}

func (s *CallService) renegotiate(ctx context.Context, c *call) {
	c.awaitingAnswer = true
	if err := c.neg.Renegotiate(ctx); err != nil {
		c.awaitingAnswer = false
		c.log.Warn().Err(err).Msg("Renegotiation failed")
	}
}

// onSourceEnded runs after the platform stopped a screen capture and the
// controller restored the previous source.
func (s *CallService) onSourceEnded(c *call, source domain.VideoSource, renegotiate bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session.State != domain.StateConnected {
		return
	}
	s.applySource(c, source)
	if renegotiate {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.AnswerTimeout)
		defer cancel()
		s.renegotiate(ctx, c)
	}
	_ = s.transition(c, domain.StateConnected, domain.ReasonNone)
}

// StartRecording records the remote or local stream of a connected call.
func (s *CallService) StartRecording(id domain.SessionID, source domain.RecordingSource) (domain.RecordingID, error) {
	c, err := s.lookup(id)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session.State != domain.StateConnected {
		return "", domain.ErrNothingToRecord
	}
	var stream port.MediaStream
	switch source {
	case domain.RecordLocal:
		stream = c.media.LocalStream()
	default:
		stream = c.media.RemoteStream()
	}
	return c.recorder.Start(stream)
}

// StopRecording finalizes a recording and hands the artifact to the observer.
func (s *CallService) StopRecording(id domain.SessionID, rid domain.RecordingID) ([]byte, error) {
	c, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	artifact, err := c.recorder.Stop(rid)
	if err != nil {
		return nil, err
	}
	snapshot := *c.session
	if obs := s.deps.Observer; obs != nil {
		s.events.push(func() { obs.OnRecordingReady(snapshot, rid, artifact) })
	}
	return artifact, nil
}

// Session returns a snapshot. Former ids of a re-keyed session resolve to it.
func (s *CallService) Session(id domain.SessionID) (domain.CallSession, bool) {
	c, err := s.lookup(id)
	if err != nil {
		return domain.CallSession{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.session, true
}

func (s *CallService) Sessions() []domain.CallSession {
	s.mu.Lock()
	seen := make(map[*call]struct{}, len(s.calls))
	list := make([]*call, 0, len(s.calls))
	for _, c := range s.calls {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		list = append(list, c)
	}
	s.mu.Unlock()

	out := make([]domain.CallSession, 0, len(list))
	for _, c := range list {
		c.mu.Lock()
		out = append(out, *c.session)
		c.mu.Unlock()
	}
	return out
}

// Acknowledge forgets a terminal session. Later envelopes for it are
// dropped.
func (s *CallService) Acknowledge(id domain.SessionID) error {
	c, err := s.lookup(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if !c.session.State.Terminal() {
		state := c.session.State
		c.mu.Unlock()
		return fmt.Errorf("%w: session is %s", domain.ErrInvalidTransition, state)
	}
	ids := []domain.SessionID{c.session.ID}
	if c.session.ReplacedID != "" {
		ids = append(ids, c.session.ReplacedID)
	}
	c.mu.Unlock()

	s.mu.Lock()
	for _, sid := range ids {
		delete(s.calls, sid)
		s.tombstoneLocked(sid)
	}
	s.mu.Unlock()
	return nil
}

// Close ends every active call and flushes pending observer callbacks. It
// must not be called from an observer callback.
func (s *CallService) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	list := make([]*call, 0, len(s.calls))
	for _, c := range s.calls {
		list = append(list, c)
	}
	s.mu.Unlock()

	for _, c := range list {
		c.mu.Lock()
		if !c.session.State.Terminal() {
			s.teardown(c, domain.StateEnded, domain.ReasonShutdown, true)
		}
		c.mu.Unlock()
	}
	s.events.close()
}

func (s *CallService) newCall(session *domain.CallSession) *call {
	l := s.log.With().Str("session_id", session.ID.String()).Logger()
	c := &call{
		session:  session,
		log:      l,
		media:    NewMediaController(s.deps.Devices, l),
		recorder: NewRecorder(s.deps.Containers, l),
	}
	c.media.OnSourceEnded(func(source domain.VideoSource, renegotiate bool) {
		s.onSourceEnded(c, source, renegotiate)
	})
	return c
}

func (s *CallService) track(c *call, id domain.SessionID, peer domain.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.ErrTerminal
	}
	s.calls[id] = c
	s.active[peer] = c
	return nil
}

// untrack drops c from the peer index. Its ids stay resolvable until
// Acknowledge.
func (s *CallService) untrack(c *call, peer domain.UserID) {
	s.mu.Lock()
	if s.active[peer] == c {
		delete(s.active, peer)
	}
	s.mu.Unlock()
}

func (s *CallService) lookup(id domain.SessionID) (*call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	return c, nil
}

// activeWith returns the live call with peer, if any. The call may turn
// terminal before the caller locks it.
func (s *CallService) activeWith(peer domain.UserID) *call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[peer]
}

func (s *CallService) expect(c *call, state domain.CallState) error {
	if c.session.State == state {
		return nil
	}
	if c.session.State.Terminal() {
		return fmt.Errorf("%w: %s", domain.ErrTerminal, c.session.State)
	}
	return fmt.Errorf("%w: session is %s, want %s", domain.ErrInvalidTransition, c.session.State, state)
}

func (s *CallService) applyCapturedFlags(c *call, constraints domain.Constraints) {
	c.session.Media.AudioEnabled = constraints.Audio
	c.session.Media.VideoEnabled = constraints.Video && c.media.Source() != domain.SourceNone
	c.session.Media.ScreenSharing = false
}

// openPeer creates a peer connection for the current session id. Callbacks
// of earlier connections are ignored from here on.
func (s *CallService) openPeer(c *call, peer domain.UserID) error {
	pc, err := s.deps.Peers.NewPeerConnection()
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}
	c.pcGen++
	gen := c.pcGen
	c.neg = NewNegotiator(c.session.ID, peer, pc, s.deps.Signaler, c.log)
	pc.OnTrack(func(t port.RemoteTrack) { s.onRemoteTrack(c, gen, t) })
	pc.OnConnectionStateChange(func(st domain.ConnectionState) { s.onConnectionState(c, gen, st) })
	s.adoptOrphans(c)
	return nil
}

// attachPeer opens a peer connection and binds the captured tracks to it.
func (s *CallService) attachPeer(c *call, peer domain.UserID) error {
	if err := s.openPeer(c, peer); err != nil {
		return err
	}
	return c.media.Attach(c.neg.PeerConnection())
}

func (s *CallService) onRemoteTrack(c *call, gen uint64, t port.RemoteTrack) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.pcGen || c.session.State.Terminal() {
		return
	}
	c.media.BindRemote(t)
	if c.mediaFlowing {
		return
	}
	c.mediaFlowing = true
	switch c.session.State {
	case domain.StateDialing:
		if !c.descsReady {
			return
		}
		s.disarm(c)
		if err := s.transition(c, domain.StateConnected, domain.ReasonNone); err == nil {
			s.startQuality(c)
		}
	case domain.StateConnected:
		if c.timerKind == timerConnect {
			s.disarm(c)
		}
		// The callee went Connected before any media arrived; observers
		// waiting on remote media hear about it now.
		s.notifyState(c)
	}
}

func (s *CallService) onConnectionState(c *call, gen uint64, st domain.ConnectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.pcGen || c.session.State.Terminal() {
		return
	}
	c.log.Debug().Str("connection_state", string(st)).Msg("Transport state changed")
	if st == domain.ConnectionFailed && c.descsReady {
		s.teardown(c, domain.StateFailed, domain.ReasonConnectionLost, true)
	}
}

func (s *CallService) startQuality(c *call) {
	if c.quality != nil || c.neg == nil {
		return
	}
	c.quality = NewQualityMonitor(c.session.ID, c.neg.PeerConnection(), s.cfg.QualityInterval, c.log)
	remote := c.media.RemoteStream()
	obs := s.deps.Observer
	c.quality.Start(func(sample domain.QualitySample) {
		if obs == nil {
			return
		}
		s.events.push(func() {
			c.mu.Lock()
			snapshot := *c.session
			c.mu.Unlock()
			if snapshot.State == domain.StateConnected {
				obs.OnQualitySample(snapshot, sample)
			}
		})
	}, func() bool {
		for _, t := range remote.Tracks() {
			if t.Kind == domain.TrackVideo {
				return true
			}
		}
		return false
	})
}

// transition applies a state change and queues the observer notification.
func (s *CallService) transition(c *call, to domain.CallState, reason domain.Reason) error {
	from := c.session.State
	if err := c.session.Transition(to, reason, time.Now()); err != nil {
		return err
	}
	if from != to {
		c.log.Info().Str("from", from.String()).Str("to", to.String()).Str("reason", string(reason)).Msg("Call state changed")
	}
	s.notifyState(c)
	return nil
}

func (s *CallService) notifyState(c *call) {
	obs := s.deps.Observer
	if obs == nil {
		return
	}
	snapshot := *c.session
	s.events.push(func() { obs.OnStateChanged(snapshot) })
}

// teardown is the single exit path into Ended or Failed. sendEnd reports
// whether the peer should get a best-effort End.
func (s *CallService) teardown(c *call, state domain.CallState, reason domain.Reason, sendEnd bool) {
	if c.session.State.Terminal() {
		return
	}
	s.untrack(c, c.session.Peer(s.self))
	s.disarm(c)
	if sendEnd {
		s.sendClose(c, domain.KindEnd, reason)
	}
	if c.quality != nil {
		c.quality.Stop()
		c.quality = nil
	}
	c.recorder.DiscardAll()
	c.media.Release()
	if c.neg != nil {
		if err := c.neg.Close(); err != nil {
			c.log.Debug().Err(err).Msg("Closing peer connection")
		}
	}
	c.pcGen++
	c.awaitingAnswer = false
	if err := s.transition(c, state, reason); err != nil {
		c.log.Error().Err(err).Msg("Terminal transition rejected")
	}
}

func (s *CallService) sendClose(c *call, kind domain.EnvelopeKind, reason domain.Reason) {
	ctx, cancel := context.WithTimeout(context.Background(), closeSendTimeout)
	defer cancel()
	env := domain.NewCloseEnvelope(kind, c.session.ID, c.session.Peer(s.self), reason)
	if err := s.deps.Signaler.Send(ctx, env); err != nil {
		c.log.Debug().Err(err).Str("kind", string(kind)).Msg("Close envelope not delivered")
	}
}

func (s *CallService) arm(c *call, kind timerKind, d time.Duration) {
	s.disarm(c)
	c.timerSeq++
	seq := c.timerSeq
	c.timerKind = kind
	c.timer = time.AfterFunc(d, func() { s.onTimer(c, seq) })
}

func (s *CallService) disarm(c *call) {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerKind = timerNone
	c.timerSeq++
}

func (s *CallService) onTimer(c *call, seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq != c.timerSeq || c.session.State.Terminal() {
		return
	}
	kind := c.timerKind
	c.timer = nil
	c.timerKind = timerNone
	switch kind {
	case timerRing:
		c.log.Info().Msg("Ring timeout, rejecting")
		s.sendClose(c, domain.KindReject, domain.ReasonTimeout)
		s.teardown(c, domain.StateEnded, domain.ReasonTimeout, false)
	case timerAnswer:
		c.log.Warn().Msg("No answer received")
		s.teardown(c, domain.StateFailed, domain.ReasonNegotiationTimeout, true)
	case timerConnect:
		if !c.mediaFlowing {
			c.log.Warn().Msg("No media flow after negotiation")
			s.teardown(c, domain.StateFailed, domain.ReasonConnectivityTimeout, true)
		}
	}
}

func (s *CallService) tombstoneLocked(id domain.SessionID) {
	if _, ok := s.tombstones[id]; ok {
		return
	}
	s.tombstones[id] = struct{}{}
	s.tombIDs = append(s.tombIDs, id)
	if len(s.tombIDs) > tombstoneLimit {
		delete(s.tombstones, s.tombIDs[0])
		s.tombIDs = s.tombIDs[1:]
	}
	delete(s.orphans, id)
}
