package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
)

// fakePeer records every negotiation call made on it.
type fakePeer struct {
	mu             sync.Mutex
	name           string
	replaceSupport bool
	offers         int
	answers        int
	local          []domain.SessionDescription
	remote         []domain.SessionDescription
	candidates     []domain.ICECandidate
	senders        []*fakeSender
	removed        int
	closed         bool
	stats          domain.InboundStats
	statsErr       error

	onCandidate func(domain.ICECandidate)
	onTrack     func(port.RemoteTrack)
	onState     func(domain.ConnectionState)
}

func (p *fakePeer) CreateOffer(context.Context) (domain.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offers++
	return domain.SessionDescription{Type: domain.SDPOffer, SDP: fmt.Sprintf("offer-%s-%d", p.name, p.offers)}, nil
}

func (p *fakePeer) CreateAnswer(context.Context) (domain.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.remote) == 0 {
		return domain.SessionDescription{}, errors.New("no remote offer")
	}
	p.answers++
	return domain.SessionDescription{Type: domain.SDPAnswer, SDP: fmt.Sprintf("answer-%s-%d", p.name, p.answers)}, nil
}

func (p *fakePeer) SetLocalDescription(_ context.Context, d domain.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = append(p.local, d)
	return nil
}

func (p *fakePeer) SetRemoteDescription(_ context.Context, d domain.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d.SDP == "bad" {
		return errors.New("unparseable sdp")
	}
	p.remote = append(p.remote, d)
	return nil
}

func (p *fakePeer) AddICECandidate(c domain.ICECandidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePeer) AddTrack(t port.LocalTrack) (port.TrackSender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &fakeSender{track: t}
	p.senders = append(p.senders, s)
	return s, nil
}

func (p *fakePeer) RemoveTrack(port.TrackSender) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removed++
	return nil
}

func (p *fakePeer) SupportsReplaceTrack() bool { return p.replaceSupport }

func (p *fakePeer) OnICECandidate(fn func(domain.ICECandidate)) { p.onCandidate = fn }
func (p *fakePeer) OnTrack(fn func(port.RemoteTrack))           { p.onTrack = fn }
func (p *fakePeer) OnConnectionStateChange(fn func(domain.ConnectionState)) {
	p.onState = fn
}

func (p *fakePeer) Stats(context.Context) (domain.InboundStats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats, p.statsErr
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) setStats(s domain.InboundStats) {
	p.mu.Lock()
	p.stats = s
	p.mu.Unlock()
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) appliedCandidates() []domain.ICECandidate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.ICECandidate(nil), p.candidates...)
}

func (p *fakePeer) remoteDescriptions() []domain.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.SessionDescription(nil), p.remote...)
}

func (p *fakePeer) videoSender() *fakeSender {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.senders {
		if s.track != nil && s.track.Kind() == domain.TrackVideo {
			return s
		}
	}
	return nil
}

// emitTrack delivers a remote track the way the transport would.
func (p *fakePeer) emitTrack(t port.RemoteTrack) { p.onTrack(t) }

type fakeSender struct {
	mu       sync.Mutex
	track    port.LocalTrack
	replaced int
}

func (s *fakeSender) ReplaceTrack(t port.LocalTrack) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track = t
	s.replaced++
	return nil
}

func (s *fakeSender) current() (port.LocalTrack, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track, s.replaced
}

type fakePeers struct {
	mu             sync.Mutex
	name           string
	replaceSupport bool
	err            error
	created        []*fakePeer
}

func (f *fakePeers) NewPeerConnection() (port.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	p := &fakePeer{name: f.name, replaceSupport: f.replaceSupport}
	f.created = append(f.created, p)
	return p, nil
}

func (f *fakePeers) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

func (f *fakePeers) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

type fakeTrack struct {
	mu       sync.Mutex
	id       string
	kind     domain.TrackKind
	source   domain.VideoSource
	enabled  bool
	stopped  bool
	onEnded  func()
	onSample func(domain.MediaSample)
}

func newFakeTrack(id string, kind domain.TrackKind, source domain.VideoSource) *fakeTrack {
	return &fakeTrack{id: id, kind: kind, source: source, enabled: true}
}

func (t *fakeTrack) ID() string                 { return t.id }
func (t *fakeTrack) Kind() domain.TrackKind     { return t.kind }
func (t *fakeTrack) Source() domain.VideoSource { return t.source }
func (t *fakeTrack) Info() domain.TrackInfo {
	return domain.TrackInfo{ID: t.id, Kind: t.kind, MimeType: "test/" + string(t.kind)}
}

func (t *fakeTrack) SetEnabled(v bool) {
	t.mu.Lock()
	t.enabled = v
	t.mu.Unlock()
}

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = fn
	t.mu.Unlock()
}

func (t *fakeTrack) OnSample(fn func(domain.MediaSample)) {
	t.mu.Lock()
	t.onSample = fn
	t.mu.Unlock()
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *fakeTrack) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// end simulates the platform stopping the source.
func (t *fakeTrack) end() {
	t.mu.Lock()
	fn := t.onEnded
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (t *fakeTrack) emit(s domain.MediaSample) {
	t.mu.Lock()
	fn := t.onSample
	t.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

type fakeDevices struct {
	mu         sync.Mutex
	captureErr error
	screenErr  error
	noCamera   bool
	captures   int
	tracks     []*fakeTrack
	screens    []*fakeTrack

	// hold, when set, parks the next Capture until it is closed. holding is
	// closed once that Capture is parked.
	hold    chan struct{}
	holding chan struct{}
}

func (d *fakeDevices) Capture(_ context.Context, c domain.Constraints) ([]port.LocalTrack, error) {
	d.mu.Lock()
	hold, holding := d.hold, d.holding
	d.hold, d.holding = nil, nil
	d.mu.Unlock()
	if hold != nil {
		close(holding)
		<-hold
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.captureErr != nil {
		return nil, d.captureErr
	}
	d.captures++
	var out []port.LocalTrack
	if c.Audio {
		t := newFakeTrack(fmt.Sprintf("mic-%d", d.captures), domain.TrackAudio, domain.SourceNone)
		d.tracks = append(d.tracks, t)
		out = append(out, t)
	}
	if c.Video && !d.noCamera {
		t := newFakeTrack(fmt.Sprintf("cam-%d", d.captures), domain.TrackVideo, domain.SourceCamera)
		d.tracks = append(d.tracks, t)
		out = append(out, t)
	}
	return out, nil
}

func (d *fakeDevices) CaptureScreen(context.Context) (port.LocalTrack, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.screenErr != nil {
		return nil, d.screenErr
	}
	t := newFakeTrack(fmt.Sprintf("screen-%d", len(d.screens)+1), domain.TrackVideo, domain.SourceScreen)
	d.screens = append(d.screens, t)
	return t, nil
}

func (d *fakeDevices) captureCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.captures
}

func (d *fakeDevices) lastScreen() *fakeTrack {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.screens) == 0 {
		return nil
	}
	return d.screens[len(d.screens)-1]
}

func (d *fakeDevices) captured() []*fakeTrack {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeTrack(nil), d.tracks...)
}

type fakeRemoteTrack struct {
	id      string
	kind    domain.TrackKind
	samples chan domain.MediaSample
}

func newFakeRemoteTrack(id string, kind domain.TrackKind) *fakeRemoteTrack {
	return &fakeRemoteTrack{id: id, kind: kind, samples: make(chan domain.MediaSample, 16)}
}

func (t *fakeRemoteTrack) ID() string             { return t.id }
func (t *fakeRemoteTrack) Kind() domain.TrackKind { return t.kind }
func (t *fakeRemoteTrack) Info() domain.TrackInfo {
	return domain.TrackInfo{ID: t.id, Kind: t.kind, MimeType: "test/" + string(t.kind)}
}

func (t *fakeRemoteTrack) ReadSample(ctx context.Context) (domain.MediaSample, error) {
	select {
	case s, ok := <-t.samples:
		if !ok {
			return domain.MediaSample{}, io.EOF
		}
		return s, nil
	case <-ctx.Done():
		return domain.MediaSample{}, ctx.Err()
	}
}

// fakeContainer writes one chunk per sample between a header and a trailer.
type fakeContainer struct {
	w io.Writer
}

func (c *fakeContainer) WriteSample(s domain.MediaSample) error {
	_, err := c.w.Write(s.Data)
	return err
}

func (c *fakeContainer) Close() error {
	_, err := c.w.Write([]byte("|end"))
	return err
}

type fakeContainers struct{}

func (fakeContainers) NewContainer(w io.Writer, tracks []domain.TrackInfo) (port.ContainerWriter, error) {
	if _, err := w.Write([]byte(fmt.Sprintf("hdr:%d|", len(tracks)))); err != nil {
		return nil, err
	}
	return &fakeContainer{w: w}, nil
}

type fakePresence struct {
	online map[domain.UserID]bool
	err    error
}

func (p fakePresence) IsReachable(_ context.Context, id domain.UserID) (bool, error) {
	return p.online[id], p.err
}

// bus queues envelopes between services the way the relay would and
// delivers them only when the test asks.
type bus struct {
	mu      sync.Mutex
	peers   map[domain.UserID]*CallService
	queue   []domain.Envelope
	sent    []domain.Envelope
	offline map[domain.UserID]bool
}

func newBus() *bus {
	return &bus{peers: make(map[domain.UserID]*CallService), offline: make(map[domain.UserID]bool)}
}

type busSignaler struct {
	b    *bus
	from domain.UserID
}

func (s busSignaler) Send(_ context.Context, env domain.Envelope) error {
	env.SenderID = s.from
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.b.sent = append(s.b.sent, env)
	if _, ok := s.b.peers[env.TargetID]; !ok || s.b.offline[env.TargetID] {
		return domain.ErrPeerUnreachable
	}
	s.b.queue = append(s.b.queue, env)
	return nil
}

func (b *bus) signaler(id domain.UserID) port.Signaler { return busSignaler{b: b, from: id} }

// step delivers the oldest queued envelope matching keep.
func (b *bus) step(t *testing.T, keep func(domain.Envelope) bool) bool {
	t.Helper()
	b.mu.Lock()
	idx := -1
	for i, env := range b.queue {
		if keep == nil || keep(env) {
			idx = i
			break
		}
	}
	if idx < 0 {
		b.mu.Unlock()
		return false
	}
	env := b.queue[idx]
	b.queue = append(b.queue[:idx], b.queue[idx+1:]...)
	target := b.peers[env.TargetID]
	b.mu.Unlock()

	_ = target.HandleEnvelope(context.Background(), env)
	return true
}

func (b *bus) flush(t *testing.T) {
	t.Helper()
	for b.step(t, nil) {
	}
}

func (b *bus) drop(kind domain.EnvelopeKind) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.queue[:0]
	for _, env := range b.queue {
		if env.Kind != kind {
			kept = append(kept, env)
		}
	}
	b.queue = kept
}

func (b *bus) count(kind domain.EnvelopeKind) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, env := range b.sent {
		if env.Kind == kind {
			n++
		}
	}
	return n
}

func (b *bus) lastSent(kind domain.EnvelopeKind) (domain.Envelope, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.sent) - 1; i >= 0; i-- {
		if b.sent[i].Kind == kind {
			return b.sent[i], true
		}
	}
	return domain.Envelope{}, false
}

type recordingObserver struct {
	mu        sync.Mutex
	states    []domain.CallSession
	samples   []domain.QualitySample
	artifacts [][]byte
}

func (o *recordingObserver) OnStateChanged(s domain.CallSession) {
	o.mu.Lock()
	o.states = append(o.states, s)
	o.mu.Unlock()
}

func (o *recordingObserver) OnQualitySample(_ domain.CallSession, q domain.QualitySample) {
	o.mu.Lock()
	o.samples = append(o.samples, q)
	o.mu.Unlock()
}

func (o *recordingObserver) OnRecordingReady(_ domain.CallSession, _ domain.RecordingID, b []byte) {
	o.mu.Lock()
	o.artifacts = append(o.artifacts, b)
	o.mu.Unlock()
}

func (o *recordingObserver) terminalCount(id domain.SessionID) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, s := range o.states {
		if s.ID == id && s.State.Terminal() {
			n++
		}
	}
	return n
}

func (o *recordingObserver) stateCount(id domain.SessionID, state domain.CallState) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, s := range o.states {
		if s.ID == id && s.State == state {
			n++
		}
	}
	return n
}

func (o *recordingObserver) sampleCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.samples)
}

func (o *recordingObserver) artifactCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.artifacts)
}

// endpoint is one side of a simulated call.
type endpoint struct {
	id       domain.UserID
	svc      *CallService
	peers    *fakePeers
	devices  *fakeDevices
	observer *recordingObserver
}

func (b *bus) join(t *testing.T, id domain.UserID, cfg CallConfig) *endpoint {
	t.Helper()
	e := &endpoint{
		id:       id,
		peers:    &fakePeers{name: string(id), replaceSupport: true},
		devices:  &fakeDevices{},
		observer: &recordingObserver{},
	}
	e.svc = NewCallService(id, Deps{
		Signaler:   b.signaler(id),
		Peers:      e.peers,
		Devices:    e.devices,
		Containers: fakeContainers{},
		Observer:   e.observer,
	}, cfg)
	b.mu.Lock()
	b.peers[id] = e.svc
	b.mu.Unlock()
	t.Cleanup(e.svc.Close)
	return e
}

func (e *endpoint) state(t *testing.T, id domain.SessionID) domain.CallSession {
	t.Helper()
	s, ok := e.svc.Session(id)
	if !ok {
		t.Fatalf("%s: session %s not found", e.id, id)
	}
	return s
}

func (e *endpoint) only(t *testing.T) domain.CallSession {
	t.Helper()
	list := e.svc.Sessions()
	if len(list) != 1 {
		t.Fatalf("%s: %d sessions, want 1", e.id, len(list))
	}
	return list[0]
}

var av = domain.Constraints{Audio: true, Video: true}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
