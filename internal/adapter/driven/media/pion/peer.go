package pion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const keyframeInterval = 3 * time.Second

var errForeignTrack = errors.New("pion: track was not captured by this adapter")

// Peer adapts a pion PeerConnection to port.PeerConnection. Callbacks run in
// order on one dispatch goroutine, outside pion's own locks.
type Peer struct {
	pc      *webrtc.PeerConnection
	replace bool
	events  *dispatcher

	statsMu sync.Mutex
	fps     frameRate

	closeOnce sync.Once
	done      chan struct{}
}

func newPeer(pc *webrtc.PeerConnection, replace bool) *Peer {
	p := &Peer{pc: pc, replace: replace, done: make(chan struct{})}
	p.events = newDispatcher(p.done)
	return p
}

func (p *Peer) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	return fromPionDescription(offer), nil
}

func (p *Peer) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	return fromPionDescription(answer), nil
}

func (p *Peer) SetLocalDescription(ctx context.Context, desc domain.SessionDescription) error {
	sd, err := toPionDescription(desc)
	if err != nil {
		return err
	}
	return p.pc.SetLocalDescription(sd)
}

func (p *Peer) SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error {
	sd, err := toPionDescription(desc)
	if err != nil {
		return err
	}
	return p.pc.SetRemoteDescription(sd)
}

func (p *Peer) AddICECandidate(c domain.ICECandidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (p *Peer) AddTrack(track port.LocalTrack) (port.TrackSender, error) {
	lt, ok := track.(*LocalTrack)
	if !ok {
		return nil, errForeignTrack
	}
	rtpSender, err := p.pc.AddTrack(lt.rtc)
	if err != nil {
		return nil, fmt.Errorf("add %s track: %w", lt.kind, err)
	}

	// Drain RTCP so the interceptors (NACK, reports) keep running.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := rtpSender.Read(buf); err != nil {
				return
			}
		}
	}()
	return &Sender{rtp: rtpSender}, nil
}

func (p *Peer) RemoveTrack(sender port.TrackSender) error {
	s, ok := sender.(*Sender)
	if !ok {
		return errForeignTrack
	}
	return p.pc.RemoveTrack(s.rtp)
}

func (p *Peer) SupportsReplaceTrack() bool {
	return p.replace
}

func (p *Peer) OnICECandidate(fn func(domain.ICECandidate)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		cand := domain.ICECandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		}
		p.events.push(func() { fn(cand) })
	})
}

func (p *Peer) OnTrack(fn func(port.RemoteTrack)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Debug().
			Str("kind", track.Kind().String()).
			Str("codec", track.Codec().MimeType).
			Msg("Remote track started")
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			go requestKeyframes(p.done, uint32(track.SSRC()), keyframeInterval, p.pc.WriteRTCP)
		}
		remote := newRemoteTrack(track)
		p.events.push(func() { fn(remote) })
	})
}

// requestKeyframes sends a PLI as soon as remote video starts, then
// periodically, so a decoder or recording that joined late recovers quickly.
// A track re-added by a renegotiated source change counts as a new start.
func requestKeyframes(done <-chan struct{}, ssrc uint32, interval time.Duration, write func([]rtcp.Packet) error) {
	pli := []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}
	if write(pli) != nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if write(pli) != nil {
				return
			}
		}
	}
}

func (p *Peer) OnConnectionStateChange(fn func(domain.ConnectionState)) {
	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		state := connectionState(s)
		p.events.push(func() { fn(state) })
	})
}

func (p *Peer) Stats(ctx context.Context) (domain.InboundStats, error) {
	select {
	case <-p.done:
		return domain.InboundStats{}, domain.ErrTerminal
	default:
	}
	stats, frames := inboundStats(p.pc.GetStats())
	p.statsMu.Lock()
	stats.FrameRate = p.fps.update(frames, time.Now())
	p.statsMu.Unlock()
	return stats, nil
}

func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		err = p.pc.Close()
	})
	return err
}

// Sender implements port.TrackSender.
type Sender struct {
	rtp *webrtc.RTPSender
}

func (s *Sender) ReplaceTrack(track port.LocalTrack) error {
	if track == nil {
		return s.rtp.ReplaceTrack(nil)
	}
	lt, ok := track.(*LocalTrack)
	if !ok {
		return errForeignTrack
	}
	return s.rtp.ReplaceTrack(lt.rtc)
}

func fromPionDescription(sd webrtc.SessionDescription) domain.SessionDescription {
	return domain.SessionDescription{Type: domain.SDPType(sd.Type.String()), SDP: sd.SDP}
}

func toPionDescription(desc domain.SessionDescription) (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch desc.Type {
	case domain.SDPOffer:
		t = webrtc.SDPTypeOffer
	case domain.SDPAnswer:
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", desc.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: desc.SDP}, nil
}

func connectionState(s webrtc.PeerConnectionState) domain.ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return domain.ConnectionConnecting
	case webrtc.PeerConnectionStateConnected:
		return domain.ConnectionConnected
	case webrtc.PeerConnectionStateDisconnected:
		return domain.ConnectionDisconnected
	case webrtc.PeerConnectionStateFailed:
		return domain.ConnectionFailed
	case webrtc.PeerConnectionStateClosed:
		return domain.ConnectionClosed
	default:
		return domain.ConnectionNew
	}
}

// dispatcher runs queued callbacks in order on one goroutine. push never
// blocks the pion goroutine that produced the event.
type dispatcher struct {
	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
	done  <-chan struct{}
}

func newDispatcher(done <-chan struct{}) *dispatcher {
	d := &dispatcher{wake: make(chan struct{}, 1), done: done}
	go d.run()
	return d
}

func (d *dispatcher) push(fn func()) {
	d.mu.Lock()
	d.queue = append(d.queue, fn)
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	for {
		select {
		case <-d.done:
			return
		case <-d.wake:
		}
		for {
			d.mu.Lock()
			if len(d.queue) == 0 {
				d.mu.Unlock()
				break
			}
			fn := d.queue[0]
			d.queue[0] = nil
			d.queue = d.queue[1:]
			d.mu.Unlock()
			fn()
		}
	}
}
