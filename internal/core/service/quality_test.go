package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/rs/zerolog"
)

func TestQualityMonitor_UsesIntervalDeltas(t *testing.T) {
	pc := &fakePeer{}
	q := NewQualityMonitor("s1", pc, time.Second, zerolog.Nop())
	ctx := context.Background()

	pc.setStats(domain.InboundStats{PacketsLost: 100, PacketsReceived: 900, Jitter: 10 * time.Millisecond})
	first, err := q.Sample(ctx, false)
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if first.Class != domain.QualityPoor {
		t.Fatalf("first class=%s, want poor at 10%% loss", first.Class)
	}

	pc.setStats(domain.InboundStats{PacketsLost: 100, PacketsReceived: 1900, Jitter: 10 * time.Millisecond})
	second, _ := q.Sample(ctx, false)
	if second.Metrics.PacketsLost != 0 || second.Metrics.PacketsReceived != 1000 {
		t.Fatalf("interval counters=%d/%d", second.Metrics.PacketsLost, second.Metrics.PacketsReceived)
	}
	if second.Class != domain.QualityGood {
		t.Fatalf("second class=%s, want good for a clean interval", second.Class)
	}
}

func TestQualityMonitor_StalledAndFrameRate(t *testing.T) {
	pc := &fakePeer{}
	q := NewQualityMonitor("s1", pc, time.Second, zerolog.Nop())
	ctx := context.Background()

	pc.setStats(domain.InboundStats{PacketsReceived: 500, FrameRate: 5, FrameWidth: 640, FrameHeight: 480})
	s, _ := q.Sample(ctx, true)
	if s.Metrics.Resolution != "640x480" {
		t.Fatalf("resolution=%q", s.Metrics.Resolution)
	}
	if !hasDiagnostic(s.Metrics.Diagnostics, domain.DiagnosticFrameRate) {
		t.Fatalf("diagnostics=%+v, want frame_rate", s.Metrics.Diagnostics)
	}

	s, _ = q.Sample(ctx, true)
	if !hasDiagnostic(s.Metrics.Diagnostics, domain.DiagnosticStalled) {
		t.Fatalf("diagnostics=%+v, want stalled", s.Metrics.Diagnostics)
	}
}

func TestQualityMonitor_CounterReset(t *testing.T) {
	pc := &fakePeer{}
	q := NewQualityMonitor("s1", pc, time.Second, zerolog.Nop())
	pc.setStats(domain.InboundStats{PacketsReceived: 5000})
	q.Sample(context.Background(), false)
	pc.setStats(domain.InboundStats{PacketsLost: 1, PacketsReceived: 199})
	s, _ := q.Sample(context.Background(), false)
	if s.Metrics.PacketsReceived != 199 {
		t.Fatalf("received=%d after reset, want 199", s.Metrics.PacketsReceived)
	}
}

func TestQualityMonitor_StartStop(t *testing.T) {
	pc := &fakePeer{stats: domain.InboundStats{PacketsReceived: 10}}
	q := NewQualityMonitor("s1", pc, 5*time.Millisecond, zerolog.Nop())
	got := make(chan domain.QualitySample, 64)
	q.Start(func(s domain.QualitySample) {
		select {
		case got <- s:
		default:
		}
	}, nil)

	select {
	case s := <-got:
		if s.SessionID != "s1" {
			t.Fatalf("session=%s", s.SessionID)
		}
	case <-time.After(time.Second):
		t.Fatal("no sample emitted")
	}
	q.Stop()
	q.Stop()
	for len(got) > 0 {
		<-got
	}
	time.Sleep(20 * time.Millisecond)
	if len(got) != 0 {
		t.Fatal("samples emitted after Stop")
	}
}

func TestQualityMonitor_StatsErrorSkipsSample(t *testing.T) {
	pc := &fakePeer{statsErr: errors.New("closed")}
	q := NewQualityMonitor("s1", pc, time.Second, zerolog.Nop())
	if _, err := q.Sample(context.Background(), false); err == nil {
		t.Fatal("expected error")
	}
}

func hasDiagnostic(list []domain.Diagnostic, kind domain.DiagnosticType) bool {
	for _, d := range list {
		if d.Type == kind {
			return true
		}
	}
	return false
}
