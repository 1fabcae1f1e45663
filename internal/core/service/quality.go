package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/rs/zerolog"
)

// QualityMonitor samples inbound transport statistics of a connected call at
// a fixed interval. Loss is computed over the interval, not the lifetime of
// the connection.
type QualityMonitor struct {
	sid      domain.SessionID
	pc       port.PeerConnection
	interval time.Duration
	log      zerolog.Logger

	mu       sync.Mutex
	prev     domain.InboundStats
	havePrev bool
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewQualityMonitor(sid domain.SessionID, pc port.PeerConnection, interval time.Duration, l zerolog.Logger) *QualityMonitor {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &QualityMonitor{sid: sid, pc: pc, interval: interval, log: l}
}

// Start emits one sample per interval until Stop. expectVideo reports whether
// a low frame rate should be diagnosed.
func (q *QualityMonitor) Start(emit func(domain.QualitySample), expectVideo func() bool) {
	q.mu.Lock()
	if q.cancel != nil {
		q.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.done = make(chan struct{})
	done := q.done
	q.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(q.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			video := expectVideo != nil && expectVideo()
			sample, err := q.Sample(ctx, video)
			if err != nil {
				if ctx.Err() == nil {
					q.log.Debug().Err(err).Msg("Reading transport stats")
				}
				continue
			}
			emit(sample)
		}
	}()
}

// Sample reads the current statistics and classifies the interval since the
// previous call.
func (q *QualityMonitor) Sample(ctx context.Context, expectVideo bool) (domain.QualitySample, error) {
	cur, err := q.pc.Stats(ctx)
	if err != nil {
		return domain.QualitySample{}, err
	}

	q.mu.Lock()
	lost, received := cur.PacketsLost, cur.PacketsReceived
	if q.havePrev && cur.PacketsReceived >= q.prev.PacketsReceived {
		lost -= q.prev.PacketsLost
		received -= q.prev.PacketsReceived
	}
	q.prev, q.havePrev = cur, true
	q.mu.Unlock()

	m := domain.QualityMetrics{
		At:              time.Now(),
		LossRate:        domain.LossRate(lost, received),
		PacketsLost:     lost,
		PacketsReceived: received,
		Jitter:          cur.Jitter,
		FrameRate:       cur.FrameRate,
	}
	if cur.FrameWidth > 0 && cur.FrameHeight > 0 {
		m.Resolution = fmt.Sprintf("%dx%d", cur.FrameWidth, cur.FrameHeight)
	}
	m.Diagnostics = domain.Diagnose(m, expectVideo)

	return domain.QualitySample{
		SessionID: q.sid,
		Class:     domain.Classify(m.LossRate, m.Jitter),
		Metrics:   m,
	}, nil
}

func (q *QualityMonitor) Stop() {
	q.mu.Lock()
	cancel, done := q.cancel, q.done
	q.cancel = nil
	q.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
