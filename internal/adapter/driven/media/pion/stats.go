package pion

import (
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/pion/webrtc/v4"
)

// inboundStats sums the cumulative inbound RTP counters of every remote
// stream. Jitter is the worst stream's, frame metrics come from video. The
// frame rate is left to the caller, which derives it from framesDecoded.
func inboundStats(report webrtc.StatsReport) (out domain.InboundStats, framesDecoded uint32) {
	for _, s := range report {
		var in webrtc.InboundRTPStreamStats
		switch v := s.(type) {
		case webrtc.InboundRTPStreamStats:
			in = v
		case *webrtc.InboundRTPStreamStats:
			in = *v
		default:
			continue
		}

		out.PacketsLost += int64(in.PacketsLost)
		out.PacketsReceived += uint64(in.PacketsReceived)
		if j := time.Duration(in.Jitter * float64(time.Second)); j > out.Jitter {
			out.Jitter = j
		}
		if in.Kind == "video" {
			framesDecoded += in.FramesDecoded
			out.FrameWidth = in.FrameWidth
			out.FrameHeight = in.FrameHeight
		}
	}
	return out, framesDecoded
}

// frameRate tracks decoded frames between successive samples.
type frameRate struct {
	frames uint32
	at     time.Time
}

func (f *frameRate) update(frames uint32, now time.Time) float64 {
	prev, prevAt := f.frames, f.at
	f.frames, f.at = frames, now
	if prevAt.IsZero() || frames < prev {
		return 0
	}
	elapsed := now.Sub(prevAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(frames-prev) / elapsed
}
