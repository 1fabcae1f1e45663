package domain

import (
	"fmt"
	"time"
)

// InboundStats are cumulative transport counters for the inbound media of a
// peer connection.
type InboundStats struct {
	PacketsLost     int64
	PacketsReceived uint64
	Jitter          time.Duration
	FrameRate       float64
	FrameWidth      uint32
	FrameHeight     uint32
}

type QualityClass string

const (
	QualityGood QualityClass = "good"
	QualityFair QualityClass = "fair"
	QualityPoor QualityClass = "poor"
)

const (
	goodMaxLoss   = 0.01
	goodMaxJitter = 50 * time.Millisecond
	fairMaxLoss   = 0.05
	fairMaxJitter = 100 * time.Millisecond

	minAcceptableFrameRate = 10.0
)

// LossRate is lost / (lost + received); zero when nothing was expected.
func LossRate(lost int64, received uint64) float64 {
	if lost < 0 {
		lost = 0
	}
	total := float64(lost) + float64(received)
	if total == 0 {
		return 0
	}
	return float64(lost) / total
}

// Classify is evaluated independently for every sample. There is no smoothing.
func Classify(lossRate float64, jitter time.Duration) QualityClass {
	switch {
	case lossRate <= goodMaxLoss && jitter <= goodMaxJitter:
		return QualityGood
	case lossRate <= fairMaxLoss && jitter <= fairMaxJitter:
		return QualityFair
	default:
		return QualityPoor
	}
}

type DiagnosticType string

const (
	DiagnosticPacketLoss DiagnosticType = "packet_loss"
	DiagnosticJitter     DiagnosticType = "jitter"
	DiagnosticFrameRate  DiagnosticType = "frame_rate"
	DiagnosticStalled    DiagnosticType = "stalled"
)

type Diagnostic struct {
	Type        DiagnosticType
	Message     string
	Measurement float64
}

// QualityMetrics is what one sampling interval observed.
type QualityMetrics struct {
	At              time.Time
	LossRate        float64
	PacketsLost     int64
	PacketsReceived uint64
	Jitter          time.Duration
	FrameRate       float64
	Resolution      string
	Diagnostics     []Diagnostic
}

type QualitySample struct {
	SessionID SessionID
	Class     QualityClass
	Metrics   QualityMetrics
}

// Diagnose derives actionable hints from a sample. Interval counters are
// expected, not cumulative ones.
func Diagnose(m QualityMetrics, expectVideo bool) []Diagnostic {
	var out []Diagnostic
	if m.PacketsReceived == 0 && m.PacketsLost <= 0 {
		return append(out, Diagnostic{
			Type:    DiagnosticStalled,
			Message: "no inbound packets during the last interval",
		})
	}
	if m.LossRate > fairMaxLoss {
		out = append(out, Diagnostic{
			Type:        DiagnosticPacketLoss,
			Message:     fmt.Sprintf("high packet loss: %.2f%%", m.LossRate*100),
			Measurement: m.LossRate,
		})
	}
	if m.Jitter > fairMaxJitter {
		out = append(out, Diagnostic{
			Type:        DiagnosticJitter,
			Message:     fmt.Sprintf("high jitter: %s", m.Jitter),
			Measurement: m.Jitter.Seconds(),
		})
	}
	if expectVideo && m.FrameRate > 0 && m.FrameRate < minAcceptableFrameRate {
		out = append(out, Diagnostic{
			Type:        DiagnosticFrameRate,
			Message:     fmt.Sprintf("low frame rate: %.1f fps", m.FrameRate),
			Measurement: m.FrameRate,
		})
	}
	return out
}
