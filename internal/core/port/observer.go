package port

import "github.com/Wyydra/yacall/internal/core/domain"

// CallObserver receives UI-facing events. Calls are delivered in order from a
// single goroutine and must not block for long.
type CallObserver interface {
	OnStateChanged(session domain.CallSession)
	OnQualitySample(session domain.CallSession, sample domain.QualitySample)
	OnRecordingReady(session domain.CallSession, id domain.RecordingID, artifact []byte)
}
