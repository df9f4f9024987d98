package models

import "time"

// Phases carried by ProgressEvent besides the build statuses.
const (
	PhaseConnected   = "connected"
	PhaseRunning     = "running"
	PhaseStep        = "step"
	PhaseStepSkipped = "step_skipped"
	PhaseStepRetry   = "step_retry"
	PhaseComplete    = "complete"
	PhaseFailed      = "failed"
	PhaseCancelled   = "cancelled"
)

// ProgressEvent is a transient notification of a phase or step transition.
// The execution or project record stays authoritative.
type ProgressEvent struct {
	SubjectID string         `json:"subjectId"`
	Phase     string         `json:"phase"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Progress  *int           `json:"progress,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Terminal reports whether the event closes its subject's stream.
func (e ProgressEvent) Terminal() bool {
	switch e.Phase {
	case PhaseComplete, PhaseFailed, PhaseCancelled:
		return true
	}
	return false
}

// Percent is a helper for building events with a progress value.
func Percent(p int) *int {
	return &p
}
