package model

// ReasonCode names the classifier tier (or rejection reason) that produced a verdict.
type ReasonCode string

const (
	ReasonExplicitMarker     ReasonCode = "explicit_marker"
	ReasonRoleBehavior       ReasonCode = "role_behavior"
	ReasonContentMarkers     ReasonCode = "content_markers"
	ReasonErrorRecovery      ReasonCode = "error_recovery"
	ReasonAdaptiveAcceptance ReasonCode = "adaptive_acceptance"
	ReasonForcedProgression  ReasonCode = "forced_progression"
	ReasonNoSignal           ReasonCode = "no_signal"
	ReasonEmptyResponse      ReasonCode = "empty_response"
	ReasonDispatcherForce    ReasonCode = "dispatcher_force"
)

// Verdict is the classifier's structured judgment on one agent response.
// It is ephemeral: produced per response, consumed by the coordinator,
// never persisted as its own entity.
type Verdict struct {
	StepComplete bool       `json:"step_complete"`
	TaskComplete bool       `json:"task_complete"`
	Confidence   float64    `json:"confidence"`
	ReasonCode   ReasonCode `json:"reason_code"`
	Evidence     string     `json:"evidence,omitempty"`
}

// StepStatusFor derives the terminal step status an accepted verdict implies.
func (v Verdict) StepStatusFor() StepStatus {
	switch v.ReasonCode {
	case ReasonErrorRecovery:
		return StepCompletedWithError
	case ReasonForcedProgression, ReasonDispatcherForce:
		return StepForceCompleted
	default:
		return StepCompleted
	}
}
