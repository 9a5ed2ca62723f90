package model

// StepStatus is the runtime status of a single plan step.
type StepStatus string

const (
	StepPending            StepStatus = "pending"
	StepInProgress         StepStatus = "in_progress"
	StepCompleted          StepStatus = "completed"
	StepCompletedWithError StepStatus = "completed_with_error"
	StepForceCompleted     StepStatus = "force_completed"
	StepFailed             StepStatus = "failed"
)

var terminalStepStatuses = map[StepStatus]bool{
	StepCompleted:          true,
	StepCompletedWithError: true,
	StepForceCompleted:     true,
	StepFailed:             true,
}

// IsStepTerminal reports whether a step can no longer change status.
// Progress is strictly monotonic: a terminal step is never reopened.
func IsStepTerminal(s StepStatus) bool {
	return terminalStepStatuses[s]
}

// Step status transitions: pending → in_progress → terminal.
var validStepTransitions = map[StepStatus]map[StepStatus]bool{
	StepPending: {
		StepInProgress: true,
		StepFailed:     true,
	},
	StepInProgress: {
		StepCompleted:          true,
		StepCompletedWithError: true,
		StepForceCompleted:     true,
		StepFailed:             true,
	},
}

// ValidStepTransition reports whether from → to is an allowed step transition.
func ValidStepTransition(from, to StepStatus) bool {
	return validStepTransitions[from][to]
}

// RunStatus is the lifecycle state of a whole run.
type RunStatus string

const (
	RunNotStarted RunStatus = "not_started"
	RunRunning    RunStatus = "running"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
	RunStopped    RunStatus = "stopped"
)

var terminalRunStatuses = map[RunStatus]bool{
	RunCompleted: true,
	RunFailed:    true,
	RunStopped:   true,
}

func IsRunTerminal(s RunStatus) bool {
	return terminalRunStatuses[s]
}

var validRunTransitions = map[RunStatus]map[RunStatus]bool{
	RunNotStarted: {
		RunRunning: true,
		RunStopped: true,
	},
	RunRunning: {
		RunCompleted: true,
		RunFailed:    true,
		RunStopped:   true,
	},
}

func ValidRunTransition(from, to RunStatus) bool {
	return validRunTransitions[from][to]
}

// Terminal reasons recorded on RunState when a run ends.
const (
	TerminalTaskComplete = "task_complete"
	TerminalStopped      = "stopped"
	TerminalFailed       = "failed"
)
