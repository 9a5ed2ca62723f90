// Package stepindex owns a run's mutable progress state. The Manager is the
// only writer of RunState; every other component reads snapshots. Keeping a
// single mutator behind one mutex closes the double-advance defect class by
// construction rather than by locking at call sites.
package stepindex

import (
	"sync"
	"time"

	"github.com/troupehq/troupe/internal/model"
)

const stateExcerptLen = 200

// Manager tracks the current step counter and the per-step status table.
type Manager struct {
	mu    sync.Mutex
	plan  model.Plan
	state model.RunState
	now   func() time.Time
}

// NewManager initializes run state with step 0 in progress.
func NewManager(runID string, plan model.Plan) *Manager {
	m := &Manager{
		plan: plan,
		now:  time.Now,
	}
	steps := make([]model.StepState, len(plan.Steps))
	for i := range steps {
		steps[i] = model.StepState{Status: model.StepPending, LastSeq: -1}
	}
	steps[0].Status = model.StepInProgress

	created := m.now().UTC().Format(time.RFC3339)
	m.state = model.RunState{
		SchemaVersion: model.RunStateSchemaVersion,
		FileType:      model.RunStateFileType,
		RunID:         runID,
		Task:          plan.Task,
		Status:        model.RunRunning,
		CurrentStep:   0,
		Steps:         steps,
		Context:       make(map[string]string),
		CreatedAt:     created,
		UpdatedAt:     created,
	}
	return m
}

// Current returns the in-progress step and its runtime status. ok is false
// once the run is terminal.
func (m *Manager) Current() (model.PlanStep, model.StepState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Terminal || m.state.CurrentStep >= len(m.plan.Steps) {
		return model.PlanStep{}, model.StepState{}, false
	}
	idx := m.state.CurrentStep
	return m.plan.Steps[idx], m.state.Steps[idx], true
}

// Step returns the immutable plan step at index.
func (m *Manager) Step(index int) (model.PlanStep, bool) {
	if index < 0 || index >= len(m.plan.Steps) {
		return model.PlanStep{}, false
	}
	return m.plan.Steps[index], true
}

// StepCount returns the number of plan steps.
func (m *Manager) StepCount() int {
	return len(m.plan.Steps)
}

// RecordAttempt increments the attempt counter for the in-progress step.
// Idempotent per sequence number: a duplicate or out-of-order seq does not
// count again. Returns the attempt count and whether this call counted.
func (m *Manager) RecordAttempt(stepIndex int, seq int64, text string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Terminal || stepIndex != m.state.CurrentStep {
		return 0, false
	}
	st := &m.state.Steps[stepIndex]
	if seq <= st.LastSeq {
		return st.AttemptCount, false
	}
	st.LastSeq = seq
	st.AttemptCount++
	st.LastExcerpt = excerpt(text)
	m.touch()
	return st.AttemptCount, true
}

// Advance is the single authoritative step mutation. A stale stepIndex is a
// no-op returning advanced=false: late completion signals for a step that
// already moved on are rejected here, not at call sites.
func (m *Manager) Advance(stepIndex int, verdict model.Verdict) (bool, int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Terminal || stepIndex != m.state.CurrentStep {
		return false, m.state.CurrentStep
	}

	st := &m.state.Steps[stepIndex]
	st.Status = verdict.StepStatusFor()
	st.ReasonCode = verdict.ReasonCode
	st.Confidence = verdict.Confidence

	m.state.CurrentStep++
	if m.state.CurrentStep >= len(m.plan.Steps) {
		m.state.Terminal = true
		m.state.TerminalReason = model.TerminalTaskComplete
		m.state.Status = model.RunCompleted
	} else {
		m.state.Steps[m.state.CurrentStep].Status = model.StepInProgress
	}
	m.touch()
	return true, m.state.CurrentStep
}

// MergeContext folds key/value pairs into the run's global context.
func (m *Manager) MergeContext(kv map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range kv {
		m.state.Context[k] = v
	}
	m.touch()
}

// Terminate force-ends the run (stop or out-of-band failure) and leaves the
// state consistent and inspectable. Idempotent once terminal.
func (m *Manager) Terminate(status model.RunStatus, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Terminal {
		return false
	}
	if cur := m.state.CurrentStep; cur < len(m.state.Steps) {
		if status == model.RunFailed && m.state.Steps[cur].Status == model.StepInProgress {
			m.state.Steps[cur].Status = model.StepFailed
		}
	}
	m.state.Terminal = true
	m.state.Status = status
	m.state.TerminalReason = reason
	m.touch()
	return true
}

// Snapshot returns a deep copy of the run state.
func (m *Manager) Snapshot() model.RunState {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.state
	snap.Steps = make([]model.StepState, len(m.state.Steps))
	copy(snap.Steps, m.state.Steps)
	snap.Context = make(map[string]string, len(m.state.Context))
	for k, v := range m.state.Context {
		snap.Context[k] = v
	}
	return snap
}

func (m *Manager) touch() {
	m.state.UpdatedAt = m.now().UTC().Format(time.RFC3339)
}

func excerpt(text string) string {
	runes := []rune(text)
	if len(runes) <= stateExcerptLen {
		return text
	}
	return string(runes[:stateExcerptLen]) + "…"
}
