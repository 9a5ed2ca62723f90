// Package run hosts the workflow coordinator: the control loop that turns a
// stream of free-form agent responses into stepwise plan progress.
package run

import (
	"fmt"
	"log"
	"sync"

	"github.com/troupehq/troupe/internal/events"
	"github.com/troupehq/troupe/internal/instruct"
	"github.com/troupehq/troupe/internal/material"
	"github.com/troupehq/troupe/internal/model"
	"github.com/troupehq/troupe/internal/signal"
	"github.com/troupehq/troupe/internal/stepindex"
)

// ErrNotRunning is returned for lifecycle operations on a run that is not
// in the running state. Stale responses are NOT errors; they no-op.
var ErrNotRunning = fmt.Errorf("run is not running")

// Coordinator drives one run. It is logically single-threaded: every
// response passes through one mutex, classification is synchronous, and the
// only blocking work (agent dispatch, persistence) lives outside the core.
type Coordinator struct {
	runID      string
	plan       model.Plan
	classifier *signal.Classifier
	steps      *stepindex.Manager
	materials  *material.Store
	generator  *instruct.Generator
	bus        *events.Bus
	logger     *log.Logger
	floor      float64

	mu     sync.Mutex
	status model.RunStatus
}

// New wires a coordinator for a validated plan. Configuration is validated
// here so an invalid deployment rejects the run at start, never mid-run.
func New(runID string, plan model.Plan, cfg model.Config, bus *events.Bus, logger *log.Logger) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("reject run %s: %w", runID, err)
	}
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("reject run %s: %w", runID, err)
	}

	materials := material.NewStore()
	return &Coordinator{
		runID:      runID,
		plan:       plan,
		classifier: signal.New(cfg.Classifier),
		steps:      stepindex.NewManager(runID, plan),
		materials:  materials,
		generator:  instruct.NewGenerator(materials),
		bus:        bus,
		logger:     logger,
		floor:      cfg.Classifier.AcceptanceFloor,
		status:     model.RunNotStarted,
	}, nil
}

// RunID returns the coordinator's run id.
func (c *Coordinator) RunID() string {
	return c.runID
}

// Start transitions NotStarted → Running and emits the first instruction.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status != model.RunNotStarted {
		return fmt.Errorf("run %s already started (status %s)", c.runID, c.status)
	}
	c.status = model.RunRunning

	c.bus.Publish(events.EventRunStarted, c.runID, map[string]interface{}{
		"task":  c.plan.Task,
		"steps": len(c.plan.Steps),
	})
	c.emitInstructionLocked(0)
	return nil
}

// OnAgentResponse processes one agent response for a step. Stale step
// indexes and duplicate sequence numbers are ignored with a log line, per
// the ordering contract: the dispatcher supplies a monotonically increasing
// seq per run, and a late signal for a step that already advanced must not
// disturb anything.
func (c *Coordinator) OnAgentResponse(stepIndex int, seq int64, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status != model.RunRunning {
		c.logf("response_ignored run=%s step=%d seq=%d status=%s", c.runID, stepIndex, seq, c.status)
		return ErrNotRunning
	}

	step, _, ok := c.steps.Current()
	if !ok {
		c.logf("response_ignored run=%s step=%d seq=%d reason=terminal_state", c.runID, stepIndex, seq)
		return nil
	}
	if stepIndex != step.Index {
		c.rejectLocked(stepIndex, seq, "stale_step_index")
		return nil
	}

	attempts, counted := c.steps.RecordAttempt(stepIndex, seq, text)
	if !counted {
		c.rejectLocked(stepIndex, seq, "duplicate_seq")
		return nil
	}

	if _, err := c.materials.Store(stepIndex, step.Role, model.ArtifactText, []byte(text)); err != nil {
		// Artifact bookkeeping must not stall progress.
		c.logf("artifact_store_failed run=%s step=%d error=%v", c.runID, stepIndex, err)
	}

	attempt := attempts - 1 // zero-based attempt number of this response
	lastStep := stepIndex == c.steps.StepCount()-1
	verdict := c.classifier.Classify(text, step.Role, attempt, lastStep)

	if !c.accepts(verdict) {
		c.logf("verdict_below_floor run=%s step=%d attempt=%d conf=%.2f reason=%s",
			c.runID, stepIndex, attempt, verdict.Confidence, verdict.ReasonCode)
		c.emitRetryLocked(step, attempts)
		return nil
	}

	c.advanceLocked(stepIndex, verdict)
	return nil
}

// ForceProgress advances the current step without classification. This is
// the dispatcher's explicit out-of-band request (e.g. after its own timeout
// policy), and goes through the same single advance path as everything else.
func (c *Coordinator) ForceProgress(stepIndex int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status != model.RunRunning {
		return ErrNotRunning
	}
	verdict := model.Verdict{
		StepComplete: true,
		Confidence:   0.4,
		ReasonCode:   model.ReasonDispatcherForce,
		Evidence:     reason,
	}
	c.advanceLocked(stepIndex, verdict)
	return nil
}

// Reinstruct re-emits the current step's instruction. This is the
// redelivery path for a dispatcher that went quiet waiting on an
// instruction event the bus dropped.
func (c *Coordinator) Reinstruct() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status != model.RunRunning {
		return ErrNotRunning
	}
	step, state, ok := c.steps.Current()
	if !ok {
		return nil
	}
	c.logf("reinstruct run=%s step=%d attempts=%d", c.runID, step.Index, state.AttemptCount)
	c.emitRetryLocked(step, state.AttemptCount)
	return nil
}

// Stop ends the run at any point, idempotently, leaving a consistent
// terminal snapshot.
func (c *Coordinator) Stop(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if model.IsRunTerminal(c.status) {
		return
	}
	c.status = model.RunStopped
	if reason == "" {
		reason = model.TerminalStopped
	}
	c.steps.Terminate(model.RunStopped, reason)
	c.bus.Publish(events.EventRunTerminal, c.runID, map[string]interface{}{"reason": reason})
}

// Fail records an external unrecoverable condition (agent entirely
// unavailable). Classification never routes here; this is the distinct
// out-of-band signal from the dispatcher.
func (c *Coordinator) Fail(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if model.IsRunTerminal(c.status) {
		return
	}
	c.status = model.RunFailed
	c.steps.Terminate(model.RunFailed, reason)
	c.bus.Publish(events.EventRunTerminal, c.runID, map[string]interface{}{"reason": reason, "failed": true})
}

// Status returns the coordinator's lifecycle state.
func (c *Coordinator) Status() model.RunStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Snapshot returns a copy of the run's full progress state.
func (c *Coordinator) Snapshot() model.RunState {
	return c.steps.Snapshot()
}

// Materials exposes the run's artifact store.
func (c *Coordinator) Materials() *material.Store {
	return c.materials
}

// accepts applies the confidence floor. Forced progression bypasses the
// floor: it is the liveness backstop and must always advance.
func (c *Coordinator) accepts(v model.Verdict) bool {
	if !v.StepComplete {
		return false
	}
	if v.ReasonCode == model.ReasonForcedProgression {
		return true
	}
	return v.Confidence >= c.floor
}

func (c *Coordinator) advanceLocked(stepIndex int, verdict model.Verdict) {
	advanced, newIndex := c.steps.Advance(stepIndex, verdict)
	if !advanced {
		c.logf("advance_noop run=%s step=%d reason=stale_index", c.runID, stepIndex)
		return
	}

	snap := c.steps.Snapshot()
	c.steps.MergeContext(map[string]string{
		fmt.Sprintf("step_%d_result", stepIndex): snap.Steps[stepIndex].LastExcerpt,
	})

	c.bus.Publish(events.EventStepAdvanced, c.runID, map[string]interface{}{
		"step_index":  stepIndex,
		"status":      string(snap.Steps[stepIndex].Status),
		"confidence":  verdict.Confidence,
		"reason_code": string(verdict.ReasonCode),
	})

	if snap.Terminal {
		c.status = model.RunCompleted
		c.bus.Publish(events.EventRunTerminal, c.runID, map[string]interface{}{
			"reason": model.TerminalTaskComplete,
		})
		return
	}
	c.emitInstructionLocked(newIndex)
}

func (c *Coordinator) emitInstructionLocked(stepIndex int) {
	step, ok := c.steps.Step(stepIndex)
	if !ok {
		return
	}
	text := c.generator.Generate(step, 0, c.steps.Snapshot().Context)
	c.publishInstruction(step, text)
}

func (c *Coordinator) emitRetryLocked(step model.PlanStep, attempts int) {
	text := c.generator.Generate(step, attempts, c.steps.Snapshot().Context)
	c.publishInstruction(step, text)
}

func (c *Coordinator) publishInstruction(step model.PlanStep, text string) {
	c.bus.Publish(events.EventInstructionReady, c.runID, map[string]interface{}{
		"step_index": step.Index,
		"role":       string(step.Role),
		"text":       text,
	})
}

func (c *Coordinator) rejectLocked(stepIndex int, seq int64, reason string) {
	c.logf("response_rejected run=%s step=%d seq=%d reason=%s", c.runID, stepIndex, seq, reason)
	c.bus.Publish(events.EventResponseRejected, c.runID, map[string]interface{}{
		"step_index": stepIndex,
		"seq":        seq,
		"reason":     reason,
	})
}

func (c *Coordinator) logf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}
