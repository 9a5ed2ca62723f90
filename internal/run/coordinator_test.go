package run

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/troupehq/troupe/internal/events"
	"github.com/troupehq/troupe/internal/model"
)

func fiveStepPlan() model.Plan {
	roles := []model.AgentRole{model.RoleBrowser, model.RoleImage, model.RoleWriter, model.RoleBrowser, model.RoleWriter}
	steps := make([]model.PlanStep, len(roles))
	for i, role := range roles {
		steps[i] = model.PlanStep{Index: i, Title: fmt.Sprintf("step %d", i), Role: role}
	}
	return model.Plan{
		SchemaVersion: 1,
		FileType:      model.PlanFileType,
		Task:          "kettle research dossier",
		Steps:         steps,
	}
}

func newTestCoordinator(t *testing.T, plan model.Plan) (*Coordinator, *events.Bus) {
	t.Helper()
	bus := events.NewBus(100)
	t.Cleanup(bus.Close)

	runID, err := model.GenerateID(model.IDTypeRun)
	require.NoError(t, err)

	c, err := New(runID, plan, model.DefaultConfig(), bus, nil)
	require.NoError(t, err)
	return c, bus
}

func TestCoordinator_StartEmitsFirstInstruction(t *testing.T) {
	c, bus := newTestCoordinator(t, fiveStepPlan())

	instructions := make(chan events.Event, 10)
	bus.Subscribe(events.EventInstructionReady, func(ev events.Event) {
		instructions <- ev
	})

	require.NoError(t, c.Start())
	assert.Equal(t, model.RunRunning, c.Status())

	ev := <-instructions
	assert.Equal(t, 0, ev.Data["step_index"])
	assert.Equal(t, "browser", ev.Data["role"])
	assert.NotEmpty(t, ev.Data["text"])

	// Starting twice is an error, not a reset.
	assert.Error(t, c.Start())
}

func TestCoordinator_ReinstructResendsCurrentStep(t *testing.T) {
	c, bus := newTestCoordinator(t, fiveStepPlan())

	instructions := make(chan events.Event, 10)
	bus.Subscribe(events.EventInstructionReady, func(ev events.Event) {
		instructions <- ev
	})

	require.NoError(t, c.Start())
	first := <-instructions
	assert.Equal(t, 0, first.Data["step_index"])

	// A dispatcher that missed the first instruction asks for it again.
	require.NoError(t, c.Reinstruct())
	resent := <-instructions
	assert.Equal(t, 0, resent.Data["step_index"])
	assert.Equal(t, "browser", resent.Data["role"])
	assert.NotEmpty(t, resent.Data["text"])

	c.Stop("test over")
	assert.ErrorIs(t, c.Reinstruct(), ErrNotRunning)
}

func TestCoordinator_FiveStepHappyPath(t *testing.T) {
	c, bus := newTestCoordinator(t, fiveStepPlan())

	terminal := make(chan events.Event, 10)
	bus.Subscribe(events.EventRunTerminal, func(ev events.Event) {
		terminal <- ev
	})

	require.NoError(t, c.Start())
	for i := 0; i < 5; i++ {
		text := fmt.Sprintf("step complete: produced result %d for review", i)
		require.NoError(t, c.OnAgentResponse(i, int64(i+1), text))
	}

	assert.Equal(t, model.RunCompleted, c.Status())

	// RunTerminal fires exactly once, after the fifth advance.
	ev := <-terminal
	assert.Equal(t, model.TerminalTaskComplete, ev.Data["reason"])
	select {
	case extra := <-terminal:
		t.Fatalf("RunTerminal fired more than once: %+v", extra)
	default:
	}

	snap := c.Snapshot()
	assert.True(t, snap.Terminal)
	for i, st := range snap.Steps {
		assert.Equal(t, model.StepCompleted, st.Status, "step %d", i)
	}
	// Each response is retained as an artifact for later steps.
	assert.Equal(t, 5, c.Materials().Len())
}

func TestCoordinator_RetryBelowFloor(t *testing.T) {
	c, bus := newTestCoordinator(t, fiveStepPlan())

	instructions := make(chan events.Event, 10)
	bus.Subscribe(events.EventInstructionReady, func(ev events.Event) {
		instructions <- ev
	})

	require.NoError(t, c.Start())
	<-instructions // initial dispatch for step 0

	require.NoError(t, c.OnAgentResponse(0, 1, "I understand, let me help"))

	// A below-floor verdict re-dispatches the same step, not the next one.
	retry := <-instructions
	assert.Equal(t, 0, retry.Data["step_index"])
	assert.Equal(t, 0, c.Snapshot().CurrentStep)
	assert.Equal(t, 1, c.Snapshot().Steps[0].AttemptCount)
}

func TestCoordinator_NeverStuck(t *testing.T) {
	c, _ := newTestCoordinator(t, fiveStepPlan())
	require.NoError(t, c.Start())

	hardCap := model.DefaultConfig().Classifier.HardCap

	// Arbitrary garbage for hard_cap attempts, then one more: the step must
	// advance regardless of content.
	var seq int64
	for i := 0; i < hardCap; i++ {
		seq++
		require.NoError(t, c.OnAgentResponse(0, seq, "............"))
		assert.Equal(t, 0, c.Snapshot().CurrentStep, "advanced before the cap at attempt %d", i)
	}
	seq++
	require.NoError(t, c.OnAgentResponse(0, seq, ""))

	snap := c.Snapshot()
	assert.Equal(t, 1, snap.CurrentStep)
	assert.Equal(t, model.StepForceCompleted, snap.Steps[0].Status)
	assert.Equal(t, model.ReasonForcedProgression, snap.Steps[0].ReasonCode)
	assert.InDelta(t, 0.4, snap.Steps[0].Confidence, 0.001)
}

func TestCoordinator_DuplicateSeqIsNoOp(t *testing.T) {
	c, _ := newTestCoordinator(t, fiveStepPlan())
	require.NoError(t, c.Start())

	require.NoError(t, c.OnAgentResponse(0, 1, "step complete: gathered the model list"))
	before := c.Snapshot()
	require.Equal(t, 1, before.CurrentStep)

	// Re-delivery of the already-consumed completion (same seq, now-stale
	// step index) must not mutate anything.
	require.NoError(t, c.OnAgentResponse(0, 1, "step complete: gathered the model list"))
	after := c.Snapshot()
	assert.Equal(t, before.CurrentStep, after.CurrentStep)
	assert.Equal(t, before.Steps[0].AttemptCount, after.Steps[0].AttemptCount)
	assert.Equal(t, before.Steps[1].AttemptCount, after.Steps[1].AttemptCount)
}

func TestCoordinator_StaleStepRejected(t *testing.T) {
	c, _ := newTestCoordinator(t, fiveStepPlan())

	require.NoError(t, c.Start())
	require.NoError(t, c.OnAgentResponse(0, 1, "step complete: done with research"))
	require.Equal(t, 1, c.Snapshot().CurrentStep)

	// A late genuine completion for step 0 after a forced/real advance is
	// the classic timeout race; it must be ignored.
	require.NoError(t, c.OnAgentResponse(0, 2, "step complete: here is the real result"))
	assert.Equal(t, 1, c.Snapshot().CurrentStep)
	assert.Zero(t, c.Snapshot().Steps[1].AttemptCount)
}

func TestCoordinator_ContextPropagation(t *testing.T) {
	c, bus := newTestCoordinator(t, fiveStepPlan())

	instructions := make(chan events.Event, 10)
	bus.Subscribe(events.EventInstructionReady, func(ev events.Event) {
		instructions <- ev
	})

	require.NoError(t, c.Start())
	<-instructions

	require.NoError(t, c.OnAgentResponse(0, 1, "step complete: shortlisted the Alpha Kettle at 89 USD"))

	next := <-instructions
	require.Equal(t, 1, next.Data["step_index"])
	text, _ := next.Data["text"].(string)
	assert.Contains(t, text, "89 USD", "step 1 instruction must carry step 0's result")

	snap := c.Snapshot()
	assert.Contains(t, snap.Context["step_0_result"], "Alpha Kettle")
}

func TestCoordinator_ForceProgress(t *testing.T) {
	c, _ := newTestCoordinator(t, fiveStepPlan())
	require.NoError(t, c.Start())

	require.NoError(t, c.ForceProgress(0, "dispatcher timeout"))
	snap := c.Snapshot()
	assert.Equal(t, 1, snap.CurrentStep)
	assert.Equal(t, model.StepForceCompleted, snap.Steps[0].Status)
	assert.Equal(t, model.ReasonDispatcherForce, snap.Steps[0].ReasonCode)

	// Forcing the stale index later is a no-op.
	require.NoError(t, c.ForceProgress(0, "late timeout"))
	assert.Equal(t, 1, c.Snapshot().CurrentStep)
}

func TestCoordinator_StopIdempotent(t *testing.T) {
	c, _ := newTestCoordinator(t, fiveStepPlan())

	require.NoError(t, c.Start())
	c.Stop("operator request")
	c.Stop("operator request")

	assert.Equal(t, model.RunStopped, c.Status())
	snap := c.Snapshot()
	assert.True(t, snap.Terminal)
	assert.Equal(t, "operator request", snap.TerminalReason)

	// Responses after stop are ignored without mutation.
	err := c.OnAgentResponse(0, 5, "step complete: too late")
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.Equal(t, 0, c.Snapshot().CurrentStep)
}

func TestCoordinator_FailFromOutOfBandSignal(t *testing.T) {
	c, _ := newTestCoordinator(t, fiveStepPlan())
	require.NoError(t, c.Start())

	c.Fail("browser agent unavailable")
	assert.Equal(t, model.RunFailed, c.Status())
	assert.Equal(t, model.StepFailed, c.Snapshot().Steps[0].Status)
}

func TestCoordinator_ClassificationNeverFails(t *testing.T) {
	c, _ := newTestCoordinator(t, fiveStepPlan())
	require.NoError(t, c.Start())

	hardCap := model.DefaultConfig().Classifier.HardCap

	// Failure-only evidence with zero informational content across the cap
	// still force-completes; Failed is reserved for out-of-band conditions.
	var seq int64
	for i := 0; i <= hardCap; i++ {
		seq++
		require.NoError(t, c.OnAgentResponse(0, seq, "an exception occurred and everything failed"))
	}
	assert.Equal(t, model.RunRunning, c.Status())
	assert.Equal(t, 1, c.Snapshot().CurrentStep)
	assert.Equal(t, model.StepForceCompleted, c.Snapshot().Steps[0].Status)
}

func TestCoordinator_RejectsInvalidConfig(t *testing.T) {
	bus := events.NewBus(10)
	defer bus.Close()

	cfg := model.DefaultConfig()
	cfg.Classifier.AcceptanceFloor = 2.0
	_, err := New("run_0000000001_00000001", fiveStepPlan(), cfg, bus, nil)
	require.Error(t, err)

	var verr *model.PlanValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestCoordinator_MonotonicProgressUnderConcurrentDuplicates(t *testing.T) {
	c, _ := newTestCoordinator(t, fiveStepPlan())
	require.NoError(t, c.Start())

	// Concurrent duplicate completions for the same step: exactly one
	// advance, no skipped steps.
	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.OnAgentResponse(0, 1, "step complete: concurrent duplicate")
		}()
	}
	wg.Wait()

	snap := c.Snapshot()
	assert.Equal(t, 1, snap.CurrentStep)
	assert.Equal(t, 1, snap.Steps[0].AttemptCount)
	assert.Zero(t, snap.Steps[1].AttemptCount)
}
