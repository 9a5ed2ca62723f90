package stepindex

import (
	"sync"
	"testing"

	"github.com/troupehq/troupe/internal/model"
)

func threeStepPlan() model.Plan {
	return model.Plan{
		SchemaVersion: 1,
		FileType:      model.PlanFileType,
		Task:          "test task",
		Steps: []model.PlanStep{
			{Index: 0, Title: "research", Role: model.RoleBrowser},
			{Index: 1, Title: "illustrate", Role: model.RoleImage},
			{Index: 2, Title: "write up", Role: model.RoleWriter},
		},
	}
}

func completedVerdict() model.Verdict {
	return model.Verdict{StepComplete: true, Confidence: 0.95, ReasonCode: model.ReasonExplicitMarker}
}

func TestNewManager_InitialState(t *testing.T) {
	m := NewManager("run_0000000001_00000001", threeStepPlan())

	step, st, ok := m.Current()
	if !ok {
		t.Fatalf("Current not ok on fresh run")
	}
	if step.Index != 0 {
		t.Errorf("current index = %d, want 0", step.Index)
	}
	if st.Status != model.StepInProgress {
		t.Errorf("step 0 status = %s, want in_progress", st.Status)
	}

	snap := m.Snapshot()
	for i := 1; i < len(snap.Steps); i++ {
		if snap.Steps[i].Status != model.StepPending {
			t.Errorf("step %d status = %s, want pending", i, snap.Steps[i].Status)
		}
	}
}

func TestRecordAttempt_IdempotentPerSeq(t *testing.T) {
	m := NewManager("run_0000000001_00000001", threeStepPlan())

	n, counted := m.RecordAttempt(0, 1, "first")
	if !counted || n != 1 {
		t.Fatalf("first attempt: count=%d counted=%v", n, counted)
	}

	// Duplicate submission of the same seq must not double-count.
	n, counted = m.RecordAttempt(0, 1, "first again")
	if counted {
		t.Errorf("duplicate seq counted")
	}
	if n != 1 {
		t.Errorf("attempt count after duplicate = %d, want 1", n)
	}

	n, counted = m.RecordAttempt(0, 2, "second")
	if !counted || n != 2 {
		t.Errorf("second attempt: count=%d counted=%v", n, counted)
	}

	// A late response for a stale step index records nothing.
	if _, counted := m.RecordAttempt(1, 3, "wrong step"); counted {
		t.Errorf("attempt recorded against non-current step")
	}
}

func TestAdvance_HappyPath(t *testing.T) {
	m := NewManager("run_0000000001_00000001", threeStepPlan())

	advanced, next := m.Advance(0, completedVerdict())
	if !advanced || next != 1 {
		t.Fatalf("Advance(0) = (%v, %d), want (true, 1)", advanced, next)
	}

	snap := m.Snapshot()
	if snap.Steps[0].Status != model.StepCompleted {
		t.Errorf("step 0 status = %s, want completed", snap.Steps[0].Status)
	}
	if snap.Steps[1].Status != model.StepInProgress {
		t.Errorf("step 1 status = %s, want in_progress", snap.Steps[1].Status)
	}
	if snap.Terminal {
		t.Errorf("run terminal after first advance")
	}
}

func TestAdvance_StaleIndexRejected(t *testing.T) {
	m := NewManager("run_0000000001_00000001", threeStepPlan())

	if advanced, _ := m.Advance(0, completedVerdict()); !advanced {
		t.Fatalf("first advance rejected")
	}
	before := m.Snapshot()

	// The stale index no-ops and mutates nothing.
	advanced, next := m.Advance(0, completedVerdict())
	if advanced {
		t.Errorf("stale advance reported advanced=true")
	}
	if next != 1 {
		t.Errorf("stale advance next = %d, want 1", next)
	}
	after := m.Snapshot()
	if after.CurrentStep != before.CurrentStep || after.Steps[1].AttemptCount != before.Steps[1].AttemptCount {
		t.Errorf("stale advance mutated state")
	}

	// Advancing an index ahead of current is equally a no-op.
	if advanced, _ := m.Advance(2, completedVerdict()); advanced {
		t.Errorf("future index advanced")
	}
}

func TestAdvance_SingleAdvanceUnderConcurrency(t *testing.T) {
	m := NewManager("run_0000000001_00000001", threeStepPlan())

	const goroutines = 32
	var wg sync.WaitGroup
	results := make(chan bool, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			advanced, _ := m.Advance(0, completedVerdict())
			results <- advanced
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for advanced := range results {
		if advanced {
			wins++
		}
	}
	if wins != 1 {
		t.Errorf("Advance(0) succeeded %d times under concurrency, want exactly 1", wins)
	}
}

func TestAdvance_TerminalOnLastStep(t *testing.T) {
	m := NewManager("run_0000000001_00000001", threeStepPlan())

	verdicts := []model.Verdict{
		completedVerdict(),
		{StepComplete: true, Confidence: 0.6, ReasonCode: model.ReasonErrorRecovery},
		{StepComplete: true, Confidence: 0.4, ReasonCode: model.ReasonForcedProgression},
	}
	for i, v := range verdicts {
		advanced, _ := m.Advance(i, v)
		if !advanced {
			t.Fatalf("Advance(%d) rejected", i)
		}
	}

	snap := m.Snapshot()
	if !snap.Terminal {
		t.Fatalf("run not terminal after final advance")
	}
	if snap.TerminalReason != model.TerminalTaskComplete {
		t.Errorf("terminal reason = %q, want task_complete", snap.TerminalReason)
	}
	if snap.Status != model.RunCompleted {
		t.Errorf("run status = %s, want completed", snap.Status)
	}
	if snap.Steps[1].Status != model.StepCompletedWithError {
		t.Errorf("step 1 status = %s, want completed_with_error", snap.Steps[1].Status)
	}
	if snap.Steps[2].Status != model.StepForceCompleted {
		t.Errorf("step 2 status = %s, want force_completed", snap.Steps[2].Status)
	}

	if _, _, ok := m.Current(); ok {
		t.Errorf("Current ok on terminal run")
	}
	if advanced, _ := m.Advance(2, completedVerdict()); advanced {
		t.Errorf("advance accepted on terminal run")
	}
}

func TestMonotonicProgress(t *testing.T) {
	m := NewManager("run_0000000001_00000001", threeStepPlan())

	last := 0
	for i := 0; i < 3; i++ {
		m.RecordAttempt(i, int64(i+1), "work")
		m.Advance(i, completedVerdict())
		snap := m.Snapshot()
		if snap.CurrentStep < last {
			t.Fatalf("current step decreased: %d → %d", last, snap.CurrentStep)
		}
		last = snap.CurrentStep
	}
}

func TestTerminate(t *testing.T) {
	m := NewManager("run_0000000001_00000001", threeStepPlan())

	if !m.Terminate(model.RunStopped, model.TerminalStopped) {
		t.Fatalf("Terminate returned false on active run")
	}
	snap := m.Snapshot()
	if snap.Status != model.RunStopped || !snap.Terminal {
		t.Errorf("state after stop: status=%s terminal=%v", snap.Status, snap.Terminal)
	}

	// Idempotent.
	if m.Terminate(model.RunStopped, model.TerminalStopped) {
		t.Errorf("second Terminate returned true")
	}
	if advanced, _ := m.Advance(0, completedVerdict()); advanced {
		t.Errorf("advance accepted after stop")
	}
}

func TestTerminate_FailMarksStep(t *testing.T) {
	m := NewManager("run_0000000001_00000001", threeStepPlan())

	m.Terminate(model.RunFailed, "browser agent unavailable")
	snap := m.Snapshot()
	if snap.Steps[0].Status != model.StepFailed {
		t.Errorf("in-progress step status = %s after fail, want failed", snap.Steps[0].Status)
	}
	if snap.TerminalReason != "browser agent unavailable" {
		t.Errorf("terminal reason = %q", snap.TerminalReason)
	}
}

func TestMergeContext(t *testing.T) {
	m := NewManager("run_0000000001_00000001", threeStepPlan())

	m.MergeContext(map[string]string{"step_0_result": "three models found"})
	m.MergeContext(map[string]string{"step_1_result": "image rendered"})

	snap := m.Snapshot()
	if snap.Context["step_0_result"] != "three models found" {
		t.Errorf("context missing step_0_result")
	}
	if snap.Context["step_1_result"] != "image rendered" {
		t.Errorf("context missing step_1_result")
	}

	// Snapshot is a copy, not a view.
	snap.Context["step_0_result"] = "mutated"
	if m.Snapshot().Context["step_0_result"] != "three models found" {
		t.Errorf("snapshot mutation leaked into run state")
	}
}
