package agent

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/troupehq/troupe/internal/events"
	"github.com/troupehq/troupe/internal/model"
)

// Responder is the dispatch loop's path back into the orchestration core.
type Responder interface {
	SubmitResponse(runID string, stepIndex int, seq int64, role model.AgentRole, text string) error
	Reinstruct(runID string) error
	FailRun(runID, reason string) error
}

// redeliverAfter bounds how long a run may sit waiting on an instruction
// event before the dispatcher asks the core to resend it. The event bus
// drops events for slow subscribers, so a run dispatched in-process needs
// the same redelivery safety net the inbox gets from its rescan ticker.
const defaultRedeliverAfter = 45 * time.Second

// Dispatcher executes instructions in-process: it listens for ready
// instructions, runs the role's executor, and submits the response text
// back. Sequence numbers are allocated monotonically across all runs.
type Dispatcher struct {
	registry  *Registry
	responder Responder
	logger    *log.Logger

	redeliverAfter time.Duration
	awaitMu        sync.Mutex
	awaiting       map[string]time.Time

	nextSeq atomic.Int64
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewDispatcher(registry *Registry, responder Responder, logger *log.Logger) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		registry:       registry,
		responder:      responder,
		logger:         logger,
		redeliverAfter: defaultRedeliverAfter,
		awaiting:       make(map[string]time.Time),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// SetRedeliverAfter overrides the instruction redelivery timeout. Must be
// called before Attach.
func (d *Dispatcher) SetRedeliverAfter(timeout time.Duration) {
	d.redeliverAfter = timeout
}

// Attach subscribes the dispatcher to run events and starts the redelivery
// watchdog. The returned function unsubscribes.
func (d *Dispatcher) Attach(bus *events.Bus) func() {
	unsubs := []func(){
		bus.Subscribe(events.EventInstructionReady, d.handle),
		bus.Subscribe(events.EventRunStarted, d.onRunStarted),
		bus.Subscribe(events.EventRunTerminal, d.onRunTerminal),
	}
	d.wg.Add(1)
	go d.watchdog()
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Close stops accepting work and waits for in-flight executions.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}

func (d *Dispatcher) onRunStarted(ev events.Event) {
	d.expect(ev.RunID)
}

func (d *Dispatcher) onRunTerminal(ev events.Event) {
	d.forget(ev.RunID)
}

func (d *Dispatcher) handle(ev events.Event) {
	// Instruction in hand: stop the watchdog clock while the executor works.
	d.forget(ev.RunID)

	stepIndex, ok := intField(ev.Data, "step_index")
	if !ok {
		d.logf("dispatch_skip run=%s reason=missing_step_index", ev.RunID)
		return
	}
	role := model.AgentRole(stringField(ev.Data, "role"))
	instruction := stringField(ev.Data, "text")

	select {
	case <-d.ctx.Done():
		return
	default:
	}

	d.wg.Add(1)
	go d.execute(ev.RunID, stepIndex, role, instruction)
}

func (d *Dispatcher) execute(runID string, stepIndex int, role model.AgentRole, instruction string) {
	defer d.wg.Done()

	ex, err := d.registry.Get(role)
	if err != nil {
		// No adapter for this role means the run can never make progress.
		d.logf("dispatch_fail run=%s step=%d role=%s err=%v", runID, stepIndex, role, err)
		if ferr := d.responder.FailRun(runID, fmt.Sprintf("agent unavailable for role %q", role)); ferr != nil {
			d.logf("fail_run_error run=%s err=%v", runID, ferr)
		}
		return
	}

	seq := d.nextSeq.Add(1)
	res := ex.Execute(d.ctx, ExecRequest{
		RunID:       runID,
		StepIndex:   stepIndex,
		Role:        role,
		Instruction: instruction,
	})

	text := res.Text
	if text == "" && res.Err != nil {
		if !res.Retryable {
			d.logf("dispatch_fail run=%s step=%d role=%s err=%v", runID, stepIndex, role, res.Err)
			if ferr := d.responder.FailRun(runID, fmt.Sprintf("agent %s failed: %v", role, res.Err)); ferr != nil {
				d.logf("fail_run_error run=%s err=%v", runID, ferr)
			}
			return
		}
		// Feed the failure back as response text so the attempt is counted
		// and the run keeps moving toward adaptive or forced progression.
		text = fmt.Sprintf("The attempt failed with an error: %v. No usable output was produced.", res.Err)
	}

	if err := d.responder.SubmitResponse(runID, stepIndex, seq, role, text); err != nil {
		d.logf("submit_response_error run=%s step=%d seq=%d err=%v", runID, stepIndex, seq, err)
		return
	}
	// Now waiting on the next instruction (or the terminal event).
	d.expect(runID)
}

func (d *Dispatcher) expect(runID string) {
	d.awaitMu.Lock()
	d.awaiting[runID] = time.Now()
	d.awaitMu.Unlock()
}

func (d *Dispatcher) forget(runID string) {
	d.awaitMu.Lock()
	delete(d.awaiting, runID)
	d.awaitMu.Unlock()
}

func (d *Dispatcher) watchdog() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.redeliverAfter)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case now := <-ticker.C:
			d.redeliverStale(now)
		}
	}
}

func (d *Dispatcher) redeliverStale(now time.Time) {
	d.awaitMu.Lock()
	var stale []string
	for runID, since := range d.awaiting {
		if now.Sub(since) >= d.redeliverAfter {
			stale = append(stale, runID)
			d.awaiting[runID] = now
		}
	}
	d.awaitMu.Unlock()

	for _, runID := range stale {
		d.logf("redeliver run=%s reason=instruction_timeout", runID)
		if err := d.responder.Reinstruct(runID); err != nil {
			d.logf("redeliver_error run=%s err=%v", runID, err)
			d.forget(runID)
		}
	}
}

func (d *Dispatcher) logf(format string, args ...interface{}) {
	if d.logger != nil {
		d.logger.Printf(format, args...)
	}
}

func intField(data map[string]interface{}, key string) (int, bool) {
	switch v := data[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

func stringField(data map[string]interface{}, key string) string {
	if s, ok := data[key].(string); ok {
		return s
	}
	return ""
}
