package daemon

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/troupehq/troupe/internal/events"
	"github.com/troupehq/troupe/internal/lock"
	"github.com/troupehq/troupe/internal/model"
	"github.com/troupehq/troupe/internal/plan"
	"github.com/troupehq/troupe/internal/run"
	"github.com/troupehq/troupe/internal/yaml"
)

// RunHandler owns run lifecycle operations on behalf of the uds handlers,
// the inbox watcher, and the in-process dispatcher. It also persists run
// snapshots under .troupe/state/runs/.
type RunHandler struct {
	troupeDir string
	cfg       model.Config
	bus       *events.Bus
	registry  *run.Registry
	lockMap   *lock.MutexMap
	logger    *log.Logger
}

func NewRunHandler(troupeDir string, cfg model.Config, bus *events.Bus, registry *run.Registry, logger *log.Logger) *RunHandler {
	return &RunHandler{
		troupeDir: troupeDir,
		cfg:       cfg,
		bus:       bus,
		registry:  registry,
		lockMap:   lock.NewMutexMap(),
		logger:    logger,
	}
}

// StartRun parses plan content, registers a coordinator, and starts it.
func (h *RunHandler) StartRun(planContent []byte) (string, error) {
	p, err := plan.Parse(planContent)
	if err != nil {
		return "", err
	}

	c, err := run.New(p.RunID, p, h.cfg, h.bus, h.logger)
	if err != nil {
		return "", err
	}
	if err := h.registry.Add(c); err != nil {
		return "", err
	}

	h.persistSnapshot(p.RunID)
	if err := c.Start(); err != nil {
		return "", fmt.Errorf("start run %s: %w", p.RunID, err)
	}
	return p.RunID, nil
}

// SubmitResponse feeds one agent response into its run. Stale or duplicate
// responses are absorbed by the coordinator, not surfaced as errors.
func (h *RunHandler) SubmitResponse(runID string, stepIndex int, seq int64, role model.AgentRole, text string) error {
	c, err := h.registry.Get(runID)
	if err != nil {
		return err
	}
	return c.OnAgentResponse(stepIndex, seq, text)
}

// ForceRun advances the named step without classification.
func (h *RunHandler) ForceRun(runID string, stepIndex int, reason string) error {
	c, err := h.registry.Get(runID)
	if err != nil {
		return err
	}
	return c.ForceProgress(stepIndex, reason)
}

// StopRun ends a run, idempotently.
func (h *RunHandler) StopRun(runID, reason string) error {
	c, err := h.registry.Get(runID)
	if err != nil {
		return err
	}
	c.Stop(reason)
	return nil
}

// Reinstruct republishes the current instruction for a run, the
// dispatcher's redelivery path when an instruction event went missing.
func (h *RunHandler) Reinstruct(runID string) error {
	c, err := h.registry.Get(runID)
	if err != nil {
		return err
	}
	return c.Reinstruct()
}

// FailRun marks a run failed for an out-of-band condition such as an
// unavailable agent.
func (h *RunHandler) FailRun(runID, reason string) error {
	c, err := h.registry.Get(runID)
	if err != nil {
		return err
	}
	c.Fail(reason)
	return nil
}

// RunStatus returns a run's full progress snapshot.
func (h *RunHandler) RunStatus(runID string) (model.RunState, error) {
	c, err := h.registry.Get(runID)
	if err != nil {
		return model.RunState{}, err
	}
	return c.Snapshot(), nil
}

// RunSummary is one row of the run listing.
type RunSummary struct {
	RunID       string `json:"run_id"`
	Status      string `json:"status"`
	CurrentStep int    `json:"current_step"`
	Steps       int    `json:"steps"`
	Task        string `json:"task"`
}

// ListRuns summarizes every registered run, sorted by id.
func (h *RunHandler) ListRuns() []RunSummary {
	ids := h.registry.IDs()
	summaries := make([]RunSummary, 0, len(ids))
	for _, id := range ids {
		c, err := h.registry.Get(id)
		if err != nil {
			continue
		}
		snap := c.Snapshot()
		summaries = append(summaries, RunSummary{
			RunID:       id,
			Status:      string(snap.Status),
			CurrentStep: snap.CurrentStep,
			Steps:       len(snap.Steps),
			Task:        snap.Task,
		})
	}
	return summaries
}

// AttachPersistence subscribes snapshot writes to the progress events. The
// returned function unsubscribes.
func (h *RunHandler) AttachPersistence() func() {
	unsubs := []func(){
		h.bus.Subscribe(events.EventRunStarted, h.onProgress),
		h.bus.Subscribe(events.EventStepAdvanced, h.onProgress),
		h.bus.Subscribe(events.EventRunTerminal, h.onProgress),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (h *RunHandler) onProgress(ev events.Event) {
	h.persistSnapshot(ev.RunID)
}

func (h *RunHandler) persistSnapshot(runID string) {
	c, err := h.registry.Get(runID)
	if err != nil {
		return
	}

	h.lockMap.Lock(runID)
	defer h.lockMap.Unlock(runID)

	snap := c.Snapshot()
	snap.UpdatedAt = time.Now().UTC().Format(time.RFC3339)

	dir := filepath.Join(h.troupeDir, "state", "runs")
	if err := os.MkdirAll(dir, 0755); err != nil {
		h.logf("snapshot_dir_error run=%s err=%v", runID, err)
		return
	}
	path := filepath.Join(dir, runID+".yaml")
	if err := yaml.AtomicWrite(path, snap); err != nil {
		h.logf("snapshot_write_error run=%s err=%v", runID, err)
	}
}

func (h *RunHandler) logf(format string, args ...any) {
	if h.logger != nil {
		h.logger.Printf(format, args...)
	}
}
