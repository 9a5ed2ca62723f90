// Package status renders daemon and run status for the CLI.
package status

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/troupehq/troupe/internal/model"
	"github.com/troupehq/troupe/internal/uds"
)

type Overview struct {
	Daemon DaemonStatus `json:"daemon"`
	Runs   []RunRow     `json:"runs,omitempty"`
}

type DaemonStatus struct {
	Running bool `json:"running"`
}

type RunRow struct {
	RunID       string `json:"run_id"`
	Status      string `json:"status"`
	CurrentStep int    `json:"current_step"`
	Steps       int    `json:"steps"`
	Task        string `json:"task"`
}

// Run prints the daemon status and run listing. With the daemon down it
// falls back to the snapshots on disk.
func Run(troupeDir string, jsonOutput bool) error {
	overview := Overview{}

	client := uds.NewClient(filepath.Join(troupeDir, uds.DefaultSocketName))
	overview.Daemon = checkDaemon(client)

	if overview.Daemon.Running {
		overview.Runs = liveRuns(client)
	} else {
		overview.Runs = snapshotRuns(troupeDir)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(overview)
	}

	printOverview(overview)
	return nil
}

// RunDetail prints one run's full step-by-step state.
func RunDetail(troupeDir, runID string, jsonOutput bool) error {
	state, err := fetchRunState(troupeDir, runID)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(state)
	}

	printRunState(state)
	return nil
}

func checkDaemon(client *uds.Client) DaemonStatus {
	resp, err := client.SendCommand("daemon.ping", nil)
	if err != nil || !resp.Success {
		return DaemonStatus{Running: false}
	}
	return DaemonStatus{Running: true}
}

func liveRuns(client *uds.Client) []RunRow {
	var listing struct {
		Runs []RunRow `json:"runs"`
	}
	if err := client.Call("run.list", nil, &listing); err != nil {
		return nil
	}
	return listing.Runs
}

func snapshotRuns(troupeDir string) []RunRow {
	dir := filepath.Join(troupeDir, "state", "runs")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var rows []RunRow
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		content, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		var state model.RunState
		if yamlv3.Unmarshal(content, &state) != nil || state.RunID == "" {
			continue
		}
		rows = append(rows, RunRow{
			RunID:       state.RunID,
			Status:      string(state.Status),
			CurrentStep: state.CurrentStep,
			Steps:       len(state.Steps),
			Task:        state.Task,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].RunID < rows[j].RunID })
	return rows
}

func fetchRunState(troupeDir, runID string) (model.RunState, error) {
	client := uds.NewClient(filepath.Join(troupeDir, uds.DefaultSocketName))
	var state model.RunState
	err := client.Call("run.status", map[string]string{"run_id": runID}, &state)
	if err == nil {
		return state, nil
	}
	var cerr *uds.CommandError
	daemonDown := !errors.As(err, &cerr)

	// daemon down or run unknown to it: read the snapshot
	path := filepath.Join(troupeDir, "state", "runs", runID+".yaml")
	content, rerr := os.ReadFile(path)
	if rerr != nil {
		if daemonDown {
			return model.RunState{}, fmt.Errorf("daemon unreachable and no snapshot for %s", runID)
		}
		return model.RunState{}, fmt.Errorf("run %s not found", runID)
	}
	if uerr := yamlv3.Unmarshal(content, &state); uerr != nil {
		return model.RunState{}, fmt.Errorf("parse snapshot %s: %w", path, uerr)
	}
	return state, nil
}

func printOverview(o Overview) {
	if o.Daemon.Running {
		fmt.Println("daemon: running")
	} else {
		fmt.Println("daemon: not running (showing snapshots)")
	}

	if len(o.Runs) == 0 {
		fmt.Println("no runs")
		return
	}
	for _, r := range o.Runs {
		fmt.Printf("%s  %-10s step %d/%d  %s\n", r.RunID, r.Status, r.CurrentStep, r.Steps, r.Task)
	}
}

func printRunState(s model.RunState) {
	fmt.Printf("run:    %s\n", s.RunID)
	fmt.Printf("task:   %s\n", s.Task)
	fmt.Printf("status: %s", s.Status)
	if s.TerminalReason != "" {
		fmt.Printf(" (%s)", s.TerminalReason)
	}
	fmt.Println()
	for i, step := range s.Steps {
		marker := " "
		if !s.Terminal && i == s.CurrentStep {
			marker = ">"
		}
		fmt.Printf("%s step %d  %-20s attempts=%d", marker, i, step.Status, step.AttemptCount)
		if step.ReasonCode != "" {
			fmt.Printf("  reason=%s", step.ReasonCode)
		}
		fmt.Println()
	}
}
