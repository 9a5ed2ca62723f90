package model

import (
	"fmt"
	"time"
)

// StepState is the mutable runtime record for one plan step. It lives beside
// the immutable PlanStep, keyed by step index.
type StepState struct {
	Status       StepStatus `yaml:"status" json:"status"`
	AttemptCount int        `yaml:"attempt_count" json:"attempt_count"`
	LastSeq      int64      `yaml:"last_seq" json:"last_seq"`
	LastExcerpt  string     `yaml:"last_excerpt,omitempty" json:"last_excerpt,omitempty"`
	ReasonCode   ReasonCode `yaml:"reason_code,omitempty" json:"reason_code,omitempty"`
	Confidence   float64    `yaml:"confidence" json:"confidence"`
}

// RunState is a snapshot of a run's full progress. The step index manager is
// the only writer; everything else reads copies.
type RunState struct {
	SchemaVersion  int               `yaml:"schema_version" json:"schema_version"`
	FileType       string            `yaml:"file_type" json:"file_type"`
	RunID          string            `yaml:"run_id" json:"run_id"`
	Task           string            `yaml:"task" json:"task"`
	Status         RunStatus         `yaml:"status" json:"status"`
	CurrentStep    int               `yaml:"current_step" json:"current_step"`
	Steps          []StepState       `yaml:"steps" json:"steps"`
	Context        map[string]string `yaml:"context,omitempty" json:"context,omitempty"`
	Terminal       bool              `yaml:"terminal" json:"terminal"`
	TerminalReason string            `yaml:"terminal_reason,omitempty" json:"terminal_reason,omitempty"`
	CreatedAt      string            `yaml:"created_at" json:"created_at"`
	UpdatedAt      string            `yaml:"updated_at" json:"updated_at"`
}

const (
	RunStateSchemaVersion = 1
	RunStateFileType      = "troupe_run"
)

// ArtifactKind is the payload shape of a stored artifact.
type ArtifactKind string

const (
	ArtifactText   ArtifactKind = "text"
	ArtifactBinary ArtifactKind = "binary"
)

// Artifact is an immutable piece of step output retained for later steps.
type Artifact struct {
	ID        string       `yaml:"id" json:"id"`
	StepIndex int          `yaml:"step_index" json:"step_index"`
	Role      AgentRole    `yaml:"role" json:"role"`
	Kind      ArtifactKind `yaml:"kind" json:"kind"`
	Payload   []byte       `yaml:"payload" json:"payload"`
	CreatedAt time.Time    `yaml:"created_at" json:"created_at"`
}

// AgentResponse is one free-form agent reply submitted against a step.
// Seq is assigned by the dispatcher and increases monotonically per run.
type AgentResponse struct {
	SchemaVersion int       `yaml:"schema_version" json:"schema_version"`
	FileType      string    `yaml:"file_type" json:"file_type"`
	RunID         string    `yaml:"run_id" json:"run_id"`
	StepIndex     int       `yaml:"step_index" json:"step_index"`
	Seq           int64     `yaml:"seq" json:"seq"`
	Role          AgentRole `yaml:"role" json:"role"`
	Text          string    `yaml:"text" json:"text"`
}

const ResponseFileType = "troupe_response"

// Validate checks the structural fields of a submitted response.
func (r *AgentResponse) Validate() error {
	if r.FileType != ResponseFileType {
		return fmt.Errorf("unexpected file_type %q (expected %s)", r.FileType, ResponseFileType)
	}
	if r.RunID == "" {
		return fmt.Errorf("response has no run_id")
	}
	if r.StepIndex < 0 {
		return fmt.Errorf("response has negative step_index %d", r.StepIndex)
	}
	if r.Seq < 0 {
		return fmt.Errorf("response has negative seq %d", r.Seq)
	}
	return nil
}
