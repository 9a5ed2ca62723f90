// Package model defines the data structures for troupe's plans, run state, and configuration.
package model

import (
	"fmt"
	"strings"
)

// AgentRole identifies which kind of agent a plan step is assigned to.
type AgentRole string

const (
	RoleBrowser AgentRole = "browser"
	RoleImage   AgentRole = "image"
	RoleWriter  AgentRole = "writer"
)

var validRoles = map[AgentRole]bool{
	RoleBrowser: true,
	RoleImage:   true,
	RoleWriter:  true,
}

func ValidRole(r AgentRole) bool {
	return validRoles[r]
}

// PlanStep is one unit of work assigned to exactly one agent role.
// Steps are immutable once a run starts; runtime status lives in StepState.
type PlanStep struct {
	Index   int       `yaml:"index" json:"index"`
	Title   string    `yaml:"title" json:"title"`
	Details string    `yaml:"details" json:"details"`
	Role    AgentRole `yaml:"role" json:"role"`
}

// Plan is an ordered sequence of steps toward a single task.
// Insertion order is execution order.
type Plan struct {
	SchemaVersion int        `yaml:"schema_version" json:"schema_version"`
	FileType      string     `yaml:"file_type" json:"file_type"`
	RunID         string     `yaml:"run_id,omitempty" json:"run_id,omitempty"`
	Task          string     `yaml:"task" json:"task"`
	Steps         []PlanStep `yaml:"steps" json:"steps"`
}

const (
	PlanSchemaVersion = 1
	PlanFileType      = "troupe_plan"
)

// Validate checks structural plan invariants before a run is accepted.
func (p *Plan) Validate() error {
	if p.SchemaVersion != PlanSchemaVersion {
		return &PlanValidationError{Msg: fmt.Sprintf("unsupported schema_version %d (expected %d)", p.SchemaVersion, PlanSchemaVersion)}
	}
	if p.FileType != PlanFileType {
		return &PlanValidationError{Msg: fmt.Sprintf("unexpected file_type %q (expected %s)", p.FileType, PlanFileType)}
	}
	if strings.TrimSpace(p.Task) == "" {
		return &PlanValidationError{Msg: "task is required"}
	}
	if len(p.Steps) == 0 {
		return &PlanValidationError{Msg: "plan has no steps"}
	}
	for i, step := range p.Steps {
		if step.Index != i {
			return &PlanValidationError{Msg: fmt.Sprintf("step %d has index %d (steps must be contiguous from 0)", i, step.Index)}
		}
		if strings.TrimSpace(step.Title) == "" {
			return &PlanValidationError{Msg: fmt.Sprintf("step %d has no title", i)}
		}
		if !ValidRole(step.Role) {
			return &PlanValidationError{Msg: fmt.Sprintf("step %d has unknown role %q", i, step.Role)}
		}
	}
	return nil
}

// PlanValidationError marks a plan or configuration that must be rejected
// before a run starts.
type PlanValidationError struct {
	Msg string
}

func (e *PlanValidationError) Error() string {
	return e.Msg
}
