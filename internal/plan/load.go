// Package plan loads and validates workflow plan files.
package plan

import (
	"fmt"
	"os"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/troupehq/troupe/internal/model"
	"github.com/troupehq/troupe/internal/yaml"
)

// Parse validates and decodes plan YAML. A plan without a run_id gets one
// assigned here, so every accepted plan is addressable.
func Parse(content []byte) (model.Plan, error) {
	var p model.Plan

	if err := yaml.ValidateSchemaHeaderFromBytes(content, "troupe_plan"); err != nil {
		return p, &model.PlanValidationError{Msg: fmt.Sprintf("invalid plan header: %v", err)}
	}
	if err := yamlv3.Unmarshal(content, &p); err != nil {
		return p, &model.PlanValidationError{Msg: fmt.Sprintf("parse plan yaml: %v", err)}
	}
	if p.RunID == "" {
		id, err := model.GenerateID(model.IDTypeRun)
		if err != nil {
			return p, fmt.Errorf("assign run id: %w", err)
		}
		p.RunID = id
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

// Load reads and parses a plan file.
func Load(path string) (model.Plan, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return model.Plan{}, fmt.Errorf("read plan file: %w", err)
	}
	return Parse(content)
}
