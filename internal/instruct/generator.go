// Package instruct produces the instruction text dispatched to an agent for
// a step attempt. Generation is deterministic for identical inputs so tests
// can assert on exact output.
package instruct

import (
	"fmt"
	"sort"
	"strings"

	"github.com/troupehq/troupe/internal/material"
	"github.com/troupehq/troupe/internal/model"
)

// Attempt tiers. The wording narrows as attempts accumulate, mirroring the
// classifier's loosening acceptance from the other side.
const (
	narrowedAfter  = 1
	finishNowAfter = 4

	synopsisLen = 240
)

type Generator struct {
	materials *material.Store
}

func NewGenerator(materials *material.Store) *Generator {
	return &Generator{materials: materials}
}

// Generate builds the instruction for one step attempt. Accumulated context
// from earlier steps is always folded in when present: a later step never
// starts blind to what the run has already produced.
func (g *Generator) Generate(step model.PlanStep, attempt int, runCtx map[string]string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "[%s] Step %d: %s\n", step.Role, step.Index, step.Title)
	if step.Details != "" {
		fmt.Fprintf(&b, "Details: %s\n", step.Details)
	}
	b.WriteString("\n")
	b.WriteString(tierText(step.Role, attempt))

	if synopsis := g.priorArtifactSynopsis(step.Index); synopsis != "" {
		b.WriteString("\n\nResults from earlier steps:\n")
		b.WriteString(synopsis)
	}
	if len(runCtx) > 0 {
		b.WriteString("\n\nAccumulated context:\n")
		keys := make([]string, 0, len(runCtx))
		for k := range runCtx {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, runCtx[k])
		}
	}

	b.WriteString("\nWhen the step is done, state it explicitly (e.g. \"step complete\") and report what you found or produced.")
	return b.String()
}

func tierText(role model.AgentRole, attempt int) string {
	switch {
	case attempt >= finishNowAfter:
		return "This step has taken several attempts. Do not gather anything new: finish now using only the information you already have, and state the step complete with your best result."
	case attempt >= narrowedAfter:
		return fmt.Sprintf("Previous attempt did not clearly finish (attempt %d). Focus only on what is still missing for this step and keep the response short and concrete.", attempt)
	default:
		return thoroughText(role)
	}
}

func thoroughText(role model.AgentRole) string {
	switch role {
	case model.RoleBrowser:
		return "Work the step thoroughly: navigate to the relevant pages, extract concrete facts (names, figures, URLs), and report each finding."
	case model.RoleImage:
		return "Work the step thoroughly: generate the requested image, describe what it depicts, and report where it was saved."
	case model.RoleWriter:
		return "Work the step thoroughly: draft the requested document in full, citing the concrete facts available to you."
	default:
		return "Work the step thoroughly and report concrete results."
	}
}

// priorArtifactSynopsis summarizes the most recent artifact of each earlier
// step, oldest step first.
func (g *Generator) priorArtifactSynopsis(stepIndex int) string {
	if g.materials == nil {
		return ""
	}
	var b strings.Builder
	for i := 0; i < stepIndex; i++ {
		arts := g.materials.ListForStep(i)
		if len(arts) == 0 {
			continue
		}
		latest := arts[len(arts)-1]
		if latest.Kind != model.ArtifactText {
			fmt.Fprintf(&b, "- step %d (%s): produced a %s artifact (%s)\n", i, latest.Role, latest.Kind, latest.ID)
			continue
		}
		fmt.Fprintf(&b, "- step %d (%s): %s\n", i, latest.Role, synopsis(string(latest.Payload)))
	}
	return strings.TrimRight(b.String(), "\n")
}

func synopsis(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= synopsisLen {
		return text
	}
	return string(runes[:synopsisLen]) + "…"
}
