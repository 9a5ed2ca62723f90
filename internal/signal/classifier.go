// Package signal classifies free-form agent responses into completion
// verdicts. Agents never return a structured "done" value; the classifier is
// the single place where that ambiguity is resolved.
//
// Classification is an ordered, descending-confidence tier cascade. Tiers are
// independent and the first tier that fires wins. The early tiers
// short-circuit unambiguous responses; the late tiers (adaptive acceptance,
// forced progression) exist purely to bound how long a step can stay open.
package signal

import (
	"strings"

	"github.com/troupehq/troupe/internal/model"
)

// Tier confidences. Ordering is part of the contract: a later tier never
// reports higher confidence than an earlier one.
const (
	confExplicit      = 0.95
	confRoleBehavior  = 0.8
	confContent       = 0.7
	confErrorRecovery = 0.6
	confAdaptive      = 0.5
	confForced        = 0.4

	// boilerplatePenalty is subtracted per boilerplate phrase found.
	boilerplatePenalty = 0.05
	// noSignalBase scales residual confidence when no tier fires.
	noSignalBase = 0.15
	// noSignalMax keeps boilerplate-heavy responses well under the
	// acceptance floor.
	noSignalMax = 0.3

	excerptLen = 120
)

// Classifier maps one agent response to a completion verdict. It is a pure
// function of its inputs plus configuration; it holds no run state and never
// returns an error, however malformed the text.
type Classifier struct {
	adaptiveThreshold int
	hardCap           int
	minContentMarkers int
}

func New(cfg model.ClassifierConfig) *Classifier {
	c := &Classifier{
		adaptiveThreshold: cfg.AdaptiveThreshold,
		hardCap:           cfg.HardCap,
		minContentMarkers: cfg.MinContentMarkers,
	}
	def := model.DefaultConfig().Classifier
	if c.adaptiveThreshold <= 0 {
		c.adaptiveThreshold = def.AdaptiveThreshold
	}
	if c.hardCap <= 0 {
		c.hardCap = def.HardCap
	}
	if c.minContentMarkers <= 0 {
		c.minContentMarkers = def.MinContentMarkers
	}
	return c
}

// Classify judges one response against the tier cascade. attempt is the
// zero-based attempt number of this response for the step.
func (c *Classifier) Classify(text string, role model.AgentRole, attempt int, lastStep bool) model.Verdict {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		// Empty input still counts toward the hard cap: liveness must not
		// depend on the agent saying anything at all.
		if attempt >= c.hardCap {
			return forcedVerdict(trimmed)
		}
		return model.Verdict{ReasonCode: model.ReasonEmptyResponse, Confidence: 0.0}
	}

	lower := strings.ToLower(trimmed)
	boiler := countMatches(lower, boilerplatePhrases)
	content := countContentMarkers(trimmed)

	// Tier 1: explicit markers. A task-scoped marker is a step false positive
	// everywhere except the final step, so off the final step the cascade
	// simply continues on the rest of the response.
	if marker, ok := containsAny(lower, taskMarkers); ok && lastStep {
		return model.Verdict{
			StepComplete: true,
			TaskComplete: true,
			Confidence:   confExplicit,
			ReasonCode:   model.ReasonExplicitMarker,
			Evidence:     marker,
		}
	}
	if marker, ok := c.stepMarker(lower, role); ok {
		return model.Verdict{
			StepComplete: true,
			Confidence:   confExplicit,
			ReasonCode:   model.ReasonExplicitMarker,
			Evidence:     marker,
		}
	}

	// Tier 2: role-behavior idiom plus at least one substantive fragment.
	if idiom, ok := containsAny(lower, roleIdioms[role]); ok && content >= 1 {
		return model.Verdict{
			StepComplete: true,
			Confidence:   penalize(confRoleBehavior, boiler),
			ReasonCode:   model.ReasonRoleBehavior,
			Evidence:     idiom,
		}
	}

	// Tier 3: enough task-relevant content even without a completion phrase.
	if content >= c.minContentMarkers {
		return model.Verdict{
			StepComplete: true,
			Confidence:   penalize(confContent, boiler),
			ReasonCode:   model.ReasonContentMarkers,
			Evidence:     excerpt(trimmed),
		}
	}

	// Tier 4: the agent reports a failure but retained something useful.
	// Degrade to completed_with_error rather than blocking the run.
	if marker, ok := containsAny(lower, failureMarkers); ok && content >= 1 {
		return model.Verdict{
			StepComplete: true,
			Confidence:   confErrorRecovery,
			ReasonCode:   model.ReasonErrorRecovery,
			Evidence:     marker,
		}
	}

	// Tier 5: adaptive acceptance. At the threshold the requirement is
	// already one fragment weaker than tier 3 (which needed the full
	// minContentMarkers and did not fire), then it keeps shrinking by one
	// per further attempt, never below a single fragment.
	if attempt >= c.adaptiveThreshold {
		required := c.minContentMarkers - 1 - (attempt - c.adaptiveThreshold)
		if required < 1 {
			required = 1
		}
		if content >= required {
			return model.Verdict{
				StepComplete: true,
				Confidence:   confAdaptive,
				ReasonCode:   model.ReasonAdaptiveAcceptance,
				Evidence:     excerpt(trimmed),
			}
		}
	}

	// Tier 6: forced progression, the liveness backstop.
	if attempt >= c.hardCap {
		return forcedVerdict(trimmed)
	}

	// No tier fired. Residual confidence reflects what little content there
	// was, minus the boilerplate penalty; it stays under the acceptance floor.
	conf := noSignalBase * float64(content)
	if conf > noSignalMax {
		conf = noSignalMax
	}
	conf -= boilerplatePenalty * 2 * float64(boiler)
	if conf < 0 {
		conf = 0
	}
	return model.Verdict{
		Confidence: conf,
		ReasonCode: model.ReasonNoSignal,
		Evidence:   excerpt(trimmed),
	}
}

// HardCap exposes the configured forced-progression bound.
func (c *Classifier) HardCap() int {
	return c.hardCap
}

func (c *Classifier) stepMarker(lower string, role model.AgentRole) (string, bool) {
	if marker, ok := containsAny(lower, roleStepMarkers[role]); ok {
		return marker, true
	}
	return containsAny(lower, stepMarkers)
}

func forcedVerdict(text string) model.Verdict {
	return model.Verdict{
		StepComplete: true,
		Confidence:   confForced,
		ReasonCode:   model.ReasonForcedProgression,
		Evidence:     excerpt(text),
	}
}

func penalize(conf float64, boiler int) float64 {
	conf -= boilerplatePenalty * float64(boiler)
	if conf < confAdaptive {
		// A qualifying tier never sinks below the adaptive tier.
		conf = confAdaptive
	}
	return conf
}

func excerpt(text string) string {
	runes := []rune(text)
	if len(runes) <= excerptLen {
		return text
	}
	return string(runes[:excerptLen]) + "…"
}
