package signal

import (
	"regexp"
	"strings"

	"github.com/troupehq/troupe/internal/model"
)

// Step-scoped explicit completion markers shared by every role.
var stepMarkers = []string{
	"step complete",
	"step completed",
	"step is complete",
	"step done",
	"step finished",
	"✅",
}

// Role-specific explicit completion markers. Kept as a small closed
// vocabulary: agents are prompted to emit these verbatim.
var roleStepMarkers = map[model.AgentRole][]string{
	model.RoleBrowser: {
		"browsing complete",
		"navigation complete",
		"finished browsing",
	},
	model.RoleImage: {
		"image generation complete",
		"image ready",
		"image generated successfully",
	},
	model.RoleWriter: {
		"document complete",
		"draft complete",
		"writing complete",
		"document ready",
	},
}

// Task-scoped markers. A bare task marker on a non-final step is a known
// false positive and never counts as a step signal.
var taskMarkers = []string{
	"task complete",
	"task completed",
	"the task is complete",
	"all steps complete",
	"all steps completed",
	"everything is done",
	"mission accomplished",
}

// Role-behavior idioms: phrasing an agent of that role produces when it has
// actually done its work, as opposed to announcing intent.
var roleIdioms = map[model.AgentRole][]string{
	model.RoleBrowser: {
		"navigated to",
		"visited",
		"opened the page",
		"the page shows",
		"found on the page",
		"search results show",
		"clicked",
	},
	model.RoleImage: {
		"generated an image",
		"generated the image",
		"rendered",
		"the image shows",
		"the image depicts",
		"saved the image",
	},
	model.RoleWriter: {
		"wrote",
		"drafted",
		"the document contains",
		"converted",
		"saved to",
		"summarized",
	},
}

// Generic assistant boilerplate. Presence subtracts confidence and never
// qualifies a completion on its own.
var boilerplatePhrases = []string{
	"let me help",
	"i understand",
	"i'll start",
	"i will start",
	"i can help you",
	"how can i assist",
	"happy to help",
	"i'd be glad to",
	"let's get started",
	"sure, i can",
}

var failureMarkers = []string{
	"error",
	"failed",
	"failure",
	"timeout",
	"timed out",
	"exception",
	"unable to",
	"could not",
	"crashed",
}

// Content-marker patterns approximate "substantive, task-relevant fragments"
// without NLU: URLs, figures, quoted spans, key/value lines, proper nouns.
var contentPatterns = []*regexp.Regexp{
	regexp.MustCompile(`https?://\S+`),
	regexp.MustCompile(`\b\d[\d.,]*\s*(?:%|kg|g|mm|cm|m|w|kw|l|ml|usd|eur|gb|mb)?\b`),
	regexp.MustCompile(`"[^"]{3,}"`),
	regexp.MustCompile(`(?m)^\s*[-*•]\s+\S`),
	regexp.MustCompile(`(?m)^\s*\w[\w /-]{2,}:\s+\S`),
	regexp.MustCompile(`\b[A-Z][a-z]+(?: [A-Z][a-z]+)+\b`),
}

func containsAny(lower string, phrases []string) (string, bool) {
	for _, p := range phrases {
		if strings.Contains(lower, p) {
			return p, true
		}
	}
	return "", false
}

func countMatches(lower string, phrases []string) int {
	n := 0
	for _, p := range phrases {
		if strings.Contains(lower, p) {
			n++
		}
	}
	return n
}

// countContentMarkers counts distinct substantive fragments in the original
// (case-preserved) text. Each pattern contributes at most its match count;
// the total is capped to keep a single long response from dominating.
func countContentMarkers(text string) int {
	total := 0
	for _, re := range contentPatterns {
		matches := re.FindAllString(text, 8)
		for _, m := range matches {
			if strings.TrimSpace(m) == "" {
				continue
			}
			total++
		}
	}
	if total > 16 {
		total = 16
	}
	return total
}
