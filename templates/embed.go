// Package templates embeds default project files and agent instructions.
package templates

import "embed"

//go:embed troupe.md example_plan.yaml instructions
var FS embed.FS
