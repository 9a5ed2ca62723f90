// Package setup handles troupe project initialization.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/troupehq/troupe/internal/model"
	atomicyaml "github.com/troupehq/troupe/internal/yaml"
	"github.com/troupehq/troupe/templates"
)

const troupeDir = ".troupe"

// Dir returns the state root for a project directory.
func Dir(projectDir string) string {
	return filepath.Join(projectDir, troupeDir)
}

// Run initializes the .troupe/ directory structure in the given project
// directory. projectName overrides the auto-detected name (defaults to the
// directory basename if empty).
func Run(projectDir, projectName string) error {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return fmt.Errorf("resolve project dir: %w", err)
	}

	base := filepath.Join(absDir, troupeDir)

	if _, err := os.Stat(base); err == nil {
		return fmt.Errorf("%s already exists", base)
	}

	dirs := []string{
		"inbox",
		"state/runs",
		"locks",
		"logs",
		"quarantine",
		"instructions",
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	if err := copyTemplateFile("troupe.md", filepath.Join(base, "troupe.md")); err != nil {
		return err
	}
	if err := copyTemplateFile("example_plan.yaml", filepath.Join(base, "example_plan.yaml")); err != nil {
		return err
	}
	for _, name := range []string{"browser.md", "writer.md", "image.md"} {
		src := filepath.Join("instructions", name)
		dst := filepath.Join(base, "instructions", name)
		if err := copyTemplateFile(src, dst); err != nil {
			return err
		}
	}

	cfg := model.DefaultConfig()
	if projectName != "" {
		cfg.Project.Name = projectName
	} else {
		cfg.Project.Name = filepath.Base(absDir)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("default config invalid: %w", err)
	}
	if err := atomicyaml.AtomicWrite(filepath.Join(base, "config.yaml"), cfg); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}

	return nil
}

// LoadConfig reads and validates .troupe/config.yaml, falling back to
// defaults for a missing file.
func LoadConfig(troupePath string) (model.Config, error) {
	cfg := model.DefaultConfig()

	path := filepath.Join(troupePath, "config.yaml")
	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := unmarshalConfig(content, &cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func unmarshalConfig(content []byte, cfg *model.Config) error {
	if err := yamlv3.Unmarshal(content, cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}

func copyTemplateFile(name, dst string) error {
	data, err := fs.ReadFile(templates.FS, name)
	if err != nil {
		return fmt.Errorf("read template %s: %w", name, err)
	}
	if err := os.WriteFile(dst, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}
