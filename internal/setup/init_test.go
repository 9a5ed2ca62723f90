package setup

import (
	"os"
	"path/filepath"
	"testing"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/troupehq/troupe/internal/model"
)

func TestRun_CreatesDirectoryStructure(t *testing.T) {
	projectDir := filepath.Join(t.TempDir(), "myproject")
	if err := os.Mkdir(projectDir, 0755); err != nil {
		t.Fatal(err)
	}

	if err := Run(projectDir, ""); err != nil {
		t.Fatalf("Run: %v", err)
	}

	base := filepath.Join(projectDir, ".troupe")
	expectedDirs := []string{
		"inbox",
		"state/runs",
		"locks",
		"logs",
		"quarantine",
		"instructions",
	}
	for _, d := range expectedDirs {
		info, err := os.Stat(filepath.Join(base, d))
		if err != nil {
			t.Errorf("directory %s does not exist: %v", d, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", d)
		}
	}
}

func TestRun_CopiesTemplates(t *testing.T) {
	projectDir := filepath.Join(t.TempDir(), "myproject")
	os.Mkdir(projectDir, 0755)

	if err := Run(projectDir, ""); err != nil {
		t.Fatalf("Run: %v", err)
	}

	base := filepath.Join(projectDir, ".troupe")
	files := []string{
		"troupe.md",
		"example_plan.yaml",
		"config.yaml",
		"instructions/browser.md",
		"instructions/writer.md",
		"instructions/image.md",
	}
	for _, f := range files {
		info, err := os.Stat(filepath.Join(base, f))
		if err != nil {
			t.Errorf("file %s does not exist: %v", f, err)
			continue
		}
		if info.Size() == 0 {
			t.Errorf("file %s is empty", f)
		}
	}
}

func TestRun_WritesValidConfig(t *testing.T) {
	projectDir := filepath.Join(t.TempDir(), "namedproject")
	os.Mkdir(projectDir, 0755)

	if err := Run(projectDir, "custom-name"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	content, err := os.ReadFile(filepath.Join(projectDir, ".troupe", "config.yaml"))
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	var cfg model.Config
	if err := yamlv3.Unmarshal(content, &cfg); err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Project.Name != "custom-name" {
		t.Errorf("project name = %q", cfg.Project.Name)
	}
	if cfg.Classifier.AdaptiveThreshold != 5 || cfg.Classifier.HardCap != 10 {
		t.Errorf("classifier defaults = %+v", cfg.Classifier)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("written config invalid: %v", err)
	}
}

func TestRun_RefusesExistingDir(t *testing.T) {
	projectDir := filepath.Join(t.TempDir(), "p")
	os.Mkdir(projectDir, 0755)

	if err := Run(projectDir, ""); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if err := Run(projectDir, ""); err == nil {
		t.Fatal("second Run should refuse the existing .troupe directory")
	}
}

func TestLoadConfig(t *testing.T) {
	projectDir := filepath.Join(t.TempDir(), "p")
	os.Mkdir(projectDir, 0755)
	if err := Run(projectDir, "loaded"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	cfg, err := LoadConfig(Dir(projectDir))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Project.Name != "loaded" {
		t.Errorf("project name = %q", cfg.Project.Name)
	}

	// missing config falls back to defaults
	cfg, err = LoadConfig(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("LoadConfig missing: %v", err)
	}
	if cfg.Classifier.HardCap != 10 {
		t.Errorf("default hard cap = %d", cfg.Classifier.HardCap)
	}
}

func TestLoadConfig_RejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	bad := "classifier:\n  adaptive_threshold: 12\n  hard_cap: 3\n  acceptance_confidence_floor: 0.5\n  min_content_markers: 2\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(bad), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(dir); err == nil {
		t.Fatal("expected validation error for hard_cap < adaptive_threshold")
	}
}
