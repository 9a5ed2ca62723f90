package model

import "fmt"

// Config is the deployment configuration loaded from .troupe/config.yaml.
type Config struct {
	Project    ProjectConfig    `yaml:"project"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Daemon     DaemonConfig     `yaml:"daemon"`
	Relay      RelayConfig      `yaml:"relay"`
	Agents     AgentsConfig     `yaml:"agents"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ProjectConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// ClassifierConfig holds the completion-classification thresholds.
// These are the configuration surface the orchestration core consumes;
// invalid values reject a run at start, never mid-run.
type ClassifierConfig struct {
	// AdaptiveThreshold is the attempt count at which the classifier starts
	// accepting weaker evidence.
	AdaptiveThreshold int `yaml:"adaptive_threshold"`
	// HardCap is the attempt count at which a step is force-completed
	// regardless of response content.
	HardCap int `yaml:"hard_cap"`
	// AcceptanceFloor is the minimum verdict confidence the coordinator
	// treats as an advance (forced progression bypasses it).
	AcceptanceFloor float64 `yaml:"acceptance_confidence_floor"`
	// MinContentMarkers is the number of task-relevant content fragments
	// the semantic tier requires.
	MinContentMarkers int `yaml:"min_content_markers"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int  `yaml:"shutdown_timeout_sec"`
	SnapshotRuns       bool `yaml:"snapshot_runs"`
	Notify             bool `yaml:"notify"`
}

type RelayConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type AgentsConfig struct {
	Browser BrowserAgentConfig `yaml:"browser"`
	LLM     LLMAgentConfig     `yaml:"llm"`
}

type BrowserAgentConfig struct {
	Enabled    bool `yaml:"enabled"`
	Headless   bool `yaml:"headless"`
	TimeoutSec int  `yaml:"timeout_sec"`
}

type LLMAgentConfig struct {
	Enabled bool   `yaml:"enabled"`
	Model   string `yaml:"model"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns the documented defaults for every tunable.
func DefaultConfig() Config {
	return Config{
		Classifier: ClassifierConfig{
			AdaptiveThreshold: 5,
			HardCap:           10,
			AcceptanceFloor:   0.5,
			MinContentMarkers: 2,
		},
		Daemon: DaemonConfig{
			ShutdownTimeoutSec: 10,
			SnapshotRuns:       true,
		},
		Relay: RelayConfig{
			Enabled: false,
			Addr:    "127.0.0.1:7466",
		},
		Agents: AgentsConfig{
			Browser: BrowserAgentConfig{Headless: true, TimeoutSec: 60},
			LLM:     LLMAgentConfig{Model: "gpt-4o-mini"},
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Validate rejects configurations that would misbehave mid-run.
func (c *Config) Validate() error {
	cl := c.Classifier
	if cl.AdaptiveThreshold <= 0 {
		return &PlanValidationError{Msg: fmt.Sprintf("classifier.adaptive_threshold must be a positive integer, got %d", cl.AdaptiveThreshold)}
	}
	if cl.HardCap <= 0 {
		return &PlanValidationError{Msg: fmt.Sprintf("classifier.hard_cap must be a positive integer, got %d", cl.HardCap)}
	}
	if cl.HardCap < cl.AdaptiveThreshold {
		return &PlanValidationError{Msg: fmt.Sprintf("classifier.hard_cap (%d) must be >= adaptive_threshold (%d)", cl.HardCap, cl.AdaptiveThreshold)}
	}
	if cl.AcceptanceFloor < 0 || cl.AcceptanceFloor > 1 {
		return &PlanValidationError{Msg: fmt.Sprintf("classifier.acceptance_confidence_floor must be in [0,1], got %g", cl.AcceptanceFloor)}
	}
	if cl.MinContentMarkers <= 0 {
		return &PlanValidationError{Msg: fmt.Sprintf("classifier.min_content_markers must be a positive integer, got %d", cl.MinContentMarkers)}
	}
	if c.Daemon.ShutdownTimeoutSec < 0 {
		return &PlanValidationError{Msg: "daemon.shutdown_timeout_sec must not be negative"}
	}
	if c.Relay.Enabled && c.Relay.Addr == "" {
		return &PlanValidationError{Msg: "relay.addr is required when relay is enabled"}
	}
	return nil
}
