// Package config defines the controller's typed configuration surface.
// All modes are explicit enumerated values passed at construction time;
// nothing is inferred from environment presence.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// PolicyMode selects how the bandit participates in action selection.
type PolicyMode string

const (
	PolicyOff    PolicyMode = "off"
	PolicyBandit PolicyMode = "bandit"
)

// PlannerMode selects whether the DAG planner drives scheduling.
type PlannerMode string

const (
	PlannerOff PlannerMode = "off"
	PlannerDAG PlannerMode = "dag"
)

// RepoIndexMode toggles the repository file index.
type RepoIndexMode string

const (
	RepoIndexOff RepoIndexMode = "off"
	RepoIndexOn  RepoIndexMode = "on"
)

// SandboxConfig bounds one execution session.
type SandboxConfig struct {
	Image        string  `yaml:"image"`
	CPULimit     float64 `yaml:"cpu_limit"`      // CPU share cap (cores)
	MemoryMB     int64   `yaml:"memory_mb"`      // memory ceiling
	PidsLimit    int64   `yaml:"pids_limit"`     // max process/thread count
	StorageMB    int64   `yaml:"storage_mb"`     // ephemeral storage ceiling
	WarmSessions int     `yaml:"warm_sessions"`  // pre-provisioned idle sessions
	NetworkMode  string  `yaml:"network_mode"`   // docker network mode when network granted
}

// HygieneConfig bounds what a patch may touch.
type HygieneConfig struct {
	MaxFiles       int      `yaml:"max_files"`
	MaxLines       int      `yaml:"max_lines"`
	ImmutablePaths []string `yaml:"immutable_paths"`
}

// TimeoutConfig holds the per-step budgets.
type TimeoutConfig struct {
	TestSeconds      int `yaml:"test_seconds"`
	ColdStartSeconds int `yaml:"cold_start_seconds"`
	LeaseWaitSeconds int `yaml:"lease_wait_seconds"`
}

// RetryConfig bounds lease retries on pool exhaustion.
type RetryConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	BaseDelayMS int `yaml:"base_delay_ms"`
	MaxDelayMS  int `yaml:"max_delay_ms"`
}

// AllowlistConfig enumerates permitted command heads and extra blocked patterns.
type AllowlistConfig struct {
	Allowed         []string `yaml:"allowed"`
	BlockedPatterns []string `yaml:"blocked_patterns"`
}

// OTelConfig mirrors the telemetry provider settings.
type OTelConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // otlp-http | stdout | none
	Endpoint string `yaml:"endpoint"`
}

// Config is the full controller configuration.
type Config struct {
	RepoPath    string   `yaml:"repo_path"`
	TestCommand []string `yaml:"test_command"`

	PolicyMode    PolicyMode    `yaml:"policy_mode"`
	PlannerMode   PlannerMode   `yaml:"planner_mode"`
	RepoIndexMode RepoIndexMode `yaml:"repo_index_mode"`

	Seed               int64  `yaml:"seed"`
	NetworkAccess      bool   `yaml:"network_access"`
	LearningDB         string `yaml:"learning_db"`
	MaxParallelPatches int    `yaml:"max_parallel_patches"`

	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Hygiene   HygieneConfig   `yaml:"hygiene"`
	Timeouts  TimeoutConfig   `yaml:"timeouts"`
	Retry     RetryConfig     `yaml:"retry"`
	Allowlist AllowlistConfig `yaml:"allowlist"`
	OTel      OTelConfig      `yaml:"otel"`

	OutputDir string `yaml:"output_dir"`
	LogLevel  string `yaml:"log_level"`

	MaxSteps int `yaml:"max_steps"`
	PlanFile string `yaml:"plan_file"`
}

func defaultConfig() Config {
	return Config{
		TestCommand:        []string{"go", "test", "./..."},
		PolicyMode:         PolicyOff,
		PlannerMode:        PlannerOff,
		RepoIndexMode:      RepoIndexOff,
		Seed:               1337,
		NetworkAccess:      false,
		MaxParallelPatches: 3,
		Sandbox: SandboxConfig{
			Image:        "golang:alpine",
			CPULimit:     2.0,
			MemoryMB:     2048,
			PidsLimit:    256,
			StorageMB:    1024,
			WarmSessions: 1,
			NetworkMode:  "none",
		},
		Hygiene: HygieneConfig{
			MaxFiles: 8,
			MaxLines: 400,
			ImmutablePaths: []string{
				".git", ".rfsn", ".github", "go.mod", "go.sum",
			},
		},
		Timeouts: TimeoutConfig{
			TestSeconds:      120,
			ColdStartSeconds: 60,
			LeaseWaitSeconds: 30,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelayMS: 500,
			MaxDelayMS:  10_000,
		},
		OutputDir: ".rfsn",
		LogLevel:  "info",
		MaxSteps:  12,
		PlanFile:  "plan.yaml",
	}
}

// Load reads the config file at path, applying defaults for absent fields.
// A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects out-of-range or unknown enumerated values.
func (c Config) Validate() error {
	switch c.PolicyMode {
	case PolicyOff, PolicyBandit:
	default:
		return fmt.Errorf("invalid policy_mode: %q", c.PolicyMode)
	}
	switch c.PlannerMode {
	case PlannerOff, PlannerDAG:
	default:
		return fmt.Errorf("invalid planner_mode: %q", c.PlannerMode)
	}
	switch c.RepoIndexMode {
	case RepoIndexOff, RepoIndexOn:
	default:
		return fmt.Errorf("invalid repo_index_mode: %q", c.RepoIndexMode)
	}
	if c.Seed < 0 {
		return fmt.Errorf("seed must be >= 0, got %d", c.Seed)
	}
	if c.MaxParallelPatches < 1 {
		return fmt.Errorf("max_parallel_patches must be >= 1, got %d", c.MaxParallelPatches)
	}
	if c.Sandbox.WarmSessions > c.MaxParallelPatches {
		return fmt.Errorf("warm_sessions (%d) exceeds max_parallel_patches (%d)",
			c.Sandbox.WarmSessions, c.MaxParallelPatches)
	}
	if c.MaxSteps < 1 {
		return fmt.Errorf("max_steps must be >= 1, got %d", c.MaxSteps)
	}
	if len(c.TestCommand) == 0 {
		return fmt.Errorf("test_command must not be empty")
	}
	if c.Hygiene.MaxFiles < 1 || c.Hygiene.MaxLines < 1 {
		return fmt.Errorf("hygiene thresholds must be >= 1")
	}
	return nil
}

// TestTimeout returns the per-step test budget as a duration.
func (c Config) TestTimeout() time.Duration {
	return time.Duration(c.Timeouts.TestSeconds) * time.Second
}

// ColdStartTimeout returns the per-session cold-start budget.
func (c Config) ColdStartTimeout() time.Duration {
	return time.Duration(c.Timeouts.ColdStartSeconds) * time.Second
}

// LeaseWait returns how long a caller blocks for an idle session.
func (c Config) LeaseWait() time.Duration {
	return time.Duration(c.Timeouts.LeaseWaitSeconds) * time.Second
}

// LearningDBPath returns the configured store path, defaulting under the
// output directory.
func (c Config) LearningDBPath() string {
	if c.LearningDB != "" {
		return c.LearningDB
	}
	return filepath.Join(c.OutputDir, "learning.db")
}

// Fingerprint returns a stable hash of the settings that shape outcomes,
// recorded with every outcome row so learned counts are comparable across runs.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "policy=%s|planner=%s|seed=%d|net=%v|test=%v",
		c.PolicyMode, c.PlannerMode, c.Seed, c.NetworkAccess, c.TestCommand)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
