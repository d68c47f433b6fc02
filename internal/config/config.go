// Package config loads and validates the pipeline configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"patchpilot/internal/verify"
)

// ErrConfig marks configuration errors. They are fatal at startup and never
// recovered from.
var ErrConfig = errors.New("invalid configuration")

type ModelConfig struct {
	BaseURL       string `yaml:"base_url"`
	Name          string `yaml:"name"`
	APIKey        string `yaml:"api_key"`
	MaxTokens     int    `yaml:"max_tokens"`
	FormatRetries int    `yaml:"format_retries"`
	// MaxConcurrent bounds in-flight requests to the shared inference
	// server across all rollouts.
	MaxConcurrent int `yaml:"max_concurrent"`
}

type RolloutConfig struct {
	MaxSteps           int `yaml:"max_steps"`
	WallClockSeconds   int `yaml:"wall_clock_seconds"`
	ToolOutputCapBytes int `yaml:"tool_output_cap_bytes"`
	TranscriptCapBytes int `yaml:"transcript_cap_bytes"`
}

type SandboxConfig struct {
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	MaxOutputBytes int      `yaml:"max_output_bytes"`
	CPUSeconds     int      `yaml:"cpu_seconds"`
	MemoryMB       int      `yaml:"memory_mb"`
	Wrapper        []string `yaml:"wrapper"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
}

type Config struct {
	Model     ModelConfig     `yaml:"model"`
	Rollout   RolloutConfig   `yaml:"rollout"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Allowlist [][]string      `yaml:"allowlist"`
	Verify    verify.Policy   `yaml:"verify"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	// TestCommand is the allowlisted argv used for the pytest gate.
	TestCommand []string `yaml:"test_command"`
	StorePath   string   `yaml:"store_path"`
	Workers     int      `yaml:"workers"`
}

func Default() Config {
	return Config{
		Model: ModelConfig{
			BaseURL:       "http://127.0.0.1:8000/v1/chat/completions",
			Name:          "local-model",
			MaxTokens:     4096,
			FormatRetries: 2,
			MaxConcurrent: 4,
		},
		Rollout: RolloutConfig{
			MaxSteps:           20,
			WallClockSeconds:   900,
			ToolOutputCapBytes: 32 * 1024,
			TranscriptCapBytes: 512 * 1024,
		},
		Sandbox: SandboxConfig{
			TimeoutSeconds: 120,
			MaxOutputBytes: 64 * 1024,
			CPUSeconds:     100,
			MemoryMB:       1024,
		},
		Allowlist: [][]string{
			{"python", "-m", "pytest", "-q"},
			{"python", "-m", "pytest"},
			{"python", "-m", "py_compile"},
			{"ls"},
		},
		Verify: verify.Policy{
			Threshold:       0.35,
			MaxFilesChanged: 10,
			MaxChangedLines: 200,
			ForbiddenGlobs:  []string{".github/*", "*.lock"},
			RequirePytest:   true,
		},
		TestCommand: []string{"python", "-m", "pytest", "-q"},
		StorePath:   "patchpilot.db",
		Workers:     4,
	}
}

// Load reads the YAML file at path (missing file keeps defaults), overlays
// .env plus process environment, and validates. PATCHPILOT_API_KEY and
// PATCHPILOT_MODEL_URL take precedence over the file so secrets stay out of
// committed configs.
func Load(path string) (Config, error) {
	cfg := Default()

	// Best-effort .env; absence is normal.
	_ = godotenv.Load()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return cfg, fmt.Errorf("%w: read %s: %v", ErrConfig, path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("%w: parse %s: %v", ErrConfig, path, err)
		}
	}

	if v := os.Getenv("PATCHPILOT_API_KEY"); v != "" {
		cfg.Model.APIKey = v
	}
	if v := os.Getenv("PATCHPILOT_MODEL_URL"); v != "" {
		cfg.Model.BaseURL = v
	}
	if v := os.Getenv("PATCHPILOT_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the pipeline cannot run safely with.
func (c Config) Validate() error {
	if len(c.Allowlist) == 0 {
		return fmt.Errorf("%w: command allowlist is empty", ErrConfig)
	}
	for _, prefix := range c.Allowlist {
		if len(prefix) == 0 {
			return fmt.Errorf("%w: allowlist contains an empty prefix", ErrConfig)
		}
	}
	if c.Verify.Threshold < 0 || c.Verify.Threshold > 1 {
		return fmt.Errorf("%w: verify threshold %v outside [0,1]", ErrConfig, c.Verify.Threshold)
	}
	if c.Verify.MaxChangedLines < 0 || c.Verify.MaxFilesChanged < 0 {
		return fmt.Errorf("%w: negative patch size caps", ErrConfig)
	}
	if c.Rollout.MaxSteps <= 0 {
		return fmt.Errorf("%w: rollout max_steps must be positive", ErrConfig)
	}
	if c.Sandbox.TimeoutSeconds <= 0 {
		return fmt.Errorf("%w: sandbox timeout must be positive", ErrConfig)
	}
	if c.Model.BaseURL == "" {
		return fmt.Errorf("%w: model base_url is required", ErrConfig)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("%w: workers must be positive", ErrConfig)
	}
	if c.Model.MaxConcurrent <= 0 {
		return fmt.Errorf("%w: model max_concurrent must be positive", ErrConfig)
	}
	return nil
}

// SandboxTimeout returns the configured timeout as a duration.
func (c Config) SandboxTimeout() time.Duration {
	return time.Duration(c.Sandbox.TimeoutSeconds) * time.Second
}

// WallClock returns the per-rollout wall-clock budget.
func (c Config) WallClock() time.Duration {
	return time.Duration(c.Rollout.WallClockSeconds) * time.Second
}
