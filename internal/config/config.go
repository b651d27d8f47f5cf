// Package config loads and validates explab configuration. The config
// lives at .explab/config.yaml inside the experiment workspace; every
// field has a working default so a missing file is not an error.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all explab configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// LLM capability transport
	LLM LLMConfig `yaml:"llm"`

	// Sandbox execution settings
	Sandbox SandboxConfig `yaml:"sandbox"`

	// Exploration budgets and policy
	Exploration ExplorationConfig `yaml:"exploration"`

	// Version store settings
	History HistoryConfig `yaml:"history"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:        "explab",
		Version:     "0.3.0",
		LLM:         DefaultLLMConfig(),
		Sandbox:     DefaultSandboxConfig(),
		Exploration: DefaultExplorationConfig(),
		History:     DefaultHistoryConfig(),
		Logging:     DefaultLoggingConfig(),
	}
}

// Path returns the conventional config location for a workspace.
func Path(workspace string) string {
	return filepath.Join(workspace, ".explab", "config.yaml")
}

// Load reads config from path, applying defaults for anything unset.
// A missing file returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the config to path, creating parent directories as needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides lets environment variables win over file values.
// Secrets are expected to arrive this way rather than living in the file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("EXPLAB_API_KEY"); v != "" {
		c.LLM.APIKey = v
	} else if c.LLM.APIKey == "" {
		if v := os.Getenv("GEMINI_API_KEY"); v != "" {
			c.LLM.APIKey = v
		}
	}
	if v := os.Getenv("EXPLAB_LLM_PROVIDER"); v != "" {
		c.LLM.Provider = v
	}
	if v := os.Getenv("EXPLAB_LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("EXPLAB_SANDBOX_IMAGE"); v != "" {
		c.Sandbox.Image = v
	}
	if v := os.Getenv("EXPLAB_DEBUG"); v == "1" || strings.EqualFold(v, "true") {
		c.Logging.DebugMode = true
		c.Logging.Level = "debug"
	}
}

// GetLLMTimeout parses the LLM call timeout, falling back to 120s.
func (c *Config) GetLLMTimeout() time.Duration {
	return parseDuration(c.LLM.Timeout, 120*time.Second)
}

// GetSandboxTimeout parses the per-execution timeout, falling back to 300s.
func (c *Config) GetSandboxTimeout() time.Duration {
	return parseDuration(c.Sandbox.Timeout, 300*time.Second)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// Validate collects every configuration problem rather than stopping at
// the first.
func (c *Config) Validate() error {
	var problems []string

	if c.LLM.Provider != "" {
		switch c.LLM.Provider {
		case ProviderGenAI, ProviderREST, ProviderStub:
		default:
			problems = append(problems, fmt.Sprintf("unknown llm provider %q", c.LLM.Provider))
		}
	}
	if c.Sandbox.Runtime != "" {
		switch c.Sandbox.Runtime {
		case RuntimeDocker, RuntimeProcess:
		default:
			problems = append(problems, fmt.Sprintf("unknown sandbox runtime %q", c.Sandbox.Runtime))
		}
	}
	if c.Sandbox.Timeout != "" {
		if _, err := time.ParseDuration(c.Sandbox.Timeout); err != nil {
			problems = append(problems, fmt.Sprintf("invalid sandbox timeout %q", c.Sandbox.Timeout))
		}
	}
	if c.LLM.Timeout != "" {
		if _, err := time.ParseDuration(c.LLM.Timeout); err != nil {
			problems = append(problems, fmt.Sprintf("invalid llm timeout %q", c.LLM.Timeout))
		}
	}
	if c.Exploration.RetryCeiling < 1 {
		problems = append(problems, "exploration retry_ceiling must be at least 1")
	}
	if c.Exploration.MaxBranches < 1 {
		problems = append(problems, "exploration max_branches must be at least 1")
	}
	if c.Exploration.MaxAttempts < 1 {
		problems = append(problems, "exploration max_attempts must be at least 1")
	}
	if c.Exploration.Parallelism < 1 {
		problems = append(problems, "exploration parallelism must be at least 1")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
