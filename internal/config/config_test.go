package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
	if cfg.Exploration.RetryCeiling != 3 {
		t.Errorf("retry ceiling = %d, want 3", cfg.Exploration.RetryCeiling)
	}
	if cfg.Exploration.MaxBranches != 2 {
		t.Errorf("max branches = %d, want 2", cfg.Exploration.MaxBranches)
	}
	if !cfg.Exploration.StopOnFirstSuccess {
		t.Error("stop_on_first_success should default to true")
	}
	if cfg.Sandbox.StepNetwork != "none" {
		t.Errorf("step network = %q, want none", cfg.Sandbox.StepNetwork)
	}
	if cfg.GetSandboxTimeout() != 300*time.Second {
		t.Errorf("sandbox timeout = %v, want 300s", cfg.GetSandboxTimeout())
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope", "config.yaml"))
	if err != nil {
		t.Fatalf("Load on missing file: %v", err)
	}
	want := DefaultConfig()
	want.applyEnvOverrides()
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("Load mismatch (-want +got):\n%s", diff)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := Path(dir)

	cfg := DefaultConfig()
	cfg.LLM.Model = "gemini-2.5-pro"
	cfg.Sandbox.Image = "python:3.12-slim"
	cfg.Exploration.MaxBranches = 4
	cfg.Exploration.Parallelism = 2
	cfg.History.Ignore = append(cfg.History.Ignore, "*.parquet")

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	// env overrides may fill in the API key; mask it for comparison
	loaded.LLM.APIKey = cfg.LLM.APIKey
	if diff := cmp.Diff(cfg, loaded); diff != "" {
		t.Errorf("round trip mismatch (-saved +loaded):\n%s", diff)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("EXPLAB_API_KEY", "key-from-env")
	t.Setenv("EXPLAB_LLM_MODEL", "gemini-override")
	t.Setenv("EXPLAB_DEBUG", "true")

	cfg, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.APIKey != "key-from-env" {
		t.Errorf("api key = %q, want env override", cfg.LLM.APIKey)
	}
	if cfg.LLM.Model != "gemini-override" {
		t.Errorf("model = %q, want env override", cfg.LLM.Model)
	}
	if !cfg.Logging.DebugMode || cfg.Logging.Level != "debug" {
		t.Errorf("EXPLAB_DEBUG should force debug logging, got %+v", cfg.Logging)
	}
}

func TestGeminiKeyFallback(t *testing.T) {
	t.Setenv("EXPLAB_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "fallback-key")
	os.Unsetenv("EXPLAB_API_KEY")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()
	if cfg.LLM.APIKey != "fallback-key" {
		t.Errorf("api key = %q, want GEMINI_API_KEY fallback", cfg.LLM.APIKey)
	}
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LLM.Provider = "carrier-pigeon"
	cfg.Sandbox.Runtime = "bare-metal"
	cfg.Sandbox.Timeout = "five minutes"
	cfg.Exploration.RetryCeiling = 0
	cfg.Exploration.Parallelism = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation failure")
	}
	msg := err.Error()
	for _, want := range []string{"carrier-pigeon", "bare-metal", "five minutes", "retry_ceiling", "parallelism"} {
		if !strings.Contains(msg, want) {
			t.Errorf("validation message missing %q: %s", want, msg)
		}
	}
}
