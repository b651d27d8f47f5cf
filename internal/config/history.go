package config

// HistoryConfig configures the workspace version store.
type HistoryConfig struct {
	// Ignore lists glob patterns excluded from snapshots. The .explab
	// state directory is always excluded regardless.
	Ignore []string `yaml:"ignore"`

	// DepsDir is the in-workspace directory provisioning installs
	// packages into; step runs get it on PYTHONPATH.
	DepsDir string `yaml:"deps_dir"`
}

// DefaultHistoryConfig returns the default version store settings.
func DefaultHistoryConfig() HistoryConfig {
	return HistoryConfig{
		Ignore:  []string{"__pycache__", "*.pyc", ".venv"},
		DepsDir: ".explab-deps",
	}
}
