package config

// Sandbox runtime names accepted in config.
const (
	RuntimeDocker  = "docker"
	RuntimeProcess = "process"
)

// SandboxConfig configures the isolated execution environment.
type SandboxConfig struct {
	Runtime string `yaml:"runtime"` // docker or process
	Image   string `yaml:"image"`

	// Per-execution wall clock limit, e.g. "300s".
	Timeout string `yaml:"timeout"`

	MemoryMB  int `yaml:"memory_mb"`
	CPUQuota  int `yaml:"cpu_quota"`
	CPUPeriod int `yaml:"cpu_period"`
	PidsLimit int `yaml:"pids_limit"`

	// StepNetwork is the network mode for plan step runs. Provisioning
	// always runs on ProvisionNetwork because pip needs the registry.
	StepNetwork      string `yaml:"step_network"`
	ProvisionNetwork string `yaml:"provision_network"`

	// MaxOutputBytes caps captured stdout/stderr per stream.
	MaxOutputBytes int64 `yaml:"max_output_bytes"`
}

// DefaultSandboxConfig returns the default sandbox settings.
func DefaultSandboxConfig() SandboxConfig {
	return SandboxConfig{
		Runtime:          RuntimeDocker,
		Image:            "python:3.11-slim",
		Timeout:          "300s",
		MemoryMB:         2048,
		CPUQuota:         100000,
		CPUPeriod:        100000,
		PidsLimit:        256,
		StepNetwork:      "none",
		ProvisionNetwork: "bridge",
		MaxOutputBytes:   10 * 1024 * 1024,
	}
}
