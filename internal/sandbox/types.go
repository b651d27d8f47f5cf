// Package sandbox is the isolation layer for experiment code. It runs a
// single script per call inside a resource-bounded environment with the
// experiment workspace mounted read-write, captures stdout/stderr and exit
// status, and enforces a wall-clock timeout with forcible termination.
//
// Design principles:
//   - Exactly one execution per call: no implicit retries, retry policy
//     lives in the step executor.
//   - Two-way visibility: files the script writes under the workspace are
//     visible to the caller after return.
//   - Provisioning failure is reported as Crashed, never retried here.
//   - Structured results: everything the evaluation gate needs rides on
//     the ExecutionResult.
package sandbox

import (
	"time"
)

// RuntimeKind selects the isolation backend.
type RuntimeKind string

const (
	// RuntimeDocker runs scripts in an ephemeral Docker container.
	RuntimeDocker RuntimeKind = "docker"

	// RuntimeProcess runs scripts directly on the host. No isolation;
	// resource limits are best-effort. Intended for trusted environments
	// and tests.
	RuntimeProcess RuntimeKind = "process"
)

// Command is the input specification for one sandboxed execution.
type Command struct {
	// Binary is the interpreter or executable to run (e.g. "python").
	Binary string `json:"binary"`

	// Arguments are the command-line arguments, typically the script
	// filename relative to the workspace.
	Arguments []string `json:"arguments"`

	// Workspace is the host directory mounted read-write into the
	// sandbox at the same path, which is also the working directory.
	Workspace string `json:"workspace"`

	// Environment variables in KEY=VALUE form.
	Environment []string `json:"environment,omitempty"`

	// Stdin provides input to the script's standard input.
	Stdin string `json:"stdin,omitempty"`

	// Limits specifies resource constraints for this execution.
	Limits *ResourceLimits `json:"limits,omitempty"`

	// Isolation overrides the runner's default isolation settings.
	Isolation *Isolation `json:"isolation,omitempty"`

	// ExperimentID links this execution to an experiment (for audit).
	ExperimentID string `json:"experiment_id,omitempty"`

	// Branch identifies the exploration branch being executed (for audit).
	Branch string `json:"branch,omitempty"`
}

// CommandString returns the full command as a string for display/logging.
func (c Command) CommandString() string {
	result := c.Binary
	for _, arg := range c.Arguments {
		result += " " + arg
	}
	return result
}

// ResourceLimits defines constraints on one execution.
type ResourceLimits struct {
	// Timeout is the wall-clock limit. Zero means use the runner default.
	Timeout time.Duration `json:"timeout,omitempty"`

	// MemoryBytes limits memory usage. Zero means the runner default.
	MemoryBytes int64 `json:"memory_bytes,omitempty"`

	// CPUQuota and CPUPeriod map to the container CPU cfs quota/period
	// pair. Zero quota means unlimited.
	CPUQuota  int64 `json:"cpu_quota,omitempty"`
	CPUPeriod int64 `json:"cpu_period,omitempty"`

	// PidsLimit caps the number of processes. Zero means OS default.
	PidsLimit int `json:"pids_limit,omitempty"`

	// MaxOutputBytes caps captured bytes per stream. Zero means the
	// runner default.
	MaxOutputBytes int64 `json:"max_output_bytes,omitempty"`
}

// Isolation specifies the environment a script runs in.
type Isolation struct {
	// Runtime is the isolation backend.
	Runtime RuntimeKind `json:"runtime"`

	// Image is the container image (Docker runtime only).
	Image string `json:"image,omitempty"`

	// NetworkMode for Docker: "none", "bridge", "host". Empty means the
	// runner default, which is "none".
	NetworkMode string `json:"network_mode,omitempty"`

	// User runs the script as this user (user:group form).
	User string `json:"user,omitempty"`

	// ReadOnlyRoot makes the container root filesystem read-only; the
	// workspace mount stays writable.
	ReadOnlyRoot bool `json:"read_only_root,omitempty"`

	// TmpfsSize is the size of the /tmp tmpfs mount (e.g. "100m").
	TmpfsSize string `json:"tmpfs_size,omitempty"`
}

// ExecutionResult is the comprehensive outcome of one execution.
type ExecutionResult struct {
	// ExitCode is the script's exit code (-1 if it never ran to exit).
	ExitCode int `json:"exit_code"`

	// Stdout is the captured standard output.
	Stdout string `json:"stdout"`

	// Stderr is the captured standard error.
	Stderr string `json:"stderr"`

	// Combined is stdout followed by stderr for convenience.
	Combined string `json:"combined"`

	// TimedOut is true when the wall-clock limit expired and the script
	// was forcibly terminated. Never interpreted as partial success.
	TimedOut bool `json:"timed_out"`

	// Crashed is true when the isolation environment itself failed to
	// provision or run: daemon unreachable, image missing, create
	// error. The script's own non-zero exit is NOT a crash.
	Crashed bool `json:"crashed"`

	// Killed is true when the process was forcibly terminated, whether
	// by timeout or by an external stop request.
	Killed bool `json:"killed"`

	// KillReason explains the termination when Killed is true.
	KillReason string `json:"kill_reason,omitempty"`

	Duration   time.Duration `json:"duration"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`

	// Truncated indicates output exceeded the capture cap.
	Truncated bool `json:"truncated"`

	// TruncatedBytes is how many bytes were discarded.
	TruncatedBytes int64 `json:"truncated_bytes,omitempty"`

	// Error carries the infrastructure-level error message when Crashed.
	Error string `json:"error,omitempty"`

	// RuntimeUsed is the isolation backend that actually ran the script.
	RuntimeUsed RuntimeKind `json:"runtime_used"`

	// Command is a copy of the executed command (for audit).
	Command *Command `json:"command,omitempty"`
}

// CleanExit reports whether the script ran to completion with exit code 0.
func (r *ExecutionResult) CleanExit() bool {
	return !r.Crashed && !r.TimedOut && r.ExitCode == 0
}

// Output returns Combined if set, otherwise stdout and stderr joined.
func (r *ExecutionResult) Output() string {
	if r.Combined != "" {
		return r.Combined
	}
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// Capabilities describes what a runner can do.
type Capabilities struct {
	Name                   string        `json:"name"`
	Platform               string        `json:"platform"`
	SupportsResourceLimits bool          `json:"supports_resource_limits"`
	SupportsNetworkControl bool          `json:"supports_network_control"`
	SupportedRuntimes      []RuntimeKind `json:"supported_runtimes"`
	MaxTimeout             time.Duration `json:"max_timeout"`
	DefaultTimeout         time.Duration `json:"default_timeout"`
}

// AuditEventType categorizes execution audit events.
type AuditEventType string

const (
	AuditEventStart    AuditEventType = "start"
	AuditEventComplete AuditEventType = "complete"
	AuditEventKilled   AuditEventType = "killed"
	AuditEventError    AuditEventType = "error"
)

// AuditEvent records one execution lifecycle event.
type AuditEvent struct {
	Type       AuditEventType   `json:"type"`
	Timestamp  time.Time        `json:"timestamp"`
	Command    Command          `json:"command"`
	Result     *ExecutionResult `json:"result,omitempty"`
	RunnerName string           `json:"runner_name"`
}

// RunnerConfig configures a runner's defaults.
type RunnerConfig struct {
	// DefaultTimeout applies when Command.Limits has no timeout.
	DefaultTimeout time.Duration `json:"default_timeout"`

	// MaxTimeout caps every timeout value.
	MaxTimeout time.Duration `json:"max_timeout"`

	// MaxOutputBytes caps output capture per stream.
	MaxOutputBytes int64 `json:"max_output_bytes"`

	// DefaultImage is the container image when none is specified.
	DefaultImage string `json:"default_image,omitempty"`

	// DefaultLimits fill in unset limit fields per command.
	DefaultLimits *ResourceLimits `json:"default_limits,omitempty"`

	// DefaultIsolation applies when Command.Isolation is nil.
	DefaultIsolation *Isolation `json:"default_isolation,omitempty"`

	// AuditCallback receives execution events (optional).
	AuditCallback func(AuditEvent) `json:"-"`
}

// DefaultRunnerConfig returns the defaults used for experiment scripts:
// the Python slim image, five-minute timeout, 2 GiB memory, one CPU.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		DefaultTimeout: 300 * time.Second,
		MaxTimeout:     30 * time.Minute,
		MaxOutputBytes: 10 * 1024 * 1024,
		DefaultImage:   "python:3.11-slim",
		DefaultLimits: &ResourceLimits{
			Timeout:        300 * time.Second,
			MemoryBytes:    2 * 1024 * 1024 * 1024,
			CPUQuota:       100000,
			CPUPeriod:      100000,
			PidsLimit:      256,
			MaxOutputBytes: 10 * 1024 * 1024,
		},
		DefaultIsolation: &Isolation{
			Runtime:     RuntimeDocker,
			NetworkMode: "none",
		},
	}
}

// Merge combines this config with command-specific settings. Command
// settings win; unset fields fall back to the defaults.
func (c RunnerConfig) Merge(cmd Command) Command {
	result := cmd

	if result.Limits == nil && c.DefaultLimits != nil {
		limitsCopy := *c.DefaultLimits
		result.Limits = &limitsCopy
	} else if result.Limits != nil && c.DefaultLimits != nil {
		merged := *result.Limits
		if merged.Timeout == 0 {
			merged.Timeout = c.DefaultLimits.Timeout
		}
		if merged.MemoryBytes == 0 {
			merged.MemoryBytes = c.DefaultLimits.MemoryBytes
		}
		if merged.CPUQuota == 0 {
			merged.CPUQuota = c.DefaultLimits.CPUQuota
		}
		if merged.CPUPeriod == 0 {
			merged.CPUPeriod = c.DefaultLimits.CPUPeriod
		}
		if merged.PidsLimit == 0 {
			merged.PidsLimit = c.DefaultLimits.PidsLimit
		}
		if merged.MaxOutputBytes == 0 {
			merged.MaxOutputBytes = c.DefaultLimits.MaxOutputBytes
		}
		result.Limits = &merged
	}

	if result.Limits != nil && c.MaxTimeout > 0 && result.Limits.Timeout > c.MaxTimeout {
		result.Limits.Timeout = c.MaxTimeout
	}

	if result.Isolation == nil && c.DefaultIsolation != nil {
		isoCopy := *c.DefaultIsolation
		result.Isolation = &isoCopy
	}

	return result
}
