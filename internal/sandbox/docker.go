package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"explab/internal/logging"
)

// DockerRunner executes experiment scripts inside ephemeral Docker
// containers. Each call is one `docker run --rm` with the workspace
// bind-mounted read-write at the same path inside the container, so a
// script's relative writes land in the host workspace directly.
type DockerRunner struct {
	mu     sync.RWMutex
	config RunnerConfig

	dockerPath string
	available  bool

	auditCallback func(AuditEvent)
}

// NewDockerRunner creates a Docker runner with default config.
func NewDockerRunner() *DockerRunner {
	return NewDockerRunnerWithConfig(DefaultRunnerConfig())
}

// NewDockerRunnerWithConfig creates a Docker runner with custom config.
func NewDockerRunnerWithConfig(config RunnerConfig) *DockerRunner {
	r := &DockerRunner{
		config:        config,
		auditCallback: config.AuditCallback,
	}
	r.detectDocker()
	return r
}

// detectDocker probes for a responsive Docker daemon.
func (r *DockerRunner) detectDocker() {
	dockerPath, err := exec.LookPath("docker")
	if err != nil {
		r.available = false
		return
	}
	r.dockerPath = dockerPath

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, dockerPath, "version", "--format", "{{.Server.Version}}")
	if err := cmd.Run(); err != nil {
		r.available = false
		return
	}
	r.available = true
}

// IsAvailable returns whether Docker is usable on this system.
func (r *DockerRunner) IsAvailable() bool {
	return r.available
}

// SetAuditCallback sets the callback for audit events.
func (r *DockerRunner) SetAuditCallback(callback func(AuditEvent)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.auditCallback = callback
}

func (r *DockerRunner) emitAudit(event AuditEvent) {
	r.mu.RLock()
	callback := r.auditCallback
	r.mu.RUnlock()

	if callback != nil {
		callback(event)
	}
}

// Capabilities returns what this runner supports.
func (r *DockerRunner) Capabilities() Capabilities {
	runtimes := []RuntimeKind{}
	if r.available {
		runtimes = append(runtimes, RuntimeDocker)
	}
	return Capabilities{
		Name:                   "docker",
		Platform:               runtime.GOOS,
		SupportsResourceLimits: true,
		SupportsNetworkControl: true,
		SupportedRuntimes:      runtimes,
		MaxTimeout:             r.config.MaxTimeout,
		DefaultTimeout:         r.config.DefaultTimeout,
	}
}

// Validate checks whether a command can be executed.
func (r *DockerRunner) Validate(cmd Command) error {
	if !r.available {
		return fmt.Errorf("docker is not available on this system")
	}
	if cmd.Binary == "" {
		return fmt.Errorf("binary is required")
	}
	if cmd.Workspace == "" {
		return fmt.Errorf("workspace is required")
	}
	if cmd.Isolation != nil && cmd.Isolation.Runtime != RuntimeDocker {
		return fmt.Errorf("docker runner only handles runtime %q, got %q", RuntimeDocker, cmd.Isolation.Runtime)
	}
	return nil
}

// Execute runs one script inside a container. Infrastructure failures
// (daemon gone mid-run, container create error) come back with
// Crashed=true on the result, not as a Go error.
func (r *DockerRunner) Execute(ctx context.Context, cmd Command) (*ExecutionResult, error) {
	if err := r.Validate(cmd); err != nil {
		return nil, err
	}

	cmd = r.config.Merge(cmd)
	if cmd.Isolation == nil {
		cmd.Isolation = &Isolation{Runtime: RuntimeDocker}
	}

	result := &ExecutionResult{
		ExitCode:    -1,
		RuntimeUsed: RuntimeDocker,
		Command:     &cmd,
	}

	r.emitAudit(AuditEvent{
		Type:       AuditEventStart,
		Timestamp:  time.Now(),
		Command:    cmd,
		RunnerName: "docker",
	})

	dockerArgs := r.buildDockerArgs(cmd)

	timeout := r.config.DefaultTimeout
	if cmd.Limits != nil && cmd.Limits.Timeout > 0 {
		timeout = cmd.Limits.Timeout
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	execCmd := exec.CommandContext(execCtx, r.dockerPath, dockerArgs...)
	if cmd.Stdin != "" {
		execCmd.Stdin = strings.NewReader(cmd.Stdin)
	}

	maxOutput := r.config.MaxOutputBytes
	if cmd.Limits != nil && cmd.Limits.MaxOutputBytes > 0 {
		maxOutput = cmd.Limits.MaxOutputBytes
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	stdoutLimited := &limitedWriter{w: &stdoutBuf, max: maxOutput}
	stderrLimited := &limitedWriter{w: &stderrBuf, max: maxOutput}
	execCmd.Stdout = stdoutLimited
	execCmd.Stderr = stderrLimited

	result.StartedAt = time.Now()
	logging.SandboxDebug("docker run: %s", cmd.CommandString())

	err := execCmd.Run()

	result.FinishedAt = time.Now()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)

	result.Stdout = stdoutBuf.String()
	result.Stderr = stderrBuf.String()
	result.Combined = result.Stdout
	if result.Stderr != "" {
		if result.Combined != "" {
			result.Combined += "\n"
		}
		result.Combined += result.Stderr
	}

	if stdoutLimited.truncated || stderrLimited.truncated {
		result.Truncated = true
		result.TruncatedBytes = stdoutLimited.discarded + stderrLimited.discarded
	}

	if err != nil {
		switch {
		case execCtx.Err() == context.DeadlineExceeded:
			// exec.CommandContext kills the docker client; --rm plus the
			// container's tie to the client process tears the unit down.
			result.TimedOut = true
			result.Killed = true
			result.KillReason = fmt.Sprintf("timeout after %s", timeout)
			r.emitAudit(AuditEvent{
				Type:       AuditEventKilled,
				Timestamp:  time.Now(),
				Command:    cmd,
				Result:     result,
				RunnerName: "docker",
			})
		case execCtx.Err() == context.Canceled:
			result.Killed = true
			result.KillReason = "stop requested"
			r.emitAudit(AuditEvent{
				Type:       AuditEventKilled,
				Timestamp:  time.Now(),
				Command:    cmd,
				Result:     result,
				RunnerName: "docker",
			})
		default:
			if exitErr, ok := err.(*exec.ExitError); ok {
				// The script ran and exited non-zero. Docker also exits
				// 125-127 for daemon/image faults; those are crashes,
				// not script results.
				code := exitErr.ExitCode()
				if code >= 125 && code <= 127 {
					result.Crashed = true
					result.Error = fmt.Sprintf("docker failed with status %d: %s", code, lastLine(result.Stderr))
					logging.SandboxError("provisioning failure: %s", result.Error)
					r.emitAudit(AuditEvent{
						Type:       AuditEventError,
						Timestamp:  time.Now(),
						Command:    cmd,
						Result:     result,
						RunnerName: "docker",
					})
					return result, nil
				}
				result.ExitCode = code
			} else {
				result.Crashed = true
				result.Error = err.Error()
				logging.SandboxError("execution infrastructure failure: %v", err)
				r.emitAudit(AuditEvent{
					Type:       AuditEventError,
					Timestamp:  time.Now(),
					Command:    cmd,
					Result:     result,
					RunnerName: "docker",
				})
				return result, nil
			}
		}
	} else {
		result.ExitCode = 0
	}

	r.emitAudit(AuditEvent{
		Type:       AuditEventComplete,
		Timestamp:  time.Now(),
		Command:    cmd,
		Result:     result,
		RunnerName: "docker",
	})

	logging.SandboxDebug("docker run finished: exit=%d timedout=%v duration=%s",
		result.ExitCode, result.TimedOut, result.Duration)

	return result, nil
}

// buildDockerArgs constructs the docker run argument list.
func (r *DockerRunner) buildDockerArgs(cmd Command) []string {
	args := []string{"run", "--rm"}

	iso := cmd.Isolation
	if iso == nil {
		iso = &Isolation{}
	}

	image := iso.Image
	if image == "" {
		image = r.config.DefaultImage
	}
	if image == "" {
		image = "python:3.11-slim"
	}

	networkMode := iso.NetworkMode
	if networkMode == "" {
		networkMode = "none"
	}
	args = append(args, "--network", networkMode)

	if iso.ReadOnlyRoot {
		args = append(args, "--read-only")
	}
	if iso.ReadOnlyRoot || iso.TmpfsSize != "" {
		tmpfsSize := iso.TmpfsSize
		if tmpfsSize == "" {
			tmpfsSize = "100m"
		}
		args = append(args, "--tmpfs", fmt.Sprintf("/tmp:size=%s", tmpfsSize))
	}
	if iso.User != "" {
		args = append(args, "--user", iso.User)
	}

	// The workspace mounts at its own host path so paths inside and
	// outside the container agree.
	args = append(args, "-v", fmt.Sprintf("%s:%s:rw", cmd.Workspace, cmd.Workspace))
	args = append(args, "-w", cmd.Workspace)

	for _, env := range cmd.Environment {
		args = append(args, "-e", env)
	}

	if cmd.Limits != nil {
		if cmd.Limits.MemoryBytes > 0 {
			args = append(args, "--memory", fmt.Sprintf("%d", cmd.Limits.MemoryBytes))
		}
		if cmd.Limits.CPUQuota > 0 {
			period := cmd.Limits.CPUPeriod
			if period == 0 {
				period = 100000
			}
			args = append(args, "--cpu-period", fmt.Sprintf("%d", period))
			args = append(args, "--cpu-quota", fmt.Sprintf("%d", cmd.Limits.CPUQuota))
		}
		if cmd.Limits.PidsLimit > 0 {
			args = append(args, "--pids-limit", fmt.Sprintf("%d", cmd.Limits.PidsLimit))
		}
	}

	if cmd.Stdin != "" {
		args = append(args, "-i")
	}

	args = append(args, image)
	args = append(args, cmd.Binary)
	args = append(args, cmd.Arguments...)

	return args
}

// PullImage pulls a Docker image.
func (r *DockerRunner) PullImage(ctx context.Context, image string) error {
	if !r.available {
		return fmt.Errorf("docker is not available")
	}
	cmd := exec.CommandContext(ctx, r.dockerPath, "pull", image)
	return cmd.Run()
}

// ImageExists checks whether an image is present locally.
func (r *DockerRunner) ImageExists(ctx context.Context, image string) bool {
	if !r.available {
		return false
	}
	cmd := exec.CommandContext(ctx, r.dockerPath, "image", "inspect", image)
	return cmd.Run() == nil
}

// EnsureImage pulls the image only when it is not already present.
func (r *DockerRunner) EnsureImage(ctx context.Context, image string) error {
	if r.ImageExists(ctx, image) {
		return nil
	}
	logging.Sandbox("pulling image %s", image)
	return r.PullImage(ctx, image)
}

// lastLine returns the final non-empty line of s, for compact error
// reporting.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if trimmed := strings.TrimSpace(lines[i]); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
