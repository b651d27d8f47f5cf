package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"explab/internal/logging"
)

// ProcessRunner executes scripts directly on the host with os/exec. No
// isolation: memory/CPU/pids limits are accepted but not enforced, which
// the capabilities report. Used for trusted environments and as the test
// backend.
type ProcessRunner struct {
	mu     sync.RWMutex
	config RunnerConfig

	auditCallback func(AuditEvent)
}

// NewProcessRunner creates a process runner with default config.
func NewProcessRunner() *ProcessRunner {
	return NewProcessRunnerWithConfig(DefaultRunnerConfig())
}

// NewProcessRunnerWithConfig creates a process runner with custom config.
func NewProcessRunnerWithConfig(config RunnerConfig) *ProcessRunner {
	return &ProcessRunner{
		config:        config,
		auditCallback: config.AuditCallback,
	}
}

// SetAuditCallback sets the callback for audit events.
func (r *ProcessRunner) SetAuditCallback(callback func(AuditEvent)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.auditCallback = callback
}

func (r *ProcessRunner) emitAudit(event AuditEvent) {
	r.mu.RLock()
	callback := r.auditCallback
	r.mu.RUnlock()

	if callback != nil {
		callback(event)
	}
}

// Capabilities returns what this runner supports.
func (r *ProcessRunner) Capabilities() Capabilities {
	return Capabilities{
		Name:                   "process",
		Platform:               runtime.GOOS,
		SupportsResourceLimits: false,
		SupportsNetworkControl: false,
		SupportedRuntimes:      []RuntimeKind{RuntimeProcess},
		MaxTimeout:             r.config.MaxTimeout,
		DefaultTimeout:         r.config.DefaultTimeout,
	}
}

// Validate checks whether a command can be executed.
func (r *ProcessRunner) Validate(cmd Command) error {
	if cmd.Binary == "" {
		return fmt.Errorf("binary is required")
	}
	if cmd.Workspace == "" {
		return fmt.Errorf("workspace is required")
	}
	if cmd.Isolation != nil && cmd.Isolation.Runtime != RuntimeProcess {
		return fmt.Errorf("process runner only handles runtime %q, got %q", RuntimeProcess, cmd.Isolation.Runtime)
	}
	if info, err := os.Stat(cmd.Workspace); err != nil || !info.IsDir() {
		return fmt.Errorf("workspace %s is not a directory", cmd.Workspace)
	}
	return nil
}

// Execute runs one script as a host process rooted in the workspace.
func (r *ProcessRunner) Execute(ctx context.Context, cmd Command) (*ExecutionResult, error) {
	if err := r.Validate(cmd); err != nil {
		return nil, err
	}

	cmd = r.config.Merge(cmd)

	result := &ExecutionResult{
		ExitCode:    -1,
		RuntimeUsed: RuntimeProcess,
		Command:     &cmd,
	}

	r.emitAudit(AuditEvent{
		Type:       AuditEventStart,
		Timestamp:  time.Now(),
		Command:    cmd,
		RunnerName: "process",
	})

	timeout := r.config.DefaultTimeout
	if cmd.Limits != nil && cmd.Limits.Timeout > 0 {
		timeout = cmd.Limits.Timeout
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	execCmd := exec.CommandContext(execCtx, cmd.Binary, cmd.Arguments...)
	execCmd.Dir = cmd.Workspace
	if len(cmd.Environment) > 0 {
		execCmd.Env = append(os.Environ(), cmd.Environment...)
	}
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
	logging.SandboxDebug("process run: %s (workspace %s)", cmd.CommandString(), cmd.Workspace)

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
			result.TimedOut = true
			result.Killed = true
			result.KillReason = fmt.Sprintf("timeout after %s", timeout)
			r.emitAudit(AuditEvent{
				Type:       AuditEventKilled,
				Timestamp:  time.Now(),
				Command:    cmd,
				Result:     result,
				RunnerName: "process",
			})
		case execCtx.Err() == context.Canceled:
			result.Killed = true
			result.KillReason = "stop requested"
			r.emitAudit(AuditEvent{
				Type:       AuditEventKilled,
				Timestamp:  time.Now(),
				Command:    cmd,
				Result:     result,
				RunnerName: "process",
			})
		default:
			if exitErr, ok := err.(*exec.ExitError); ok {
				result.ExitCode = exitErr.ExitCode()
			} else {
				// binary missing, permission denied: the environment
				// failed, not the script
				result.Crashed = true
				result.Error = err.Error()
				logging.SandboxError("process start failure: %v", err)
				r.emitAudit(AuditEvent{
					Type:       AuditEventError,
					Timestamp:  time.Now(),
					Command:    cmd,
					Result:     result,
					RunnerName: "process",
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
		RunnerName: "process",
	})

	return result, nil
}
