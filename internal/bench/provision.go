package bench

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"explab/internal/config"
	"explab/internal/logging"
	"explab/internal/sandbox"
	"explab/internal/synth"
	"explab/internal/types"
)

// ProvisionStepIndex is the step index recorded on provisioning attempts.
// It sorts before data preparation (-1) and every plan step.
const ProvisionStepIndex = -2

// Provisioner installs the plan's requirements into the workspace before
// the first step runs. Installation happens inside the sandbox with
// network access; the installed packages land in DepsDirName, which is
// part of the committed snapshot, so later step containers need no network
// and no reinstall.
type Provisioner struct {
	client  types.LLMClient
	runner  sandbox.Runner
	cfg     config.SandboxConfig
	timeout time.Duration
	retries int
}

// NewProvisioner wires a provisioner. A nil client disables requirement
// repair: the first pip failure is then terminal.
func NewProvisioner(client types.LLMClient, runner sandbox.Runner, cfg *config.Config) *Provisioner {
	return &Provisioner{
		client:  client,
		runner:  runner,
		cfg:     cfg.Sandbox,
		timeout: cfg.GetSandboxTimeout(),
		retries: cfg.Exploration.ProvisionRetries,
	}
}

// Provision writes requirements.txt and runs pip in the sandbox. On pip
// failure the requirements are repaired through the LLM (seeded with pip's
// stderr) and reinstalled, up to the configured retry count. The returned
// record describes the final pip run; with no requirements there is
// nothing to do and both returns are nil. Exhaustion and runtime crashes
// come back as *types.EnvironmentFault; the experiment cannot proceed
// without its environment.
func (p *Provisioner) Provision(ctx context.Context, workspace, experimentID string, requirements []string) (*types.AttemptRecord, error) {
	if len(requirements) == 0 {
		return nil, nil
	}

	timer := logging.StartTimer(logging.CategoryBench, "Provision")
	defer timer.StopWithInfo()

	logging.Bench("Provisioning %d requirement(s) into %s", len(requirements), DepsDirName)
	reqText := strings.Join(requirements, "\n") + "\n"

	var record *types.AttemptRecord
	for attempt := 1; attempt <= p.retries+1; attempt++ {
		reqPath := filepath.Join(workspace, "requirements.txt")
		if err := os.WriteFile(reqPath, []byte(reqText), 0644); err != nil {
			return nil, &types.EnvironmentFault{Op: "write requirements", Err: err}
		}

		result, err := p.runner.Execute(ctx, p.pipCommand(workspace, experimentID))
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err != nil {
			return nil, &types.EnvironmentFault{Op: "provision environment", Err: err}
		}

		record = &types.AttemptRecord{
			StepIndex:     ProvisionStepIndex,
			AttemptNumber: attempt,
			CodeHash:      hashCode(reqText),
			CodePath:      "requirements.txt",
			Stdout:        result.Stdout,
			Stderr:        result.Stderr,
			ExitCode:      result.ExitCode,
			Duration:      result.Duration,
			Timestamp:     result.StartedAt,
			TimedOut:      result.TimedOut,
			Crashed:       result.Crashed,
		}

		if result.Crashed {
			record.ErrorKind = types.KindEnvironmentFault
			return record, &types.EnvironmentFault{
				Op:  "provision environment",
				Err: errors.New(firstNonEmpty(result.Error, "sandbox crashed during pip install")),
			}
		}
		if result.CleanExit() {
			logging.Bench("Provisioning succeeded on attempt %d", attempt)
			return record, nil
		}

		record.ErrorKind = types.KindEnvironmentFault
		logging.Bench("pip install failed on attempt %d (exit %d)", attempt, result.ExitCode)
		if attempt > p.retries {
			break
		}
		if p.client == nil {
			return record, &types.EnvironmentFault{
				Op:  "provision environment",
				Err: fmt.Errorf("pip install failed and no repair capability is configured"),
			}
		}

		repaired, repairErr := p.repairRequirements(ctx, reqText, result.Stderr)
		if repairErr != nil {
			return record, &types.EnvironmentFault{Op: "repair requirements", Err: repairErr}
		}
		reqText = repaired
	}

	return record, &types.EnvironmentFault{
		Op:  "provision environment",
		Err: fmt.Errorf("pip install failed after %d attempt(s)", p.retries+1),
	}
}

func (p *Provisioner) pipCommand(workspace, experimentID string) sandbox.Command {
	return sandbox.Command{
		Binary:      "python",
		Arguments:   []string{"-m", "pip", "install", "--target", DepsDirName, "-r", "requirements.txt"},
		Workspace:   workspace,
		Environment: []string{"PYTHONUNBUFFERED=1"},
		Limits:      &sandbox.ResourceLimits{Timeout: p.timeout},
		Isolation: &sandbox.Isolation{
			Runtime:     sandbox.RuntimeKind(p.cfg.Runtime),
			Image:       p.cfg.Image,
			NetworkMode: p.cfg.ProvisionNetwork,
		},
		ExperimentID: experimentID,
		Branch:       "root",
	}
}

// repairRequirements asks the LLM for a corrected requirements.txt given
// pip's complaint. The response must be the bare file contents.
func (p *Provisioner) repairRequirements(ctx context.Context, current, pipStderr string) (string, error) {
	var b strings.Builder
	b.WriteString("Installing the following requirements.txt with pip failed.\n\n")
	fmt.Fprintf(&b, "--- CURRENT requirements.txt ---\n%s\n", current)
	fmt.Fprintf(&b, "--- PIP STDERR ---\n%s\n", tailString(pipStderr, 2000))
	b.WriteString("\nRespond with the corrected requirements.txt contents only: one requirement per line, no commentary. Fix version pins that do not exist, correct misspelled package names, and drop packages pip cannot resolve.")

	resp, err := p.client.CompleteWithSystem(ctx,
		"You repair Python requirements files so that pip can install them.", b.String())
	if err != nil {
		return "", err
	}

	repaired := strings.TrimSpace(synth.ExtractCodeBlock(resp, "text"))
	if repaired == "" {
		return "", fmt.Errorf("repair produced empty requirements")
	}
	logging.BenchDebug("Repaired requirements:\n%s", repaired)
	return repaired + "\n", nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// tailString keeps the last maxLen bytes; pip puts the resolution error at
// the end of its output.
func tailString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen+3:]
}
