// Package bench is the step executor: it turns one plan step into a
// sandboxed execution attempt. Generation, the syntax gate, the script
// write, the sandbox call, and the artifact watcher all happen here; the
// verdict on the resulting record is the evaluation gate's business.
package bench

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"explab/internal/config"
	"explab/internal/feedback"
	"explab/internal/logging"
	"explab/internal/sandbox"
	"explab/internal/types"
)

// DepsDirName is the in-workspace directory pip installs requirements
// into. It is part of the committed snapshot, so provisioned packages
// survive across ephemeral containers and branch checkouts.
const DepsDirName = ".explab-deps"

// StepRequest carries everything one attempt needs. Priors is the attempt
// history already spent on this (branch, step); the executor derives the
// next attempt number from it, so a controller resuming from a checkpoint
// keeps numbering strictly increasing.
type StepRequest struct {
	Step         types.Step
	Branch       string
	Workspace    string
	ExperimentID string
	SchemeHint   string
	Requirements []string
	Priors       []types.PriorAttempt
	PriorStderr  string
}

// Executor runs single attempts. Safe for concurrent use by branch
// workers; each call works only on the request's own workspace.
type Executor struct {
	gen     types.CodeGenerator
	runner  sandbox.Runner
	mailbox *feedback.Mailbox
	cfg     config.SandboxConfig
	timeout time.Duration
	ceiling int
}

// NewExecutor wires a step executor. The mailbox may be nil when no
// operator feedback channel exists (tests, embedded use).
func NewExecutor(gen types.CodeGenerator, runner sandbox.Runner, mailbox *feedback.Mailbox, cfg *config.Config) *Executor {
	return &Executor{
		gen:     gen,
		runner:  runner,
		mailbox: mailbox,
		cfg:     cfg.Sandbox,
		timeout: cfg.GetSandboxTimeout(),
		ceiling: cfg.Exploration.RetryCeiling,
	}
}

// RunStep executes one attempt at a step and returns its record. Every
// outcome that can be evidenced produces a record: generation failures
// consume an attempt without a sandbox run, sandbox crashes come back with
// Crashed set for the gate to abort on. A nil record is returned only when
// no attempt happened at all: the context was cancelled or the host
// itself failed (EnvironmentFault).
//
// The attempt that reaches the retry ceiling carries RetryExhausted; a
// call past the ceiling produces a terminal exhausted record without
// generating or executing anything, so the ceiling can never be exceeded
// silently.
func (e *Executor) RunStep(ctx context.Context, req StepRequest) (*types.AttemptRecord, error) {
	timer := logging.StartTimer(logging.CategoryBench, "RunStep")
	defer timer.Stop()

	attemptNumber := len(req.Priors) + 1
	if attemptNumber > e.ceiling {
		logging.Bench("Retry ceiling (%d) already spent for %s on %s; recording terminal attempt",
			e.ceiling, req.Step.Label(), req.Branch)
		return &types.AttemptRecord{
			StepIndex:      req.Step.Index,
			AttemptNumber:  attemptNumber,
			ExitCode:       -1,
			Stderr:         fmt.Sprintf("retry ceiling (%d) exhausted for %s", e.ceiling, req.Step.Label()),
			Timestamp:      time.Now(),
			RetryExhausted: true,
		}, nil
	}

	logging.Bench("Attempt %d/%d at %s on branch %s", attemptNumber, e.ceiling, req.Step.Label(), req.Branch)
	started := time.Now()

	seed := types.GenerationSeed{
		Step:          req.Step,
		SchemeHint:    req.SchemeHint,
		PriorStderr:   req.PriorStderr,
		PriorAttempts: req.Priors,
		Requirements:  req.Requirements,
		FeedbackNotes: e.drainFeedback(),
	}

	code, err := e.gen.GenerateProgram(ctx, seed)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		if types.KindOf(err) != types.KindGeneration {
			return nil, err
		}
		logging.BenchDebug("Generation failed on attempt %d at %s: %v", attemptNumber, req.Step.Label(), err)
		return e.finish(&types.AttemptRecord{
			StepIndex:      req.Step.Index,
			AttemptNumber:  attemptNumber,
			ExitCode:       -1,
			Stderr:         err.Error(),
			Duration:       time.Since(started),
			Timestamp:      started,
			ErrorKind:      types.KindGeneration,
			RetryExhausted: attemptNumber >= e.ceiling,
		}), nil
	}

	scriptPath := filepath.Join(req.Workspace, req.Step.ScriptName())
	if err := os.WriteFile(scriptPath, []byte(code), 0644); err != nil {
		return nil, &types.EnvironmentFault{Op: "write program", Err: err}
	}

	watcher := newArtifactWatcher(req.Workspace)
	result, err := e.runner.Execute(ctx, e.buildCommand(req))
	files := watcher.Stop()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, &types.EnvironmentFault{Op: "execute attempt", Err: err}
	}

	record := &types.AttemptRecord{
		StepIndex:      req.Step.Index,
		AttemptNumber:  attemptNumber,
		CodeHash:       hashCode(code),
		CodePath:       req.Step.ScriptName(),
		Stdout:         result.Stdout,
		Stderr:         result.Stderr,
		ExitCode:       result.ExitCode,
		Duration:       result.Duration,
		Timestamp:      started,
		TimedOut:       result.TimedOut,
		Crashed:        result.Crashed,
		FilesChanged:   files,
		RetryExhausted: attemptNumber >= e.ceiling,
	}
	switch {
	case result.Crashed:
		record.ErrorKind = types.KindEnvironmentFault
		if result.Error != "" && record.Stderr == "" {
			record.Stderr = result.Error
		}
	case result.TimedOut, result.ExitCode != 0:
		record.ErrorKind = types.KindTransientExecution
	}

	return e.finish(record), nil
}

// Ceiling reports the configured retry ceiling.
func (e *Executor) Ceiling() int { return e.ceiling }

func (e *Executor) finish(record *types.AttemptRecord) *types.AttemptRecord {
	logging.Bench("Attempt %d at step %d: %s", record.AttemptNumber, record.StepIndex, record.Summary())
	return record
}

func (e *Executor) drainFeedback() []string {
	if e.mailbox == nil {
		return nil
	}
	notes, err := e.mailbox.DrainPending()
	if err != nil {
		logging.BenchDebug("Feedback drain failed, seeding without notes: %v", err)
		return nil
	}
	return notes
}

func (e *Executor) buildCommand(req StepRequest) sandbox.Command {
	network := e.cfg.StepNetwork
	if req.Step.NeedsNetwork {
		network = "bridge"
	}
	return sandbox.Command{
		Binary:    "python",
		Arguments: []string{req.Step.ScriptName()},
		Workspace: req.Workspace,
		Environment: []string{
			"PYTHONUNBUFFERED=1",
			"PYTHONPATH=" + DepsDirName,
		},
		Limits: &sandbox.ResourceLimits{Timeout: e.timeout},
		Isolation: &sandbox.Isolation{
			Runtime:     sandbox.RuntimeKind(e.cfg.Runtime),
			Image:       e.cfg.Image,
			NetworkMode: network,
		},
		ExperimentID: req.ExperimentID,
		Branch:       req.Branch,
	}
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// RunnerConfigFor translates sandbox settings into the runner defaults the
// router is built with.
func RunnerConfigFor(cfg config.SandboxConfig, timeout time.Duration) sandbox.RunnerConfig {
	return sandbox.RunnerConfig{
		DefaultTimeout: timeout,
		MaxTimeout:     30 * time.Minute,
		MaxOutputBytes: cfg.MaxOutputBytes,
		DefaultImage:   cfg.Image,
		DefaultLimits: &sandbox.ResourceLimits{
			Timeout:        timeout,
			MemoryBytes:    int64(cfg.MemoryMB) * 1024 * 1024,
			CPUQuota:       int64(cfg.CPUQuota),
			CPUPeriod:      int64(cfg.CPUPeriod),
			PidsLimit:      cfg.PidsLimit,
			MaxOutputBytes: cfg.MaxOutputBytes,
		},
		DefaultIsolation: &sandbox.Isolation{
			Runtime:     sandbox.RuntimeKind(cfg.Runtime),
			NetworkMode: cfg.StepNetwork,
		},
	}
}
