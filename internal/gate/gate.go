// Package gate classifies execution attempts. It is a pure function from
// the caller's perspective: it reads the attempt record, checks required
// artifacts on disk, consults the judgment capability, and returns a
// verdict. It never mutates the workspace or the history store.
package gate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"explab/internal/logging"
	"explab/internal/types"
)

// Gate evaluates attempts against their step. A nil judge means no
// judgment capability is available; the gate then never has enough
// evidence to ACCEPT and keeps the branch exploring.
type Gate struct {
	judge types.JudgmentProvider
}

// New creates an evaluation gate over the given judgment capability.
func New(judge types.JudgmentProvider) *Gate {
	return &Gate{judge: judge}
}

// Evaluation is a verdict plus the reasoning that produced it. The reason
// feeds commit result summaries and logs; Judgment is set only when the
// capability answered.
type Evaluation struct {
	Verdict  types.Verdict
	Reason   string
	Judgment *types.Judgment
}

// Evaluate classifies one attempt.
//
// ACCEPT requires all three signals: exit code zero, every required
// artifact present and non-empty, and a passing judgment. Absence of a
// crash alone is never sufficient, and judgment alone never overrides a
// mechanical failure.
//
// Judgment transport failures are advisory-degrading: a clean run whose
// judgment cannot be obtained earns RETRY (insufficient evidence), or
// DIVERGE when the retry ceiling is spent. ABORT is reserved for
// environment faults: conditions no regenerated program can fix.
func (g *Gate) Evaluate(ctx context.Context, step types.Step, attempt *types.AttemptRecord, workspace string) Evaluation {
	timer := logging.StartTimer(logging.CategoryGate, "Evaluate")
	defer timer.Stop()

	ev := g.classify(ctx, step, attempt, workspace)
	logging.Gate("Step %d attempt %d: %s (%s)", attempt.StepIndex, attempt.AttemptNumber, ev.Verdict, ev.Reason)
	return ev
}

func (g *Gate) classify(ctx context.Context, step types.Step, attempt *types.AttemptRecord, workspace string) Evaluation {
	if attempt.Crashed || attempt.ErrorKind == types.KindEnvironmentFault {
		return Evaluation{
			Verdict: types.VerdictAbort,
			Reason:  "execution environment crashed; no regenerated program can fix this",
		}
	}

	clean := attempt.ExitCode == 0 && !attempt.TimedOut
	missing := missingArtifacts(step, workspace)

	if clean && len(missing) == 0 {
		return g.judged(ctx, step, attempt)
	}

	// Mechanical failure or incomplete evidence.
	reason := failureReason(attempt, missing)
	if attempt.RetryExhausted {
		return Evaluation{
			Verdict: types.VerdictDiverge,
			Reason:  "retry ceiling exhausted: " + reason,
		}
	}
	return Evaluation{Verdict: types.VerdictRetry, Reason: reason}
}

// judged handles the mechanically-clean case, where the verdict hinges on
// the judgment capability.
func (g *Gate) judged(ctx context.Context, step types.Step, attempt *types.AttemptRecord) Evaluation {
	if g.judge == nil {
		return g.withoutJudgment(attempt, "no judgment capability configured")
	}

	judgment, err := g.judge.Judge(ctx, step, *attempt)
	if err != nil {
		logging.Gate("Judgment unavailable for step %d attempt %d: %v", attempt.StepIndex, attempt.AttemptNumber, err)
		return g.withoutJudgment(attempt, "judgment unavailable")
	}

	if judgment.Pass {
		return Evaluation{
			Verdict:  types.VerdictAccept,
			Reason:   "clean run, artifacts present, judgment passed",
			Judgment: &judgment,
		}
	}

	if attempt.RetryExhausted {
		return Evaluation{
			Verdict:  types.VerdictDiverge,
			Reason:   "judged unsuitable with the retry ceiling spent: " + judgment.Rationale,
			Judgment: &judgment,
		}
	}
	return Evaluation{
		Verdict:  types.VerdictRetry,
		Reason:   "judgment failed: " + judgment.Rationale,
		Judgment: &judgment,
	}
}

// withoutJudgment applies the advisory-degrading rule: a clean run without
// judgment is never accepted, only retried or diverged.
func (g *Gate) withoutJudgment(attempt *types.AttemptRecord, cause string) Evaluation {
	if attempt.RetryExhausted {
		return Evaluation{
			Verdict: types.VerdictDiverge,
			Reason:  cause + " and retry ceiling spent",
		}
	}
	return Evaluation{
		Verdict: types.VerdictRetry,
		Reason:  cause + "; evidence insufficient for acceptance",
	}
}

// missingArtifacts reports which required artifacts are absent or empty.
func missingArtifacts(step types.Step, workspace string) []string {
	var missing []string
	for _, rel := range step.Artifacts {
		info, err := os.Stat(filepath.Join(workspace, rel))
		switch {
		case err != nil:
			missing = append(missing, rel)
		case !info.IsDir() && info.Size() == 0:
			missing = append(missing, rel)
		}
	}
	return missing
}

func failureReason(attempt *types.AttemptRecord, missing []string) string {
	switch {
	case attempt.ErrorKind == types.KindGeneration:
		return "code generation failed"
	case attempt.TimedOut:
		return "execution timed out"
	case attempt.ExitCode != 0:
		return fmt.Sprintf("exited with code %d", attempt.ExitCode)
	case len(missing) > 0:
		return "missing required artifacts: " + strings.Join(missing, ", ")
	default:
		return "attempt did not satisfy the step"
	}
}
