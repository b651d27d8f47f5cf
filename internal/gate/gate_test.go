package gate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"explab/internal/types"
)

// fakeJudge scripts the judgment capability.
type fakeJudge struct {
	judgment types.Judgment
	err      error
	calls    int
}

func (j *fakeJudge) Judge(ctx context.Context, step types.Step, attempt types.AttemptRecord) (types.Judgment, error) {
	j.calls++
	if j.err != nil {
		return types.Judgment{}, j.err
	}
	return j.judgment, nil
}

func writeArtifact(t *testing.T, ws, rel, content string) {
	t.Helper()
	path := filepath.Join(ws, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func cleanAttempt() *types.AttemptRecord {
	return &types.AttemptRecord{StepIndex: 1, AttemptNumber: 1, ExitCode: 0}
}

func TestEvaluate_AcceptNeedsAllThreeSignals(t *testing.T) {
	ws := t.TempDir()
	writeArtifact(t, ws, "summary.csv", "species,count\n")
	step := types.Step{Index: 1, Artifacts: []string{"summary.csv"}}
	judge := &fakeJudge{judgment: types.Judgment{Pass: true, Rationale: "output matches the criteria"}}

	ev := New(judge).Evaluate(context.Background(), step, cleanAttempt(), ws)
	if ev.Verdict != types.VerdictAccept {
		t.Fatalf("Verdict = %s, want ACCEPT (%s)", ev.Verdict, ev.Reason)
	}
	if ev.Judgment == nil || !ev.Judgment.Pass {
		t.Error("accepted evaluation lost its judgment")
	}
	if judge.calls != 1 {
		t.Errorf("judge consulted %d times, want 1", judge.calls)
	}
}

func TestEvaluate_CleanExitAloneIsNotAccept(t *testing.T) {
	ws := t.TempDir()
	step := types.Step{Index: 1, Artifacts: []string{"summary.csv"}} // never written
	judge := &fakeJudge{judgment: types.Judgment{Pass: true}}

	ev := New(judge).Evaluate(context.Background(), step, cleanAttempt(), ws)
	if ev.Verdict != types.VerdictRetry {
		t.Fatalf("Verdict = %s, want RETRY for missing artifacts", ev.Verdict)
	}
	if !strings.Contains(ev.Reason, "summary.csv") {
		t.Errorf("Reason = %q, want it to name the missing artifact", ev.Reason)
	}
	if judge.calls != 0 {
		t.Error("judge consulted although mechanical evidence was already insufficient")
	}
}

func TestEvaluate_EmptyArtifactIsMissing(t *testing.T) {
	ws := t.TempDir()
	writeArtifact(t, ws, "summary.csv", "")
	step := types.Step{Index: 1, Artifacts: []string{"summary.csv"}}

	ev := New(&fakeJudge{judgment: types.Judgment{Pass: true}}).Evaluate(context.Background(), step, cleanAttempt(), ws)
	if ev.Verdict != types.VerdictRetry {
		t.Fatalf("Verdict = %s, want RETRY for an empty artifact", ev.Verdict)
	}
}

func TestEvaluate_JudgmentFailRetriesWithHeadroom(t *testing.T) {
	ws := t.TempDir()
	judge := &fakeJudge{judgment: types.Judgment{Pass: false, Rationale: "the statistics are wrong"}}

	ev := New(judge).Evaluate(context.Background(), types.Step{Index: 1}, cleanAttempt(), ws)
	if ev.Verdict != types.VerdictRetry {
		t.Fatalf("Verdict = %s, want RETRY", ev.Verdict)
	}
	if !strings.Contains(ev.Reason, "the statistics are wrong") {
		t.Errorf("Reason = %q, want the judge's rationale", ev.Reason)
	}
}

func TestEvaluate_JudgmentFailDivergesWhenExhausted(t *testing.T) {
	ws := t.TempDir()
	judge := &fakeJudge{judgment: types.Judgment{Pass: false, Rationale: "approach cannot satisfy the step"}}
	attempt := cleanAttempt()
	attempt.AttemptNumber = 3
	attempt.RetryExhausted = true

	ev := New(judge).Evaluate(context.Background(), types.Step{Index: 1}, attempt, ws)
	if ev.Verdict != types.VerdictDiverge {
		t.Fatalf("Verdict = %s, want DIVERGE", ev.Verdict)
	}
}

func TestEvaluate_JudgmentUnavailableDegradesToRetry(t *testing.T) {
	ws := t.TempDir()
	judge := &fakeJudge{err: errors.New("api overloaded")}

	ev := New(judge).Evaluate(context.Background(), types.Step{Index: 1}, cleanAttempt(), ws)
	if ev.Verdict != types.VerdictRetry {
		t.Fatalf("Verdict = %s, want RETRY when judgment is unavailable", ev.Verdict)
	}
	if !strings.Contains(ev.Reason, "judgment unavailable") {
		t.Errorf("Reason = %q", ev.Reason)
	}
}

func TestEvaluate_JudgmentUnavailableDivergesWhenExhausted(t *testing.T) {
	ws := t.TempDir()
	judge := &fakeJudge{err: errors.New("api overloaded")}
	attempt := cleanAttempt()
	attempt.RetryExhausted = true

	ev := New(judge).Evaluate(context.Background(), types.Step{Index: 1}, attempt, ws)
	if ev.Verdict != types.VerdictDiverge {
		t.Fatalf("Verdict = %s, want DIVERGE", ev.Verdict)
	}
}

func TestEvaluate_NilJudgeNeverAccepts(t *testing.T) {
	ws := t.TempDir()

	ev := New(nil).Evaluate(context.Background(), types.Step{Index: 1}, cleanAttempt(), ws)
	if ev.Verdict != types.VerdictRetry {
		t.Fatalf("Verdict = %s, want RETRY without a judge", ev.Verdict)
	}
}

func TestEvaluate_FailedRunRetries(t *testing.T) {
	ws := t.TempDir()
	attempt := &types.AttemptRecord{
		StepIndex: 1, AttemptNumber: 1, ExitCode: 1,
		Stderr:    "ValueError: bad column",
		ErrorKind: types.KindTransientExecution,
	}
	judge := &fakeJudge{judgment: types.Judgment{Pass: true}}

	ev := New(judge).Evaluate(context.Background(), types.Step{Index: 1}, attempt, ws)
	if ev.Verdict != types.VerdictRetry {
		t.Fatalf("Verdict = %s, want RETRY", ev.Verdict)
	}
	if judge.calls != 0 {
		t.Error("judgment consulted for a mechanically failed run")
	}
	if !strings.Contains(ev.Reason, "exited with code 1") {
		t.Errorf("Reason = %q", ev.Reason)
	}
}

func TestEvaluate_TimeoutRetries(t *testing.T) {
	ws := t.TempDir()
	attempt := &types.AttemptRecord{
		StepIndex: 1, AttemptNumber: 2, ExitCode: -1, TimedOut: true,
		ErrorKind: types.KindTransientExecution,
	}

	ev := New(nil).Evaluate(context.Background(), types.Step{Index: 1}, attempt, ws)
	if ev.Verdict != types.VerdictRetry {
		t.Fatalf("Verdict = %s, want RETRY", ev.Verdict)
	}
	if !strings.Contains(ev.Reason, "timed out") {
		t.Errorf("Reason = %q", ev.Reason)
	}
}

func TestEvaluate_ExhaustedFailureDiverges(t *testing.T) {
	ws := t.TempDir()
	attempt := &types.AttemptRecord{
		StepIndex: 1, AttemptNumber: 3, ExitCode: -1, TimedOut: true,
		ErrorKind: types.KindTransientExecution, RetryExhausted: true,
	}

	ev := New(nil).Evaluate(context.Background(), types.Step{Index: 1}, attempt, ws)
	if ev.Verdict != types.VerdictDiverge {
		t.Fatalf("Verdict = %s, want DIVERGE", ev.Verdict)
	}
	if !strings.Contains(ev.Reason, "retry ceiling exhausted") {
		t.Errorf("Reason = %q", ev.Reason)
	}
}

func TestEvaluate_GenerationFailureRetries(t *testing.T) {
	ws := t.TempDir()
	attempt := &types.AttemptRecord{
		StepIndex: 1, AttemptNumber: 1, ExitCode: -1,
		Stderr:    "generation failed: completion carried no code",
		ErrorKind: types.KindGeneration,
	}

	ev := New(nil).Evaluate(context.Background(), types.Step{Index: 1}, attempt, ws)
	if ev.Verdict != types.VerdictRetry {
		t.Fatalf("Verdict = %s, want RETRY", ev.Verdict)
	}
	if !strings.Contains(ev.Reason, "generation failed") {
		t.Errorf("Reason = %q", ev.Reason)
	}
}

func TestEvaluate_CrashAborts(t *testing.T) {
	ws := t.TempDir()
	attempt := &types.AttemptRecord{
		StepIndex: 1, AttemptNumber: 1, ExitCode: -1, Crashed: true,
		ErrorKind: types.KindEnvironmentFault,
	}
	judge := &fakeJudge{judgment: types.Judgment{Pass: true}}

	ev := New(judge).Evaluate(context.Background(), types.Step{Index: 1}, attempt, ws)
	if ev.Verdict != types.VerdictAbort {
		t.Fatalf("Verdict = %s, want ABORT", ev.Verdict)
	}
	if judge.calls != 0 {
		t.Error("judgment consulted for a crashed environment")
	}
}

func TestEvaluate_DirectoryArtifactCounts(t *testing.T) {
	ws := t.TempDir()
	if err := os.MkdirAll(filepath.Join(ws, "plots"), 0755); err != nil {
		t.Fatal(err)
	}
	step := types.Step{Index: 1, Artifacts: []string{"plots"}}
	judge := &fakeJudge{judgment: types.Judgment{Pass: true}}

	ev := New(judge).Evaluate(context.Background(), step, cleanAttempt(), ws)
	if ev.Verdict != types.VerdictAccept {
		t.Fatalf("Verdict = %s, want ACCEPT with a directory artifact (%s)", ev.Verdict, ev.Reason)
	}
}
