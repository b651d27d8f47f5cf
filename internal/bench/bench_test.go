package bench

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"explab/internal/config"
	"explab/internal/feedback"
	"explab/internal/oracle"
	"explab/internal/sandbox"
	"explab/internal/types"
)

const testProgram = `print("step ran")
`

// fakeGenerator is a scripted types.CodeGenerator that records every seed.
type fakeGenerator struct {
	mu    sync.Mutex
	codes []string
	err   error
	seeds []types.GenerationSeed
}

func (g *fakeGenerator) GenerateProgram(ctx context.Context, seed types.GenerationSeed) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seeds = append(g.seeds, seed)
	if g.err != nil {
		return "", g.err
	}
	idx := len(g.seeds) - 1
	if idx >= len(g.codes) {
		idx = len(g.codes) - 1
	}
	return g.codes[idx], nil
}

// fakeRunner serves scripted results and records every command.
type fakeRunner struct {
	mu       sync.Mutex
	results  []*sandbox.ExecutionResult
	err      error
	commands []sandbox.Command
}

func (r *fakeRunner) Execute(ctx context.Context, cmd sandbox.Command) (*sandbox.ExecutionResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, cmd)
	if r.err != nil {
		return nil, r.err
	}
	idx := len(r.commands) - 1
	if idx >= len(r.results) {
		idx = len(r.results) - 1
	}
	res := *r.results[idx]
	return &res, nil
}

func (r *fakeRunner) Capabilities() sandbox.Capabilities {
	return sandbox.Capabilities{Name: "fake"}
}

func (r *fakeRunner) Validate(cmd sandbox.Command) error { return nil }

func cleanResult() *sandbox.ExecutionResult {
	return &sandbox.ExecutionResult{
		ExitCode:  0,
		Stdout:    "step ran\n",
		Duration:  120 * time.Millisecond,
		StartedAt: time.Now(),
	}
}

func newTestExecutor(t *testing.T, gen *fakeGenerator, runner *fakeRunner) (*Executor, string) {
	t.Helper()
	ws := t.TempDir()
	cfg := config.DefaultConfig()
	return NewExecutor(gen, runner, nil, cfg), ws
}

func TestRunStep_CleanAttempt(t *testing.T) {
	gen := &fakeGenerator{codes: []string{testProgram}}
	runner := &fakeRunner{results: []*sandbox.ExecutionResult{cleanResult()}}
	exec, ws := newTestExecutor(t, gen, runner)

	step := types.Step{Index: 1, Description: "print something"}
	rec, err := exec.RunStep(context.Background(), StepRequest{
		Step: step, Branch: "root", Workspace: ws, ExperimentID: "exp-1",
	})
	if err != nil {
		t.Fatalf("RunStep() error: %v", err)
	}

	if rec.AttemptNumber != 1 {
		t.Errorf("AttemptNumber = %d, want 1", rec.AttemptNumber)
	}
	if rec.ExitCode != 0 || rec.ErrorKind != "" {
		t.Errorf("clean run classified as %q with exit %d", rec.ErrorKind, rec.ExitCode)
	}
	if rec.RetryExhausted {
		t.Error("first attempt marked RetryExhausted with ceiling 3")
	}
	if len(rec.CodeHash) != 64 {
		t.Errorf("CodeHash = %q, want sha256 hex", rec.CodeHash)
	}
	if rec.CodePath != "step_1.py" {
		t.Errorf("CodePath = %q, want step_1.py", rec.CodePath)
	}

	written, err := os.ReadFile(filepath.Join(ws, "step_1.py"))
	if err != nil {
		t.Fatalf("generated script not written: %v", err)
	}
	if string(written) != testProgram {
		t.Errorf("script on disk = %q, want generated code", written)
	}

	if len(runner.commands) != 1 {
		t.Fatalf("runner saw %d commands, want 1", len(runner.commands))
	}
	cmd := runner.commands[0]
	if cmd.Binary != "python" || len(cmd.Arguments) != 1 || cmd.Arguments[0] != "step_1.py" {
		t.Errorf("command = %s, want python step_1.py", cmd.CommandString())
	}
	if cmd.Isolation.NetworkMode != "none" {
		t.Errorf("NetworkMode = %q, want none for a default step", cmd.Isolation.NetworkMode)
	}
	var hasPythonPath bool
	for _, env := range cmd.Environment {
		if env == "PYTHONPATH="+DepsDirName {
			hasPythonPath = true
		}
	}
	if !hasPythonPath {
		t.Errorf("command env %v missing PYTHONPATH=%s", cmd.Environment, DepsDirName)
	}
}

func TestRunStep_NetworkStepUsesBridge(t *testing.T) {
	gen := &fakeGenerator{codes: []string{testProgram}}
	runner := &fakeRunner{results: []*sandbox.ExecutionResult{cleanResult()}}
	exec, ws := newTestExecutor(t, gen, runner)

	_, err := exec.RunStep(context.Background(), StepRequest{
		Step:      types.Step{Index: 1, Description: "download", NeedsNetwork: true},
		Branch:    "root",
		Workspace: ws,
	})
	if err != nil {
		t.Fatalf("RunStep() error: %v", err)
	}
	if got := runner.commands[0].Isolation.NetworkMode; got != "bridge" {
		t.Errorf("NetworkMode = %q, want bridge", got)
	}
}

func TestRunStep_GenerationFailureSkipsSandbox(t *testing.T) {
	gen := &fakeGenerator{err: &types.GenerationError{Reason: "generated program does not parse"}}
	runner := &fakeRunner{results: []*sandbox.ExecutionResult{cleanResult()}}
	exec, ws := newTestExecutor(t, gen, runner)

	rec, err := exec.RunStep(context.Background(), StepRequest{
		Step: types.Step{Index: 2, Description: "anything"}, Branch: "root", Workspace: ws,
	})
	if err != nil {
		t.Fatalf("RunStep() error: %v", err)
	}
	if rec.ErrorKind != types.KindGeneration {
		t.Errorf("ErrorKind = %q, want %q", rec.ErrorKind, types.KindGeneration)
	}
	if rec.ExitCode != -1 {
		t.Errorf("ExitCode = %d, want -1", rec.ExitCode)
	}
	if !strings.Contains(rec.Stderr, "does not parse") {
		t.Errorf("Stderr = %q, want the generation diagnostics", rec.Stderr)
	}
	if len(runner.commands) != 0 {
		t.Errorf("sandbox ran %d times for a generation failure, want 0", len(runner.commands))
	}
}

func TestRunStep_TimeoutIsTransient(t *testing.T) {
	gen := &fakeGenerator{codes: []string{testProgram}}
	runner := &fakeRunner{results: []*sandbox.ExecutionResult{{
		ExitCode: -1, TimedOut: true, Killed: true, Stderr: "",
		Duration: 300 * time.Second, StartedAt: time.Now(),
	}}}
	exec, ws := newTestExecutor(t, gen, runner)

	rec, err := exec.RunStep(context.Background(), StepRequest{
		Step: types.Step{Index: 1, Description: "slow"}, Branch: "root", Workspace: ws,
	})
	if err != nil {
		t.Fatalf("RunStep() error: %v", err)
	}
	if !rec.TimedOut || rec.ErrorKind != types.KindTransientExecution {
		t.Errorf("timeout record: TimedOut=%v ErrorKind=%q", rec.TimedOut, rec.ErrorKind)
	}
}

func TestRunStep_CrashIsEnvironmentFault(t *testing.T) {
	gen := &fakeGenerator{codes: []string{testProgram}}
	runner := &fakeRunner{results: []*sandbox.ExecutionResult{{
		ExitCode: -1, Crashed: true, Error: "docker failed with status 125: daemon not running",
		StartedAt: time.Now(),
	}}}
	exec, ws := newTestExecutor(t, gen, runner)

	rec, err := exec.RunStep(context.Background(), StepRequest{
		Step: types.Step{Index: 1, Description: "anything"}, Branch: "root", Workspace: ws,
	})
	if err != nil {
		t.Fatalf("RunStep() error: %v", err)
	}
	if !rec.Crashed || rec.ErrorKind != types.KindEnvironmentFault {
		t.Errorf("crash record: Crashed=%v ErrorKind=%q", rec.Crashed, rec.ErrorKind)
	}
	if !strings.Contains(rec.Stderr, "daemon not running") {
		t.Errorf("Stderr = %q, want the crash explanation", rec.Stderr)
	}
}

func TestRunStep_FinalAttemptCarriesExhaustion(t *testing.T) {
	gen := &fakeGenerator{codes: []string{testProgram}}
	runner := &fakeRunner{results: []*sandbox.ExecutionResult{cleanResult()}}
	exec, ws := newTestExecutor(t, gen, runner)

	rec, err := exec.RunStep(context.Background(), StepRequest{
		Step:      types.Step{Index: 1, Description: "third try"},
		Branch:    "root",
		Workspace: ws,
		Priors: []types.PriorAttempt{
			{AttemptNumber: 1, ExitCode: 1},
			{AttemptNumber: 2, ExitCode: 1},
		},
		PriorStderr: "ValueError: bad column",
	})
	if err != nil {
		t.Fatalf("RunStep() error: %v", err)
	}
	if rec.AttemptNumber != 3 {
		t.Errorf("AttemptNumber = %d, want 3", rec.AttemptNumber)
	}
	if !rec.RetryExhausted {
		t.Error("attempt at the ceiling not marked RetryExhausted")
	}

	seed := gen.seeds[0]
	if len(seed.PriorAttempts) != 2 || seed.PriorStderr == "" {
		t.Errorf("repair seed lost its history: %+v", seed)
	}
}

func TestRunStep_PastCeilingSynthesizesTerminalRecord(t *testing.T) {
	gen := &fakeGenerator{codes: []string{testProgram}}
	runner := &fakeRunner{results: []*sandbox.ExecutionResult{cleanResult()}}
	exec, ws := newTestExecutor(t, gen, runner)

	rec, err := exec.RunStep(context.Background(), StepRequest{
		Step:      types.Step{Index: 1, Description: "too many"},
		Branch:    "root",
		Workspace: ws,
		Priors: []types.PriorAttempt{
			{AttemptNumber: 1}, {AttemptNumber: 2}, {AttemptNumber: 3},
		},
	})
	if err != nil {
		t.Fatalf("RunStep() error: %v", err)
	}
	if !rec.RetryExhausted || rec.ExitCode != -1 {
		t.Errorf("terminal record: RetryExhausted=%v ExitCode=%d", rec.RetryExhausted, rec.ExitCode)
	}
	if len(gen.seeds) != 0 {
		t.Errorf("generation ran %d times past the ceiling, want 0", len(gen.seeds))
	}
	if len(runner.commands) != 0 {
		t.Errorf("sandbox ran %d times past the ceiling, want 0", len(runner.commands))
	}
}

func TestRunStep_DrainsFeedbackIntoSeed(t *testing.T) {
	gen := &fakeGenerator{codes: []string{testProgram}}
	runner := &fakeRunner{results: []*sandbox.ExecutionResult{cleanResult()}}
	ws := t.TempDir()
	mb := feedback.Open(ws)
	if _, err := mb.Add("use tab-separated output"); err != nil {
		t.Fatal(err)
	}
	exec := NewExecutor(gen, runner, mb, config.DefaultConfig())

	req := StepRequest{Step: types.Step{Index: 1, Description: "anything"}, Branch: "root", Workspace: ws}
	if _, err := exec.RunStep(context.Background(), req); err != nil {
		t.Fatalf("RunStep() error: %v", err)
	}
	if len(gen.seeds[0].FeedbackNotes) != 1 || gen.seeds[0].FeedbackNotes[0] != "use tab-separated output" {
		t.Errorf("seed feedback = %v, want the pending note", gen.seeds[0].FeedbackNotes)
	}

	// Drained notes do not reappear on the next attempt.
	if _, err := exec.RunStep(context.Background(), req); err != nil {
		t.Fatalf("second RunStep() error: %v", err)
	}
	if len(gen.seeds[1].FeedbackNotes) != 0 {
		t.Errorf("second seed feedback = %v, want none", gen.seeds[1].FeedbackNotes)
	}
}

func TestRunStep_CancelledContext(t *testing.T) {
	gen := &fakeGenerator{codes: []string{testProgram}}
	runner := &fakeRunner{results: []*sandbox.ExecutionResult{cleanResult()}}
	exec, ws := newTestExecutor(t, gen, runner)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec, err := exec.RunStep(ctx, StepRequest{
		Step: types.Step{Index: 1, Description: "anything"}, Branch: "root", Workspace: ws,
	})
	if rec != nil {
		t.Errorf("cancelled attempt produced a record: %+v", rec)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestArtifactWatcher_RecordsCreatedFiles(t *testing.T) {
	dir := t.TempDir()
	aw := newArtifactWatcher(dir)

	if err := os.WriteFile(filepath.Join(dir, "out.csv"), []byte("a,b\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "plots"), 0755); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond) // let the watcher pick up the new directory
	if err := os.WriteFile(filepath.Join(dir, "plots", "hist.png"), []byte{0x89, 0x50}, 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, ".explab"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".explab", "state.json"), []byte("{}"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "cache.pyc"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(300 * time.Millisecond)

	files := aw.Stop()
	want := map[string]bool{"out.csv": true, "plots/hist.png": true}
	for _, f := range files {
		if !want[f] {
			t.Errorf("watcher recorded %q, which should have been filtered", f)
		}
		delete(want, f)
	}
	for missing := range want {
		t.Errorf("watcher missed %q", missing)
	}
}

func TestProvision_NoRequirements(t *testing.T) {
	runner := &fakeRunner{results: []*sandbox.ExecutionResult{cleanResult()}}
	p := NewProvisioner(nil, runner, config.DefaultConfig())

	rec, err := p.Provision(context.Background(), t.TempDir(), "exp-1", nil)
	if rec != nil || err != nil {
		t.Fatalf("Provision() = %+v, %v; want nil, nil", rec, err)
	}
	if len(runner.commands) != 0 {
		t.Errorf("pip ran %d times with no requirements", len(runner.commands))
	}
}

func TestProvision_FirstTrySucceeds(t *testing.T) {
	runner := &fakeRunner{results: []*sandbox.ExecutionResult{cleanResult()}}
	p := NewProvisioner(nil, runner, config.DefaultConfig())
	ws := t.TempDir()

	rec, err := p.Provision(context.Background(), ws, "exp-1", []string{"pandas==2.2.1", "numpy"})
	if err != nil {
		t.Fatalf("Provision() error: %v", err)
	}
	if rec.StepIndex != ProvisionStepIndex || rec.ExitCode != 0 {
		t.Errorf("record = %+v, want a clean provisioning record", rec)
	}

	reqs, err := os.ReadFile(filepath.Join(ws, "requirements.txt"))
	if err != nil {
		t.Fatalf("requirements.txt not written: %v", err)
	}
	if string(reqs) != "pandas==2.2.1\nnumpy\n" {
		t.Errorf("requirements.txt = %q", reqs)
	}

	cmd := runner.commands[0]
	argStr := strings.Join(cmd.Arguments, " ")
	if !strings.Contains(argStr, "--target "+DepsDirName) || !strings.Contains(argStr, "-r requirements.txt") {
		t.Errorf("pip command = %s", cmd.CommandString())
	}
	if cmd.Isolation.NetworkMode != "bridge" {
		t.Errorf("provisioning ran with network %q, want bridge", cmd.Isolation.NetworkMode)
	}
}

func TestProvision_RepairsRequirements(t *testing.T) {
	runner := &fakeRunner{results: []*sandbox.ExecutionResult{
		{ExitCode: 1, Stderr: "ERROR: No matching distribution found for pandsa==9.9", StartedAt: time.Now()},
		cleanResult(),
	}}
	stub := oracle.NewStubClient("pandas==2.2.1")
	p := NewProvisioner(stub, runner, config.DefaultConfig())
	ws := t.TempDir()

	rec, err := p.Provision(context.Background(), ws, "exp-1", []string{"pandsa==9.9"})
	if err != nil {
		t.Fatalf("Provision() error: %v", err)
	}
	if rec.ExitCode != 0 || rec.AttemptNumber != 2 {
		t.Errorf("final record = %+v, want clean second attempt", rec)
	}
	if len(runner.commands) != 2 {
		t.Fatalf("pip ran %d times, want 2", len(runner.commands))
	}

	reqs, _ := os.ReadFile(filepath.Join(ws, "requirements.txt"))
	if string(reqs) != "pandas==2.2.1\n" {
		t.Errorf("repaired requirements.txt = %q", reqs)
	}
	if !strings.Contains(stub.Prompts[0], "pandsa==9.9") || !strings.Contains(stub.Prompts[0], "No matching distribution") {
		t.Errorf("repair prompt missing the evidence:\n%s", stub.Prompts[0])
	}
}

func TestProvision_ExhaustionIsEnvironmentFault(t *testing.T) {
	runner := &fakeRunner{results: []*sandbox.ExecutionResult{
		{ExitCode: 1, Stderr: "resolution impossible", StartedAt: time.Now()},
	}}
	stub := oracle.NewStubClient("still==broken")
	cfg := config.DefaultConfig()
	cfg.Exploration.ProvisionRetries = 1
	p := NewProvisioner(stub, runner, cfg)

	rec, err := p.Provision(context.Background(), t.TempDir(), "exp-1", []string{"impossible==0.0"})
	var fault *types.EnvironmentFault
	if !errors.As(err, &fault) {
		t.Fatalf("err = %v, want *types.EnvironmentFault", err)
	}
	if rec == nil || rec.ExitCode != 1 {
		t.Errorf("final record = %+v, want the failing pip record", rec)
	}
	if len(runner.commands) != 2 {
		t.Errorf("pip ran %d times with 1 repair retry, want 2", len(runner.commands))
	}
}

func TestProvision_CrashIsFatalImmediately(t *testing.T) {
	runner := &fakeRunner{results: []*sandbox.ExecutionResult{
		{ExitCode: -1, Crashed: true, Error: "docker daemon unreachable", StartedAt: time.Now()},
	}}
	stub := oracle.NewStubClient("unused")
	p := NewProvisioner(stub, runner, config.DefaultConfig())

	_, err := p.Provision(context.Background(), t.TempDir(), "exp-1", []string{"numpy"})
	var fault *types.EnvironmentFault
	if !errors.As(err, &fault) {
		t.Fatalf("err = %v, want *types.EnvironmentFault", err)
	}
	if len(runner.commands) != 1 {
		t.Errorf("pip retried %d times after a crash, want 1 run only", len(runner.commands))
	}
	if stub.Calls() != 0 {
		t.Error("repair attempted after an infrastructure crash")
	}
}

func TestRunnerConfigFor(t *testing.T) {
	cfg := config.DefaultSandboxConfig()
	rc := RunnerConfigFor(cfg, 300*time.Second)

	if rc.DefaultImage != "python:3.11-slim" {
		t.Errorf("DefaultImage = %q", rc.DefaultImage)
	}
	if rc.DefaultLimits.MemoryBytes != 2048*1024*1024 {
		t.Errorf("MemoryBytes = %d", rc.DefaultLimits.MemoryBytes)
	}
	if rc.DefaultIsolation.NetworkMode != "none" {
		t.Errorf("NetworkMode = %q, want none", rc.DefaultIsolation.NetworkMode)
	}
}
