package expedition

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"explab/internal/bench"
	"explab/internal/config"
	"explab/internal/gate"
	"explab/internal/history"
	"explab/internal/types"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
	)
}

// outcome scripts one attempt: the record RunStep produces and the
// verdict the evaluator hands back for it.
type outcome struct {
	verdict  types.Verdict
	reason   string
	exit     int
	stderr   string
	crashed  bool
	timedOut bool
	hostErr  error             // RunStep returns (nil, hostErr)
	block    bool              // block until the context is cancelled
	write    map[string]string // files the attempt leaves in the workspace
}

func accept() outcome { return outcome{verdict: types.VerdictAccept, reason: "clean run, judgment passed"} }

func retry(stderr string) outcome {
	return outcome{verdict: types.VerdictRetry, reason: "exited with code 1", exit: 1, stderr: stderr}
}

func diverge(stderr string) outcome {
	return outcome{verdict: types.VerdictDiverge, reason: "retry ceiling exhausted: exited with code 1", exit: 1, stderr: stderr}
}

// scriptedLab is a deterministic StepRunner+Evaluator pair. Outcomes are
// served FIFO per branch, and the verdict scripted with an outcome is
// returned when its record reaches Evaluate. Requests are recorded for
// assertions. Unscripted attempts abort so a drifting test fails loudly.
type scriptedLab struct {
	mu       sync.Mutex
	script   map[string][]outcome
	ceiling  int
	requests []bench.StepRequest
	verdicts map[*types.AttemptRecord]gate.Evaluation
}

func newLab(ceiling int) *scriptedLab {
	return &scriptedLab{
		script:   make(map[string][]outcome),
		ceiling:  ceiling,
		verdicts: make(map[*types.AttemptRecord]gate.Evaluation),
	}
}

func (l *scriptedLab) on(branch string, outcomes ...outcome) *scriptedLab {
	l.script[branch] = append(l.script[branch], outcomes...)
	return l
}

func (l *scriptedLab) RunStep(ctx context.Context, req bench.StepRequest) (*types.AttemptRecord, error) {
	l.mu.Lock()
	l.requests = append(l.requests, req)

	attemptNumber := len(req.Priors) + 1
	if attemptNumber > l.ceiling {
		// Mirrors the executor: past the ceiling nothing runs, a terminal
		// exhausted record is synthesized.
		rec := &types.AttemptRecord{
			StepIndex:      req.Step.Index,
			AttemptNumber:  attemptNumber,
			ExitCode:       -1,
			Stderr:         "retry ceiling exhausted",
			Timestamp:      time.Now(),
			RetryExhausted: true,
		}
		l.verdicts[rec] = gate.Evaluation{Verdict: types.VerdictDiverge, Reason: "retry ceiling exhausted"}
		l.mu.Unlock()
		return rec, nil
	}

	queue := l.script[req.Branch]
	if len(queue) == 0 {
		l.mu.Unlock()
		return nil, &types.EnvironmentFault{Op: "scripted attempt", Err: errors.New("no outcome scripted for branch " + req.Branch)}
	}
	o := queue[0]
	l.script[req.Branch] = queue[1:]
	l.mu.Unlock()

	if o.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if o.hostErr != nil {
		return nil, o.hostErr
	}
	for rel, content := range o.write {
		path := filepath.Join(req.Workspace, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, &types.EnvironmentFault{Op: "write scripted file", Err: err}
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return nil, &types.EnvironmentFault{Op: "write scripted file", Err: err}
		}
	}

	rec := &types.AttemptRecord{
		StepIndex:      req.Step.Index,
		AttemptNumber:  attemptNumber,
		CodeHash:       strings.Repeat("ab", 32),
		CodePath:       req.Step.ScriptName(),
		Stderr:         o.stderr,
		ExitCode:       o.exit,
		Duration:       50 * time.Millisecond,
		Timestamp:      time.Now(),
		TimedOut:       o.timedOut,
		Crashed:        o.crashed,
		RetryExhausted: attemptNumber >= l.ceiling,
	}
	if o.crashed {
		rec.ErrorKind = types.KindEnvironmentFault
	}

	l.mu.Lock()
	l.verdicts[rec] = gate.Evaluation{Verdict: o.verdict, Reason: o.reason}
	l.mu.Unlock()
	return rec, nil
}

func (l *scriptedLab) Evaluate(ctx context.Context, step types.Step, attempt *types.AttemptRecord, workspace string) gate.Evaluation {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ev, ok := l.verdicts[attempt]; ok {
		return ev
	}
	// Records the controller synthesized itself (host faults) follow the
	// real gate's classification.
	if attempt.Crashed || attempt.ErrorKind == types.KindEnvironmentFault {
		return gate.Evaluation{Verdict: types.VerdictAbort, Reason: "execution environment crashed"}
	}
	if attempt.RetryExhausted {
		return gate.Evaluation{Verdict: types.VerdictDiverge, Reason: "retry ceiling exhausted"}
	}
	return gate.Evaluation{Verdict: types.VerdictRetry, Reason: "unscripted record"}
}

func (l *scriptedLab) requestsFor(branch string) []bench.StepRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []bench.StepRequest
	for _, r := range l.requests {
		if r.Branch == branch {
			out = append(out, r)
		}
	}
	return out
}

// scriptedProvisioner stands in for the pip provisioner.
type scriptedProvisioner struct {
	mu    sync.Mutex
	fail  bool
	calls int
}

func (p *scriptedProvisioner) Provision(ctx context.Context, workspace, experimentID string, requirements []string) (*types.AttemptRecord, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if len(requirements) == 0 {
		return nil, nil
	}
	if err := os.WriteFile(filepath.Join(workspace, "requirements.txt"), []byte(strings.Join(requirements, "\n")+"\n"), 0644); err != nil {
		return nil, &types.EnvironmentFault{Op: "write requirements", Err: err}
	}
	rec := &types.AttemptRecord{
		StepIndex:     bench.ProvisionStepIndex,
		AttemptNumber: 1,
		ExitCode:      0,
		Stdout:        "Successfully installed",
		Timestamp:     time.Now(),
	}
	if p.fail {
		rec.ExitCode = 1
		rec.Stderr = "ERROR: resolution impossible"
		return rec, &types.EnvironmentFault{Op: "pip install", Err: errors.New("resolution impossible")}
	}
	depsDir := filepath.Join(workspace, bench.DepsDirName)
	if err := os.MkdirAll(depsDir, 0755); err != nil {
		return nil, &types.EnvironmentFault{Op: "create deps dir", Err: err}
	}
	if err := os.WriteFile(filepath.Join(depsDir, "installed.txt"), []byte("ok\n"), 0644); err != nil {
		return nil, &types.EnvironmentFault{Op: "record install", Err: err}
	}
	return rec, nil
}

func twoStepPlan() *types.Plan {
	return &types.Plan{
		Title: "column means",
		Steps: []types.Step{
			{Description: "load the dataset and drop empty rows", Artifacts: []string{"loaded.csv"}},
			{Description: "compute per-column means", Artifacts: []string{"means.json"}},
		},
	}
}

type labConfig struct {
	plan        *types.Plan
	exploration config.ExplorationConfig
	provisioner EnvProvisioner
	events      chan Event
}

func defaultExploration() config.ExplorationConfig {
	return config.ExplorationConfig{
		RetryCeiling:       3,
		MaxBranches:        2,
		MaxAttempts:        30,
		Parallelism:        1,
		StopOnFirstSuccess: true,
	}
}

func newTestController(t *testing.T, lab *scriptedLab, lc labConfig) (*Controller, *history.Store, string) {
	t.Helper()
	ws := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, "notes.md"), []byte("experiment workspace\n"), 0644); err != nil {
		t.Fatal(err)
	}
	store, err := history.Open(ws, history.Options{})
	if err != nil {
		t.Fatalf("history.Open() error: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if lc.plan == nil {
		lc.plan = twoStepPlan()
	}
	if lc.exploration == (config.ExplorationConfig{}) {
		lc.exploration = defaultExploration()
	}
	c, err := New(Config{
		Workspace:   ws,
		Plan:        lc.plan,
		Store:       store,
		Steps:       lab,
		Gate:        lab,
		Provisioner: lc.provisioner,
		Exploration: lc.exploration,
		EventChan:   lc.events,
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return c, store, ws
}

func headHistory(t *testing.T, store *history.Store, branch string) []*history.Node {
	t.Helper()
	head, err := store.Head(branch)
	if err != nil {
		t.Fatalf("Head(%s) error: %v", branch, err)
	}
	if head == nil {
		t.Fatalf("branch %s has no commits", branch)
	}
	nodes, err := store.History(head.ID)
	if err != nil {
		t.Fatalf("History() error: %v", err)
	}
	return nodes
}

func eventTypes(ch chan Event) []string {
	var out []string
	for {
		select {
		case ev := <-ch:
			out = append(out, ev.Type)
		default:
			return out
		}
	}
}

func containsEvent(events []string, want string) bool {
	for _, e := range events {
		if e == want {
			return true
		}
	}
	return false
}

func TestRun_LinearAcceptance(t *testing.T) {
	lab := newLab(3).on("root", accept(), accept())
	events := make(chan Event, 128)
	c, store, ws := newTestController(t, lab, labConfig{events: events})

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	snap := c.Snapshot()
	if snap.Status != types.StatusSucceeded {
		t.Fatalf("Status = %s, want SUCCEEDED", snap.Status)
	}
	if snap.Winner != history.RootBranch {
		t.Errorf("Winner = %q, want root", snap.Winner)
	}
	if snap.AttemptsUsed != 2 {
		t.Errorf("AttemptsUsed = %d, want 2", snap.AttemptsUsed)
	}
	root := snap.Branches[history.RootBranch]
	if root.State != types.BranchCompleted || root.StepCursor != 2 {
		t.Errorf("root cursor = %s at %d, want COMPLETED at 2", root.State, root.StepCursor)
	}

	nodes := headHistory(t, store, history.RootBranch)
	if len(nodes) != 3 {
		t.Fatalf("history length = %d, want root + 2 accepts", len(nodes))
	}
	if !nodes[0].Root() {
		t.Errorf("first node is not the root commit: %+v", nodes[0].Message)
	}
	for _, n := range nodes[1:] {
		if !strings.HasPrefix(n.Message.ResultSummary, "ACCEPT:") {
			t.Errorf("node %s summary = %q, want ACCEPT prefix", n.ShortID(), n.Message.ResultSummary)
		}
	}
	if nodes[1].Message.StepIndex != 0 || nodes[2].Message.StepIndex != 1 {
		t.Errorf("step indexes = %d, %d, want 0, 1", nodes[1].Message.StepIndex, nodes[2].Message.StepIndex)
	}

	got := eventTypes(events)
	for _, want := range []string{EventExperimentStarted, EventStepAccepted, EventBranchCompleted, EventExperimentSucceeded} {
		if !containsEvent(got, want) {
			t.Errorf("events %v missing %q", got, want)
		}
	}

	// The checkpoint and the external status file both reflect the end.
	if _, err := os.Stat(filepath.Join(ws, ".explab", "experiments", c.ID()+".json")); err != nil {
		t.Errorf("checkpoint missing: %v", err)
	}
	status, err := ReadStatus(ws)
	if err != nil {
		t.Fatalf("ReadStatus() error: %v", err)
	}
	if status.Status != types.StatusSucceeded || status.Winner != history.RootBranch {
		t.Errorf("status.json = %s winner %q", status.Status, status.Winner)
	}
}

func TestRun_SingleStepPlan(t *testing.T) {
	plan := &types.Plan{
		Title: "one measurement",
		Steps: []types.Step{{Description: "count the rows"}},
	}
	lab := newLab(3).on("root", accept())
	c, store, _ := newTestController(t, lab, labConfig{plan: plan})

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if got := c.Status(); got != types.StatusSucceeded {
		t.Fatalf("Status = %s, want SUCCEEDED", got)
	}
	// Exactly one commit beyond the root snapshot.
	nodes := headHistory(t, store, history.RootBranch)
	if len(nodes) != 2 {
		t.Fatalf("history length = %d, want root + 1 accept", len(nodes))
	}
	if nodes[1].ParentID != nodes[0].ID {
		t.Errorf("accept node parent = %s, want the root node", nodes[1].ParentID)
	}
}

func TestRun_RetryKeepsBranchAndFeedsPriors(t *testing.T) {
	lab := newLab(3).on("root",
		retry("ValueError: bad column"),
		accept(),
		accept(),
	)
	c, store, _ := newTestController(t, lab, labConfig{})

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if got := c.Status(); got != types.StatusSucceeded {
		t.Fatalf("Status = %s, want SUCCEEDED", got)
	}

	reqs := lab.requestsFor("root")
	if len(reqs) != 3 {
		t.Fatalf("root saw %d requests, want 3", len(reqs))
	}
	// Second attempt at step one carries the first attempt's failure.
	if len(reqs[1].Priors) != 1 || !strings.Contains(reqs[1].PriorStderr, "ValueError") {
		t.Errorf("retry request priors = %+v stderr %q", reqs[1].Priors, reqs[1].PriorStderr)
	}
	// Acceptance resets the attempt history for the next step.
	if len(reqs[2].Priors) != 0 || reqs[2].PriorStderr != "" {
		t.Errorf("post-accept request still carries priors: %+v", reqs[2].Priors)
	}

	nodes := headHistory(t, store, history.RootBranch)
	if len(nodes) != 4 {
		t.Fatalf("history length = %d, want root + retry + 2 accepts", len(nodes))
	}
	if !strings.HasPrefix(nodes[1].Message.ResultSummary, "RETRY:") {
		t.Errorf("retry evidence summary = %q", nodes[1].Message.ResultSummary)
	}
	// The retry evidence node and the accept node sit on the same branch,
	// parent-linked: evidence is in-line, not on a side branch.
	if nodes[2].ParentID != nodes[1].ID {
		t.Errorf("accept node parent = %s, want the retry node %s", nodes[2].ParentID, nodes[1].ID)
	}
}

func TestRun_DivergenceOpensAlternative(t *testing.T) {
	lab := newLab(2).
		on("root", retry("Killed"), diverge("Killed")).
		on("0-div1", accept(), accept())
	events := make(chan Event, 128)
	exp := defaultExploration()
	exp.RetryCeiling = 2
	c, store, _ := newTestController(t, lab, labConfig{exploration: exp, events: events})

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	snap := c.Snapshot()
	if snap.Status != types.StatusSucceeded || snap.Winner != "0-div1" {
		t.Fatalf("Status = %s winner %q, want SUCCEEDED on 0-div1", snap.Status, snap.Winner)
	}

	// The divergent branch is based on the root node: no step had been
	// accepted when the divergence happened.
	br, err := store.GetBranch("0-div1")
	if err != nil {
		t.Fatalf("GetBranch(0-div1) error: %v", err)
	}
	if br.Base != snap.RootNodeID {
		t.Errorf("0-div1 base = %s, want the root node %s", br.Base, snap.RootNodeID)
	}

	// The alternative got a scheme hint naming the failure; the root
	// branch never had one.
	divReqs := lab.requestsFor("0-div1")
	if len(divReqs) == 0 {
		t.Fatal("divergent branch never ran")
	}
	hint := divReqs[0].SchemeHint
	if !strings.Contains(hint, "different approach") || !strings.Contains(hint, "Killed") {
		t.Errorf("scheme hint = %q, want the failure evidence and a change directive", hint)
	}
	if rootReqs := lab.requestsFor("root"); rootReqs[0].SchemeHint != "" {
		t.Errorf("root ran with a scheme hint: %q", rootReqs[0].SchemeHint)
	}

	// The divergence source is not terminal: it stays available as a
	// divergence point, parked in DIVERGING.
	if st := snap.Branches[history.RootBranch].State; st != types.BranchDiverging {
		t.Errorf("root state = %s, want DIVERGING", st)
	}

	// Evidence of the failed attempts stays on the root branch.
	rootNodes := headHistory(t, store, history.RootBranch)
	if len(rootNodes) != 3 {
		t.Fatalf("root history length = %d, want root + retry + diverge evidence", len(rootNodes))
	}
	if !strings.HasPrefix(rootNodes[2].Message.ResultSummary, "DIVERGE:") {
		t.Errorf("branch-point summary = %q", rootNodes[2].Message.ResultSummary)
	}

	// The winner's history shares the root prefix, not the failures.
	divNodes := headHistory(t, store, "0-div1")
	if len(divNodes) != 3 {
		t.Fatalf("0-div1 history length = %d, want root + 2 accepts", len(divNodes))
	}
	if divNodes[1].ParentID != snap.RootNodeID {
		t.Errorf("0-div1 first accept hangs off %s, want the root node", divNodes[1].ParentID)
	}

	if got := eventTypes(events); !containsEvent(got, EventBranchDiverged) {
		t.Errorf("events %v missing %q", got, EventBranchDiverged)
	}
}

func TestRun_ExhaustiveModePrefersOldestWinner(t *testing.T) {
	// Step two diverges; both the alternative and the source eventually
	// complete. Without stop-on-first-success the experiment drains the
	// frontier and the oldest completed branch wins the tie.
	lab := newLab(2).
		on("root", accept(), diverge("IndexError"), accept()).
		on("1-div1", accept())
	exp := defaultExploration()
	exp.RetryCeiling = 2
	exp.StopOnFirstSuccess = false
	c, store, _ := newTestController(t, lab, labConfig{exploration: exp})

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	snap := c.Snapshot()
	if snap.Status != types.StatusSucceeded {
		t.Fatalf("Status = %s, want SUCCEEDED", snap.Status)
	}
	if snap.Winner != history.RootBranch {
		t.Errorf("Winner = %q, want root (lowest creation sequence)", snap.Winner)
	}
	for _, name := range []string{history.RootBranch, "1-div1"} {
		if st := snap.Branches[name].State; st != types.BranchCompleted {
			t.Errorf("%s state = %s, want COMPLETED", name, st)
		}
	}

	// The divergent branch was explored first (depth-first), and its
	// history hangs off the accepted step-one node.
	br, err := store.GetBranch("1-div1")
	if err != nil {
		t.Fatalf("GetBranch(1-div1) error: %v", err)
	}
	rootNodes := headHistory(t, store, history.RootBranch)
	if br.Base != rootNodes[1].ID {
		t.Errorf("1-div1 base = %s, want the step-one accept %s", br.Base, rootNodes[1].ID)
	}
}

func TestRun_EnvironmentFaultAbandonsBranch(t *testing.T) {
	lab := newLab(3).on("root", outcome{
		verdict: types.VerdictAbort,
		reason:  "execution environment crashed; no regenerated program can fix this",
		exit:    -1,
		crashed: true,
		stderr:  "docker daemon unreachable",
	})
	events := make(chan Event, 128)
	c, store, _ := newTestController(t, lab, labConfig{events: events})

	err := c.Run(context.Background())
	if err == nil {
		t.Fatal("Run() returned nil for an aborted exploration")
	}

	snap := c.Snapshot()
	if snap.Status != types.StatusFailed {
		t.Fatalf("Status = %s, want FAILED", snap.Status)
	}
	if snap.Branches[history.RootBranch].State != types.BranchAbandoned {
		t.Errorf("root state = %s, want ABANDONED", snap.Branches[history.RootBranch].State)
	}

	// The terminal failure node is committed and the branch is pruned.
	nodes := headHistory(t, store, history.RootBranch)
	last := nodes[len(nodes)-1]
	if !strings.HasPrefix(last.Message.ResultSummary, "ABORT:") {
		t.Errorf("terminal summary = %q, want ABORT prefix", last.Message.ResultSummary)
	}
	pruned, err := store.Node(last.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !pruned.Pruned {
		t.Error("abandoned branch node not marked pruned")
	}

	got := eventTypes(events)
	if !containsEvent(got, EventBranchAborted) || !containsEvent(got, EventExperimentFailed) {
		t.Errorf("events = %v, want branch_aborted and experiment_failed", got)
	}
}

func TestRun_HostFaultLeavesDurableEvidence(t *testing.T) {
	lab := newLab(3).on("root", outcome{
		hostErr: &types.EnvironmentFault{Op: "execute attempt", Err: errors.New("containerd socket vanished")},
	})
	c, store, _ := newTestController(t, lab, labConfig{})

	err := c.Run(context.Background())
	if err == nil {
		t.Fatal("Run() returned nil after a host fault")
	}
	var fault *types.EnvironmentFault
	if !errors.As(err, &fault) {
		t.Errorf("err = %v, want *types.EnvironmentFault", err)
	}

	// Even with no sandbox record, a synthesized evidence node explains
	// the death of the branch.
	nodes := headHistory(t, store, history.RootBranch)
	last := nodes[len(nodes)-1]
	if !strings.HasPrefix(last.Message.ResultSummary, "ABORT:") {
		t.Errorf("evidence summary = %q, want ABORT prefix", last.Message.ResultSummary)
	}
	var rec types.AttemptRecord
	if err := json.Unmarshal([]byte(last.AttemptJSON), &rec); err != nil {
		t.Fatalf("evidence record unreadable: %v", err)
	}
	if rec.ErrorKind != types.KindEnvironmentFault || !strings.Contains(rec.Stderr, "containerd socket") {
		t.Errorf("evidence record = %+v", rec)
	}
}

func TestRun_BranchBudgetExhaustion(t *testing.T) {
	// Every approach dies: the root spends its ceiling, the alternative
	// spends its ceiling, and no third branch is admitted.
	lab := newLab(2).
		on("root", retry("timeout"), diverge("timeout")).
		on("0-div1", retry("timeout"), diverge("timeout"))
	exp := defaultExploration()
	exp.RetryCeiling = 2
	exp.MaxBranches = 2
	c, store, _ := newTestController(t, lab, labConfig{exploration: exp})

	err := c.Run(context.Background())
	var budget *types.BudgetExhaustedError
	if !errors.As(err, &budget) {
		t.Fatalf("Run() error = %v, want *types.BudgetExhaustedError", err)
	}
	if budget.Resource != "branches" || budget.Limit != 2 {
		t.Errorf("budget error = %+v, want branches limit 2", budget)
	}

	snap := c.Snapshot()
	if snap.Status != types.StatusFailed {
		t.Fatalf("Status = %s, want FAILED", snap.Status)
	}
	if !strings.HasPrefix(snap.FailureReason, "BudgetExhausted") {
		t.Errorf("FailureReason = %q, want BudgetExhausted prefix", snap.FailureReason)
	}
	for name, cur := range snap.Branches {
		if cur.State != types.BranchAbandoned {
			t.Errorf("branch %s state = %s, want ABANDONED", name, cur.State)
		}
	}

	// The divergence source re-surfaced after its alternative died and
	// left a terminal exhausted-evidence node before being abandoned.
	rootNodes := headHistory(t, store, history.RootBranch)
	last := rootNodes[len(rootNodes)-1]
	if !strings.HasPrefix(last.Message.ResultSummary, "DIVERGE:") {
		t.Errorf("final root evidence = %q, want DIVERGE prefix", last.Message.ResultSummary)
	}
}

func TestRun_AttemptBudgetForcesFailure(t *testing.T) {
	lab := newLab(10).on("root", retry("boom"), retry("boom"), retry("boom"))
	exp := defaultExploration()
	exp.RetryCeiling = 10
	exp.MaxAttempts = 3
	c, _, _ := newTestController(t, lab, labConfig{exploration: exp})

	err := c.Run(context.Background())
	var budget *types.BudgetExhaustedError
	if !errors.As(err, &budget) {
		t.Fatalf("Run() error = %v, want *types.BudgetExhaustedError", err)
	}
	if budget.Resource != "attempts" || budget.Limit != 3 {
		t.Errorf("budget error = %+v, want attempts limit 3", budget)
	}
	if got := c.Status(); got != types.StatusFailed {
		t.Errorf("Status = %s, want FAILED", got)
	}
}

func TestRun_StopPausesAndResumeContinues(t *testing.T) {
	lab := newLab(3).on("root", accept(), outcome{block: true})
	events := make(chan Event, 128)
	c, store, ws := newTestController(t, lab, labConfig{events: events})

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	// Wait for the first acceptance, then stop mid-second-step.
	deadline := time.After(10 * time.Second)
	for accepted := false; !accepted; {
		select {
		case ev := <-events:
			if ev.Type == EventStepAccepted {
				accepted = true
			}
		case <-deadline:
			t.Fatal("first step never accepted")
		}
	}
	c.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() after Stop() error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run() did not return after Stop()")
	}

	snap := c.Snapshot()
	if snap.Status != types.StatusPaused {
		t.Fatalf("Status = %s, want PAUSED", snap.Status)
	}
	root := snap.Branches[history.RootBranch]
	if root.StepCursor != 1 {
		t.Fatalf("paused cursor = %d, want 1 (step one accepted)", root.StepCursor)
	}
	if len(snap.Frontier) != 1 || snap.Frontier[0] != history.RootBranch {
		t.Fatalf("paused frontier = %v, want [root]", snap.Frontier)
	}
	// Nothing was committed for the interrupted attempt.
	if nodes := headHistory(t, store, history.RootBranch); len(nodes) != 2 {
		t.Fatalf("history length = %d, want root + 1 accept", len(nodes))
	}
	experimentID := c.ID()
	store.Close()

	// Resume in a fresh controller, as a new process would.
	store2, err := history.Open(ws, history.Options{})
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer store2.Close()

	lab2 := newLab(3).on("root", accept())
	c2, err := Load(Config{
		Workspace:   ws,
		Store:       store2,
		Steps:       lab2,
		Gate:        lab2,
		Exploration: defaultExploration(),
	}, experimentID)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if err := c2.Run(context.Background()); err != nil {
		t.Fatalf("resumed Run() error: %v", err)
	}
	if got := c2.Status(); got != types.StatusSucceeded {
		t.Fatalf("resumed Status = %s, want SUCCEEDED", got)
	}

	// The resumed run dispatched the second step, not the first.
	reqs := lab2.requestsFor("root")
	if len(reqs) != 1 {
		t.Fatalf("resumed run made %d requests, want 1", len(reqs))
	}
	if reqs[0].Step.Index != 1 || len(reqs[0].Priors) != 0 {
		t.Errorf("resumed request = step %d with %d priors, want step 1 fresh", reqs[0].Step.Index, len(reqs[0].Priors))
	}
	if nodes := headHistory(t, store2, history.RootBranch); len(nodes) != 3 {
		t.Errorf("final history length = %d, want root + 2 accepts", len(nodes))
	}
}

func TestRun_CancelledContextPauses(t *testing.T) {
	lab := newLab(3).on("root", outcome{block: true})
	c, _, _ := newTestController(t, lab, labConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	// Give the run a moment to dispatch, then cancel the parent context.
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	if got := c.Status(); got != types.StatusPaused {
		t.Errorf("Status = %s, want PAUSED", got)
	}
}

func TestRun_ProvisioningEvidenceCommitted(t *testing.T) {
	plan := twoStepPlan()
	plan.Requirements = []string{"pandas==2.2.1", "numpy"}
	lab := newLab(3).on("root", accept(), accept())
	prov := &scriptedProvisioner{}
	c, store, _ := newTestController(t, lab, labConfig{plan: plan, provisioner: prov})

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	snap := c.Snapshot()
	if !snap.Provisioned {
		t.Error("state not marked provisioned")
	}
	nodes := headHistory(t, store, history.RootBranch)
	if len(nodes) != 4 {
		t.Fatalf("history length = %d, want root + provision + 2 accepts", len(nodes))
	}
	provNode := nodes[1]
	if provNode.Message.StepIndex != bench.ProvisionStepIndex {
		t.Errorf("provision node step index = %d, want %d", provNode.Message.StepIndex, bench.ProvisionStepIndex)
	}
	if !strings.Contains(provNode.Message.ResultSummary, "provisioned") {
		t.Errorf("provision summary = %q", provNode.Message.ResultSummary)
	}
	if prov.calls != 1 {
		t.Errorf("provisioner ran %d times, want 1", prov.calls)
	}

	// A second run of the same experiment must not provision again.
	// (Terminal experiments refuse to run; assert via the flag instead.)
	if !snap.Provisioned {
		t.Error("provisioning would repeat on resume")
	}
}

func TestRun_ProvisioningFailureFailsExperiment(t *testing.T) {
	plan := twoStepPlan()
	plan.Requirements = []string{"impossible==0.0"}
	lab := newLab(3).on("root", accept(), accept())
	prov := &scriptedProvisioner{fail: true}
	c, store, _ := newTestController(t, lab, labConfig{plan: plan, provisioner: prov})

	err := c.Run(context.Background())
	var fault *types.EnvironmentFault
	if !errors.As(err, &fault) {
		t.Fatalf("Run() error = %v, want *types.EnvironmentFault", err)
	}

	snap := c.Snapshot()
	if snap.Status != types.StatusFailed {
		t.Fatalf("Status = %s, want FAILED", snap.Status)
	}
	if !strings.Contains(snap.FailureReason, "provisioning") {
		t.Errorf("FailureReason = %q, want a provisioning explanation", snap.FailureReason)
	}
	if len(lab.requestsFor("root")) != 0 {
		t.Error("steps ran in an unprovisioned environment")
	}

	// The failed install is still committed as evidence.
	nodes := headHistory(t, store, history.RootBranch)
	last := nodes[len(nodes)-1]
	if !strings.Contains(last.Message.ResultSummary, "provisioning failed") {
		t.Errorf("evidence summary = %q", last.Message.ResultSummary)
	}
}

func TestRun_BranchWorkspacesAreIsolated(t *testing.T) {
	lab := newLab(1).
		on("root", outcome{
			verdict: types.VerdictDiverge,
			reason:  "retry ceiling exhausted: exited with code 1",
			exit:    1,
			stderr:  "MemoryError",
			write:   map[string]string{"approach.txt": "load everything at once\n"},
		}).
		on("0-div1", outcome{
			verdict: types.VerdictAccept,
			reason:  "clean run, judgment passed",
			write:   map[string]string{"approach.txt": "stream in chunks\n"},
		}, accept())
	exp := defaultExploration()
	exp.RetryCeiling = 1
	c, store, ws := newTestController(t, lab, labConfig{exploration: exp})

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if got := c.Status(); got != types.StatusSucceeded {
		t.Fatalf("Status = %s, want SUCCEEDED", got)
	}

	// Each branch ran in its own checkout directory; the failed scheme
	// never leaked into the alternative's workspace.
	rootFile, err := os.ReadFile(filepath.Join(ws, ".explab", "branches", "root", "approach.txt"))
	if err != nil {
		t.Fatalf("root workspace: %v", err)
	}
	divFile, err := os.ReadFile(filepath.Join(ws, ".explab", "branches", "0-div1", "approach.txt"))
	if err != nil {
		t.Fatalf("0-div1 workspace: %v", err)
	}
	if string(rootFile) == string(divFile) {
		t.Errorf("branch workspaces converged: both hold %q", rootFile)
	}

	// The store kept both versions: checking out each head reproduces
	// that branch's content exactly.
	for branch, want := range map[string]string{
		"root":   "load everything at once\n",
		"0-div1": "stream in chunks\n",
	} {
		head, err := store.Head(branch)
		if err != nil || head == nil {
			t.Fatalf("Head(%s): %v", branch, err)
		}
		dest := filepath.Join(t.TempDir(), branch)
		if err := store.Checkout(head.ID, dest); err != nil {
			t.Fatalf("Checkout(%s): %v", branch, err)
		}
		got, err := os.ReadFile(filepath.Join(dest, "approach.txt"))
		if err != nil {
			t.Fatalf("checked-out %s: %v", branch, err)
		}
		if string(got) != want {
			t.Errorf("%s checkout approach.txt = %q, want %q", branch, got, want)
		}
	}
}

func TestRun_ParallelWorkersKeepBranchesApart(t *testing.T) {
	// Two workers drain the frontier together after a divergence: the
	// exhausted source is abandoned while the alternative finishes the
	// plan, each in its own checkout.
	lab := newLab(2).
		on("root", retry("OOM"), diverge("OOM")).
		on("0-div1",
			outcome{verdict: types.VerdictAccept, reason: "clean run, judgment passed",
				write: map[string]string{"result.txt": "chunked pass\n"}},
			accept(),
		)
	exp := defaultExploration()
	exp.RetryCeiling = 2
	exp.Parallelism = 2
	exp.StopOnFirstSuccess = false
	c, _, ws := newTestController(t, lab, labConfig{exploration: exp})

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	snap := c.Snapshot()
	if snap.Status != types.StatusSucceeded || snap.Winner != "0-div1" {
		t.Fatalf("Status = %s winner %q, want SUCCEEDED on 0-div1", snap.Status, snap.Winner)
	}
	// The source spent its ceiling and no third slot was open, so it was
	// retired; only the alternative reached the end of the plan.
	if st := snap.Branches[history.RootBranch].State; st != types.BranchAbandoned {
		t.Errorf("root state = %s, want ABANDONED", st)
	}
	if st := snap.Branches["0-div1"].State; st != types.BranchCompleted {
		t.Errorf("0-div1 state = %s, want COMPLETED", st)
	}

	// Each branch kept its own materialized directory.
	for _, name := range []string{history.RootBranch, "0-div1"} {
		dir := filepath.Join(ws, ".explab", "branches", name)
		if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
			t.Errorf("branch %s has no checkout dir: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(ws, ".explab", "branches", "root", "result.txt")); !os.IsNotExist(err) {
		t.Error("the alternative's output leaked into the root checkout")
	}
}

func TestRun_RefusesConcurrentStart(t *testing.T) {
	lab := newLab(3).on("root", outcome{block: true})
	c, _, _ := newTestController(t, lab, labConfig{})

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	deadline := time.Now().Add(5 * time.Second)
	for !c.Running() {
		if time.Now().After(deadline) {
			t.Fatal("Run never started")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := c.Run(context.Background()); err == nil {
		t.Error("second Run() did not refuse while the first is active")
	}

	c.Stop()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Run() did not return after Stop()")
	}
}

func TestRetry_RewindsToEarlierNode(t *testing.T) {
	plan := &types.Plan{
		Title: "three stages",
		Steps: []types.Step{
			{Description: "stage one"},
			{Description: "stage two"},
			{Description: "stage three"},
		},
	}
	lab := newLab(3).on("root", accept(), accept(), accept())
	c, store, ws := newTestController(t, lab, labConfig{plan: plan})
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	nodes := headHistory(t, store, history.RootBranch)
	if len(nodes) != 4 {
		t.Fatalf("history length = %d, want root + 3 accepts", len(nodes))
	}
	stageOneAccept := nodes[1]
	experimentID := c.ID()
	store.Close()

	store2, err := history.Open(ws, history.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer store2.Close()
	lab2 := newLab(3).on("root", accept(), accept())
	c2, err := Load(Config{
		Workspace:   ws,
		Store:       store2,
		Steps:       lab2,
		Gate:        lab2,
		Exploration: defaultExploration(),
	}, experimentID)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if err := c2.Retry(stageOneAccept.ID); err != nil {
		t.Fatalf("Retry() error: %v", err)
	}
	snap := c2.Snapshot()
	root := snap.Branches[history.RootBranch]
	if root.StepCursor != 1 || root.LastNodeID != stageOneAccept.ID {
		t.Fatalf("rewound cursor = %d at node %s, want 1 at %s", root.StepCursor, root.LastNodeID, stageOneAccept.ID)
	}

	if err := c2.Run(context.Background()); err != nil {
		t.Fatalf("rerun error: %v", err)
	}
	reqs := lab2.requestsFor("root")
	if len(reqs) != 2 || reqs[0].Step.Index != 1 {
		t.Fatalf("rerun dispatched %d requests starting at step %d, want 2 starting at 1", len(reqs), reqs[0].Step.Index)
	}
	// The replayed steps parent on the rewind point: the head lineage is
	// root, the stage-one accept, then the two replayed accepts. The
	// original stage-two and stage-three nodes stay in the store off the
	// new line.
	head, err := store2.Head(history.RootBranch)
	if err != nil || head == nil {
		t.Fatal(err)
	}
	path, err := store2.History(head.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(path) != 4 {
		t.Fatalf("replayed lineage length = %d, want 4", len(path))
	}
	if path[1].ID != stageOneAccept.ID {
		t.Errorf("replayed lineage diverges from the rewind point: %s", path[1].ID)
	}
	all, err := store2.Nodes()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 6 {
		t.Errorf("store holds %d nodes, want 6 (nothing deleted by the rewind)", len(all))
	}
}

func TestLoad_DetectsStoreDisagreement(t *testing.T) {
	lab := newLab(3).on("root", accept(), accept())
	c, store, ws := newTestController(t, lab, labConfig{})
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	experimentID := c.ID()

	// Doctor the checkpoint to reference a node the store never had.
	path := filepath.Join(ws, ".explab", "experiments", experimentID+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var st ExperimentState
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatal(err)
	}
	st.Branches[history.RootBranch].LastNodeID = strings.Repeat("f", 64)
	doctored, err := json.Marshal(&st)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, doctored, 0644); err != nil {
		t.Fatal(err)
	}

	_, err = Load(Config{
		Workspace:   ws,
		Store:       store,
		Steps:       lab,
		Gate:        lab,
		Exploration: defaultExploration(),
	}, experimentID)
	var corrupt *types.StoreCorruptionError
	if !errors.As(err, &corrupt) {
		t.Fatalf("Load() error = %v, want *types.StoreCorruptionError", err)
	}
}

func TestControlMailbox_PendingStopHonored(t *testing.T) {
	lab := newLab(3).on("root", outcome{block: true})
	c, _, ws := newTestController(t, lab, labConfig{})

	// A stop request dropped before the engine starts is honored at
	// startup, before any attempt can block for long.
	if err := WriteStopRequest(ws); err != nil {
		t.Fatalf("WriteStopRequest() error: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run() ignored the pending stop request")
	}
	if got := c.Status(); got != types.StatusPaused {
		t.Errorf("Status = %s, want PAUSED", got)
	}
	// The request file was consumed.
	if _, err := os.Stat(filepath.Join(ws, ".explab", "control", "stop")); !os.IsNotExist(err) {
		t.Errorf("stop file still present: %v", err)
	}
}

func TestControlMailbox_StopWhileRunning(t *testing.T) {
	lab := newLab(3).on("root", outcome{block: true})
	c, _, ws := newTestController(t, lab, labConfig{})

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	deadline := time.Now().Add(5 * time.Second)
	for !c.Running() {
		if time.Now().After(deadline) {
			t.Fatal("Run never started")
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(200 * time.Millisecond) // let the mailbox watcher attach
	if err := WriteStopRequest(ws); err != nil {
		t.Fatalf("WriteStopRequest() error: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("stop request through the mailbox never took effect")
	}
	if got := c.Status(); got != types.StatusPaused {
		t.Errorf("Status = %s, want PAUSED", got)
	}
}

func TestNew_RejectsInvalidPlans(t *testing.T) {
	ws := t.TempDir()
	store, err := history.Open(ws, history.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	lab := newLab(3)

	base := Config{Workspace: ws, Store: store, Steps: lab, Gate: lab, Exploration: defaultExploration()}

	if _, err := New(base); err == nil {
		t.Error("New() accepted a nil plan")
	}
	cfg := base
	cfg.Plan = &types.Plan{Title: "empty"}
	if _, err := New(cfg); err == nil {
		t.Error("New() accepted a plan with no steps")
	}
}

func TestBuildSequence_OrdersPrepStepsAnalysis(t *testing.T) {
	plan := &types.Plan{
		Title:           "full pipeline",
		DataPreparation: &types.Step{Description: "download and clean"},
		Steps: []types.Step{
			{Description: "fit the model"},
		},
		Analysis: &types.Step{Description: "summarize metrics"},
	}
	plan.Normalize()
	seq := buildSequence(plan)
	if len(seq) != 3 {
		t.Fatalf("sequence length = %d, want 3", len(seq))
	}
	if seq[0].Kind != types.KindDataPrep || seq[0].Index != -1 {
		t.Errorf("first = %s index %d, want data preparation at -1", seq[0].Kind, seq[0].Index)
	}
	if seq[1].Kind != types.KindPlanStep || seq[1].Index != 0 {
		t.Errorf("second = %s index %d, want plan step 0", seq[1].Kind, seq[1].Index)
	}
	if seq[2].Kind != types.KindAnalysis || seq[2].Index != 1 {
		t.Errorf("third = %s index %d, want analysis after the steps", seq[2].Kind, seq[2].Index)
	}
	if seq[0].ScriptName() != "setup_data.py" || seq[2].ScriptName() != "final_analysis.py" {
		t.Errorf("script names = %s, %s", seq[0].ScriptName(), seq[2].ScriptName())
	}
}
