// Package expedition is the exploration controller: the DFS-style driver
// that walks an experiment plan, dispatches step attempts, applies the
// evaluation gate's verdicts, and manages the frontier of open branches.
//
// The controller owns the frontier exclusively. Branches are pushed and
// popped LIFO, so with parallelism 1 exploration is pure depth-first; with
// more workers, frontier entries run concurrently but each branch is owned
// by at most one worker at a time and operates on its own materialized
// workspace under .explab/branches/<name>/. Controller locks cover only
// metadata mutation and are never held across a sandbox execution.
//
// Every verdict durably commits to the version store before the controller
// acts on it, and the full controller state is checkpointed to
// .explab/experiments/<id>.json after every commit so a stopped experiment
// resumes from its last committed node.
package expedition

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"explab/internal/bench"
	"explab/internal/config"
	"explab/internal/gate"
	"explab/internal/history"
	"explab/internal/logging"
	"explab/internal/types"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// StepRunner executes one attempt at a step inside a branch workspace.
type StepRunner interface {
	RunStep(ctx context.Context, req bench.StepRequest) (*types.AttemptRecord, error)
}

// EnvProvisioner installs the plan's package requirements into a workspace
// before any step runs.
type EnvProvisioner interface {
	Provision(ctx context.Context, workspace, experimentID string, requirements []string) (*types.AttemptRecord, error)
}

// Evaluator classifies one attempt into a verdict.
type Evaluator interface {
	Evaluate(ctx context.Context, step types.Step, attempt *types.AttemptRecord, workspace string) gate.Evaluation
}

var (
	_ StepRunner     = (*bench.Executor)(nil)
	_ EnvProvisioner = (*bench.Provisioner)(nil)
	_ Evaluator      = (*gate.Gate)(nil)
)

// Config wires a controller. Every knob travels here explicitly; the
// controller reads no ambient globals.
type Config struct {
	// Workspace is the experiment root directory. The state directory
	// (.explab) and the per-branch checkouts live underneath it.
	Workspace string

	Title string
	Plan  *types.Plan

	Store *history.Store
	Steps StepRunner
	Gate  Evaluator

	// Provisioner may be nil; plans with requirements then run against
	// the bare interpreter.
	Provisioner EnvProvisioner

	Exploration config.ExplorationConfig

	// ProgressChan and EventChan receive non-blocking notifications; a
	// slow consumer drops updates, never stalls the controller.
	ProgressChan chan Progress
	EventChan    chan Event
}

// Controller drives one experiment. Create with New, or Load to resume
// from a checkpoint.
type Controller struct {
	mu sync.RWMutex

	store       *history.Store
	steps       StepRunner
	provisioner EnvProvisioner
	gate        Evaluator

	workspace string
	stateDir  string
	cfg       config.ExplorationConfig

	state    *ExperimentState
	sequence []types.Step

	progressChan chan Progress
	eventChan    chan Event

	isRunning     bool
	stopRequested bool
	cancelFunc    context.CancelFunc
	inFlight      int
	wake          chan struct{}

	// budgetHit records the first budget refusal so a failed experiment
	// reports BudgetExhausted instead of a generic reason.
	budgetHit *types.BudgetExhaustedError
	lastError error
}

// rootStepIndex tags the experiment's initial commit. It sorts before
// provisioning (-2) and data preparation (-1).
const rootStepIndex = -3

// New creates a controller for a fresh experiment. The plan is normalized
// and validated here; it is immutable once the experiment starts.
func New(cfg Config) (*Controller, error) {
	if cfg.Plan == nil {
		return nil, errors.New("no plan")
	}
	cfg.Plan.Normalize()
	if err := cfg.Plan.Validate(); err != nil {
		return nil, err
	}
	c, err := build(cfg)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	title := cfg.Title
	if title == "" {
		title = cfg.Plan.Title
	}
	c.state = &ExperimentState{
		ID:                 uuid.NewString(),
		Title:              title,
		Status:             types.StatusPlanning,
		Plan:               *cfg.Plan,
		Branches:           make(map[string]*BranchCursor),
		StopOnFirstSuccess: c.cfg.StopOnFirstSuccess,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	c.sequence = buildSequence(&c.state.Plan)

	logging.Expedition("experiment %s created: %q, %d steps, budgets %d branches / %d attempts",
		shortID(c.state.ID), title, len(c.sequence), c.cfg.MaxBranches, c.cfg.MaxAttempts)
	return c, nil
}

// build assembles the component wiring shared by New and Load.
func build(cfg Config) (*Controller, error) {
	if cfg.Workspace == "" {
		return nil, errors.New("no workspace")
	}
	if cfg.Store == nil {
		return nil, errors.New("no history store")
	}
	if cfg.Steps == nil {
		return nil, errors.New("no step runner")
	}
	if cfg.Gate == nil {
		return nil, errors.New("no evaluation gate")
	}
	return &Controller{
		store:        cfg.Store,
		steps:        cfg.Steps,
		provisioner:  cfg.Provisioner,
		gate:         cfg.Gate,
		workspace:    cfg.Workspace,
		stateDir:     filepath.Join(cfg.Workspace, history.StateDirName),
		cfg:          explorationDefaults(cfg.Exploration),
		progressChan: cfg.ProgressChan,
		eventChan:    cfg.EventChan,
		wake:         make(chan struct{}, 1),
	}, nil
}

// explorationDefaults fills zero-valued knobs so an empty struct cannot
// silently configure a zero-budget experiment.
func explorationDefaults(exp config.ExplorationConfig) config.ExplorationConfig {
	def := config.DefaultExplorationConfig()
	if exp.RetryCeiling <= 0 {
		exp.RetryCeiling = def.RetryCeiling
	}
	if exp.MaxBranches <= 0 {
		exp.MaxBranches = def.MaxBranches
	}
	if exp.MaxAttempts <= 0 {
		exp.MaxAttempts = def.MaxAttempts
	}
	if exp.Parallelism <= 0 {
		exp.Parallelism = 1
	}
	if exp.ProvisionRetries < 0 {
		exp.ProvisionRetries = def.ProvisionRetries
	}
	return exp
}

// buildSequence flattens the plan into the per-branch execution order:
// data preparation first when present, then the plan steps, then the
// final analysis. A branch's step cursor indexes this sequence.
func buildSequence(plan *types.Plan) []types.Step {
	seq := make([]types.Step, 0, len(plan.Steps)+2)
	if plan.DataPreparation != nil {
		seq = append(seq, *plan.DataPreparation)
	}
	seq = append(seq, plan.Steps...)
	if plan.Analysis != nil {
		seq = append(seq, *plan.Analysis)
	}
	return seq
}

// LoadPlan reads and validates a plan file.
func LoadPlan(path string) (*types.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	var plan types.Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("parse plan %s: %w", path, err)
	}
	plan.Normalize()
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return &plan, nil
}

// ID returns the experiment id.
func (c *Controller) ID() string {
	return c.state.ID
}

// Status returns the current experiment status.
func (c *Controller) Status() types.ExperimentStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Status
}

func (c *Controller) branchDir(name string) string {
	return filepath.Join(c.stateDir, "branches", name)
}

// summarize caps a description for commit messages and logs.
func summarize(s string, max int) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > max {
		s = s[:max-3] + "..."
	}
	return s
}

// tailOf keeps the last max bytes of s.
func tailOf(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return "..." + s[len(s)-max+3:]
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
