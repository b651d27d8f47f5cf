package expedition

import (
	"sort"
	"time"

	"explab/internal/types"
)

// BranchCursor is one branch's position in the exploration: which sequence
// step it is on, the attempt history already spent there, and the nodes it
// hangs off. Serialized into the experiment checkpoint.
type BranchCursor struct {
	Name  string            `json:"name"`
	State types.BranchState `json:"state"`

	// StepCursor indexes the flattened execution sequence, not the
	// step's declared index.
	StepCursor int `json:"step_cursor"`

	// SchemeHint is the alternative-approach directive a divergent
	// branch feeds to generation. Empty on the root branch.
	SchemeHint string `json:"scheme_hint,omitempty"`

	// LastNodeID is the branch head, evidence commits included.
	// LastAcceptedID is the newest accepted node: the state a divergent
	// branch starts from.
	LastNodeID     string `json:"last_node_id,omitempty"`
	LastAcceptedID string `json:"last_accepted_id,omitempty"`

	// CreatedSeq orders branches deterministically; the first-success
	// tie-break picks the lowest.
	CreatedSeq int64 `json:"created_seq"`

	// NeedsCheckout forces a store checkout before the next attempt.
	// Set on branch creation and on resume, when the on-disk directory
	// may be missing or dirty.
	NeedsCheckout bool `json:"needs_checkout,omitempty"`

	// Priors is the attempt history spent on the current step; the step
	// executor derives the next attempt number from it.
	Priors      []types.PriorAttempt `json:"priors,omitempty"`
	PriorStderr string               `json:"prior_stderr,omitempty"`
}

// ExperimentState is the full controller state: everything needed to
// resume after a stop. Mutated only by the controller, persisted after
// every commit. Terminal experiments are archived, never deleted.
type ExperimentState struct {
	ID     string                 `json:"id"`
	Title  string                 `json:"title,omitempty"`
	Status types.ExperimentStatus `json:"status"`

	// Plan is frozen at experiment start; resume restores it from the
	// checkpoint, never from a plan file.
	Plan types.Plan `json:"plan"`

	RootNodeID  string `json:"root_node_id,omitempty"`
	Provisioned bool   `json:"provisioned,omitempty"`

	// ProvisionNodeID is the commit holding the installed package tree.
	// Branches cut before any step lands base here, not on the root.
	ProvisionNodeID string `json:"provision_node_id,omitempty"`

	Branches map[string]*BranchCursor `json:"branches"`

	// Frontier holds the open branches LIFO; the last element is the
	// top of the stack.
	Frontier []string `json:"frontier"`

	AttemptsUsed  int `json:"attempts_used"`
	DivergenceSeq int `json:"divergence_seq"`

	StopOnFirstSuccess bool `json:"stop_on_first_success"`

	Winner        string `json:"winner,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Event types emitted on the controller's event channel.
const (
	EventExperimentStarted   = "experiment_started"
	EventProvisioned         = "provisioned"
	EventStepAccepted        = "step_accepted"
	EventStepRetried         = "step_retried"
	EventBranchDiverged      = "branch_diverged"
	EventBranchCompleted     = "branch_completed"
	EventBranchAborted       = "branch_aborted"   // environment fault killed the branch
	EventBranchAbandoned     = "branch_abandoned" // branch budget refused a divergence
	EventExperimentSucceeded = "experiment_succeeded"
	EventExperimentFailed    = "experiment_failed"
	EventExperimentPaused    = "experiment_paused"
	EventExperimentAborted   = "experiment_aborted" // store-fatal condition
)

// Event is one controller state transition, emitted on the event channel
// and dropped when the consumer lags.
type Event struct {
	Type       string    `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	Experiment string    `json:"experiment"`
	Branch     string    `json:"branch,omitempty"`
	StepIndex  int       `json:"step_index,omitempty"`
	NodeID     string    `json:"node_id,omitempty"`
	Message    string    `json:"message"`
}

// Progress is a point-in-time summary for live display.
type Progress struct {
	ExperimentID string                 `json:"experiment_id"`
	Title        string                 `json:"title,omitempty"`
	Status       types.ExperimentStatus `json:"status"`
	StepsTotal   int                    `json:"steps_total"`
	StepsDone    int                    `json:"steps_done"`
	AttemptsUsed int                    `json:"attempts_used"`
	MaxAttempts  int                    `json:"max_attempts"`
	Branches     int                    `json:"branches"`
	MaxBranches  int                    `json:"max_branches"`
	ActiveBranch string                 `json:"active_branch,omitempty"`
	Winner       string                 `json:"winner,omitempty"`
}

// BranchStatus is the external view of one branch.
type BranchStatus struct {
	Name       string            `json:"name"`
	State      types.BranchState `json:"state"`
	StepCursor int               `json:"step_cursor"`
	LastNodeID string            `json:"last_node_id,omitempty"`
	CreatedSeq int64             `json:"created_seq"`
	SchemeHint string            `json:"scheme_hint,omitempty"`
}

// StatusSnapshot mirrors the experiment state for external pollers; it is
// what status.json carries. Engine internals (frontier order, attempt
// history) stay out of it.
type StatusSnapshot struct {
	ID                 string                 `json:"id"`
	Title              string                 `json:"title,omitempty"`
	Status             types.ExperimentStatus `json:"status"`
	StepsTotal         int                    `json:"steps_total"`
	AttemptsUsed       int                    `json:"attempts_used"`
	MaxAttempts        int                    `json:"max_attempts"`
	MaxBranches        int                    `json:"max_branches"`
	StopOnFirstSuccess bool                   `json:"stop_on_first_success"`
	Branches           []BranchStatus         `json:"branches"`
	Winner             string                 `json:"winner,omitempty"`
	FailureReason      string                 `json:"failure_reason,omitempty"`
	UpdatedAt          time.Time              `json:"updated_at"`
}

// Snapshot returns a deep copy of the experiment state for read-only
// inspection.
func (c *Controller) Snapshot() ExperimentState {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := *c.state
	snap.Branches = make(map[string]*BranchCursor, len(c.state.Branches))
	for name, cur := range c.state.Branches {
		cp := *cur
		cp.Priors = append([]types.PriorAttempt(nil), cur.Priors...)
		snap.Branches[name] = &cp
	}
	snap.Frontier = append([]string(nil), c.state.Frontier...)
	return snap
}

// Progress returns the current progress summary.
func (c *Controller) Progress() Progress {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.progressLocked()
}

func (c *Controller) progressLocked() Progress {
	p := Progress{
		ExperimentID: c.state.ID,
		Title:        c.state.Title,
		Status:       c.state.Status,
		StepsTotal:   len(c.sequence),
		AttemptsUsed: c.state.AttemptsUsed,
		MaxAttempts:  c.cfg.MaxAttempts,
		Branches:     len(c.state.Branches),
		MaxBranches:  c.cfg.MaxBranches,
		Winner:       c.state.Winner,
	}
	for _, cur := range c.state.Branches {
		if cur.StepCursor > p.StepsDone {
			p.StepsDone = cur.StepCursor
		}
		if cur.State == types.BranchRunning {
			p.ActiveBranch = cur.Name
		}
	}
	if p.StepsDone > p.StepsTotal {
		p.StepsDone = p.StepsTotal
	}
	return p
}

func (c *Controller) statusLocked() *StatusSnapshot {
	snap := &StatusSnapshot{
		ID:                 c.state.ID,
		Title:              c.state.Title,
		Status:             c.state.Status,
		StepsTotal:         len(c.sequence),
		AttemptsUsed:       c.state.AttemptsUsed,
		MaxAttempts:        c.cfg.MaxAttempts,
		MaxBranches:        c.cfg.MaxBranches,
		StopOnFirstSuccess: c.state.StopOnFirstSuccess,
		Winner:             c.state.Winner,
		FailureReason:      c.state.FailureReason,
		UpdatedAt:          time.Now(),
	}
	for _, cur := range c.state.Branches {
		snap.Branches = append(snap.Branches, BranchStatus{
			Name:       cur.Name,
			State:      cur.State,
			StepCursor: cur.StepCursor,
			LastNodeID: cur.LastNodeID,
			CreatedSeq: cur.CreatedSeq,
			SchemeHint: summarize(cur.SchemeHint, 120),
		})
	}
	sort.Slice(snap.Branches, func(i, j int) bool {
		return snap.Branches[i].CreatedSeq < snap.Branches[j].CreatedSeq
	})
	return snap
}

// emit sends an event without blocking; slow consumers drop.
func (c *Controller) emit(eventType, branch string, stepIndex int, nodeID, message string) {
	if c.eventChan == nil {
		return
	}
	ev := Event{
		Type:       eventType,
		Timestamp:  time.Now(),
		Experiment: c.state.ID,
		Branch:     branch,
		StepIndex:  stepIndex,
		NodeID:     nodeID,
		Message:    message,
	}
	select {
	case c.eventChan <- ev:
	default:
	}
}

// emitProgressLocked pushes a progress update without blocking.
func (c *Controller) emitProgressLocked() {
	if c.progressChan == nil {
		return
	}
	select {
	case c.progressChan <- c.progressLocked():
	default:
	}
}
