package expedition

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"explab/internal/history"
	"explab/internal/logging"
	"explab/internal/types"
)

const (
	experimentsDirName = "experiments"
	statusFileName     = "status.json"
)

// checkpointPath is where the experiment's resumable state lives.
func (c *Controller) checkpointPath() string {
	return filepath.Join(c.stateDir, experimentsDirName, c.state.ID+".json")
}

func (c *Controller) statusPath() string {
	return filepath.Join(c.stateDir, statusFileName)
}

// persistLocked writes the checkpoint and the external status file. The
// store is the source of truth; a persistence failure is logged loudly
// but never interrupts the run, because a resume from a stale checkpoint
// only redoes work that history already holds.
func (c *Controller) persistLocked() {
	c.state.UpdatedAt = time.Now()
	if err := writeJSONAtomic(c.checkpointPath(), c.state); err != nil {
		logging.ExpeditionError("writing checkpoint: %v", err)
	}
	if err := writeJSONAtomic(c.statusPath(), c.statusLocked()); err != nil {
		logging.ExpeditionError("writing status: %v", err)
	}
}

// writeJSONAtomic writes via a temp file and rename so pollers never see
// a torn file.
func writeJSONAtomic(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Load reopens a checkpointed experiment for resumption. The plan comes
// from the checkpoint, never from a plan file, so a resumed experiment
// runs exactly the plan it started with. Every node the checkpoint
// references is re-validated against the store; disagreement means the
// state directory was tampered with or half-deleted and surfaces as a
// StoreCorruptionError.
//
// An empty experimentID loads the most recently updated checkpoint.
func Load(cfg Config, experimentID string) (*Controller, error) {
	c, err := build(cfg)
	if err != nil {
		return nil, err
	}

	if experimentID == "" {
		experimentID, err = LatestExperimentID(cfg.Workspace)
		if err != nil {
			return nil, err
		}
	}

	path := filepath.Join(c.stateDir, experimentsDirName, experimentID+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint for %s: %w", shortID(experimentID), err)
	}
	var st ExperimentState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, &types.StoreCorruptionError{Detail: "unreadable checkpoint " + path, Err: err}
	}
	if st.Branches == nil {
		st.Branches = make(map[string]*BranchCursor)
	}

	c.state = &st
	c.sequence = buildSequence(&st.Plan)

	if err := c.validateAgainstStore(); err != nil {
		return nil, err
	}
	c.resetForResume()

	logging.Expedition("experiment %s loaded: status %s, %d branch(es), %d on frontier",
		shortID(st.ID), st.Status, len(st.Branches), len(st.Frontier))
	return c, nil
}

// validateAgainstStore checks every node and branch the checkpoint
// references. The checkpoint is derived state; when it disagrees with
// the store the experiment must not run.
func (c *Controller) validateAgainstStore() error {
	check := func(nodeID, where string) error {
		if nodeID == "" {
			return nil
		}
		if _, err := c.store.Node(nodeID); err != nil {
			return &types.StoreCorruptionError{
				Detail: fmt.Sprintf("checkpoint %s references node %s (%s) missing from the store",
					shortID(c.state.ID), shortID(nodeID), where),
				Err: err,
			}
		}
		return nil
	}

	if c.state.RootNodeID == "" {
		// Never ran; nothing to cross-check.
		return nil
	}
	if err := check(c.state.RootNodeID, "root"); err != nil {
		return err
	}
	for name, cur := range c.state.Branches {
		if _, err := c.store.GetBranch(name); err != nil {
			return &types.StoreCorruptionError{
				Detail: fmt.Sprintf("checkpoint %s tracks branch %s missing from the store", shortID(c.state.ID), name),
				Err:    err,
			}
		}
		if err := check(cur.LastNodeID, "head of "+name); err != nil {
			return err
		}
		if err := check(cur.LastAcceptedID, "last accepted on "+name); err != nil {
			return err
		}
	}
	return nil
}

// resetForResume puts every open branch back into a dispatchable state.
// Checkout directories may be stale or gone after a stop, so each branch
// re-materializes from its last committed node before its next attempt.
// A checkpoint captured mid-run (crash, kill -9) still says RUNNING;
// that normalizes to PAUSED here.
func (c *Controller) resetForResume() {
	for _, cur := range c.state.Branches {
		if cur.State.Terminal() {
			continue
		}
		cur.State = types.BranchPending
		cur.NeedsCheckout = true
	}
	c.state.Frontier = c.rebuildFrontier()
	if c.state.Status == types.StatusRunning {
		logging.ExpeditionWarn("experiment %s checkpoint was mid-run; treating as paused", shortID(c.state.ID))
		c.state.Status = types.StatusPaused
	}
}

// rebuildFrontier restores the persisted stack order, dropping closed
// branches and duplicates. Open branches absent from the persisted
// frontier were in flight when the checkpoint was cut; they re-enter on
// top, newest creation last, so the deepest exploration still pops
// first.
func (c *Controller) rebuildFrontier() []string {
	open := func(name string) bool {
		cur, ok := c.state.Branches[name]
		return ok && !cur.State.Terminal()
	}

	seen := make(map[string]bool)
	kept := make([]string, 0, len(c.state.Frontier))
	// Walk top-down keeping the first (topmost) occurrence of each name.
	for i := len(c.state.Frontier) - 1; i >= 0; i-- {
		name := c.state.Frontier[i]
		if seen[name] || !open(name) {
			continue
		}
		seen[name] = true
		kept = append(kept, name)
	}
	// kept is top-first; flip it back to stack order.
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}

	var missing []string
	for name := range c.state.Branches {
		if open(name) && !seen[name] {
			missing = append(missing, name)
		}
	}
	sort.Slice(missing, func(i, j int) bool {
		return c.state.Branches[missing[i]].CreatedSeq < c.state.Branches[missing[j]].CreatedSeq
	})
	return append(kept, missing...)
}

// Retry rewinds the experiment to an earlier committed node and reopens
// it for running. With an empty node id it just reopens a stopped or
// failed experiment as-is; budgets are re-read from the controller's
// configuration, so a budget-failed experiment resumes only if the
// caller raised the limits (attempts already spent stay spent).
func (c *Controller) Retry(fromNodeID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isRunning {
		return errors.New("cannot retry while the experiment is running")
	}

	if fromNodeID != "" {
		if err := c.rewindLocked(fromNodeID); err != nil {
			return err
		}
	}

	openCount := 0
	for _, cur := range c.state.Branches {
		if !cur.State.Terminal() {
			cur.State = types.BranchPending
			cur.NeedsCheckout = true
			openCount++
		}
	}
	if openCount == 0 {
		return fmt.Errorf("experiment %s has no open branches to resume", shortID(c.state.ID))
	}

	c.state.Status = types.StatusPaused
	c.state.FailureReason = ""
	c.state.Winner = ""
	c.budgetHit = nil
	c.lastError = nil
	c.state.Frontier = c.rebuildFrontier()
	if fromNodeID != "" {
		c.raiseFrontierLocked(fromNodeID)
	}
	c.persistLocked()
	logging.Expedition("experiment %s reopened with %d branch(es)", shortID(c.state.ID), openCount)
	return nil
}

// rewindLocked repositions the node's branch so exploration continues
// from that point: the store head moves back so the next commit parents
// on the rewind node, the cursor's step position is recomputed by
// counting the accepted commits on the path from the root, and the
// attempt history for the current step is cleared so the retry ceiling
// starts fresh. Nodes past the rewind point stay in the tree.
func (c *Controller) rewindLocked(fromNodeID string) error {
	node, err := c.store.Node(fromNodeID)
	if err != nil {
		return fmt.Errorf("retry target: %w", err)
	}
	cur, ok := c.state.Branches[node.Branch]
	if !ok {
		return fmt.Errorf("retry target node %s is on branch %s, which this experiment does not track",
			node.ShortID(), node.Branch)
	}

	path, err := c.store.History(node.ID)
	if err != nil {
		return fmt.Errorf("retry target history: %w", err)
	}
	if err := c.store.ResetBranch(node.Branch, node.ID); err != nil {
		return fmt.Errorf("rewinding branch %s: %w", node.Branch, err)
	}

	accepted := 0
	lastAccepted := ""
	provisionOnPath := false
	for _, n := range path {
		if n.ID == c.state.ProvisionNodeID {
			provisionOnPath = true
		}
		if hasVerdict(n, types.VerdictAccept) {
			accepted++
			lastAccepted = n.ID
		}
	}
	if lastAccepted == "" {
		// Base on the provisioning commit when no step has landed yet;
		// branches cut from here still carry the installed packages.
		lastAccepted = c.state.RootNodeID
		if provisionOnPath {
			lastAccepted = c.state.ProvisionNodeID
		}
	}
	if c.state.ProvisionNodeID != "" && !provisionOnPath {
		// Rewound past the install; the next run provisions again.
		c.state.Provisioned = false
		c.state.ProvisionNodeID = ""
	}

	cur.LastNodeID = node.ID
	cur.LastAcceptedID = lastAccepted
	cur.StepCursor = accepted
	cur.Priors = nil
	cur.PriorStderr = ""
	cur.State = types.BranchPending
	cur.NeedsCheckout = true

	logging.Expedition("branch %s rewound to node %s (step cursor %d)", cur.Name, node.ShortID(), accepted)
	return nil
}

// raiseFrontierLocked moves the branch owning the given node to the top
// of the stack so the retried path runs first.
func (c *Controller) raiseFrontierLocked(nodeID string) {
	node, err := c.store.Node(nodeID)
	if err != nil {
		return
	}
	name := node.Branch
	out := c.state.Frontier[:0]
	for _, n := range c.state.Frontier {
		if n != name {
			out = append(out, n)
		}
	}
	c.state.Frontier = append(out, name)
}

// LatestExperimentID returns the id of the most recently updated
// checkpoint in the workspace.
func LatestExperimentID(workspace string) (string, error) {
	dir := filepath.Join(workspace, history.StateDirName, experimentsDirName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("no experiments under %s: %w", dir, err)
	}

	var newest string
	var newestAt time.Time
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestAt) {
			newest = entry.Name()
			newestAt = info.ModTime()
		}
	}
	if newest == "" {
		return "", fmt.Errorf("no experiment checkpoints under %s", dir)
	}
	return newest[:len(newest)-len(".json")], nil
}

// ExperimentListing is one row of the stored-experiment inventory.
type ExperimentListing struct {
	ID        string                 `json:"id"`
	Title     string                 `json:"title,omitempty"`
	Status    types.ExperimentStatus `json:"status"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// ListExperiments inventories every checkpoint in the workspace, newest
// first.
func ListExperiments(workspace string) ([]ExperimentListing, error) {
	dir := filepath.Join(workspace, history.StateDirName, experimentsDirName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []ExperimentListing
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		var st ExperimentState
		if err := json.Unmarshal(data, &st); err != nil {
			logging.ExpeditionWarn("skipping unreadable checkpoint %s: %v", entry.Name(), err)
			continue
		}
		out = append(out, ExperimentListing{ID: st.ID, Title: st.Title, Status: st.Status, UpdatedAt: st.UpdatedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// ReadStatus reads the workspace's externally published status file.
func ReadStatus(workspace string) (*StatusSnapshot, error) {
	path := filepath.Join(workspace, history.StateDirName, statusFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap StatusSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &snap, nil
}
