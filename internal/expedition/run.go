package expedition

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"explab/internal/bench"
	"explab/internal/gate"
	"explab/internal/history"
	"explab/internal/logging"
	"explab/internal/types"

	"golang.org/x/sync/errgroup"
)

// frontierPollInterval bounds how long an idle worker waits before
// re-checking the frontier when no wake signal arrives.
const frontierPollInterval = 200 * time.Millisecond

// Run drives the experiment until it reaches a terminal status or the
// context is cancelled. It is safe to call Run again on a paused
// controller; the frontier picks up exactly where it left off because
// every verdict was committed before it was acted on.
//
// Return value mirrors the final status: nil for SUCCEEDED and for a
// user-requested pause, the budget or abort cause for FAILED/ABORTED,
// and the context error when the caller's context was cancelled.
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.isRunning {
		c.mu.Unlock()
		return errors.New("experiment is already running")
	}
	if c.state.Status.Terminal() {
		status := c.state.Status
		c.mu.Unlock()
		return fmt.Errorf("experiment %s already finished with status %s", shortID(c.state.ID), status)
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel
	c.isRunning = true
	c.stopRequested = false
	c.mu.Unlock()

	timer := logging.StartTimer(logging.CategoryExpedition, "Run")
	defer func() {
		cancel()
		c.mu.Lock()
		c.isRunning = false
		c.cancelFunc = nil
		c.mu.Unlock()
		timer.StopWithInfo()
	}()

	watcher, err := c.startControlWatcher(runCtx)
	if err != nil {
		logging.ExpeditionWarn("control mailbox unavailable: %v", err)
	} else {
		defer watcher.Stop()
	}

	exploreErr := c.explore(runCtx)

	c.mu.Lock()
	if !c.state.Status.Terminal() {
		c.state.Status = types.StatusPaused
		c.emit(EventExperimentPaused, "", 0, "", "stopped before completion; resumable from the last committed node")
		logging.Expedition("experiment %s paused with %d branch(es) on the frontier", shortID(c.state.ID), len(c.state.Frontier))
		c.persistLocked()
	}
	status := c.state.Status
	stopped := c.stopRequested
	budget := c.budgetHit
	lastErr := c.lastError
	reason := c.state.FailureReason
	c.mu.Unlock()

	switch status {
	case types.StatusSucceeded:
		return nil
	case types.StatusPaused:
		if stopped {
			return nil
		}
		return ctx.Err()
	case types.StatusFailed:
		if budget != nil {
			return budget
		}
		if lastErr != nil {
			return lastErr
		}
		return errors.New(reason)
	default: // StatusAborted
		if exploreErr != nil {
			return exploreErr
		}
		if lastErr != nil {
			return lastErr
		}
		return errors.New(reason)
	}
}

// explore runs the three phases of an experiment: root capture,
// environment provisioning, and the frontier worker pool.
func (c *Controller) explore(ctx context.Context) error {
	if err := c.initialize(); err != nil {
		return c.fatal(err)
	}
	if err := c.provisionPhase(ctx); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return nil
	}

	eg, egCtx := errgroup.WithContext(ctx)
	workers := c.cfg.Parallelism
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		eg.Go(func() error {
			return c.worker(egCtx)
		})
	}
	return eg.Wait()
}

// initialize commits the pristine workspace as the root node on the first
// run and moves the experiment to RUNNING. On resume the root already
// exists and only the status transition happens.
func (c *Controller) initialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.RootNodeID == "" {
		msg := history.Message{
			StepIndex:     rootStepIndex,
			PlanSummary:   summarize(c.state.Title, 120),
			ResultSummary: fmt.Sprintf("experiment initialized with %d step(s)", len(c.sequence)),
		}
		node, err := c.store.Commit(c.workspace, history.RootBranch, msg, nil)
		if err != nil {
			return fmt.Errorf("committing root snapshot: %w", err)
		}
		c.state.RootNodeID = node.ID
		c.state.Branches[history.RootBranch] = &BranchCursor{
			Name:           history.RootBranch,
			State:          types.BranchPending,
			LastNodeID:     node.ID,
			LastAcceptedID: node.ID,
			NeedsCheckout:  true,
		}
		c.state.Frontier = []string{history.RootBranch}
		logging.Expedition("root node %s captured for experiment %s", node.ShortID(), shortID(c.state.ID))
	}

	c.state.Status = types.StatusRunning
	c.emit(EventExperimentStarted, "", 0, c.state.RootNodeID,
		fmt.Sprintf("%s: %d step(s), retry ceiling %d, max %d branch(es)",
			c.state.Title, len(c.sequence), c.cfg.RetryCeiling, c.cfg.MaxBranches))
	c.persistLocked()
	c.emitProgressLocked()
	return nil
}

// provisionPhase installs the plan's requirements into the root branch
// workspace before any step runs. The provisioning outcome is committed
// either way so a failed install leaves durable evidence. A host fault
// here fails the experiment: no step can run in a broken environment.
func (c *Controller) provisionPhase(ctx context.Context) error {
	c.mu.RLock()
	needed := c.provisioner != nil && !c.state.Provisioned && len(c.state.Plan.Requirements) > 0
	reqs := append([]string(nil), c.state.Plan.Requirements...)
	root := c.state.Branches[history.RootBranch]
	experimentID := c.state.ID
	c.mu.RUnlock()
	if !needed {
		return nil
	}

	timer := logging.StartTimer(logging.CategoryExpedition, "provisionPhase")
	defer timer.Stop()

	dir := c.branchDir(history.RootBranch)
	if err := c.ensureWorkspace(root, dir); err != nil {
		return c.fatal(err)
	}

	record, provErr := c.provisioner.Provision(ctx, dir, experimentID, reqs)
	if ctx.Err() != nil && record == nil {
		c.mu.Lock()
		root.NeedsCheckout = true
		c.persistLocked()
		c.mu.Unlock()
		return nil
	}

	if record != nil {
		result := fmt.Sprintf("provisioned %d requirement(s)", len(reqs))
		if provErr != nil {
			result = "provisioning failed: " + summarize(provErr.Error(), 200)
		}
		msg := history.Message{
			StepIndex:     bench.ProvisionStepIndex,
			PlanSummary:   "install " + summarize(strings.Join(reqs, ", "), 120),
			ResultSummary: result,
		}
		node, err := c.store.Commit(dir, history.RootBranch, msg, record)
		if err != nil {
			return c.fatal(fmt.Errorf("committing provisioning evidence: %w", err))
		}
		c.mu.Lock()
		c.state.AttemptsUsed++
		root.LastNodeID = node.ID
		if provErr == nil {
			// Divergent branches base on the last accepted node; pointing
			// it at the provisioning commit means every branch inherits
			// the installed environment.
			root.LastAcceptedID = node.ID
			c.state.Provisioned = true
			c.state.ProvisionNodeID = node.ID
			c.emit(EventProvisioned, history.RootBranch, bench.ProvisionStepIndex, node.ID, result)
			logging.Expedition("environment provisioned at node %s", node.ShortID())
		}
		c.persistLocked()
		c.mu.Unlock()
	}

	if provErr != nil {
		if ctx.Err() != nil {
			// Stopped mid-install; the next run provisions again from a
			// clean checkout.
			c.mu.Lock()
			root.NeedsCheckout = true
			c.persistLocked()
			c.mu.Unlock()
			return nil
		}
		logging.ExpeditionError("provisioning failed: %v", provErr)
		c.mu.Lock()
		root.NeedsCheckout = true
		c.lastError = provErr
		c.failLocked("environment provisioning failed: " + provErr.Error())
		c.mu.Unlock()
		return provErr
	}
	return nil
}

// worker repeatedly claims the top frontier branch and runs one attempt
// on it. A nil error return means the worker drained out or was
// cancelled; a non-nil return is a store-fatal condition that cancels
// the whole group.
func (c *Controller) worker(ctx context.Context) error {
	for {
		cur := c.nextBranch(ctx)
		if cur == nil {
			return nil
		}
		err := c.runPass(ctx, cur)
		c.passDone()
		if err != nil {
			return err
		}
	}
}

// nextBranch blocks until a frontier entry is available and returns it
// owned by the caller, or nil when the worker should exit: terminal
// status, cancelled context, or a drained frontier with nothing in
// flight. The attempt budget is enforced here so no dispatch can start
// once the budget is spent.
func (c *Controller) nextBranch(ctx context.Context) *BranchCursor {
	for {
		if ctx.Err() != nil {
			return nil
		}

		c.mu.Lock()
		if c.state.Status.Terminal() {
			c.mu.Unlock()
			return nil
		}
		if len(c.state.Frontier) > 0 {
			if c.state.AttemptsUsed >= c.cfg.MaxAttempts {
				c.noteBudgetLocked("attempts", c.cfg.MaxAttempts)
				// A branch that already completed still wins; the budget
				// only stops further exploration.
				c.electWinnerLocked()
				if c.state.Status == types.StatusSucceeded {
					c.persistLocked()
				} else {
					c.failLocked(budgetReason(c.budgetHit))
				}
				c.mu.Unlock()
				return nil
			}
			cur := c.popFrontierLocked()
			if cur == nil {
				c.mu.Unlock()
				continue
			}
			cur.State = types.BranchRunning
			c.inFlight++
			c.emitProgressLocked()
			c.mu.Unlock()
			return cur
		}
		idle := c.inFlight == 0
		if idle {
			c.concludeLocked()
		}
		c.mu.Unlock()
		if idle {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-c.wake:
		case <-time.After(frontierPollInterval):
		}
	}
}

// passDone releases the claim taken by nextBranch and wakes one idle
// worker so frontier growth from this pass is noticed promptly.
func (c *Controller) passDone() {
	c.mu.Lock()
	c.inFlight--
	c.mu.Unlock()
	c.signalWake()
}

func (c *Controller) signalWake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// runPass executes exactly one attempt on the branch: materialize its
// workspace, run the step, classify the outcome, durably commit the
// evidence, then apply the verdict to the cursor and frontier. The lock
// covers only metadata mutation; generation, sandbox execution, and
// checkouts all run lock-free so parallel branches never serialize on
// each other's sandbox calls.
func (c *Controller) runPass(ctx context.Context, cur *BranchCursor) error {
	dir := c.branchDir(cur.Name)
	if err := c.ensureWorkspace(cur, dir); err != nil {
		return c.fatal(fmt.Errorf("materializing branch %s: %w", cur.Name, err))
	}

	c.mu.RLock()
	if cur.StepCursor >= len(c.sequence) {
		// Already past the last step; nothing left to run on this branch.
		c.mu.RUnlock()
		c.mu.Lock()
		if cur.State != types.BranchCompleted {
			cur.State = types.BranchCompleted
			c.emit(EventBranchCompleted, cur.Name, 0, cur.LastNodeID, "all steps already accepted")
			c.recordCompletionLocked(cur)
			c.persistLocked()
		}
		c.mu.Unlock()
		return nil
	}
	step := c.sequence[cur.StepCursor]
	req := bench.StepRequest{
		Step:         step,
		Branch:       cur.Name,
		Workspace:    dir,
		ExperimentID: c.state.ID,
		SchemeHint:   cur.SchemeHint,
		Requirements: append([]string(nil), c.state.Plan.Requirements...),
		Priors:       append([]types.PriorAttempt(nil), cur.Priors...),
		PriorStderr:  cur.PriorStderr,
	}
	c.mu.RUnlock()

	logging.ExpeditionDebug("branch %s: dispatching %s (attempt %d)", cur.Name, step.Label(), len(req.Priors)+1)

	record, runErr := c.steps.RunStep(ctx, req)
	if runErr != nil {
		if ctx.Err() != nil {
			c.parkBranch(cur)
			return nil
		}
		if types.KindOf(runErr) == types.KindStoreCorruption {
			return c.fatal(runErr)
		}
		// Host-side fault with no usable record. Synthesize the terminal
		// evidence so the failure is durably explained in history.
		logging.ExpeditionError("branch %s: %s host fault: %v", cur.Name, step.Label(), runErr)
		record = &types.AttemptRecord{
			StepIndex:     step.Index,
			AttemptNumber: len(req.Priors) + 1,
			ExitCode:      -1,
			Stderr:        runErr.Error(),
			Timestamp:     time.Now(),
			ErrorKind:     types.KindEnvironmentFault,
			Crashed:       true,
		}
		c.mu.Lock()
		if c.lastError == nil {
			c.lastError = runErr
		}
		c.mu.Unlock()
	}

	c.mu.Lock()
	c.state.AttemptsUsed++
	c.mu.Unlock()

	ev := c.gate.Evaluate(ctx, step, record, dir)
	record.Verdict = ev.Verdict

	node, err := c.commitAttempt(cur, dir, step, record, ev)
	if err != nil {
		return c.fatal(fmt.Errorf("committing attempt on %s: %w", cur.Name, err))
	}
	logging.Expedition("branch %s: %s attempt %d -> %s (%s)",
		cur.Name, step.Label(), record.AttemptNumber, ev.Verdict, node.ShortID())

	c.mu.Lock()
	defer c.mu.Unlock()
	applyErr := c.applyVerdictLocked(cur, step, record, ev, node)
	c.persistLocked()
	c.emitProgressLocked()
	if applyErr != nil {
		return c.fatalLocked(applyErr)
	}
	return nil
}

// ensureWorkspace materializes the branch checkout directory from the
// branch's last committed node when the cursor demands it. Fresh
// branches and resumed cursors always demand it; between consecutive
// passes on the same branch the directory is reused as-is.
func (c *Controller) ensureWorkspace(cur *BranchCursor, dir string) error {
	c.mu.RLock()
	needs := cur.NeedsCheckout
	nodeID := cur.LastNodeID
	if nodeID == "" {
		nodeID = c.state.RootNodeID
	}
	c.mu.RUnlock()
	if !needs {
		return nil
	}

	timer := logging.StartTimer(logging.CategoryExpedition, "checkout "+cur.Name)
	if err := c.store.Checkout(nodeID, dir); err != nil {
		return err
	}
	timer.Stop()

	c.mu.Lock()
	cur.NeedsCheckout = false
	c.mu.Unlock()
	return nil
}

// parkBranch returns a branch to the frontier untouched after a
// cancelled pass. The workspace may hold partial writes, so the next
// dispatch re-materializes it from the last committed node.
func (c *Controller) parkBranch(cur *BranchCursor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur.State = types.BranchPending
	cur.NeedsCheckout = true
	c.pushFrontierLocked(cur.Name)
	c.persistLocked()
	logging.ExpeditionDebug("branch %s parked at step cursor %d", cur.Name, cur.StepCursor)
}

// commitAttempt records the attempt and its verdict as a node on the
// branch. The ResultSummary leads with the verdict so history stays
// machine-parseable.
func (c *Controller) commitAttempt(cur *BranchCursor, dir string, step types.Step, record *types.AttemptRecord, ev gate.Evaluation) (*history.Node, error) {
	msg := history.Message{
		StepIndex:     step.Index,
		PlanSummary:   summarize(step.Description, 120),
		SchemeSummary: summarize(cur.SchemeHint, 120),
		ResultSummary: verdictSummary(ev.Verdict, ev.Reason),
	}
	return c.store.Commit(dir, cur.Name, msg, record)
}

// verdictSummary formats "<VERDICT>: <reason>" exactly; resume and
// retry reconstruct cursors by parsing this prefix back out of history.
func verdictSummary(v types.Verdict, reason string) string {
	return fmt.Sprintf("%s: %s", v, summarize(reason, 200))
}

// hasVerdict reports whether a node's result summary carries the given
// verdict prefix.
func hasVerdict(n *history.Node, v types.Verdict) bool {
	return strings.HasPrefix(n.Message.ResultSummary, string(v)+":")
}

// applyVerdictLocked mutates the cursor and frontier for a committed
// verdict. The node is already durable at this point, so every state
// transition here is recoverable from history alone.
func (c *Controller) applyVerdictLocked(cur *BranchCursor, step types.Step, record *types.AttemptRecord, ev gate.Evaluation, node *history.Node) error {
	switch ev.Verdict {
	case types.VerdictAccept:
		c.applyAcceptLocked(cur, step, node, ev.Reason)
	case types.VerdictRetry:
		c.applyRetryLocked(cur, step, record, node)
	case types.VerdictDiverge:
		return c.applyDivergeLocked(cur, step, record, ev, node)
	case types.VerdictAbort:
		c.applyAbortLocked(cur, step, record, ev, node)
	default:
		return fmt.Errorf("unknown verdict %q on branch %s", ev.Verdict, cur.Name)
	}
	return nil
}

func (c *Controller) applyAcceptLocked(cur *BranchCursor, step types.Step, node *history.Node, reason string) {
	cur.LastNodeID = node.ID
	cur.LastAcceptedID = node.ID
	cur.Priors = nil
	cur.PriorStderr = ""
	cur.StepCursor++
	c.emit(EventStepAccepted, cur.Name, step.Index, node.ID, summarize(reason, 160))

	if cur.StepCursor >= len(c.sequence) {
		cur.State = types.BranchCompleted
		c.emit(EventBranchCompleted, cur.Name, step.Index, node.ID,
			fmt.Sprintf("all %d step(s) accepted", len(c.sequence)))
		logging.Expedition("branch %s completed at node %s", cur.Name, node.ShortID())
		c.recordCompletionLocked(cur)
		return
	}
	cur.State = types.BranchAdvancing
	c.pushFrontierLocked(cur.Name)
}

func (c *Controller) applyRetryLocked(cur *BranchCursor, step types.Step, record *types.AttemptRecord, node *history.Node) {
	cur.LastNodeID = node.ID
	cur.Priors = append(cur.Priors, priorOf(record))
	cur.PriorStderr = tailOf(record.Stderr, 2000)
	cur.State = types.BranchRetrying
	c.pushFrontierLocked(cur.Name)
	c.emit(EventStepRetried, cur.Name, step.Index, node.ID,
		fmt.Sprintf("attempt %d failed; %d attempt(s) remain", record.AttemptNumber, c.cfg.RetryCeiling-record.AttemptNumber))
}

// applyDivergeLocked opens an alternative branch from the last accepted
// node. The originating branch stays on the frontier as DIVERGING: each
// time it resurfaces it spawns one more alternative while the branch
// budget admits, and is abandoned once it cannot.
func (c *Controller) applyDivergeLocked(cur *BranchCursor, step types.Step, record *types.AttemptRecord, ev gate.Evaluation, node *history.Node) error {
	cur.LastNodeID = node.ID
	cur.Priors = append(cur.Priors, priorOf(record))
	cur.PriorStderr = tailOf(record.Stderr, 2000)

	if len(c.state.Branches) >= c.cfg.MaxBranches {
		c.noteBudgetLocked("branches", c.cfg.MaxBranches)
		c.emit(EventBranchAbandoned, cur.Name, step.Index, node.ID,
			fmt.Sprintf("wants to diverge but all %d branch slot(s) are taken", c.cfg.MaxBranches))
		c.abandonLocked(cur)
		return nil
	}

	base := cur.LastAcceptedID
	if base == "" {
		base = c.state.RootNodeID
	}
	name, br, err := c.openBranchLocked(base, step.Index)
	if err != nil {
		return fmt.Errorf("opening divergent branch from %s: %w", cur.Name, err)
	}

	fresh := &BranchCursor{
		Name:           name,
		State:          types.BranchPending,
		StepCursor:     cur.StepCursor,
		SchemeHint:     divergenceHint(step, record, ev.Reason),
		LastNodeID:     base,
		LastAcceptedID: base,
		CreatedSeq:     br.CreatedSeq,
		NeedsCheckout:  true,
	}
	c.state.Branches[name] = fresh

	cur.State = types.BranchDiverging
	c.pushFrontierLocked(cur.Name)
	c.pushFrontierLocked(name) // depth-first: explore the alternative before its source
	c.emit(EventBranchDiverged, cur.Name, step.Index, node.ID,
		fmt.Sprintf("opened %s from node %s", name, shortID(base)))
	logging.Expedition("branch %s diverged: %s will retry %s with a fresh scheme", cur.Name, name, step.Label())
	return nil
}

func (c *Controller) applyAbortLocked(cur *BranchCursor, step types.Step, record *types.AttemptRecord, ev gate.Evaluation, node *history.Node) {
	cur.LastNodeID = node.ID
	if c.lastError == nil {
		c.lastError = &types.EnvironmentFault{Op: step.Label(), Err: errors.New(summarize(ev.Reason, 200))}
	}
	c.emit(EventBranchAborted, cur.Name, step.Index, node.ID, summarize(ev.Reason, 160))
	logging.ExpeditionError("branch %s aborted at %s: %s", cur.Name, step.Label(), ev.Reason)
	c.abandonLocked(cur)
}

// abandonLocked retires a branch from exploration and prunes its nodes
// in the store. The branch never re-enters the frontier.
func (c *Controller) abandonLocked(cur *BranchCursor) {
	cur.State = types.BranchAbandoned
	if err := c.store.MarkPruned(cur.Name); err != nil {
		logging.ExpeditionWarn("pruning branch %s: %v", cur.Name, err)
	}
}

// openBranchLocked creates a divergent branch named for the step it
// forked on. A name collision means a previous run crashed between
// branch creation and checkpoint, so the sequence advances until a free
// name is found.
func (c *Controller) openBranchLocked(base string, stepIndex int) (string, *history.Branch, error) {
	seq := c.state.DivergenceSeq + 1
	for {
		name := fmt.Sprintf("%d-div%d", stepIndex, seq)
		br, err := c.store.CreateBranch(base, name)
		if err == nil {
			c.state.DivergenceSeq = seq
			return name, br, nil
		}
		var conflict *history.ConflictError
		if errors.As(err, &conflict) {
			seq++
			continue
		}
		return "", nil, err
	}
}

// recordCompletionLocked applies the stop-on-first-success policy. When
// several branches complete in the same window the winner is the one
// with the lowest creation sequence, which keeps the outcome
// deterministic under parallelism.
func (c *Controller) recordCompletionLocked(cur *BranchCursor) {
	if !c.state.StopOnFirstSuccess {
		return // settled when the frontier drains
	}
	c.electWinnerLocked()
	if c.state.Status == types.StatusSucceeded && c.cancelFunc != nil {
		c.cancelFunc() // release workers still blocked in sandbox calls
	}
}

func (c *Controller) electWinnerLocked() {
	var winner *BranchCursor
	for _, b := range c.state.Branches {
		if b.State != types.BranchCompleted {
			continue
		}
		if winner == nil || b.CreatedSeq < winner.CreatedSeq {
			winner = b
		}
	}
	if winner == nil {
		return
	}
	c.state.Winner = winner.Name
	if c.state.Status != types.StatusSucceeded {
		c.state.Status = types.StatusSucceeded
		c.emit(EventExperimentSucceeded, winner.Name, 0, winner.LastNodeID,
			fmt.Sprintf("branch %s reached the end of the plan", winner.Name))
		logging.Expedition("experiment %s succeeded on branch %s", shortID(c.state.ID), winner.Name)
	}
}

// concludeLocked settles the experiment once the frontier is empty and
// nothing is in flight: SUCCEEDED if any branch completed, otherwise
// FAILED with the most specific cause on record.
func (c *Controller) concludeLocked() {
	if c.state.Status.Terminal() {
		return
	}
	c.electWinnerLocked()
	if c.state.Status == types.StatusSucceeded {
		c.persistLocked()
		return
	}

	switch {
	case c.budgetHit != nil:
		c.failLocked(budgetReason(c.budgetHit))
	case c.lastError != nil:
		c.failLocked(c.lastError.Error())
	default:
		c.failLocked("every branch was abandoned")
	}
}

// failLocked moves the experiment to FAILED and persists. Terminal
// status is sticky; later failures cannot overwrite an earlier outcome.
func (c *Controller) failLocked(reason string) {
	if c.state.Status.Terminal() {
		return
	}
	c.state.Status = types.StatusFailed
	c.state.FailureReason = reason
	c.emit(EventExperimentFailed, "", 0, "", reason)
	logging.ExpeditionError("experiment %s failed: %s", shortID(c.state.ID), reason)
	c.persistLocked()
}

// noteBudgetLocked records the first budget refusal; the stored error
// becomes Run's return value when the experiment fails for it.
func (c *Controller) noteBudgetLocked(resource string, limit int) {
	if c.budgetHit == nil {
		c.budgetHit = &types.BudgetExhaustedError{Resource: resource, Limit: limit}
		logging.ExpeditionWarn("budget exhausted: %s limit %d", resource, limit)
	}
}

func budgetReason(b *types.BudgetExhaustedError) string {
	return "BudgetExhausted: " + b.Error()
}

// fatal records a store-fatal condition: the experiment is ABORTED and
// the error propagates through the worker group to Run's caller.
func (c *Controller) fatal(err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatalLocked(err)
}

func (c *Controller) fatalLocked(err error) error {
	c.lastError = err
	if !c.state.Status.Terminal() {
		c.state.Status = types.StatusAborted
		c.state.FailureReason = err.Error()
		c.emit(EventExperimentAborted, "", 0, "", err.Error())
		logging.ExpeditionError("experiment %s aborted: %v", shortID(c.state.ID), err)
		c.persistLocked()
	}
	return err
}

// popFrontierLocked removes and returns the top frontier cursor,
// skipping entries whose branch has since reached a terminal state.
func (c *Controller) popFrontierLocked() *BranchCursor {
	for len(c.state.Frontier) > 0 {
		top := c.state.Frontier[len(c.state.Frontier)-1]
		c.state.Frontier = c.state.Frontier[:len(c.state.Frontier)-1]
		cur, ok := c.state.Branches[top]
		if !ok || cur.State.Terminal() {
			continue
		}
		return cur
	}
	return nil
}

func (c *Controller) pushFrontierLocked(name string) {
	c.state.Frontier = append(c.state.Frontier, name)
}

func priorOf(record *types.AttemptRecord) types.PriorAttempt {
	return types.PriorAttempt{
		AttemptNumber: record.AttemptNumber,
		CodeHash:      record.CodeHash,
		ExitCode:      record.ExitCode,
		StderrTail:    tailOf(record.Stderr, 500),
	}
}

// divergenceHint composes the directive a divergent branch seeds its
// generation with: what was tried, why it died, and an instruction to
// abandon the failed scheme rather than refine it.
func divergenceHint(step types.Step, record *types.AttemptRecord, reason string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "A previous approach to this step was rejected after %d attempt(s): %s.",
		record.AttemptNumber, summarize(reason, 200))
	if tail := tailOf(strings.TrimSpace(record.Stderr), 400); tail != "" {
		b.WriteString("\nFinal error output from the failed approach:\n")
		b.WriteString(tail)
	}
	b.WriteString("\nTake a fundamentally different approach to: ")
	b.WriteString(step.Description)
	b.WriteString("\nDo not refine or repair the failed scheme; replace it.")
	return b.String()
}
