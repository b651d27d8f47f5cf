package types

// ExperimentStatus is the lifecycle state of a whole experiment.
type ExperimentStatus string

const (
	StatusPlanning  ExperimentStatus = "PLANNING"
	StatusRunning   ExperimentStatus = "RUNNING"
	StatusPaused    ExperimentStatus = "PAUSED"
	StatusSucceeded ExperimentStatus = "SUCCEEDED"
	StatusFailed    ExperimentStatus = "FAILED"
	StatusAborted   ExperimentStatus = "ABORTED"
)

// Terminal reports whether the status is final. Terminal experiments are
// archived, never deleted.
func (s ExperimentStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusAborted:
		return true
	}
	return false
}

// BranchState is the per-branch state machine position. A branch moves
// PENDING -> RUNNING and from RUNNING into one of the verdict-driven
// states; COMPLETED and ABANDONED are terminal.
type BranchState string

const (
	BranchPending   BranchState = "PENDING"
	BranchRunning   BranchState = "RUNNING"
	BranchAdvancing BranchState = "ADVANCING"
	BranchRetrying  BranchState = "RETRYING"
	BranchDiverging BranchState = "DIVERGING"
	BranchCompleted BranchState = "COMPLETED"
	BranchAbandoned BranchState = "ABANDONED"
)

// Terminal reports whether the branch can take no further frontier work.
// DIVERGING is not terminal: the branch's retry ceiling is spent, but it
// stays in the frontier as a divergence source. Each further pass spawns
// an alternative branch while the branch budget admits one, then the
// branch is abandoned.
func (b BranchState) Terminal() bool {
	switch b {
	case BranchCompleted, BranchAbandoned:
		return true
	}
	return false
}

// Verdict is the evaluation gate's classification of an attempt.
type Verdict string

const (
	VerdictAccept  Verdict = "ACCEPT"
	VerdictRetry   Verdict = "RETRY"
	VerdictDiverge Verdict = "DIVERGE"
	VerdictAbort   Verdict = "ABORT"
)

// Advances reports whether the verdict moves the branch's step cursor
// forward. Only ACCEPT does; every other verdict commits a non-advancing
// evidence node.
func (v Verdict) Advances() bool {
	return v == VerdictAccept
}
