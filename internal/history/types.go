// Package history is the workspace version store: an append-only tree of
// content-addressed workspace snapshots. Files live in a blob store under
// .explab/history/objects/, the node index lives in SQLite. Nodes are never
// mutated or deleted; abandoned branches are marked pruned and kept.
package history

import (
	"fmt"
	"time"
)

// Message is the structured commit message. It is the sole persisted link
// between a node and its experiment semantics; no other channel carries
// that association.
type Message struct {
	StepIndex     int    `json:"step_index"`
	PlanSummary   string `json:"plan_summary"`
	SchemeSummary string `json:"scheme_summary"`
	ResultSummary string `json:"result_summary"`
}

// Node is one immutable commit in the history tree.
type Node struct {
	// ID is the node's content hash: sha256 over parent id, tree hash,
	// canonical message JSON, branch name, and creation nanoseconds.
	// Unique even when two nodes share a tree hash.
	ID string `json:"id"`

	// ParentID is empty only for the root node.
	ParentID string `json:"parent_id,omitempty"`

	// TreeHash identifies the workspace content. Two nodes with equal
	// tree hashes have byte-identical snapshots.
	TreeHash string `json:"tree_hash"`

	// Branch is the exploration branch this node was committed on.
	Branch string `json:"branch"`

	Message Message `json:"message"`

	// AttemptJSON holds the serialized attempt record for inspection.
	// Never read for control decisions.
	AttemptJSON string `json:"attempt_json,omitempty"`

	// Pruned marks nodes of abandoned branches. They stay in the tree.
	Pruned bool `json:"pruned"`

	// Seq is the store-wide monotonic commit sequence.
	Seq int64 `json:"seq"`

	CreatedAt time.Time `json:"created_at"`
}

// Root reports whether this is the experiment's initial commit.
func (n *Node) Root() bool {
	return n.ParentID == ""
}

// ShortID returns the first 12 hex characters of the node id for display.
func (n *Node) ShortID() string {
	if len(n.ID) <= 12 {
		return n.ID
	}
	return n.ID[:12]
}

// Branch is one named line of exploration in the tree.
type Branch struct {
	// Name is unique across the experiment, e.g. "root" or "2-div1".
	Name string `json:"name"`

	// Base is the node the branch was created from (empty for root).
	Base string `json:"base,omitempty"`

	// Head is the branch's latest node.
	Head string `json:"head,omitempty"`

	// CreatedSeq orders branches deterministically; root is 0. Used as
	// the first-success tie-break under parallel exploration.
	CreatedSeq int64 `json:"created_seq"`

	CreatedAt time.Time `json:"created_at"`
}

// ConflictError reports a branch name collision.
type ConflictError struct {
	Name string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("branch %q already exists", e.Name)
}

// NotFoundError reports a missing node or branch.
type NotFoundError struct {
	Kind string // "node" or "branch"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}
