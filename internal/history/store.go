package history

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"explab/internal/logging"
	"explab/internal/types"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Store is the version store for one experiment workspace. Commits are
// serialized internally; callers may invoke it from concurrent branch
// workers.
type Store struct {
	mu sync.Mutex // single writer

	db         *sql.DB
	driver     string
	dir        string
	objectsDir string
	ignore     *ignoreMatcher
}

// Options tunes snapshot behavior.
type Options struct {
	// Ignore lists glob patterns excluded from snapshots, applied per
	// path segment. The state directory is always excluded.
	Ignore []string
}

// RootBranch is the name of the initial exploration line.
const RootBranch = "root"

const schemaVersion = 1

// Open opens (or creates) the store under workspace/.explab/history and
// verifies index/object agreement. Disagreement is a StoreCorruptionError:
// fatal, never auto-repaired.
func Open(workspace string, opts Options) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryHistory, "Open")
	defer timer.Stop()

	dir := filepath.Join(workspace, StateDirName, "history")
	objectsDir := filepath.Join(dir, "objects")
	if err := os.MkdirAll(objectsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}

	db, driver, err := openDatabase(filepath.Join(dir, "history.db"))
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:         db,
		driver:     driver,
		dir:        dir,
		objectsDir: objectsDir,
		ignore:     newIgnoreMatcher(opts.Ignore),
	}

	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.verify(); err != nil {
		db.Close()
		return nil, err
	}

	logging.History("store open at %s (driver %s)", dir, driver)
	return s, nil
}

// openDatabase probes the cgo driver first and falls back to the pure-Go
// one, so CGO_ENABLED=0 builds keep working with the same database file.
func openDatabase(path string) (*sql.DB, string, error) {
	var lastErr error
	for _, driver := range []string{"sqlite3", "sqlite"} {
		db, err := sql.Open(driver, path)
		if err != nil {
			lastErr = err
			continue
		}
		if err := db.Ping(); err != nil {
			db.Close()
			lastErr = err
			continue
		}

		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
			logging.HistoryDebug("set busy_timeout: %v", err)
		}
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			logging.HistoryDebug("set journal_mode=WAL: %v", err)
		}
		// NORMAL is safe under WAL and much faster than FULL.
		if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
			logging.HistoryDebug("set synchronous=NORMAL: %v", err)
		}
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			logging.HistoryDebug("set foreign_keys=ON: %v", err)
		}
		return db, driver, nil
	}
	return nil, "", fmt.Errorf("open history database: %w", lastErr)
}

// initialize creates the schema. Timestamps are stored as integer
// nanoseconds so both sqlite drivers scan them identically.
func (s *Store) initialize() error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS nodes (
			id TEXT PRIMARY KEY,
			parent_id TEXT NOT NULL DEFAULT '',
			branch TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			tree_hash TEXT NOT NULL,
			message_json TEXT NOT NULL,
			attempt_json TEXT NOT NULL DEFAULT '',
			pruned INTEGER NOT NULL DEFAULT 0,
			seq INTEGER NOT NULL UNIQUE,
			created_at_ns INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_parent ON nodes(parent_id);`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_branch ON nodes(branch);`,
		`CREATE TABLE IF NOT EXISTS branches (
			name TEXT PRIMARY KEY,
			base TEXT NOT NULL DEFAULT '',
			head TEXT NOT NULL DEFAULT '',
			created_seq INTEGER NOT NULL UNIQUE,
			created_at_ns INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS schema_info (
			version INTEGER PRIMARY KEY,
			applied_at_ns INTEGER NOT NULL
		);`,
	}
	for _, table := range tables {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}

	if _, err := s.db.Exec(
		`INSERT OR IGNORE INTO schema_info (version, applied_at_ns) VALUES (?, ?)`,
		schemaVersion, time.Now().UnixNano(),
	); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}

	// The root branch exists from the start so the first commit has a
	// line to land on.
	if _, err := s.db.Exec(
		`INSERT OR IGNORE INTO branches (name, base, head, created_seq, created_at_ns) VALUES (?, '', '', 0, ?)`,
		RootBranch, time.Now().UnixNano(),
	); err != nil {
		return fmt.Errorf("ensure root branch: %w", err)
	}
	return nil
}

// verify cross-checks the node index against the object store.
func (s *Store) verify() error {
	rows, err := s.db.Query(`SELECT id, parent_id, tree_hash FROM nodes`)
	if err != nil {
		return fmt.Errorf("verify query: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]bool)
	type link struct{ id, parent, tree string }
	var links []link
	for rows.Next() {
		var l link
		if err := rows.Scan(&l.id, &l.parent, &l.tree); err != nil {
			return fmt.Errorf("verify scan: %w", err)
		}
		ids[l.id] = true
		links = append(links, l)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("verify rows: %w", err)
	}

	for _, l := range links {
		if l.parent != "" && !ids[l.parent] {
			return &types.StoreCorruptionError{
				Detail: fmt.Sprintf("node %s references missing parent %s", shorten(l.id), shorten(l.parent)),
			}
		}
		if _, err := os.Stat(s.objectPath(l.tree)); err != nil {
			return &types.StoreCorruptionError{
				Detail: fmt.Sprintf("node %s tree object %s absent", shorten(l.id), shorten(l.tree)),
				Err:    err,
			}
		}
	}

	branches, err := s.Branches()
	if err != nil {
		return err
	}
	for _, b := range branches {
		if b.Head != "" && !ids[b.Head] {
			return &types.StoreCorruptionError{
				Detail: fmt.Sprintf("branch %s head %s not in index", b.Name, shorten(b.Head)),
			}
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	logging.History("store closing")
	return s.db.Close()
}

// Driver reports which sqlite driver backs the index.
func (s *Store) Driver() string {
	return s.driver
}

// Commit snapshots the workspace into a new node on the given branch and
// returns it. The node's parent is the branch's current head. A crash
// before the index transaction commits leaves only orphaned blobs; the
// pre-commit state stays intact.
func (s *Store) Commit(workspace, branch string, msg Message, attempt *types.AttemptRecord) (*Node, error) {
	timer := logging.StartTimer(logging.CategoryHistory, "Commit")
	defer timer.StopWithInfo()

	s.mu.Lock()
	defer s.mu.Unlock()

	br, err := s.branchByName(branch)
	if err != nil {
		return nil, err
	}

	entries, err := s.snapshotWorkspace(workspace)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	treeHash, err := s.writeTree(entries)
	if err != nil {
		return nil, fmt.Errorf("stage tree: %w", err)
	}

	msgJSON, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	attemptJSON := ""
	if attempt != nil {
		data, err := json.Marshal(attempt)
		if err != nil {
			return nil, fmt.Errorf("encode attempt: %w", err)
		}
		attemptJSON = string(data)
	}

	createdAt := time.Now()
	node := &Node{
		ParentID:    br.Head,
		TreeHash:    treeHash,
		Branch:      branch,
		Message:     msg,
		AttemptJSON: attemptJSON,
		CreatedAt:   createdAt,
	}
	node.ID = nodeID(br.Head, treeHash, string(msgJSON), branch, createdAt)

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	if err := tx.QueryRow(`SELECT MAX(seq) FROM nodes`).Scan(&maxSeq); err != nil {
		return nil, fmt.Errorf("next seq: %w", err)
	}
	node.Seq = maxSeq.Int64 + 1

	if _, err := tx.Exec(
		`INSERT INTO nodes (id, parent_id, branch, step_index, tree_hash, message_json, attempt_json, pruned, seq, created_at_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		node.ID, node.ParentID, branch, msg.StepIndex, treeHash, string(msgJSON), attemptJSON, node.Seq, createdAt.UnixNano(),
	); err != nil {
		return nil, fmt.Errorf("insert node: %w", err)
	}
	if _, err := tx.Exec(`UPDATE branches SET head = ? WHERE name = ?`, node.ID, branch); err != nil {
		return nil, fmt.Errorf("advance branch head: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	logging.History("committed %s on %s (step %d, tree %s, %d files)",
		node.ShortID(), branch, msg.StepIndex, shorten(treeHash), len(entries))
	return node, nil
}

// nodeID derives the content-hash identity of a node. Two commits of the
// same tree get distinct ids through the creation timestamp.
func nodeID(parent, treeHash, msgJSON, branch string, createdAt time.Time) string {
	h := sha256.New()
	fmt.Fprintf(h, "parent %s\ntree %s\nbranch %s\ncreated %d\nmessage %s\n",
		parent, treeHash, branch, createdAt.UnixNano(), msgJSON)
	return hex.EncodeToString(h.Sum(nil))
}

// CreateBranch opens a new divergent line rooted at an existing node. The
// new branch's head starts at that node.
func (s *Store) CreateBranch(fromNodeID, name string) (*Branch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.nodeByID(fromNodeID); err != nil {
		return nil, err
	}

	if _, err := s.branchByName(name); err == nil {
		return nil, &ConflictError{Name: name}
	} else {
		var nf *NotFoundError
		if !errors.As(err, &nf) {
			return nil, err
		}
	}

	var maxSeq sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(created_seq) FROM branches`).Scan(&maxSeq); err != nil {
		return nil, fmt.Errorf("next branch seq: %w", err)
	}

	br := &Branch{
		Name:       name,
		Base:       fromNodeID,
		Head:       fromNodeID,
		CreatedSeq: maxSeq.Int64 + 1,
		CreatedAt:  time.Now(),
	}
	if _, err := s.db.Exec(
		`INSERT INTO branches (name, base, head, created_seq, created_at_ns) VALUES (?, ?, ?, ?, ?)`,
		br.Name, br.Base, br.Head, br.CreatedSeq, br.CreatedAt.UnixNano(),
	); err != nil {
		return nil, fmt.Errorf("insert branch: %w", err)
	}

	logging.History("branch %s created from %s (seq %d)", name, shorten(fromNodeID), br.CreatedSeq)
	return br, nil
}

// ResetBranch moves a branch's head back to one of its own nodes, so the
// next commit parents there. Nodes past the new head stay in the index
// for inspection; nothing is deleted.
func (s *Store) ResetBranch(name, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.branchByName(name); err != nil {
		return err
	}
	node, err := s.nodeByID(nodeID)
	if err != nil {
		return err
	}
	if node.Branch != name {
		return fmt.Errorf("node %s belongs to branch %s, not %s", node.ShortID(), node.Branch, name)
	}

	if _, err := s.db.Exec(`UPDATE branches SET head = ? WHERE name = ?`, nodeID, name); err != nil {
		return fmt.Errorf("reset branch head: %w", err)
	}
	logging.History("branch %s head reset to %s", name, node.ShortID())
	return nil
}

// Checkout materializes the exact file state of a node into dest. Content
// is verified against its hashes on the way out; a mismatch is a
// StoreCorruptionError.
func (s *Store) Checkout(nodeID, dest string) error {
	timer := logging.StartTimer(logging.CategoryHistory, "Checkout")
	defer timer.Stop()

	node, err := s.nodeByID(nodeID)
	if err != nil {
		return err
	}
	entries, err := s.readTree(node.TreeHash)
	if err != nil {
		return err
	}
	if err := s.materialize(entries, dest); err != nil {
		return err
	}

	logging.History("checked out %s into %s (%d files)", node.ShortID(), dest, len(entries))
	return nil
}

// History returns the root-to-node path, oldest first. Idempotent: the
// same node always yields the same sequence.
func (s *Store) History(nodeID string) ([]*Node, error) {
	node, err := s.nodeByID(nodeID)
	if err != nil {
		return nil, err
	}

	var chain []*Node
	seen := make(map[string]bool)
	for node != nil {
		if seen[node.ID] {
			return nil, &types.StoreCorruptionError{
				Detail: fmt.Sprintf("parent cycle through node %s", node.ShortID()),
			}
		}
		seen[node.ID] = true
		chain = append(chain, node)

		if node.ParentID == "" {
			break
		}
		parent, err := s.nodeByID(node.ParentID)
		if err != nil {
			var nf *NotFoundError
			if errors.As(err, &nf) {
				return nil, &types.StoreCorruptionError{
					Detail: fmt.Sprintf("node %s references missing parent %s", node.ShortID(), shorten(node.ParentID)),
				}
			}
			return nil, err
		}
		node = parent
	}

	// Reverse into root-first order.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// Node returns one node by id.
func (s *Store) Node(id string) (*Node, error) {
	return s.nodeByID(id)
}

// Head returns the branch's latest node, or nil when the branch has no
// commits yet.
func (s *Store) Head(branch string) (*Node, error) {
	br, err := s.branchByName(branch)
	if err != nil {
		return nil, err
	}
	if br.Head == "" {
		return nil, nil
	}
	return s.nodeByID(br.Head)
}

// GetBranch returns one branch record by name.
func (s *Store) GetBranch(name string) (*Branch, error) {
	return s.branchByName(name)
}

// Branches lists all branches in creation order.
func (s *Store) Branches() ([]*Branch, error) {
	rows, err := s.db.Query(
		`SELECT name, base, head, created_seq, created_at_ns FROM branches ORDER BY created_seq`)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	defer rows.Close()

	var branches []*Branch
	for rows.Next() {
		var br Branch
		var createdNs int64
		if err := rows.Scan(&br.Name, &br.Base, &br.Head, &br.CreatedSeq, &createdNs); err != nil {
			return nil, fmt.Errorf("scan branch: %w", err)
		}
		br.CreatedAt = time.Unix(0, createdNs)
		branches = append(branches, &br)
	}
	return branches, rows.Err()
}

// Nodes lists every node in commit order.
func (s *Store) Nodes() ([]*Node, error) {
	rows, err := s.db.Query(
		`SELECT id, parent_id, branch, tree_hash, message_json, attempt_json, pruned, seq, created_at_ns
		 FROM nodes ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

// MarkPruned flags every node on a branch as pruned. Nodes stay in the
// tree for inspection; nothing is deleted.
func (s *Store) MarkPruned(branch string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.branchByName(branch); err != nil {
		return err
	}
	if _, err := s.db.Exec(`UPDATE nodes SET pruned = 1 WHERE branch = ?`, branch); err != nil {
		return fmt.Errorf("mark pruned: %w", err)
	}
	logging.History("branch %s marked pruned", branch)
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*Node, error) {
	var node Node
	var msgJSON string
	var pruned int
	var createdNs int64
	if err := row.Scan(&node.ID, &node.ParentID, &node.Branch, &node.TreeHash,
		&msgJSON, &node.AttemptJSON, &pruned, &node.Seq, &createdNs); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(msgJSON), &node.Message); err != nil {
		return nil, &types.StoreCorruptionError{
			Detail: fmt.Sprintf("node %s message undecodable", shorten(node.ID)),
			Err:    err,
		}
	}
	node.Pruned = pruned != 0
	node.CreatedAt = time.Unix(0, createdNs)
	return &node, nil
}

func (s *Store) nodeByID(id string) (*Node, error) {
	row := s.db.QueryRow(
		`SELECT id, parent_id, branch, tree_hash, message_json, attempt_json, pruned, seq, created_at_ns
		 FROM nodes WHERE id = ?`, id)
	node, err := scanNode(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &NotFoundError{Kind: "node", ID: id}
		}
		return nil, err
	}
	return node, nil
}

func (s *Store) branchByName(name string) (*Branch, error) {
	var br Branch
	var createdNs int64
	err := s.db.QueryRow(
		`SELECT name, base, head, created_seq, created_at_ns FROM branches WHERE name = ?`, name).
		Scan(&br.Name, &br.Base, &br.Head, &br.CreatedSeq, &createdNs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &NotFoundError{Kind: "branch", ID: name}
		}
		return nil, fmt.Errorf("query branch: %w", err)
	}
	br.CreatedAt = time.Unix(0, createdNs)
	return &br, nil
}
