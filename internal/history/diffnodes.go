package history

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"os"
	"sort"

	"explab/internal/diff"
	"explab/internal/types"
)

// TreeDiff is the manifest-level comparison of two nodes.
type TreeDiff struct {
	NodeA string
	NodeB string

	// Added, Removed, Modified are sorted path lists relative to the
	// workspace root.
	Added    []string
	Removed  []string
	Modified []string

	// Files holds line diffs for changed text files, keyed insertion
	// order matching Added/Removed/Modified.
	Files []*diff.FileDiff
}

// Empty reports whether the two trees are identical.
func (d *TreeDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Modified) == 0
}

// Diff compares the snapshots of two nodes: path-level classification plus
// unified line diffs for changed text files.
func (s *Store) Diff(nodeA, nodeB string) (*TreeDiff, error) {
	a, err := s.nodeByID(nodeA)
	if err != nil {
		return nil, err
	}
	b, err := s.nodeByID(nodeB)
	if err != nil {
		return nil, err
	}

	entriesA, err := s.readTree(a.TreeHash)
	if err != nil {
		return nil, err
	}
	entriesB, err := s.readTree(b.TreeHash)
	if err != nil {
		return nil, err
	}

	mapA := make(map[string]manifestEntry, len(entriesA))
	for _, e := range entriesA {
		mapA[e.Path] = e
	}
	mapB := make(map[string]manifestEntry, len(entriesB))
	for _, e := range entriesB {
		mapB[e.Path] = e
	}

	td := &TreeDiff{NodeA: nodeA, NodeB: nodeB}

	for path, ea := range mapA {
		eb, ok := mapB[path]
		if !ok {
			td.Removed = append(td.Removed, path)
			continue
		}
		if ea.Hash != eb.Hash {
			td.Modified = append(td.Modified, path)
		}
	}
	for path := range mapB {
		if _, ok := mapA[path]; !ok {
			td.Added = append(td.Added, path)
		}
	}
	sort.Strings(td.Added)
	sort.Strings(td.Removed)
	sort.Strings(td.Modified)

	for _, path := range td.Added {
		fd, err := s.fileDiff(path, manifestEntry{}, mapB[path])
		if err != nil {
			return nil, err
		}
		td.Files = append(td.Files, fd)
	}
	for _, path := range td.Removed {
		fd, err := s.fileDiff(path, mapA[path], manifestEntry{})
		if err != nil {
			return nil, err
		}
		td.Files = append(td.Files, fd)
	}
	for _, path := range td.Modified {
		fd, err := s.fileDiff(path, mapA[path], mapB[path])
		if err != nil {
			return nil, err
		}
		td.Files = append(td.Files, fd)
	}

	return td, nil
}

// fileDiff loads both blob versions of a path and line-diffs them. Binary
// content gets a marker instead of hunks.
func (s *Store) fileDiff(path string, a, b manifestEntry) (*diff.FileDiff, error) {
	var oldContent, newContent []byte
	var err error

	if a.Hash != "" {
		oldContent, err = s.readBlob(a)
		if err != nil {
			return nil, err
		}
	}
	if b.Hash != "" {
		newContent, err = s.readBlob(b)
		if err != nil {
			return nil, err
		}
	}

	if isBinary(oldContent) || isBinary(newContent) {
		return &diff.FileDiff{
			OldPath:  path,
			NewPath:  path,
			IsBinary: true,
			IsNew:    a.Hash == "",
			IsDelete: b.Hash == "",
		}, nil
	}

	return diff.Compute(path, path, string(oldContent), string(newContent)), nil
}

func (s *Store) readBlob(e manifestEntry) ([]byte, error) {
	data, err := os.ReadFile(s.objectPath(e.Hash))
	if err != nil {
		return nil, &types.StoreCorruptionError{
			Detail: fmt.Sprintf("blob %s for %s missing", shorten(e.Hash), e.Path),
			Err:    err,
		}
	}
	if got := fmt.Sprintf("%x", sha256.Sum256(data)); got != e.Hash {
		return nil, &types.StoreCorruptionError{
			Detail: fmt.Sprintf("blob %s for %s content mismatch (got %s)", shorten(e.Hash), e.Path, shorten(got)),
		}
	}
	return data, nil
}

func isBinary(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	probe := data
	if len(probe) > 8000 {
		probe = probe[:8000]
	}
	return bytes.IndexByte(probe, 0) != -1
}
