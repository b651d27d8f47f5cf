package history

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"explab/internal/logging"
	"explab/internal/types"
)

// StateDirName is the in-workspace state directory. It is never part of a
// snapshot and never touched by checkout.
const StateDirName = ".explab"

// manifestEntry is one file in a tree manifest.
type manifestEntry struct {
	Path string // relative to the workspace, forward slashes
	Mode uint32 // permission bits
	Size int64
	Hash string // blob sha256
}

// ignoreMatcher filters paths out of snapshots by glob patterns applied to
// every path segment.
type ignoreMatcher struct {
	patterns []string
}

func newIgnoreMatcher(patterns []string) *ignoreMatcher {
	return &ignoreMatcher{patterns: patterns}
}

// Skip reports whether the relative path is excluded. The state directory
// is always excluded.
func (m *ignoreMatcher) Skip(relPath string) bool {
	segments := strings.Split(filepath.ToSlash(relPath), "/")
	for _, segment := range segments {
		if segment == StateDirName {
			return true
		}
		for _, pattern := range m.patterns {
			if ok, _ := filepath.Match(pattern, segment); ok {
				return true
			}
		}
	}
	return false
}

// snapshotWorkspace hashes every file under the workspace (minus the ignore
// set), stages missing blobs into the object store, and returns the sorted
// manifest.
func (s *Store) snapshotWorkspace(workspace string) ([]manifestEntry, error) {
	var entries []manifestEntry

	err := filepath.WalkDir(workspace, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == workspace {
			return nil
		}

		rel, err := filepath.Rel(workspace, path)
		if err != nil {
			return err
		}

		if s.ignore.Skip(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			logging.HistoryDebug("snapshot skipping irregular file: %s", rel)
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		hash, err := s.stageBlob(path)
		if err != nil {
			return err
		}

		entries = append(entries, manifestEntry{
			Path: filepath.ToSlash(rel),
			Mode: uint32(info.Mode().Perm()),
			Size: info.Size(),
			Hash: hash,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot walk: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

// stageBlob copies a file into the object store keyed by its sha256 and
// returns the hash. Existing blobs are never rewritten, so staging is
// idempotent and a crash leaves at worst an orphaned temp file.
func (s *Store) stageBlob(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", err
	}
	hash := hex.EncodeToString(hasher.Sum(nil))

	objPath := s.objectPath(hash)
	if _, err := os.Stat(objPath); err == nil {
		return hash, nil
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	if err := s.writeObject(hash, f); err != nil {
		return "", err
	}
	return hash, nil
}

// writeObject streams content into the object store at the given hash key,
// via a temp file renamed into place.
func (s *Store) writeObject(hash string, r io.Reader) error {
	objPath := s.objectPath(hash)
	if err := os.MkdirAll(filepath.Dir(objPath), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.objectsDir, "stage-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, objPath); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func (s *Store) objectPath(hash string) string {
	return filepath.Join(s.objectsDir, hash[:2], hash)
}

// encodeManifest renders entries in their canonical byte form. The tree
// hash is the sha256 of these bytes, so the encoding must stay stable.
func encodeManifest(entries []manifestEntry) []byte {
	var buf bytes.Buffer
	for _, e := range entries {
		fmt.Fprintf(&buf, "%s %04o %d %s\n", e.Hash, e.Mode, e.Size, e.Path)
	}
	return buf.Bytes()
}

// decodeManifest parses canonical manifest bytes.
func decodeManifest(data []byte) ([]manifestEntry, error) {
	var entries []manifestEntry
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, " ", 4)
		if len(parts) != 4 {
			return nil, fmt.Errorf("malformed manifest line: %q", line)
		}
		mode, err := strconv.ParseUint(parts[1], 8, 32)
		if err != nil {
			return nil, fmt.Errorf("malformed manifest mode: %q", line)
		}
		size, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed manifest size: %q", line)
		}
		entries = append(entries, manifestEntry{
			Hash: parts[0],
			Mode: uint32(mode),
			Size: size,
			Path: parts[3],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// writeTree stores the manifest as an object keyed by its own sha256 and
// returns that tree hash.
func (s *Store) writeTree(entries []manifestEntry) (string, error) {
	data := encodeManifest(entries)
	sum := sha256.Sum256(data)
	treeHash := hex.EncodeToString(sum[:])

	if _, err := os.Stat(s.objectPath(treeHash)); err == nil {
		return treeHash, nil
	}
	if err := s.writeObject(treeHash, bytes.NewReader(data)); err != nil {
		return "", err
	}
	return treeHash, nil
}

// readTree loads and verifies the manifest for a tree hash. A missing or
// corrupt manifest is a store corruption, never repaired here.
func (s *Store) readTree(treeHash string) ([]manifestEntry, error) {
	data, err := os.ReadFile(s.objectPath(treeHash))
	if err != nil {
		return nil, &types.StoreCorruptionError{
			Detail: fmt.Sprintf("tree object %s missing", shorten(treeHash)),
			Err:    err,
		}
	}

	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != treeHash {
		return nil, &types.StoreCorruptionError{
			Detail: fmt.Sprintf("tree object %s fails its hash", shorten(treeHash)),
		}
	}

	entries, err := decodeManifest(data)
	if err != nil {
		return nil, &types.StoreCorruptionError{
			Detail: fmt.Sprintf("tree object %s undecodable", shorten(treeHash)),
			Err:    err,
		}
	}
	return entries, nil
}

// materialize writes the manifest's exact file state into dest. Files not
// in the manifest are removed, except the state directory and the ignore
// set, which checkout never touches.
func (s *Store) materialize(entries []manifestEntry, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}

	want := make(map[string]manifestEntry, len(entries))
	for _, e := range entries {
		want[e.Path] = e
	}

	// Remove extraneous files first so a dir/file swap cannot collide.
	err := filepath.WalkDir(dest, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dest {
			return nil
		}
		rel, err := filepath.Rel(dest, path)
		if err != nil {
			return err
		}
		if s.ignore.Skip(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if _, ok := want[filepath.ToSlash(rel)]; !ok {
			return os.Remove(path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("checkout cleanup: %w", err)
	}

	for _, e := range entries {
		if err := s.restoreBlob(e, dest); err != nil {
			return err
		}
	}

	removeEmptyDirs(dest)
	return nil
}

// restoreBlob copies one blob into place, verifying its content hash on
// the way through.
func (s *Store) restoreBlob(e manifestEntry, dest string) error {
	src, err := os.Open(s.objectPath(e.Hash))
	if err != nil {
		return &types.StoreCorruptionError{
			Detail: fmt.Sprintf("blob %s for %s missing", shorten(e.Hash), e.Path),
			Err:    err,
		}
	}
	defer src.Close()

	target := filepath.Join(dest, filepath.FromSlash(e.Path))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fs.FileMode(e.Mode))
	if err != nil {
		return err
	}

	hasher := sha256.New()
	if _, err := io.Copy(out, io.TeeReader(src, hasher)); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	// Truncate+reopen leaves pre-existing permission bits; force them.
	if err := os.Chmod(target, fs.FileMode(e.Mode)); err != nil {
		return err
	}

	if hex.EncodeToString(hasher.Sum(nil)) != e.Hash {
		return &types.StoreCorruptionError{
			Detail: fmt.Sprintf("blob %s for %s fails its hash", shorten(e.Hash), e.Path),
		}
	}
	return nil
}

// removeEmptyDirs prunes directories the cleanup left empty. Best effort;
// the state directory is skipped.
func removeEmptyDirs(root string) {
	var dirs []string
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() || path == root {
			return nil
		}
		if d.Name() == StateDirName {
			return filepath.SkipDir
		}
		dirs = append(dirs, path)
		return nil
	})
	// Deepest first.
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	for _, dir := range dirs {
		os.Remove(dir) // fails on non-empty, which is fine
	}
}

func shorten(hash string) string {
	if len(hash) <= 12 {
		return hash
	}
	return hash[:12]
}
