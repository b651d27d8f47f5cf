package bench

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"explab/internal/logging"
)

// artifactWatcher observes a branch workspace for the duration of one
// sandbox call and records which files the run created or modified.
// Strictly best-effort: any watcher failure degrades to an empty
// observation set and never fails the attempt.
type artifactWatcher struct {
	watcher *fsnotify.Watcher
	root    string

	mu   sync.Mutex
	seen map[string]struct{}

	stopCh chan struct{}
	doneCh chan struct{}
}

// newArtifactWatcher starts watching root. The returned watcher is never
// nil; when the platform watcher cannot be created it is inert and Stop
// reports nothing.
func newArtifactWatcher(root string) *artifactWatcher {
	aw := &artifactWatcher{
		root:   root,
		seen:   make(map[string]struct{}),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logging.BenchDebug("Artifact watcher unavailable: %v", err)
		close(aw.doneCh)
		return aw
	}
	aw.watcher = watcher
	aw.addRecursive(root)
	go aw.run()
	return aw
}

// Stop ends the observation and returns the recorded workspace-relative
// paths in sorted order.
func (aw *artifactWatcher) Stop() []string {
	if aw.watcher != nil {
		close(aw.stopCh)
		<-aw.doneCh
		if err := aw.watcher.Close(); err != nil {
			logging.BenchDebug("Artifact watcher close: %v", err)
		}
	}

	aw.mu.Lock()
	defer aw.mu.Unlock()
	if len(aw.seen) == 0 {
		return nil
	}
	paths := make([]string, 0, len(aw.seen))
	for p := range aw.seen {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func (aw *artifactWatcher) run() {
	defer close(aw.doneCh)

	for {
		select {
		case <-aw.stopCh:
			return

		case event, ok := <-aw.watcher.Events:
			if !ok {
				return
			}
			aw.handleEvent(event)

		case err, ok := <-aw.watcher.Errors:
			if !ok {
				return
			}
			logging.BenchDebug("Artifact watcher error: %v", err)
		}
	}
}

func (aw *artifactWatcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}

	rel, err := filepath.Rel(aw.root, event.Name)
	if err != nil || !recordable(rel) {
		return
	}

	info, err := os.Stat(event.Name)
	if err != nil {
		return // gone already; a transient temp file
	}
	if info.IsDir() {
		if event.Op&fsnotify.Create != 0 {
			aw.addRecursive(event.Name)
		}
		return
	}

	aw.mu.Lock()
	aw.seen[filepath.ToSlash(rel)] = struct{}{}
	aw.mu.Unlock()
}

// addRecursive watches dir and every subdirectory under it. New files in
// unwatched directories would otherwise go unseen; fsnotify does not
// recurse on its own.
func (aw *artifactWatcher) addRecursive(dir string) {
	filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(aw.root, path)
		if relErr == nil && rel != "." && !recordable(rel) {
			return filepath.SkipDir
		}
		if addErr := aw.watcher.Add(path); addErr != nil {
			logging.BenchDebug("Artifact watcher cannot watch %s: %v", path, addErr)
		}
		return nil
	})
}

// recordable filters observation noise: engine state, installed
// dependencies, and interpreter caches are not artifacts.
func recordable(rel string) bool {
	if rel == "" || rel == "." {
		return false
	}
	rel = filepath.ToSlash(rel)
	if strings.HasPrefix(rel, ".explab") {
		return false
	}
	if strings.HasSuffix(rel, ".pyc") {
		return false
	}
	for _, segment := range strings.Split(rel, "/") {
		if segment == "__pycache__" {
			return false
		}
	}
	return true
}
