package expedition

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"explab/internal/history"
	"explab/internal/logging"

	"github.com/fsnotify/fsnotify"
)

const (
	controlDirName  = "control"
	stopRequestName = "stop"
)

// Stop requests a pause. The in-flight sandbox call is cancelled, the
// claimed branch goes back on the frontier untouched, and Run returns
// with the experiment PAUSED and resumable. Safe to call from any
// goroutine; a no-op when nothing is running.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isRunning {
		return
	}
	if c.stopRequested {
		return
	}
	c.stopRequested = true
	logging.Expedition("stop requested for experiment %s", shortID(c.state.ID))
	if c.cancelFunc != nil {
		c.cancelFunc()
	}
}

// Running reports whether Run is currently executing.
func (c *Controller) Running() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isRunning
}

// controlWatcher monitors the control mailbox directory so other
// processes can stop a running experiment by dropping a request file.
type controlWatcher struct {
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// startControlWatcher begins watching <state-dir>/control. A file named
// "stop" requests a pause; the watcher consumes it so the next run
// starts clean. A stop file already present when the watcher starts is
// honored too: it was written for an engine that was not listening yet.
func (c *Controller) startControlWatcher(ctx context.Context) (*controlWatcher, error) {
	dir := filepath.Join(c.stateDir, controlDirName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	pending := filepath.Join(dir, stopRequestName)
	if _, err := os.Stat(pending); err == nil {
		os.Remove(pending)
		logging.Expedition("pending stop request found in control mailbox")
		c.Stop()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	cw := &controlWatcher{
		watcher: watcher,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go cw.run(ctx, c)
	logging.ExpeditionDebug("control mailbox watching %s", dir)
	return cw, nil
}

// Stop shuts the watcher down and waits for its loop to exit.
func (cw *controlWatcher) Stop() {
	close(cw.stopCh)
	<-cw.doneCh
	if err := cw.watcher.Close(); err != nil {
		logging.ExpeditionWarn("closing control watcher: %v", err)
	}
}

func (cw *controlWatcher) run(ctx context.Context, c *Controller) {
	defer close(cw.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-cw.stopCh:
			return
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if filepath.Base(event.Name) != stopRequestName {
				continue
			}
			os.Remove(event.Name)
			logging.Expedition("stop request received through control mailbox")
			c.Stop()
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			logging.ExpeditionWarn("control watcher: %v", err)
		}
	}
}

// WriteStopRequest drops a stop file into the workspace's control
// mailbox. The running engine notices it, pauses, and consumes the
// file. Works from any process; no controller handle needed.
func WriteStopRequest(workspace string) error {
	dir := filepath.Join(workspace, history.StateDirName, controlDirName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	content := fmt.Sprintf("requested at %s\n", time.Now().Format(time.RFC3339))
	return os.WriteFile(filepath.Join(dir, stopRequestName), []byte(content), 0644)
}
