package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"explab/internal/history"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func TestJoinArgs(t *testing.T) {
	got := joinArgs([]string{"one", "two", "three"})
	if got != "one two three" {
		t.Fatalf("expected 'one two three', got '%s'", got)
	}
}

func TestShowStatusNoExperiments(t *testing.T) {
	logger = zap.NewNop()
	workspace = t.TempDir()

	output := captureOutput(t, func() {
		if err := showStatus(&cobra.Command{}, nil); err != nil {
			t.Errorf("showStatus returned error: %v", err)
		}
	})

	if !strings.Contains(output, "No experiments found") {
		t.Fatalf("expected message about missing experiments, got: %s", output)
	}
}

func TestFeedbackAddAndList(t *testing.T) {
	logger = zap.NewNop()
	workspace = t.TempDir()

	output := captureOutput(t, func() {
		if err := addFeedback(&cobra.Command{}, []string{"use", "a", "log", "scale"}); err != nil {
			t.Errorf("addFeedback returned error: %v", err)
		}
		if err := listFeedback(&cobra.Command{}, nil); err != nil {
			t.Errorf("listFeedback returned error: %v", err)
		}
	})

	if !strings.Contains(output, "Noted") {
		t.Fatalf("expected add confirmation, got: %s", output)
	}
	if !strings.Contains(output, "pending") || !strings.Contains(output, "use a log scale") {
		t.Fatalf("expected the pending note in the listing, got: %s", output)
	}
}

func TestStopWritesControlFile(t *testing.T) {
	logger = zap.NewNop()
	workspace = t.TempDir()

	output := captureOutput(t, func() {
		if err := stopExperiment(&cobra.Command{}, nil); err != nil {
			t.Errorf("stopExperiment returned error: %v", err)
		}
	})

	if !strings.Contains(output, "Stop requested") {
		t.Fatalf("expected stop confirmation, got: %s", output)
	}
	stopFile := filepath.Join(workspace, ".explab", "control", "stop")
	if _, err := os.Stat(stopFile); err != nil {
		t.Fatalf("expected stop file at %s: %v", stopFile, err)
	}
}

func TestShowHistoryEmptyStore(t *testing.T) {
	logger = zap.NewNop()
	workspace = t.TempDir()

	output := captureOutput(t, func() {
		if err := showHistory(&cobra.Command{}, nil); err != nil {
			t.Errorf("showHistory returned error: %v", err)
		}
	})

	if !strings.Contains(output, "No history yet") {
		t.Fatalf("expected empty-history notice, got: %s", output)
	}
}

func TestHistoryAndDiffAgainstStore(t *testing.T) {
	logger = zap.NewNop()
	workspace = t.TempDir()

	store, err := history.Open(workspace, history.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	file := filepath.Join(workspace, "a.txt")
	if err := os.WriteFile(file, []byte("one\n"), 0644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	first, err := store.Commit(workspace, history.RootBranch, history.Message{StepIndex: 0, ResultSummary: "ACCEPT: looks right"}, nil)
	if err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if err := os.WriteFile(file, []byte("two\n"), 0644); err != nil {
		t.Fatalf("rewrite file: %v", err)
	}
	second, err := store.Commit(workspace, history.RootBranch, history.Message{StepIndex: 1, ResultSummary: "ACCEPT: also right"}, nil)
	if err != nil {
		t.Fatalf("second commit: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	output := captureOutput(t, func() {
		if err := showHistory(&cobra.Command{}, nil); err != nil {
			t.Errorf("showHistory returned error: %v", err)
		}
	})
	if !strings.Contains(output, first.ShortID()) || !strings.Contains(output, second.ShortID()) {
		t.Fatalf("expected both node ids in the listing, got: %s", output)
	}
	if !strings.Contains(output, "2 node(s)") {
		t.Fatalf("expected node count, got: %s", output)
	}

	output = captureOutput(t, func() {
		if err := showDiff(&cobra.Command{}, []string{first.ID, second.ID}); err != nil {
			t.Errorf("showDiff returned error: %v", err)
		}
	})
	if !strings.Contains(output, "M  a.txt") {
		t.Fatalf("expected modified path marker, got: %s", output)
	}
	if !strings.Contains(output, "-one") || !strings.Contains(output, "+two") {
		t.Fatalf("expected unified hunk lines, got: %s", output)
	}
}

func captureOutput(t *testing.T, fn func()) string {
	t.Helper()

	origOut := os.Stdout
	origErr := os.Stderr
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	os.Stdout = w
	os.Stderr = w

	done := make(chan string)
	go func() {
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, r)
		done <- buf.String()
	}()

	fn()

	_ = w.Close()
	os.Stdout = origOut
	os.Stderr = origErr
	return <-done
}
