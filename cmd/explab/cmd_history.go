package main

import (
	"encoding/json"
	"fmt"
	"time"

	"explab/internal/config"
	"explab/internal/history"
	"explab/internal/types"

	"github.com/spf13/cobra"
)

// historyCmd walks the committed evidence of an experiment
var historyCmd = &cobra.Command{
	Use:   "history [branch-or-node]",
	Short: "Show the committed history of an experiment",
	Long: `Walks the history tree from a branch head or a node back to the
experiment's initial commit, oldest first.

Without an argument the root branch is shown. A branch name shows that
branch's lineage; a node id (full or unique prefix is not supported,
use the full id from a previous listing) shows the lineage ending at
that node.

Examples:
  explab history                 # the root branch
  explab history 0-div1          # a divergent branch
  explab history <node-id>       # lineage up to one node
  explab history --attempts      # include per-attempt evidence`,
	Args: cobra.MaximumNArgs(1),
	RunE: showHistory,
}

func init() {
	historyCmd.Flags().Bool("attempts", false, "Show attempt evidence (exit code, duration, stderr tail) per node")
}

// showHistory prints one lineage of the history tree
func showHistory(cmd *cobra.Command, args []string) error {
	ws := resolveWorkspace()
	showAttempts, _ := cmd.Flags().GetBool("attempts")

	cfg, err := config.Load(config.Path(ws))
	if err != nil {
		return err
	}
	store, err := history.Open(ws, history.Options{Ignore: cfg.History.Ignore})
	if err != nil {
		return err
	}
	defer store.Close()

	ref := history.RootBranch
	if len(args) > 0 {
		ref = args[0]
	}
	nodeID, err := resolveNodeRef(store, ref)
	if err != nil {
		return err
	}
	if nodeID == "" {
		fmt.Println("No history yet. Run 'explab run <plan.yaml>' to start an experiment.")
		return nil
	}

	nodes, err := store.History(nodeID)
	if err != nil {
		return err
	}

	for _, node := range nodes {
		marker := "●"
		if node.Pruned {
			marker = "○"
		}
		fmt.Printf("%s %s  %s  %s  %s\n",
			marker, node.ShortID(), node.CreatedAt.Format("2006-01-02 15:04:05"),
			stepLabel(node.Message.StepIndex), node.Message.ResultSummary)
		if node.Message.SchemeSummary != "" {
			fmt.Printf("    scheme: %s\n", node.Message.SchemeSummary)
		}
		if node.Branch != history.RootBranch && node.Message.StepIndex >= 0 {
			fmt.Printf("    branch: %s\n", node.Branch)
		}
		if showAttempts && node.AttemptJSON != "" {
			printAttempt(node.AttemptJSON)
		}
	}
	fmt.Printf("\n%d node(s). 'explab diff <a> <b>' compares two snapshots.\n", len(nodes))
	return nil
}

// resolveNodeRef maps a branch name or node id to a node id. A branch
// resolves to its head; anything that is not a known branch is taken as
// a node id verbatim. A branch without commits resolves to "".
func resolveNodeRef(store *history.Store, ref string) (string, error) {
	if _, err := store.GetBranch(ref); err == nil {
		head, err := store.Head(ref)
		if err != nil {
			return "", err
		}
		if head == nil {
			return "", nil
		}
		return head.ID, nil
	}
	return ref, nil
}

// stepLabel renders a commit's step index, including the sentinel stages.
func stepLabel(index int) string {
	switch {
	case index <= -3:
		return "root     "
	case index == -2:
		return "provision"
	case index == -1:
		return "data prep"
	default:
		return fmt.Sprintf("step %-4d", index)
	}
}

// printAttempt renders the committed attempt evidence of one node.
func printAttempt(attemptJSON string) {
	var rec types.AttemptRecord
	if err := json.Unmarshal([]byte(attemptJSON), &rec); err != nil {
		fmt.Printf("    attempt: (unreadable: %v)\n", err)
		return
	}
	fmt.Printf("    attempt %d: exit %d in %s", rec.AttemptNumber, rec.ExitCode, rec.Duration.Round(time.Millisecond))
	if rec.TimedOut {
		fmt.Print(", timed out")
	}
	if rec.Crashed {
		fmt.Print(", crashed")
	}
	if rec.RetryExhausted {
		fmt.Print(", retry ceiling spent")
	}
	fmt.Println()
	if rec.Stderr != "" {
		fmt.Printf("    stderr: %s\n", tail(rec.Stderr, 200))
	}
	if len(rec.FilesChanged) > 0 {
		fmt.Printf("    wrote: %v\n", rec.FilesChanged)
	}
}

// tail keeps the last max bytes of s for display.
func tail(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return "..." + s[len(s)-max+3:]
}
