package main

import (
	"fmt"
	"os"
	"time"

	"explab/internal/expedition"
	"explab/internal/types"

	"github.com/spf13/cobra"
)

// statusCmd shows the latest experiment's status
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show experiment status",
	Long: `Shows the status of the workspace's most recent experiment: overall
state, per-branch progress, the attempt budget, and the winner once one
is elected.

The status is read from .explab/status.json, which the engine rewrites
after every committed attempt, so this works while an experiment is
running in another process.`,
	RunE: showStatus,
}

func init() {
	statusCmd.Flags().Bool("all", false, "List every experiment in the workspace")
}

// showStatus displays experiment status
func showStatus(cmd *cobra.Command, args []string) error {
	ws := resolveWorkspace()
	all, _ := cmd.Flags().GetBool("all")

	if all {
		return listExperiments(ws)
	}

	snap, err := expedition.ReadStatus(ws)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("No experiments found. Run 'explab run <plan.yaml>' to start one.")
			return nil
		}
		return err
	}

	title := snap.Title
	if title == "" {
		title = snap.ID
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════╗")
	fmt.Println("║                   EXPERIMENT STATUS                       ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Printf("\n%s %s\n", statusIcon(snap.Status), title)
	fmt.Printf("   ID: %s\n", snap.ID)
	fmt.Printf("   Status: %s\n", snap.Status)
	fmt.Printf("   Updated: %s\n", snap.UpdatedAt.Format(time.RFC822))

	// Attempt budget bar
	if snap.MaxAttempts > 0 {
		used := float64(snap.AttemptsUsed) / float64(snap.MaxAttempts)
		barWidth := 40
		filled := int(used * float64(barWidth))
		if filled > barWidth {
			filled = barWidth
		}
		fmt.Printf("\n   Attempts: [%s%s] %d/%d\n",
			repeatChar('█', filled),
			repeatChar('░', barWidth-filled),
			snap.AttemptsUsed, snap.MaxAttempts)
	}
	fmt.Printf("   Branches: %d/%d", len(snap.Branches), snap.MaxBranches)
	if !snap.StopOnFirstSuccess {
		fmt.Print(" (exhaustive mode)")
	}
	fmt.Println()

	if len(snap.Branches) > 0 {
		fmt.Printf("\n   %-10s %-10s %-6s %s\n", "BRANCH", "STATE", "STEP", "HEAD")
		for _, br := range snap.Branches {
			head := br.LastNodeID
			if len(head) > 12 {
				head = head[:12]
			}
			fmt.Printf("   %-10s %-10s %-6d %s\n", br.Name, br.State, br.StepCursor, head)
			if br.SchemeHint != "" {
				fmt.Printf("              hint: %s\n", br.SchemeHint)
			}
		}
	}

	if snap.Winner != "" {
		fmt.Printf("\n   🏆 Winner: branch %q\n", snap.Winner)
	}
	if snap.FailureReason != "" {
		fmt.Printf("\n   ❌ Failure: %s\n", snap.FailureReason)
	}
	if snap.Status == types.StatusPaused {
		fmt.Println("\n   Run 'explab resume' to continue.")
	}
	return nil
}

// listExperiments prints every checkpoint in the workspace
func listExperiments(ws string) error {
	listings, err := expedition.ListExperiments(ws)
	if err != nil {
		return err
	}
	if len(listings) == 0 {
		fmt.Println("No experiments found. Run 'explab run <plan.yaml>' to start one.")
		return nil
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════╗")
	fmt.Println("║                      EXPERIMENTS                          ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	for _, l := range listings {
		title := l.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Printf("%s %s\n", statusIcon(l.Status), title)
		fmt.Printf("   ID: %s | Status: %s | Updated: %s\n\n",
			l.ID, l.Status, l.UpdatedAt.Format(time.RFC822))
	}
	return nil
}

// statusIcon maps an experiment status to a display marker
func statusIcon(status types.ExperimentStatus) string {
	switch status {
	case types.StatusRunning:
		return "▶️"
	case types.StatusSucceeded:
		return "✅"
	case types.StatusFailed, types.StatusAborted:
		return "❌"
	case types.StatusPaused:
		return "⏸️"
	default: // PLANNING
		return "📝"
	}
}

// repeatChar repeats a character n times
func repeatChar(c rune, n int) string {
	if n <= 0 {
		return ""
	}
	result := make([]rune, n)
	for i := range result {
		result[i] = c
	}
	return string(result)
}
