package main

import (
	"fmt"

	"explab/internal/expedition"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// resumeCmd continues a stopped experiment
var resumeCmd = &cobra.Command{
	Use:   "resume [experiment-id]",
	Short: "Resume a paused or failed experiment",
	Long: `Reopens a checkpointed experiment and continues exploration from the
last committed node of each live branch. Without an id the most recent
experiment is resumed. The plan comes from the checkpoint, so a resumed
experiment runs exactly the plan it started with.

--from rewinds first: the named node's branch is reset so the next
commit parents there, its step position is recomputed from the accepted
commits on that path, and the retry ceiling starts fresh at that step.
Committed nodes past the rewind point stay in the tree.

A budget-failed experiment resumes only if the workspace config raised
the exhausted limit; attempts already spent stay spent.

Examples:
  explab resume
  explab resume 2f1c9f80-1b2a-4b3c-8d4e-5f6a7b8c9d0e
  explab resume --from <node-id>`,
	Args: cobra.MaximumNArgs(1),
	RunE: resumeExperiment,
}

func init() {
	resumeCmd.Flags().String("from", "", "Rewind to this committed node before resuming")
}

// resumeExperiment reopens a checkpoint and continues the run
func resumeExperiment(cmd *cobra.Command, args []string) error {
	ws := resolveWorkspace()
	fromNode, _ := cmd.Flags().GetString("from")

	experimentID := ""
	if len(args) > 0 {
		experimentID = args[0]
	}

	e, err := buildEngine(ws)
	if err != nil {
		return err
	}
	defer e.Close()

	ctrl, err := expedition.Load(e.controllerConfig(ws), experimentID)
	if err != nil {
		return err
	}

	logger.Info("Resuming experiment",
		zap.String("id", ctrl.ID()),
		zap.String("status", string(ctrl.Status())),
		zap.String("from", fromNode))

	// A terminal experiment needs an explicit reopen; a rewind target
	// always goes through Retry so the store head moves with it.
	if fromNode != "" || ctrl.Status().Terminal() {
		if err := ctrl.Retry(fromNode); err != nil {
			return err
		}
	}

	snap := ctrl.Snapshot()
	title := snap.Title
	if title == "" {
		title = snap.ID
	}
	fmt.Printf("📋 Resuming: %s\n", title)
	fmt.Printf("   %d branch(es) on the frontier, %d attempt(s) used\n\n", len(snap.Frontier), snap.AttemptsUsed)

	return driveController(ctrl, e)
}
