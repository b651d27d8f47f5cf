package main

import (
	"fmt"

	"explab/internal/expedition"

	"github.com/spf13/cobra"
)

// stopCmd pauses a running experiment from outside its process
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Pause the running experiment",
	Long: `Asks the workspace's running experiment to pause by dropping a stop
request into the control mailbox (.explab/control/). The engine notices
it, cancels the in-flight sandbox call, checkpoints, and exits with the
experiment PAUSED and resumable.

Works from any terminal; no handle on the running process is needed. If
no experiment is running, the request is consumed by the next run.`,
	RunE: stopExperiment,
}

// stopExperiment writes a stop request into the control mailbox
func stopExperiment(cmd *cobra.Command, args []string) error {
	ws := resolveWorkspace()

	if err := expedition.WriteStopRequest(ws); err != nil {
		return fmt.Errorf("write stop request: %w", err)
	}

	fmt.Println("Stop requested. The experiment pauses at the next safe point.")
	fmt.Println("Run 'explab status' to confirm, 'explab resume' to continue.")
	return nil
}
