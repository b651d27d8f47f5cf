package main

import (
	"fmt"
	"time"

	"explab/internal/feedback"

	"github.com/spf13/cobra"
)

// feedbackCmd is the parent command for the operator feedback mailbox
var feedbackCmd = &cobra.Command{
	Use:   "feedback",
	Short: "Leave notes for the running experiment",
	Long: `The feedback mailbox carries operator guidance into a running
experiment. Pending notes are folded into the next code generation and
marked processed, so you can steer the experiment without stopping it.

Examples:
  explab feedback add "use a log scale on the y axis"
  explab feedback list`,
}

// feedbackAddCmd appends a pending note
var feedbackAddCmd = &cobra.Command{
	Use:   "add [text]",
	Short: "Add a feedback note",
	Args:  cobra.MinimumNArgs(1),
	RunE:  addFeedback,
}

// feedbackListCmd shows all notes
var feedbackListCmd = &cobra.Command{
	Use:   "list",
	Short: "List feedback notes",
	RunE:  listFeedback,
}

// addFeedback appends one note to the mailbox
func addFeedback(cmd *cobra.Command, args []string) error {
	ws := resolveWorkspace()
	text := joinArgs(args)

	item, err := feedback.Open(ws).Add(text)
	if err != nil {
		return err
	}

	fmt.Printf("Noted (%s). The next generated program sees it.\n", item.ID[:8])
	return nil
}

// listFeedback prints the mailbox contents, oldest first
func listFeedback(cmd *cobra.Command, args []string) error {
	ws := resolveWorkspace()

	items, err := feedback.Open(ws).Items()
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Println("No feedback notes. Add one with 'explab feedback add \"...\"'.")
		return nil
	}

	for _, item := range items {
		marker := "pending  "
		if item.Processed() {
			marker = "processed"
		}
		fmt.Printf("%s  %s  %s\n", marker, item.CreatedAt.Format(time.RFC822), item.Text)
	}
	return nil
}
