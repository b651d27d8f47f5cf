package main

import (
	"fmt"

	"explab/internal/config"
	"explab/internal/history"

	"github.com/spf13/cobra"
)

// diffCmd compares two committed workspace snapshots
var diffCmd = &cobra.Command{
	Use:   "diff [a] [b]",
	Short: "Compare two committed snapshots",
	Long: `Compares the workspace snapshots of two history nodes and prints a
unified diff of the changed text files.

Either reference may be a node id or a branch name; a branch name means
its head. Comparing a node against its parent shows what one attempt
changed.

Examples:
  explab diff <node-a> <node-b>
  explab diff root 0-div1        # how the divergent branch differs`,
	Args: cobra.ExactArgs(2),
	RunE: showDiff,
}

// showDiff prints the tree diff between two nodes
func showDiff(cmd *cobra.Command, args []string) error {
	ws := resolveWorkspace()

	cfg, err := config.Load(config.Path(ws))
	if err != nil {
		return err
	}
	store, err := history.Open(ws, history.Options{Ignore: cfg.History.Ignore})
	if err != nil {
		return err
	}
	defer store.Close()

	nodeA, err := resolveNodeRef(store, args[0])
	if err != nil {
		return err
	}
	nodeB, err := resolveNodeRef(store, args[1])
	if err != nil {
		return err
	}
	if nodeA == "" || nodeB == "" {
		return fmt.Errorf("branch has no commits to compare")
	}

	td, err := store.Diff(nodeA, nodeB)
	if err != nil {
		return err
	}

	if td.Empty() {
		fmt.Println("Snapshots are identical.")
		return nil
	}

	for _, path := range td.Added {
		fmt.Printf("A  %s\n", path)
	}
	for _, path := range td.Removed {
		fmt.Printf("D  %s\n", path)
	}
	for _, path := range td.Modified {
		fmt.Printf("M  %s\n", path)
	}
	fmt.Println()

	for _, fd := range td.Files {
		if !fd.Changed() {
			continue
		}
		fmt.Print(fd.Unified())
		fmt.Println()
	}
	return nil
}
