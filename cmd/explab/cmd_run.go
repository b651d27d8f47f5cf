package main

import (
	"fmt"
	"strings"

	"explab/internal/expedition"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// runCmd starts a new experiment from a plan file
var runCmd = &cobra.Command{
	Use:   "run [plan.yaml]",
	Short: "Run an experiment plan",
	Long: `Starts a new experiment from a plan file.

The plan lists the steps to perform, their acceptance criteria, and the
pip requirements to provision. For every step the engine generates a
program, runs it in the sandbox, judges the result, and commits the
attempt to the experiment's history tree. Steps that keep failing open
an alternative branch with a different approach.

Example plan:
  title: Moving average crossover study
  requirements: [pandas, matplotlib]
  steps:
    - description: Load prices.csv and compute 20/50 day moving averages
      artifacts: [averages.csv]
    - description: Plot both averages and save the chart
      artifacts: [chart.png]

Examples:
  explab run plan.yaml
  explab run plan.yaml --title "Crossover study, run 2"
  explab run plan.yaml --exhaustive`,
	Args: cobra.ExactArgs(1),
	RunE: runExperiment,
}

func init() {
	runCmd.Flags().String("title", "", "Experiment title (default: the plan's title)")
	runCmd.Flags().Bool("exhaustive", false, "Keep exploring open branches after the first success")
}

// runExperiment starts a fresh experiment
func runExperiment(cmd *cobra.Command, args []string) error {
	ws := resolveWorkspace()
	title, _ := cmd.Flags().GetString("title")
	exhaustive, _ := cmd.Flags().GetBool("exhaustive")

	plan, err := expedition.LoadPlan(args[0])
	if err != nil {
		return err
	}

	logger.Info("Starting experiment",
		zap.String("plan", args[0]),
		zap.String("workspace", ws),
		zap.Int("steps", len(plan.Steps)))

	e, err := buildEngine(ws)
	if err != nil {
		return err
	}
	defer e.Close()

	cfg := e.controllerConfig(ws)
	cfg.Title = title
	cfg.Plan = plan
	if exhaustive {
		cfg.Exploration.StopOnFirstSuccess = false
	}

	ctrl, err := expedition.New(cfg)
	if err != nil {
		return err
	}

	// Display the plan before committing any work
	displayTitle := title
	if displayTitle == "" {
		displayTitle = plan.Title
	}
	if displayTitle == "" {
		displayTitle = "(untitled)"
	}
	fmt.Printf("📋 Experiment: %s\n", displayTitle)
	fmt.Printf("   ID: %s\n", ctrl.ID())
	if len(plan.Requirements) > 0 {
		fmt.Printf("   Requirements: %s\n", strings.Join(plan.Requirements, ", "))
	}
	fmt.Printf("   Budgets: %d branches / %d attempts, retry ceiling %d\n\n",
		cfg.Exploration.MaxBranches, cfg.Exploration.MaxAttempts, cfg.Exploration.RetryCeiling)

	if plan.DataPreparation != nil {
		fmt.Printf("  prep  %s\n", plan.DataPreparation.Description)
	}
	for _, step := range plan.Steps {
		fmt.Printf("  %4d  %s\n", step.Index, step.Description)
	}
	if plan.Analysis != nil {
		fmt.Printf("  last  %s\n", plan.Analysis.Description)
	}

	fmt.Println("\n🚀 Starting exploration...")
	fmt.Println("   Press Ctrl+C to pause; 'explab stop' works from another terminal.")

	return driveController(ctrl, e)
}
