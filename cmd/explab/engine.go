package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"explab/internal/bench"
	"explab/internal/config"
	"explab/internal/expedition"
	"explab/internal/feedback"
	"explab/internal/gate"
	"explab/internal/history"
	"explab/internal/oracle"
	"explab/internal/sandbox"
	"explab/internal/synth"
	"explab/internal/types"

	"go.uber.org/zap"
)

// engine is the assembled component stack behind one controller: the
// version store, the step executor, the provisioner and the evaluation
// gate, all built from the workspace's config. run and resume share it.
type engine struct {
	cfg     *config.Config
	store   *history.Store
	steps   *bench.Executor
	prov    *bench.Provisioner
	gate    *gate.Gate
	mailbox *feedback.Mailbox

	events   chan expedition.Event
	progress chan expedition.Progress
}

// buildEngine wires the full component stack for a workspace.
func buildEngine(ws string) (*engine, error) {
	cfg, err := config.Load(config.Path(ws))
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := oracle.NewClient(cfg.LLM)
	if err != nil {
		return nil, err
	}
	judge, err := oracle.NewJudgeFromConfig(cfg.LLM)
	if err != nil {
		return nil, err
	}

	store, err := history.Open(ws, history.Options{Ignore: cfg.History.Ignore})
	if err != nil {
		return nil, fmt.Errorf("open version store: %w", err)
	}

	runner := sandbox.NewRouterWithConfig(bench.RunnerConfigFor(cfg.Sandbox, cfg.GetSandboxTimeout()))
	mailbox := feedback.Open(ws)

	return &engine{
		cfg:      cfg,
		store:    store,
		steps:    bench.NewExecutor(synth.NewGenerator(client), runner, mailbox, cfg),
		prov:     bench.NewProvisioner(client, runner, cfg),
		gate:     gate.New(judge),
		mailbox:  mailbox,
		events:   make(chan expedition.Event, 100),
		progress: make(chan expedition.Progress, 10),
	}, nil
}

// controllerConfig returns the expedition wiring for this engine.
func (e *engine) controllerConfig(ws string) expedition.Config {
	return expedition.Config{
		Workspace:    ws,
		Store:        e.store,
		Steps:        e.steps,
		Gate:         e.gate,
		Provisioner:  e.prov,
		Exploration:  e.cfg.Exploration,
		ProgressChan: e.progress,
		EventChan:    e.events,
	}
}

func (e *engine) Close() {
	if err := e.store.Close(); err != nil {
		logger.Warn("closing version store", zap.Error(err))
	}
}

// driveController runs the controller to completion with live event
// output. The first Ctrl+C requests a pause: the in-flight sandbox call
// is cancelled, the checkpoint stays resumable, and Run returns cleanly.
func driveController(ctrl *expedition.Controller, e *engine) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			fmt.Println("\nPausing at the next committed node...")
			ctrl.Stop()
		case <-ctx.Done():
		}
	}()

	// Start event listener
	go func() {
		for event := range e.events {
			printEvent(event)
		}
	}()

	err := ctrl.Run(ctx)
	printOutcome(ctrl, err)

	if err != nil {
		logger.Error("experiment finished with error", zap.String("id", ctrl.ID()), zap.Error(err))
		return fmt.Errorf("experiment %s: %w", ctrl.ID(), err)
	}
	return nil
}

// printEvent renders one controller event for the terminal.
func printEvent(event expedition.Event) {
	where := ""
	if event.Branch != "" {
		where = fmt.Sprintf("[%s] ", event.Branch)
	}
	switch event.Type {
	case expedition.EventExperimentStarted:
		fmt.Printf("🚀 %s\n", event.Message)
	case expedition.EventProvisioned:
		fmt.Printf("📦 %s%s\n", where, event.Message)
	case expedition.EventStepAccepted:
		fmt.Printf("✅ %sstep %d: %s\n", where, event.StepIndex, event.Message)
	case expedition.EventStepRetried:
		fmt.Printf("🔄 %sstep %d: %s\n", where, event.StepIndex, event.Message)
	case expedition.EventBranchDiverged:
		fmt.Printf("🌿 %s%s\n", where, event.Message)
	case expedition.EventBranchCompleted:
		fmt.Printf("🎉 %s%s\n", where, event.Message)
	case expedition.EventBranchAborted, expedition.EventBranchAbandoned:
		fmt.Printf("❌ %s%s\n", where, event.Message)
	case expedition.EventExperimentSucceeded:
		fmt.Printf("\n🏆 %s\n", event.Message)
	case expedition.EventExperimentFailed:
		fmt.Printf("\n❌ Experiment failed: %s\n", event.Message)
	case expedition.EventExperimentAborted:
		fmt.Printf("\n❌ Experiment aborted: %s\n", event.Message)
	case expedition.EventExperimentPaused:
		fmt.Printf("\n⏸️  %s\n", event.Message)
	}
}

// printOutcome summarizes the terminal state and tells the user what to
// do next.
func printOutcome(ctrl *expedition.Controller, runErr error) {
	snap := ctrl.Snapshot()
	switch snap.Status {
	case types.StatusSucceeded:
		fmt.Printf("\n✨ Experiment succeeded on branch %q.\n", snap.Winner)
		fmt.Println("   Run 'explab history' to walk the committed evidence.")
	case types.StatusPaused:
		fmt.Println("\nExperiment paused. Run 'explab resume' to continue.")
	case types.StatusFailed:
		fmt.Printf("\nExperiment failed: %s\n", snap.FailureReason)
		fmt.Println("Failed attempts stay committed; 'explab history' shows what was tried.")
		fmt.Println("'explab resume --from <node>' retries from an earlier committed node.")
	case types.StatusAborted:
		if runErr != nil {
			fmt.Printf("\nExperiment aborted: %v\n", runErr)
		} else {
			fmt.Printf("\nExperiment aborted: %s\n", snap.FailureReason)
		}
	}
}
