package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tether/internal/agent/app"
	"tether/internal/agent/ports"
	"tether/internal/config"
	"tether/internal/observability"
	"tether/internal/planner"
	"tether/internal/utils/id"
)

func newRunCommand() *cobra.Command {
	var planPaths []string

	cmd := &cobra.Command{
		Use:   "run [goal]",
		Short: "Execute scripted plans through the bounded loop",
		Long: `Execute one or more plan files. Each plan scripts the decision-maker:
the tool calls to propose and the final answer to finish with. The loop
still enforces budgets, permissions, approvals, and caching around every
call, exactly as it would with a live decision-maker.

A goal argument overrides the goal written in the plan.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runPlans(cmd, cfg, planPaths, strings.Join(args, " "))
		},
	}

	cmd.Flags().StringArrayVarP(&planPaths, "plan", "p", nil, "Plan file to execute (repeat for a concurrent batch)")
	cmd.Flags().Int("max-steps", 0, "Step budget override")
	cmd.Flags().Int("max-tokens", 0, "Token budget override")
	cmd.Flags().Float64("max-cost", 0, "Cost budget override in USD")
	cmd.Flags().Duration("max-duration", 0, "Wall-clock budget override")
	cmd.Flags().String("approval", "", "Approval mode: interactive, auto-approve, auto-deny, console")
	cmd.Flags().Duration("approval-timeout", 0, "How long approval requests stay open")
	cmd.Flags().Bool("resume", false, "Resume tasks from their latest checkpoint")
	cmd.Flags().Int("concurrency", 2, "Concurrent tasks for multi-plan runs")
	return cmd
}

func runPlans(cmd *cobra.Command, cfg config.Config, planPaths []string, goalOverride string) error {
	if len(planPaths) == 0 {
		return fmt.Errorf("at least one --plan file is required")
	}

	// Headless runs have nobody at the prompt; deny instead of hanging
	// until the approval window expires.
	if cfg.Approval.Mode == "interactive" && !isTTY() {
		cfg.Approval.Mode = "auto-deny"
	}

	obs := observability.NewFromConfig(cfg.Observability)
	defer shutdownObservability(obs)

	verbose, _ := cmd.Flags().GetBool("verbose")
	renderer := newRunRenderer(os.Stdout, verbose)

	router := planner.NewRouter(nil)
	tasks := make([]ports.Task, 0, len(planPaths))
	for _, path := range planPaths {
		scripted, plan, err := planner.LoadPlan(path)
		if err != nil {
			return fmt.Errorf("plan %s: %w", path, err)
		}
		goal := plan.Goal
		if goalOverride != "" {
			goal = goalOverride
		}
		task := ports.Task{ID: id.NewTaskID(), Goal: goal, Actor: cfg.Actor, CreatedAt: time.Now()}
		router.Bind(task.ID, scripted)
		tasks = append(tasks, task)
	}

	svc, err := app.New(cfg, router,
		app.WithLogger(obs.Logger.Printf()),
		app.WithEvents(renderer.handle),
		app.WithExecutionObserver(obs.Metrics),
	)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(tasks) == 1 {
		result, runErr := svc.Run(ctx, tasks[0])
		renderer.renderResult(result)
		return runOutcome(result, runErr)
	}

	concurrency, _ := cmd.Flags().GetInt("concurrency")
	results, batchErr := svc.RunBatch(ctx, tasks, concurrency)
	for _, result := range results {
		renderer.renderResult(result)
	}
	if batchErr != nil {
		return batchErr
	}
	for _, result := range results {
		if outcome := runOutcome(result, nil); outcome != nil {
			return outcome
		}
	}
	return nil
}

// runOutcome converts a task result into the command's exit state. Anything
// but completion is an error so scripts can branch on the exit code.
func runOutcome(result *ports.TaskResult, runErr error) error {
	if runErr != nil {
		return runErr
	}
	if result == nil {
		return fmt.Errorf("no result produced")
	}
	if result.Status != ports.StatusCompleted {
		if result.ErrorMessage != "" {
			return fmt.Errorf("task %s ended %s: %s", result.TaskID, result.Status, result.ErrorMessage)
		}
		return fmt.Errorf("task %s ended %s", result.TaskID, result.Status)
	}
	return nil
}

func shutdownObservability(obs *observability.Observability) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = obs.Shutdown(ctx)
}
