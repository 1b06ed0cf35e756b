package main

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tether/internal/agent/app"
	"tether/internal/agent/ports"
	"tether/internal/config"
	"tether/internal/observability"
	"tether/internal/planner"
	"tether/internal/server"
	"tether/internal/utils/id"
)

func newServeCommand() *cobra.Command {
	var planPaths []string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the approval console server",
		Long: `Start the HTTP console. Pending approval requests are listed and
resolved over the API, and a websocket stream announces requests,
resolutions, and task events as they happen.

With --plan the given plans run against the console: dangerous calls
wait for an operator's decision instead of a terminal prompt. Without
plans the server idles until interrupted, ready for embedded use.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runServe(cmd, cfg, planPaths)
		},
	}

	cmd.Flags().StringArrayVarP(&planPaths, "plan", "p", nil, "Plan file to execute against the console")
	cmd.Flags().String("addr", "", "Listen address override")
	cmd.Flags().String("approval", "", "Approval mode override (defaults to console)")
	cmd.Flags().Int("concurrency", 2, "Concurrent tasks for multi-plan runs")
	return cmd
}

// eventFanout forwards engine events to sinks that are wired after the
// service is built. The websocket hub only exists once the server does, so
// the service is given the fanout and the hub joins later.
type eventFanout struct {
	mu    sync.RWMutex
	sinks []ports.EventCallback
}

func (f *eventFanout) add(sink ports.EventCallback) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks = append(f.sinks, sink)
}

func (f *eventFanout) handle(event ports.Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, sink := range f.sinks {
		sink(event)
	}
}

func runServe(cmd *cobra.Command, cfg config.Config, planPaths []string) error {
	// The console is the point of serving; only an explicit flag keeps a
	// different mode.
	if !cmd.Flags().Changed("approval") {
		cfg.Approval.Mode = "console"
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Server.Addr = addr
	}

	obs := observability.NewFromConfig(cfg.Observability)
	defer shutdownObservability(obs)

	verbose, _ := cmd.Flags().GetBool("verbose")
	debug, _ := cmd.Flags().GetBool("debug")
	renderer := newRunRenderer(os.Stdout, verbose)

	fanout := &eventFanout{}
	router := planner.NewRouter(nil)
	tasks := make([]ports.Task, 0, len(planPaths))
	for _, path := range planPaths {
		scripted, plan, err := planner.LoadPlan(path)
		if err != nil {
			return fmt.Errorf("plan %s: %w", path, err)
		}
		task := ports.Task{ID: id.NewTaskID(), Goal: plan.Goal, Actor: cfg.Actor, CreatedAt: time.Now()}
		router.Bind(task.ID, scripted)
		tasks = append(tasks, task)
	}

	svc, err := app.New(cfg, router,
		app.WithLogger(obs.Logger.Printf()),
		app.WithEvents(fanout.handle),
		app.WithExecutionObserver(obs.Metrics),
	)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	srv := server.New(server.Config{
		Addr:         cfg.Server.Addr,
		AllowOrigins: cfg.Server.AllowOrigins,
		Debug:        debug,
	}, svc.Broker(), server.WithLogger(obs.Logger.Printf()))
	svc.Broker().SetNotifier(srv.Hub())

	fanout.add(renderer.handle)
	fanout.add(srv.Hub().BroadcastEvent)

	go func() {
		if err := srv.Start(); err != nil {
			obs.Logger.Error("console server stopped", "error", err)
		}
	}()
	defer stopServer(srv)

	fmt.Fprintf(os.Stdout, "%s console listening on %s\n", green("▸"), cfg.Server.Addr)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(tasks) == 0 {
		<-ctx.Done()
		fmt.Fprintln(os.Stdout, gray("shutting down"))
		return nil
	}

	concurrency, _ := cmd.Flags().GetInt("concurrency")
	if len(tasks) == 1 {
		result, runErr := svc.Run(ctx, tasks[0])
		renderer.renderResult(result)
		return runOutcome(result, runErr)
	}
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

func stopServer(srv *server.Server) {
	if err := srv.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "console shutdown: %v\n", err)
	}
}
