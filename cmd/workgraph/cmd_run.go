package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/deepnoodle-ai/workgraph"
	"github.com/deepnoodle-ai/workgraph/executors"
)

var (
	runFlags struct {
		timeout     time.Duration
		concurrency int
		watch       bool
		showOutputs bool
		groupBy     string
	}
	resumeFlags struct {
		checkpoint  string
		retryFailed bool
	}
	rollbackFlags struct {
		cascade bool
	}

	runCmd = &cobra.Command{
		Use:   "run <graph.yaml>",
		Short: "Submit a graph definition and run it to completion",
		Example: `  # Run a graph
  workgraph run deploy.yaml

  # Keep running and accept repair units from the health monitor
  workgraph run maintenance.yaml --watch`,
		Args: cobra.ExactArgs(1),
		RunE: runGraph,
	}

	resumeCmd = &cobra.Command{
		Use:   "resume <graph-id>",
		Short: "Resume a graph from its latest (or a given) checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE:  resumeGraph,
	}

	rollbackCmd = &cobra.Command{
		Use:   "rollback <graph-id> <unit-id>",
		Short: "Compensate a completed unit and mark it rolled back",
		Args:  cobra.ExactArgs(2),
		RunE:  rollbackUnit,
	}
)

func init() {
	for _, cmd := range []*cobra.Command{runCmd, resumeCmd} {
		cmd.Flags().DurationVarP(&runFlags.timeout, "timeout", "t", 0, "Execution timeout (e.g. 30s, 5m)")
		cmd.Flags().IntVar(&runFlags.concurrency, "concurrency", 0, "Maximum units running at once (overrides config)")
		cmd.Flags().BoolVarP(&runFlags.watch, "watch", "w", false, "Keep running after the graph drains and submit repairs for unhealthy components")
		cmd.Flags().BoolVar(&runFlags.showOutputs, "show-outputs", true, "Show unit outputs")
		cmd.Flags().StringVar(&runFlags.groupBy, "group-by", "", "Summarize progress grouped by this unit label")
	}
	resumeCmd.Flags().StringVar(&resumeFlags.checkpoint, "checkpoint", "", "Checkpoint id to restore instead of the latest")
	resumeCmd.Flags().BoolVar(&resumeFlags.retryFailed, "retry-failed", false, "Queue failed and blocked units again")
	rollbackCmd.Flags().BoolVar(&rollbackFlags.cascade, "cascade", false, "Also roll back completed units that depend on the unit")
	rootCmd.AddCommand(rollbackCmd)
}

func runGraph(cmd *cobra.Command, args []string) error {
	g, err := workgraph.LoadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to load graph: %w", err)
	}
	color.Cyan("Graph: %s (%s)", g.Name, g.ID)
	if g.Description != "" {
		color.White("Description: %s", g.Description)
	}
	return withBackend(cmd.Context(), func(ctx context.Context, b *backend, metrics *workgraph.Metrics) error {
		opts := executionOptions(b, metrics)
		opts.Graph = g
		execution, err := workgraph.NewExecution(opts)
		if err != nil {
			return fmt.Errorf("failed to submit graph: %w", err)
		}
		return execute(ctx, execution)
	})
}

func resumeGraph(cmd *cobra.Command, args []string) error {
	graphID := args[0]
	return withBackend(cmd.Context(), func(ctx context.Context, b *backend, metrics *workgraph.Metrics) error {
		opts := executionOptions(b, metrics)
		opts.ResetFailed = resumeFlags.retryFailed
		var execution *workgraph.Execution
		var err error
		if resumeFlags.checkpoint != "" {
			execution, err = workgraph.RestoreExecution(ctx, resumeFlags.checkpoint, opts)
		} else {
			execution, err = workgraph.ResumeLatest(ctx, graphID, opts)
		}
		if err != nil {
			return fmt.Errorf("failed to resume graph %s: %w", graphID, err)
		}
		summary := execution.Summary()
		color.Cyan("Resuming %s: %d of %d units completed", graphID, summary.Completed, summary.TotalUnits)
		return execute(ctx, execution)
	})
}

func rollbackUnit(cmd *cobra.Command, args []string) error {
	graphID, unitID := args[0], args[1]
	return withBackend(cmd.Context(), func(ctx context.Context, b *backend, metrics *workgraph.Metrics) error {
		execution, err := workgraph.ResumeLatest(ctx, graphID, executionOptions(b, metrics))
		if err != nil {
			return fmt.Errorf("failed to load graph %s: %w", graphID, err)
		}
		if err := execution.Rollback(ctx, unitID, workgraph.RollbackOptions{Cascade: rollbackFlags.cascade}); err != nil {
			return err
		}
		record, err := execution.Checkpoint(ctx)
		if err != nil {
			return fmt.Errorf("failed to checkpoint after rollback: %w", err)
		}
		color.Yellow("Rolled back %s (checkpoint %s)", unitID, record.ID)
		printUnits(execution.Units())
		return nil
	})
}

// withBackend opens persistence and metrics for the duration of fn.
func withBackend(ctx context.Context, fn func(ctx context.Context, b *backend, metrics *workgraph.Metrics) error) error {
	var metrics *workgraph.Metrics
	if config.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		metrics = workgraph.NewMetrics(reg)
		server := &http.Server{
			Addr:              config.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer server.Close()
		color.Blue("Metrics: http://%s/metrics", config.MetricsAddr)
	}

	b, err := openBackend(ctx, &config, metrics)
	if err != nil {
		return err
	}
	defer b.Close()
	return fn(ctx, b, metrics)
}

func executionOptions(b *backend, metrics *workgraph.Metrics) workgraph.ExecutionOptions {
	concurrency := config.Concurrency
	if runFlags.concurrency > 0 {
		concurrency = runFlags.concurrency
	}
	return workgraph.ExecutionOptions{
		Executors:          executors.Builtin(executors.Options{}),
		Concurrency:        concurrency,
		Timeouts:           config.Timeouts,
		DefaultTimeout:     config.DefaultTimeout,
		RetryPolicy:        config.Retry,
		Journal:            b.journal,
		Checkpointer:       b.checkpoints,
		CheckpointInterval: config.Checkpoints.Interval,
		GraphStore:         b.graphs,
		Formatter:          &consoleFormatter{showOutput: runFlags.showOutputs},
		Logger:             logger,
		Metrics:            metrics,
		KeepAlive:          runFlags.watch,
		Escalator: workgraph.EscalatorFunc(func(ctx context.Context, unit *workgraph.Unit, dependents []string) {
			color.Red("! %s needs attention (%d dependent units affected)", unit.ID, len(dependents))
		}),
	}
}

// execute runs the execution until it finishes, is interrupted or times
// out, together with the health monitor in watch mode.
func execute(ctx context.Context, execution *workgraph.Execution) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if runFlags.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, runFlags.timeout)
		defer cancel()
		color.Yellow("Timeout: %v", runFlags.timeout)
	}

	color.Green("Starting execution (ID: %s)...", execution.ID())
	startTime := time.Now()

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return execution.Run(gctx)
	})
	if runFlags.watch && len(config.Health.Components) > 0 {
		monitor, err := newMonitor(execution)
		if err != nil {
			execution.Stop()
			_ = group.Wait()
			return err
		}
		color.Magenta("Watching %d components", len(config.Health.Components))
		group.Go(func() error {
			if err := monitor.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	err := group.Wait()
	if runFlags.watch && errors.Is(err, workgraph.ErrCancelled) {
		err = nil
	}
	return showResults(execution, err, time.Since(startTime))
}

func newMonitor(target workgraph.RepairTarget) (*workgraph.HealthMonitor, error) {
	if config.Health.File == "" {
		return nil, fmt.Errorf("health.file is required to watch components")
	}
	var limit rate.Limit
	if config.Health.RepairsPerMinute > 0 {
		limit = rate.Limit(config.Health.RepairsPerMinute / 60)
	}
	return workgraph.NewHealthMonitor(workgraph.HealthMonitorOptions{
		Sources:     []workgraph.HealthSource{fileHealthSource(config.Health.File)},
		Components:  config.Health.Components,
		Target:      target,
		Interval:    config.Health.Interval,
		RepairLimit: limit,
		Logger:      logger,
	})
}

// fileHealthSource reads component scores from a YAML map on every poll.
func fileHealthSource(path string) workgraph.HealthSource {
	return workgraph.HealthSourceFunc(func(ctx context.Context) (map[string]float64, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var scores map[string]float64
		if err := yaml.Unmarshal(data, &scores); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		return scores, nil
	})
}

func showResults(execution *workgraph.Execution, err error, duration time.Duration) error {
	g := execution.Graph()
	summary := workgraph.Summarize(g)

	if jsonOutput {
		data, jsonErr := json.MarshalIndent(map[string]any{
			"graph_id": g.ID,
			"status":   g.Status,
			"summary":  summary,
			"units":    g.Units,
			"error":    g.Error,
		}, "", "  ")
		if jsonErr != nil {
			return jsonErr
		}
		fmt.Println(string(data))
	} else {
		fmt.Println()
		color.White("Execution finished in %v", duration.Round(time.Millisecond))
		color.White("Graph: %s  Status: %s  Progress: %d%%", g.ID, g.Status, summary.OverallProgress)
		printUnits(g.Units)
		if runFlags.groupBy != "" {
			fmt.Println()
			color.Magenta("Progress by %s:", runFlags.groupBy)
			for _, group := range workgraph.SummarizeGroups(g, runFlags.groupBy) {
				name := group.Group
				if name == "" {
					name = "(none)"
				}
				fmt.Printf("  %-20s %3d%%  %d/%d completed\n", name, group.OverallProgress, group.Completed, group.TotalUnits)
			}
		}
	}

	if err != nil {
		if !jsonOutput {
			color.Red("Error: %v", err)
		}
		return &exitError{code: 1}
	}
	if !jsonOutput {
		color.Green("Execution successful!")
	}
	return nil
}

func printUnits(units []*workgraph.Unit) {
	for _, unit := range units {
		status := statusColor(unit.Status).Sprintf("%-11s", unit.Status)
		line := fmt.Sprintf("  %-24s %s %3d%%", unit.ID, status, unit.Progress)
		if unit.Attempt > 0 {
			line += fmt.Sprintf("  attempt %d/%d", unit.Attempt, unit.MaxAttempts)
		}
		if unit.Error != "" {
			line += "  " + color.RedString(unit.Error)
		}
		fmt.Println(line)
	}
}
