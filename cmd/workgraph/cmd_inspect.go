package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/deepnoodle-ai/workgraph"
	"github.com/deepnoodle-ai/workgraph/executors"
)

var (
	logAfter int64

	validateCmd = &cobra.Command{
		Use:   "validate <graph.yaml>",
		Short: "Check a graph definition and print its execution order",
		Args:  cobra.ExactArgs(1),
		RunE:  validateGraph,
	}

	checkpointsCmd = &cobra.Command{
		Use:   "checkpoints <graph-id>",
		Short: "List the retained checkpoints of a graph",
		Args:  cobra.ExactArgs(1),
		RunE:  listCheckpoints,
	}

	logCmd = &cobra.Command{
		Use:   "log <graph-id>",
		Short: "Print the progress log of a graph",
		Args:  cobra.ExactArgs(1),
		RunE:  printLog,
	}
)

func init() {
	logCmd.Flags().Int64Var(&logAfter, "after", 0, "Only print entries with a sequence number above this")
}

func validateGraph(cmd *cobra.Command, args []string) error {
	g, err := workgraph.LoadFile(args[0])
	if err != nil {
		return err
	}
	resolver, err := workgraph.NewResolver(g)
	if err != nil {
		return err
	}
	registry := workgraph.NewExecutorRegistry(executors.Builtin(executors.Options{})...)
	var unknown []string
	for _, unit := range g.Units {
		if _, err := registry.Lookup(unit.Kind); err != nil {
			unknown = append(unknown, fmt.Sprintf("%s (%s)", unit.ID, unit.Kind))
		}
	}

	color.Green("Graph %q is valid: %d units, %d edges", g.Name, len(g.Units), len(g.Edges))
	for _, id := range resolver.TopologicalOrder() {
		unit, _ := resolver.Unit(id)
		line := fmt.Sprintf("  %s%s [%s, %s]", strings.Repeat("  ", resolver.Depth(id)), id, unit.Kind, unit.Priority)
		if prereqs := resolver.Prerequisites(id); len(prereqs) > 0 {
			line += " after " + strings.Join(prereqs, ", ")
		}
		fmt.Println(line)
	}
	if len(unknown) > 0 {
		color.Yellow("No built-in executor for: %s", strings.Join(unknown, ", "))
	}
	return nil
}

func listCheckpoints(cmd *cobra.Command, args []string) error {
	return withBackend(cmd.Context(), func(ctx context.Context, b *backend, _ *workgraph.Metrics) error {
		records, err := b.checkpoints.List(ctx, args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(records)
		}
		if len(records) == 0 {
			color.Yellow("No checkpoints for %s", args[0])
			return nil
		}
		for _, record := range records {
			integrity := color.GreenString("ok")
			if !record.Verify() {
				integrity = color.RedString("corrupt")
			}
			fmt.Printf("  %s  %-8s  %s  %s\n", record.ID, record.Reason, record.Timestamp.Format(time.RFC3339), integrity)
		}
		return nil
	})
}

func printLog(cmd *cobra.Command, args []string) error {
	return withBackend(cmd.Context(), func(ctx context.Context, b *backend, _ *workgraph.Metrics) error {
		entries, err := b.journal.Entries(ctx, args[0], logAfter)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(entries)
		}
		for _, entry := range entries {
			line := fmt.Sprintf("%6d  %s  %-20s %-11s attempt=%d progress=%d",
				entry.Seq, entry.Timestamp.Format(time.RFC3339), entry.UnitID, entry.Event, entry.Attempt, entry.Progress)
			if entry.Error != "" {
				line += " error=" + entry.Error
			}
			switch entry.Event {
			case workgraph.EventFailed, workgraph.EventBlocked:
				color.Red("%s", line)
			case workgraph.EventRetried, workgraph.EventSkipped, workgraph.EventRolledBack:
				color.Yellow("%s", line)
			case workgraph.EventCompleted:
				color.Green("%s", line)
			default:
				fmt.Println(line)
			}
		}
		return nil
	})
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
