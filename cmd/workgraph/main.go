package main

import (
	"errors"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/deepnoodle-ai/workgraph"
)

// exitError carries a non-zero exit code without printing anything more.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return "exit"
}

var (
	configPath string
	verbose    bool
	jsonOutput bool

	config Config
	logger *slog.Logger

	rootCmd = &cobra.Command{
		Use:           "workgraph",
		Short:         "Run dependency-ordered work graphs",
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `workgraph executes YAML-defined graphs of work units in dependency order,
with retries, checkpoints, rollback and a replayable progress log.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			logger = workgraph.NewLoggerWithLevel(level)
			cfg, err := LoadConfig(configPath)
			if err != nil {
				return err
			}
			config = *cfg
			return nil
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file (default: workgraph.yaml if present)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output results in JSON format")

	rootCmd.AddCommand(runCmd, resumeCmd, validateCmd, checkpointsCmd, logCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}
