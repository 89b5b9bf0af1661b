package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/goccy/go-json"

	"github.com/deepnoodle-ai/workgraph"
)

// consoleFormatter prints unit progress to the terminal.
type consoleFormatter struct {
	showOutput bool
}

var _ workgraph.Formatter = (*consoleFormatter)(nil)

func (f *consoleFormatter) PrintUnitStart(unitID, kind string) {
	color.Cyan("> %s (%s)", unitID, kind)
}

func (f *consoleFormatter) PrintUnitOutput(unitID string, content any) {
	if !f.showOutput || content == nil {
		color.Green("  %s done", unitID)
		return
	}
	color.Green("  %s done: %s", unitID, formatValue(content))
}

func (f *consoleFormatter) PrintUnitError(unitID string, err error) {
	color.Red("  %s failed: %v", unitID, err)
}

func (f *consoleFormatter) PrintUnitRetry(unitID string, attempt int, err error) {
	color.Yellow("  %s retrying (attempt %d): %v", unitID, attempt, err)
}

func formatValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func statusColor(status workgraph.UnitStatus) *color.Color {
	switch status {
	case workgraph.UnitCompleted:
		return color.New(color.FgGreen)
	case workgraph.UnitFailed, workgraph.UnitBlocked:
		return color.New(color.FgRed)
	case workgraph.UnitSkipped, workgraph.UnitRolledBack:
		return color.New(color.FgYellow)
	case workgraph.UnitRunning:
		return color.New(color.FgCyan)
	default:
		return color.New(color.FgWhite)
	}
}
