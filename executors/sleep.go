package executors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/deepnoodle-ai/workgraph"
)

// SleepExecutor waits for the "duration" parameter, given as a Go duration
// string or a number of seconds.
type SleepExecutor struct {
	clock clockwork.Clock
}

// NewSleepExecutor returns a sleep executor. A nil clock uses the real one.
func NewSleepExecutor(clock clockwork.Clock) *SleepExecutor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &SleepExecutor{clock: clock}
}

func (e *SleepExecutor) Kind() string {
	return "sleep"
}

func (e *SleepExecutor) Execute(ctx context.Context, unit *workgraph.Unit) (any, error) {
	raw, ok := unit.Parameters["duration"]
	if !ok {
		return nil, workgraph.NewFatalError(errors.New("duration parameter is required"))
	}
	var duration time.Duration
	switch v := raw.(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, workgraph.NewFatalError(fmt.Errorf("invalid duration format: %w", err))
		}
		duration = d
	case int:
		duration = time.Duration(v) * time.Second
	case float64:
		duration = time.Duration(v * float64(time.Second))
	default:
		return nil, workgraph.NewFatalError(fmt.Errorf("duration must be a string or a number of seconds"))
	}
	if duration <= 0 {
		return nil, workgraph.NewFatalError(errors.New("duration must be positive"))
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.clock.After(duration):
		workgraph.ReportProgress(ctx, 100)
		return fmt.Sprintf("slept for %s", duration), nil
	}
}
