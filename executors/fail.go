package executors

import (
	"context"
	"fmt"
	"sync"

	"github.com/deepnoodle-ai/workgraph"
)

// FailParams defines the parameters of a fail unit
type FailParams struct {
	Message string `json:"message"`
	// Times is the number of attempts that fail before the unit succeeds.
	// Zero fails every attempt.
	Times int `json:"times"`
	// Fatal fails without retry.
	Fatal bool `json:"fatal"`
}

// FailExecutor fails on purpose. It is useful for exercising retry and
// escalation.
type FailExecutor struct {
	mu       sync.Mutex
	attempts map[string]int
}

func NewFailExecutor() *FailExecutor {
	return &FailExecutor{attempts: map[string]int{}}
}

func (e *FailExecutor) Kind() string {
	return "fail"
}

func (e *FailExecutor) Execute(ctx context.Context, unit *workgraph.Unit) (any, error) {
	var params FailParams
	if err := workgraph.DecodeParameters(unit.Parameters, &params); err != nil {
		return nil, workgraph.NewFatalError(err)
	}
	message := params.Message
	if message == "" {
		message = "intentional failure"
	}

	e.mu.Lock()
	e.attempts[unit.ID]++
	n := e.attempts[unit.ID]
	e.mu.Unlock()

	if params.Times > 0 && n > params.Times {
		return map[string]any{"attempts": n}, nil
	}
	err := fmt.Errorf("fail: %s", message)
	if params.Fatal {
		return nil, workgraph.NewFatalError(err)
	}
	return nil, err
}
