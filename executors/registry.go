package executors

import (
	"context"
	"io"
	"net/http"

	"github.com/jonboulle/clockwork"

	"github.com/deepnoodle-ai/workgraph"
)

// Options configures the built-in executors.
type Options struct {
	Output     io.Writer
	HTTPClient *http.Client
	Clock      clockwork.Clock
}

// Builtin returns one executor of every built-in kind.
func Builtin(opts Options) []workgraph.Executor {
	return []workgraph.Executor{
		NewShellExecutor(),
		NewHTTPExecutor(opts.HTTPClient),
		NewSleepExecutor(opts.Clock),
		NewFailExecutor(),
		NewPrintExecutor(opts.Output),
		NewScriptExecutor(nil),
		NewLuaExecutor(),
		NewFileExecutor(),
		NewNoopExecutor(workgraph.DefaultRepairKind),
	}
}

// NewNoopExecutor returns an executor that succeeds immediately and
// returns its parameters.
func NewNoopExecutor(kind string) workgraph.Executor {
	return workgraph.NewExecutorFunc(kind, func(_ context.Context, unit *workgraph.Unit) (any, error) {
		return unit.Parameters, nil
	})
}
