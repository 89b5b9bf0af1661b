package executors

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/deepnoodle-ai/workgraph"
)

// PrintParams defines the parameters of a print unit
type PrintParams struct {
	Message any `json:"message"`
}

// PrintExecutor writes the "message" parameter to a writer and returns it.
type PrintExecutor struct {
	w io.Writer
}

// NewPrintExecutor returns a print executor. A nil writer uses stdout.
func NewPrintExecutor(w io.Writer) workgraph.Executor {
	if w == nil {
		w = os.Stdout
	}
	return workgraph.NewTypedExecutor(&PrintExecutor{w: w})
}

func (e *PrintExecutor) Kind() string {
	return "print"
}

func (e *PrintExecutor) Execute(ctx context.Context, params PrintParams) (any, error) {
	if params.Message == nil {
		return nil, workgraph.NewFatalError(fmt.Errorf("print requires a message parameter"))
	}
	if _, err := fmt.Fprintln(e.w, params.Message); err != nil {
		return nil, err
	}
	return params.Message, nil
}
