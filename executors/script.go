package executors

import (
	"context"
	"errors"
	"fmt"

	"github.com/deepnoodle-ai/workgraph"
	"github.com/deepnoodle-ai/workgraph/script"
)

// ScriptExecutor evaluates the risor program in the "code" parameter and
// returns its result. The other parameters are bound to params and the
// unit's id, kind and attempt to unit.
type ScriptExecutor struct {
	compiler script.Compiler
}

// NewScriptExecutor returns a script executor. A nil compiler uses the one
// the execution places on the context.
func NewScriptExecutor(compiler script.Compiler) *ScriptExecutor {
	return &ScriptExecutor{compiler: compiler}
}

func (e *ScriptExecutor) Kind() string {
	return "script"
}

func (e *ScriptExecutor) Execute(ctx context.Context, unit *workgraph.Unit) (any, error) {
	code, ok := unit.Parameters["code"].(string)
	if !ok || code == "" {
		return nil, workgraph.NewFatalError(errors.New("missing code parameter"))
	}
	compiler := e.compiler
	if compiler == nil {
		compiler, ok = workgraph.GetCompilerFromContext(ctx)
		if !ok {
			return nil, workgraph.NewFatalError(errors.New("no script compiler available"))
		}
	}
	compiled, err := compiler.Compile(ctx, code)
	if err != nil {
		return nil, workgraph.NewFatalError(fmt.Errorf("failed to compile script: %w", err))
	}

	params := make(map[string]any, len(unit.Parameters))
	for key, value := range unit.Parameters {
		if key != "code" {
			params[key] = value
		}
	}
	result, err := compiled.Evaluate(ctx, map[string]any{
		"params": params,
		"unit": map[string]any{
			"id":      unit.ID,
			"kind":    unit.Kind,
			"attempt": unit.Attempt,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to execute script: %w", err)
	}
	return result.Value(), nil
}
