package workgraph

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
)

// Executor performs the work for units of one kind. The unit passed to
// Execute is a copy; changes to it are not recorded. Executors may be
// called again for the same unit when it is retried.
type Executor interface {

	// Kind returns the unit kind this executor handles
	Kind() string

	// Execute the unit and return its output.
	Execute(ctx context.Context, unit *Unit) (any, error)
}

// Compensator is implemented by executors that can undo a completed unit.
type Compensator interface {
	Compensate(ctx context.Context, unit *Unit) error
}

// CompensateFunc adapts a function to the Compensator interface.
type CompensateFunc func(ctx context.Context, unit *Unit) error

func (f CompensateFunc) Compensate(ctx context.Context, unit *Unit) error {
	return f(ctx, unit)
}

// ExecuteFunc is the signature of a function based executor.
type ExecuteFunc func(ctx context.Context, unit *Unit) (any, error)

// Confirm the interfaces are implemented correctly.
var (
	_ Executor    = (*ExecutorFunc)(nil)
	_ Compensator = CompensateFunc(nil)
)

// ExecutorFunc wraps a function for use as an Executor.
type ExecutorFunc struct {
	kind       string
	fn         ExecuteFunc
	compensate CompensateFunc
}

// NewExecutorFunc returns an Executor for the given function.
func NewExecutorFunc(kind string, fn ExecuteFunc) *ExecutorFunc {
	return &ExecutorFunc{kind: kind, fn: fn}
}

// WithCompensation attaches an undo function to the executor.
func (e *ExecutorFunc) WithCompensation(fn CompensateFunc) *ExecutorFunc {
	e.compensate = fn
	return e
}

func (e *ExecutorFunc) Kind() string {
	return e.kind
}

func (e *ExecutorFunc) Execute(ctx context.Context, unit *Unit) (any, error) {
	return e.fn(ctx, unit)
}

// Compensate runs the attached undo function. Without one, rollback only
// changes the unit status.
func (e *ExecutorFunc) Compensate(ctx context.Context, unit *Unit) error {
	if e.compensate == nil {
		return nil
	}
	return e.compensate(ctx, unit)
}

// TypedExecutor is an executor whose parameters are decoded into a struct.
type TypedExecutor[TParams, TResult any] interface {
	Kind() string
	Execute(ctx context.Context, params TParams) (TResult, error)
}

type typedExecutor[TParams, TResult any] struct {
	inner TypedExecutor[TParams, TResult]
}

// NewTypedExecutor adapts a TypedExecutor to the Executor interface. Unit
// parameters are converted to TParams through their JSON form.
func NewTypedExecutor[TParams, TResult any](e TypedExecutor[TParams, TResult]) Executor {
	return &typedExecutor[TParams, TResult]{inner: e}
}

func (t *typedExecutor[TParams, TResult]) Kind() string {
	return t.inner.Kind()
}

func (t *typedExecutor[TParams, TResult]) Execute(ctx context.Context, unit *Unit) (any, error) {
	var params TParams
	if err := DecodeParameters(unit.Parameters, &params); err != nil {
		return nil, NewFatalError(fmt.Errorf("unit %s: %w", unit.ID, err))
	}
	return t.inner.Execute(ctx, params)
}

type typedExecutorFunc[TParams, TResult any] struct {
	kind string
	fn   func(ctx context.Context, params TParams) (TResult, error)
}

func (t *typedExecutorFunc[TParams, TResult]) Kind() string {
	return t.kind
}

func (t *typedExecutorFunc[TParams, TResult]) Execute(ctx context.Context, params TParams) (TResult, error) {
	return t.fn(ctx, params)
}

// NewTypedExecutorFunc returns an Executor for a function taking typed
// parameters.
func NewTypedExecutorFunc[TParams, TResult any](kind string, fn func(ctx context.Context, params TParams) (TResult, error)) Executor {
	return NewTypedExecutor[TParams, TResult](&typedExecutorFunc[TParams, TResult]{kind: kind, fn: fn})
}

// DecodeParameters converts a parameter map into the value pointed to by
// target using JSON field names.
func DecodeParameters(params map[string]any, target any) error {
	if params == nil {
		params = map[string]any{}
	}
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to encode parameters: %w", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("invalid parameters: %w", err)
	}
	return nil
}

// ExecutorRegistry maps unit kinds to executors.
type ExecutorRegistry map[string]Executor

// NewExecutorRegistry indexes executors by kind. Later entries replace
// earlier ones with the same kind.
func NewExecutorRegistry(executors ...Executor) ExecutorRegistry {
	r := make(ExecutorRegistry, len(executors))
	for _, e := range executors {
		r[e.Kind()] = e
	}
	return r
}

// Register adds an executor to the registry.
func (r ExecutorRegistry) Register(e Executor) {
	r[e.Kind()] = e
}

// Lookup returns the executor for a kind.
func (r ExecutorRegistry) Lookup(kind string) (Executor, error) {
	e, ok := r[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return e, nil
}
