package workgraph

import (
	"context"
	"time"
)

// ExecutionCallbacks defines the callback interface for graph execution events
type ExecutionCallbacks interface {
	// Graph-level callbacks
	BeforeGraphExecution(ctx context.Context, event *GraphExecutionEvent)
	AfterGraphExecution(ctx context.Context, event *GraphExecutionEvent)

	// Unit-level callbacks
	BeforeUnitExecution(ctx context.Context, event *UnitExecutionEvent)
	AfterUnitExecution(ctx context.Context, event *UnitExecutionEvent)
	OnUnitRetry(ctx context.Context, event *UnitExecutionEvent)
}

// GraphExecutionEvent provides context for graph-level execution events
type GraphExecutionEvent struct {
	ExecutionID string
	GraphID     string
	GraphName   string
	Status      GraphStatus
	StartTime   time.Time
	EndTime     time.Time
	Duration    time.Duration
	UnitCount   int
	Summary     Summary
	Error       error
}

// UnitExecutionEvent provides context for unit execution events
type UnitExecutionEvent struct {
	ExecutionID string
	GraphID     string
	UnitID      string
	Kind        string
	Attempt     int
	Parameters  map[string]any
	Result      any
	StartTime   time.Time
	EndTime     time.Time
	Duration    time.Duration
	NextAttempt time.Time
	Error       error
}

// BaseExecutionCallbacks provides a default implementation that does nothing
type BaseExecutionCallbacks struct{}

func (n *BaseExecutionCallbacks) BeforeGraphExecution(ctx context.Context, event *GraphExecutionEvent) {
	// noop
}

func (n *BaseExecutionCallbacks) AfterGraphExecution(ctx context.Context, event *GraphExecutionEvent) {
	// noop
}

func (n *BaseExecutionCallbacks) BeforeUnitExecution(ctx context.Context, event *UnitExecutionEvent) {
	// noop
}

func (n *BaseExecutionCallbacks) AfterUnitExecution(ctx context.Context, event *UnitExecutionEvent) {
	// noop
}

func (n *BaseExecutionCallbacks) OnUnitRetry(ctx context.Context, event *UnitExecutionEvent) {
	// noop
}

// NewBaseExecutionCallbacks creates a new no-op callbacks implementation.
// Embed this in your own callbacks to get a default implementation that does nothing.
func NewBaseExecutionCallbacks() ExecutionCallbacks {
	return &BaseExecutionCallbacks{}
}

// CallbackChain allows chaining multiple callback implementations
type CallbackChain struct {
	callbacks []ExecutionCallbacks
}

// NewCallbackChain creates a new callback chain
func NewCallbackChain(callbacks ...ExecutionCallbacks) *CallbackChain {
	return &CallbackChain{callbacks: callbacks}
}

// Add adds a callback to the chain
func (c *CallbackChain) Add(callback ExecutionCallbacks) {
	c.callbacks = append(c.callbacks, callback)
}

func (c *CallbackChain) BeforeGraphExecution(ctx context.Context, event *GraphExecutionEvent) {
	for _, callback := range c.callbacks {
		callback.BeforeGraphExecution(ctx, event)
	}
}

func (c *CallbackChain) AfterGraphExecution(ctx context.Context, event *GraphExecutionEvent) {
	for _, callback := range c.callbacks {
		callback.AfterGraphExecution(ctx, event)
	}
}

func (c *CallbackChain) BeforeUnitExecution(ctx context.Context, event *UnitExecutionEvent) {
	for _, callback := range c.callbacks {
		callback.BeforeUnitExecution(ctx, event)
	}
}

func (c *CallbackChain) AfterUnitExecution(ctx context.Context, event *UnitExecutionEvent) {
	for _, callback := range c.callbacks {
		callback.AfterUnitExecution(ctx, event)
	}
}

func (c *CallbackChain) OnUnitRetry(ctx context.Context, event *UnitExecutionEvent) {
	for _, callback := range c.callbacks {
		callback.OnUnitRetry(ctx, event)
	}
}
